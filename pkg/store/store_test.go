package store

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zedinhost/arkd/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)

	desc := &types.InstanceDescriptor{
		ID:            7,
		OwnerID:       3,
		Name:          "Ragnarok PvP",
		MapName:       "Ragnarok",
		AdminPassword: "secret",
		Port:          7777,
		QueryPort:     7779,
		ConsolePort:   27015,
		ActiveMods:    []string{"900062"},
		Status:        types.StatusStopped,
	}
	require.NoError(t, s.Put(desc))

	got, err := s.Get(7)
	require.NoError(t, err)
	assert.Equal(t, desc, got)
}

func TestGetUnknownFails(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Get(404)
	assert.Error(t, err)
}

func TestListInIDOrder(t *testing.T) {
	s := openTestStore(t)

	for _, id := range []int64{30, 2, 100} {
		require.NoError(t, s.Put(&types.InstanceDescriptor{ID: id, Name: "x"}))
	}

	descs, err := s.List()
	require.NoError(t, err)
	require.Len(t, descs, 3)
	assert.EqualValues(t, 2, descs[0].ID)
	assert.EqualValues(t, 30, descs[1].ID)
	assert.EqualValues(t, 100, descs[2].ID)
}

func TestDelete(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Put(&types.InstanceDescriptor{ID: 1}))
	require.NoError(t, s.Delete(1))

	_, err := s.Get(1)
	assert.Error(t, err)

	// Deleting a missing record is not an error.
	assert.NoError(t, s.Delete(1))
}

func TestSetStatus(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Put(&types.InstanceDescriptor{ID: 1, Status: types.StatusStopped}))

	now := time.Now().Truncate(time.Second)
	require.NoError(t, s.SetStatus(1, types.StatusRunning, &now))

	got, err := s.Get(1)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)
	assert.True(t, got.StartedAt.Equal(now))

	require.NoError(t, s.SetStatus(1, types.StatusStopped, nil))
	got, err = s.Get(1)
	require.NoError(t, err)
	assert.Nil(t, got.StartedAt)
}

func TestSetStatusConcurrentWritesKeepRecordIntact(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Put(&types.InstanceDescriptor{ID: 1, Name: "keep", Status: types.StatusStopped}))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.SetStatus(1, types.StatusRunning, nil))
		}()
	}
	wg.Wait()

	got, err := s.Get(1)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, got.Status)
	assert.Equal(t, "keep", got.Name)
}

func TestClaimedPorts(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Put(&types.InstanceDescriptor{ID: 1, Port: 7777, QueryPort: 7779, ConsolePort: 27015}))
	require.NoError(t, s.Put(&types.InstanceDescriptor{ID: 2, Port: 7781}))
	require.NoError(t, s.Put(&types.InstanceDescriptor{ID: 3}))

	ports, err := s.ClaimedPorts()
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{7777, 7779, 27015, 7781}, ports)
}
