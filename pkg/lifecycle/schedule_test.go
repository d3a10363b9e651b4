package lifecycle

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduledShutdownStopsAtZero(t *testing.T) {
	e := newTestEnv(t)
	desc := startRunning(t, e, 1)
	e.console.available = true

	res := e.ctrl.ScheduleShutdown(1, 1)
	require.True(t, res.Success, res.Message)

	require.Eventually(t, func() bool {
		return !e.runtime.isRunning(desc.ContainerName())
	}, 2*time.Second, 10*time.Millisecond)

	// Countdown announced the final minute and the per-second tail.
	log := e.console.broadcastLog()
	joined := strings.Join(log, "\n")
	assert.Contains(t, joined, "1 minute")
	assert.Contains(t, joined, "30 seconds")
	assert.Contains(t, joined, "1 seconds")

	_, _, active := e.ctrl.ScheduledShutdown(1)
	assert.False(t, active, "schedule must be cleared after firing")
}

func TestScheduledShutdownSupersessionStopsExactlyOnce(t *testing.T) {
	e := newTestEnv(t)
	desc := startRunning(t, e, 1)
	stopsAfterStart := e.runtime.stops()

	// The first countdown is superseded before its first re-check; only the
	// second may act.
	require.True(t, e.ctrl.ScheduleShutdown(1, 5).Success)
	require.True(t, e.ctrl.ScheduleShutdown(1, 1).Success)

	require.Eventually(t, func() bool {
		return !e.runtime.isRunning(desc.ContainerName())
	}, 2*time.Second, 10*time.Millisecond)

	// Give the superseded goroutine time to wake up and notice.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, stopsAfterStart+1, e.runtime.stops(), "exactly one stop must fire")
}

func TestCancelShutdownPreventsStop(t *testing.T) {
	e := newTestEnv(t)
	desc := startRunning(t, e, 1)

	require.True(t, e.ctrl.ScheduleShutdown(1, 1).Success)
	require.True(t, e.ctrl.CancelShutdown(1).Success)

	time.Sleep(200 * time.Millisecond)
	assert.True(t, e.runtime.isRunning(desc.ContainerName()))

	res := e.ctrl.CancelShutdown(1)
	assert.False(t, res.Success, "cancelling twice reports no active schedule")
}

func TestCancelShutdownFromSeparateProcess(t *testing.T) {
	e := newTestEnv(t)
	desc := startRunning(t, e, 1)

	require.True(t, e.ctrl.ScheduleShutdown(1, 1).Success)

	// A second invocation has only the configuration, not the controller
	// driving the countdown.
	res := CancelScheduledShutdown(e.cfg, 1)
	require.True(t, res.Success, res.Message)

	time.Sleep(200 * time.Millisecond)
	assert.True(t, e.runtime.isRunning(desc.ContainerName()))

	_, _, ok := e.ctrl.ScheduledShutdown(1)
	assert.False(t, ok)
}

func TestScheduleShutdownValidation(t *testing.T) {
	e := newTestEnv(t)
	e.putInstance(t, 1)

	assert.False(t, e.ctrl.ScheduleShutdown(1, 0).Success)
	assert.False(t, e.ctrl.ScheduleShutdown(404, 5).Success)
}

func TestScheduledShutdownQuery(t *testing.T) {
	e := newTestEnv(t)
	startRunning(t, e, 1)

	require.True(t, e.ctrl.ScheduleShutdown(1, 30).Success)
	minutes, issuedAt, ok := e.ctrl.ScheduledShutdown(1)
	require.True(t, ok)
	assert.Equal(t, 30, minutes)
	assert.WithinDuration(t, time.Now(), issuedAt, time.Second)

	require.True(t, e.ctrl.CancelShutdown(1).Success)
}
