package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/zedinhost/arkd/pkg/types"
)

var bucketInstances = []byte("instances")

// Store persists instance descriptors in BoltDB. The port allocator re-derives
// the claimed-port set from these durable records instead of keeping an
// in-memory set, so it needs no lock of its own.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the instance database under dataDir.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "arkd.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketInstances)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func instanceKey(id int64) []byte {
	return []byte(fmt.Sprintf("%020d", id))
}

// Put upserts a descriptor.
func (s *Store) Put(desc *types.InstanceDescriptor) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		data, err := json.Marshal(desc)
		if err != nil {
			return err
		}
		return b.Put(instanceKey(desc.ID), data)
	})
}

// Get returns the descriptor for id.
func (s *Store) Get(id int64) (*types.InstanceDescriptor, error) {
	var desc types.InstanceDescriptor
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		data := b.Get(instanceKey(id))
		if data == nil {
			return fmt.Errorf("instance not found: %d", id)
		}
		return json.Unmarshal(data, &desc)
	})
	if err != nil {
		return nil, err
	}
	return &desc, nil
}

// List returns all descriptors in id order.
func (s *Store) List() ([]*types.InstanceDescriptor, error) {
	var descs []*types.InstanceDescriptor
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		return b.ForEach(func(k, v []byte) error {
			var desc types.InstanceDescriptor
			if err := json.Unmarshal(v, &desc); err != nil {
				return err
			}
			descs = append(descs, &desc)
			return nil
		})
	})
	return descs, err
}

// Delete removes a descriptor.
func (s *Store) Delete(id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		return b.Delete(instanceKey(id))
	})
}

// SetStatus updates the lifecycle state of one instance. Read and write
// happen in one transaction so concurrent status writes never interleave.
func (s *Store) SetStatus(id int64, status types.InstanceStatus, startedAt *time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		data := b.Get(instanceKey(id))
		if data == nil {
			return fmt.Errorf("instance not found: %d", id)
		}
		var desc types.InstanceDescriptor
		if err := json.Unmarshal(data, &desc); err != nil {
			return err
		}
		desc.Status = status
		desc.StartedAt = startedAt
		out, err := json.Marshal(&desc)
		if err != nil {
			return err
		}
		return b.Put(instanceKey(id), out)
	})
}

// ClaimedPorts returns every game, query and console port recorded for any
// instance. Ports an instance holds are never silently reused by another
// while that instance exists.
func (s *Store) ClaimedPorts() ([]int, error) {
	descs, err := s.List()
	if err != nil {
		return nil, err
	}
	var ports []int
	for _, d := range descs {
		for _, p := range []int{d.Port, d.QueryPort, d.ConsolePort} {
			if p > 0 {
				ports = append(ports, p)
			}
		}
	}
	return ports, nil
}
