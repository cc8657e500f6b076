package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pagewright/asynccore/internal/kv"
	"github.com/pagewright/asynccore/internal/storage"
)

// jobsKey is the dedicated store key holding the queue's persisted state.
const jobsKey = "queue.jobs"

// JobStore persists the queue's full job list plus its ID sequence. The
// queue follows a read-full-state, mutate-in-memory, write-full-state-back
// discipline, so the store only needs whole-snapshot load and save.
type JobStore interface {
	// Load returns the persisted jobs and the next job ID. A store with no
	// persisted state returns an empty slice and 1.
	Load(ctx context.Context) ([]*Job, uint64, error)

	// Save persists the given snapshot, replacing any previous one.
	Save(ctx context.Context, jobs []*Job, nextID uint64) error
}

// snapshot is the wire shape of the persisted queue state.
type snapshot struct {
	NextID uint64 `json:"next_id"`
	Jobs   []*Job `json:"jobs"`
}

// StorageJobStore persists the job list through the storage manager under a
// dedicated key in the jobs category, which is protected from eviction.
type StorageJobStore struct {
	manager *storage.Manager
}

// NewStorageJobStore creates a JobStore backed by the storage manager.
func NewStorageJobStore(manager *storage.Manager) *StorageJobStore {
	return &StorageJobStore{manager: manager}
}

// Load reads the persisted queue snapshot.
func (s *StorageJobStore) Load(ctx context.Context) ([]*Job, uint64, error) {
	raw, err := s.manager.Get(ctx, jobsKey)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, 1, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load persisted jobs: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, 0, fmt.Errorf("failed to decode persisted jobs: %w", err)
	}
	if snap.NextID == 0 {
		snap.NextID = 1
	}
	return snap.Jobs, snap.NextID, nil
}

// Save writes the queue snapshot.
func (s *StorageJobStore) Save(ctx context.Context, jobs []*Job, nextID uint64) error {
	raw, err := json.Marshal(snapshot{NextID: nextID, Jobs: jobs})
	if err != nil {
		return fmt.Errorf("failed to encode job snapshot: %w", err)
	}
	if err := s.manager.Set(ctx, jobsKey, raw, storage.CategoryJobs); err != nil {
		return fmt.Errorf("failed to persist job snapshot: %w", err)
	}
	return nil
}
