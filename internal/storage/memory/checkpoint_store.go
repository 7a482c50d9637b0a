package memory

import (
	"context"
	"sync"

	"github.com/Moze54/smartSpider/internal/spider"
)

// CheckpointStore provides an in-memory spider.CheckpointStore for
// development and testing.
type CheckpointStore struct {
	mu          sync.RWMutex
	checkpoints map[string]spider.Checkpoint
}

// NewCheckpointStore constructs a CheckpointStore.
func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{checkpoints: make(map[string]spider.Checkpoint)}
}

// Save overwrites the checkpoint for the run.
func (s *CheckpointStore) Save(_ context.Context, cp spider.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[cp.RunID] = copyCheckpoint(cp)
	return nil
}

// Load returns the latest checkpoint for the run.
func (s *CheckpointStore) Load(_ context.Context, runID string) (spider.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[runID]
	if !ok {
		return spider.Checkpoint{}, spider.ErrNotFound
	}
	return copyCheckpoint(cp), nil
}

func copyCheckpoint(cp spider.Checkpoint) spider.Checkpoint {
	out := cp
	out.Entries = append([]spider.FrontierEntry(nil), cp.Entries...)
	out.Seen = append([]string(nil), cp.Seen...)
	return out
}
