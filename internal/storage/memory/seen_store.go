package memory

import (
	"context"
	"sync"
)

// SeenStore provides an in-memory per-run fingerprint set.
type SeenStore struct {
	mu   sync.Mutex
	seen map[string]map[string]struct{}
}

// NewSeenStore constructs a SeenStore.
func NewSeenStore() *SeenStore {
	return &SeenStore{seen: make(map[string]map[string]struct{})}
}

// Add inserts the fingerprint into the run's set, reporting whether it was
// newly added.
func (s *SeenStore) Add(_ context.Context, runID, fingerprint string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.seen[runID]
	if !ok {
		set = make(map[string]struct{})
		s.seen[runID] = set
	}
	if _, dup := set[fingerprint]; dup {
		return false, nil
	}
	set[fingerprint] = struct{}{}
	return true, nil
}

// Members returns every fingerprint recorded for the run.
func (s *SeenStore) Members(_ context.Context, runID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.seen[runID]))
	for fp := range s.seen[runID] {
		out = append(out, fp)
	}
	return out, nil
}

// Restore seeds the run's set from a checkpoint, replacing prior contents.
func (s *SeenStore) Restore(_ context.Context, runID string, fingerprints []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := make(map[string]struct{}, len(fingerprints))
	for _, fp := range fingerprints {
		set[fp] = struct{}{}
	}
	s.seen[runID] = set
	return nil
}
