package memory

import (
	"context"
	"sync"

	"github.com/Moze54/smartSpider/internal/spider"
)

// ItemStore provides an in-memory spider.ItemSink with the same idempotent
// upsert semantics as the Postgres store: unique on run id + fingerprint.
type ItemStore struct {
	mu    sync.RWMutex
	items map[string]map[string]spider.Item
	order map[string][]string
}

// NewItemStore constructs an ItemStore.
func NewItemStore() *ItemStore {
	return &ItemStore{
		items: make(map[string]map[string]spider.Item),
		order: make(map[string][]string),
	}
}

// Put upserts the item; a replay of the same fingerprint overwrites in place
// without growing the result set.
func (s *ItemStore) Put(_ context.Context, item spider.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byFP, ok := s.items[item.RunID]
	if !ok {
		byFP = make(map[string]spider.Item)
		s.items[item.RunID] = byFP
	}
	if _, exists := byFP[item.Fingerprint]; !exists {
		s.order[item.RunID] = append(s.order[item.RunID], item.Fingerprint)
	}
	byFP[item.Fingerprint] = copyItem(item)
	return nil
}

// ListByRun returns a page of items for a run in insertion order.
func (s *ItemStore) ListByRun(_ context.Context, runID string, limit, offset int) ([]spider.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fps := s.order[runID]
	if offset >= len(fps) {
		return nil, nil
	}
	fps = fps[offset:]
	if limit > 0 && limit < len(fps) {
		fps = fps[:limit]
	}
	out := make([]spider.Item, 0, len(fps))
	for _, fp := range fps {
		out = append(out, copyItem(s.items[runID][fp]))
	}
	return out, nil
}

// CountByRun returns the number of distinct items stored for a run.
func (s *ItemStore) CountByRun(_ context.Context, runID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order[runID]), nil
}

func copyItem(item spider.Item) spider.Item {
	out := item
	out.Fields = make(map[string]string, len(item.Fields))
	for k, v := range item.Fields {
		out.Fields[k] = v
	}
	return out
}
