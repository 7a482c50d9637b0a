package pipeline

import (
	"context"
	"fmt"

	"github.com/Moze54/smartSpider/internal/fingerprint"
	"github.com/Moze54/smartSpider/internal/spider"
)

// DedupStage computes the content fingerprint for each item and rejects any
// fingerprint already seen within this task run. The seen-set is scoped to
// the run, not global, and is persisted through the SeenStore so a resume
// keeps suppression consistent with the frontier checkpoint.
type DedupStage struct {
	runID     string
	uniqueKey string
	seen      spider.SeenStore
}

// NewDedupStage builds a DedupStage for one run.
func NewDedupStage(runID, uniqueKey string, seen spider.SeenStore) *DedupStage {
	return &DedupStage{runID: runID, uniqueKey: uniqueKey, seen: seen}
}

// Name implements Stage.
func (s *DedupStage) Name() string { return "dedup" }

// Process stamps the item's fingerprint and rejects duplicates.
func (s *DedupStage) Process(ctx context.Context, item spider.Item) (spider.Item, error) {
	item.Fingerprint = fingerprint.Item(item.Fields, s.uniqueKey)

	added, err := s.seen.Add(ctx, s.runID, item.Fingerprint)
	if err != nil {
		return spider.Item{}, fmt.Errorf("seen store add: %w", err)
	}
	if !added {
		return spider.Item{}, fmt.Errorf("fingerprint %s: %w", item.Fingerprint, ErrDuplicate)
	}
	return item, nil
}
