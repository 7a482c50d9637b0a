// Package pipeline validates, normalizes, and deduplicates extracted items
// before handoff to storage.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/Moze54/smartSpider/internal/spider"
)

// Rejection sentinels. A rejected item is counted, never fatal to the run.
var (
	// ErrDropped marks an item rejected by a stage (e.g. missing required
	// fields).
	ErrDropped = errors.New("item dropped")

	// ErrDuplicate marks an item whose content fingerprint was already
	// seen in this run.
	ErrDuplicate = errors.New("duplicate item")
)

// Stage is one pluggable processing step. Process returns the (possibly
// rewritten) item, or an error: ErrDropped/ErrDuplicate for rejections,
// anything else for a stage failure.
type Stage interface {
	Name() string
	Process(ctx context.Context, item spider.Item) (spider.Item, error)
}

// Pipeline applies stages in a fixed order decided at construction; the
// order is not re-orderable at runtime within a run.
type Pipeline struct {
	stages []Stage
	logger *zap.Logger
}

// New builds a Pipeline from the given stages.
func New(logger *zap.Logger, stages ...Stage) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		stages: append([]Stage(nil), stages...),
		logger: logger,
	}
}

// Run processes one item through every stage. The first rejection or stage
// error stops processing for that item only; the caller records it and
// moves on.
func (p *Pipeline) Run(ctx context.Context, item spider.Item) (spider.Item, error) {
	for _, stage := range p.stages {
		next, err := stage.Process(ctx, item)
		if err != nil {
			if errors.Is(err, ErrDropped) || errors.Is(err, ErrDuplicate) {
				return spider.Item{}, fmt.Errorf("stage %s: %w", stage.Name(), err)
			}
			p.logger.Warn("pipeline stage failed",
				zap.String("stage", stage.Name()),
				zap.String("url", item.URL),
				zap.Error(err),
			)
			return spider.Item{}, fmt.Errorf("stage %s: %w", stage.Name(), err)
		}
		item = next
	}
	return item, nil
}
