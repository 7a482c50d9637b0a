package pipeline

import (
	"context"
	"fmt"

	"github.com/Moze54/smartSpider/internal/spider"
)

// ValidateStage rejects items missing any required field.
type ValidateStage struct {
	required []string
}

// NewValidateStage builds a ValidateStage.
func NewValidateStage(required []string) *ValidateStage {
	return &ValidateStage{required: append([]string(nil), required...)}
}

// Name implements Stage.
func (s *ValidateStage) Name() string { return "validate" }

// Process rejects the item when a required field is absent or empty.
func (s *ValidateStage) Process(_ context.Context, item spider.Item) (spider.Item, error) {
	for _, field := range s.required {
		if v, ok := item.Fields[field]; !ok || v == "" {
			return spider.Item{}, fmt.Errorf("missing required field %q: %w", field, ErrDropped)
		}
	}
	return item, nil
}
