package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Moze54/smartSpider/internal/spider"
)

type memorySeen struct {
	mu   sync.Mutex
	seen map[string]map[string]struct{}
}

func newMemorySeen() *memorySeen {
	return &memorySeen{seen: make(map[string]map[string]struct{})}
}

func (s *memorySeen) Add(_ context.Context, runID, fp string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.seen[runID]
	if !ok {
		set = make(map[string]struct{})
		s.seen[runID] = set
	}
	if _, dup := set[fp]; dup {
		return false, nil
	}
	set[fp] = struct{}{}
	return true, nil
}

func (s *memorySeen) Members(_ context.Context, runID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for fp := range s.seen[runID] {
		out = append(out, fp)
	}
	return out, nil
}

func item(fields map[string]string) spider.Item {
	return spider.Item{RunID: "run-1", URL: "https://example.com/a", Fields: fields}
}

func TestValidateStage(t *testing.T) {
	t.Parallel()

	stage := NewValidateStage([]string{"title", "price"})
	ctx := context.Background()

	_, err := stage.Process(ctx, item(map[string]string{"title": "Widget", "price": "9.99"}))
	require.NoError(t, err)

	_, err = stage.Process(ctx, item(map[string]string{"title": "Widget"}))
	require.ErrorIs(t, err, ErrDropped)

	_, err = stage.Process(ctx, item(map[string]string{"title": "Widget", "price": ""}))
	require.ErrorIs(t, err, ErrDropped)
}

func TestNormalizeStage(t *testing.T) {
	t.Parallel()

	stage := NewNormalizeStage()
	got, err := stage.Process(context.Background(), item(map[string]string{
		"title":     "  Widget \n Deluxe  ",
		"price":     "1,234.50",
		"published": "2026-03-01 12:30:00",
		"plain":     "just text",
	}))
	require.NoError(t, err)
	require.Equal(t, "Widget Deluxe", got.Fields["title"])
	require.Equal(t, "1234.50", got.Fields["price"])
	require.Equal(t, "2026-03-01T12:30:00Z", got.Fields["published"])
	require.Equal(t, "just text", got.Fields["plain"])
}

func TestDedupStage_RejectsSecondIdenticalItem(t *testing.T) {
	t.Parallel()

	seen := newMemorySeen()
	stage := NewDedupStage("run-1", "", seen)
	ctx := context.Background()

	first, err := stage.Process(ctx, item(map[string]string{"title": "Widget"}))
	require.NoError(t, err)
	require.NotEmpty(t, first.Fingerprint)

	_, err = stage.Process(ctx, item(map[string]string{"title": "Widget"}))
	require.ErrorIs(t, err, ErrDuplicate)

	_, err = stage.Process(ctx, item(map[string]string{"title": "Other"}))
	require.NoError(t, err)
}

func TestDedupStage_ScopedPerRun(t *testing.T) {
	t.Parallel()

	seen := newMemorySeen()
	ctx := context.Background()

	_, err := NewDedupStage("run-1", "", seen).Process(ctx, item(map[string]string{"title": "Widget"}))
	require.NoError(t, err)

	// The same content in another run is not a duplicate.
	_, err = NewDedupStage("run-2", "", seen).Process(ctx, item(map[string]string{"title": "Widget"}))
	require.NoError(t, err)
}

func TestPipeline_OrderFixedAndRejectionStops(t *testing.T) {
	t.Parallel()

	seen := newMemorySeen()
	p := New(nil,
		NewValidateStage([]string{"title"}),
		NewNormalizeStage(),
		NewDedupStage("run-1", "", seen),
	)
	ctx := context.Background()

	// Whitespace variants normalize to the same content, so the second
	// one is suppressed: exactly one persisted item.
	got, err := p.Run(ctx, item(map[string]string{"title": " Widget "}))
	require.NoError(t, err)
	require.Equal(t, "Widget", got.Fields["title"])

	_, err = p.Run(ctx, item(map[string]string{"title": "Widget"}))
	require.ErrorIs(t, err, ErrDuplicate)

	// A validation reject never reaches the dedup stage.
	_, err = p.Run(ctx, item(map[string]string{"other": "x"}))
	require.ErrorIs(t, err, ErrDropped)
	members, err := seen.Members(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, members, 1)
}

type failingStage struct{}

func (failingStage) Name() string { return "boom" }

func (failingStage) Process(context.Context, spider.Item) (spider.Item, error) {
	return spider.Item{}, errors.New("stage exploded")
}

func TestPipeline_StageErrorIsPerItem(t *testing.T) {
	t.Parallel()

	p := New(nil, failingStage{})
	_, err := p.Run(context.Background(), item(map[string]string{"title": "Widget"}))
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrDropped)
	require.NotErrorIs(t, err, ErrDuplicate)
}
