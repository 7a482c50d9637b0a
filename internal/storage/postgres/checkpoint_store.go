package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/Moze54/smartSpider/internal/spider"
)

// CheckpointStore persists run checkpoints as one row per run. The frontier
// entries, seen-set, and counters are written in a single upsert so a resume
// never observes a torn checkpoint.
type CheckpointStore struct {
	pool querier
}

// NewCheckpointStore constructs a CheckpointStore on an existing pool.
func NewCheckpointStore(pool querier) (*CheckpointStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &CheckpointStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *CheckpointStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Save upserts the checkpoint for the run.
func (s *CheckpointStore) Save(ctx context.Context, cp spider.Checkpoint) error {
	if cp.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	countersJSON, err := json.Marshal(cp.Counters)
	if err != nil {
		return fmt.Errorf("marshal counters: %w", err)
	}
	entriesJSON, err := json.Marshal(cp.Entries)
	if err != nil {
		return fmt.Errorf("marshal entries: %w", err)
	}
	seenJSON, err := json.Marshal(cp.Seen)
	if err != nil {
		return fmt.Errorf("marshal seen set: %w", err)
	}
	query := `
		INSERT INTO run_checkpoints (run_id, task_id, status, counters, entries, seen, saved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (run_id) DO UPDATE
		SET status = EXCLUDED.status,
			counters = EXCLUDED.counters,
			entries = EXCLUDED.entries,
			seen = EXCLUDED.seen,
			saved_at = EXCLUDED.saved_at;
	`
	_, err = s.pool.Exec(ctx, query,
		cp.RunID, cp.TaskID, string(cp.Status), countersJSON, entriesJSON, seenJSON, cp.SavedAt)
	if err != nil {
		return fmt.Errorf("upsert checkpoint: %w", err)
	}
	return nil
}

// Load returns the latest checkpoint for the run, or spider.ErrNotFound.
func (s *CheckpointStore) Load(ctx context.Context, runID string) (spider.Checkpoint, error) {
	query := `
		SELECT run_id, task_id, status, counters, entries, seen, saved_at
		FROM run_checkpoints
		WHERE run_id = $1;
	`
	var (
		cp           spider.Checkpoint
		status       string
		countersJSON []byte
		entriesJSON  []byte
		seenJSON     []byte
	)
	err := s.pool.QueryRow(ctx, query, runID).Scan(
		&cp.RunID, &cp.TaskID, &status, &countersJSON, &entriesJSON, &seenJSON, &cp.SavedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return spider.Checkpoint{}, fmt.Errorf("run %s: %w", runID, spider.ErrNotFound)
		}
		return spider.Checkpoint{}, fmt.Errorf("load checkpoint: %w", err)
	}
	cp.Status = spider.RunStatus(status)
	if err := json.Unmarshal(countersJSON, &cp.Counters); err != nil {
		return spider.Checkpoint{}, fmt.Errorf("unmarshal counters: %w", err)
	}
	if err := json.Unmarshal(entriesJSON, &cp.Entries); err != nil {
		return spider.Checkpoint{}, fmt.Errorf("unmarshal entries: %w", err)
	}
	if err := json.Unmarshal(seenJSON, &cp.Seen); err != nil {
		return spider.Checkpoint{}, fmt.Errorf("unmarshal seen set: %w", err)
	}
	return cp, nil
}
