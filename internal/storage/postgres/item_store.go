package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Moze54/smartSpider/internal/spider"
)

// ItemStore writes pipeline output rows into Postgres. The table is unique
// on (run_id, fingerprint) so a checkpoint replay upserts instead of
// duplicating.
type ItemStore struct {
	pool querier
}

// NewItemStore constructs an ItemStore on an existing pool.
func NewItemStore(pool querier) (*ItemStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &ItemStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *ItemStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Put upserts one item.
func (s *ItemStore) Put(ctx context.Context, item spider.Item) error {
	if item.RunID == "" || item.Fingerprint == "" {
		return fmt.Errorf("run id and fingerprint are required")
	}
	fieldsJSON, err := json.Marshal(item.Fields)
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}
	query := `
		INSERT INTO items (run_id, fingerprint, url, fields, extracted_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (run_id, fingerprint) DO UPDATE
		SET url = EXCLUDED.url,
			fields = EXCLUDED.fields,
			extracted_at = EXCLUDED.extracted_at;
	`
	_, err = s.pool.Exec(ctx, query,
		item.RunID, item.Fingerprint, item.URL, fieldsJSON, item.ExtractedAt)
	if err != nil {
		return fmt.Errorf("upsert item: %w", err)
	}
	return nil
}

// ListByRun returns a page of items for a run ordered by extraction time.
func (s *ItemStore) ListByRun(ctx context.Context, runID string, limit, offset int) ([]spider.Item, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT run_id, fingerprint, url, fields, extracted_at
		FROM items
		WHERE run_id = $1
		ORDER BY extracted_at, fingerprint
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, query, runID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	var items []spider.Item
	for rows.Next() {
		var (
			item       spider.Item
			fieldsJSON []byte
		)
		if err := rows.Scan(&item.RunID, &item.Fingerprint, &item.URL, &fieldsJSON, &item.ExtractedAt); err != nil {
			return nil, fmt.Errorf("scan item row: %w", err)
		}
		if err := json.Unmarshal(fieldsJSON, &item.Fields); err != nil {
			return nil, fmt.Errorf("unmarshal fields: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate item rows: %w", err)
	}
	return items, nil
}

// CountByRun returns the number of items stored for a run.
func (s *ItemStore) CountByRun(ctx context.Context, runID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM items WHERE run_id = $1;`, runID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count items: %w", err)
	}
	return count, nil
}
