package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Moze54/smartSpider/internal/spider"
)

// CheckpointStore keeps run checkpoints as JSON values in Redis. It suits
// deployments that want fast resume without a relational database; the
// Postgres store is the durable alternative.
type CheckpointStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewCheckpointStore initializes a Redis-backed CheckpointStore.
func NewCheckpointStore(client *redis.Client, prefix string, ttl time.Duration) *CheckpointStore {
	if prefix == "" {
		prefix = "spider:checkpoint:"
	}
	return &CheckpointStore{client: client, prefix: prefix, ttl: ttl}
}

// Close closes the Redis client.
func (s *CheckpointStore) Close() error {
	return s.client.Close()
}

// Save writes the checkpoint as one value so a resume never observes a torn
// checkpoint.
func (s *CheckpointStore) Save(ctx context.Context, cp spider.Checkpoint) error {
	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+cp.RunID, payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("set checkpoint: %w", err)
	}
	return nil
}

// Load returns the latest checkpoint for the run, or spider.ErrNotFound.
func (s *CheckpointStore) Load(ctx context.Context, runID string) (spider.Checkpoint, error) {
	val, err := s.client.Get(ctx, s.prefix+runID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return spider.Checkpoint{}, fmt.Errorf("run %s: %w", runID, spider.ErrNotFound)
		}
		return spider.Checkpoint{}, fmt.Errorf("get checkpoint: %w", err)
	}
	var cp spider.Checkpoint
	if err := json.Unmarshal([]byte(val), &cp); err != nil {
		return spider.Checkpoint{}, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return cp, nil
}
