// Package redis provides Redis-backed stores for state shared across
// engine instances: the per-run seen-set and run checkpoints.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SeenStore keeps per-run fingerprint sets in Redis so multiple engine
// instances share one dedup view. Keys expire after TTL to bound memory for
// abandoned runs.
type SeenStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewSeenStore initializes a Redis-backed SeenStore.
func NewSeenStore(client *redis.Client, prefix string, ttl time.Duration) *SeenStore {
	if prefix == "" {
		prefix = "spider:seen:"
	}
	return &SeenStore{client: client, prefix: prefix, ttl: ttl}
}

// Close closes the Redis client.
func (s *SeenStore) Close() error {
	return s.client.Close()
}

func (s *SeenStore) key(runID string) string {
	return s.prefix + runID
}

// Add inserts the fingerprint into the run's set, reporting whether it was
// newly added.
func (s *SeenStore) Add(ctx context.Context, runID, fingerprint string) (bool, error) {
	key := s.key(runID)
	added, err := s.client.SAdd(ctx, key, fingerprint).Result()
	if err != nil {
		return false, fmt.Errorf("sadd seen fingerprint: %w", err)
	}
	if s.ttl > 0 {
		if err := s.client.Expire(ctx, key, s.ttl).Err(); err != nil {
			return false, fmt.Errorf("refresh seen ttl: %w", err)
		}
	}
	return added == 1, nil
}

// Members returns every fingerprint recorded for the run.
func (s *SeenStore) Members(ctx context.Context, runID string) ([]string, error) {
	members, err := s.client.SMembers(ctx, s.key(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers seen set: %w", err)
	}
	return members, nil
}

// Restore seeds the run's set from a checkpoint, replacing prior contents.
func (s *SeenStore) Restore(ctx context.Context, runID string, fingerprints []string) error {
	key := s.key(runID)
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	if len(fingerprints) > 0 {
		args := make([]any, len(fingerprints))
		for i, fp := range fingerprints {
			args[i] = fp
		}
		pipe.SAdd(ctx, key, args...)
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("restore seen set: %w", err)
	}
	return nil
}
