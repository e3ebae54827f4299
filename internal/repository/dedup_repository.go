package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DedupRepository records which changes were already announced.
type DedupRepository struct {
	client *redis.Client
}

// NewDedupRepository constructs the repository.
func NewDedupRepository(client *redis.Client) *DedupRepository {
	return &DedupRepository{client: client}
}

// Exists reports whether a marker is present for key.
func (r *DedupRepository) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists %s: %w", key, err)
	}
	return n > 0, nil
}

// MarkNotified stores a marker for each key. Marking an existing key refreshes its TTL.
func (r *DedupRepository) MarkNotified(ctx context.Context, keys []string, ttl time.Duration) error {
	if len(keys) == 0 {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range keys {
			pipe.Set(ctx, key, now, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis mark notified: %w", err)
	}
	return nil
}
