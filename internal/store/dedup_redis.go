package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const dedupKeyPrefix = "salespipe:dedup:"

// RedisDedup keeps seen message ids as expiring Redis keys.
type RedisDedup struct {
	client *redis.Client
	window time.Duration
}

// Compile-time check that RedisDedup implements DedupRepo.
var _ DedupRepo = (*RedisDedup)(nil)

// NewRedisDedup creates a Redis-backed dedup set with the given retention window.
func NewRedisDedup(client *redis.Client, window time.Duration) *RedisDedup {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &RedisDedup{client: client, window: window}
}

func (r *RedisDedup) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	n, err := r.client.Exists(ctx, dedupKeyPrefix+messageID).Result()
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return n > 0, nil
}

func (r *RedisDedup) RecordInbound(ctx context.Context, messageID, phone string) (bool, error) {
	ok, err := r.client.SetNX(ctx, dedupKeyPrefix+messageID, phone, r.window).Result()
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	return ok, nil
}

func (r *RedisDedup) MarkProcessed(ctx context.Context, messageID string) error {
	// KEEPTTL preserves the original retention window.
	err := r.client.SetArgs(ctx, dedupKeyPrefix+messageID, "processed", redis.SetArgs{Mode: "XX", KeepTTL: true}).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}
