package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BTreeMap/SalesPipe/internal/models"
)

const historyKeyPrefix = "salespipe:history:"

// DefaultRedisTTL expires logs of customers who have been silent for a long time.
const DefaultRedisTTL = 90 * 24 * time.Hour

// RedisLog stores each phone's log as a capped Redis list.
type RedisLog struct {
	client *redis.Client
	ttl    time.Duration
	max    int64
}

// Compile-time check that RedisLog implements Log.
var _ Log = (*RedisLog)(nil)

// NewRedisLog creates a Redis-backed log. A non-positive ttl uses DefaultRedisTTL.
func NewRedisLog(client *redis.Client, ttl time.Duration) *RedisLog {
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	return &RedisLog{client: client, ttl: ttl, max: MaxMessages}
}

func (r *RedisLog) Append(ctx context.Context, phone string, msg models.ConversationMessage) error {
	if phone == "" {
		return errors.New("history: phone required")
	}
	data, err := json.Marshal(prepare(msg))
	if err != nil {
		return fmt.Errorf("history: marshal message: %w", err)
	}

	key := historyKeyPrefix + phone
	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, -r.max, -1)
	pipe.Expire(ctx, key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("history: append message: %w", err)
	}
	return nil
}

func (r *RedisLog) Recent(ctx context.Context, phone string, limit int) ([]models.ConversationMessage, error) {
	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}
	raw, err := r.client.LRange(ctx, historyKeyPrefix+phone, start, -1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []models.ConversationMessage{}, nil
		}
		return nil, fmt.Errorf("history: list messages: %w", err)
	}

	out := make([]models.ConversationMessage, 0, len(raw))
	for _, item := range raw {
		var msg models.ConversationMessage
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, fmt.Errorf("history: decode message: %w", err)
		}
		out = append(out, msg)
	}
	return out, nil
}
