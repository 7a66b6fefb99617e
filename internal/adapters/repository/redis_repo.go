// Package repository implements data persistence adapters
package repository

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"connect-bridge/internal/core/ports"
)

// Ensure RedisRepository implements DedupRepository
var _ ports.DedupRepository = (*RedisRepository)(nil)

// RedisRepository is the dedup fast path in front of the messages table's
// uniqueness constraint. Losing a key only costs one extra DB round-trip,
// never a duplicate row.
type RedisRepository struct {
	client *redis.Client
}

// NewRedisRepository creates a new Redis repository instance
func NewRedisRepository(client *redis.Client) *RedisRepository {
	return &RedisRepository{client: client}
}

// IsDuplicate checks if a platform message id was recently processed.
func (r *RedisRepository) IsDuplicate(ctx context.Context, eventID string) (bool, error) {
	key := buildDedupKey(eventID)

	_, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		slog.Error("Failed to check deduplication",
			"error", err,
			"event_id", eventID,
		)
		return false, fmt.Errorf("check duplicate: %w", err)
	}

	slog.Debug("Duplicate webhook event detected",
		"event_id", eventID,
		"key", key,
	)
	return true, nil
}

// MarkProcessed records a processed id with a TTL. Value is the processing
// timestamp for debugging.
func (r *RedisRepository) MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) error {
	key := buildDedupKey(eventID)

	err := r.client.Set(ctx, key, time.Now().Unix(), ttl).Err()
	if err != nil {
		slog.Error("Failed to mark event as processed",
			"error", err,
			"event_id", eventID,
			"ttl", ttl,
		)
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

// buildDedupKey constructs the Redis key for deduplication.
func buildDedupKey(eventID string) string {
	return fmt.Sprintf("dedup:msg:%s", eventID)
}
