package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-proctor/internal/config"
)

// RedisStore keeps checkpoints in Redis so they survive a process restart.
// Keys expire after ttl to avoid leaking state of abandoned sessions.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStore creates a RedisStore. A zero ttl keeps keys forever.
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func timerKey(key Key) string {
	return config.CacheKey.TimerCheckpointKey(key.ExamID, key.TestTakerID)
}

func orderKey(key Key) string {
	return config.CacheKey.ShuffledQuestionKey(key.ExamID, key.TestTakerID)
}

// Get returns the remaining seconds stored for key.
func (s *RedisStore) Get(ctx context.Context, key Key) (int, bool, error) {
	val, err := s.rdb.Get(ctx, timerKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get timer checkpoint: %w", err)
	}

	seconds, err := strconv.Atoi(val)
	if err != nil {
		return 0, false, fmt.Errorf("invalid timer checkpoint format in cache: %w", err)
	}
	return seconds, true, nil
}

// Set writes the remaining seconds for key.
func (s *RedisStore) Set(ctx context.Context, key Key, seconds int) error {
	if err := s.rdb.Set(ctx, timerKey(key), seconds, s.ttl).Err(); err != nil {
		return fmt.Errorf("set timer checkpoint: %w", err)
	}
	return nil
}

// Clear removes the checkpoint for key.
func (s *RedisStore) Clear(ctx context.Context, key Key) error {
	if err := s.rdb.Del(ctx, timerKey(key)).Err(); err != nil {
		return fmt.Errorf("clear timer checkpoint: %w", err)
	}
	return nil
}

// GetOrder returns the shuffled question order stored for key.
func (s *RedisStore) GetOrder(ctx context.Context, key Key) ([]string, bool, error) {
	raw, err := s.rdb.Get(ctx, orderKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get question order: %w", err)
	}

	var order []string
	if err := json.Unmarshal(raw, &order); err != nil {
		return nil, false, fmt.Errorf("invalid question order in cache: %w", err)
	}
	return order, true, nil
}

// SetOrder stores the shuffled question order for key.
func (s *RedisStore) SetOrder(ctx context.Context, key Key, order []string) error {
	raw, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("marshal question order: %w", err)
	}
	if err := s.rdb.Set(ctx, orderKey(key), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("set question order: %w", err)
	}
	return nil
}

// ClearOrder removes the stored question order for key.
func (s *RedisStore) ClearOrder(ctx context.Context, key Key) error {
	if err := s.rdb.Del(ctx, orderKey(key)).Err(); err != nil {
		return fmt.Errorf("clear question order: %w", err)
	}
	return nil
}
