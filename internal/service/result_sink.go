package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-proctor/internal/checkpoint"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// RedisResultSink records finalized results, queues them for the result
// worker and announces them on the exam's monitor channel.
type RedisResultSink struct {
	rdb *redis.Client
}

// NewRedisResultSink creates a new RedisResultSink.
func NewRedisResultSink(rdb *redis.Client) *RedisResultSink {
	return &RedisResultSink{rdb: rdb}
}

func (s *RedisResultSink) Deliver(ctx context.Context, result *model.Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	notice, err := json.Marshal(MonitorMessage{
		Type:        MonitorFinished,
		ExamID:      result.ExamID,
		TestTakerID: result.TestTakerID,
		State:       result.State,
		Reason:      result.Reason,
		Violations:  len(result.Violations),
	})
	if err != nil {
		return fmt.Errorf("marshal monitor notice: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	// The first result recorded for a test-taker is final.
	pipe.SetNX(ctx, config.CacheKey.SessionResultKey(result.ExamID, result.TestTakerID), data, 0)
	pipe.RPush(ctx, config.WorkerKey.PersistResultsQueue, data)
	pipe.Publish(ctx, config.CacheKey.ExamMonitorChannel(result.ExamID), notice)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue result: %w", err)
	}
	return nil
}

// Result returns the recorded result of a finished session.
func (s *RedisResultSink) Result(ctx context.Context, key checkpoint.Key) (*model.Result, bool, error) {
	data, err := s.rdb.Get(ctx, config.CacheKey.SessionResultKey(key.ExamID, key.TestTakerID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get result: %w", err)
	}
	var res model.Result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, false, fmt.Errorf("unmarshal result: %w", err)
	}
	return &res, true, nil
}
