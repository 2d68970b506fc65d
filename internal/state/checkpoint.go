// Package state persists conversation state by thread id so a turn can
// resume with its history after interruption.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/stockelper/orchestrator/internal/metrics"
	"github.com/stockelper/orchestrator/internal/supervisor"
)

// ErrCheckpointNotFound signals a thread with no stored state; callers
// start a fresh conversation.
var ErrCheckpointNotFound = errors.New("state: checkpoint not found")

const keyPrefix = "stockelper:thread:"

// RedisStore keeps one JSON checkpoint per thread with a sliding TTL.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedisStore(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisStore {
	return &RedisStore{client: client, ttl: ttl, logger: logger}
}

func (s *RedisStore) Load(ctx context.Context, threadID string) (*supervisor.State, error) {
	data, err := s.client.Get(ctx, keyPrefix+threadID).Bytes()
	if err == redis.Nil {
		metrics.CheckpointLoads.WithLabelValues("miss").Inc()
		return supervisor.NewState(), nil
	}
	if err != nil {
		metrics.CheckpointLoads.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}

	var st supervisor.State
	if err := json.Unmarshal(data, &st); err != nil {
		// A corrupt checkpoint should not poison the thread forever.
		metrics.CheckpointLoads.WithLabelValues("corrupt").Inc()
		s.logger.Warn("corrupt checkpoint dropped", zap.String("thread_id", threadID), zap.Error(err))
		return supervisor.NewState(), nil
	}
	metrics.CheckpointLoads.WithLabelValues("hit").Inc()
	return &st, nil
}

func (s *RedisStore) Save(ctx context.Context, threadID string, st *supervisor.State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := s.client.Set(ctx, keyPrefix+threadID, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// Delete removes a thread's checkpoint.
func (s *RedisStore) Delete(ctx context.Context, threadID string) error {
	n, err := s.client.Del(ctx, keyPrefix+threadID).Result()
	if err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	if n == 0 {
		return ErrCheckpointNotFound
	}
	return nil
}
