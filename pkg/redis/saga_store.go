package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/panditbooking/booking/pkg/saga"
)

// SagaStore 把 saga 日志以 JSON 存在 Redis，带 TTL
type SagaStore struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

func NewSagaStore(client redis.Cmdable, prefix string, ttl time.Duration) *SagaStore {
	if prefix == "" {
		prefix = "saga:"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &SagaStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *SagaStore) Save(ctx context.Context, log *saga.SagaLog) error {
	raw, err := json.Marshal(log)
	if err != nil {
		return fmt.Errorf("marshal saga log: %w", err)
	}
	return s.client.Set(ctx, s.prefix+log.ID, raw, s.ttl).Err()
}

func (s *SagaStore) Update(ctx context.Context, log *saga.SagaLog) error {
	return s.Save(ctx, log)
}

func (s *SagaStore) Get(ctx context.Context, id string) (*saga.SagaLog, error) {
	raw, err := s.client.Get(ctx, s.prefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, saga.ErrLogNotFound
	}
	if err != nil {
		return nil, err
	}
	var log saga.SagaLog
	if err := json.Unmarshal(raw, &log); err != nil {
		return nil, fmt.Errorf("unmarshal saga log: %w", err)
	}
	return &log, nil
}
