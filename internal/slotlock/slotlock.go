// Package slotlock 服务者时段锁（Redis SET NX PX）
package slotlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	commonredis "github.com/panditbooking/booking/pkg/redis"
)

// DefaultTTL 预订未完成支付时锁自动过期
const DefaultTTL = 15 * time.Minute

// Key slot_lock:{providerID}:{RFC3339 UTC}
func Key(providerID uuid.UUID, scheduledAt time.Time) string {
	return fmt.Sprintf("slot_lock:%s:%s", providerID, scheduledAt.UTC().Format(time.RFC3339))
}

// Service 时段锁。同一 key 同一时刻至多一个持有者，正确性完全依赖 SET NX 的原子性。
type Service struct {
	client redis.Cmdable
}

func New(client redis.Cmdable) *Service {
	return &Service{client: client}
}

// Acquire 仅当 key 不存在时写入 owner；已被持有时返回 false，不覆盖
func (s *Service) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ok, err := s.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire slot lock %s: %w", key, err)
	}
	return ok, nil
}

// Release 删除锁；key 不存在不是错误
func (s *Service) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("release slot lock %s: %w", key, err)
	}
	return nil
}

// ReleaseOwned 仅当锁仍属于 owner 时删除，补偿路径使用
func (s *Service) ReleaseOwned(ctx context.Context, key, owner string) (bool, error) {
	ok, err := commonredis.CompareAndDelete(ctx, s.client, key, owner)
	if err != nil {
		return false, fmt.Errorf("release owned slot lock %s: %w", key, err)
	}
	return ok, nil
}

// Peek 返回当前持有者
func (s *Service) Peek(ctx context.Context, key string) (string, bool, error) {
	owner, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("peek slot lock %s: %w", key, err)
	}
	return owner, true, nil
}
