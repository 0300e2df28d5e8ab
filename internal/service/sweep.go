package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/panditbooking/booking/internal/booking"
	"github.com/panditbooking/booking/internal/outbox"
	commonerrors "github.com/panditbooking/booking/pkg/errors"
	commonredis "github.com/panditbooking/booking/pkg/redis"
)

// sweep 任务名，同时用于锁 key 与指标
const (
	JobExpire = "expire"
	JobPayout = "payout"
)

// ErrSweepBusy 另一个实例正在执行同一任务
var ErrSweepBusy = errors.New("sweep already running elsewhere")

// expirable 过期清扫覆盖的状态；CONFIRMED 由服务者完成或客户取消
var expirable = []booking.Status{
	booking.StatusSlotLocked,
	booking.StatusPaymentPending,
	booking.StatusAwaitingProvider,
}

// SweepConfig 清扫参数
type SweepConfig struct {
	BatchSize     int
	PayoutStagger time.Duration
	LockTTL       time.Duration
}

// SweepResult 单次清扫统计
type SweepResult struct {
	Job       string `json:"job"`
	Scanned   int    `json:"scanned"`
	Processed int    `json:"processed"`
	Skipped   int    `json:"skipped"`
	Failed    int    `json:"failed"`
}

// Sweeper 定时任务：过期取消与服务者结算入队
type Sweeper struct {
	o      *Orchestrator
	client redis.Cmdable
	cfg    SweepConfig
	owner  string
}

// NewSweeper client 为空时不加互斥锁
func NewSweeper(o *Orchestrator, client redis.Cmdable, cfg SweepConfig) *Sweeper {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.PayoutStagger < 0 {
		cfg.PayoutStagger = 0
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 4 * time.Minute
	}
	return &Sweeper{o: o, client: client, cfg: cfg, owner: uuid.NewString()}
}

// ExpireStale 取消接单/支付窗口已过的预订。其它实例或在线请求抢先修改的计为 skipped。
func (s *Sweeper) ExpireStale(ctx context.Context, now time.Time) (res SweepResult, err error) {
	res.Job = JobExpire
	err = s.locked(ctx, JobExpire, func(ctx context.Context) error {
		stale, err := s.o.store.FindExpired(ctx, expirable, now, s.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("find expired: %w", err)
		}
		res.Scanned = len(stale)
		for _, b := range stale {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			_, err := s.o.Expire(ctx, b, now)
			switch {
			case err == nil:
				res.Processed++
			case commonerrors.IsStateConflict(err):
				res.Skipped++
			default:
				res.Failed++
				s.o.log.WithContext(ctx).WithBooking(b.ID.String()).WithError(err).Error("expire booking")
			}
		}
		return nil
	})
	s.record(JobExpire, res, err)
	return res, err
}

// EnqueuePayouts 每笔待结算支付入队一条 payout，按 PayoutStagger 错峰；
// 去重键保证重复执行不会重复入队。
func (s *Sweeper) EnqueuePayouts(ctx context.Context, now time.Time) (res SweepResult, err error) {
	res.Job = JobPayout
	err = s.locked(ctx, JobPayout, func(ctx context.Context) error {
		candidates, err := s.o.store.FindPayoutCandidates(ctx, s.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("find payout candidates: %w", err)
		}
		res.Scanned = len(candidates)
		for i, c := range candidates {
			e, err := outbox.NewPayout(outbox.PayoutPayload{
				PaymentID:  c.PaymentID,
				BookingID:  c.BookingID,
				ProviderID: c.ProviderID,
				Amount:     c.Amount,
				Currency:   c.Currency,
			}, now, now.Add(time.Duration(i)*s.cfg.PayoutStagger))
			if err != nil {
				return err
			}
			inserted, err := s.o.store.Enqueue(ctx, e)
			switch {
			case err != nil:
				res.Failed++
				s.o.log.WithContext(ctx).WithBooking(c.BookingID.String()).WithError(err).Error("enqueue payout")
			case inserted:
				res.Processed++
			default:
				res.Skipped++
			}
		}
		return nil
	})
	s.record(JobPayout, res, err)
	return res, err
}

func (s *Sweeper) locked(ctx context.Context, job string, fn func(context.Context) error) error {
	if s.client == nil {
		return fn(ctx)
	}
	lock := commonredis.NewLock(s.client, "sweep:"+job, s.owner, s.cfg.LockTTL)
	ok, err := lock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire sweep lock: %w", err)
	}
	if !ok {
		return ErrSweepBusy
	}
	defer func() {
		if _, err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			s.o.log.WithContext(ctx).WithError(err).Warnf("release sweep lock", map[string]interface{}{"job": job})
		}
	}()
	return fn(ctx)
}

func (s *Sweeper) record(job string, res SweepResult, err error) {
	result := "ok"
	switch {
	case errors.Is(err, ErrSweepBusy):
		result = "busy"
	case err != nil:
		result = "error"
	}
	fields := map[string]interface{}{
		"job": job, "result": result, "scanned": res.Scanned,
		"processed": res.Processed, "skipped": res.Skipped, "failed": res.Failed,
	}
	if err != nil && result == "error" {
		s.o.log.WithError(err).Errorf("sweep finished", fields)
	} else {
		s.o.log.Infof("sweep finished", fields)
	}
	if m := s.o.metrics; m != nil {
		m.IncSweepRun(job, result)
		m.AddSweepItems(job, "processed", res.Processed)
		m.AddSweepItems(job, "skipped", res.Skipped)
		m.AddSweepItems(job, "failed", res.Failed)
	}
}
