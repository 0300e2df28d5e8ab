package outbox

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/panditbooking/booking/internal/metrics"
	"github.com/panditbooking/booking/internal/repository"
	commonerrors "github.com/panditbooking/booking/pkg/errors"
	"github.com/panditbooking/booking/pkg/health"
	"github.com/panditbooking/booking/pkg/logger"
	"github.com/panditbooking/booking/pkg/tracing"
)

// Queue outbox 持久化接口，由 repository.Store 实现
type Queue interface {
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]repository.Effect, error)
	MarkDelivered(ctx context.Context, id int64, at time.Time) error
	MarkFailed(ctx context.Context, id int64, attempts int, next time.Time, lastErr string, dead bool) error
	CountEffects(ctx context.Context, status repository.EffectStatus) (int64, error)
}

// Handler 投递单条副作用。必须幂等：租约过期后同一条记录可能被再次投递。
type Handler func(ctx context.Context, e repository.Effect) error

// Config 调度参数
type Config struct {
	PollInterval   time.Duration
	BatchSize      int
	HandlerTimeout time.Duration
	Lease          time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	MaxAttempts    int
}

func DefaultConfig() Config {
	return Config{
		PollInterval:   time.Second,
		BatchSize:      50,
		HandlerTimeout: 10 * time.Second,
		Lease:          time.Minute,
		BackoffBase:    2 * time.Second,
		BackoffMax:     10 * time.Minute,
		MaxAttempts:    DefaultMaxAttempts,
	}
}

// Dispatcher 轮询 outbox 并按 kind 分发
type Dispatcher struct {
	queue    Queue
	handlers map[string]Handler
	cfg      Config
	log      *logger.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	loop health.LoopMonitor
}

func NewDispatcher(queue Queue, cfg Config, log *logger.Logger, m *metrics.Metrics) *Dispatcher {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = def.HandlerTimeout
	}
	if cfg.Lease <= cfg.HandlerTimeout {
		cfg.Lease = cfg.HandlerTimeout * 6
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = def.BackoffMax
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Dispatcher{
		queue:    queue,
		handlers: make(map[string]Handler),
		cfg:      cfg,
		log:      log,
		metrics:  m,
		now:      time.Now,
	}
}

// Register 注册 kind 的处理器，重复注册覆盖
func (d *Dispatcher) Register(kind string, h Handler) {
	d.handlers[kind] = h
}

// Loop 供 readiness 检查使用
func (d *Dispatcher) Loop() *health.LoopMonitor {
	return &d.loop
}

// Run 阻塞直到 ctx 取消
func (d *Dispatcher) Run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			d.loop.Record(0, fmt.Errorf("panic: %v", r))
			d.log.Errorf("outbox dispatcher panic", map[string]interface{}{"panic": r, "stack": string(debug.Stack())})
		}
	}()

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	gaugeTicker := time.NewTicker(30 * time.Second)
	defer gaugeTicker.Stop()

	d.log.Infof("outbox dispatcher started", map[string]interface{}{"poll": d.cfg.PollInterval.String(), "batch": d.cfg.BatchSize})
	for {
		n, err := d.RunOnce(ctx)
		d.loop.Record(n, err)
		if err != nil {
			d.log.WithError(err).Warn("outbox poll failed")
		}
		// 满批时立即继续领取
		if n >= d.cfg.BatchSize && ctx.Err() == nil {
			continue
		}

		select {
		case <-ctx.Done():
			d.log.Info("outbox dispatcher stopped")
			return
		case <-gaugeTicker.C:
			d.refreshPending(ctx)
		case <-ticker.C:
		}
	}
}

// RunOnce 领取并投递一批，返回领取数量
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	effects, err := d.queue.ClaimDue(ctx, d.now(), d.cfg.Lease, d.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	for _, e := range effects {
		if ctx.Err() != nil {
			// 未处理的记录在租约到期后重新领取
			return len(effects), ctx.Err()
		}
		d.dispatch(ctx, e)
	}
	return len(effects), nil
}

func (d *Dispatcher) dispatch(ctx context.Context, e repository.Effect) {
	log := d.log.WithBooking(e.BookingID.String()).WithField("effectID", e.ID).WithField("kind", e.Kind)

	err := d.invoke(ctx, e)
	now := d.now()
	switch {
	case err == nil:
		d.markDelivered(ctx, log, e, now, "delivered")
		return
	case commonerrors.IsIdempotentReplay(err):
		log.Infof("effect already applied", map[string]interface{}{"reason": err.Error()})
		d.markDelivered(ctx, log, e, now, "replay")
		return
	}

	attempts := e.Attempts + 1
	maxAttempts := e.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = d.cfg.MaxAttempts
	}
	dead := attempts >= maxAttempts || errors.Is(err, ErrPermanent)
	next := now.Add(Backoff(d.cfg.BackoffBase, d.cfg.BackoffMax, e.Attempts))
	if markErr := d.queue.MarkFailed(ctx, e.ID, attempts, next, err.Error(), dead); markErr != nil {
		log.WithError(markErr).Error("mark effect failed")
	}

	result := "retry"
	if dead {
		result = "dead"
		log.WithError(err).Errorf("effect dead-lettered", map[string]interface{}{"attempts": attempts})
	} else {
		log.WithError(err).Warnf("effect failed, will retry", map[string]interface{}{
			"attempts": attempts,
			"next":     next.Format(time.RFC3339),
		})
	}
	d.incOutbox(e.Kind, result)
}

func (d *Dispatcher) markDelivered(ctx context.Context, log *logger.Logger, e repository.Effect, at time.Time, result string) {
	if err := d.queue.MarkDelivered(ctx, e.ID, at); err != nil {
		log.WithError(err).Error("mark effect delivered")
		return
	}
	d.incOutbox(e.Kind, result)
}

// invoke 在超时内调用处理器，panic 视为失败
func (d *Dispatcher) invoke(ctx context.Context, e repository.Effect) (err error) {
	h, ok := d.handlers[e.Kind]
	if !ok {
		return Permanent(fmt.Errorf("no handler for kind %q", e.Kind))
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.HandlerTimeout)
	defer cancel()
	ctx, span := tracing.StartSpan(ctx, "outbox."+e.Kind)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
		if err != nil && !commonerrors.IsIdempotentReplay(err) {
			tracing.SetError(ctx, err)
		}
	}()
	return h(ctx, e)
}

func (d *Dispatcher) refreshPending(ctx context.Context) {
	if d.metrics == nil {
		return
	}
	n, err := d.queue.CountEffects(ctx, repository.EffectPending)
	if err != nil {
		d.log.WithError(err).Warn("count pending effects")
		return
	}
	d.metrics.SetOutboxPending(n)
}

func (d *Dispatcher) incOutbox(kind, result string) {
	if d.metrics != nil {
		d.metrics.IncOutbox(kind, result)
	}
}

// Backoff min(base * 2^attempts, max)
func Backoff(base, max time.Duration, attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	d := base
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
