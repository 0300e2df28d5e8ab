// Package service 预订 saga 编排：状态转移引擎、副作用处理器与定时清扫
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/panditbooking/booking/internal/booking"
	"github.com/panditbooking/booking/internal/directory"
	"github.com/panditbooking/booking/internal/gateway"
	"github.com/panditbooking/booking/internal/metrics"
	"github.com/panditbooking/booking/internal/outbox"
	"github.com/panditbooking/booking/internal/repository"
	"github.com/panditbooking/booking/internal/slotlock"
	commondecimal "github.com/panditbooking/booking/pkg/decimal"
	commonerrors "github.com/panditbooking/booking/pkg/errors"
	"github.com/panditbooking/booking/pkg/logger"
	"github.com/panditbooking/booking/pkg/saga"
	"github.com/panditbooking/booking/pkg/tracing"
)

// Store 账本存储接口，由 repository.Store 实现
type Store interface {
	GetBooking(ctx context.Context, id uuid.UUID) (*booking.Booking, error)
	ListBookings(ctx context.Context, f repository.BookingFilter) ([]*booking.Booking, int, error)
	FindExpired(ctx context.Context, statuses []booking.Status, now time.Time, limit int) ([]*booking.Booking, error)
	GetPaymentByBooking(ctx context.Context, bookingID uuid.UUID) (*booking.Payment, error)
	GetPaymentByGatewayOrder(ctx context.Context, orderID string) (*booking.Payment, error)
	GetPayment(ctx context.Context, id uuid.UUID) (*booking.Payment, error)
	ListPayments(ctx context.Context, f repository.PaymentFilter) ([]*booking.Payment, error)
	FindPayoutCandidates(ctx context.Context, limit int) ([]repository.PayoutCandidate, error)
	ListByBooking(ctx context.Context, bookingID uuid.UUID) ([]booking.AuditEntry, error)
	ListAudit(ctx context.Context, f repository.AuditFilter) ([]booking.AuditEntry, error)
	Enqueue(ctx context.Context, e *repository.Effect) (bool, error)
	InTx(ctx context.Context, fn func(tx repository.Tx) error) error
}

// Directory 服务者目录
type Directory interface {
	GetProvider(ctx context.Context, id uuid.UUID) (*directory.Provider, error)
	GetServiceType(ctx context.Context, id uuid.UUID) (*directory.ServiceType, error)
	FindAvailability(ctx context.Context, providerID uuid.UUID, date time.Time) ([]directory.AvailabilitySlot, error)
	MarkSlotBooked(ctx context.Context, slotID, bookingID uuid.UUID) (bool, error)
	ClearSlotBooking(ctx context.Context, slotID, bookingID uuid.UUID) error
}

// SlotLocker 时段锁
type SlotLocker interface {
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
	ReleaseOwned(ctx context.Context, key, owner string) (bool, error)
}

// Options 编排器参数
type Options struct {
	Commission   *commondecimal.Decimal
	AcceptWindow time.Duration
	SlotLockTTL  time.Duration
	Currency     string
	RefundPolicy booking.RefundPolicy
	SagaStore    saga.SagaStore
	Numbers      *booking.NumberGenerator
	Log          *logger.Logger
	Metrics      *metrics.Metrics
	Now          func() time.Time
}

// Orchestrator 预订状态机的唯一写入口
type Orchestrator struct {
	store     Store
	directory Directory
	locks     SlotLocker
	gateway   gateway.Gateway

	commission   *commondecimal.Decimal
	acceptWindow time.Duration
	lockTTL      time.Duration
	currency     string
	refunds      booking.RefundPolicy
	sagas        *saga.Executor
	numbers      *booking.NumberGenerator
	log          *logger.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
}

const (
	maxNumberAttempts   = 3
	paymentFailedReason = "Payment failed"
	expiredReason       = "payment/acceptance window expired"
)

func NewOrchestrator(store Store, dir Directory, locks SlotLocker, gw gateway.Gateway, opts Options) (*Orchestrator, error) {
	if store == nil || dir == nil || locks == nil || gw == nil {
		return nil, errors.New("store, directory, slot locker and gateway are required")
	}
	if opts.Commission == nil {
		opts.Commission = commondecimal.MustNew("10")
	}
	if opts.AcceptWindow == 0 {
		opts.AcceptWindow = 2 * time.Hour
	}
	if opts.SlotLockTTL <= 0 {
		opts.SlotLockTTL = slotlock.DefaultTTL
	}
	if opts.Currency == "" {
		opts.Currency = booking.DefaultCurrency
	}
	if opts.RefundPolicy == nil {
		p, err := booking.NewTieredPolicy(24*time.Hour, 50)
		if err != nil {
			return nil, err
		}
		opts.RefundPolicy = p
	}
	if opts.Numbers == nil {
		opts.Numbers = booking.NewNumberGenerator(nil)
	}
	if opts.Log == nil {
		opts.Log = logger.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{
		store:        store,
		directory:    dir,
		locks:        locks,
		gateway:      gw,
		commission:   opts.Commission,
		acceptWindow: opts.AcceptWindow,
		lockTTL:      opts.SlotLockTTL,
		currency:     opts.Currency,
		refunds:      opts.RefundPolicy,
		sagas:        saga.NewExecutor(opts.SagaStore),
		numbers:      opts.Numbers,
		log:          opts.Log,
		metrics:      opts.Metrics,
		now:          opts.Now,
	}, nil
}

// change 一次状态转移的全部内容
type change struct {
	action   booking.Action
	actor    booking.Actor
	at       time.Time
	reason   string
	metadata map[string]interface{}
	// mutate 填充 StatusUpdate 的附加字段
	mutate func(u *repository.StatusUpdate)
	// inTx 在状态写之前、同一事务内执行（支付写入、webhook 去重）
	inTx    func(ctx context.Context, tx repository.Tx) error
	effects []*repository.Effect
	release bool
}

// apply 状态守卫 → 单事务（CAS + 审计 + outbox）→ 提交后释放时段锁
func (o *Orchestrator) apply(ctx context.Context, b *booking.Booking, c change) (*booking.Booking, error) {
	from := b.Status
	to, ok := booking.Target(c.action, from)
	if !ok {
		return nil, o.reject(commonerrors.Newf(commonerrors.CodeInvalidState, "cannot %s a booking in %s", actionVerb(c.action), from))
	}
	if c.at.IsZero() {
		c.at = o.now()
	}

	u := repository.StatusUpdate{BookingID: b.ID, Expected: []booking.Status{from}, To: to, At: c.at}
	if c.mutate != nil {
		c.mutate(&u)
	}
	status, err := outbox.NewStatusChanged(outbox.StatusPayload{
		BookingID: b.ID, BookingNumber: b.BookingNumber, From: &from, To: to, Action: c.action, At: c.at,
	})
	if err != nil {
		return nil, err
	}
	effects := append(c.effects, status)

	err = o.store.InTx(ctx, func(tx repository.Tx) error {
		if c.inTx != nil {
			if err := c.inTx(ctx, tx); err != nil {
				return err
			}
		}
		if err := tx.UpdateStatus(ctx, u); err != nil {
			return err
		}
		entry := &booking.AuditEntry{
			BookingID:  b.ID,
			FromStatus: &from,
			ToStatus:   to,
			Action:     c.action,
			ActorID:    c.actor.AuditID(),
			ActorRole:  c.actor.Role,
			Reason:     c.reason,
			Metadata:   c.metadata,
			CreatedAt:  c.at,
		}
		if err := tx.AppendAudit(ctx, entry); err != nil {
			return err
		}
		return enqueueAll(ctx, tx, effects)
	})
	if err != nil {
		return nil, o.mapErr(err)
	}

	out := *b
	out.Status = to
	out.UpdatedAt = c.at
	if u.CancellationReason != "" {
		out.CancellationReason = u.CancellationReason
	}
	if u.DeclineReason != "" {
		out.DeclineReason = u.DeclineReason
	}
	if u.CancelledBy != "" {
		out.CancelledBy = u.CancelledBy
	}
	if u.ConfirmedAt != nil {
		out.ConfirmedAt = u.ConfirmedAt
	}
	if u.CompletedAt != nil {
		out.CompletedAt = u.CompletedAt
	}
	if u.CancelledAt != nil {
		out.CancelledAt = u.CancelledAt
	}

	if o.metrics != nil {
		o.metrics.IncTransition(string(from), string(to))
	}
	o.log.WithContext(ctx).WithBooking(b.ID.String()).Infof("booking transitioned", map[string]interface{}{
		"from": from, "to": to, "action": c.action, "actorRole": c.actor.Role,
	})
	if c.release {
		o.releaseLock(ctx, &out)
	}
	return &out, nil
}

func enqueueAll(ctx context.Context, tx repository.Tx, effects []*repository.Effect) error {
	for _, e := range effects {
		if _, err := tx.Enqueue(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// releaseLock 提交后释放；只删除本预约持有的锁，失败只记录日志，TTL 兜底
func (o *Orchestrator) releaseLock(ctx context.Context, b *booking.Booking) {
	key := slotlock.Key(b.ProviderID, b.ScheduledAt)
	log := o.log.WithContext(ctx).WithBooking(b.ID.String())
	released, err := o.locks.ReleaseOwned(context.WithoutCancel(ctx), key, b.ID.String())
	if err != nil {
		log.WithError(err).Warnf("release slot lock", map[string]interface{}{"key": key})
		return
	}
	if !released {
		// 锁已过期或已被其他预约重新持有
		log.Infof("slot lock not owned, left in place", map[string]interface{}{"key": key})
	}
}

func (o *Orchestrator) loadBooking(ctx context.Context, id uuid.UUID) (*booking.Booking, error) {
	b, err := o.store.GetBooking(ctx, id)
	if err != nil {
		return nil, o.mapErr(err)
	}
	return b, nil
}

// capturedPayment 返回已扣款的支付单；没有或未扣款返回 nil
func (o *Orchestrator) capturedPayment(ctx context.Context, bookingID uuid.UUID) (*booking.Payment, error) {
	p, err := o.store.GetPaymentByBooking(ctx, bookingID)
	if errors.Is(err, repository.ErrPaymentNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load payment: %w", err)
	}
	if !p.Captured() {
		return nil, nil
	}
	return p, nil
}

// providerUser 服务者的用户 ID，用于通知；查询失败时跳过服务者通知
func (o *Orchestrator) providerUser(ctx context.Context, b *booking.Booking) (uuid.UUID, bool) {
	p, err := o.directory.GetProvider(ctx, b.ProviderID)
	if err != nil {
		o.log.WithContext(ctx).WithBooking(b.ID.String()).WithError(err).Warn("resolve provider user for notification")
		return uuid.Nil, false
	}
	return p.UserID, true
}

func (o *Orchestrator) reject(err *commonerrors.Error) error {
	if o.metrics != nil {
		o.metrics.IncGuardRejected(string(err.Code))
	}
	return err
}

func (o *Orchestrator) forbid(msg string) error {
	return o.reject(commonerrors.New(commonerrors.CodePermissionDenied, msg))
}

// mapErr 存储层哨兵错误转换为业务错误码
func (o *Orchestrator) mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errDuplicateEvent):
		return err
	case errors.Is(err, repository.ErrBookingNotFound):
		return commonerrors.Wrap(commonerrors.CodeBookingNotFound, "booking not found", err)
	case errors.Is(err, repository.ErrPaymentNotFound):
		return commonerrors.Wrap(commonerrors.CodePaymentNotFound, "payment not found", err)
	case errors.Is(err, repository.ErrStatusConflict):
		return o.reject(commonerrors.Wrap(commonerrors.CodeConcurrentUpdate, "booking was modified concurrently", err))
	case errors.Is(err, repository.ErrDuplicateBooking):
		return o.reject(commonerrors.Wrap(commonerrors.CodeSlotUnavailable, "slot already booked", err))
	case errors.Is(err, repository.ErrAlreadyCaptured):
		return o.reject(commonerrors.Wrap(commonerrors.CodeAlreadyPaid, "payment already captured", err))
	case errors.Is(err, repository.ErrGatewayReused):
		return o.reject(commonerrors.Wrap(commonerrors.CodeInvalidParam, "payment belongs to another booking", err))
	case errors.Is(err, repository.ErrRefundAlreadySet), errors.Is(err, repository.ErrPayoutAlreadySet):
		return commonerrors.Wrap(commonerrors.CodeIdempotentReplay, "already recorded", err)
	case errors.Is(err, directory.ErrProviderNotFound):
		return commonerrors.Wrap(commonerrors.CodeProviderNotFound, "provider not found", err)
	case errors.Is(err, directory.ErrServiceTypeNotFound):
		return commonerrors.Wrap(commonerrors.CodeServiceTypeNotFound, "service type not found", err)
	}
	var e *commonerrors.Error
	if errors.As(err, &e) {
		return err
	}
	return commonerrors.Wrap(commonerrors.CodeInternal, "internal error", err)
}

// observe 操作级 span 与耗时
func (o *Orchestrator) observe(ctx context.Context, op string) (context.Context, func(*error)) {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "booking."+op)
	return ctx, func(errp *error) {
		if errp != nil && *errp != nil && !commonerrors.IsIdempotentReplay(*errp) {
			tracing.SetError(ctx, *errp)
		}
		span.End()
		if o.metrics != nil {
			o.metrics.ObserveOperation(op, time.Since(start))
		}
	}
}

func actionVerb(a booking.Action) string {
	switch a {
	case booking.ActionPaymentInitiated:
		return "initiate payment for"
	case booking.ActionPaymentCaptured:
		return "confirm payment for"
	case booking.ActionPaymentFailed:
		return "fail payment for"
	case booking.ActionAccept:
		return "accept"
	case booking.ActionDecline:
		return "decline"
	case booking.ActionComplete:
		return "complete"
	case booking.ActionExpire:
		return "expire"
	}
	return "cancel"
}

// effectList 收集 outbox 记录，遇到第一个错误后忽略后续
type effectList struct {
	items []*repository.Effect
	err   error
}

func (l *effectList) add(e *repository.Effect, err error) {
	if l.err != nil {
		return
	}
	if err != nil {
		l.err = err
		return
	}
	l.items = append(l.items, e)
}
