package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/panditbooking/booking/internal/booking"
	"github.com/panditbooking/booking/internal/directory"
	"github.com/panditbooking/booking/internal/notify"
	"github.com/panditbooking/booking/internal/outbox"
	"github.com/panditbooking/booking/internal/repository"
	"github.com/panditbooking/booking/internal/slotlock"
	commonerrors "github.com/panditbooking/booking/pkg/errors"
	"github.com/panditbooking/booking/pkg/saga"
)

// ReserveRequest 创建预订
type ReserveRequest struct {
	ProviderID          uuid.UUID       `json:"provider_id"`
	ServiceTypeID       uuid.UUID       `json:"service_type_id"`
	ScheduledAt         time.Time       `json:"scheduled_at"`
	Address             json.RawMessage `json:"address,omitempty"`
	SpecialRequirements string          `json:"special_requirements,omitempty"`
}

func (r ReserveRequest) validate(now time.Time) error {
	switch {
	case r.ProviderID == uuid.Nil:
		return commonerrors.New(commonerrors.CodeInvalidParam, "provider_id is required")
	case r.ServiceTypeID == uuid.Nil:
		return commonerrors.New(commonerrors.CodeInvalidParam, "service_type_id is required")
	case r.ScheduledAt.IsZero():
		return commonerrors.New(commonerrors.CodeInvalidParam, "scheduled_at is required")
	case !r.ScheduledAt.After(now):
		return commonerrors.New(commonerrors.CodeInvalidParam, "scheduled_at must be in the future")
	case len(r.SpecialRequirements) > 2000:
		return commonerrors.New(commonerrors.CodeInvalidParam, "special_requirements too long")
	}
	if len(r.Address) > 0 && !json.Valid(r.Address) {
		return commonerrors.New(commonerrors.CodeInvalidParam, "address must be a JSON object")
	}
	return nil
}

// reservation saga 各步骤之间共享的状态
type reservation struct {
	req      ReserveRequest
	actor    booking.Actor
	now      time.Time
	id       uuid.UUID
	provider *directory.Provider
	service  *directory.ServiceType
	slot     directory.AvailabilitySlot
	lockKey  string
	result   *booking.Booking
}

// Reserve 校验服务者与时段 → 加时段锁 → 定价 → 持久化为 SLOT_LOCKED。
// 任一步失败时按相反顺序补偿，已获取的锁只由本次预订释放。
func (o *Orchestrator) Reserve(ctx context.Context, actor booking.Actor, req ReserveRequest) (_ *booking.Booking, err error) {
	ctx, done := o.observe(ctx, "reserve")
	defer done(&err)

	if actor.Role != booking.RoleCustomer || actor.ID == uuid.Nil {
		return nil, o.forbid("only customers can create bookings")
	}
	now := o.now()
	if err := req.validate(now); err != nil {
		return nil, err
	}
	req.SpecialRequirements = strings.TrimSpace(req.SpecialRequirements)

	r := &reservation{req: req, actor: actor, now: now, id: uuid.New()}
	steps := []saga.Step{
		saga.StepFunc{StepName: "load_provider", Do: func(ctx context.Context) error { return o.loadProvider(ctx, r) }},
		saga.StepFunc{StepName: "load_service_type", Do: func(ctx context.Context) error { return o.loadServiceType(ctx, r) }},
		saga.StepFunc{StepName: "find_slot", Do: func(ctx context.Context) error { return o.findSlot(ctx, r) }},
		saga.StepFunc{
			StepName: "acquire_slot_lock",
			Do:       func(ctx context.Context) error { return o.acquireLock(ctx, r) },
			Undo:     func(ctx context.Context) error { return o.releaseOwned(ctx, r) },
		},
		saga.StepFunc{StepName: "persist_booking", Do: func(ctx context.Context) error { return o.persist(ctx, r) }},
	}
	if err := o.sagas.Run(ctx, "reserve_booking", r.id.String(), steps); err != nil {
		return nil, err
	}

	if o.metrics != nil {
		o.metrics.IncTransition("", string(booking.StatusSlotLocked))
	}
	o.log.WithContext(ctx).WithBooking(r.id.String()).Infof("booking reserved", map[string]interface{}{
		"bookingNumber": r.result.BookingNumber,
		"providerId":    req.ProviderID.String(),
		"scheduledAt":   req.ScheduledAt.UTC().Format(time.RFC3339),
		"total":         r.result.TotalAmount,
	})
	return r.result, nil
}

func (o *Orchestrator) loadProvider(ctx context.Context, r *reservation) error {
	p, err := o.directory.GetProvider(ctx, r.req.ProviderID)
	if err != nil {
		return o.mapErr(err)
	}
	if p.UserID == r.actor.ID {
		return o.forbid("providers cannot book themselves")
	}
	if !p.Verified || !p.Available {
		return o.reject(commonerrors.New(commonerrors.CodeProviderUnavailable, "provider is not accepting bookings"))
	}
	r.provider = p
	return nil
}

func (o *Orchestrator) loadServiceType(ctx context.Context, r *reservation) error {
	st, err := o.directory.GetServiceType(ctx, r.req.ServiceTypeID)
	if err != nil {
		return o.mapErr(err)
	}
	r.service = st
	return nil
}

// findSlot 日期取 scheduledAt 自身时区下的日历日
func (o *Orchestrator) findSlot(ctx context.Context, r *reservation) error {
	y, m, d := r.req.ScheduledAt.Date()
	slots, err := o.directory.FindAvailability(ctx, r.req.ProviderID, time.Date(y, m, d, 0, 0, 0, 0, time.UTC))
	if err != nil {
		return fmt.Errorf("find availability: %w", err)
	}
	slot, ok := directory.FirstFree(slots)
	if !ok {
		return o.reject(commonerrors.New(commonerrors.CodeNoAvailableSlot, "no available slot on that date"))
	}
	r.slot = slot
	return nil
}

func (o *Orchestrator) acquireLock(ctx context.Context, r *reservation) error {
	r.lockKey = slotlock.Key(r.req.ProviderID, r.req.ScheduledAt)
	ok, err := o.locks.Acquire(ctx, r.lockKey, r.id.String(), o.lockTTL)
	if err != nil {
		return commonerrors.Wrap(commonerrors.CodeUnavailable, "slot lock unavailable", err)
	}
	if !ok {
		if o.metrics != nil {
			o.metrics.IncSlotConflict()
		}
		return o.reject(commonerrors.New(commonerrors.CodeSlotUnavailable, "slot is being booked by someone else"))
	}
	return nil
}

func (o *Orchestrator) releaseOwned(ctx context.Context, r *reservation) error {
	released, err := o.locks.ReleaseOwned(ctx, r.lockKey, r.id.String())
	if err != nil {
		return err
	}
	if !released {
		o.log.WithContext(ctx).WithBooking(r.id.String()).Warnf("slot lock no longer owned", map[string]interface{}{"key": r.lockKey})
	}
	return nil
}

func (o *Orchestrator) persist(ctx context.Context, r *reservation) error {
	quote, err := booking.Price(r.provider.Fee(r.req.ServiceTypeID), o.commission)
	if err != nil {
		return commonerrors.Wrap(commonerrors.CodeInternal, "price booking", err)
	}

	slotID := r.slot.ID
	b := &booking.Booking{
		ID:                  r.id,
		CustomerID:          r.actor.ID,
		ProviderID:          r.req.ProviderID,
		ServiceTypeID:       r.req.ServiceTypeID,
		SlotID:              &slotID,
		ScheduledAt:         r.req.ScheduledAt,
		DurationHours:       r.service.DurationHours,
		Status:              booking.StatusSlotLocked,
		Currency:            o.currency,
		AcceptDeadline:      booking.AcceptDeadline(r.req.ScheduledAt, o.acceptWindow),
		Address:             r.req.Address,
		SpecialRequirements: r.req.SpecialRequirements,
		CreatedAt:           r.now,
		UpdatedAt:           r.now,
	}
	quote.Apply(b)

	for attempt := 1; ; attempt++ {
		number, err := o.numbers.Next(r.now)
		if err != nil {
			return fmt.Errorf("generate booking number: %w", err)
		}
		b.BookingNumber = number

		err = o.store.InTx(ctx, func(tx repository.Tx) error {
			return o.insertReserved(ctx, tx, b, r.actor)
		})
		if errors.Is(err, repository.ErrDuplicateNumber) && attempt < maxNumberAttempts {
			continue
		}
		if err != nil {
			return o.mapErr(err)
		}
		r.result = b
		return nil
	}
}

func (o *Orchestrator) insertReserved(ctx context.Context, tx repository.Tx, b *booking.Booking, actor booking.Actor) error {
	if err := tx.InsertBooking(ctx, b); err != nil {
		return err
	}
	entry := &booking.AuditEntry{
		BookingID: b.ID,
		ToStatus:  booking.StatusSlotLocked,
		Action:    booking.ActionReserve,
		ActorID:   actor.AuditID(),
		ActorRole: actor.Role,
		Metadata: map[string]interface{}{
			"booking_number": b.BookingNumber,
			"total_amount":   b.TotalAmount,
			"slot_id":        b.SlotID.String(),
		},
		CreatedAt: b.CreatedAt,
	}
	if err := tx.AppendAudit(ctx, entry); err != nil {
		return err
	}

	var effects effectList
	effects.add(outbox.NewNotify(notify.BookingCreated{
		Base:        notify.Base{UserID: b.CustomerID, BookingID: b.ID, BookingNumber: b.BookingNumber},
		ScheduledAt: b.ScheduledAt,
		TotalAmount: b.TotalAmount,
	}, b.CreatedAt))
	effects.add(outbox.NewStatusChanged(outbox.StatusPayload{
		BookingID: b.ID, BookingNumber: b.BookingNumber, To: booking.StatusSlotLocked, Action: booking.ActionReserve, At: b.CreatedAt,
	}))
	if effects.err != nil {
		return effects.err
	}
	return enqueueAll(ctx, tx, effects.items)
}
