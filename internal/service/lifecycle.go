package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/panditbooking/booking/internal/booking"
	"github.com/panditbooking/booking/internal/notify"
	"github.com/panditbooking/booking/internal/outbox"
	"github.com/panditbooking/booking/internal/repository"
	commonerrors "github.com/panditbooking/booking/pkg/errors"
)

const maxReasonLength = 500

func cleanReason(reason string) (string, error) {
	reason = strings.TrimSpace(reason)
	if len(reason) > maxReasonLength {
		return "", commonerrors.New(commonerrors.CodeInvalidParam, "reason too long")
	}
	return reason, nil
}

// Accept 指派的服务者在截止时间前接单
func (o *Orchestrator) Accept(ctx context.Context, id uuid.UUID, actor booking.Actor) (_ *booking.Booking, err error) {
	ctx, done := o.observe(ctx, "accept")
	defer done(&err)

	b, err := o.loadBooking(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.Assigned(b) {
		return nil, o.forbid("only the assigned provider can accept this booking")
	}
	if _, ok := booking.Target(booking.ActionAccept, b.Status); !ok {
		return nil, o.reject(commonerrors.Newf(commonerrors.CodeInvalidState, "cannot accept a booking in %s", b.Status))
	}
	now := o.now()
	if b.DeadlinePassed(now) {
		return nil, o.reject(commonerrors.New(commonerrors.CodeDeadlinePassed, "acceptance deadline has passed"))
	}

	var effects effectList
	if b.SlotID != nil {
		effects.add(outbox.NewSlotBook(*b.SlotID, b.ID, now))
	}
	effects.add(outbox.NewNotify(notify.BookingConfirmed{
		Base:        notify.Base{UserID: b.CustomerID, BookingID: b.ID, BookingNumber: b.BookingNumber},
		ScheduledAt: b.ScheduledAt,
	}, now))
	if effects.err != nil {
		return nil, effects.err
	}

	return o.apply(ctx, b, change{
		action:  booking.ActionAccept,
		actor:   actor,
		at:      now,
		mutate:  func(u *repository.StatusUpdate) { u.ConfirmedAt = &now },
		effects: effects.items,
		release: true,
	})
}

// Decline 服务者拒单，已扣款时全额退款
func (o *Orchestrator) Decline(ctx context.Context, id uuid.UUID, actor booking.Actor, reason string) (_ *booking.Booking, err error) {
	ctx, done := o.observe(ctx, "decline")
	defer done(&err)

	if reason, err = cleanReason(reason); err != nil {
		return nil, err
	}
	b, err := o.loadBooking(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.Assigned(b) {
		return nil, o.forbid("only the assigned provider can decline this booking")
	}
	if _, ok := booking.Target(booking.ActionDecline, b.Status); !ok {
		return nil, o.reject(commonerrors.Newf(commonerrors.CodeInvalidState, "cannot decline a booking in %s", b.Status))
	}

	now := o.now()
	refund, effects, err := o.compensation(ctx, b, actor.Role, reason, now)
	if err != nil {
		return nil, err
	}
	effects.add(outbox.NewNotify(notify.BookingDeclined{
		Base:         notify.Base{UserID: b.CustomerID, BookingID: b.ID, BookingNumber: b.BookingNumber},
		Reason:       reason,
		RefundAmount: refund,
	}, now))
	if effects.err != nil {
		return nil, effects.err
	}

	return o.apply(ctx, b, change{
		action:   booking.ActionDecline,
		actor:    actor,
		at:       now,
		reason:   reason,
		metadata: map[string]interface{}{"refund_amount": refund},
		mutate:   func(u *repository.StatusUpdate) { u.DeclineReason = reason },
		effects:  effects.items,
		release:  true,
	})
}

// Complete 服务完成；结算留给夜间 payout 清扫
func (o *Orchestrator) Complete(ctx context.Context, id uuid.UUID, actor booking.Actor) (_ *booking.Booking, err error) {
	ctx, done := o.observe(ctx, "complete")
	defer done(&err)

	b, err := o.loadBooking(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.Assigned(b) {
		return nil, o.forbid("only the assigned provider can complete this booking")
	}
	now := o.now()
	effect, err := outbox.NewNotify(notify.BookingCompleted{
		Base: notify.Base{UserID: b.CustomerID, BookingID: b.ID, BookingNumber: b.BookingNumber},
	}, now)
	if err != nil {
		return nil, err
	}
	return o.apply(ctx, b, change{
		action:  booking.ActionComplete,
		actor:   actor,
		at:      now,
		mutate:  func(u *repository.StatusUpdate) { u.CompletedAt = &now },
		effects: []*repository.Effect{effect},
	})
}

// Cancel 客户本人或管理员取消；退款额由 RefundPolicy 决定
func (o *Orchestrator) Cancel(ctx context.Context, id uuid.UUID, actor booking.Actor, reason string) (_ *booking.Booking, err error) {
	ctx, done := o.observe(ctx, "cancel")
	defer done(&err)

	if reason, err = cleanReason(reason); err != nil {
		return nil, err
	}
	b, err := o.loadBooking(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.Owns(b) && !actor.IsAdmin() {
		return nil, o.forbid("only the customer or an admin can cancel this booking")
	}
	return o.cancel(ctx, b, actor, booking.ActionCancel, reason, o.now())
}

// Expire 系统取消超过接单截止时间仍未确认的预订
func (o *Orchestrator) Expire(ctx context.Context, b *booking.Booking, now time.Time) (_ *booking.Booking, err error) {
	ctx, done := o.observe(ctx, "expire")
	defer done(&err)

	if !b.DeadlinePassed(now) {
		return nil, o.reject(commonerrors.New(commonerrors.CodeInvalidState, "booking has not expired"))
	}
	return o.cancel(ctx, b, booking.System(), booking.ActionExpire, expiredReason, now)
}

func (o *Orchestrator) cancel(ctx context.Context, b *booking.Booking, actor booking.Actor, action booking.Action, reason string, now time.Time) (*booking.Booking, error) {
	if _, ok := booking.Target(action, b.Status); !ok {
		return nil, o.reject(commonerrors.Newf(commonerrors.CodeInvalidState, "cannot %s a booking in %s", actionVerb(action), b.Status))
	}

	refund, effects, err := o.compensation(ctx, b, actor.Role, reason, now)
	if err != nil {
		return nil, err
	}
	cancelled := notify.BookingCancelled{
		Base:         notify.Base{UserID: b.CustomerID, BookingID: b.ID, BookingNumber: b.BookingNumber},
		Reason:       reason,
		CancelledBy:  actor.Role,
		RefundAmount: refund,
	}
	effects.add(outbox.NewNotify(cancelled, now))
	if b.Status.Paid() {
		if userID, ok := o.providerUser(ctx, b); ok {
			toProvider := cancelled
			toProvider.UserID = userID
			effects.add(outbox.NewNotify(toProvider, now))
		}
	}
	if effects.err != nil {
		return nil, effects.err
	}

	return o.apply(ctx, b, change{
		action:   action,
		actor:    actor,
		at:       now,
		reason:   reason,
		metadata: map[string]interface{}{"refund_amount": refund},
		mutate: func(u *repository.StatusUpdate) {
			u.CancellationReason = reason
			u.CancelledBy = actor.Role
			u.CancelledAt = &now
		},
		effects: effects.items,
		release: true,
	})
}

// compensation 离开活跃状态时的补偿：清除可预约窗口占用、按策略退款
func (o *Orchestrator) compensation(ctx context.Context, b *booking.Booking, initiator booking.Role, reason string, now time.Time) (int64, *effectList, error) {
	effects := &effectList{}
	if b.SlotID != nil {
		effects.add(outbox.NewSlotClear(*b.SlotID, b.ID, now))
	}

	payment, err := o.capturedPayment(ctx, b.ID)
	if err != nil {
		return 0, nil, err
	}
	if payment == nil {
		return 0, effects, effects.err
	}
	captured := payment.Amount - payment.RefundAmount
	refund := o.refunds.RefundAmount(booking.RefundRequest{
		Captured:    captured,
		ScheduledAt: b.ScheduledAt,
		Now:         now,
		Initiator:   initiator,
	})
	if refund <= 0 {
		return 0, effects, effects.err
	}
	effects.add(outbox.NewRefund(outbox.RefundPayload{
		BookingID:        b.ID,
		GatewayPaymentID: payment.GatewayPaymentID,
		Amount:           refund,
		Currency:         payment.Currency,
		Reason:           reason,
		Partial:          refund < captured,
		Notify:           b.CustomerID,
		BookingNumber:    b.BookingNumber,
	}, now))
	return refund, effects, effects.err
}
