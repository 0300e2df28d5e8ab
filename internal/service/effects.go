package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/panditbooking/booking/internal/booking"
	"github.com/panditbooking/booking/internal/notify"
	"github.com/panditbooking/booking/internal/outbox"
	"github.com/panditbooking/booking/internal/repository"
	commonerrors "github.com/panditbooking/booking/pkg/errors"
)

// StatusPublisher 状态变更广播（websocket feed）
type StatusPublisher interface {
	PublishStatus(ctx context.Context, bookingID uuid.UUID, data interface{}) error
}

// EffectHandlers outbox 各 kind 的投递实现。每个处理器都必须可重复执行。
type EffectHandlers struct {
	o         *Orchestrator
	notifier  notify.Notifier
	publisher StatusPublisher
}

func (o *Orchestrator) EffectHandlers(n notify.Notifier, p StatusPublisher) *EffectHandlers {
	return &EffectHandlers{o: o, notifier: n, publisher: p}
}

// Register 注册到 dispatcher
func (h *EffectHandlers) Register(d *outbox.Dispatcher) {
	d.Register(outbox.KindRefund, h.Refund)
	d.Register(outbox.KindPayout, h.Payout)
	d.Register(outbox.KindNotify, h.Notify)
	d.Register(outbox.KindSlotBook, h.SlotBook)
	d.Register(outbox.KindSlotClear, h.SlotClear)
	d.Register(outbox.KindStatusChanged, h.StatusChanged)
}

func replayed(msg string) error {
	return commonerrors.New(commonerrors.CodeIdempotentReplay, msg)
}

// Refund 网关退款（幂等键 refund:{bookingID}），再以 refund_id IS NULL 为条件记账
func (h *EffectHandlers) Refund(ctx context.Context, e repository.Effect) error {
	p, err := outbox.Decode[outbox.RefundPayload](e)
	if err != nil {
		return err
	}
	if p.GatewayPaymentID == "" || p.Amount <= 0 {
		return outbox.Permanent(fmt.Errorf("refund for booking %s has no gateway payment or amount", p.BookingID))
	}
	payment, err := h.o.store.GetPaymentByBooking(ctx, p.BookingID)
	if err != nil {
		if errors.Is(err, repository.ErrPaymentNotFound) {
			return outbox.Permanent(err)
		}
		return err
	}
	if payment.RefundID != "" {
		return replayed("refund already recorded")
	}

	refundID, err := h.o.gateway.Refund(ctx, p.GatewayPaymentID, p.Amount, outbox.RefundKey(p.BookingID))
	if err != nil {
		return err
	}

	status := booking.PaymentRefunded
	if p.Partial {
		status = booking.PaymentPartiallyRefunded
	}
	now := h.o.now()
	issued, err := outbox.NewNotify(notify.RefundIssued{
		Base:     notify.Base{UserID: p.Notify, BookingID: p.BookingID, BookingNumber: p.BookingNumber},
		Amount:   p.Amount,
		RefundID: refundID,
	}, now)
	if err != nil {
		return err
	}
	err = h.o.store.InTx(ctx, func(tx repository.Tx) error {
		if err := tx.SetRefund(ctx, p.BookingID, refundID, p.Amount, status, now); err != nil {
			return err
		}
		_, err := tx.Enqueue(ctx, issued)
		return err
	})
	if err != nil {
		return h.o.mapErr(err)
	}
	h.o.log.WithContext(ctx).WithBooking(p.BookingID.String()).Infof("refund issued", map[string]interface{}{
		"refundId": refundID, "amount": p.Amount, "partial": p.Partial,
	})
	return nil
}

// Payout 结算给服务者（网关幂等键为支付 ID），再以 payout_id IS NULL 为条件记账
func (h *EffectHandlers) Payout(ctx context.Context, e repository.Effect) error {
	p, err := outbox.Decode[outbox.PayoutPayload](e)
	if err != nil {
		return err
	}
	if p.Amount <= 0 {
		return outbox.Permanent(fmt.Errorf("payout for payment %s has no amount", p.PaymentID))
	}
	payment, err := h.o.store.GetPaymentByBooking(ctx, p.BookingID)
	if err != nil {
		if errors.Is(err, repository.ErrPaymentNotFound) {
			return outbox.Permanent(err)
		}
		return err
	}
	if payment.PayoutID != "" {
		return replayed("payout already recorded")
	}

	provider, err := h.o.directory.GetProvider(ctx, p.ProviderID)
	if err != nil {
		return err
	}
	if provider.PayoutAccount == "" {
		return fmt.Errorf("provider %s has no payout account", p.ProviderID)
	}
	b, err := h.o.store.GetBooking(ctx, p.BookingID)
	if err != nil {
		return err
	}

	payoutID, err := h.o.gateway.Payout(ctx, provider.PayoutAccount, p.Amount, p.Currency, b.BookingNumber, p.PaymentID.String())
	if err != nil {
		return err
	}

	now := h.o.now()
	sent, err := outbox.NewNotify(notify.PayoutSent{
		Base:     notify.Base{UserID: provider.UserID, BookingID: b.ID, BookingNumber: b.BookingNumber},
		Amount:   p.Amount,
		PayoutID: payoutID,
	}, now)
	if err != nil {
		return err
	}
	err = h.o.store.InTx(ctx, func(tx repository.Tx) error {
		if err := tx.SetPayout(ctx, p.PaymentID, payoutID, p.Amount, now); err != nil {
			return err
		}
		_, err := tx.Enqueue(ctx, sent)
		return err
	})
	if err != nil {
		return h.o.mapErr(err)
	}
	h.o.log.WithContext(ctx).WithBooking(b.ID.String()).Infof("payout sent", map[string]interface{}{
		"payoutId": payoutID, "amount": p.Amount, "providerId": p.ProviderID.String(),
	})
	return nil
}

func (h *EffectHandlers) Notify(ctx context.Context, e repository.Effect) error {
	n, err := outbox.DecodeNotification(e)
	if err != nil {
		return err
	}
	if n.Recipient() == uuid.Nil {
		return outbox.Permanent(fmt.Errorf("%s notification without recipient", n.Kind()))
	}
	return h.notifier.Notify(ctx, n)
}

// SlotBook 窗口被其它预订占用时不再重试
func (h *EffectHandlers) SlotBook(ctx context.Context, e repository.Effect) error {
	p, err := outbox.Decode[outbox.SlotPayload](e)
	if err != nil {
		return err
	}
	ok, err := h.o.directory.MarkSlotBooked(ctx, p.SlotID, p.BookingID)
	if err != nil {
		return err
	}
	if !ok {
		return outbox.Permanent(fmt.Errorf("slot %s is held by another booking", p.SlotID))
	}
	return nil
}

func (h *EffectHandlers) SlotClear(ctx context.Context, e repository.Effect) error {
	p, err := outbox.Decode[outbox.SlotPayload](e)
	if err != nil {
		return err
	}
	return h.o.directory.ClearSlotBooking(ctx, p.SlotID, p.BookingID)
}

func (h *EffectHandlers) StatusChanged(ctx context.Context, e repository.Effect) error {
	p, err := outbox.Decode[outbox.StatusPayload](e)
	if err != nil {
		return err
	}
	if h.publisher == nil {
		return nil
	}
	return h.publisher.PublishStatus(ctx, p.BookingID, p)
}
