// Package outbox 事务性 outbox：副作用与状态写同事务入库，由 Dispatcher 异步投递。
package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/panditbooking/booking/internal/booking"
	"github.com/panditbooking/booking/internal/notify"
	"github.com/panditbooking/booking/internal/repository"
)

// 副作用类型
const (
	KindRefund        = "refund"
	KindPayout        = "payout"
	KindNotify        = "notify"
	KindSlotBook      = "slot.book"
	KindSlotClear     = "slot.clear"
	KindStatusChanged = "status.changed"
)

const DefaultMaxAttempts = 8

// ErrPermanent 标记不可重试的失败，直接进入 DEAD
var ErrPermanent = errors.New("permanent failure")

// Permanent 包装为不可重试错误
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

type RefundPayload struct {
	BookingID        uuid.UUID `json:"booking_id"`
	GatewayPaymentID string    `json:"gateway_payment_id"`
	Amount           int64     `json:"amount"`
	Currency         string    `json:"currency"`
	Reason           string    `json:"reason"`
	// Partial 部分退款时支付状态记为 PARTIALLY_REFUNDED
	Partial bool `json:"partial"`
	// Notify 退款完成后通知的用户
	Notify        uuid.UUID `json:"notify"`
	BookingNumber string    `json:"booking_number"`
}

type PayoutPayload struct {
	PaymentID  uuid.UUID `json:"payment_id"`
	BookingID  uuid.UUID `json:"booking_id"`
	ProviderID uuid.UUID `json:"provider_id"`
	Amount     int64     `json:"amount"`
	Currency   string    `json:"currency"`
}

type NotifyPayload struct {
	Kind notify.Kind     `json:"kind"`
	Data json.RawMessage `json:"data"`
}

type SlotPayload struct {
	SlotID    uuid.UUID `json:"slot_id"`
	BookingID uuid.UUID `json:"booking_id"`
}

type StatusPayload struct {
	BookingID     uuid.UUID       `json:"booking_id"`
	BookingNumber string          `json:"booking_number"`
	From          *booking.Status `json:"from,omitempty"`
	To            booking.Status  `json:"to"`
	Action        booking.Action  `json:"action"`
	At            time.Time       `json:"at"`
}

// RefundKey 网关幂等键，同一预订只退款一次
func RefundKey(bookingID uuid.UUID) string { return "refund:" + bookingID.String() }

// PayoutKey 去重键；网关幂等键直接使用支付 ID
func PayoutKey(paymentID uuid.UUID) string { return "payout:" + paymentID.String() }

func NewRefund(p RefundPayload, now time.Time) (*repository.Effect, error) {
	return newEffect(KindRefund, p.BookingID, p, RefundKey(p.BookingID), now)
}

// NewPayout notBefore 用于错峰
func NewPayout(p PayoutPayload, now, notBefore time.Time) (*repository.Effect, error) {
	e, err := newEffect(KindPayout, p.BookingID, p, PayoutKey(p.PaymentID), now)
	if err != nil {
		return nil, err
	}
	if notBefore.After(now) {
		e.NextAttemptAt = notBefore
	}
	return e, nil
}

func NewNotify(n notify.Notification, now time.Time) (*repository.Effect, error) {
	data, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", n.Kind(), err)
	}
	return newEffect(KindNotify, n.Booking(), NotifyPayload{Kind: n.Kind(), Data: data}, "", now)
}

func NewSlotBook(slotID, bookingID uuid.UUID, now time.Time) (*repository.Effect, error) {
	return newEffect(KindSlotBook, bookingID, SlotPayload{SlotID: slotID, BookingID: bookingID}, "", now)
}

func NewSlotClear(slotID, bookingID uuid.UUID, now time.Time) (*repository.Effect, error) {
	return newEffect(KindSlotClear, bookingID, SlotPayload{SlotID: slotID, BookingID: bookingID}, "", now)
}

func NewStatusChanged(p StatusPayload) (*repository.Effect, error) {
	return newEffect(KindStatusChanged, p.BookingID, p, "", p.At)
}

func newEffect(kind string, bookingID uuid.UUID, payload interface{}, dedupe string, at time.Time) (*repository.Effect, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return &repository.Effect{
		Kind:          kind,
		BookingID:     bookingID,
		Payload:       raw,
		DedupeKey:     dedupe,
		MaxAttempts:   DefaultMaxAttempts,
		NextAttemptAt: at,
		Status:        repository.EffectPending,
		CreatedAt:     at,
	}, nil
}

// Decode 解析 payload；格式错误不可重试
func Decode[T any](e repository.Effect) (T, error) {
	var v T
	if err := json.Unmarshal(e.Payload, &v); err != nil {
		return v, Permanent(fmt.Errorf("decode %s payload: %w", e.Kind, err))
	}
	return v, nil
}

// DecodeNotification 还原通知变体
func DecodeNotification(e repository.Effect) (notify.Notification, error) {
	p, err := Decode[NotifyPayload](e)
	if err != nil {
		return nil, err
	}
	n, err := notify.Decode(p.Kind, p.Data)
	if err != nil {
		return nil, Permanent(err)
	}
	return n, nil
}
