// Package notify 通知类型与投递通道。通知为封闭的 tagged 变体，每种携带自己的 payload。
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/panditbooking/booking/internal/booking"
)

// Kind 通知类型，同时作为模板 key
type Kind string

const (
	KindBookingCreated   Kind = "BOOKING_CREATED"
	KindBookingRequested Kind = "BOOKING_REQUESTED"
	KindBookingConfirmed Kind = "BOOKING_CONFIRMED"
	KindBookingDeclined  Kind = "BOOKING_DECLINED"
	KindBookingCancelled Kind = "BOOKING_CANCELLED"
	KindBookingCompleted Kind = "BOOKING_COMPLETED"
	KindPaymentSucceeded Kind = "PAYMENT_SUCCESS"
	KindPaymentFailed    Kind = "PAYMENT_FAILED"
	KindRefundIssued     Kind = "REFUND_ISSUED"
	KindPayoutSent       Kind = "PAYOUT_SENT"
)

// Notification 只能由本包内的变体实现
type Notification interface {
	Kind() Kind
	Recipient() uuid.UUID
	Booking() uuid.UUID
	sealed()
}

// Notifier 投递通知，调用方不等待最终送达
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Base 所有变体共有的字段
type Base struct {
	UserID        uuid.UUID `json:"user_id"`
	BookingID     uuid.UUID `json:"booking_id"`
	BookingNumber string    `json:"booking_number"`
}

func (b Base) Recipient() uuid.UUID { return b.UserID }
func (b Base) Booking() uuid.UUID   { return b.BookingID }
func (Base) sealed()                {}

type BookingCreated struct {
	Base
	ScheduledAt time.Time `json:"scheduled_at"`
	TotalAmount int64     `json:"total_amount"`
}

type BookingRequested struct {
	Base
	ScheduledAt    time.Time `json:"scheduled_at"`
	AcceptDeadline time.Time `json:"accept_deadline"`
}

type BookingConfirmed struct {
	Base
	ScheduledAt time.Time `json:"scheduled_at"`
}

type BookingDeclined struct {
	Base
	Reason       string `json:"reason"`
	RefundAmount int64  `json:"refund_amount"`
}

type BookingCancelled struct {
	Base
	Reason       string       `json:"reason"`
	CancelledBy  booking.Role `json:"cancelled_by"`
	RefundAmount int64        `json:"refund_amount"`
}

type BookingCompleted struct {
	Base
}

type PaymentSucceeded struct {
	Base
	Amount    int64  `json:"amount"`
	PaymentID string `json:"payment_id"`
}

type PaymentFailed struct {
	Base
	Reason string `json:"reason"`
}

type RefundIssued struct {
	Base
	Amount   int64  `json:"amount"`
	RefundID string `json:"refund_id"`
}

type PayoutSent struct {
	Base
	Amount   int64  `json:"amount"`
	PayoutID string `json:"payout_id"`
}

func (BookingCreated) Kind() Kind   { return KindBookingCreated }
func (BookingRequested) Kind() Kind { return KindBookingRequested }
func (BookingConfirmed) Kind() Kind { return KindBookingConfirmed }
func (BookingDeclined) Kind() Kind  { return KindBookingDeclined }
func (BookingCancelled) Kind() Kind { return KindBookingCancelled }
func (BookingCompleted) Kind() Kind { return KindBookingCompleted }
func (PaymentSucceeded) Kind() Kind { return KindPaymentSucceeded }
func (PaymentFailed) Kind() Kind    { return KindPaymentFailed }
func (RefundIssued) Kind() Kind     { return KindRefundIssued }
func (PayoutSent) Kind() Kind       { return KindPayoutSent }

// Message 投递到通道上的统一结构
type Message struct {
	TemplateKey Kind              `json:"template_key"`
	UserID      string            `json:"user_id"`
	BookingID   string            `json:"booking_id"`
	Variables   map[string]string `json:"variables"`
}

// Envelope 解析模板 key 与变量
func Envelope(n Notification) (Message, error) {
	vars := map[string]string{}
	switch v := n.(type) {
	case BookingCreated:
		vars["booking_number"] = v.BookingNumber
		vars["scheduled_at"] = v.ScheduledAt.UTC().Format(time.RFC3339)
		vars["total_amount"] = booking.FormatAmount(v.TotalAmount)
	case BookingRequested:
		vars["booking_number"] = v.BookingNumber
		vars["scheduled_at"] = v.ScheduledAt.UTC().Format(time.RFC3339)
		vars["accept_deadline"] = v.AcceptDeadline.UTC().Format(time.RFC3339)
	case BookingConfirmed:
		vars["booking_number"] = v.BookingNumber
		vars["scheduled_at"] = v.ScheduledAt.UTC().Format(time.RFC3339)
	case BookingDeclined:
		vars["booking_number"] = v.BookingNumber
		vars["reason"] = v.Reason
		vars["refund_amount"] = booking.FormatAmount(v.RefundAmount)
	case BookingCancelled:
		vars["booking_number"] = v.BookingNumber
		vars["reason"] = v.Reason
		vars["cancelled_by"] = string(v.CancelledBy)
		vars["refund_amount"] = booking.FormatAmount(v.RefundAmount)
	case BookingCompleted:
		vars["booking_number"] = v.BookingNumber
	case PaymentSucceeded:
		vars["booking_number"] = v.BookingNumber
		vars["amount"] = booking.FormatAmount(v.Amount)
		vars["payment_id"] = v.PaymentID
	case PaymentFailed:
		vars["booking_number"] = v.BookingNumber
		vars["reason"] = v.Reason
	case RefundIssued:
		vars["booking_number"] = v.BookingNumber
		vars["amount"] = booking.FormatAmount(v.Amount)
		vars["refund_id"] = v.RefundID
	case PayoutSent:
		vars["booking_number"] = v.BookingNumber
		vars["amount"] = booking.FormatAmount(v.Amount)
		vars["payout_id"] = v.PayoutID
	default:
		return Message{}, fmt.Errorf("unknown notification %T", n)
	}
	return Message{
		TemplateKey: n.Kind(),
		UserID:      n.Recipient().String(),
		BookingID:   n.Booking().String(),
		Variables:   vars,
	}, nil
}

// Decode 从 outbox payload 还原变体
func Decode(kind Kind, payload []byte) (Notification, error) {
	var (
		n   Notification
		err error
	)
	switch kind {
	case KindBookingCreated:
		n, err = decodeAs[BookingCreated](payload)
	case KindBookingRequested:
		n, err = decodeAs[BookingRequested](payload)
	case KindBookingConfirmed:
		n, err = decodeAs[BookingConfirmed](payload)
	case KindBookingDeclined:
		n, err = decodeAs[BookingDeclined](payload)
	case KindBookingCancelled:
		n, err = decodeAs[BookingCancelled](payload)
	case KindBookingCompleted:
		n, err = decodeAs[BookingCompleted](payload)
	case KindPaymentSucceeded:
		n, err = decodeAs[PaymentSucceeded](payload)
	case KindPaymentFailed:
		n, err = decodeAs[PaymentFailed](payload)
	case KindRefundIssued:
		n, err = decodeAs[RefundIssued](payload)
	case KindPayoutSent:
		n, err = decodeAs[PayoutSent](payload)
	default:
		return nil, fmt.Errorf("unknown notification kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	return n, nil
}

func decodeAs[T Notification](payload []byte) (Notification, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Headers 投递时附带的元数据
func headers(n Notification, extra map[string]string) map[string]string {
	h := map[string]string{
		"template_key": string(n.Kind()),
		"booking_id":   n.Booking().String(),
		"sent_at":      strconv.FormatInt(time.Now().UnixMilli(), 10),
	}
	for k, v := range extra {
		h[k] = v
	}
	return h
}
