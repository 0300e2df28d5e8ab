// Package gateway 支付网关适配（Razorpay / Omise）
package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	commonerrors "github.com/panditbooking/booking/pkg/errors"
)

// 网关事件
const (
	EventPaymentCaptured = "payment.captured"
	EventPaymentFailed   = "payment.failed"
	EventRefundProcessed = "refund.processed"
)

// DefaultTimeout 单次网关调用上限
const DefaultTimeout = 10 * time.Second

var (
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")
	ErrMalformedWebhook        = errors.New("malformed webhook payload")
)

// WebhookEvent 网关回调，已验签
type WebhookEvent struct {
	ID        string
	Event     string
	OrderID   string
	PaymentID string
	RefundID  string
	Amount    int64
	Reason    string
}

// Gateway 支付网关。金额均为最小单位；Refund/Payout 使用幂等键，重试不会重复打款。
type Gateway interface {
	Name() string
	KeyID() string
	CreateOrder(ctx context.Context, amount int64, currency, reference string) (string, error)
	VerifySignature(ctx context.Context, orderID, paymentID, signature string) (bool, error)
	Refund(ctx context.Context, paymentID string, amount int64, idempotencyKey string) (string, error)
	Payout(ctx context.Context, account string, amount int64, currency, reference, idempotencyKey string) (string, error)
	ParseWebhook(ctx context.Context, body []byte, header http.Header) (*WebhookEvent, error)
}

func upstream(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return commonerrors.Wrap(commonerrors.CodeUpstream, op+" timed out", err)
	}
	return commonerrors.Wrap(commonerrors.CodeUpstream, op+" failed", err)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = DefaultTimeout
	}
	return context.WithTimeout(ctx, d)
}
