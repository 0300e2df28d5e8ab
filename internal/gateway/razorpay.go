package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/panditbooking/booking/pkg/signature"
	"github.com/panditbooking/booking/pkg/tracing"
)

// RazorpayConfig 网关配置
type RazorpayConfig struct {
	BaseURL       string
	KeyID         string
	KeySecret     string
	WebhookSecret string
	// PayoutAccount RazorpayX 出款账户号
	PayoutAccount string
	Timeout       time.Duration
}

// Razorpay REST 适配器
type Razorpay struct {
	cfg     RazorpayConfig
	client  *http.Client
	signer  *signature.Signer
	webhook *signature.Signer
}

func NewRazorpay(cfg RazorpayConfig) *Razorpay {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.razorpay.com"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Razorpay{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		signer:  signature.NewSigner(cfg.KeySecret),
		webhook: signature.NewSigner(cfg.WebhookSecret),
	}
}

func (r *Razorpay) Name() string  { return "razorpay" }
func (r *Razorpay) KeyID() string { return r.cfg.KeyID }

type orderRequest struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Receipt  string            `json:"receipt"`
	Notes    map[string]string `json:"notes,omitempty"`
}

type entityResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// CreateOrder receipt 使用预订 ID
func (r *Razorpay) CreateOrder(ctx context.Context, amount int64, currency, reference string) (string, error) {
	var resp entityResponse
	err := r.post(ctx, "/v1/orders", "", orderRequest{
		Amount:   amount,
		Currency: currency,
		Receipt:  reference,
		Notes:    map[string]string{"booking_id": reference},
	}, &resp)
	if err != nil {
		return "", upstream("razorpay create order", err)
	}
	if resp.ID == "" {
		return "", upstream("razorpay create order", fmt.Errorf("empty order id"))
	}
	return resp.ID, nil
}

// VerifySignature HMAC-SHA256(orderID|paymentID, key secret)，本地校验
func (r *Razorpay) VerifySignature(_ context.Context, orderID, paymentID, sig string) (bool, error) {
	if orderID == "" || paymentID == "" {
		return false, nil
	}
	return r.signer.Verify(signature.JoinPipe(orderID, paymentID), sig), nil
}

type refundRequest struct {
	Amount  int64             `json:"amount"`
	Receipt string            `json:"receipt,omitempty"`
	Notes   map[string]string `json:"notes,omitempty"`
}

func (r *Razorpay) Refund(ctx context.Context, paymentID string, amount int64, idempotencyKey string) (string, error) {
	var resp entityResponse
	err := r.post(ctx, "/v1/payments/"+paymentID+"/refund", idempotencyKey, refundRequest{
		Amount:  amount,
		Receipt: idempotencyKey,
	}, &resp)
	if err != nil {
		return "", upstream("razorpay refund", err)
	}
	return resp.ID, nil
}

type payoutRequest struct {
	AccountNumber string `json:"account_number"`
	FundAccountID string `json:"fund_account_id"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	Mode          string `json:"mode"`
	Purpose       string `json:"purpose"`
	ReferenceID   string `json:"reference_id"`
	Narration     string `json:"narration,omitempty"`
}

// Payout account 为服务者的 fund account
func (r *Razorpay) Payout(ctx context.Context, account string, amount int64, currency, reference, idempotencyKey string) (string, error) {
	if account == "" {
		return "", upstream("razorpay payout", fmt.Errorf("missing payout account"))
	}
	var resp entityResponse
	err := r.post(ctx, "/v1/payouts", idempotencyKey, payoutRequest{
		AccountNumber: r.cfg.PayoutAccount,
		FundAccountID: account,
		Amount:        amount,
		Currency:      currency,
		Mode:          "IMPS",
		Purpose:       "payout",
		ReferenceID:   reference,
		Narration:     "Booking payout",
	}, &resp)
	if err != nil {
		return "", upstream("razorpay payout", err)
	}
	return resp.ID, nil
}

type razorpayWebhook struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity struct {
				ID               string `json:"id"`
				OrderID          string `json:"order_id"`
				Amount           int64  `json:"amount"`
				ErrorDescription string `json:"error_description"`
			} `json:"entity"`
		} `json:"payment"`
		Refund struct {
			Entity struct {
				ID        string `json:"id"`
				PaymentID string `json:"payment_id"`
				Amount    int64  `json:"amount"`
			} `json:"entity"`
		} `json:"refund"`
	} `json:"payload"`
	CreatedAt int64 `json:"created_at"`
}

// ParseWebhook 校验 X-Razorpay-Signature = HMAC-SHA256(body, webhook secret)
func (r *Razorpay) ParseWebhook(_ context.Context, body []byte, header http.Header) (*WebhookEvent, error) {
	if !r.webhook.VerifyBytes(body, header.Get("X-Razorpay-Signature")) {
		return nil, ErrInvalidWebhookSignature
	}
	var raw razorpayWebhook
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedWebhook, err)
	}
	if raw.Event == "" {
		return nil, ErrMalformedWebhook
	}
	ev := &WebhookEvent{
		ID:        header.Get("X-Razorpay-Event-Id"),
		Event:     raw.Event,
		OrderID:   raw.Payload.Payment.Entity.OrderID,
		PaymentID: raw.Payload.Payment.Entity.ID,
		Amount:    raw.Payload.Payment.Entity.Amount,
		Reason:    raw.Payload.Payment.Entity.ErrorDescription,
	}
	if raw.Event == EventRefundProcessed {
		ev.RefundID = raw.Payload.Refund.Entity.ID
		ev.Amount = raw.Payload.Refund.Entity.Amount
		if ev.PaymentID == "" {
			ev.PaymentID = raw.Payload.Refund.Entity.PaymentID
		}
	}
	if ev.ID == "" {
		// 旧版 webhook 不带事件 ID
		ev.ID = strings.Join([]string{raw.Event, ev.PaymentID, ev.RefundID, fmt.Sprint(raw.CreatedAt)}, ":")
	}
	return ev, nil
}

func (r *Razorpay) post(ctx context.Context, path, idempotencyKey string, body, out interface{}) error {
	ctx, cancel := withTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.BaseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(r.cfg.KeyID, r.cfg.KeySecret)
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
		req.Header.Set("X-Payout-Idempotency", idempotencyKey)
	}
	tracing.InjectHTTP(ctx, req)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status code: %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
