package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/omise/omise-go"

	commonerrors "github.com/panditbooking/booking/pkg/errors"
	"github.com/panditbooking/booking/pkg/signature"
)

func TestRazorpayCreateOrder(t *testing.T) {
	var got orderRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/orders" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "rzp_key" || pass != "rzp_secret" {
			t.Fatalf("expected basic auth, got %q/%q", user, pass)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "order_Q1", "status": "created"})
	}))
	defer server.Close()

	rp := NewRazorpay(RazorpayConfig{BaseURL: server.URL, KeyID: "rzp_key", KeySecret: "rzp_secret"})
	orderID, err := rp.CreateOrder(context.Background(), 110000, "INR", "booking-1")
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if orderID != "order_Q1" {
		t.Fatalf("expected order_Q1, got %s", orderID)
	}
	if got.Amount != 110000 || got.Receipt != "booking-1" || got.Currency != "INR" {
		t.Fatalf("unexpected request: %+v", got)
	}
}

func TestRazorpayUpstreamFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":"SERVER_ERROR"}}`, http.StatusInternalServerError)
	}))
	defer server.Close()

	rp := NewRazorpay(RazorpayConfig{BaseURL: server.URL})
	_, err := rp.Refund(context.Background(), "pay_1", 500, "refund:b1")
	if commonerrors.CodeOf(err) != commonerrors.CodeUpstream {
		t.Fatalf("expected UPSTREAM_ERROR, got %v", err)
	}
	if !commonerrors.From(err).Retryable {
		t.Fatal("expected upstream failure to be retryable")
	}
}

func TestRazorpayTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer server.Close()

	rp := NewRazorpay(RazorpayConfig{BaseURL: server.URL, Timeout: 20 * time.Millisecond})
	_, err := rp.CreateOrder(context.Background(), 100, "INR", "b")
	if commonerrors.CodeOf(err) != commonerrors.CodeUpstream {
		t.Fatalf("expected UPSTREAM_ERROR on timeout, got %v", err)
	}
}

func TestRazorpayPayoutSendsIdempotencyKey(t *testing.T) {
	var got payoutRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Payout-Idempotency") != "pay-123" {
			t.Fatalf("expected idempotency header, got %q", r.Header.Get("X-Payout-Idempotency"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "pout_1"})
	}))
	defer server.Close()

	rp := NewRazorpay(RazorpayConfig{BaseURL: server.URL, PayoutAccount: "2323230000000000"})
	id, err := rp.Payout(context.Background(), "fa_77", 90000, "INR", "booking-1", "pay-123")
	if err != nil {
		t.Fatalf("payout: %v", err)
	}
	if id != "pout_1" {
		t.Fatalf("expected pout_1, got %s", id)
	}
	if got.FundAccountID != "fa_77" || got.AccountNumber != "2323230000000000" || got.Amount != 90000 {
		t.Fatalf("unexpected payout request: %+v", got)
	}

	if _, err := rp.Payout(context.Background(), "", 1, "INR", "b", "k"); err == nil {
		t.Fatal("expected error without payout account")
	}
}

func TestRazorpayVerifySignature(t *testing.T) {
	rp := NewRazorpay(RazorpayConfig{KeySecret: "rzp_secret"})
	sig := signature.NewSigner("rzp_secret").Sign("order_1|pay_1")

	ok, err := rp.VerifySignature(context.Background(), "order_1", "pay_1", sig)
	if err != nil || !ok {
		t.Fatalf("expected valid signature, got %v (%v)", ok, err)
	}
	ok, _ = rp.VerifySignature(context.Background(), "order_1", "pay_2", sig)
	if ok {
		t.Fatal("expected signature for another payment to fail")
	}
	ok, _ = rp.VerifySignature(context.Background(), "", "pay_1", sig)
	if ok {
		t.Fatal("expected empty order id to fail")
	}
}

func TestRazorpayParseWebhook(t *testing.T) {
	rp := NewRazorpay(RazorpayConfig{WebhookSecret: "whsec"})
	body := []byte(`{"event":"payment.failed","payload":{"payment":{"entity":{"id":"pay_9","order_id":"order_9","amount":110000,"error_description":"card declined"}}},"created_at":1760000000}`)

	header := http.Header{}
	header.Set("X-Razorpay-Signature", signature.NewSigner("whsec").SignBytes(body))
	header.Set("X-Razorpay-Event-Id", "evt_9")

	ev, err := rp.ParseWebhook(context.Background(), body, header)
	if err != nil {
		t.Fatalf("parse webhook: %v", err)
	}
	if ev.ID != "evt_9" || ev.Event != EventPaymentFailed || ev.OrderID != "order_9" || ev.PaymentID != "pay_9" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.Reason != "card declined" {
		t.Fatalf("expected failure reason, got %q", ev.Reason)
	}

	header.Set("X-Razorpay-Signature", "deadbeef")
	if _, err := rp.ParseWebhook(context.Background(), body, header); !errors.Is(err, ErrInvalidWebhookSignature) {
		t.Fatalf("expected ErrInvalidWebhookSignature, got %v", err)
	}
}

func TestRazorpayWebhookWithoutEventID(t *testing.T) {
	rp := NewRazorpay(RazorpayConfig{WebhookSecret: "whsec"})
	body := []byte(`{"event":"refund.processed","payload":{"refund":{"entity":{"id":"rfnd_1","payment_id":"pay_1","amount":5000}}},"created_at":42}`)
	header := http.Header{}
	header.Set("X-Razorpay-Signature", signature.NewSigner("whsec").SignBytes(body))

	ev, err := rp.ParseWebhook(context.Background(), body, header)
	if err != nil {
		t.Fatalf("parse webhook: %v", err)
	}
	if ev.ID != "refund.processed:pay_1:rfnd_1:42" {
		t.Fatalf("expected derived event id, got %s", ev.ID)
	}
	if ev.Amount != 5000 {
		t.Fatalf("expected refund amount, got %d", ev.Amount)
	}
}

func fakeOmise(api omiseAPI) *Omise {
	return &Omise{api: api, keyID: "pkey_test", timeout: time.Second}
}

func TestOmiseVerifySignatureChecksCharge(t *testing.T) {
	o := fakeOmise(omiseAPI{
		retrieveCharge: func(id string) (*omise.Charge, error) {
			ch := &omise.Charge{Status: "successful", Metadata: map[string]interface{}{"booking_id": "booking-1"}}
			ch.ID = id
			return ch, nil
		},
	})

	ok, err := o.VerifySignature(context.Background(), "booking-1", "chrg_1", "")
	if err != nil || !ok {
		t.Fatalf("expected successful charge to verify, got %v (%v)", ok, err)
	}
	ok, _ = o.VerifySignature(context.Background(), "booking-2", "chrg_1", "")
	if ok {
		t.Fatal("expected charge for another booking to fail")
	}

	orderID, err := o.CreateOrder(context.Background(), 100, "THB", "booking-1")
	if err != nil || orderID != "booking-1" {
		t.Fatalf("expected reference as order id, got %s (%v)", orderID, err)
	}
}

func TestOmiseRefundAndTransferErrors(t *testing.T) {
	o := fakeOmise(omiseAPI{
		createRefund: func(chargeID string, amount int64) (*omise.Refund, error) {
			return nil, errors.New("omise: 503")
		},
		createTransfer: func(recipient string, amount int64) (*omise.Transfer, error) {
			tr := &omise.Transfer{}
			tr.ID = "trsf_1"
			return tr, nil
		},
	})

	if _, err := o.Refund(context.Background(), "chrg_1", 100, "k"); commonerrors.CodeOf(err) != commonerrors.CodeUpstream {
		t.Fatalf("expected UPSTREAM_ERROR, got %v", err)
	}
	id, err := o.Payout(context.Background(), "recp_1", 900, "THB", "b", "k")
	if err != nil || id != "trsf_1" {
		t.Fatalf("expected trsf_1, got %s (%v)", id, err)
	}
}

func TestOmiseCallRespectsTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	o := &Omise{timeout: 10 * time.Millisecond, api: omiseAPI{
		createRefund: func(string, int64) (*omise.Refund, error) {
			<-block
			return &omise.Refund{}, nil
		},
	}}
	if _, err := o.Refund(context.Background(), "chrg_1", 1, "k"); commonerrors.CodeOf(err) != commonerrors.CodeUpstream {
		t.Fatalf("expected timeout to surface as UPSTREAM_ERROR, got %v", err)
	}
}

func TestOmiseParseWebhook(t *testing.T) {
	o := fakeOmise(omiseAPI{
		retrieveEvent: func(id string) (*omise.Event, error) {
			if id != "evnt_1" {
				return nil, errors.New("not found")
			}
			ev := &omise.Event{Key: "charge.complete", Data: map[string]interface{}{
				"object":   "charge",
				"id":       "chrg_1",
				"amount":   110000,
				"status":   "failed",
				"metadata": map[string]interface{}{"booking_id": "booking-1"},
			}}
			ev.ID = "evnt_1"
			return ev, nil
		},
	})

	ev, err := o.ParseWebhook(context.Background(), []byte(`{"id":"evnt_1","key":"charge.complete"}`), nil)
	if err != nil {
		t.Fatalf("parse webhook: %v", err)
	}
	if ev.Event != EventPaymentFailed || ev.OrderID != "booking-1" || ev.PaymentID != "chrg_1" {
		t.Fatalf("unexpected event: %+v", ev)
	}

	if _, err := o.ParseWebhook(context.Background(), []byte(`{"id":"evnt_forged"}`), nil); !errors.Is(err, ErrInvalidWebhookSignature) {
		t.Fatalf("expected unknown event to be rejected, got %v", err)
	}
	if _, err := o.ParseWebhook(context.Background(), []byte(`not json`), nil); !errors.Is(err, ErrMalformedWebhook) {
		t.Fatalf("expected ErrMalformedWebhook, got %v", err)
	}
}
