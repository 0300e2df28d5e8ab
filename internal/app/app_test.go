package app

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/panditbooking/booking/internal/config"
	"github.com/panditbooking/booking/internal/notify"
	"github.com/panditbooking/booking/pkg/logger"
)

func TestNewGatewaySelectsProvider(t *testing.T) {
	gw, err := NewGateway(config.GatewayConfig{Provider: "razorpay", RazorpayKeyID: "rzp_test_1"})
	if err != nil {
		t.Fatalf("razorpay: %v", err)
	}
	if gw.Name() != "razorpay" || gw.KeyID() != "rzp_test_1" {
		t.Fatalf("unexpected gateway %s/%s", gw.Name(), gw.KeyID())
	}

	gw, err = NewGateway(config.GatewayConfig{Provider: "omise", OmisePublicKey: "pkey_test_1", OmiseSecretKey: "skey_test_1"})
	if err != nil {
		t.Fatalf("omise: %v", err)
	}
	if gw.Name() != "omise" {
		t.Fatalf("expected omise, got %s", gw.Name())
	}

	if _, err := NewGateway(config.GatewayConfig{Provider: "stripe"}); err == nil {
		t.Fatalf("expected error for unsupported provider")
	}
}

func TestNewNotifierRedisStream(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	n, err := NewNotifier(config.NotifierConfig{Backend: "redis", Stream: "notifications", StreamMax: 100}, client, logger.Nop(), nil)
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	if _, ok := n.(*notify.StreamNotifier); !ok {
		t.Fatalf("expected stream notifier, got %T", n)
	}

	err = n.Notify(context.Background(), notify.BookingConfirmed{
		Base: notify.Base{UserID: uuid.New(), BookingID: uuid.New(), BookingNumber: "PB-2026-ABCDE"},
	})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if got, _ := client.XLen(context.Background(), "notifications").Result(); got != 1 {
		t.Fatalf("expected 1 stream entry, got %d", got)
	}
}

func TestNewNotifierBackends(t *testing.T) {
	n, err := NewNotifier(config.NotifierConfig{Backend: "log"}, nil, logger.Nop(), nil)
	if err != nil {
		t.Fatalf("log notifier: %v", err)
	}
	if _, ok := n.(*notify.LogNotifier); !ok {
		t.Fatalf("expected log notifier, got %T", n)
	}
	if _, err := NewNotifier(config.NotifierConfig{Backend: "sms"}, nil, logger.Nop(), nil); err == nil {
		t.Fatalf("expected error for unsupported backend")
	}
}

func TestCloseRunsInReverseOrder(t *testing.T) {
	var order []int
	a := &App{}
	a.onClose(func() error { order = append(order, 1); return nil })
	a.onClose(func() error { order = append(order, 2); return nil })

	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(order) != 2 || order[0] != 2 || order[1] != 1 {
		t.Fatalf("expected reverse order, got %v", order)
	}
	if err := a.Close(); err != nil || len(order) != 2 {
		t.Fatalf("second close should be a no-op")
	}
}
