package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/panditbooking/booking/internal/booking"
)

func validConfig() *Config {
	t := Load()
	t.AppEnv = "production"
	t.JWTSecret = strings.Repeat("j", 40)
	t.Gateway.Provider = "razorpay"
	t.Gateway.RazorpayKeyID = "rzp_live_key"
	t.Gateway.RazorpayKeySecret = strings.Repeat("s", 24)
	t.Gateway.RazorpayWebhookSecret = strings.Repeat("w", 24)
	t.Notifier.Backend = "redis"
	return t
}

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PLATFORM_COMMISSION_PERCENT", "ACCEPT_WINDOW_HOURS", "SLOT_LOCK_TTL", "SWEEP_PAYOUT_CRON", "PAYMENT_PROVIDER"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	if cfg.CommissionPercent.String() != "10" {
		t.Fatalf("expected commission 10, got %s", cfg.CommissionPercent.String())
	}
	if cfg.AcceptWindow != 2*time.Hour {
		t.Fatalf("expected accept window 2h, got %v", cfg.AcceptWindow)
	}
	if cfg.SlotLockTTL != 15*time.Minute {
		t.Fatalf("expected slot lock ttl 15m, got %v", cfg.SlotLockTTL)
	}
	if cfg.Sweep.PayoutCron != "30 20 * * *" {
		t.Fatalf("expected nightly payout cron, got %s", cfg.Sweep.PayoutCron)
	}
	if cfg.Gateway.Provider != "razorpay" || cfg.Currency != booking.DefaultCurrency {
		t.Fatalf("unexpected defaults: provider=%s currency=%s", cfg.Gateway.Provider, cfg.Currency)
	}
	if cfg.Outbox.MaxAttempts != 8 || cfg.Outbox.BackoffBase != 2*time.Second {
		t.Fatalf("unexpected outbox defaults: %+v", cfg.Outbox)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PLATFORM_COMMISSION_PERCENT", "12.5")
	t.Setenv("ACCEPT_WINDOW_HOURS", "1.5")
	t.Setenv("PAYMENT_PROVIDER", "OMISE")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg := Load()
	if cfg.CommissionPercent.String() != "12.5" {
		t.Fatalf("expected commission 12.5, got %s", cfg.CommissionPercent.String())
	}
	if cfg.AcceptWindow != 90*time.Minute {
		t.Fatalf("expected 90m, got %v", cfg.AcceptWindow)
	}
	if cfg.Gateway.Provider != "omise" {
		t.Fatalf("expected lower-cased provider, got %s", cfg.Gateway.Provider)
	}
	if len(cfg.AllowedOrigins) != 2 {
		t.Fatalf("expected 2 origins, got %v", cfg.AllowedOrigins)
	}
}

func TestLoadInvalidCommissionFallsBack(t *testing.T) {
	t.Setenv("PLATFORM_COMMISSION_PERCENT", "-1")
	if got := Load().CommissionPercent.String(); got != "10" {
		t.Fatalf("expected default on negative commission, got %s", got)
	}
}

func TestValidate(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	cfg := validConfig()
	cfg.JWTSecret = "short"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "JWT_SECRET") {
		t.Fatalf("expected JWT_SECRET error, got %v", err)
	}

	cfg = validConfig()
	cfg.Gateway.Provider = "paypal"
	cfg.Notifier.Backend = "sms"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "PAYMENT_PROVIDER") || !strings.Contains(err.Error(), "NOTIFIER_BACKEND") {
		t.Fatalf("expected both errors joined, got %v", err)
	}

	cfg = validConfig()
	cfg.Notifier.Backend = "log"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected log notifier to be rejected outside development")
	}
	cfg.AppEnv = "development"
	cfg.JWTSecret = "dev"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected development to relax checks, got %v", err)
	}
}

func TestRefundPolicyFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "refund.yaml")
	raw := "tiers:\n  - min_notice: 48h\n    percent: 100\n  - min_notice: 0s\n    percent: 25\nfull_refund_for: [admin]\n"
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg := validConfig()
	cfg.RefundPolicyFile = path
	policy, err := cfg.RefundPolicy()
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	now := time.Date(2026, 4, 14, 8, 0, 0, 0, time.UTC)
	got := policy.RefundAmount(booking.RefundRequest{Captured: 110000, ScheduledAt: now.Add(24 * time.Hour), Now: now, Initiator: booking.RoleCustomer})
	if got != 27500 {
		t.Fatalf("expected 25%% refund, got %d", got)
	}

	cfg.RefundPolicyFile = ""
	policy, err = cfg.RefundPolicy()
	if err != nil {
		t.Fatalf("default policy: %v", err)
	}
	got = policy.RefundAmount(booking.RefundRequest{Captured: 110000, ScheduledAt: now.Add(2 * time.Hour), Now: now, Initiator: booking.RoleCustomer})
	if got != 55000 {
		t.Fatalf("expected 50%% refund, got %d", got)
	}
}

func TestDSN(t *testing.T) {
	cfg := &Config{DBHost: "db", DBPort: 5433, DBUser: "u", DBPassword: "p", DBName: "n", DBSSLMode: "require"}
	if got := cfg.DSN(); got != "host=db port=5433 user=u password=p dbname=n sslmode=require" {
		t.Fatalf("unexpected dsn %s", got)
	}
}
