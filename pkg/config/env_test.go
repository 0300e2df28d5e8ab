package config

import (
	"testing"
	"time"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("BOOKING_TEST_STR", "custom_value")
	if got := GetEnv("BOOKING_TEST_STR", "default"); got != "custom_value" {
		t.Fatalf("expected custom_value, got %q", got)
	}
	if got := GetEnv("BOOKING_TEST_STR_UNSET", "default"); got != "default" {
		t.Fatalf("expected default, got %q", got)
	}
}

func TestGetEnvTyped(t *testing.T) {
	t.Setenv("BOOKING_TEST_INT", "42")
	t.Setenv("BOOKING_TEST_BAD_INT", "3.14")
	t.Setenv("BOOKING_TEST_INT64", "-9223372036854775808")
	t.Setenv("BOOKING_TEST_BOOL", "1")
	t.Setenv("BOOKING_TEST_FLOAT", "10.5")
	t.Setenv("BOOKING_TEST_DUR", "1h30m")
	t.Setenv("BOOKING_TEST_BAD_DUR", "soon")

	if got := GetEnvInt("BOOKING_TEST_INT", 0); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
	if got := GetEnvInt("BOOKING_TEST_BAD_INT", 7); got != 7 {
		t.Fatalf("expected default 7 for invalid int, got %d", got)
	}
	if got := GetEnvInt64("BOOKING_TEST_INT64", 0); got != -9223372036854775808 {
		t.Fatalf("expected min int64, got %d", got)
	}
	if got := GetEnvBool("BOOKING_TEST_BOOL", false); !got {
		t.Fatal("expected true")
	}
	if got := GetEnvFloat64("BOOKING_TEST_FLOAT", 0); got != 10.5 {
		t.Fatalf("expected 10.5, got %v", got)
	}
	if got := GetEnvDuration("BOOKING_TEST_DUR", 0); got != 90*time.Minute {
		t.Fatalf("expected 90m, got %v", got)
	}
	if got := GetEnvDuration("BOOKING_TEST_BAD_DUR", 5*time.Second); got != 5*time.Second {
		t.Fatalf("expected default duration, got %v", got)
	}
}

func TestGetEnvSlice(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		def      []string
		want     []string
	}{
		{name: "trims and filters", envValue: " a ,, b ,  ,c", want: []string{"a", "b", "c"}},
		{name: "single", envValue: "http://localhost:3000", want: []string{"http://localhost:3000"}},
		{name: "only commas", envValue: ",,,", def: []string{"fallback"}, want: []string{"fallback"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("BOOKING_TEST_SLICE", tt.envValue)
			got := GetEnvSlice("BOOKING_TEST_SLICE", tt.def)
			if len(got) != len(tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("expected %v, got %v", tt.want, got)
				}
			}
		})
	}
}

func TestCheckSecret(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		dev     bool
		wantErr bool
	}{
		{name: "missing", value: "", dev: true, wantErr: true},
		{name: "placeholder allowed in dev", value: "changeme", dev: true},
		{name: "placeholder rejected in prod", value: "dev-jwt-secret-change-me-32-bytes-minimum", wantErr: true},
		{name: "short rejected in prod", value: "short-secret", wantErr: true},
		{name: "strong accepted", value: "prod-very-strong-random-secret-value-0001"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckSecret("JWT_SECRET", tt.value, MinSecretLength, tt.dev)
			if (err != nil) != tt.wantErr {
				t.Fatalf("expected error=%v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestIsDevelopment(t *testing.T) {
	for _, env := range []string{"", "dev", "Development", "test"} {
		if !IsDevelopment(env) {
			t.Fatalf("expected %q to be development", env)
		}
	}
	if IsDevelopment("production") {
		t.Fatal("expected production to be non-development")
	}
}
