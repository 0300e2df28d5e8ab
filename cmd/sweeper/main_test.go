package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/panditbooking/booking/internal/config"
	"github.com/panditbooking/booking/internal/service"
)

var defaults = config.SweepConfig{ExpireCron: "*/5 * * * *", PayoutCron: "30 20 * * *"}

type fakeSweeper struct {
	expire, payout int
	res            service.SweepResult
	err            error
}

func (f *fakeSweeper) ExpireStale(context.Context, time.Time) (service.SweepResult, error) {
	f.expire++
	res := f.res
	res.Job = service.JobExpire
	return res, f.err
}

func (f *fakeSweeper) EnqueuePayouts(context.Context, time.Time) (service.SweepResult, error) {
	f.payout++
	res := f.res
	res.Job = service.JobPayout
	return res, f.err
}

func openWith(s *fakeSweeper, closed *bool) opener {
	return func(context.Context) (sweeper, func() error, error) {
		return s, func() error { *closed = true; return nil }, nil
	}
}

func failOpen(context.Context) (sweeper, func() error, error) {
	return nil, nil, errors.New("should not open")
}

func TestParseFlags(t *testing.T) {
	cfg, err := parseFlags([]string{"-once", "EXPIRE", "-payout-cron", "0 2 * * *"}, defaults)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.Once != service.JobExpire {
		t.Fatalf("expected once=expire, got %q", cfg.Once)
	}
	if cfg.ExpireCron != defaults.ExpireCron || cfg.PayoutCron != "0 2 * * *" {
		t.Fatalf("unexpected cron config %+v", cfg)
	}

	if _, err := parseFlags([]string{"-once", "refund"}, defaults); err == nil {
		t.Fatalf("expected error for unknown job")
	}
	if _, err := parseFlags([]string{"-bogus"}, defaults); err == nil {
		t.Fatalf("expected error for unknown flag")
	}
}

func TestRunOnceExpire(t *testing.T) {
	s := &fakeSweeper{res: service.SweepResult{Scanned: 3, Processed: 2, Skipped: 1}}
	var closed bool
	var out, errOut bytes.Buffer

	code := runCLI(context.Background(), []string{"-once", "expire"}, defaults, &out, &errOut, openWith(s, &closed))
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d (%s)", code, errOut.String())
	}
	if s.expire != 1 || s.payout != 0 {
		t.Fatalf("expected only expire to run, got expire=%d payout=%d", s.expire, s.payout)
	}
	if !closed {
		t.Fatalf("expected dependencies closed")
	}
	var res service.SweepResult
	if err := json.Unmarshal(out.Bytes(), &res); err != nil {
		t.Fatalf("decode output %q: %v", out.String(), err)
	}
	if res.Job != service.JobExpire || res.Processed != 2 || res.Skipped != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestRunOncePayoutFailures(t *testing.T) {
	var closed bool
	var out, errOut bytes.Buffer

	s := &fakeSweeper{res: service.SweepResult{Scanned: 2, Processed: 1, Failed: 1}}
	if code := runCLI(context.Background(), []string{"-once", "payout"}, defaults, &out, &errOut, openWith(s, &closed)); code != 1 {
		t.Fatalf("expected exit code 1 when items failed, got %d", code)
	}

	s = &fakeSweeper{err: errors.New("find payout candidates: connection refused")}
	errOut.Reset()
	if code := runCLI(context.Background(), []string{"-once", "payout"}, defaults, &out, &errOut, openWith(s, &closed)); code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(errOut.String(), "payout sweep failed") {
		t.Fatalf("expected failure message, got %q", errOut.String())
	}
}

func TestRunOnceBusyIsNotAnError(t *testing.T) {
	var closed bool
	var out, errOut bytes.Buffer
	s := &fakeSweeper{err: service.ErrSweepBusy}

	if code := runCLI(context.Background(), []string{"-once", "expire"}, defaults, &out, &errOut, openWith(s, &closed)); code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if !strings.Contains(out.String(), "already running") {
		t.Fatalf("expected busy message, got %q", out.String())
	}
}

func TestRunOnceOpenFailure(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := runCLI(context.Background(), []string{"-once", "expire"}, defaults, &out, &errOut, failOpen); code != 2 {
		t.Fatalf("expected exit code 2, got %d", code)
	}
}

func TestRunScheduledInvalidCron(t *testing.T) {
	var out, errOut bytes.Buffer
	code := runCLI(context.Background(), []string{"-expire-cron", "invalid"}, defaults, &out, &errOut, failOpen)
	if code != 2 {
		t.Fatalf("expected exit code 2, got %d", code)
	}
	if !strings.Contains(errOut.String(), "invalid expire cron expression") {
		t.Fatalf("expected cron error, got %q", errOut.String())
	}
}

func TestRunScheduledStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &fakeSweeper{}
	var closed bool
	var out, errOut bytes.Buffer

	done := make(chan int, 1)
	go func() {
		done <- runCLI(ctx, nil, defaults, &out, &errOut, openWith(s, &closed))
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case code := <-done:
		if code != 0 {
			t.Fatalf("expected exit code 0, got %d", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("scheduler did not stop")
	}
	if !closed {
		t.Fatalf("expected dependencies closed")
	}
}
