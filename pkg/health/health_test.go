package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

type staticChecker struct {
	name   string
	status Status
}

func (c staticChecker) Name() string { return c.name }

func (c staticChecker) Check(context.Context) CheckResult {
	return CheckResult{Status: c.status}
}

type slowChecker struct{}

func (slowChecker) Name() string { return "slow" }

func (slowChecker) Check(ctx context.Context) CheckResult {
	<-ctx.Done()
	time.Sleep(10 * time.Millisecond)
	return CheckResult{Status: StatusUp}
}

func TestReadyRequiresSetReady(t *testing.T) {
	h := New()
	h.Register(staticChecker{name: "postgres", status: StatusUp})

	if got := h.Ready(context.Background()).Status; got != StatusDown {
		t.Fatalf("expected down before SetReady, got %s", got)
	}
	h.SetReady(true)
	if got := h.Ready(context.Background()).Status; got != StatusUp {
		t.Fatalf("expected up, got %s", got)
	}
}

func TestReadyDegradedWhenDependencyDown(t *testing.T) {
	h := New()
	h.SetReady(true)
	h.Register(staticChecker{name: "postgres", status: StatusUp})
	h.Register(staticChecker{name: "redis", status: StatusDown})

	resp := h.Ready(context.Background())
	if resp.Status != StatusDegraded {
		t.Fatalf("expected degraded, got %s", resp.Status)
	}
	if resp.Dependencies["redis"].Status != StatusDown {
		t.Fatalf("expected redis down, got %+v", resp.Dependencies["redis"])
	}
}

func TestCheckTimeout(t *testing.T) {
	h := New()
	h.SetReady(true)
	h.Register(slowChecker{})

	resp := h.Ready(context.Background())
	if resp.Dependencies["slow"].Message != "timeout" {
		t.Fatalf("expected timeout, got %+v", resp.Dependencies["slow"])
	}
}

func TestHandlers(t *testing.T) {
	h := New()
	rec := httptest.NewRecorder()
	h.LiveHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from live, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before ready, got %d", rec.Code)
	}
	var body Response
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != StatusDown {
		t.Fatalf("expected down, got %s", body.Status)
	}
}

func TestPostgresChecker(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectPing()
	if res := NewPostgresChecker(db).Check(context.Background()); res.Status != StatusUp {
		t.Fatalf("expected up, got %+v", res)
	}

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	if res := NewPostgresChecker(db).Check(context.Background()); res.Status != StatusDown {
		t.Fatalf("expected down, got %+v", res)
	}
}

func TestRedisChecker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()

	if res := NewRedisChecker(client).Check(context.Background()); res.Status != StatusUp {
		t.Fatalf("expected up, got %+v", res)
	}
	mr.Close()
	if res := NewRedisChecker(client).Check(context.Background()); res.Status != StatusDown {
		t.Fatalf("expected down after close, got %+v", res)
	}
}

func TestLoopChecker(t *testing.T) {
	mon := &LoopMonitor{}
	c := NewLoopChecker("outbox", mon, time.Minute)

	if res := c.Check(context.Background()); res.Status != StatusDown || res.Message != "not started" {
		t.Fatalf("expected not started, got %+v", res)
	}

	mon.Record(3, nil)
	if res := c.Check(context.Background()); res.Status != StatusUp {
		t.Fatalf("expected up, got %+v", res)
	}

	mon.Record(0, errors.New("claim failed"))
	if res := c.Check(context.Background()); res.Status != StatusDegraded || res.Message != "claim failed" {
		t.Fatalf("expected degraded, got %+v", res)
	}

	mon.Record(0, errors.New("claim failed"))
	mon.Record(0, errors.New("connection refused"))
	res := c.Check(context.Background())
	if res.Status != StatusDown || !strings.Contains(res.Message, "3 consecutive failures: connection refused") {
		t.Fatalf("expected down after repeated failures, got %+v", res)
	}

	mon.Record(2, nil)
	if res := c.Check(context.Background()); res.Status != StatusUp {
		t.Fatalf("expected recovery to clear failures, got %+v", res)
	}
	if st := mon.Status(); st.Processed != 5 || st.Failures != 0 || st.LastError != "" {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestLoopCheckerStale(t *testing.T) {
	mon := &LoopMonitor{}
	mon.Record(0, nil)
	c := NewLoopChecker("outbox", mon, time.Minute).(*loopChecker)
	c.now = func() time.Time { return time.Now().Add(time.Hour) }

	res := c.Check(context.Background())
	if res.Status != StatusDown || !strings.HasPrefix(res.Message, "stalled for") {
		t.Fatalf("expected stale loop to be down, got %+v", res)
	}
}
