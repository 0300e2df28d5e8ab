package tracing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestDisabledTracingIsNoop(t *testing.T) {
	shutdown, err := Init(Config{Enabled: false})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	defer shutdown(context.Background())

	if Enabled() {
		t.Fatal("expected tracing to be disabled")
	}

	ctx, span := StartSpan(context.Background(), "booking.reserve")
	defer span.End()
	SetError(ctx, errors.New("ignored"))
	AddEvent(ctx, "ignored")

	if id := TraceIDFromContext(ctx); id != "" {
		t.Fatalf("expected empty trace id, got %q", id)
	}
	if f := StreamFields(ctx); f != nil {
		t.Fatalf("expected no stream fields, got %v", f)
	}

	called := false
	h := HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/bookings", nil))
	if !called {
		t.Fatal("expected handler to be called")
	}
	if rec.Header().Get("X-Trace-ID") != "" {
		t.Fatal("expected no trace header when disabled")
	}
}
