package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{CodeInvalidParam, http.StatusBadRequest},
		{CodeInvalidState, http.StatusBadRequest},
		{CodeDeadlinePassed, http.StatusBadRequest},
		{CodeSlotUnavailable, http.StatusConflict},
		{CodeConcurrentUpdate, http.StatusConflict},
		{CodePermissionDenied, http.StatusForbidden},
		{CodeBookingNotFound, http.StatusNotFound},
		{CodeUpstream, http.StatusBadGateway},
		{CodeInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := New(tt.code, "x").HTTPStatus(); got != tt.want {
			t.Errorf("%s: expected %d, got %d", tt.code, tt.want, got)
		}
	}
}

func TestFromWrapsUnknownErrors(t *testing.T) {
	e := From(fmt.Errorf("boom"))
	if e.Code != CodeInternal {
		t.Fatalf("expected INTERNAL, got %s", e.Code)
	}
	if e.Unwrap() == nil {
		t.Fatal("expected cause to be kept")
	}

	wrapped := fmt.Errorf("reserve: %w", ErrSlotUnavailable)
	if From(wrapped).Code != CodeSlotUnavailable {
		t.Fatalf("expected SLOT_UNAVAILABLE through wrapping")
	}
	if From(nil) != nil {
		t.Fatal("expected nil for nil error")
	}
}

func TestClassification(t *testing.T) {
	if !IsStateConflict(New(CodeDeadlinePassed, "late")) {
		t.Fatal("deadline passed should be a state conflict")
	}
	if !IsNotFound(fmt.Errorf("get: %w", ErrBookingNotFound)) {
		t.Fatal("expected not found through wrapping")
	}
	if !IsAuthorization(ErrPermissionDenied) {
		t.Fatal("expected authorization error")
	}
	if !IsIdempotentReplay(New(CodeIdempotentReplay, "dup")) {
		t.Fatal("expected idempotent replay")
	}
	if !New(CodeUpstream, "gateway").Retryable {
		t.Fatal("upstream errors should be retryable")
	}
}

func TestIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("accept: %w", New(CodeBookingNotFound, "booking 42 not found"))
	if !stderrors.Is(err, ErrBookingNotFound) {
		t.Fatal("expected errors.Is to match on code")
	}
}
