package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestIsMatchesKindThroughWrapping(t *testing.T) {
	err := fmt.Errorf("accept: %w", Precondition("ride", "r1", "pending->assigned", "already assigned to %s", "cap-9"))
	if !errors.Is(err, ErrFailedPrecondition) {
		t.Fatalf("expected failed precondition, got %v", err)
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatalf("did not expect not found")
	}
	if KindOf(err) != KindFailedPrecondition {
		t.Fatalf("KindOf = %v", KindOf(err))
	}
}

func TestErrorStringCarriesTriageContext(t *testing.T) {
	err := Precondition("captain", "cap-1", "available->busy", "captain is %s", "offline")
	want := "failed-precondition captain/cap-1 [available->busy]: captain is offline"
	if err.Error() != want {
		t.Fatalf("got %q want %q", err.Error(), want)
	}
}

func TestUnknownOutcome(t *testing.T) {
	e := Transient("rides.update", errors.New("context canceled"))
	if IsUnknownOutcome(e) {
		t.Fatalf("plain transient should not be unknown outcome")
	}
	e.UnknownOutcome = true
	if !IsUnknownOutcome(fmt.Errorf("wrap: %w", e)) {
		t.Fatalf("expected unknown outcome through wrap")
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		KindUnauthenticated:    http.StatusUnauthorized,
		KindInvalidArgument:    http.StatusBadRequest,
		KindFailedPrecondition: http.StatusConflict,
		KindTransient:          http.StatusServiceUnavailable,
		KindNotFound:           http.StatusNotFound,
		KindUnknown:            http.StatusInternalServerError,
	}
	for k, want := range cases {
		if got := HTTPStatus(k); got != want {
			t.Errorf("HTTPStatus(%v) = %d want %d", k, got, want)
		}
	}
}

func TestWithOpDoesNotMutateOriginal(t *testing.T) {
	orig := NotFound("ride", "r1")
	got := WithOp("dispatch.start", orig)
	if orig.Op != "" {
		t.Fatalf("original mutated")
	}
	var e *Error
	if !errors.As(got, &e) || e.Op != "dispatch.start" {
		t.Fatalf("op not set: %v", got)
	}
}
