package brokererr

import (
	"errors"
	"testing"
)

func TestOfExtractsKind(t *testing.T) {
	err := New(RateLimited, "too fast")
	if Of(err) != RateLimited {
		t.Fatalf("Of() = %q, want %q", Of(err), RateLimited)
	}
}

func TestOfOnPlainErrorIsEmpty(t *testing.T) {
	if Of(errors.New("boom")) != "" {
		t.Fatal("expected empty Kind for a non-brokererr error")
	}
}

func TestIs(t *testing.T) {
	err := ErrLocked
	if !Is(err, Locked) {
		t.Fatal("expected Is(ErrLocked, Locked) to be true")
	}
	if Is(err, SessionExpired) {
		t.Fatal("Locked and SessionExpired must not be confused")
	}
}

func TestLockedAndSessionExpiredAreDistinctKindsSameShape(t *testing.T) {
	if ErrLocked.Kind == ErrSessionExpired.Kind {
		t.Fatal("Locked and SessionExpired must carry distinct kinds per spec §7")
	}
}

func TestInvalidFormatsMessage(t *testing.T) {
	err := Invalid("collectionId is required")
	if err.Kind != InvalidArgument {
		t.Fatalf("Kind = %q, want InvalidArgument", err.Kind)
	}
	if err.Message != "collectionId is required" {
		t.Fatalf("Message = %q", err.Message)
	}
}

func TestErrorStringIncludesKind(t *testing.T) {
	err := New(NotFound, "doc missing")
	want := "NotFound: doc missing"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}
