// Package brokererr defines the closed set of error kinds the broker's
// components return and the router translates into response envelopes.
package brokererr

import (
	"errors"
	"fmt"
)

// Kind is one of the error kinds the router surfaces to callers. The set is
// closed: every component returns one of these, never an ad hoc string.
type Kind string

const (
	BadPassphrase      Kind = "BadPassphrase"
	Locked             Kind = "Locked"
	SessionExpired     Kind = "SessionExpired"
	NotAllowed         Kind = "NotAllowed"
	RateLimited        Kind = "RateLimited"
	InvalidArgument    Kind = "InvalidArgument"
	Timeout            Kind = "Timeout"
	AdapterUnavailable Kind = "AdapterUnavailable"
	UpstreamFailure    Kind = "UpstreamFailure"
	NotFound           Kind = "NotFound"
)

// Error pairs a Kind with a human-readable message. The message may vary
// call to call (e.g. SessionExpired vs Locked share observable shape but
// not text); the Kind is what callers should branch on.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// New constructs an *Error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Of returns the Kind carried by err, or "" if err does not carry one
// (e.g. it came from the standard library rather than a broker component).
func Of(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return ""
}

// Is reports whether err carries the given kind. Convenience for the
// common `brokererr.Is(err, brokererr.Locked)` check.
func Is(err error, kind Kind) bool {
	return Of(err) == kind
}

var (
	ErrBadPassphrase      = New(BadPassphrase, "incorrect passphrase")
	ErrLocked             = New(Locked, "session is locked")
	ErrSessionExpired     = New(SessionExpired, "session expired from inactivity")
	ErrNotAllowed         = New(NotAllowed, "action not permitted for this origin")
	ErrRateLimited        = New(RateLimited, "rate limit exceeded")
	ErrTimeout            = New(Timeout, "request timed out")
	ErrAdapterUnavailable = New(AdapterUnavailable, "network adapter unavailable")
	ErrNotFound           = New(NotFound, "not found")
)

// Invalid builds an InvalidArgument error with a specific message, the one
// kind whose text varies enough per call site to not warrant a sentinel.
func Invalid(format string, args ...any) *Error {
	return New(InvalidArgument, fmt.Sprintf(format, args...))
}

// Upstream builds an UpstreamFailure error wrapping the remote service's
// complaint.
func Upstream(format string, args ...any) *Error {
	return New(UpstreamFailure, fmt.Sprintf(format, args...))
}
