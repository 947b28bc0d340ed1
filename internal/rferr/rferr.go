// Package rferr defines the typed error taxonomy surfaced by the Router
// pipeline and its collaborators to the ChannelGateway and HTTP control
// plane. Every error the synchronous pipeline can return is one of these
// kinds; asynchronous side effects never surface errors here — per the
// error handling policy, they are logged and swallowed at the call site.
package rferr

import (
	"errors"
	"fmt"
)

// Kind identifies one of the error categories a client can act on.
type Kind string

const (
	KindAgentNotFound      Kind = "agent_not_found"
	KindFleetNotFound      Kind = "fleet_not_found"
	KindNotInThisFleet     Kind = "not_in_this_fleet"
	KindDenied             Kind = "denied"
	KindLimited            Kind = "limited"
	KindInvalidSignature   Kind = "invalid_signature"
	KindDecryptionFailed   Kind = "decryption_failed"
	KindNoFleetKeys        Kind = "no_fleet_keys"
	KindPushTimeout        Kind = "push_timeout"
	KindStoreFailed        Kind = "store_failed"
	KindInvalidStatus      Kind = "invalid_status"
	KindNotAuthorized      Kind = "not_authorized"
)

// Error is the concrete error type carried through the pipeline. Reason
// and Suggestion back a `denied` reply; RetryAfterMs backs `limited`;
// Status backs `invalid_status`.
type Error struct {
	Kind         Kind
	Message      string
	Reason       string
	Suggestion   map[string]any
	RetryAfterMs int64
	Status       string
	cause        error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.cause }

// Is reports whether target is an *Error with the same Kind, so callers
// can use errors.Is(err, rferr.New(rferr.KindDenied, "")) style checks,
// though KindOf is generally more convenient.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// New constructs a plain *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error of the given kind wrapping cause.
func Wrap(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Message: cause.Error(), cause: cause}
}

// Denied constructs a `denied` error with a reason and an actionable
// suggestion payload (e.g. the sender's squad leader id).
func Denied(reason string, suggestion map[string]any) *Error {
	return &Error{Kind: KindDenied, Message: reason, Reason: reason, Suggestion: suggestion}
}

// Limited constructs a `limited` error carrying the retry-after hint.
func Limited(retryAfterMs int64) *Error {
	return &Error{Kind: KindLimited, Message: "rate limit exceeded", RetryAfterMs: retryAfterMs}
}

// InvalidStatus constructs an `invalid_status` error reporting the
// task's actual current status, so the caller can reconcile via get.
func InvalidStatus(status string) *Error {
	return &Error{Kind: KindInvalidStatus, Message: "invalid status transition", Status: status}
}

// KindOf extracts the Kind of err if it is (or wraps) an *rferr.Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Sentinel values for errors.Is comparisons where no structured payload
// is needed.
var (
	ErrAgentNotFound    = New(KindAgentNotFound, "agent not found")
	ErrFleetNotFound    = New(KindFleetNotFound, "fleet not found")
	ErrNotInThisFleet   = New(KindNotInThisFleet, "agents must be in the same fleet")
	ErrInvalidSignature = New(KindInvalidSignature, "invalid signature")
	ErrDecryptionFailed = New(KindDecryptionFailed, "decryption failed")
	ErrNoFleetKeys      = New(KindNoFleetKeys, "no live key for fleet")
	ErrPushTimeout      = New(KindPushTimeout, "push timed out")
	ErrStoreFailed      = New(KindStoreFailed, "store operation failed")
	ErrNotAuthorized    = New(KindNotAuthorized, "not authorized")
)
