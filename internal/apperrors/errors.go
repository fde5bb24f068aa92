// Package apperrors defines the error taxonomy shared by every component
// on the live-order path. Every error returned across a package boundary on
// that path is wrapped in a *Error carrying a Kind, so callers can dispatch
// on behavior (retry? trip the breaker? surface to the caller verbatim?)
// without string-matching messages.
package apperrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how the caller must react to it.
type Kind string

const (
	// KindValidation rejects pre-submission; never counts against the breaker.
	KindValidation Kind = "VALIDATION"
	// KindGateRejection is a governance/risk denial; never counts against the breaker.
	KindGateRejection Kind = "GATE_REJECTION"
	// KindTransient is retried with jittered backoff up to max_retries.
	KindTransient Kind = "TRANSIENT"
	// KindSemantic is not retried, releases the nonce, counts toward the breaker.
	KindSemantic Kind = "SEMANTIC"
	// KindStateConflict is an optimistic-version mismatch; aborts the cycle step.
	KindStateConflict Kind = "STATE_CONFLICT"
	// KindFatal halts the domain (or globally, for emergency stop).
	KindFatal Kind = "FATAL"
)

// Error wraps an underlying cause with a Kind and, optionally, a
// machine-readable reason code for API responses.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// KindOf extracts the Kind from err, defaulting to KindFatal for errors that
// were never classified (treat the unknown case as the least forgiving one).
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindFatal
}

// New builds a classified error.
func New(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Cause: cause}
}

func Validation(code, message string, cause error) *Error {
	return New(KindValidation, code, message, cause)
}

func GateRejection(code, message string, cause error) *Error {
	return New(KindGateRejection, code, message, cause)
}

func Transient(code, message string, cause error) *Error {
	return New(KindTransient, code, message, cause)
}

func Semantic(code, message string, cause error) *Error {
	return New(KindSemantic, code, message, cause)
}

func StateConflict(code, message string, cause error) *Error {
	return New(KindStateConflict, code, message, cause)
}

func Fatal(code, message string, cause error) *Error {
	return New(KindFatal, code, message, cause)
}

// CountsAgainstBreaker reports whether an error of this kind should be
// recorded as a consecutive failure by the Circuit Breaker.
func (k Kind) CountsAgainstBreaker() bool {
	switch k {
	case KindTransient, KindSemantic, KindStateConflict:
		return true
	default:
		return false
	}
}

// Sentinel exchange-facing errors reused by the exchange adapter and
// Executor retry classification ("bad price range", "insufficient
// balance", etc.).
var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrOrderRejected         = errors.New("order rejected")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrNetwork               = errors.New("network error")
	ErrInvalidSymbol         = errors.New("invalid symbol")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrOrderNotFound         = errors.New("order not found")
	ErrDuplicateOrder        = errors.New("duplicate order")
	ErrInvalidOrderParameter = errors.New("invalid order parameter")
	ErrSystemOverload        = errors.New("system overload")
	ErrExpired               = errors.New("order expired")
	ErrNonceExhausted        = errors.New("nonce manager: durable store unreachable")
	ErrEmergencyStopped      = errors.New("emergency stop is engaged")
)
