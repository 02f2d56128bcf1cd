// Package apperror defines the structured errors returned by the ledger and
// order engine, and how the HTTP layer reports them.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure. Kinds are stable and safe to expose to clients.
type Kind string

const (
	KindInsufficientFunds      Kind = "insufficient_funds"
	KindInvalidAmount          Kind = "invalid_amount"
	KindInvalidStateTransition Kind = "invalid_state_transition"
	KindNotAuthorized          Kind = "not_authorized"
	KindListingUnavailable     Kind = "listing_unavailable"
	KindVoucherInvalid         Kind = "voucher_invalid"
	KindInvalidCharge          Kind = "invalid_charge"
	KindNotFound               Kind = "not_found"
	KindInvalidRequest         Kind = "invalid_request"
)

// Sentinels for errors.Is. Any *Error of the same kind matches.
var (
	ErrInsufficientFunds      = &Error{Kind: KindInsufficientFunds, Message: "insufficient funds"}
	ErrInvalidAmount          = &Error{Kind: KindInvalidAmount, Message: "invalid amount"}
	ErrInvalidStateTransition = &Error{Kind: KindInvalidStateTransition, Message: "invalid state transition"}
	ErrNotAuthorized          = &Error{Kind: KindNotAuthorized, Message: "not authorized"}
	ErrListingUnavailable     = &Error{Kind: KindListingUnavailable, Message: "listing unavailable"}
	ErrVoucherInvalid         = &Error{Kind: KindVoucherInvalid, Message: "voucher invalid"}
	ErrInvalidCharge          = &Error{Kind: KindInvalidCharge, Message: "invalid charge"}
	ErrNotFound               = &Error{Kind: KindNotFound, Message: "not found"}
	ErrInvalidRequest         = &Error{Kind: KindInvalidRequest, Message: "invalid request"}
)

// Error is a classified failure carrying the id of the order or withdrawal
// that caused it.
type Error struct {
	Kind          Kind
	Message       string
	CorrelationID string
	// Reason is a sub-code, e.g. "expired" for KindVoucherInvalid.
	Reason string
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Kind) + ": " + e.Message
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	if e.CorrelationID != "" {
		msg += " [" + e.CorrelationID + "]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind so callers can compare against the package sentinels.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// New creates an error of the given kind.
func New(kind Kind, correlationID, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), CorrelationID: correlationID}
}

// WithReason creates an error with a sub-reason code.
func WithReason(kind Kind, correlationID, reason, message string) *Error {
	return &Error{Kind: kind, Message: message, CorrelationID: correlationID, Reason: reason}
}

// Wrap attaches a kind to an underlying cause.
func Wrap(err error, kind Kind, correlationID, message string) *Error {
	return &Error{Kind: kind, Message: message, CorrelationID: correlationID, Err: err}
}

// Correlate attaches correlationID to a classified error that has none.
// Other errors are returned unchanged.
func Correlate(err error, correlationID string) error {
	var e *Error
	if !errors.As(err, &e) || e.CorrelationID != "" {
		return err
	}
	cp := *e
	cp.CorrelationID = correlationID
	return &cp
}

// KindOf returns the kind of err, or "" when err is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// ReasonOf returns the sub-reason of a classified error.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// HTTPStatus maps an error to a response status. Unclassified errors are 500.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInsufficientFunds, KindVoucherInvalid, KindInvalidCharge:
		return http.StatusUnprocessableEntity
	case KindInvalidStateTransition, KindListingUnavailable:
		return http.StatusConflict
	case KindNotAuthorized:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidAmount, KindInvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Code returns the stable client error code for err.
func Code(err error) string {
	if k := KindOf(err); k != "" {
		return string(k)
	}
	return "internal_error"
}
