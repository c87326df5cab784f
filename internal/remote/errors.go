package remote

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes remote store failures.
type ErrorCode string

const (
	// ErrCodeNotFound indicates no row exists for the id.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrCodeUnreachable indicates a network, timeout or server-side
	// failure. The operation may succeed if retried later.
	ErrCodeUnreachable ErrorCode = "UNREACHABLE"

	// ErrCodeRejected indicates the server refused the request
	// (authentication, row security, constraint). Retrying will not help.
	ErrCodeRejected ErrorCode = "REJECTED"

	// ErrCodeDraftNotAllowed indicates an attempt to send a draft.
	ErrCodeDraftNotAllowed ErrorCode = "DRAFT_NOT_ALLOWED"
)

// Error is a classified remote failure.
type Error struct {
	Code   ErrorCode
	Op     string
	Status int
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("remote %s: %s", e.Op, e.Code)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func hasCode(err error, code ErrorCode) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// IsNotFound reports whether err is a missing-row error.
func IsNotFound(err error) bool { return hasCode(err, ErrCodeNotFound) }

// IsUnreachable reports whether err is a transient connectivity failure.
func IsUnreachable(err error) bool { return hasCode(err, ErrCodeUnreachable) }

// IsRejected reports whether the server refused the request.
func IsRejected(err error) bool { return hasCode(err, ErrCodeRejected) }

// IsDraftNotAllowed reports whether err came from sending a draft.
func IsDraftNotAllowed(err error) bool { return hasCode(err, ErrCodeDraftNotAllowed) }

// wrap classifies an error returned by a Backend. Unclassified errors,
// including timeouts, are treated as unreachable.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var re *Error
	if errors.As(err, &re) {
		if re.Op == "" {
			re.Op = op
		}
		return re
	}
	return &Error{Code: ErrCodeUnreachable, Op: op, Err: err}
}
