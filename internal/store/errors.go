package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

// ErrorCode categorizes local store failures.
type ErrorCode string

const (
	// ErrCodeNotFound indicates no row exists for the requested id.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrCodeQuotaExceeded indicates the database reached its size limit.
	ErrCodeQuotaExceeded ErrorCode = "QUOTA_EXCEEDED"

	// ErrCodeBlocked indicates another connection holds a conflicting lock.
	ErrCodeBlocked ErrorCode = "BLOCKED"

	// ErrCodeVersionConflict indicates the database was written by a newer
	// schema than this build understands.
	ErrCodeVersionConflict ErrorCode = "VERSION_CONFLICT"

	// ErrCodeUnavailable indicates the database cannot be opened or read.
	ErrCodeUnavailable ErrorCode = "UNAVAILABLE"

	// ErrCodeCorrupt indicates a stored row could not be decoded.
	ErrCodeCorrupt ErrorCode = "CORRUPT"
)

// Error is a classified local store failure.
type Error struct {
	Code ErrorCode
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func hasCode(err error, code ErrorCode) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// IsNotFound reports whether err is a missing-row error.
func IsNotFound(err error) bool { return hasCode(err, ErrCodeNotFound) }

// IsQuotaExceeded reports whether err was caused by the storage limit.
func IsQuotaExceeded(err error) bool { return hasCode(err, ErrCodeQuotaExceeded) }

// IsBlocked reports whether err was caused by lock contention.
func IsBlocked(err error) bool { return hasCode(err, ErrCodeBlocked) }

// IsVersionConflict reports whether the database schema is newer than ours.
func IsVersionConflict(err error) bool { return hasCode(err, ErrCodeVersionConflict) }

// IsUnavailable reports whether the database could not be used at all.
func IsUnavailable(err error) bool { return hasCode(err, ErrCodeUnavailable) }

// classify wraps err in an *Error. SQLite result codes decide the category;
// anything unrecognised is reported as unavailable.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, sql.ErrNoRows) {
		return &Error{Code: ErrCodeNotFound, Op: op, Err: err}
	}

	code := ErrCodeUnavailable
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.Code {
		case sqlite3.ErrFull:
			code = ErrCodeQuotaExceeded
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			code = ErrCodeBlocked
		}
	}
	return &Error{Code: code, Op: op, Err: err}
}

func notFound(op string, id int64) error {
	return &Error{Code: ErrCodeNotFound, Op: op, Err: fmt.Errorf("id %d", id)}
}
