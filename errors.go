// Package purgeable implements a user-space purgeable-memory region: an
// anonymous mapping whose backing pages the kernel may reclaim under
// memory pressure, paired with a user-extended page table (UXPT) that
// pins pages and detects reclamation, and a deterministic builder chain
// that rebuilds lost content exactly once even under concurrent readers.
package purgeable

import (
	"errors"
	"fmt"
)

// ErrorCode names one of the failure categories spec.md §7 defines. It is
// a semantic label, not a type identifier.
type ErrorCode string

const (
	// ErrCodeInvalidArgument covers a zero size or nil builder function
	// passed to Create, or an invalid Region passed to a session call.
	// AppendModify reports its failures as a false return, not an Error.
	ErrCodeInvalidArgument ErrorCode = "invalid argument"

	// ErrCodeMmapPurgFail means the data mapping could not be obtained.
	ErrCodeMmapPurgFail ErrorCode = "mmap purgeable data failed"

	// ErrCodeMmapUxptFail means the UXPT companion mapping could not be
	// obtained.
	ErrCodeMmapUxptFail ErrorCode = "mmap uxpt failed"

	// ErrCodeUnmapPurgFail means the data unmap syscall failed.
	ErrCodeUnmapPurgFail ErrorCode = "unmap purgeable data failed"

	// ErrCodeUnmapUxptFail means the UXPT unmap syscall failed.
	ErrCodeUnmapUxptFail ErrorCode = "unmap uxpt failed"

	// ErrCodeLockReadFail means the read lock could not be acquired.
	ErrCodeLockReadFail ErrorCode = "read lock acquire failed"

	// ErrCodeLockWriteFail means the write lock could not be acquired.
	ErrCodeLockWriteFail ErrorCode = "write lock acquire failed"

	// ErrCodeUnlockReadFail means the read lock could not be released.
	ErrCodeUnlockReadFail ErrorCode = "read lock release failed"

	// ErrCodeUnlockWriteFail means the write lock could not be released.
	ErrCodeUnlockWriteFail ErrorCode = "write lock release failed"

	// ErrCodeBuildAllFail means the builder chain returned false during a
	// rebuild.
	ErrCodeBuildAllFail ErrorCode = "builder chain rebuild failed"

	// ErrCodeBuilderDestroyFail means the builder chain failed to tear
	// down during Destroy.
	ErrCodeBuilderDestroyFail ErrorCode = "builder chain teardown failed"

	// ErrCodeUxptOutRange means an address/length pair fell outside the
	// UXPT table's covered range.
	ErrCodeUxptOutRange ErrorCode = "uxpt address out of range"

	// ErrCodeUxptNotPresent means at least one covered page is missing.
	ErrCodeUxptNotPresent ErrorCode = "uxpt page not present"
)

// Error is a structured purgeable-memory error: an operation name, a
// semantic code, and the underlying cause if any. Modeled on the
// teacher's own *Error type (errors.go in the ehrlich-b/go-ublk package
// this module was adapted from).
type Error struct {
	Op    string    // operation that failed ("Create", "BeginRead", ...)
	Code  ErrorCode // high-level error category
	Msg   string    // human-readable message
	Inner error     // wrapped cause, if any
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Op != "" {
		return fmt.Sprintf("purgeable: %s (op=%s)", msg, e.Op)
	}
	return fmt.Sprintf("purgeable: %s", msg)
}

// Unwrap returns the wrapped cause, for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is supports errors.Is comparison by error code.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// NewError creates a structured error with the given operation, code, and
// message.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// WrapError wraps an existing error under the given operation and code.
// It returns nil if inner is nil, so callers can write
// `return WrapError(op, code, err)` directly in an error-propagating path.
func WrapError(op string, code ErrorCode, inner error) *Error {
	if inner == nil {
		return nil
	}
	return &Error{Op: op, Code: code, Msg: inner.Error(), Inner: inner}
}

// IsCode reports whether err is a *Error with the given code.
func IsCode(err error, code ErrorCode) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code == code
	}
	return false
}
