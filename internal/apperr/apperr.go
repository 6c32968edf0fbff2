// Package apperr defines the error kinds shared across the repository core.
// Callers classify failures with errors.Is against the sentinel kinds; the
// HTTP layer maps each kind to a response status.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrPermission indicates the caller lacks a capability or the account is
	// not functional. Surfaced to the caller, never retried.
	ErrPermission = errors.New("permission denied")
	// ErrNotFound indicates an absent petition, registration key, service or
	// account.
	ErrNotFound = errors.New("not found")
	// ErrDataMissing indicates a malformed or incomplete wire payload; the
	// whole request is rejected.
	ErrDataMissing = errors.New("data missing")
	// ErrStorage indicates a durability failure. Fatal to the current
	// operation, never to already-sealed state.
	ErrStorage = errors.New("storage failure")
)

// Permissionf wraps ErrPermission with context.
func Permissionf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPermission, fmt.Sprintf(format, args...))
}

// NotFoundf wraps ErrNotFound with context.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// DataMissingf wraps ErrDataMissing with context.
func DataMissingf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrDataMissing, fmt.Sprintf(format, args...))
}

// Storagef wraps ErrStorage with context.
func Storagef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrStorage, fmt.Sprintf(format, args...))
}
