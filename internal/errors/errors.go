// Package errors provides consolidated error definitions for the collector.
//
// This package provides:
// - HTTP status codes for API error responses
// - Sentinel errors for all error conditions
// - Error category checking functions
// - Error wrapping utilities
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ============================================================================
// Sentinel errors for common conditions
// ============================================================================

var (
	// Not found errors
	ErrNotFound        = errors.New("not found")
	ErrSessionNotFound = errors.New("session not found")
	ErrArrayNotFound   = errors.New("array not found")
	ErrNoRecentData    = errors.New("no recent data available")

	// Validation rejections. These are recovered locally: a rejected frame
	// is counted and dropped, never surfaced as a request failure.
	ErrMissingField     = errors.New("missing field")
	ErrGridSizeMismatch = errors.New("grid size mismatch")
	ErrVelocityTooHigh  = errors.New("velocity exceeds maximum")
	ErrRadiusOutOfRange = errors.New("game radius out of range")
	ErrNegativeDistance = errors.New("negative distance to border")
	ErrMissingSessionID = errors.New("missing sessionId")
	ErrMalformedPayload = errors.New("malformed payload")

	// State errors
	ErrSessionFinalized  = errors.New("session is finalized")
	ErrInvalidTransition = errors.New("invalid state transition")

	// Storage errors
	ErrStorageWrite   = errors.New("storage write failed")
	ErrSchemaMismatch = errors.New("store schema mismatch")
	ErrShortRead      = errors.New("short read")
	ErrCorruptChunk   = errors.New("corrupt chunk")
	ErrRowRange       = errors.New("row range out of bounds")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// New is a convenience wrapper for errors.New
var New = errors.New

// IsNotFound returns true if err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrSessionNotFound) ||
		errors.Is(err, ErrArrayNotFound) ||
		errors.Is(err, ErrNoRecentData)
}

// IsRejection returns true if err is a frame validation rejection.
func IsRejection(err error) bool {
	return errors.Is(err, ErrMissingField) ||
		errors.Is(err, ErrGridSizeMismatch) ||
		errors.Is(err, ErrVelocityTooHigh) ||
		errors.Is(err, ErrRadiusOutOfRange) ||
		errors.Is(err, ErrNegativeDistance) ||
		errors.Is(err, ErrMalformedPayload)
}

// IsStorage returns true if err is a storage failure. Storage failures are
// surfaced to flush/finalize callers; buffered frames are kept for retry.
func IsStorage(err error) bool {
	return errors.Is(err, ErrStorageWrite) ||
		errors.Is(err, ErrSchemaMismatch) ||
		errors.Is(err, ErrShortRead) ||
		errors.Is(err, ErrCorruptChunk) ||
		errors.Is(err, ErrRowRange)
}

// IsStateError returns true if err is a state-related error.
func IsStateError(err error) bool {
	return errors.Is(err, ErrSessionFinalized) ||
		errors.Is(err, ErrInvalidTransition)
}

// ============================================================================
// Error to HTTP status mapping
// ============================================================================

// HTTPStatus maps a sentinel error to an HTTP status code for API responses.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsNotFound(err):
		return http.StatusNotFound
	case Is(err, ErrMissingSessionID), IsRejection(err):
		return http.StatusBadRequest
	case IsStorage(err):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
// Returns nil if err is nil.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf wraps an error with formatted context.
// Returns nil if err is nil.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}
