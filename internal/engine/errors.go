package engine

import (
	"errors"
	"fmt"

	"github.com/reliefops/fieldsync/internal/conflict"
)

// NetworkError wraps a transport-level failure. Always retryable up to
// the item's retry budget.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %v", e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ServerError wraps a 5xx response. Retried with the same policy as
// network errors.
type ServerError struct {
	StatusCode int
	Err        error
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error (%d): %v", e.StatusCode, e.Err)
}

func (e *ServerError) Unwrap() error {
	return e.Err
}

// ValidationError wraps a 4xx rejection. Never retried automatically;
// the payload needs manual editing.
type ValidationError struct {
	StatusCode int
	Err        error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error (%d): %v", e.StatusCode, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// ConflictError carries HIGH-severity conflicts that block automatic
// confirmation. The item stays pending until a human overrides or rejects.
type ConflictError struct {
	Records []conflict.Record
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict requires review: %d record(s)", len(e.Records))
}

// ExhaustedRetriesError is terminal: the item and its update are failed
// and only explicit user action clears them.
type ExhaustedRetriesError struct {
	ItemID   string
	Attempts int
	Err      error
}

func (e *ExhaustedRetriesError) Error() string {
	return fmt.Sprintf("retries exhausted for %s after %d attempts: %v", e.ItemID, e.Attempts, e.Err)
}

func (e *ExhaustedRetriesError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the error class permits another automatic
// attempt.
func Retryable(err error) bool {
	var networkErr *NetworkError
	var serverErr *ServerError
	return errors.As(err, &networkErr) || errors.As(err, &serverErr)
}
