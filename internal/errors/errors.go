// Package errors provides the structured error type used across the
// ingestion pipeline, with a category taxonomy that drives retry and
// feed-health decisions.
package errors

import (
	"errors"
	"fmt"
)

// Category classifies an error for propagation policy decisions.
type Category string

const (
	// CategoryFetch is a network-level failure: connect error, timeout,
	// or a 5xx response. Retried on the next scheduled cycle.
	CategoryFetch Category = "fetch"
	// CategoryParse is a malformed feed document or recipe entry. Entry
	// parse failures are skipped; feed parse failures count against the
	// feed's health.
	CategoryParse Category = "parse"
	// CategoryStorage is a record-store failure. Aborts the current
	// feed's cycle without touching committed state.
	CategoryStorage Category = "storage"
	// CategoryIndex is a search-index write failure. The record store
	// remains the source of truth; rebuild is the recovery path.
	CategoryIndex Category = "index"
	// CategoryConfig is a configuration or startup failure. Fatal.
	CategoryConfig Category = "config"
)

// Error is a categorized error with an optional wrapped cause.
type Error struct {
	Category  Category
	Message   string
	Retryable bool
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a categorized error.
func New(category Category, message string) *Error {
	return &Error{Category: category, Message: message, Retryable: category == CategoryFetch}
}

// Wrap creates a categorized error around a cause.
func Wrap(category Category, message string, cause error) *Error {
	return &Error{Category: category, Message: message, Cause: cause, Retryable: category == CategoryFetch}
}

// Fetchf creates a retryable fetch error.
func Fetchf(format string, args ...any) *Error {
	return &Error{Category: CategoryFetch, Message: fmt.Sprintf(format, args...), Retryable: true}
}

// NotRetryable marks the error permanent and returns it.
func (e *Error) NotRetryable() *Error {
	e.Retryable = false
	return e
}

// CategoryOf returns the category of err, or "" if err carries none.
func CategoryOf(err error) Category {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return ""
}

// IsRetryable reports whether err should be retried on the next cycle.
// Uncategorized errors default to retryable so that transient conditions
// from lower layers are not silently made permanent.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return err != nil
}
