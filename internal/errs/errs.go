// Package errs centralizes the rejection-category taxonomy shared by the
// ingress and worker roles so a single typed error can drive both the
// HTTP status mapping (C9) and the DLQ rejection record (C8).
package errs

import (
	"errors"
	"fmt"
)

// Category classifies why a webhook was rejected or a processing attempt
// failed. It is a kind, not a Go type hierarchy: every failure mode in the
// system maps to exactly one Category.
type Category string

const (
	CategoryValidation       Category = "VALIDATION_FAILURE"
	CategoryProcessing       Category = "PROCESSING_FAILURE"
	CategoryTimeout          Category = "TIMEOUT_FAILURE"
	CategoryUnrecoverable    Category = "UNRECOVERABLE_ERROR"
	CategoryRateLimited      Category = "RATE_LIMIT_EXCEEDED"
	CategoryOther            Category = "OTHER"
)

// CategorizedError wraps an underlying error with a rejection Category so
// callers can recover routing decisions with errors.As instead of string
// matching.
type CategorizedError struct {
	Category Category
	Err      error
}

func (e *CategorizedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Category, e.Err)
}

func (e *CategorizedError) Unwrap() error { return e.Err }

// New wraps err with category.
func New(category Category, err error) *CategorizedError {
	return &CategorizedError{Category: category, Err: err}
}

// Newf builds a CategorizedError from a format string.
func Newf(category Category, format string, args ...any) *CategorizedError {
	return &CategorizedError{Category: category, Err: fmt.Errorf(format, args...)}
}

// NewfWithStatus builds a CategorizedError pinned to an explicit HTTP
// status, recoverable via StatusOf.
func NewfWithStatus(category Category, status int, format string, args ...any) *CategorizedError {
	return &CategorizedError{Category: category, Err: WithStatus(status, fmt.Errorf(format, args...))}
}

// CategoryOf returns the Category carried by err if it (or something it
// wraps) is a *CategorizedError, otherwise CategoryOther.
func CategoryOf(err error) Category {
	var ce *CategorizedError
	if errors.As(err, &ce) {
		return ce.Category
	}
	return CategoryOther
}

// StatusError pins a specific HTTP status to an error, for the handful of
// validation failures spec §4.1/§6.1 distinguish beyond a single category
// (400 vs 413 vs 415 vs 403 are all CategoryValidation).
type StatusError struct {
	Status int
	Err    error
}

func (e *StatusError) Error() string { return e.Err.Error() }
func (e *StatusError) Unwrap() error { return e.Err }

// WithStatus wraps err with an explicit HTTP status hint.
func WithStatus(status int, err error) error {
	return &StatusError{Status: status, Err: err}
}

// StatusOf returns the HTTP status pinned to err via WithStatus, and
// whether one was present.
func StatusOf(err error) (int, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status, true
	}
	return 0, false
}
