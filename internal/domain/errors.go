package domain

import (
	"errors"
	"fmt"
)

// Error codes returned by Code.
const (
	CodeNotFound         = "not_found"
	CodeValidation       = "validation"
	CodePublish          = "publish_failed"
	CodeInsufficientData = "insufficient_data"
	CodeModelFailure     = "model_failure"
	CodeInternal         = "internal"
)

// NotFoundError reports a missing entity.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %q not found", e.Kind, e.ID) }
func (e *NotFoundError) Code() string  { return CodeNotFound }

// NotFound builds a *NotFoundError.
func NotFound(kind, id string) error { return &NotFoundError{Kind: kind, ID: id} }

// ValidationError reports rejected input before any side effect.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
func (e *ValidationError) Code() string { return CodeValidation }

// Invalid builds a *ValidationError.
func Invalid(field, reason string) error { return &ValidationError{Field: field, Reason: reason} }

// PublishError wraps a per-platform publishing failure.
type PublishError struct {
	Platform string
	Err      error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to %s: %v", e.Platform, e.Err)
}
func (e *PublishError) Unwrap() error { return e.Err }
func (e *PublishError) Code() string  { return CodePublish }

// InsufficientDataError means a model had too few samples; callers fall back.
type InsufficientDataError struct {
	Have int
	Need int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data: have %d samples, need %d", e.Have, e.Need)
}
func (e *InsufficientDataError) Code() string { return CodeInsufficientData }

// ModelFailure means a statistical model failed to fit; callers fall back.
type ModelFailure struct {
	Err error
}

func (e *ModelFailure) Error() string { return "model failure: " + e.Err.Error() }
func (e *ModelFailure) Unwrap() error { return e.Err }
func (e *ModelFailure) Code() string  { return CodeModelFailure }

type coded interface{ Code() string }

// Code returns the stable error code of err, or CodeInternal.
func Code(err error) string {
	if err == nil {
		return ""
	}
	var c coded
	if errors.As(err, &c) {
		return c.Code()
	}
	return CodeInternal
}

func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

func IsValidation(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}

// IsFallback reports whether err should trigger a default-value fallback.
func IsFallback(err error) bool {
	var ide *InsufficientDataError
	var mf *ModelFailure
	return errors.As(err, &ide) || errors.As(err, &mf)
}
