// Copyright (C) 2025 Tiller ML (oss@tillerml.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// Failure Taxonomy
// =============================================================================

// ErrorKind classifies backend failures. The orchestration layer never
// inspects a provider's native error shape; it reasons only over these kinds.
type ErrorKind string

const (
	// KindUnavailable means the backend cannot be reached or authenticated.
	KindUnavailable ErrorKind = "unavailable"

	// KindModelNotFound means the backend does not serve the requested model.
	KindModelNotFound ErrorKind = "model_not_found"

	// KindRateLimited means the provider throttled the call. Retryable;
	// carries a retry-after hint when the provider supplied one.
	KindRateLimited ErrorKind = "rate_limited"

	// KindTimeout means the call exceeded its deadline. Retryable.
	KindTimeout ErrorKind = "timeout"

	// KindGenerationFailed is the catch-all for provider-side errors. Not
	// retried automatically.
	KindGenerationFailed ErrorKind = "generation_failed"

	// KindUnsupported means the adapter lacks the requested capability
	// (e.g. model acquisition on a pure API backend). Distinct from a
	// failed download.
	KindUnsupported ErrorKind = "unsupported_operation"
)

// BackendError is the uniform error surfaced by every adapter.
//
// # Description
//
// Carries the taxonomy kind, the backend that produced it, a human-readable
// message, and for KindRateLimited an optional retry-after hint. Wraps the
// provider error for debugging; callers branch on Kind, never on the
// wrapped error's type.
type BackendError struct {
	Kind       ErrorKind
	Backend    string
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *BackendError) Error() string {
	if e.Backend != "" {
		return fmt.Sprintf("%s: %s: %s", e.Backend, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the consuming shell may retry automatically.
func (e *BackendError) Retryable() bool {
	return e.Kind == KindRateLimited || e.Kind == KindTimeout
}

// =============================================================================
// Constructors
// =============================================================================

// Errf builds a BackendError of the given kind with a formatted message.
func Errf(kind ErrorKind, backend string, format string, args ...any) *BackendError {
	return &BackendError{Kind: kind, Backend: backend, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a BackendError of the given kind around a provider error.
func Wrap(kind ErrorKind, backend string, err error, message string) *BackendError {
	return &BackendError{Kind: kind, Backend: backend, Message: message, Err: err}
}

// RateLimited builds a KindRateLimited error with a retry-after hint.
// Pass zero when the provider gave no hint.
func RateLimited(backend string, retryAfter time.Duration, err error) *BackendError {
	msg := "rate limited"
	if retryAfter > 0 {
		msg = fmt.Sprintf("rate limited, retry after %s", retryAfter)
	}
	return &BackendError{
		Kind:       KindRateLimited,
		Backend:    backend,
		Message:    msg,
		RetryAfter: retryAfter,
		Err:        err,
	}
}

// =============================================================================
// Inspection
// =============================================================================

// KindOf extracts the taxonomy kind from err, unwrapping as needed.
// Returns KindGenerationFailed for errors that are not BackendErrors, so the
// caller always has a kind to report.
func KindOf(err error) ErrorKind {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindGenerationFailed
}

// IsKind reports whether err carries the given taxonomy kind.
func IsKind(err error, kind ErrorKind) bool {
	var be *BackendError
	return errors.As(err, &be) && be.Kind == kind
}

// RetryAfterHint extracts the retry-after hint, or zero.
func RetryAfterHint(err error) time.Duration {
	var be *BackendError
	if errors.As(err, &be) {
		return be.RetryAfter
	}
	return 0
}
