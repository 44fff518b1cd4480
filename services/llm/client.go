// Copyright (C) 2025 Tiller ML (oss@tillerml.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm provides backend adapters for heterogeneous text-generation
// engines and API providers.
//
// Every adapter implements the Backend interface and surfaces failures
// through the BackendError taxonomy in errors.go. The orchestration layer
// above never sees a provider's wire protocol or native error shape.
package llm

import (
	"context"

	"github.com/tillerml/tiller/services/orchestrator/datatypes"
)

// GenerationParams carries the sampling knobs passed through to a backend.
// Nil fields mean "use the backend's default".
type GenerationParams struct {
	Temperature *float32 `json:"temperature,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`
	TopP        *float32 `json:"top_p,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Stop        []string `json:"stop,omitempty"`

	// KeepAlive controls local engine model residency ("-1" = pinned).
	// Ignored by remote backends.
	KeepAlive string `json:"keep_alive,omitempty"`

	// Unrestricted skips the backend's default safety guidance for this
	// call. Backends without a guardrail layer ignore it.
	Unrestricted bool `json:"unrestricted,omitempty"`
}

// =============================================================================
// Streaming
// =============================================================================

// StreamEventType discriminates streaming callback events.
type StreamEventType string

const (
	// StreamEventToken carries one generated text chunk.
	StreamEventToken StreamEventType = "token"

	// StreamEventDone is the terminal marker, emitted exactly once after the
	// last token. Distinct from chunks so the pipeline detects completion
	// unambiguously.
	StreamEventDone StreamEventType = "done"
)

// StreamEvent is one event in a backend's chunk stream.
type StreamEvent struct {
	Type    StreamEventType
	Content string
	Usage   *datatypes.TokenUsage // set on done when the backend reports usage
}

// StreamCallback receives stream events in backend emission order.
// Returning a non-nil error aborts the stream; the adapter must stop
// consuming upstream promptly and release the connection.
type StreamCallback func(event StreamEvent) error

// ProgressFunc receives download progress reports. pct is a percentage in
// [0,100]; adapters may report a coarse or repeated value, the tracker
// clamps and makes it monotonic.
type ProgressFunc func(pct float64, message string)

// =============================================================================
// Backend Contract
// =============================================================================

// Backend is the uniform capability contract every adapter implements.
//
// # Description
//
// Adapters are constructed once from configuration and are safe for
// concurrent use. Long calls honor ctx cancellation; an adapter that ignores
// cancellation is a contract violation caught in testing.
//
// # Thread Safety
//
// All methods must be safe for concurrent use.
type Backend interface {
	// Name returns the configured backend name (registry key).
	Name() string

	// Info returns the capability descriptor. It must not block beyond a
	// short, bounded probe; availability failures surface as
	// Available=false, never as an error.
	Info(ctx context.Context) datatypes.BackendInfo

	// IsAvailable is a cheap liveness/config check. Must not panic;
	// failures are reported as false.
	IsAvailable(ctx context.Context) bool

	// ListModels returns the served model ids. May be empty. Must respect
	// ctx deadlines and never block indefinitely.
	ListModels(ctx context.Context) ([]string, error)

	// Generate produces a whole response for a single prompt.
	Generate(ctx context.Context, model, prompt string, params GenerationParams) (*datatypes.GenerationResult, error)

	// Chat produces a whole response for a message history.
	Chat(ctx context.Context, model string, messages []datatypes.Message, params GenerationParams) (*datatypes.GenerationResult, error)

	// ChatStream streams a response chunk by chunk through callback. The
	// stream is finite, not restartable, and ends with exactly one
	// StreamEventDone unless an error or cancellation occurred first.
	ChatStream(ctx context.Context, model string, messages []datatypes.Message, params GenerationParams, callback StreamCallback) error

	// PullModel acquires a model, reporting progress through the sink.
	// Blocks until the download finishes or ctx is cancelled. Adapters
	// without acquisition capability return a KindUnsupported BackendError
	// immediately; this is distinct from a failed download.
	PullModel(ctx context.Context, model string, progress ProgressFunc) error
}

// Warmer is implemented by local backends that can pre-load a model into
// memory ahead of the first real request.
type Warmer interface {
	Warm(ctx context.Context, model string) error
}
