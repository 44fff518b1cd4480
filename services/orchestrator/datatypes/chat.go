// Copyright (C) 2025 Tiller ML (oss@tillerml.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides data structures shared across the orchestration
// engine.
//
// This file contains generation request and result types. Conversation
// entities live in conversation.go, backend/download types in models.go,
// and ensemble types in ensemble.go.
package datatypes

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Validation
// =============================================================================

var (
	chatValidateOnce sync.Once
	chatValidate     *validator.Validate
)

// validate returns the shared validator instance for datatypes.
func validate() *validator.Validate {
	chatValidateOnce.Do(func() {
		chatValidate = validator.New()
	})
	return chatValidate
}

// =============================================================================
// Messages
// =============================================================================

// Message roles. The sequence of roles in a conversation is unconstrained,
// but the store only ever appends; it never edits a message in place.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is a single conversation entry.
//
// # Description
//
// Messages are immutable once appended to a conversation. A correction is a
// new message that supersedes an earlier one, never an in-place edit.
//
// # Fields
//
//   - Role: One of RoleUser, RoleAssistant, RoleSystem.
//   - Content: The message text.
//   - Timestamp: Append time. The store guarantees timestamps are
//     nondecreasing within one conversation.
//   - Partial: True when the content is the prefix of a generation that was
//     cancelled mid-stream. Partial output is persisted, never discarded.
type Message struct {
	Role      string    `json:"role" validate:"required,oneof=user assistant system"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Partial   bool      `json:"partial,omitempty"`
}

// =============================================================================
// Generation Request / Result
// =============================================================================

// GenerationRequest describes one generation call.
//
// # Description
//
// A GenerationRequest is immutable once constructed; one instance per call.
// Model may be empty, in which case the router selects one. Backend may be
// set to pin a specific adapter; resolution then prefers it over the
// configured priority order.
//
// # Limitations
//
//   - Temperature semantics are backend-defined; the engine passes it through.
type GenerationRequest struct {
	Prompt         string   `json:"prompt" validate:"required"`
	Model          string   `json:"model,omitempty"`
	Backend        string   `json:"backend,omitempty"`
	Temperature    *float32 `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	System         string   `json:"system,omitempty"`
	ConversationID string   `json:"conversation_id,omitempty"`
	Stream         bool     `json:"stream,omitempty"`

	// Unrestricted asks the backend to skip its default safety guidance
	// for this call. Backends without a guardrail layer ignore it.
	Unrestricted bool `json:"unrestricted,omitempty"`
}

// Validate checks the request against its declared constraints.
func (r *GenerationRequest) Validate() error {
	if err := validate().Struct(r); err != nil {
		return fmt.Errorf("invalid generation request: %w", err)
	}
	return nil
}

// TokenUsage carries backend-reported token counters. All fields are
// optional; backends that do not report usage leave the struct nil.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// GenerationResult is the outcome of exactly one adapter invocation.
//
// # Description
//
// The Backend/Model pair always names an adapter the registry reported as
// available at dispatch time. Usage is nil when the backend does not report
// token counters.
type GenerationResult struct {
	Text      string        `json:"text"`
	Usage     *TokenUsage   `json:"usage,omitempty"`
	Latency   time.Duration `json:"-"`
	LatencyMs int64         `json:"latency_ms"`
	Backend   string        `json:"backend"`
	Model     string        `json:"model"`
}

// SetLatency records the wall-clock latency in both forms.
func (r *GenerationResult) SetLatency(d time.Duration) {
	r.Latency = d
	r.LatencyMs = d.Milliseconds()
}
