// Copyright (C) 2025 Tiller ML (oss@tillerml.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import "time"

// Conversation is a persisted multi-turn exchange.
//
// # Description
//
// A Conversation is owned exclusively by the conversation store. The context
// manager and router read it by reference and never mutate it. The message
// sequence is append-only and strictly timestamp-nondecreasing; both
// invariants are enforced by the store, not by callers.
//
// # Lifecycle
//
// Created on the first message or an explicit create call, mutated only by
// message appends, deleted explicitly by the caller.
type Conversation struct {
	ID           string    `json:"id"`
	Title        string    `json:"title,omitempty"`
	DefaultModel string    `json:"default_model,omitempty"`
	Messages     []Message `json:"messages"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ConversationSummary is the listing view of a conversation, without the
// message payload.
type ConversationSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title,omitempty"`
	DefaultModel string    `json:"default_model,omitempty"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Summary returns the listing view of c.
func (c *Conversation) Summary() ConversationSummary {
	return ConversationSummary{
		ID:           c.ID,
		Title:        c.Title,
		DefaultModel: c.DefaultModel,
		MessageCount: len(c.Messages),
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
}
