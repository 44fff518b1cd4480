// Copyright (C) 2025 Tiller ML (oss@tillerml.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package conversation persists multi-turn conversation state.
//
// The Store contract is the only thing the orchestration engine depends on;
// implementations here are an in-memory store (tests, ephemeral deployments)
// and a BadgerDB-backed store (persistent local deployments).
package conversation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tillerml/tiller/services/orchestrator/datatypes"
)

// ErrNotFound is returned for operations on unknown conversation ids.
var ErrNotFound = errors.New("conversation not found")

// Store is the conversation persistence contract.
//
// # Description
//
// Each method is atomic with respect to a single conversation id. The store
// owns the Conversation entity exclusively: callers get copies and never a
// live reference. Appends are the only mutation; the store stamps missing
// timestamps and clamps them so the message sequence stays
// timestamp-nondecreasing even under clock skew.
type Store interface {
	// Create starts a new conversation and returns its id.
	Create(ctx context.Context, title, defaultModel string) (string, error)

	// Append adds one message to the conversation.
	Append(ctx context.Context, id string, msg datatypes.Message) error

	// History returns the ordered message sequence.
	History(ctx context.Context, id string) ([]datatypes.Message, error)

	// Get returns the full conversation entity.
	Get(ctx context.Context, id string) (*datatypes.Conversation, error)

	// List returns summaries of all conversations, most recently updated
	// first.
	List(ctx context.Context) ([]datatypes.ConversationSummary, error)

	// Delete removes the conversation.
	Delete(ctx context.Context, id string) error
}

// stampMessage fills a zero timestamp and enforces nondecreasing order
// against the previous message.
func stampMessage(msg *datatypes.Message, prev time.Time) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if msg.Timestamp.Before(prev) {
		msg.Timestamp = prev
	}
}

// =============================================================================
// Keyed Mutex
// =============================================================================

// KeyedMutex serializes work per conversation id. Requests against the same
// conversation must order their appends; requests against different
// conversations never contend. Entries are reference-counted and dropped on
// the last unlock, so the table stays bounded by the number of in-flight
// requests rather than the number of conversation ids ever seen.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock acquires the mutex for key, creating it on first use.
func (k *KeyedMutex) Lock(key string) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()
	l.mu.Lock()
}

// Unlock releases the mutex for key, evicting the entry when no other
// holder or waiter remains. Panics if Lock was not called first, matching
// sync.Mutex semantics.
func (k *KeyedMutex) Unlock(key string) {
	k.mu.Lock()
	l := k.locks[key]
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
	l.mu.Unlock()
}
