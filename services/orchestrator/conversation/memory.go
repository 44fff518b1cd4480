// Copyright (C) 2025 Tiller ML (oss@tillerml.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package conversation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tillerml/tiller/services/orchestrator/datatypes"
)

// MemoryStore is an in-memory Store for tests and ephemeral deployments.
// Safe for concurrent use.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*datatypes.Conversation
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{conversations: make(map[string]*datatypes.Conversation)}
}

func (s *MemoryStore) Create(ctx context.Context, title, defaultModel string) (string, error) {
	now := time.Now()
	conv := &datatypes.Conversation{
		ID:           uuid.NewString(),
		Title:        title,
		DefaultModel: defaultModel,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.mu.Lock()
	s.conversations[conv.ID] = conv
	s.mu.Unlock()
	return conv.ID, nil
}

func (s *MemoryStore) Append(ctx context.Context, id string, msg datatypes.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return ErrNotFound
	}
	var prev time.Time
	if n := len(conv.Messages); n > 0 {
		prev = conv.Messages[n-1].Timestamp
	}
	stampMessage(&msg, prev)
	conv.Messages = append(conv.Messages, msg)
	conv.UpdatedAt = msg.Timestamp
	return nil
}

func (s *MemoryStore) History(ctx context.Context, id string) ([]datatypes.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]datatypes.Message, len(conv.Messages))
	copy(out, conv.Messages)
	return out, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*datatypes.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *conv
	cp.Messages = make([]datatypes.Message, len(conv.Messages))
	copy(cp.Messages, conv.Messages)
	return &cp, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]datatypes.ConversationSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]datatypes.ConversationSummary, 0, len(s.conversations))
	for _, conv := range s.conversations {
		out = append(out, conv.Summary())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[id]; !ok {
		return ErrNotFound
	}
	delete(s.conversations, id)
	return nil
}
