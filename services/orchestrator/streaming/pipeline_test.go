// Copyright (C) 2025 Tiller ML (oss@tillerml.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package streaming

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tillerml/tiller/services/llm"
	"github.com/tillerml/tiller/services/orchestrator/conversation"
	"github.com/tillerml/tiller/services/orchestrator/datatypes"
)

// streamScript drives a fake backend's ChatStream: it emits the scripted
// events, then returns finalErr.
type streamScript struct {
	tokens   []string
	withDone bool
	usage    *datatypes.TokenUsage
	finalErr error
}

type scriptedStreamBackend struct {
	script streamScript
}

func (s *scriptedStreamBackend) Name() string { return "scripted" }

func (s *scriptedStreamBackend) Info(ctx context.Context) datatypes.BackendInfo {
	return datatypes.BackendInfo{Name: "scripted", Kind: datatypes.KindLocal, Available: true}
}

func (s *scriptedStreamBackend) IsAvailable(ctx context.Context) bool { return true }

func (s *scriptedStreamBackend) ListModels(ctx context.Context) ([]string, error) { return nil, nil }

func (s *scriptedStreamBackend) Generate(ctx context.Context, model, prompt string,
	params llm.GenerationParams) (*datatypes.GenerationResult, error) {
	return nil, llm.Errf(llm.KindUnsupported, "scripted", "generate not scripted")
}

func (s *scriptedStreamBackend) Chat(ctx context.Context, model string, messages []datatypes.Message,
	params llm.GenerationParams) (*datatypes.GenerationResult, error) {
	return nil, llm.Errf(llm.KindUnsupported, "scripted", "chat not scripted")
}

func (s *scriptedStreamBackend) ChatStream(ctx context.Context, model string, messages []datatypes.Message,
	params llm.GenerationParams, callback llm.StreamCallback) error {

	for _, tok := range s.script.tokens {
		if err := callback(llm.StreamEvent{Type: llm.StreamEventToken, Content: tok}); err != nil {
			return err
		}
	}
	if s.script.withDone {
		if err := callback(llm.StreamEvent{Type: llm.StreamEventDone, Usage: s.script.usage}); err != nil {
			return err
		}
	}
	return s.script.finalErr
}

func (s *scriptedStreamBackend) PullModel(ctx context.Context, model string, progress llm.ProgressFunc) error {
	return llm.Errf(llm.KindUnsupported, "scripted", "pull not scripted")
}

func newConversation(t *testing.T, store conversation.Store) string {
	t.Helper()
	id, err := store.Create(context.Background(), "test", "")
	require.NoError(t, err)
	return id
}

func TestRun_CompletedPersistsFullAnswer(t *testing.T) {
	t.Parallel()

	store := conversation.NewMemoryStore()
	id := newConversation(t, store)
	pipeline := NewPipeline(store)
	backend := &scriptedStreamBackend{script: streamScript{
		tokens:   []string{"The ", "answer ", "is 42."},
		withDone: true,
		usage:    &datatypes.TokenUsage{PromptTokens: 5, CompletionTokens: 3, TotalTokens: 8},
	}}

	var emitted []string
	outcome, err := pipeline.Run(context.Background(), backend, "m",
		[]datatypes.Message{{Role: datatypes.RoleUser, Content: "q"}},
		llm.GenerationParams{}, id,
		func(ev llm.StreamEvent) error {
			if ev.Type == llm.StreamEventToken {
				emitted = append(emitted, ev.Content)
			}
			return nil
		})

	require.NoError(t, err)
	assert.Equal(t, StateCompleted, outcome.State)
	assert.Equal(t, "The answer is 42.", outcome.Text)
	assert.NotEmpty(t, outcome.Digest)
	require.NotNil(t, outcome.Usage)
	assert.Equal(t, 8, outcome.Usage.TotalTokens)
	assert.Equal(t, []string{"The ", "answer ", "is 42."}, emitted)
	assert.Positive(t, outcome.FirstToken)

	history, err := store.History(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, datatypes.RoleAssistant, history[0].Role)
	assert.Equal(t, "The answer is 42.", history[0].Content)
	assert.False(t, history[0].Partial)
}

func TestRun_CancelledPersistsPartial(t *testing.T) {
	t.Parallel()

	store := conversation.NewMemoryStore()
	id := newConversation(t, store)
	pipeline := NewPipeline(store)
	backend := &scriptedStreamBackend{script: streamScript{
		tokens:   []string{"half an "},
		finalErr: context.Canceled,
	}}

	outcome, err := pipeline.Run(context.Background(), backend, "m", nil,
		llm.GenerationParams{}, id,
		func(ev llm.StreamEvent) error { return nil })

	require.NoError(t, err)
	assert.Equal(t, StateCancelled, outcome.State)
	assert.Equal(t, "half an ", outcome.Text)

	history, err := store.History(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Partial)
	assert.Equal(t, "half an ", history[0].Content)
}

func TestRun_CancelledBeforeFirstTokenPersistsNothing(t *testing.T) {
	t.Parallel()

	store := conversation.NewMemoryStore()
	id := newConversation(t, store)
	pipeline := NewPipeline(store)
	backend := &scriptedStreamBackend{script: streamScript{finalErr: context.Canceled}}

	outcome, err := pipeline.Run(context.Background(), backend, "m", nil,
		llm.GenerationParams{}, id,
		func(ev llm.StreamEvent) error { return nil })

	require.NoError(t, err)
	assert.Equal(t, StateCancelled, outcome.State)
	assert.Zero(t, outcome.FirstToken)

	history, err := store.History(context.Background(), id)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestRun_FailurePersistsSystemMarker(t *testing.T) {
	t.Parallel()

	store := conversation.NewMemoryStore()
	id := newConversation(t, store)
	pipeline := NewPipeline(store)
	backend := &scriptedStreamBackend{script: streamScript{
		tokens:   []string{"partial "},
		finalErr: llm.Errf(llm.KindGenerationFailed, "scripted", "engine crashed"),
	}}

	outcome, err := pipeline.Run(context.Background(), backend, "broken-model", nil,
		llm.GenerationParams{}, id,
		func(ev llm.StreamEvent) error { return nil })

	require.Error(t, err)
	assert.Equal(t, StateFailed, outcome.State)

	history, histErr := store.History(context.Background(), id)
	require.NoError(t, histErr)
	require.Len(t, history, 1)
	assert.Equal(t, datatypes.RoleSystem, history[0].Role)
	assert.Contains(t, history[0].Content, "generation on broken-model failed")
	assert.Contains(t, history[0].Content, "engine crashed")
}

func TestRun_EmitErrorSurfacesAsFailed(t *testing.T) {
	t.Parallel()

	store := conversation.NewMemoryStore()
	id := newConversation(t, store)
	pipeline := NewPipeline(store)
	backend := &scriptedStreamBackend{script: streamScript{
		tokens:   []string{"a", "b", "c"},
		withDone: true,
	}}

	sentinel := errors.New("client went away")
	outcome, err := pipeline.Run(context.Background(), backend, "m", nil,
		llm.GenerationParams{}, id,
		func(ev llm.StreamEvent) error {
			if ev.Content == "b" {
				return sentinel
			}
			return nil
		})

	require.ErrorIs(t, err, sentinel)
	assert.Equal(t, StateFailed, outcome.State)
}

func TestRun_NoConversationSkipsPersistence(t *testing.T) {
	t.Parallel()

	pipeline := NewPipeline(nil)
	backend := &scriptedStreamBackend{script: streamScript{
		tokens:   []string{"ephemeral"},
		withDone: true,
	}}

	outcome, err := pipeline.Run(context.Background(), backend, "m", nil,
		llm.GenerationParams{}, "",
		func(ev llm.StreamEvent) error { return nil })

	require.NoError(t, err)
	assert.Equal(t, StateCompleted, outcome.State)
	assert.Equal(t, "ephemeral", outcome.Text)
}

func TestAdvance_IllegalTransitionPanics(t *testing.T) {
	t.Parallel()

	r := &run{state: StateCompleted}
	assert.Panics(t, func() { r.advance(StateStreaming) })

	r = &run{state: StateIdle}
	assert.Panics(t, func() { r.advance(StateCompleted) })
}

func TestStateTerminal(t *testing.T) {
	t.Parallel()

	assert.True(t, StateCompleted.Terminal())
	assert.True(t, StateCancelled.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateIdle.Terminal())
	assert.False(t, StateDispatched.Terminal())
	assert.False(t, StateStreaming.Terminal())
}
