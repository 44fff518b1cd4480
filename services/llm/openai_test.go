// Copyright (C) 2025 Tiller ML (oss@tillerml.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tillerml/tiller/services/orchestrator/datatypes"
)

func newTestOpenAIBackend(t *testing.T, handler http.HandlerFunc) *OpenAIBackend {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewOpenAIBackend(OpenAIConfig{
		Name:    "cloud",
		APIKey:  "sk-test",
		BaseURL: server.URL + "/v1",
		Models:  []string{"gpt-4o-mini"},
	})
}

func TestOpenAIChat(t *testing.T) {
	t.Parallel()

	backend := newTestOpenAIBackend(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "hi there"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 5, "completion_tokens": 2, "total_tokens": 7}
		}`)
	})

	result, err := backend.Chat(context.Background(), "gpt-4o-mini",
		[]datatypes.Message{{Role: datatypes.RoleUser, Content: "hello"}}, GenerationParams{})
	require.NoError(t, err)
	assert.Equal(t, "hi there", result.Text)
	assert.Equal(t, "cloud", result.Backend)
	require.NotNil(t, result.Usage)
	assert.Equal(t, 7, result.Usage.TotalTokens)
}

func TestOpenAIChatStream(t *testing.T) {
	t.Parallel()

	backend := newTestOpenAIBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"hi \"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"there\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	var tokens []string
	sawDone := false
	err := backend.ChatStream(context.Background(), "gpt-4o-mini",
		[]datatypes.Message{{Role: datatypes.RoleUser, Content: "hello"}},
		GenerationParams{},
		func(ev StreamEvent) error {
			switch ev.Type {
			case StreamEventToken:
				tokens = append(tokens, ev.Content)
			case StreamEventDone:
				sawDone = true
			}
			return nil
		})

	require.NoError(t, err)
	assert.Equal(t, []string{"hi ", "there"}, tokens)
	assert.True(t, sawDone)
}

func TestOpenAIListModels_PinnedListIsCopied(t *testing.T) {
	t.Parallel()

	backend := NewOpenAIBackend(OpenAIConfig{
		Name:   "cloud",
		APIKey: "sk-test",
		Models: []string{"gpt-4o-mini", "gpt-4o"},
	})

	models, err := backend.ListModels(context.Background())
	require.NoError(t, err)
	models[0] = "mutated"

	again, err := backend.ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"gpt-4o-mini", "gpt-4o"}, again)
}

func TestOpenAIMapError(t *testing.T) {
	t.Parallel()

	backend := NewOpenAIBackend(OpenAIConfig{Name: "cloud", APIKey: "sk-test"})

	tests := []struct {
		name string
		err  error
		kind ErrorKind
	}{
		{"auth failure", &openai.APIError{HTTPStatusCode: 401}, KindUnavailable},
		{"forbidden", &openai.APIError{HTTPStatusCode: 403}, KindUnavailable},
		{"model not found", &openai.APIError{HTTPStatusCode: 404, Message: "no such model"}, KindModelNotFound},
		{"rate limited", &openai.APIError{HTTPStatusCode: 429}, KindRateLimited},
		{"server error", &openai.APIError{HTTPStatusCode: 500, Message: "boom"}, KindGenerationFailed},
		{"request error 429", &openai.RequestError{HTTPStatusCode: 429, Err: errors.New("slow down")}, KindRateLimited},
		{"transport failure", errors.New("connection refused"), KindUnavailable},
		{"deadline", context.DeadlineExceeded, KindTimeout},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			mapped := backend.mapError(tc.err)
			assert.Equal(t, tc.kind, mapped.Kind)
		})
	}
}

func TestOpenAIMapError_RateLimitedCarriesHint(t *testing.T) {
	t.Parallel()

	backend := NewOpenAIBackend(OpenAIConfig{Name: "cloud", APIKey: "sk-test"})
	mapped := backend.mapError(&openai.APIError{HTTPStatusCode: 429})

	assert.Equal(t, 30*time.Second, RetryAfterHint(mapped))
}

func TestOpenAIWait_CancelledContext(t *testing.T) {
	t.Parallel()

	backend := NewOpenAIBackend(OpenAIConfig{Name: "cloud", APIKey: "sk-test", RPS: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := backend.Chat(ctx, "gpt-4o-mini",
		[]datatypes.Message{{Role: datatypes.RoleUser, Content: "hello"}}, GenerationParams{})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindTimeout))
}

func TestOpenAIPullModel_Unsupported(t *testing.T) {
	t.Parallel()

	backend := NewOpenAIBackend(OpenAIConfig{Name: "cloud", APIKey: "sk-test"})
	err := backend.PullModel(context.Background(), "gpt-4o-mini", func(pct float64, message string) {})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindUnsupported))
}
