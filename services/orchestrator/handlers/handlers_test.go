// Copyright (C) 2025 Tiller ML (oss@tillerml.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tillerml/tiller/services/llm"
	"github.com/tillerml/tiller/services/orchestrator"
	"github.com/tillerml/tiller/services/orchestrator/conversation"
	"github.com/tillerml/tiller/services/orchestrator/datatypes"
)

// cannedBackend serves fixed models and answers with a fixed reply.
type cannedBackend struct {
	name   string
	models []string
	reply  string
}

func (b *cannedBackend) Name() string { return b.name }

func (b *cannedBackend) Info(ctx context.Context) datatypes.BackendInfo {
	return datatypes.BackendInfo{
		Name:      b.name,
		Kind:      datatypes.KindLocal,
		Available: true,
		Models:    b.models,
	}
}

func (b *cannedBackend) IsAvailable(ctx context.Context) bool { return true }

func (b *cannedBackend) ListModels(ctx context.Context) ([]string, error) { return b.models, nil }

func (b *cannedBackend) Generate(ctx context.Context, model, prompt string,
	params llm.GenerationParams) (*datatypes.GenerationResult, error) {
	return &datatypes.GenerationResult{Text: b.reply, Backend: b.name, Model: model}, nil
}

func (b *cannedBackend) Chat(ctx context.Context, model string, messages []datatypes.Message,
	params llm.GenerationParams) (*datatypes.GenerationResult, error) {
	return &datatypes.GenerationResult{Text: b.reply, Backend: b.name, Model: model}, nil
}

func (b *cannedBackend) ChatStream(ctx context.Context, model string, messages []datatypes.Message,
	params llm.GenerationParams, callback llm.StreamCallback) error {
	for _, word := range strings.SplitAfter(b.reply, " ") {
		if err := callback(llm.StreamEvent{Type: llm.StreamEventToken, Content: word}); err != nil {
			return err
		}
	}
	return callback(llm.StreamEvent{Type: llm.StreamEventDone})
}

func (b *cannedBackend) PullModel(ctx context.Context, model string, progress llm.ProgressFunc) error {
	return llm.Errf(llm.KindUnsupported, b.name, "backend cannot pull models")
}

// newTestServer builds a gin engine with every handler registered, the way
// the daemon wires them.
func newTestServer(t *testing.T) (*gin.Engine, *orchestrator.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	backend := &cannedBackend{name: "local", models: []string{"test-model"}, reply: "canned reply"}
	engine := orchestrator.New(context.Background(),
		[]llm.Backend{backend}, conversation.NewMemoryStore(), nil, orchestrator.Options{})

	router := gin.New()
	router.GET("/health", HandleHealth(engine))
	v1 := router.Group("/v1")
	v1.POST("/generate", HandleGenerate(engine))
	v1.POST("/generate/stream", HandleGenerateStream(engine))
	v1.GET("/chat/ws", HandleChatWebSocket(engine))
	v1.POST("/route", HandleRoute(engine))
	v1.POST("/ensemble", HandleEnsemble(engine))
	v1.GET("/backends", HandleListBackends(engine))
	v1.GET("/models", HandleListModels(engine))
	v1.POST("/models/pull", HandleModelPull(engine))
	v1.GET("/models/pull/:jobId", HandleDownloadStatus(engine))
	v1.POST("/conversations", HandleCreateConversation(engine))
	v1.GET("/conversations/:id", HandleGetConversation(engine))
	v1.GET("/conversations/:id/history", HandleGetHistory(engine))
	v1.DELETE("/conversations/:id", HandleDeleteConversation(engine))
	return router, engine
}

func doJSON(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandleGenerate(t *testing.T) {
	t.Parallel()
	router, _ := newTestServer(t)

	rec := doJSON(router, http.MethodPost, "/v1/generate",
		`{"prompt":"hello","model":"test-model"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var result datatypes.GenerationResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "canned reply", result.Text)
	assert.Equal(t, "local", result.Backend)
}

func TestHandleGenerate_MalformedBody(t *testing.T) {
	t.Parallel()
	router, _ := newTestServer(t)

	rec := doJSON(router, http.MethodPost, "/v1/generate", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleGenerate_UnknownModel(t *testing.T) {
	t.Parallel()
	router, _ := newTestServer(t)

	rec := doJSON(router, http.MethodPost, "/v1/generate",
		`{"prompt":"hello","model":"no-such-model"}`)

	require.Equal(t, http.StatusNotFound, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "model_not_found", body["kind"])
}

func TestHandleGenerateStream_TokensAndDone(t *testing.T) {
	t.Parallel()
	router, _ := newTestServer(t)

	rec := doJSON(router, http.MethodPost, "/v1/generate/stream",
		`{"prompt":"hello","model":"test-model"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, "event: token")
	assert.Contains(t, body, "event: done")

	// The token contents reassemble into the full reply, and the done event
	// carries the answer digest for client-side verification.
	var reply strings.Builder
	var digest string
	for _, line := range strings.Split(body, "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev SSEEvent
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		assert.NotEmpty(t, ev.Hash)
		switch ev.Type {
		case "token":
			reply.WriteString(ev.Content)
		case "done":
			digest = ev.Digest
		}
	}
	assert.Equal(t, "canned reply", reply.String())
	assert.NotEmpty(t, digest)
}

func TestHandleRoute(t *testing.T) {
	t.Parallel()
	router, _ := newTestServer(t)

	rec := doJSON(router, http.MethodPost, "/v1/route",
		`{"prompt":"Write a function to reverse a string"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var decision map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decision))
	assert.Equal(t, "test-model", decision["model"])
	assert.Equal(t, "code", decision["detected_task"])
}

func TestHandleRoute_MissingPrompt(t *testing.T) {
	t.Parallel()
	router, _ := newTestServer(t)

	rec := doJSON(router, http.MethodPost, "/v1/route", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleEnsemble(t *testing.T) {
	t.Parallel()
	router, _ := newTestServer(t)

	rec := doJSON(router, http.MethodPost, "/v1/ensemble",
		`{"prompt":"q","models":["test-model"],"method":"longest"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var result datatypes.EnsembleResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "canned reply", result.Text)
}

func TestHandleListBackendsAndModels(t *testing.T) {
	t.Parallel()
	router, _ := newTestServer(t)

	rec := doJSON(router, http.MethodGet, "/v1/backends", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"local"`)

	rec = doJSON(router, http.MethodGet, "/v1/models", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"test-model"`)
}

func TestHandleModelPull_Unsupported(t *testing.T) {
	t.Parallel()
	router, _ := newTestServer(t)

	rec := doJSON(router, http.MethodPost, "/v1/models/pull",
		`{"backend":"local","model":"llama3.2:3b"}`)

	require.Equal(t, http.StatusNotImplemented, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "unsupported_operation", body["kind"])
}

func TestHandleDownloadStatus_UnknownJob(t *testing.T) {
	t.Parallel()
	router, _ := newTestServer(t)

	rec := doJSON(router, http.MethodGet, "/v1/models/pull/no-such-job", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConversationLifecycle(t *testing.T) {
	t.Parallel()
	router, _ := newTestServer(t)

	rec := doJSON(router, http.MethodPost, "/v1/conversations",
		`{"title":"my chat","defaultModel":"test-model"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	id := created["conversationId"]
	require.NotEmpty(t, id)

	// Generate into the conversation, then read the history back.
	rec = doJSON(router, http.MethodPost, "/v1/generate",
		`{"prompt":"hello","model":"test-model","conversation_id":"`+id+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(router, http.MethodGet, "/v1/conversations/"+id+"/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var history struct {
		Messages []datatypes.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	require.Len(t, history.Messages, 2)
	assert.Equal(t, "hello", history.Messages[0].Content)
	assert.Equal(t, "canned reply", history.Messages[1].Content)

	rec = doJSON(router, http.MethodDelete, "/v1/conversations/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(router, http.MethodGet, "/v1/conversations/"+id, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleHealth(t *testing.T) {
	t.Parallel()
	router, _ := newTestServer(t)

	rec := doJSON(router, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(1), body["availableBackends"])
}
