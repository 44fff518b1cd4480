// Copyright (C) 2025 Tiller ML (oss@tillerml.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tillerml/tiller/services/orchestrator/datatypes"
	"go.opentelemetry.io/otel/attribute"
)

// LlamaCppBackend adapts a llama.cpp HTTP server (/completion endpoint).
//
// A llama.cpp server hosts exactly one model, so the served model list is the
// single configured identifier. No acquisition capability: the model file is
// provisioned out of band.
type LlamaCppBackend struct {
	name        string
	baseURL     string
	model       string
	httpClient  *http.Client
	probeClient *http.Client
}

type llamaCppRequest struct {
	Prompt      string   `json:"prompt"`
	NPredict    int      `json:"n_predict,omitempty"`
	Temperature *float32 `json:"temperature,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`
	TopP        *float32 `json:"top_p,omitempty"`
	Stop        []string `json:"stop,omitempty"`
	Stream      bool     `json:"stream,omitempty"`
}

type llamaCppResponse struct {
	Content string `json:"content"`
	Stop    bool   `json:"stop"`
}

// NewLlamaCppBackend creates the adapter. model is the identifier the
// registry advertises for the single hosted model.
func NewLlamaCppBackend(name, baseURL, model string) (*LlamaCppBackend, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("llamacpp backend %q: base URL is required", name)
	}
	if model == "" {
		return nil, fmt.Errorf("llamacpp backend %q: model identifier is required", name)
	}
	return &LlamaCppBackend{
		name:        name,
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		model:       model,
		httpClient:  &http.Client{Timeout: 5 * time.Minute},
		probeClient: &http.Client{Timeout: probeTimeout},
	}, nil
}

func (l *LlamaCppBackend) Name() string { return l.name }

func (l *LlamaCppBackend) Info(ctx context.Context) datatypes.BackendInfo {
	return datatypes.BackendInfo{
		Name:         l.name,
		Kind:         datatypes.KindLocal,
		Available:    l.IsAvailable(ctx),
		Models:       []string{l.model},
		SupportsPull: false,
	}
}

func (l *LlamaCppBackend) IsAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := l.probeClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (l *LlamaCppBackend) ListModels(ctx context.Context) ([]string, error) {
	return []string{l.model}, nil
}

func (l *LlamaCppBackend) Generate(ctx context.Context, model, prompt string,
	params GenerationParams) (*datatypes.GenerationResult, error) {

	ctx, span := tracer.Start(ctx, "LlamaCppBackend.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("llm.backend", l.name), attribute.String("llm.model", model))

	if err := l.checkModel(model); err != nil {
		return nil, err
	}

	start := time.Now()
	body, err := l.post(ctx, l.buildRequest(prompt, params, false))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	var completion llamaCppResponse
	if err := json.Unmarshal(body, &completion); err != nil {
		return nil, Wrap(KindGenerationFailed, l.name, err, "parsing completion response")
	}

	result := &datatypes.GenerationResult{
		Text:    completion.Content,
		Backend: l.name,
		Model:   model,
	}
	result.SetLatency(time.Since(start))
	return result, nil
}

func (l *LlamaCppBackend) Chat(ctx context.Context, model string, messages []datatypes.Message,
	params GenerationParams) (*datatypes.GenerationResult, error) {

	return l.Generate(ctx, model, flattenMessages(messages), params)
}

// ChatStream streams SSE "data:" lines from /completion. The final line
// carries stop:true and becomes the StreamEventDone marker.
func (l *LlamaCppBackend) ChatStream(ctx context.Context, model string, messages []datatypes.Message,
	params GenerationParams, callback StreamCallback) error {

	ctx, span := tracer.Start(ctx, "LlamaCppBackend.ChatStream")
	defer span.End()
	span.SetAttributes(attribute.String("llm.backend", l.name), attribute.String("llm.model", model))

	if err := l.checkModel(model); err != nil {
		return err
	}

	reqBody, err := json.Marshal(l.buildRequest(flattenMessages(messages), params, true))
	if err != nil {
		return Wrap(KindGenerationFailed, l.name, err, "marshaling completion request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/completion", bytes.NewReader(reqBody))
	if err != nil {
		return Wrap(KindGenerationFailed, l.name, err, "building completion request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return l.transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return Errf(KindGenerationFailed, l.name, "status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		var chunk llamaCppResponse
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			return Wrap(KindGenerationFailed, l.name, err, "parsing stream chunk")
		}
		if chunk.Content != "" {
			if err := callback(StreamEvent{Type: StreamEventToken, Content: chunk.Content}); err != nil {
				return err
			}
		}
		if chunk.Stop {
			return callback(StreamEvent{Type: StreamEventDone})
		}
	}
	if err := scanner.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return Wrap(KindGenerationFailed, l.name, err, "reading stream")
	}
	return Errf(KindGenerationFailed, l.name, "stream ended without stop marker")
}

// PullModel is not a capability: the model file is provisioned out of band.
func (l *LlamaCppBackend) PullModel(ctx context.Context, model string, progress ProgressFunc) error {
	return Errf(KindUnsupported, l.name, "backend cannot acquire models")
}

func (l *LlamaCppBackend) buildRequest(prompt string, params GenerationParams, stream bool) llamaCppRequest {
	req := llamaCppRequest{
		Prompt:      prompt,
		Temperature: params.Temperature,
		TopK:        params.TopK,
		TopP:        params.TopP,
		Stop:        params.Stop,
		Stream:      stream,
	}
	if params.MaxTokens != nil {
		req.NPredict = *params.MaxTokens
	}
	return req
}

func (l *LlamaCppBackend) post(ctx context.Context, payload llamaCppRequest) ([]byte, error) {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, Wrap(KindGenerationFailed, l.name, err, "marshaling request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/completion", bytes.NewReader(reqBody))
	if err != nil {
		return nil, Wrap(KindGenerationFailed, l.name, err, "building request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, l.transportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Wrap(KindUnavailable, l.name, err, "reading response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, Errf(KindGenerationFailed, l.name, "status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func (l *LlamaCppBackend) checkModel(model string) error {
	if model != l.model {
		return Errf(KindModelNotFound, l.name, "backend serves %q, not %q", l.model, model)
	}
	return nil
}

func (l *LlamaCppBackend) transportError(err error) *BackendError {
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(KindTimeout, l.name, err, "request timed out")
	}
	return Wrap(KindUnavailable, l.name, err, "cannot reach llama.cpp server")
}

// flattenMessages renders a message history into the single-prompt format
// llama.cpp's completion endpoint expects.
func flattenMessages(messages []datatypes.Message) string {
	var sb strings.Builder
	for _, m := range messages {
		switch m.Role {
		case datatypes.RoleSystem:
			sb.WriteString("[System] ")
		case datatypes.RoleAssistant:
			sb.WriteString("Assistant: ")
		default:
			sb.WriteString("User: ")
		}
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	sb.WriteString("Assistant: ")
	return sb.String()
}
