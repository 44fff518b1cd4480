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
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tillerml/tiller/services/orchestrator/datatypes"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("tiller.llm")

const (
	// probeTimeout bounds the cheap availability/model-list probes so the
	// registry's refresh never hangs on a dead engine.
	probeTimeout = 3 * time.Second

	// pullScanBufferSize sizes the NDJSON scanner buffer for pull progress
	// lines, which can carry long digest strings.
	pullScanBufferSize = 256 * 1024
)

// OllamaBackend adapts a local Ollama server.
//
// Supports the full capability set including model acquisition via /api/pull
// and model warmup via keep_alive.
type OllamaBackend struct {
	name        string
	baseURL     string
	httpClient  *http.Client
	probeClient *http.Client
	keepAlive   string
}

// Ollama wire types.

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

type ollamaChatRequest struct {
	Model     string              `json:"model"`
	Messages  []ollamaChatMessage `json:"messages"`
	Stream    bool                `json:"stream"`
	KeepAlive string              `json:"keep_alive,omitempty"`
	Options   map[string]any      `json:"options,omitempty"`
}

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatResponse struct {
	Message         ollamaChatMessage `json:"message"`
	Done            bool              `json:"done"`
	PromptEvalCount int               `json:"prompt_eval_count"`
	EvalCount       int               `json:"eval_count"`
	Error           string            `json:"error"`
}

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

type ollamaPullRequest struct {
	Name   string `json:"name"`
	Stream bool   `json:"stream"`
}

type ollamaPullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total"`
	Completed int64  `json:"completed"`
	Error     string `json:"error"`
}

// NewOllamaBackend creates an adapter for the Ollama server at baseURL.
// keepAlive is forwarded on chat calls to control model residency; empty
// means the server default.
func NewOllamaBackend(name, baseURL, keepAlive string) (*OllamaBackend, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("ollama backend %q: base URL is required", name)
	}
	return &OllamaBackend{
		name:        name,
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		httpClient:  &http.Client{Timeout: 5 * time.Minute},
		probeClient: &http.Client{Timeout: probeTimeout},
		keepAlive:   keepAlive,
	}, nil
}

func (o *OllamaBackend) Name() string { return o.name }

func (o *OllamaBackend) Info(ctx context.Context) datatypes.BackendInfo {
	info := datatypes.BackendInfo{
		Name:         o.name,
		Kind:         datatypes.KindLocal,
		SupportsPull: true,
	}
	models, err := o.ListModels(ctx)
	if err != nil {
		return info
	}
	info.Available = true
	info.Models = models
	return info
}

func (o *OllamaBackend) IsAvailable(ctx context.Context) bool {
	_, err := o.ListModels(ctx)
	return err == nil
}

func (o *OllamaBackend) ListModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, Wrap(KindUnavailable, o.name, err, "building tags request")
	}
	resp, err := o.probeClient.Do(req)
	if err != nil {
		return nil, o.transportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Wrap(KindUnavailable, o.name, err, "reading tags response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, o.statusError(resp.StatusCode, body)
	}

	var tags ollamaTagsResponse
	if err := json.Unmarshal(body, &tags); err != nil {
		return nil, Wrap(KindGenerationFailed, o.name, err, "parsing tags response")
	}
	models := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		models = append(models, m.Name)
	}
	return models, nil
}

// Generate produces a whole response via /api/generate.
func (o *OllamaBackend) Generate(ctx context.Context, model, prompt string,
	params GenerationParams) (*datatypes.GenerationResult, error) {

	ctx, span := tracer.Start(ctx, "OllamaBackend.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("llm.backend", o.name), attribute.String("llm.model", model))

	start := time.Now()
	payload := ollamaGenerateRequest{
		Model:   model,
		Prompt:  prompt,
		Stream:  false,
		Options: o.buildOptions(params),
	}
	body, err := o.post(ctx, "/api/generate", payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var genResp ollamaGenerateResponse
	if err := json.Unmarshal(body, &genResp); err != nil {
		span.RecordError(err)
		return nil, Wrap(KindGenerationFailed, o.name, err, "parsing generate response")
	}

	result := &datatypes.GenerationResult{
		Text:    genResp.Response,
		Backend: o.name,
		Model:   model,
		Usage:   ollamaUsage(genResp.PromptEvalCount, genResp.EvalCount),
	}
	result.SetLatency(time.Since(start))
	return result, nil
}

// Chat produces a whole response for a message history via /api/chat.
func (o *OllamaBackend) Chat(ctx context.Context, model string, messages []datatypes.Message,
	params GenerationParams) (*datatypes.GenerationResult, error) {

	ctx, span := tracer.Start(ctx, "OllamaBackend.Chat")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.backend", o.name),
		attribute.String("llm.model", model),
		attribute.Int("llm.num_messages", len(messages)),
	)

	start := time.Now()
	payload := ollamaChatRequest{
		Model:     model,
		Messages:  toOllamaMessages(messages),
		Stream:    false,
		KeepAlive: o.effectiveKeepAlive(params),
		Options:   o.buildOptions(params),
	}
	body, err := o.post(ctx, "/api/chat", payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var chatResp ollamaChatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		span.RecordError(err)
		return nil, Wrap(KindGenerationFailed, o.name, err, "parsing chat response")
	}
	if chatResp.Message.Role != datatypes.RoleAssistant {
		slog.Warn("ollama chat response role was not assistant", "role", chatResp.Message.Role)
	}

	result := &datatypes.GenerationResult{
		Text:    chatResp.Message.Content,
		Backend: o.name,
		Model:   model,
		Usage:   ollamaUsage(chatResp.PromptEvalCount, chatResp.EvalCount),
	}
	result.SetLatency(time.Since(start))
	return result, nil
}

// ChatStream streams chunks from /api/chat as NDJSON. The final line carries
// done:true and becomes the StreamEventDone marker.
func (o *OllamaBackend) ChatStream(ctx context.Context, model string, messages []datatypes.Message,
	params GenerationParams, callback StreamCallback) error {

	ctx, span := tracer.Start(ctx, "OllamaBackend.ChatStream")
	defer span.End()
	span.SetAttributes(attribute.String("llm.backend", o.name), attribute.String("llm.model", model))

	payload := ollamaChatRequest{
		Model:     model,
		Messages:  toOllamaMessages(messages),
		Stream:    true,
		KeepAlive: o.effectiveKeepAlive(params),
		Options:   o.buildOptions(params),
	}
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return Wrap(KindGenerationFailed, o.name, err, "marshaling chat request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(reqBody))
	if err != nil {
		return Wrap(KindGenerationFailed, o.name, err, "building chat request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		e := o.transportError(err)
		span.RecordError(e)
		span.SetStatus(codes.Error, e.Error())
		return e
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		e := o.statusError(resp.StatusCode, body)
		span.RecordError(e)
		return e
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), pullScanBufferSize)
	for scanner.Scan() {
		// Closing resp.Body on cancel unblocks the scanner, but check the
		// context as well so a cancel between lines is seen promptly.
		if err := ctx.Err(); err != nil {
			return err
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk ollamaChatResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return Wrap(KindGenerationFailed, o.name, err, "parsing stream chunk")
		}
		if chunk.Error != "" {
			return Errf(KindGenerationFailed, o.name, "%s", chunk.Error)
		}
		if chunk.Done {
			return callback(StreamEvent{
				Type:  StreamEventDone,
				Usage: ollamaUsage(chunk.PromptEvalCount, chunk.EvalCount),
			})
		}
		if chunk.Message.Content == "" {
			continue
		}
		if err := callback(StreamEvent{Type: StreamEventToken, Content: chunk.Message.Content}); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return Wrap(KindGenerationFailed, o.name, err, "reading stream")
	}
	return Errf(KindGenerationFailed, o.name, "stream ended without done marker")
}

// PullModel downloads a model via /api/pull, reporting progress from the
// streamed status lines. Blocks until the pull finishes or ctx is cancelled.
func (o *OllamaBackend) PullModel(ctx context.Context, model string, progress ProgressFunc) error {
	ctx, span := tracer.Start(ctx, "OllamaBackend.PullModel")
	defer span.End()
	span.SetAttributes(attribute.String("llm.backend", o.name), attribute.String("llm.model", model))

	reqBody, err := json.Marshal(ollamaPullRequest{Name: model, Stream: true})
	if err != nil {
		return Wrap(KindGenerationFailed, o.name, err, "marshaling pull request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/pull", bytes.NewReader(reqBody))
	if err != nil {
		return Wrap(KindGenerationFailed, o.name, err, "building pull request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return o.transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return o.statusError(resp.StatusCode, body)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), pullScanBufferSize)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var p ollamaPullProgress
		if err := json.Unmarshal(line, &p); err != nil {
			continue // tolerate malformed progress lines
		}
		if p.Error != "" {
			return Errf(KindGenerationFailed, o.name, "pull failed: %s", p.Error)
		}
		if p.Total > 0 {
			progress(float64(p.Completed)/float64(p.Total)*100, p.Status)
		} else if p.Status != "" {
			progress(0, p.Status)
		}
		if p.Status == "success" {
			progress(100, "success")
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return Wrap(KindGenerationFailed, o.name, err, "reading pull stream")
	}
	return Errf(KindGenerationFailed, o.name, "pull stream ended without success marker")
}

// Warm loads a model into memory with the configured keep_alive by sending a
// minimal chat request, preventing cold-start latency on the first real call.
func (o *OllamaBackend) Warm(ctx context.Context, model string) error {
	start := time.Now()
	slog.Info("warming model", "backend", o.name, "model", model, "keep_alive", o.keepAlive)

	payload := ollamaChatRequest{
		Model:     model,
		Messages:  []ollamaChatMessage{{Role: datatypes.RoleUser, Content: "ping"}},
		Stream:    false,
		KeepAlive: o.keepAlive,
	}
	if _, err := o.post(ctx, "/api/chat", payload); err != nil {
		return fmt.Errorf("warming model %s: %w", model, err)
	}
	slog.Info("model warmed", "backend", o.name, "model", model, "load_duration", time.Since(start))
	return nil
}

// post sends a JSON payload and returns the response body, mapping transport
// and status failures into the taxonomy.
func (o *OllamaBackend) post(ctx context.Context, path string, payload any) ([]byte, error) {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, Wrap(KindGenerationFailed, o.name, err, "marshaling request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return nil, Wrap(KindGenerationFailed, o.name, err, "building request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, o.transportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Wrap(KindUnavailable, o.name, err, "reading response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, o.statusError(resp.StatusCode, body)
	}
	return body, nil
}

func (o *OllamaBackend) buildOptions(params GenerationParams) map[string]any {
	options := make(map[string]any)
	if params.Temperature != nil {
		options["temperature"] = *params.Temperature
	}
	if params.TopK != nil {
		options["top_k"] = *params.TopK
	}
	if params.TopP != nil {
		options["top_p"] = *params.TopP
	}
	if params.MaxTokens != nil {
		options["num_predict"] = *params.MaxTokens
	}
	if len(params.Stop) > 0 {
		options["stop"] = params.Stop
	}
	return options
}

func (o *OllamaBackend) effectiveKeepAlive(params GenerationParams) string {
	if params.KeepAlive != "" {
		return params.KeepAlive
	}
	return o.keepAlive
}

// transportError maps a failed HTTP round trip into the taxonomy.
func (o *OllamaBackend) transportError(err error) *BackendError {
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(KindTimeout, o.name, err, "request timed out")
	}
	return Wrap(KindUnavailable, o.name, err, "cannot reach ollama server")
}

// statusError maps a non-200 response into the taxonomy.
func (o *OllamaBackend) statusError(status int, body []byte) *BackendError {
	msg := strings.TrimSpace(string(body))
	var errResp struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
		msg = errResp.Error
	}
	switch {
	case status == http.StatusNotFound && strings.Contains(msg, "not found"):
		return Errf(KindModelNotFound, o.name, "%s", msg)
	case status == http.StatusTooManyRequests:
		return RateLimited(o.name, 0, fmt.Errorf("%s", msg))
	default:
		return Errf(KindGenerationFailed, o.name, "status %d: %s", status, msg)
	}
}

func toOllamaMessages(messages []datatypes.Message) []ollamaChatMessage {
	out := make([]ollamaChatMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, ollamaChatMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

func ollamaUsage(prompt, completion int) *datatypes.TokenUsage {
	if prompt == 0 && completion == 0 {
		return nil
	}
	return &datatypes.TokenUsage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}
