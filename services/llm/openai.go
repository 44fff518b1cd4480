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
	"io"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/tillerml/tiller/services/orchestrator/datatypes"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"
)

// OpenAIBackend adapts any OpenAI-compatible chat completion API (OpenAI
// itself, or a compatible gateway via a custom base URL).
//
// Pure API backend: no model acquisition capability. A client-side rate
// limiter smooths request bursts so the provider's own limiter is hit less
// often; provider 429s still surface as KindRateLimited with the
// Retry-After hint when given.
type OpenAIBackend struct {
	name    string
	client  *openai.Client
	limiter *rate.Limiter

	// models pins the served model list from configuration. When empty the
	// provider's /models endpoint is queried instead.
	models []string
}

// OpenAIConfig configures an OpenAIBackend.
type OpenAIConfig struct {
	Name    string
	APIKey  string
	BaseURL string   // empty for api.openai.com
	Models  []string // optional pinned model list
	RPS     float64  // client-side requests per second; 0 disables limiting
}

// NewOpenAIBackend creates the adapter. The API key is required; a missing
// key makes the backend permanently unavailable rather than an error at
// construction, so a partially configured deployment still starts.
func NewOpenAIBackend(cfg OpenAIConfig) *OpenAIBackend {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	var limiter *rate.Limiter
	if cfg.RPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RPS), 1)
	}
	return &OpenAIBackend{
		name:    cfg.Name,
		client:  openai.NewClientWithConfig(clientCfg),
		limiter: limiter,
		models:  cfg.Models,
	}
}

func (b *OpenAIBackend) Name() string { return b.name }

func (b *OpenAIBackend) Info(ctx context.Context) datatypes.BackendInfo {
	info := datatypes.BackendInfo{
		Name:         b.name,
		Kind:         datatypes.KindRemote,
		SupportsPull: false,
	}
	models, err := b.ListModels(ctx)
	if err != nil {
		return info
	}
	info.Available = true
	info.Models = models
	return info
}

func (b *OpenAIBackend) IsAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	_, err := b.client.ListModels(ctx)
	return err == nil
}

func (b *OpenAIBackend) ListModels(ctx context.Context) ([]string, error) {
	if len(b.models) > 0 {
		out := make([]string, len(b.models))
		copy(out, b.models)
		return out, nil
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	list, err := b.client.ListModels(ctx)
	if err != nil {
		return nil, b.mapError(err)
	}
	models := make([]string, 0, len(list.Models))
	for _, m := range list.Models {
		models = append(models, m.ID)
	}
	return models, nil
}

func (b *OpenAIBackend) Generate(ctx context.Context, model, prompt string,
	params GenerationParams) (*datatypes.GenerationResult, error) {

	messages := []datatypes.Message{{Role: datatypes.RoleUser, Content: prompt}}
	return b.Chat(ctx, model, messages, params)
}

func (b *OpenAIBackend) Chat(ctx context.Context, model string, messages []datatypes.Message,
	params GenerationParams) (*datatypes.GenerationResult, error) {

	ctx, span := tracer.Start(ctx, "OpenAIBackend.Chat")
	defer span.End()
	span.SetAttributes(attribute.String("llm.backend", b.name), attribute.String("llm.model", model))

	if err := b.wait(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := b.client.CreateChatCompletion(ctx, b.buildRequest(model, messages, params, false))
	if err != nil {
		e := b.mapError(err)
		span.RecordError(e)
		span.SetStatus(codes.Error, e.Error())
		return nil, e
	}
	if len(resp.Choices) == 0 {
		return nil, Errf(KindGenerationFailed, b.name, "empty choices in completion response")
	}

	result := &datatypes.GenerationResult{
		Text:    resp.Choices[0].Message.Content,
		Backend: b.name,
		Model:   model,
		Usage: &datatypes.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	result.SetLatency(time.Since(start))
	return result, nil
}

func (b *OpenAIBackend) ChatStream(ctx context.Context, model string, messages []datatypes.Message,
	params GenerationParams, callback StreamCallback) error {

	ctx, span := tracer.Start(ctx, "OpenAIBackend.ChatStream")
	defer span.End()
	span.SetAttributes(attribute.String("llm.backend", b.name), attribute.String("llm.model", model))

	if err := b.wait(ctx); err != nil {
		return err
	}

	stream, err := b.client.CreateChatCompletionStream(ctx, b.buildRequest(model, messages, params, true))
	if err != nil {
		e := b.mapError(err)
		span.RecordError(e)
		span.SetStatus(codes.Error, e.Error())
		return e
	}
	defer stream.Close()

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return callback(StreamEvent{Type: StreamEventDone})
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return b.mapError(err)
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		if err := callback(StreamEvent{Type: StreamEventToken, Content: chunk.Choices[0].Delta.Content}); err != nil {
			return err
		}
	}
}

// PullModel is not a capability of API backends.
func (b *OpenAIBackend) PullModel(ctx context.Context, model string, progress ProgressFunc) error {
	return Errf(KindUnsupported, b.name, "backend cannot acquire models")
}

func (b *OpenAIBackend) buildRequest(model string, messages []datatypes.Message,
	params GenerationParams, stream bool) openai.ChatCompletionRequest {

	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: make([]openai.ChatCompletionMessage, 0, len(messages)),
		Stream:   stream,
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if params.MaxTokens != nil {
		req.MaxTokens = *params.MaxTokens
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}
	return req
}

func (b *OpenAIBackend) wait(ctx context.Context) error {
	if b.limiter == nil {
		return nil
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return Wrap(KindTimeout, b.name, err, "cancelled waiting for rate limiter")
	}
	return nil
}

// mapError translates go-openai errors into the taxonomy.
func (b *OpenAIBackend) mapError(err error) *BackendError {
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(KindTimeout, b.name, err, "request timed out")
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case 401, 403:
			return Wrap(KindUnavailable, b.name, err, "authentication failed")
		case 404:
			return Wrap(KindModelNotFound, b.name, err, apiErr.Message)
		case 429:
			// The SDK does not expose Retry-After; default to a
			// conservative hint so the shell can still back off.
			return RateLimited(b.name, 30*time.Second, err)
		default:
			return Wrap(KindGenerationFailed, b.name, err, apiErr.Message)
		}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.HTTPStatusCode == 429 {
			return RateLimited(b.name, 30*time.Second, err)
		}
		return Wrap(KindUnavailable, b.name, err, "request failed")
	}

	return Wrap(KindUnavailable, b.name, err, "cannot reach provider")
}
