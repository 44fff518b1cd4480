// Copyright (C) 2025 Tiller ML (oss@tillerml.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package orchestrator is the engine facade: one entry point tying the
// backend registry, model router, ensemble combiner, context manager,
// streaming pipeline and download tracker together behind a small API the
// transport layer calls.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tillerml/tiller/services/llm"
	"github.com/tillerml/tiller/services/orchestrator/contextmgr"
	"github.com/tillerml/tiller/services/orchestrator/conversation"
	"github.com/tillerml/tiller/services/orchestrator/datatypes"
	"github.com/tillerml/tiller/services/orchestrator/download"
	"github.com/tillerml/tiller/services/orchestrator/ensemble"
	"github.com/tillerml/tiller/services/orchestrator/observability"
	"github.com/tillerml/tiller/services/orchestrator/registry"
	"github.com/tillerml/tiller/services/orchestrator/router"
	"github.com/tillerml/tiller/services/orchestrator/streaming"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("tiller.orchestrator")

// Options configures an Engine.
type Options struct {
	Router            router.Config
	Ensemble          ensemble.Config
	ContextBudgets    map[string]int
	DownloadRetention time.Duration

	// SummaryModel handles history condensation. Empty disables
	// summarization; overflow then always truncates.
	SummaryModel string
}

// Engine is the orchestration core. Construct with New; the zero value is
// not usable.
//
// # Thread Safety
//
// Safe for concurrent use. All mutable state lives in the registry, the
// download tracker and the conversation store, each of which synchronizes
// itself.
type Engine struct {
	registry *registry.Registry
	router   *router.Router
	combiner *ensemble.Combiner
	contexts *contextmgr.Manager
	pipeline *streaming.Pipeline
	tracker  *download.Tracker
	store    conversation.Store
	locks    *conversation.KeyedMutex
	metrics  *observability.EngineMetrics
}

// New wires an Engine from its parts. metrics may be nil (tests).
func New(
	ctx context.Context,
	backends []llm.Backend,
	store conversation.Store,
	metrics *observability.EngineMetrics,
	opts Options,
) *Engine {
	reg := registry.New(ctx, backends)
	tracker := download.NewTracker(opts.DownloadRetention)
	if metrics != nil {
		tracker.OnFinish(metrics.RecordDownload)
	}
	e := &Engine{
		registry: reg,
		router:   router.New(reg, opts.Router),
		combiner: ensemble.New(reg, opts.Ensemble),
		pipeline: streaming.NewPipeline(store),
		tracker:  tracker,
		store:    store,
		locks:    conversation.NewKeyedMutex(),
		metrics:  metrics,
	}
	e.contexts = contextmgr.New(opts.ContextBudgets, e.summarizer(opts.SummaryModel))
	return e
}

// summarizer builds the history condenser backed by a one-shot generation
// on the configured summary model. The digest request goes straight to the
// backend, never back through Generate, so summarization cannot recurse.
func (e *Engine) summarizer(model string) contextmgr.Summarizer {
	if model == "" {
		return nil
	}
	return summarizeFunc(func(ctx context.Context, messages []datatypes.Message) (string, error) {
		backend, err := e.registry.Resolve(model, "")
		if err != nil {
			return "", err
		}
		var b strings.Builder
		b.WriteString("Condense the following conversation into a short factual summary. Keep names, decisions and open questions.\n\n")
		for _, msg := range messages {
			fmt.Fprintf(&b, "%s: %s\n", msg.Role, msg.Content)
		}
		result, err := backend.Generate(ctx, model, b.String(), llm.GenerationParams{})
		if err != nil {
			return "", err
		}
		return result.Text, nil
	})
}

type summarizeFunc func(ctx context.Context, messages []datatypes.Message) (string, error)

func (f summarizeFunc) Summarize(ctx context.Context, messages []datatypes.Message) (string, error) {
	return f(ctx, messages)
}

// =============================================================================
// Generation
// =============================================================================

// Generate runs one non-streamed generation.
//
// # Description
//
// Resolves the serving backend (routing when the request names no model),
// folds conversation history through the context manager, and persists the
// user turn and the assistant answer when the request belongs to a
// conversation. An explicit backend pin in the request is honored or the
// call fails; it is never silently rerouted.
func (e *Engine) Generate(ctx context.Context, req datatypes.GenerationRequest) (*datatypes.GenerationResult, error) {
	ctx, span := tracer.Start(ctx, "Engine.Generate")
	defer span.End()

	if err := req.Validate(); err != nil {
		return nil, err
	}

	model, backend, err := e.resolve(ctx, &req)
	if err != nil {
		e.recordError("generate", err)
		return nil, err
	}
	span.SetAttributes(
		attribute.String("gen.model", model),
		attribute.String("gen.backend", backend.Name()),
	)

	messages, err := e.prepareMessages(ctx, model, &req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	var result *datatypes.GenerationResult
	if len(messages) == 1 && req.ConversationID == "" && req.System == "" {
		result, err = backend.Generate(ctx, model, req.Prompt, e.params(&req))
	} else {
		result, err = backend.Chat(ctx, model, messages, e.params(&req))
	}
	e.recordRequest("generate", backend.Name(), model, result, err, time.Since(start))
	if err != nil {
		return nil, err
	}

	e.persistTurn(ctx, req.ConversationID, req.Prompt, result.Text)
	return result, nil
}

// GenerateStream runs one streamed generation, forwarding events to emit.
// The returned outcome reports the terminal state; a cancelled stream is
// not an error.
func (e *Engine) GenerateStream(ctx context.Context, req datatypes.GenerationRequest, emit llm.StreamCallback) (*streaming.Outcome, error) {
	ctx, span := tracer.Start(ctx, "Engine.GenerateStream")
	defer span.End()

	if err := req.Validate(); err != nil {
		return nil, err
	}

	model, backend, err := e.resolve(ctx, &req)
	if err != nil {
		e.recordError("stream", err)
		return nil, err
	}
	span.SetAttributes(
		attribute.String("gen.model", model),
		attribute.String("gen.backend", backend.Name()),
	)

	messages, err := e.prepareMessages(ctx, model, &req)
	if err != nil {
		return nil, err
	}

	// The user turn is persisted before dispatch so a cancelled stream
	// still shows the question that produced the partial answer.
	e.persistMessage(ctx, req.ConversationID, datatypes.Message{
		Role:    datatypes.RoleUser,
		Content: req.Prompt,
	})

	if e.metrics != nil {
		e.metrics.StreamStarted()
		defer e.metrics.StreamEnded()
	}

	start := time.Now()
	outcome, err := e.pipeline.Run(ctx, backend, model, messages, e.params(&req), req.ConversationID, emit)
	if outcome != nil && e.metrics != nil {
		success := outcome.State == streaming.StateCompleted
		e.metrics.RecordRequest("stream", backend.Name(), success)
		e.metrics.RecordDuration("stream", backend.Name(), time.Since(start).Seconds(), success)
		if outcome.FirstToken > 0 {
			e.metrics.RecordTimeToFirstToken(backend.Name(), outcome.FirstToken.Seconds())
		}
		if outcome.Usage != nil {
			e.metrics.RecordTokens(outcome.Usage.PromptTokens, outcome.Usage.CompletionTokens, model)
		}
	}
	if err != nil {
		e.recordError("stream", err)
	}
	return outcome, err
}

// resolve picks the serving model and backend for req, routing when the
// request names no model.
func (e *Engine) resolve(ctx context.Context, req *datatypes.GenerationRequest) (string, llm.Backend, error) {
	model := req.Model
	if model == "" {
		decision, err := e.router.Route(req.Prompt, "")
		if err != nil {
			return "", nil, err
		}
		model = decision.Model
		slog.Debug("routed request",
			"model", decision.Model,
			"task", decision.Task,
			"confidence", decision.Confidence,
		)
		if e.metrics != nil {
			e.metrics.RecordRoutingDecision(string(decision.Task))
		}
	}
	backend, err := e.registry.Resolve(model, req.Backend)
	if err != nil {
		return "", nil, err
	}
	return model, backend, nil
}

// prepareMessages assembles the message sequence: optional system prompt,
// budget-fitted history, then the new user turn.
func (e *Engine) prepareMessages(ctx context.Context, model string, req *datatypes.GenerationRequest) ([]datatypes.Message, error) {
	var history []datatypes.Message
	if req.ConversationID != "" && e.store != nil {
		var err error
		history, err = e.store.History(ctx, req.ConversationID)
		if err != nil {
			return nil, fmt.Errorf("loading conversation %s: %w", req.ConversationID, err)
		}
	}
	if req.System != "" {
		history = append([]datatypes.Message{{
			Role:    datatypes.RoleSystem,
			Content: req.System,
		}}, history...)
	}
	next := datatypes.Message{Role: datatypes.RoleUser, Content: req.Prompt}
	return e.contexts.Prepare(ctx, model, history, next), nil
}

func (e *Engine) params(req *datatypes.GenerationRequest) llm.GenerationParams {
	return llm.GenerationParams{
		Temperature:  req.Temperature,
		Unrestricted: req.Unrestricted,
	}
}

// persistTurn appends the user prompt and assistant answer under the
// conversation lock so interleaved requests cannot split a turn.
func (e *Engine) persistTurn(ctx context.Context, conversationID, prompt, answer string) {
	if conversationID == "" || e.store == nil {
		return
	}
	e.locks.Lock(conversationID)
	defer e.locks.Unlock(conversationID)

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	for _, msg := range []datatypes.Message{
		{Role: datatypes.RoleUser, Content: prompt},
		{Role: datatypes.RoleAssistant, Content: answer},
	} {
		if err := e.store.Append(persistCtx, conversationID, msg); err != nil {
			slog.Error("persisting turn failed", "conversation_id", conversationID, "error", err)
			return
		}
	}
}

func (e *Engine) persistMessage(ctx context.Context, conversationID string, msg datatypes.Message) {
	if conversationID == "" || e.store == nil {
		return
	}
	e.locks.Lock(conversationID)
	defer e.locks.Unlock(conversationID)

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.store.Append(persistCtx, conversationID, msg); err != nil {
		slog.Error("persisting message failed", "conversation_id", conversationID, "error", err)
	}
}

// =============================================================================
// Routing and Ensembles
// =============================================================================

// Route classifies prompt and picks a model without generating.
func (e *Engine) Route(prompt string, override router.TaskType) (router.Decision, error) {
	decision, err := e.router.Route(prompt, override)
	if err == nil && e.metrics != nil {
		e.metrics.RecordRoutingDecision(string(decision.Task))
	}
	return decision, err
}

// Ensemble runs one prompt across several models and combines the results.
func (e *Engine) Ensemble(ctx context.Context, spec datatypes.EnsembleSpec) (*datatypes.EnsembleResult, error) {
	start := time.Now()
	result, err := e.combiner.Combine(ctx, spec)
	if e.metrics != nil {
		e.metrics.RecordRequest("ensemble", "ensemble", err == nil)
		e.metrics.RecordDuration("ensemble", "ensemble", time.Since(start).Seconds(), err == nil)
	}
	if err != nil {
		e.recordError("ensemble", err)
	}
	return result, err
}

// =============================================================================
// Backends and Downloads
// =============================================================================

// ListBackends returns the current capability snapshots in priority order.
func (e *Engine) ListBackends() []datatypes.BackendInfo {
	return e.registry.List()
}

// ListModels returns every model an available backend serves.
func (e *Engine) ListModels() []string {
	return e.registry.Models()
}

// RefreshBackends re-probes every backend.
func (e *Engine) RefreshBackends(ctx context.Context) []datatypes.BackendInfo {
	e.registry.Refresh(ctx)
	return e.registry.List()
}

// StartDownload begins pulling model on the named backend.
func (e *Engine) StartDownload(backendName, model string) (string, error) {
	backend, ok := e.registry.Get(backendName)
	if !ok {
		return "", llm.Errf(llm.KindUnavailable, backendName, "backend is not configured")
	}
	id, err := e.tracker.Start(backend, model)
	if err != nil {
		e.recordError("download", err)
	}
	return id, err
}

// DownloadStatus reports the state of a download job.
func (e *Engine) DownloadStatus(id string) (datatypes.DownloadJob, error) {
	return e.tracker.Status(id)
}

// ListDownloads returns all retained download jobs.
func (e *Engine) ListDownloads() []datatypes.DownloadJob {
	return e.tracker.List()
}

// CancelDownload aborts a running pull.
func (e *Engine) CancelDownload(id string) error {
	return e.tracker.Cancel(id)
}

// Warmup pre-loads models on warm-capable backends. targets maps backend
// name to the models to load; an empty list warms the backend's first
// served model. Failures are logged, not fatal; a cold backend still works,
// just slower at first.
func (e *Engine) Warmup(ctx context.Context, targets map[string][]string) {
	for _, info := range e.registry.List() {
		models, wanted := targets[info.Name]
		if !wanted || !info.Available {
			continue
		}
		backend, ok := e.registry.Get(info.Name)
		if !ok {
			continue
		}
		warmer, ok := backend.(llm.Warmer)
		if !ok {
			continue
		}
		if len(models) == 0 && len(info.Models) > 0 {
			models = info.Models[:1]
		}
		for _, model := range models {
			if err := warmer.Warm(ctx, model); err != nil {
				slog.Warn("backend warmup failed", "backend", info.Name, "model", model, "error", err)
			}
		}
	}
}

// =============================================================================
// Conversations
// =============================================================================

// Conversations exposes the underlying store for the transport layer's CRUD
// endpoints. Nil when the engine runs without persistence.
func (e *Engine) Conversations() conversation.Store {
	return e.store
}

// =============================================================================
// Metrics helpers
// =============================================================================

func (e *Engine) recordRequest(endpoint, backend, model string, result *datatypes.GenerationResult, err error, elapsed time.Duration) {
	if e.metrics == nil {
		return
	}
	e.metrics.RecordRequest(endpoint, backend, err == nil)
	e.metrics.RecordDuration(endpoint, backend, elapsed.Seconds(), err == nil)
	if err != nil {
		e.recordError(endpoint, err)
		return
	}
	if result != nil && result.Usage != nil {
		e.metrics.RecordTokens(result.Usage.PromptTokens, result.Usage.CompletionTokens, model)
	}
}

func (e *Engine) recordError(endpoint string, err error) {
	if e.metrics == nil {
		return
	}
	e.metrics.RecordError(endpoint, string(llm.KindOf(err)))
}
