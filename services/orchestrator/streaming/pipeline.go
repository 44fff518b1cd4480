// Copyright (C) 2025 Tiller ML (oss@tillerml.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package streaming runs one token-streamed generation as an explicit state
// machine: tokens are forwarded to the caller as they arrive, accumulated
// with an integrity hash, and persisted to the conversation exactly once at
// the end, whatever the end turns out to be.
package streaming

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tillerml/tiller/services/llm"
	"github.com/tillerml/tiller/services/orchestrator/conversation"
	"github.com/tillerml/tiller/services/orchestrator/datatypes"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("tiller.orchestrator.streaming")

// State names a stage of a streamed generation.
type State string

const (
	StateIdle       State = "idle"
	StateDispatched State = "dispatched"
	StateStreaming  State = "streaming"
	StateCompleted  State = "completed"
	StateCancelled  State = "cancelled"
	StateFailed     State = "failed"
)

// transitions is the legal edge set. Anything else is a programming error.
var transitions = map[State][]State{
	StateIdle:       {StateDispatched},
	StateDispatched: {StateStreaming, StateCompleted, StateCancelled, StateFailed},
	StateStreaming:  {StateCompleted, StateCancelled, StateFailed},
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// Outcome describes how a streamed generation ended.
type Outcome struct {
	State  State
	Text   string
	Digest string
	Usage  *datatypes.TokenUsage

	// FirstToken is the latency to the first streamed token; zero when the
	// stream ended before any token arrived.
	FirstToken time.Duration
	Elapsed    time.Duration
}

// Pipeline executes streamed generations against a conversation store.
//
// # Thread Safety
//
// Safe for concurrent use. Concurrent runs against the same conversation
// serialize their persistence through a per-conversation lock, so message
// order within a conversation stays coherent.
type Pipeline struct {
	store conversation.Store
	locks *conversation.KeyedMutex
}

// NewPipeline creates a Pipeline over store. A nil store disables
// persistence (every run behaves as if it had no conversation).
func NewPipeline(store conversation.Store) *Pipeline {
	return &Pipeline{store: store, locks: conversation.NewKeyedMutex()}
}

// run is the per-invocation state. A run lives on one goroutine; its state
// field needs no lock, only the transition guard.
type run struct {
	state State
	acc   *Accumulator
	usage *datatypes.TokenUsage

	started    time.Time
	firstToken time.Time
}

// advance moves the run to next, panicking on an illegal edge. Illegal
// transitions indicate a bug in Run itself, never bad input.
func (r *run) advance(next State) {
	for _, allowed := range transitions[r.state] {
		if allowed == next {
			r.state = next
			return
		}
	}
	panic(fmt.Sprintf("illegal stream transition %s -> %s", r.state, next))
}

// Run executes one streamed generation.
//
// # Description
//
// Dispatches the request on backend and forwards each token event to emit
// while accumulating it. The terminal state decides persistence:
//
//   - Completed: the finalized answer is appended to the conversation as a
//     whole assistant message.
//   - Cancelled (context ended mid-stream): tokens received so far are
//     appended as a partial assistant message, marked as such. Tokens are
//     never discarded on cancellation.
//   - Failed: a system marker recording the failure is appended so the
//     history shows the gap.
//
// Exactly one append happens per run. With no conversation id, nothing is
// persisted and the outcome alone carries the result. emit errors abort the
// stream and surface as Failed.
func (p *Pipeline) Run(
	ctx context.Context,
	backend llm.Backend,
	model string,
	messages []datatypes.Message,
	params llm.GenerationParams,
	conversationID string,
	emit llm.StreamCallback,
) (*Outcome, error) {
	ctx, span := tracer.Start(ctx, "Pipeline.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("stream.backend", backend.Name()),
		attribute.String("stream.model", model),
	)

	r := &run{state: StateIdle, acc: NewAccumulator(), started: time.Now()}
	r.advance(StateDispatched)

	streamErr := backend.ChatStream(ctx, model, messages, params, func(ev llm.StreamEvent) error {
		switch ev.Type {
		case llm.StreamEventToken:
			if r.state == StateDispatched {
				r.advance(StateStreaming)
				r.firstToken = time.Now()
			}
			if err := r.acc.Write(ev.Content); err != nil {
				return err
			}
		case llm.StreamEventDone:
			r.usage = ev.Usage
		}
		return emit(ev)
	})

	outcome := &Outcome{Usage: r.usage}
	if !r.firstToken.IsZero() {
		outcome.FirstToken = r.firstToken.Sub(r.started)
	}

	var runErr error
	switch {
	case streamErr == nil:
		text, digest, err := r.acc.Finalize()
		if err != nil {
			r.advance(StateFailed)
			runErr = llm.Wrap(llm.KindGenerationFailed, backend.Name(), err, "finalizing stream")
			p.persistFailure(ctx, conversationID, model, runErr)
		} else {
			r.advance(StateCompleted)
			outcome.Text, outcome.Digest = text, digest
			p.persistCompleted(ctx, conversationID, text)
		}

	case errors.Is(streamErr, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		r.advance(StateCancelled)
		outcome.Text = r.acc.Partial()
		p.persistPartial(ctx, conversationID, outcome.Text)

	default:
		r.advance(StateFailed)
		runErr = streamErr
		span.RecordError(streamErr)
		span.SetStatus(otelcodes.Error, streamErr.Error())
		p.persistFailure(ctx, conversationID, model, streamErr)
	}

	outcome.State = r.state
	outcome.Elapsed = time.Since(r.started)
	slog.Info("stream finished",
		"state", r.state,
		"backend", backend.Name(),
		"model", model,
		"bytes", len(outcome.Text),
		"elapsed", outcome.Elapsed,
		"accumulator_id", r.acc.ID(),
	)
	return outcome, runErr
}

// persistCompleted appends the full assistant answer.
func (p *Pipeline) persistCompleted(ctx context.Context, conversationID, text string) {
	p.append(ctx, conversationID, datatypes.Message{
		Role:    datatypes.RoleAssistant,
		Content: text,
	})
}

// persistPartial appends whatever arrived before cancellation, flagged
// partial so clients can render it as interrupted.
func (p *Pipeline) persistPartial(ctx context.Context, conversationID, text string) {
	if text == "" {
		// Cancelled before the first token: nothing worth recording.
		return
	}
	p.append(ctx, conversationID, datatypes.Message{
		Role:    datatypes.RoleAssistant,
		Content: text,
		Partial: true,
	})
}

// persistFailure appends a system marker so the history shows the failed
// turn instead of silently missing an answer.
func (p *Pipeline) persistFailure(ctx context.Context, conversationID, model string, cause error) {
	p.append(ctx, conversationID, datatypes.Message{
		Role:    datatypes.RoleSystem,
		Content: fmt.Sprintf("[generation on %s failed: %v]", model, cause),
	})
}

// append performs the single persistence write under the per-conversation
// lock. Uses a background-derived context so a cancelled request context
// cannot lose the write that records the cancellation.
func (p *Pipeline) append(ctx context.Context, conversationID string, msg datatypes.Message) {
	if p.store == nil || conversationID == "" {
		return
	}
	p.locks.Lock(conversationID)
	defer p.locks.Unlock(conversationID)

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.store.Append(persistCtx, conversationID, msg); err != nil {
		slog.Error("persisting streamed message failed",
			"conversation_id", conversationID,
			"role", msg.Role,
			"error", err,
		)
	}
}
