// Copyright (C) 2025 Tiller ML (oss@tillerml.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package contextmgr fits conversation history into a model's context
// window, summarizing or truncating the oldest messages when it overflows.
package contextmgr

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tillerml/tiller/services/orchestrator/datatypes"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("tiller.orchestrator.contextmgr")

const (
	// defaultBudget applies to models with no configured window size.
	defaultBudget = 4096

	// responseReserve is held back from every budget so the model has room
	// to answer.
	responseReserve = 1024

	// perMessageOverhead covers role markers and separators the backend
	// adds around each message.
	perMessageOverhead = 4
)

// summarizeThreshold is the minimum overflow, in tokens, worth a
// summarization round trip for a given budget. Smaller overflows are just
// dropped. Scales with the budget: a 128-token drop is most of a tiny
// window but noise on a 128k one.
func summarizeThreshold(budget int) int { return budget / 4 }

// digestAllowance is the slice of the budget held back for the summary or
// truncation digest whenever history is dropped. The kept messages are
// charged against the remainder so the assembled prompt fits the budget
// even after the digest is prepended.
func digestAllowance(budget int) int { return budget / 8 }

// truncationNotice replaces dropped history when summarization is
// unavailable or fails.
const truncationNotice = "[Earlier conversation history was truncated to fit the context window.]"

// Summarizer condenses dropped history into a short digest. Implementations
// must not recurse into context management: the digest request goes to the
// model raw.
type Summarizer interface {
	Summarize(ctx context.Context, messages []datatypes.Message) (string, error)
}

// Manager owns the per-model token budgets.
type Manager struct {
	budgets    map[string]int
	summarizer Summarizer
}

// New creates a Manager. budgets maps model id to context window size in
// tokens; unknown models use a conservative default. summarizer may be nil,
// in which case overflow always degrades to truncation.
func New(budgets map[string]int, summarizer Summarizer) *Manager {
	return &Manager{budgets: budgets, summarizer: summarizer}
}

// EstimateTokens approximates the token cost of a message: one token per
// four bytes, rounded up, plus fixed per-message overhead. Deliberately
// over-estimates on dense text so budgets fail safe.
func EstimateTokens(msg datatypes.Message) int {
	return (len(msg.Content)+3)/4 + perMessageOverhead
}

// Budget returns the usable prompt budget for model, after reserving room
// for the response.
func (m *Manager) Budget(model string) int {
	window, ok := m.budgets[model]
	if !ok || window <= 0 {
		window = defaultBudget
	}
	budget := window - responseReserve
	if budget < responseReserve {
		budget = window / 2
	}
	return budget
}

// Prepare fits history plus the new user message into model's budget.
//
// # Description
//
// Walks messages newest-first, keeping whole messages until the budget is
// exhausted. A leading system message is always kept and charged first. When
// the dropped overflow is large enough, the dropped messages are condensed
// into a one-message digest inserted where they were; on summarization
// failure or a nil summarizer the digest degrades to a fixed truncation
// notice. The relative order of kept messages is always preserved, no
// message is ever kept partially, and the assembled prompt, digest
// included, always estimates within the budget.
func (m *Manager) Prepare(ctx context.Context, model string, history []datatypes.Message, next datatypes.Message) []datatypes.Message {
	ctx, span := tracer.Start(ctx, "Manager.Prepare")
	defer span.End()

	budget := m.Budget(model)
	span.SetAttributes(
		attribute.String("context.model", model),
		attribute.Int("context.budget", budget),
		attribute.Int("context.history_len", len(history)),
	)

	var system *datatypes.Message
	rest := history
	if len(rest) > 0 && rest[0].Role == datatypes.RoleSystem {
		system = &rest[0]
		rest = rest[1:]
	}

	spent := EstimateTokens(next)
	if system != nil {
		spent += EstimateTokens(*system)
	}

	keepFrom := oldestAffordable(rest, spent, budget)
	if keepFrom == 0 {
		return assemble(system, nil, rest, next)
	}

	// Dropping history inserts a digest message, so hold back room for it
	// and re-walk; otherwise the digest would push the prompt over budget.
	allowance := digestAllowance(budget)
	keepFrom = oldestAffordable(rest, spent, budget-allowance)

	dropped := rest[:keepFrom]
	kept := rest[keepFrom:]

	digest := m.condense(ctx, model, budget, dropped)
	clampContent(digest, allowance)
	slog.Info("context window overflow handled",
		"model", model,
		"dropped", len(dropped),
		"kept", len(kept),
		"budget", budget,
	)
	return assemble(system, digest, kept, next)
}

// oldestAffordable walks rest newest-first with spent tokens already
// committed and returns the index of the oldest message that still fits.
func oldestAffordable(rest []datatypes.Message, spent, budget int) int {
	keepFrom := len(rest)
	for i := len(rest) - 1; i >= 0; i-- {
		cost := EstimateTokens(rest[i])
		if spent+cost > budget {
			break
		}
		spent += cost
		keepFrom = i
	}
	return keepFrom
}

// clampContent cuts msg so its estimated cost fits within allowance tokens.
// A summary longer than the room held back for it would defeat the budget.
func clampContent(msg *datatypes.Message, allowance int) {
	maxBytes := (allowance-perMessageOverhead)*4 - 3
	if maxBytes < 0 {
		maxBytes = 0
	}
	if len(msg.Content) > maxBytes {
		msg.Content = msg.Content[:maxBytes]
	}
}

// condense turns dropped history into a single system message, via the
// summarizer when the overflow justifies it.
func (m *Manager) condense(ctx context.Context, model string, budget int, dropped []datatypes.Message) *datatypes.Message {
	overflow := 0
	for _, msg := range dropped {
		overflow += EstimateTokens(msg)
	}

	content := truncationNotice
	if m.summarizer != nil && overflow >= summarizeThreshold(budget) {
		summary, err := m.summarizer.Summarize(ctx, dropped)
		if err != nil {
			slog.Warn("history summarization failed, truncating instead",
				"model", model, "error", err)
		} else if strings.TrimSpace(summary) != "" {
			content = fmt.Sprintf("[Summary of earlier conversation]\n%s", summary)
		}
	}
	return &datatypes.Message{Role: datatypes.RoleSystem, Content: content}
}

func assemble(system, digest *datatypes.Message, kept []datatypes.Message, next datatypes.Message) []datatypes.Message {
	out := make([]datatypes.Message, 0, len(kept)+3)
	if system != nil {
		out = append(out, *system)
	}
	if digest != nil {
		out = append(out, *digest)
	}
	out = append(out, kept...)
	return append(out, next)
}
