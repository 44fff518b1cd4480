// Copyright (C) 2025 Tiller ML (oss@tillerml.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ensemble issues one prompt to several models concurrently and
// reduces the responses to one result via a selectable strategy.
package ensemble

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tillerml/tiller/services/llm"
	"github.com/tillerml/tiller/services/orchestrator/datatypes"
	"github.com/tillerml/tiller/services/orchestrator/registry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"
)

var tracer = otel.Tracer("tiller.orchestrator.ensemble")

// AllFailedError is returned when every ensemble member failed. It carries
// the per-model error list so the caller sees each failure, not just one.
type AllFailedError struct {
	Members []datatypes.EnsembleMember
}

func (e *AllFailedError) Error() string {
	parts := make([]string, 0, len(e.Members))
	for _, m := range e.Members {
		parts = append(parts, fmt.Sprintf("%s: %s", m.Model, m.Error))
	}
	return "all ensemble models failed: " + strings.Join(parts, "; ")
}

// Config bounds ensemble execution.
type Config struct {
	// MaxConcurrent caps in-flight member generations. Zero means all
	// members run at once.
	MaxConcurrent int

	// Timeout is the shared deadline for the whole fan-out. Zero means
	// a 2 minute default.
	Timeout time.Duration
}

// Combiner fans one prompt out to several models and fans the results in.
type Combiner struct {
	registry *registry.Registry
	cfg      Config
}

// New creates a Combiner.
func New(reg *registry.Registry, cfg Config) *Combiner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &Combiner{registry: reg, cfg: cfg}
}

// Combine executes the spec.
//
// # Description
//
// Every listed model runs as an independent concurrent unit under a shared
// deadline. A slow or failed member never blocks collection of the others:
// each failure is recorded in its member slot and the call succeeds with the
// partial set. Only when every member fails does the call return an
// AllFailedError. Member order in the result equals spec input order
// regardless of completion order.
func (c *Combiner) Combine(ctx context.Context, spec datatypes.EnsembleSpec) (*datatypes.EnsembleResult, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "Combiner.Combine")
	defer span.End()
	span.SetAttributes(
		attribute.Int("ensemble.num_models", len(spec.Models)),
		attribute.String("ensemble.method", string(spec.Method)),
	)

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	maxConcurrent := int64(c.cfg.MaxConcurrent)
	if maxConcurrent <= 0 {
		maxConcurrent = int64(len(spec.Models))
	}
	sem := semaphore.NewWeighted(maxConcurrent)

	start := time.Now()
	members := make([]datatypes.EnsembleMember, len(spec.Models))
	var wg sync.WaitGroup
	for i, model := range spec.Models {
		members[i].Model = model
		wg.Add(1)
		go func(slot int, model string) {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				members[slot].Error = llm.Wrap(llm.KindTimeout, "", err, "deadline expired before dispatch").Error()
				return
			}
			defer sem.Release(1)
			members[slot] = c.runMember(ctx, model, spec)
		}(i, model)
	}
	wg.Wait()

	succeeded := 0
	for _, m := range members {
		if m.Succeeded() {
			succeeded++
		}
	}
	slog.Info("ensemble collected",
		"models", len(spec.Models),
		"succeeded", succeeded,
		"method", spec.Method,
		"elapsed", time.Since(start),
	)
	if succeeded == 0 {
		return nil, &AllFailedError{Members: members}
	}

	result := combine(spec.Method, members)
	result.Elapsed = time.Since(start)
	result.ElapsedMs = result.Elapsed.Milliseconds()
	return result, nil
}

// runMember resolves and invokes one model, packaging the outcome into its
// member slot value.
func (c *Combiner) runMember(ctx context.Context, model string, spec datatypes.EnsembleSpec) datatypes.EnsembleMember {
	member := datatypes.EnsembleMember{Model: model}

	backend, err := c.registry.Resolve(model, "")
	if err != nil {
		member.Error = err.Error()
		return member
	}

	params := llm.GenerationParams{Temperature: spec.Temperature}
	result, err := backend.Generate(ctx, model, spec.Prompt, params)
	if err != nil {
		member.Error = err.Error()
		return member
	}
	member.Result = result
	return member
}
