// Copyright (C) 2025 Tiller ML (oss@tillerml.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package router selects a serving model for a request, either from a static
// preference ladder or by classifying the prompt's task type with lexical
// heuristics.
package router

import (
	"errors"
	"log/slog"
	"strings"

	"github.com/tillerml/tiller/services/orchestrator/registry"
)

// ErrNoModelAvailable means routing exhausted every ladder and the registry
// has no available backend serving any candidate.
var ErrNoModelAvailable = errors.New("no model available")

// TaskType is the fixed enumeration of routable task types.
type TaskType string

const (
	TaskCode          TaskType = "code"
	TaskWriting       TaskType = "writing"
	TaskAnalysis      TaskType = "analysis"
	TaskTranslation   TaskType = "translation"
	TaskMath          TaskType = "math"
	TaskQuestion      TaskType = "question"
	TaskSummarization TaskType = "summarization"
	TaskCreative      TaskType = "creative"
	TaskFast          TaskType = "fast"
)

// Valid reports whether t names a known task type.
func (t TaskType) Valid() bool {
	switch t {
	case TaskCode, TaskWriting, TaskAnalysis, TaskTranslation, TaskMath,
		TaskQuestion, TaskSummarization, TaskCreative, TaskFast:
		return true
	}
	return false
}

// Decision is a routing outcome. Confidence is a deterministic function of
// how many heuristic signals matched, not a learned score; the caller may
// display it alongside the detected task as the routing reasoning.
type Decision struct {
	Model      string   `json:"model"`
	Task       TaskType `json:"detected_task"`
	Confidence float64  `json:"confidence"`
}

// Config carries the routing ladders.
type Config struct {
	// Preference is the static default ladder, most capable first.
	Preference []string

	// Tasks maps each task type to its ordered preferred models. Missing
	// task types fall back to the Preference ladder.
	Tasks map[TaskType][]string
}

// Router classifies prompts and picks serving models against the registry's
// current availability snapshot.
type Router struct {
	registry *registry.Registry
	cfg      Config
}

// New creates a Router.
func New(reg *registry.Registry, cfg Config) *Router {
	return &Router{registry: reg, cfg: cfg}
}

// Route picks a model for prompt. When override names a valid task type the
// classifier is skipped and the override routes directly. Returns
// ErrNoModelAvailable when nothing can serve.
func (r *Router) Route(prompt string, override TaskType) (Decision, error) {
	task, confidence := override, 1.0
	if override == "" {
		task, confidence = Classify(prompt)
	} else if !override.Valid() {
		slog.Warn("ignoring unknown task type override", "task", override)
		task, confidence = Classify(prompt)
	}

	if model, ok := r.firstAvailable(r.cfg.Tasks[task]); ok {
		return Decision{Model: model, Task: task, Confidence: confidence}, nil
	}

	// Task ladder exhausted; fall back to auto-select.
	model, err := r.AutoSelect()
	if err != nil {
		return Decision{}, err
	}
	return Decision{Model: model, Task: task, Confidence: confidence}, nil
}

// AutoSelect returns the first available model from the static preference
// ladder, else the first model any available backend serves.
func (r *Router) AutoSelect() (string, error) {
	if model, ok := r.firstAvailable(r.cfg.Preference); ok {
		return model, nil
	}
	if models := r.registry.Models(); len(models) > 0 {
		return models[0], nil
	}
	return "", ErrNoModelAvailable
}

// firstAvailable walks a ladder and returns the first model the registry can
// currently resolve.
func (r *Router) firstAvailable(ladder []string) (string, bool) {
	for _, model := range ladder {
		if _, err := r.registry.Resolve(model, ""); err == nil {
			return model, true
		}
	}
	return "", false
}

// Classify detects the prompt's task type from lexical signals.
//
// # Description
//
// Counts keyword and pattern matches per task type in taskPatterns order and
// keeps the highest count; earlier tasks win ties. Confidence grows with the
// number of matched signals and is capped below certainty. Degrades to
// TaskQuestion with low confidence rather than failing; misclassification is
// an accepted, testable degradation.
func Classify(prompt string) (TaskType, float64) {
	lower := strings.ToLower(prompt)

	best := TaskQuestion
	bestSignals := 0
	for _, p := range taskPatterns {
		signals := 0
		for _, kw := range p.keywords {
			if strings.Contains(lower, kw) {
				signals++
			}
		}
		for _, re := range p.regexes {
			if re.MatchString(prompt) {
				signals++
			}
		}
		if signals > bestSignals {
			best = p.task
			bestSignals = signals
		}
	}

	if bestSignals == 0 {
		return TaskQuestion, 0.3
	}
	confidence := 0.5 + 0.15*float64(bestSignals)
	if confidence > 0.95 {
		confidence = 0.95
	}
	return best, confidence
}
