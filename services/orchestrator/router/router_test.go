// Copyright (C) 2025 Tiller ML (oss@tillerml.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tillerml/tiller/services/llm"
	"github.com/tillerml/tiller/services/orchestrator/datatypes"
	"github.com/tillerml/tiller/services/orchestrator/registry"
)

// staticBackend serves a fixed model list; enough surface for routing tests.
type staticBackend struct {
	name   string
	models []string
}

func (s *staticBackend) Name() string { return s.name }

func (s *staticBackend) Info(ctx context.Context) datatypes.BackendInfo {
	return datatypes.BackendInfo{Name: s.name, Kind: datatypes.KindLocal, Available: true, Models: s.models}
}

func (s *staticBackend) IsAvailable(ctx context.Context) bool { return true }

func (s *staticBackend) ListModels(ctx context.Context) ([]string, error) { return s.models, nil }

func (s *staticBackend) Generate(ctx context.Context, model, prompt string,
	params llm.GenerationParams) (*datatypes.GenerationResult, error) {
	return &datatypes.GenerationResult{Text: "ok", Backend: s.name, Model: model}, nil
}

func (s *staticBackend) Chat(ctx context.Context, model string, messages []datatypes.Message,
	params llm.GenerationParams) (*datatypes.GenerationResult, error) {
	return &datatypes.GenerationResult{Text: "ok", Backend: s.name, Model: model}, nil
}

func (s *staticBackend) ChatStream(ctx context.Context, model string, messages []datatypes.Message,
	params llm.GenerationParams, callback llm.StreamCallback) error {
	return callback(llm.StreamEvent{Type: llm.StreamEventDone})
}

func (s *staticBackend) PullModel(ctx context.Context, model string, progress llm.ProgressFunc) error {
	return llm.Errf(llm.KindUnsupported, s.name, "pull is not supported")
}

func newTestRouter(cfg Config, models ...string) *Router {
	reg := registry.New(context.Background(),
		[]llm.Backend{&staticBackend{name: "local", models: models}})
	return New(reg, cfg)
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		prompt string
		want   TaskType
	}{
		{"code request", "Write a function to reverse a string", TaskCode},
		{"code fence", "What does this do?\n```\nfmt.Println(1)\n```", TaskCode},
		{"math expression", "What is 17 * 23 + 5?", TaskMath},
		{"translation", "Translate this paragraph into French", TaskTranslation},
		{"summarization", "Summarize the key points of this meeting", TaskSummarization},
		{"creative", "Write me a haiku about autumn", TaskCreative},
		{"writing", "Draft an email to my landlord about the broken heater", TaskWriting},
		{"analysis", "Compare the pros and cons of these two databases", TaskAnalysis},
		{"plain question", "Why is the sky blue", TaskQuestion},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			task, confidence := Classify(tc.prompt)
			assert.Equal(t, tc.want, task)
			assert.Greater(t, confidence, 0.0)
			assert.LessOrEqual(t, confidence, 0.95)
		})
	}
}

func TestClassify_NoSignalsDegradesToQuestion(t *testing.T) {
	t.Parallel()

	task, confidence := Classify("lorem ipsum dolor sit amet")
	assert.Equal(t, TaskQuestion, task)
	assert.InDelta(t, 0.3, confidence, 1e-9)
}

func TestClassify_ConfidenceGrowsWithSignals(t *testing.T) {
	t.Parallel()

	_, one := Classify("please debug something")
	_, many := Classify("debug and refactor this python function, the compile fails")
	assert.Greater(t, many, one)
}

func TestRoute_TaskLadder(t *testing.T) {
	t.Parallel()

	router := newTestRouter(Config{
		Preference: []string{"general-model"},
		Tasks: map[TaskType][]string{
			TaskCode: {"unavailable-coder", "coder-model"},
		},
	}, "general-model", "coder-model")

	decision, err := router.Route("Write a function to reverse a string", "")
	require.NoError(t, err)
	assert.Equal(t, "coder-model", decision.Model)
	assert.Equal(t, TaskCode, decision.Task)
}

func TestRoute_OverrideSkipsClassifier(t *testing.T) {
	t.Parallel()

	router := newTestRouter(Config{
		Tasks: map[TaskType][]string{
			TaskCreative: {"creative-model"},
		},
	}, "creative-model")

	// The prompt reads as code, but the caller pinned the task.
	decision, err := router.Route("write a function", TaskCreative)
	require.NoError(t, err)
	assert.Equal(t, "creative-model", decision.Model)
	assert.Equal(t, TaskCreative, decision.Task)
	assert.Equal(t, 1.0, decision.Confidence)
}

func TestRoute_InvalidOverrideFallsBackToClassifier(t *testing.T) {
	t.Parallel()

	router := newTestRouter(Config{
		Tasks: map[TaskType][]string{
			TaskCode: {"coder-model"},
		},
	}, "coder-model")

	decision, err := router.Route("Write a function to reverse a string", TaskType("jazz"))
	require.NoError(t, err)
	assert.Equal(t, TaskCode, decision.Task)
}

func TestRoute_LadderExhaustedFallsBackToPreference(t *testing.T) {
	t.Parallel()

	router := newTestRouter(Config{
		Preference: []string{"missing", "fallback-model"},
		Tasks: map[TaskType][]string{
			TaskCode: {"nobody-serves-this"},
		},
	}, "fallback-model")

	decision, err := router.Route("Write a function to reverse a string", "")
	require.NoError(t, err)
	assert.Equal(t, "fallback-model", decision.Model)
	assert.Equal(t, TaskCode, decision.Task)
}

func TestAutoSelect_FallsBackToAnyServedModel(t *testing.T) {
	t.Parallel()

	router := newTestRouter(Config{Preference: []string{"not-served"}}, "only-model")

	model, err := router.AutoSelect()
	require.NoError(t, err)
	assert.Equal(t, "only-model", model)
}

func TestRoute_NoModelAvailable(t *testing.T) {
	t.Parallel()

	reg := registry.New(context.Background(), nil)
	router := New(reg, Config{Preference: []string{"anything"}})

	_, err := router.Route("hello", "")
	require.ErrorIs(t, err, ErrNoModelAvailable)
}
