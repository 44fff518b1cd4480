// Copyright (C) 2025 Tiller ML (oss@tillerml.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"fmt"
	"time"
)

// CombineMethod selects how N ensemble member responses reduce to one.
type CombineMethod string

const (
	// CombineConcatenate joins all responses with labeled separators,
	// preserving input order.
	CombineConcatenate CombineMethod = "concatenate"

	// CombineLongest picks the response with the most characters.
	CombineLongest CombineMethod = "longest"

	// CombineShortest picks the response with the fewest characters.
	CombineShortest CombineMethod = "shortest"

	// CombineBest scores responses with a deterministic heuristic and picks
	// the highest score.
	CombineBest CombineMethod = "best"

	// CombineMajorityVote buckets responses by normalized-content similarity
	// and returns a representative of the largest bucket.
	CombineMajorityVote CombineMethod = "majority_vote"

	// CombineAverage returns all labeled responses side by side for
	// caller-side display. It is not a semantic average.
	CombineAverage CombineMethod = "average"
)

// Valid reports whether m names a known combination method.
func (m CombineMethod) Valid() bool {
	switch m {
	case CombineConcatenate, CombineLongest, CombineShortest,
		CombineBest, CombineMajorityVote, CombineAverage:
		return true
	}
	return false
}

// EnsembleSpec describes one ensemble call. Transient; one per call.
type EnsembleSpec struct {
	Prompt      string        `json:"prompt" validate:"required"`
	Models      []string      `json:"models" validate:"required,min=1"`
	Method      CombineMethod `json:"method"`
	Temperature *float32      `json:"temperature,omitempty"`
}

// Validate checks the spec shape and combination method.
func (s *EnsembleSpec) Validate() error {
	if err := validate().Struct(s); err != nil {
		return fmt.Errorf("invalid ensemble spec: %w", err)
	}
	if s.Method == "" {
		return fmt.Errorf("invalid ensemble spec: method is required")
	}
	if !s.Method.Valid() {
		return fmt.Errorf("invalid ensemble spec: unknown method %q", s.Method)
	}
	return nil
}

// EnsembleMember is the per-model outcome of one ensemble call. Exactly one
// of Result and Error is set.
type EnsembleMember struct {
	Model  string            `json:"model"`
	Result *GenerationResult `json:"result,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// Succeeded reports whether the member produced a result.
func (m EnsembleMember) Succeeded() bool {
	return m.Result != nil
}

// EnsembleResult aggregates the member outcomes of one logical request.
//
// Members preserve the spec's model input order regardless of completion
// order. Model names the winning member for selection methods and is
// "ensemble" for concatenate/average, which have no single winner.
type EnsembleResult struct {
	Method    CombineMethod    `json:"method"`
	Text      string           `json:"text"`
	Model     string           `json:"model,omitempty"`
	Members   []EnsembleMember `json:"members"`
	Elapsed   time.Duration    `json:"-"`
	ElapsedMs int64            `json:"elapsed_ms"`
}
