// Copyright (C) 2025 Tiller ML (oss@tillerml.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ensemble

import (
	"fmt"
	"strings"

	"github.com/tillerml/tiller/services/orchestrator/datatypes"
)

// combine reduces the member set with the named strategy. Callers must have
// verified at least one member succeeded. All strategies are pure functions
// of the member slice, so equal inputs always combine to equal outputs.
func combine(method datatypes.CombineMethod, members []datatypes.EnsembleMember) *datatypes.EnsembleResult {
	result := &datatypes.EnsembleResult{Method: method, Members: members}

	switch method {
	case datatypes.CombineConcatenate:
		result.Text = labeledResponses(members)
		result.Model = "ensemble"

	case datatypes.CombineLongest:
		pick := pickBy(members, func(a, b string) bool { return len(a) > len(b) })
		result.Text = pick.Result.Text
		result.Model = pick.Model

	case datatypes.CombineShortest:
		pick := pickBy(members, func(a, b string) bool { return len(a) < len(b) })
		result.Text = pick.Result.Text
		result.Model = pick.Model

	case datatypes.CombineBest:
		pick := pickBy(members, func(a, b string) bool { return qualityScore(a) > qualityScore(b) })
		result.Text = pick.Result.Text
		result.Model = pick.Model

	case datatypes.CombineMajorityVote:
		pick := majorityVote(members)
		result.Text = pick.Result.Text
		result.Model = pick.Model

	case datatypes.CombineAverage:
		// Text cannot be averaged; show every labeled answer side by side
		// plus the spread, for caller-side comparison.
		result.Text = fmt.Sprintf("%s\n\n(%d responses, avg length %d chars)",
			labeledResponses(members), succeededCount(members), averageLength(members))
		result.Model = "ensemble"
	}

	return result
}

// labeledResponses renders every successful response under its model label,
// preserving input order.
func labeledResponses(members []datatypes.EnsembleMember) string {
	var b strings.Builder
	for _, m := range members {
		if !m.Succeeded() {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%s]\n%s", m.Model, m.Result.Text)
	}
	return b.String()
}

// pickBy returns the first succeeded member for which better(candidate,
// current) never holds for a later member. Ties keep the earlier member, so
// selection is deterministic in input order.
func pickBy(members []datatypes.EnsembleMember, better func(a, b string) bool) *datatypes.EnsembleMember {
	var pick *datatypes.EnsembleMember
	for i := range members {
		m := &members[i]
		if !m.Succeeded() {
			continue
		}
		if pick == nil || better(m.Result.Text, pick.Result.Text) {
			pick = m
		}
	}
	return pick
}

// qualityScore is a crude length-and-structure heuristic for "best": longer
// answers with paragraph structure score higher, heavily truncated or empty
// ones lower. It exists so "best" beats "longest" on pathological padding.
func qualityScore(text string) float64 {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	score := float64(len(trimmed))
	score += float64(strings.Count(trimmed, "\n\n")) * 50
	if strings.HasSuffix(trimmed, ".") || strings.HasSuffix(trimmed, "```") {
		score += 100
	}
	return score
}

// majorityVote groups responses into buckets of near-identical answers and
// returns the earliest member of the largest bucket.
//
// Exact-match voting is useless on free text, so the bucket key is a coarse
// similarity proxy: normalized length band plus the first normalized
// characters. Equal bucket sizes break toward the bucket whose first member
// appeared earlier, keeping the vote deterministic.
func majorityVote(members []datatypes.EnsembleMember) *datatypes.EnsembleMember {
	type bucket struct {
		first *datatypes.EnsembleMember
		votes int
		order int
	}
	buckets := make(map[string]*bucket)
	next := 0
	for i := range members {
		m := &members[i]
		if !m.Succeeded() {
			continue
		}
		key := voteKey(m.Result.Text)
		b, ok := buckets[key]
		if !ok {
			b = &bucket{first: m, order: next}
			next++
			buckets[key] = b
		}
		b.votes++
	}

	var win *bucket
	for _, b := range buckets {
		if win == nil || b.votes > win.votes || (b.votes == win.votes && b.order < win.order) {
			win = b
		}
	}
	return win.first
}

// voteKey normalizes a response to its similarity bucket: lowercase with
// collapsed whitespace, keyed by length band (64-char granularity) and the
// first 16 normalized characters.
func voteKey(text string) string {
	norm := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	head := norm
	if len(head) > 16 {
		head = head[:16]
	}
	return fmt.Sprintf("%d|%s", len(norm)/64, head)
}

func succeededCount(members []datatypes.EnsembleMember) int {
	n := 0
	for _, m := range members {
		if m.Succeeded() {
			n++
		}
	}
	return n
}

func averageLength(members []datatypes.EnsembleMember) int {
	total, n := 0, 0
	for _, m := range members {
		if m.Succeeded() {
			total += len(m.Result.Text)
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return total / n
}
