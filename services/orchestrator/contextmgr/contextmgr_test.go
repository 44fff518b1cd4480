// Copyright (C) 2025 Tiller ML (oss@tillerml.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package contextmgr

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tillerml/tiller/services/orchestrator/datatypes"
)

type fakeSummarizer struct {
	summary string
	err     error
	calls   int
	got     []datatypes.Message
}

func (f *fakeSummarizer) Summarize(ctx context.Context, messages []datatypes.Message) (string, error) {
	f.calls++
	f.got = messages
	return f.summary, f.err
}

func userMsg(content string) datatypes.Message {
	return datatypes.Message{Role: datatypes.RoleUser, Content: content}
}

func assistantMsg(content string) datatypes.Message {
	return datatypes.Message{Role: datatypes.RoleAssistant, Content: content}
}

// bulky builds a message costing roughly n tokens.
func bulky(role string, n int) datatypes.Message {
	return datatypes.Message{Role: role, Content: strings.Repeat("word", n)}
}

func TestEstimateTokens(t *testing.T) {
	t.Parallel()

	assert.Equal(t, perMessageOverhead, EstimateTokens(datatypes.Message{}))
	assert.Equal(t, 1+perMessageOverhead, EstimateTokens(userMsg("abc")))
	assert.Equal(t, 1+perMessageOverhead, EstimateTokens(userMsg("abcd")))
	assert.Equal(t, 2+perMessageOverhead, EstimateTokens(userMsg("abcde")))
}

func TestBudget(t *testing.T) {
	t.Parallel()

	m := New(map[string]int{"big": 32768, "tiny": 1024}, nil)

	assert.Equal(t, 32768-responseReserve, m.Budget("big"))
	assert.Equal(t, defaultBudget-responseReserve, m.Budget("unknown"))
	// Reserving more than half the window would starve the prompt; small
	// windows split evenly instead.
	assert.Equal(t, 512, m.Budget("tiny"))
}

func TestPrepare_UnderBudgetIsUntouched(t *testing.T) {
	t.Parallel()

	m := New(nil, nil)
	history := []datatypes.Message{
		{Role: datatypes.RoleSystem, Content: "be brief"},
		userMsg("hello"),
		assistantMsg("hi there"),
	}
	next := userMsg("how are you?")

	out := m.Prepare(context.Background(), "any-model", history, next)

	require.Len(t, out, 4)
	assert.Equal(t, history[0], out[0])
	assert.Equal(t, history[1], out[1])
	assert.Equal(t, history[2], out[2])
	assert.Equal(t, next, out[3])
}

func TestPrepare_OverflowTruncatesOldest(t *testing.T) {
	t.Parallel()

	// Window 2048 leaves a 1024-token prompt budget. Each bulky message
	// costs ~604 tokens, so only the most recent fits alongside the new
	// message.
	m := New(map[string]int{"small": 2048}, nil)
	history := []datatypes.Message{
		bulky(datatypes.RoleUser, 600),
		bulky(datatypes.RoleAssistant, 600),
		userMsg("latest exchange"),
	}
	next := userMsg("new question")

	out := m.Prepare(context.Background(), "small", history, next)

	require.NotEmpty(t, out)
	assert.Equal(t, datatypes.RoleSystem, out[0].Role)
	assert.Equal(t, truncationNotice, out[0].Content)
	assert.Equal(t, "new question", out[len(out)-1].Content)

	// Kept messages stay in order and are never split.
	for _, msg := range out[1 : len(out)-1] {
		assert.NotContains(t, msg.Content, truncationNotice)
	}
	assert.LessOrEqual(t, totalEstimate(out), m.Budget("small"))
}

func totalEstimate(messages []datatypes.Message) int {
	total := 0
	for _, msg := range messages {
		total += EstimateTokens(msg)
	}
	return total
}

func TestPrepare_OverflowingSummaryStaysWithinBudget(t *testing.T) {
	t.Parallel()

	// A summarizer can return far more text than the window has room for;
	// the digest must be clamped so the assembled prompt still fits.
	summarizer := &fakeSummarizer{summary: strings.Repeat("all the details ", 500)}
	m := New(map[string]int{"small": 2048}, summarizer)
	history := []datatypes.Message{
		bulky(datatypes.RoleUser, 600),
		bulky(datatypes.RoleAssistant, 600),
		userMsg("recent"),
	}

	out := m.Prepare(context.Background(), "small", history, userMsg("next"))

	require.Equal(t, 1, summarizer.calls)
	require.NotEmpty(t, out)
	assert.Contains(t, out[0].Content, "[Summary of earlier conversation]")
	assert.LessOrEqual(t, totalEstimate(out), m.Budget("small"))
	assert.Equal(t, "next", out[len(out)-1].Content)
}

func TestPrepare_ThresholdScalesWithBudget(t *testing.T) {
	t.Parallel()

	// The same ~200-token drop is worth summarizing on a small window but
	// not on a large one; the trigger is a fraction of the budget, not a
	// fixed count.
	smallSum := &fakeSummarizer{summary: "short recap"}
	small := New(map[string]int{"m": 1024}, smallSum)
	history := []datatypes.Message{
		bulky(datatypes.RoleUser, 200),
		bulky(datatypes.RoleAssistant, 200),
		bulky(datatypes.RoleUser, 200),
	}
	small.Prepare(context.Background(), "m", history, userMsg("next"))
	assert.Equal(t, 1, smallSum.calls)

	largeSum := &fakeSummarizer{summary: "unused"}
	large := New(map[string]int{"m": 4096}, largeSum)
	var long []datatypes.Message
	for i := 0; i < 16; i++ {
		long = append(long, bulky(datatypes.RoleUser, 200))
	}
	out := large.Prepare(context.Background(), "m", long, userMsg("next"))
	assert.Zero(t, largeSum.calls)
	require.NotEmpty(t, out)
	assert.Equal(t, truncationNotice, out[0].Content)
}

func TestPrepare_SystemMessageAlwaysKept(t *testing.T) {
	t.Parallel()

	m := New(map[string]int{"small": 2048}, nil)
	history := []datatypes.Message{
		{Role: datatypes.RoleSystem, Content: "you are a pirate"},
		bulky(datatypes.RoleUser, 600),
		bulky(datatypes.RoleAssistant, 600),
	}
	next := userMsg("arr?")

	out := m.Prepare(context.Background(), "small", history, next)

	require.NotEmpty(t, out)
	assert.Equal(t, "you are a pirate", out[0].Content)
	assert.Equal(t, "arr?", out[len(out)-1].Content)
}

func TestPrepare_SummarizerCondensesLargeOverflow(t *testing.T) {
	t.Parallel()

	summarizer := &fakeSummarizer{summary: "they discussed databases"}
	m := New(map[string]int{"small": 2048}, summarizer)
	history := []datatypes.Message{
		bulky(datatypes.RoleUser, 600),
		bulky(datatypes.RoleAssistant, 600),
		userMsg("recent"),
	}

	out := m.Prepare(context.Background(), "small", history, userMsg("next"))

	require.Equal(t, 1, summarizer.calls)
	assert.NotEmpty(t, summarizer.got)
	require.NotEmpty(t, out)
	assert.Equal(t, datatypes.RoleSystem, out[0].Role)
	assert.Contains(t, out[0].Content, "[Summary of earlier conversation]")
	assert.Contains(t, out[0].Content, "they discussed databases")
}

func TestPrepare_SummarizerFailureDegradesToTruncation(t *testing.T) {
	t.Parallel()

	summarizer := &fakeSummarizer{err: errors.New("model offline")}
	m := New(map[string]int{"small": 2048}, summarizer)
	history := []datatypes.Message{
		bulky(datatypes.RoleUser, 600),
		bulky(datatypes.RoleAssistant, 600),
	}

	out := m.Prepare(context.Background(), "small", history, userMsg("next"))

	require.Equal(t, 1, summarizer.calls)
	require.NotEmpty(t, out)
	assert.Equal(t, truncationNotice, out[0].Content)
}

func TestPrepare_SmallOverflowSkipsSummarizer(t *testing.T) {
	t.Parallel()

	summarizer := &fakeSummarizer{summary: "unused"}
	// Budget 512; drop only one ~104-token message, well under the
	// summarization threshold.
	m := New(map[string]int{"tiny": 1024}, summarizer)
	history := []datatypes.Message{
		bulky(datatypes.RoleUser, 100),
		bulky(datatypes.RoleAssistant, 200),
		bulky(datatypes.RoleUser, 200),
	}

	out := m.Prepare(context.Background(), "tiny", history, userMsg("next"))

	assert.Zero(t, summarizer.calls)
	require.NotEmpty(t, out)
	assert.Equal(t, truncationNotice, out[0].Content)
}

func TestPrepare_EmptyHistory(t *testing.T) {
	t.Parallel()

	m := New(nil, nil)
	next := userMsg("first message")

	out := m.Prepare(context.Background(), "any", nil, next)

	require.Len(t, out, 1)
	assert.Equal(t, next, out[0])
}
