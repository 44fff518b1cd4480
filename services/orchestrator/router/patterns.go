// Copyright (C) 2025 Tiller ML (oss@tillerml.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package router

import "regexp"

// taskPattern is one lexical signal set for a task type. Classification
// counts matched signals; it is deliberately a best-effort, non-ML
// heuristic, and misclassification degrades to default routing rather than
// failing.
type taskPattern struct {
	task     TaskType
	keywords []string
	regexes  []*regexp.Regexp
}

var (
	codeFenceRe      = regexp.MustCompile("(?s)```")
	writeCodeRe      = regexp.MustCompile(`(?i)\bwrite (a |an |the )?(function|script|program|class|method|test|regex|query)\b`)
	mathExprRe       = regexp.MustCompile(`\d+\s*[-+*/^%]\s*\d+`)
	translateToRe    = regexp.MustCompile(`(?i)\b(to|into|in|from) (english|french|german|spanish|italian|japanese|chinese|korean|portuguese|russian)\b`)
	imperativeDocRe  = regexp.MustCompile(`(?i)\b(write|draft|compose) (a |an |the )?(essay|article|email|letter|blog|report|post)\b`)
	questionLeadRe   = regexp.MustCompile(`(?i)^(what|who|when|where|why|how|is|are|can|does|do|did|should|would)\b`)
	shortAnswerReqRe = regexp.MustCompile(`(?i)\b(one word|one sentence|yes or no)\b`)
)

// taskPatterns is checked in order; earlier entries win ties because a
// matched earlier task with equal signal count keeps its position. The exact
// keyword set is an implementation choice; tests assert consistency of the
// classifier, not an authoritative ground truth.
var taskPatterns = []taskPattern{
	{
		task: TaskCode,
		keywords: []string{
			"code", "function", "bug", "debug", "compile", "refactor",
			"implement", "algorithm", "regex", "stack trace", "unit test",
			"python", "golang", " go ", "javascript", "typescript", "rust",
			"java ", "sql",
		},
		regexes: []*regexp.Regexp{codeFenceRe, writeCodeRe},
	},
	{
		task: TaskMath,
		keywords: []string{
			"calculate", "solve", "equation", "integral", "derivative",
			"probability", "theorem", "proof",
		},
		regexes: []*regexp.Regexp{mathExprRe},
	},
	{
		task:     TaskTranslation,
		keywords: []string{"translate", "translation"},
		regexes:  []*regexp.Regexp{translateToRe},
	},
	{
		task:     TaskSummarization,
		keywords: []string{"summarize", "summarise", "summary", "tl;dr", "condense", "key points"},
	},
	{
		task:     TaskCreative,
		keywords: []string{"story", "poem", "haiku", "fiction", "imagine a", "once upon"},
	},
	{
		task:     TaskWriting,
		keywords: []string{"essay", "article", "email", "blog post", "cover letter", "rewrite", "proofread"},
		regexes:  []*regexp.Regexp{imperativeDocRe},
	},
	{
		task:     TaskAnalysis,
		keywords: []string{"analyze", "analyse", "compare", "evaluate", "pros and cons", "trade-off", "assessment"},
	},
	{
		task:     TaskFast,
		keywords: []string{"quick", "quickly", "briefly", "short answer"},
		regexes:  []*regexp.Regexp{shortAnswerReqRe},
	},
	{
		task:    TaskQuestion,
		regexes: []*regexp.Regexp{questionLeadRe},
	},
}
