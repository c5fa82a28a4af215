// Package guard is the output safety gate every customer-facing reply passes
// through, whether it came from a template or from a model.
package guard

import (
	"regexp"
	"strings"

	"golang.org/x/text/cases"
)

// Result is the outcome of validating one candidate reply.
type Result struct {
	Valid bool
	Error string
}

// Rejection reasons, reported in rule order.
const (
	ErrForbiddenPhrase   = "forbidden_phrase"
	ErrMultipleQuestions = "multiple_questions"
	ErrAIMeta            = "ai_meta_leakage"
	ErrEmpty             = "empty"
)

var forbiddenPhrases = []string{
	"guarantee",
	"100%",
	"100 %",
	"hundred percent",
	"no risk",
	"risk-free",
	"approval is certain",
	"certain approval",
	"definitely approved",
	"insider",
	"inside contact",
	"government contact",
	"contacts in the government",
	"contacts at immigration",
	"connections in immigration",
	"fast-track through our contacts",
	"skip the queue",
	"bypass the process",
}

var aiMetaPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bas an ai\b`),
	regexp.MustCompile(`\bas a language model\b`),
	regexp.MustCompile(`\b(?:large )?language model\b`),
	regexp.MustCompile(`\bsystem prompt\b`),
	regexp.MustCompile(`\bi will now\b`),
	regexp.MustCompile(`\bi am an? (?:ai|assistant|bot|chatbot)\b`),
	regexp.MustCompile(`\bi'm an? (?:ai|assistant|bot|chatbot)\b`),
	regexp.MustCompile(`\b(?:my|the) instructions\b`),
	regexp.MustCompile(`\bhere is (?:the|a|your) (?:rewritten|revised|improved) (?:message|reply|text)\b`),
	regexp.MustCompile(`\bopenai\b|\bchatgpt\b`),
	regexp.MustCompile(`<\/?(?:system|assistant|user)>`),
}

// Validate checks text against the forbidden-phrase list, the single-question
// rule and the AI-meta patterns, in that order. The first failing rule wins.
func Validate(text string) Result {
	if strings.TrimSpace(text) == "" {
		return Result{Error: ErrEmpty}
	}
	folded := cases.Fold().String(text)

	for _, phrase := range forbiddenPhrases {
		if strings.Contains(folded, phrase) {
			return Result{Error: ErrForbiddenPhrase + ": " + phrase}
		}
	}
	if countQuestionMarks(text) > 1 {
		return Result{Error: ErrMultipleQuestions}
	}
	for _, re := range aiMetaPatterns {
		if re.MatchString(folded) {
			return Result{Error: ErrAIMeta}
		}
	}
	return Result{Valid: true}
}

// countQuestionMarks counts ASCII, Arabic and full-width question marks.
func countQuestionMarks(text string) int {
	n := 0
	for _, r := range text {
		switch r {
		case '?', '؟', '？':
			n++
		}
	}
	return n
}
