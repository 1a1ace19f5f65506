package main

import "strings"

// GenerationMode selects the backend prompt template.
type GenerationMode string

const (
	GenModeGenerate  GenerationMode = "generate"
	GenModeRewrite   GenerationMode = "rewrite"
	GenModeFix       GenerationMode = "fix"
	GenModeTranslate GenerationMode = "translate"
)

var fixKeywords = []string{
	"fix", "grammar", "spelling", "typo", "typos", "correct",
}

var translateKeywords = []string{
	"translate", "translation",
}

// rewriteKeywords imply a tone or length change of existing text. They only
// select rewrite when selection context exists — without context there is
// nothing to rewrite and the prompt falls through to generate.
var rewriteKeywords = []string{
	"rewrite", "reword", "rephrase", "shorter", "longer", "concise",
	"simplify", "formal", "casual", "friendly", "professional", "polite",
	"tone", "improve", "polish",
}

// DetectMode scans the prompt case-insensitively for keyword families.
// Precedence: fix, translate, rewrite (context-gated), generate.
func DetectMode(prompt, context string) GenerationMode {
	p := strings.ToLower(prompt)
	if containsAny(p, fixKeywords) {
		return GenModeFix
	}
	if containsAny(p, translateKeywords) {
		return GenModeTranslate
	}
	if context != "" && containsAny(p, rewriteKeywords) {
		return GenModeRewrite
	}
	// An empty prompt over a selection means "clean this up".
	if context != "" && strings.TrimSpace(prompt) == "" {
		return GenModeRewrite
	}
	return GenModeGenerate
}

// ClassifyModeType picks the request's mode_type: draft when the request
// involves writing or editing (context present, or an editing mode), chat
// otherwise.
func ClassifyModeType(mode GenerationMode, context string) ConversationMode {
	switch mode {
	case GenModeRewrite, GenModeFix, GenModeTranslate:
		return ModeDraft
	}
	if context != "" {
		return ModeDraft
	}
	return ModeChat
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
