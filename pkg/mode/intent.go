// Package mode classifies requests by intent and routes them to one of
// the interaction modes: chat, code generation, or project analysis.
package mode

import (
	"strings"
)

// Interaction modes.
const (
	ModeAuto    = "auto"
	ModeChat    = "chat"
	ModeCode    = "code"
	ModeAnalyze = "analyze"
)

// Intent tags.
const (
	IntentGreeting = "greeting"
	IntentHelp     = "help"
	IntentCreate   = "create"
	IntentModify   = "modify"
	IntentDebug    = "debug"
	IntentOptimize = "optimize"
	IntentExplain  = "explain"
	IntentTest     = "test"
	IntentRefactor = "refactor"
	IntentAnalyze  = "analyze"
)

// Complexity levels.
const (
	ComplexitySimple  = "simple"
	ComplexityMedium  = "medium"
	ComplexityComplex = "complex"
)

// IntentTags lists every known intent tag.
var IntentTags = []string{
	IntentGreeting, IntentHelp, IntentCreate, IntentModify, IntentDebug,
	IntentOptimize, IntentExplain, IntentTest, IntentRefactor, IntentAnalyze,
}

var codeGenerationIntents = map[string]struct{}{
	IntentCreate: {}, IntentModify: {}, IntentDebug: {},
	IntentOptimize: {}, IntentTest: {}, IntentRefactor: {},
}

var chatIntents = map[string]struct{}{
	IntentGreeting: {}, IntentHelp: {}, IntentExplain: {},
}

// IntentResult is the classification of one request.
type IntentResult struct {
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
	Complexity string  `json:"complexity"`

	// RecommendedMode and RequiresCodeGeneration derive from Type.
	RecommendedMode        string `json:"recommended_mode"`
	RequiresCodeGeneration bool   `json:"requires_code_generation"`
}

// NewIntentResult builds a fully-populated result: the mode and
// code-generation flag derive from the intent tag here, not at a
// use-site.
func NewIntentResult(intentType string, confidence float64, complexity string) IntentResult {
	if complexity == "" {
		complexity = ComplexitySimple
	}

	r := IntentResult{
		Type:       intentType,
		Confidence: confidence,
		Complexity: complexity,
	}

	switch {
	case intentType == IntentAnalyze:
		r.RecommendedMode = ModeAnalyze
	case hasKey(chatIntents, intentType):
		r.RecommendedMode = ModeChat
	case hasKey(codeGenerationIntents, intentType):
		r.RecommendedMode = ModeCode
		r.RequiresCodeGeneration = true
	default:
		r.RecommendedMode = ModeChat
	}

	return r
}

func hasKey(m map[string]struct{}, k string) bool {
	_, ok := m[k]
	return ok
}

// questionCues and tellCues disqualify a short greeting from the fast
// path: "hi, do you know X?" needs full classification.
var questionCues = []string{"?", "знаешь", "расскажи", "do you know", "tell me", "what", "who", "when", "where"}
var tellCues = []string{"расскажи", "опиши", "tell", "describe", "explain"}

// IsGreetingFast reports whether the task is a plain short greeting that
// needs no LLM call: at most three words, opening with a known greeting,
// with no question or tell cue.
func IsGreetingFast(task string, greetings []string) bool {
	trimmed := strings.ToLower(strings.TrimSpace(task))
	if trimmed == "" {
		return false
	}

	words := strings.Fields(trimmed)
	if len(words) > 3 {
		return false
	}

	isGreeting := false
	for _, g := range greetings {
		if trimmed == g || words[0] == g {
			isGreeting = true
			break
		}
	}
	if !isGreeting {
		return false
	}

	for _, cue := range questionCues {
		if strings.Contains(trimmed, cue) {
			return false
		}
	}
	for _, cue := range tellCues {
		if strings.Contains(trimmed, cue) {
			return false
		}
	}
	return true
}

// EstimateComplexity is the no-LLM heuristic: long tasks and tasks with
// structural cues rank higher.
func EstimateComplexity(task string) string {
	words := len(strings.Fields(task))
	lower := strings.ToLower(task)

	structural := 0
	for _, cue := range []string{"class", "класс", "module", "модуль", "api", "database", "база данных", "architect", "архитектур", "integrat", "интеграци"} {
		if strings.Contains(lower, cue) {
			structural++
		}
	}

	switch {
	case words > 40 || structural >= 2:
		return ComplexityComplex
	case words > 12 || structural == 1:
		return ComplexityMedium
	default:
		return ComplexitySimple
	}
}
