package workflow

import (
	"context"

	"github.com/ternarybob/forge/pkg/memory"
	"github.com/ternarybob/forge/pkg/mode"
	"github.com/ternarybob/forge/pkg/validate"
)

// Scores are the reflection ratings, each in [0,1].
type Scores struct {
	Planning float64 `json:"planning"`
	Research float64 `json:"research"`
	Testing  float64 `json:"testing"`
	Coding   float64 `json:"coding"`
	Overall  float64 `json:"overall"`

	Analysis string `json:"analysis,omitempty"`
}

// CriticVerdict decides whether the run loops back to planning.
type CriticVerdict struct {
	ShouldRetry bool   `json:"should_retry"`
	Notes       string `json:"notes,omitempty"`
}

// State is the mutable run state threaded through stages.
type State struct {
	TaskID  string
	Request validate.TaskRequest

	Detection mode.Detection

	Plan            string
	Recommendations string

	ResearchContext string
	WebResults      string
	RAGConfidence   float64

	Tests string
	Code  string

	ValidationResults []ValidatorResult
	AllPassed         bool

	Diagnosis   string
	FixGuidance string

	Scores Scores

	// Iteration counts completed coding/validation traversals; bounded
	// by the request's max_iterations.
	Iteration int

	// Reused marks a run short-circuited by a stored experience.
	Reused bool

	// LastStage tracks the previous node for transition checking.
	LastStage Stage
}

// AgentSet is the collection of LLM-backed collaborators the engine
// drives, one suspension point per call. Implementations own their
// prompt craft; the engine owns sequencing, budgets and streams.
type AgentSet interface {
	// ClassifyIntent is the LLM fallback of the mode router.
	ClassifyIntent(ctx context.Context, task string) (mode.IntentResult, error)

	// Chat answers a dialog request with conversation history.
	Chat(ctx context.Context, task string, history []memory.ContextMessage) (string, error)

	// Analyze reviews a project given composed code context.
	Analyze(ctx context.Context, task, codeContext string) (string, error)

	// Plan produces a primary plan with alternatives, guided by
	// recommendations from similar past tasks.
	Plan(ctx context.Context, task, recommendations string) (string, error)

	// GenerateTests writes a test artifact for the plan.
	GenerateTests(ctx context.Context, task, plan string) (string, error)

	// GenerateCode writes the code artifact against plan, tests, context
	// and any fix guidance from a previous loop.
	GenerateCode(ctx context.Context, task, plan, tests, codeContext, fixGuidance string) (string, error)

	// Debug diagnoses failed validation.
	Debug(ctx context.Context, task, code string, results []ValidatorResult) (string, error)

	// FixCode turns a diagnosis into concrete fix guidance.
	FixCode(ctx context.Context, task, code, diagnosis string) (string, error)

	// Reflect scores the run.
	Reflect(ctx context.Context, task string, state *State) (Scores, error)

	// Critique decides whether to retry from planning.
	Critique(ctx context.Context, task string, scores Scores) (CriticVerdict, error)
}
