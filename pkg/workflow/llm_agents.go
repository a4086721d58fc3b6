package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/ternarybob/forge/pkg/llm"
	"github.com/ternarybob/forge/pkg/memory"
	"github.com/ternarybob/forge/pkg/mode"
	"github.com/ternarybob/forge/pkg/trace"
)

// ModelSelector picks a model for a task complexity. It is the only
// source of the model name: a request's model field is not passed to the
// agents.
type ModelSelector func(complexity string) string

// LLMAgents is the production AgentSet over the local runtime.
type LLMAgents struct {
	client   *llm.Client
	model    ModelSelector
	policy   func() llm.StructuredPolicy
	recorder *trace.Recorder

	temperature float64
	maxTokens   int
}

// LLMAgentsConfig configures the agent set.
type LLMAgentsConfig struct {
	Client      *llm.Client
	Model       ModelSelector
	Policy      func() llm.StructuredPolicy
	Recorder    *trace.Recorder
	Temperature float64
	MaxTokens   int
}

// NewLLMAgents creates the production agent set.
func NewLLMAgents(cfg LLMAgentsConfig) *LLMAgents {
	if cfg.Model == nil {
		cfg.Model = func(string) string { return "qwen2.5-coder:7b" }
	}
	if cfg.Policy == nil {
		cfg.Policy = func() llm.StructuredPolicy { return llm.StructuredPolicy{} }
	}
	if cfg.Recorder == nil {
		cfg.Recorder = trace.NewRecorder(0, func() bool { return false })
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.25
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 2048
	}
	return &LLMAgents{
		client:      cfg.Client,
		model:       cfg.Model,
		policy:      cfg.Policy,
		recorder:    cfg.Recorder,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
	}
}

func (a *LLMAgents) opts() llm.Options {
	return llm.Options{Temperature: a.temperature, MaxTokens: a.maxTokens}
}

// generate runs one traced completion.
func (a *LLMAgents) generate(ctx context.Context, agent, operation, model, prompt string) (string, error) {
	scope := a.recorder.Begin(agent, operation, taskIDFrom(ctx), prompt)
	out, err := a.client.Generate(ctx, model, prompt, a.opts())
	scope.End(err, map[string]any{"response_chars": len(out)})
	return out, err
}

var intentSchema = map[string]any{
	"type":     "object",
	"required": []any{"intent", "confidence", "complexity"},
	"properties": map[string]any{
		"intent":     map[string]any{"type": "string", "enum": toAnySlice(mode.IntentTags)},
		"confidence": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
		"complexity": map[string]any{"type": "string", "enum": []any{"simple", "medium", "complex"}},
	},
}

// ClassifyIntent implements AgentSet with a structured call and a
// text-parsing fallback.
func (a *LLMAgents) ClassifyIntent(ctx context.Context, task string) (mode.IntentResult, error) {
	model := a.model(mode.ComplexitySimple)
	prompt := fmt.Sprintf(
		"Classify this request for a code generation system.\nIntents: %s.\nComplexity: simple, medium or complex.\nRequest: %s",
		strings.Join(mode.IntentTags, ", "), task)

	scope := a.recorder.Begin("intent", "classify", taskIDFrom(ctx), prompt)
	value, err := llm.WithStructuredFallback(ctx, a.client, model, prompt, intentSchema,
		llm.Options{Temperature: 0.2, MaxTokens: 200}, 2, "intent", a.policy,
		func(ctx context.Context) (map[string]any, error) {
			return a.classifyManually(ctx, model, task)
		})
	scope.End(err, nil)
	if err != nil {
		return mode.IntentResult{}, err
	}

	intent, _ := value["intent"].(string)
	confidence, _ := value["confidence"].(float64)
	complexity, _ := value["complexity"].(string)
	return mode.NewIntentResult(intent, confidence, complexity), nil
}

// classifyManually is the legacy parser: a plain completion reduced to
// the first recognizable tag.
func (a *LLMAgents) classifyManually(ctx context.Context, model, task string) (map[string]any, error) {
	prompt := fmt.Sprintf("Answer with one word, the intent of this request (%s): %s",
		strings.Join(mode.IntentTags, ", "), task)
	out, err := a.client.Generate(ctx, model, prompt, llm.Options{Temperature: 0.2, MaxTokens: 20})
	if err != nil {
		return nil, err
	}

	lower := strings.ToLower(out)
	for _, tag := range mode.IntentTags {
		if strings.Contains(lower, tag) {
			return map[string]any{"intent": tag, "confidence": 0.6, "complexity": "medium"}, nil
		}
	}
	return map[string]any{"intent": mode.IntentHelp, "confidence": 0.3, "complexity": "simple"}, nil
}

// Chat implements AgentSet.
func (a *LLMAgents) Chat(ctx context.Context, task string, history []memory.ContextMessage) (string, error) {
	messages := make([]llm.Message, 0, len(history)+1)
	for _, m := range history {
		messages = append(messages, llm.Message{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, llm.Message{Role: "user", Content: task})

	scope := a.recorder.Begin("chat", "respond", taskIDFrom(ctx), task)
	out, err := a.client.Chat(ctx, a.model(mode.ComplexitySimple), messages, a.opts())
	scope.End(err, nil)
	return out, err
}

// Analyze implements AgentSet.
func (a *LLMAgents) Analyze(ctx context.Context, task, codeContext string) (string, error) {
	prompt := fmt.Sprintf("Analyze this project and answer the request.\nRequest: %s\n\n%s", task, codeContext)
	return a.generate(ctx, "analyzer", "analyze", a.model(mode.ComplexityComplex), prompt)
}

// Plan implements AgentSet.
func (a *LLMAgents) Plan(ctx context.Context, task, recommendations string) (string, error) {
	var sb strings.Builder
	sb.WriteString("Create an implementation plan for the task below.\n")
	sb.WriteString("Give a PLAN with a MAIN approach and 2-3 alternative APPROACH options, as numbered STEP lists.\n")
	if recommendations != "" {
		sb.WriteString("Lessons from similar past tasks:\n" + recommendations + "\n")
	}
	sb.WriteString("Task: " + task)
	return a.generate(ctx, "planner", "plan", a.model(mode.ComplexityMedium), sb.String())
}

// GenerateTests implements AgentSet.
func (a *LLMAgents) GenerateTests(ctx context.Context, task, plan string) (string, error) {
	prompt := fmt.Sprintf("Write tests for the planned solution.\nTask: %s\nPlan:\n%s", task, plan)
	return a.generate(ctx, "test_generator", "generate_tests", a.model(mode.ComplexityMedium), prompt)
}

// GenerateCode implements AgentSet.
func (a *LLMAgents) GenerateCode(ctx context.Context, task, plan, tests, codeContext, fixGuidance string) (string, error) {
	var sb strings.Builder
	sb.WriteString("Implement the task. Return only code.\n")
	sb.WriteString("Task: " + task + "\n")
	if plan != "" {
		sb.WriteString("Plan:\n" + plan + "\n")
	}
	if tests != "" {
		sb.WriteString("The code must pass these tests:\n" + tests + "\n")
	}
	if codeContext != "" {
		sb.WriteString("Relevant project context:\n" + codeContext + "\n")
	}
	if fixGuidance != "" {
		sb.WriteString("Apply these fixes to the previous attempt:\n" + fixGuidance + "\n")
	}
	return a.generate(ctx, "coder", "generate_code", a.model(mode.ComplexityComplex), sb.String())
}

// Debug implements AgentSet.
func (a *LLMAgents) Debug(ctx context.Context, task, code string, results []ValidatorResult) (string, error) {
	var sb strings.Builder
	sb.WriteString("Validation failed. Diagnose the root cause.\nTask: " + task + "\nCode:\n" + code + "\nValidator output:\n")
	for _, r := range results {
		if !r.Success && !r.Skipped {
			sb.WriteString(fmt.Sprintf("- %s: %s\n", r.Name, r.Output))
		}
	}
	return a.generate(ctx, "debugger", "diagnose", a.model(mode.ComplexityComplex), sb.String())
}

// FixCode implements AgentSet.
func (a *LLMAgents) FixCode(ctx context.Context, task, code, diagnosis string) (string, error) {
	prompt := fmt.Sprintf("Given this diagnosis, state the concrete changes to make.\nTask: %s\nDiagnosis:\n%s", task, diagnosis)
	return a.generate(ctx, "fixer", "fix_guidance", a.model(mode.ComplexityMedium), prompt)
}

var reflectionSchema = map[string]any{
	"type":     "object",
	"required": []any{"planning", "research", "testing", "coding", "overall"},
	"properties": map[string]any{
		"planning": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
		"research": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
		"testing":  map[string]any{"type": "number", "minimum": 0, "maximum": 1},
		"coding":   map[string]any{"type": "number", "minimum": 0, "maximum": 1},
		"overall":  map[string]any{"type": "number", "minimum": 0, "maximum": 1},
		"analysis": map[string]any{"type": "string"},
	},
}

// Reflect implements AgentSet.
func (a *LLMAgents) Reflect(ctx context.Context, task string, state *State) (Scores, error) {
	prompt := fmt.Sprintf(
		"Score this run from 0.0 to 1.0 per stage (planning, research, testing, coding) and overall.\nTask: %s\nValidation passed: %v\nIterations: %d",
		task, state.AllPassed, state.Iteration)

	scope := a.recorder.Begin("reflection", "score", taskIDFrom(ctx), prompt)
	value, err := llm.WithStructuredFallback(ctx, a.client, a.model(mode.ComplexityMedium), prompt, reflectionSchema,
		llm.Options{Temperature: 0.2, MaxTokens: 300}, 2, "reflection", a.policy,
		func(ctx context.Context) (map[string]any, error) {
			// Heuristic fallback: validation outcome drives the scores.
			base := 0.5
			if state.AllPassed {
				base = 0.8
			}
			return map[string]any{
				"planning": base, "research": base, "testing": base,
				"coding": base, "overall": base,
				"analysis": "heuristic scores from validation outcome",
			}, nil
		})
	scope.End(err, nil)
	if err != nil {
		return Scores{}, err
	}

	scores := Scores{
		Planning: floatFrom(value, "planning"),
		Research: floatFrom(value, "research"),
		Testing:  floatFrom(value, "testing"),
		Coding:   floatFrom(value, "coding"),
		Overall:  floatFrom(value, "overall"),
	}
	scores.Analysis, _ = value["analysis"].(string)
	return scores, nil
}

// Critique implements AgentSet.
func (a *LLMAgents) Critique(ctx context.Context, task string, scores Scores) (CriticVerdict, error) {
	prompt := fmt.Sprintf(
		"Overall score %.2f for task %q. Answer RETRY to rerun planning or ACCEPT to finish, with one sentence why.",
		scores.Overall, task)

	out, err := a.generate(ctx, "critic", "review", a.model(mode.ComplexityMedium), prompt)
	if err != nil {
		return CriticVerdict{}, err
	}

	return CriticVerdict{
		ShouldRetry: strings.Contains(strings.ToUpper(out), "RETRY"),
		Notes:       strings.TrimSpace(out),
	}, nil
}

// Summarize condenses conversation prefixes; wired into the
// conversation store.
func (a *LLMAgents) Summarize(ctx context.Context, previousSummary string, messages []memory.Message) (string, error) {
	var sb strings.Builder
	sb.WriteString("Summarize this conversation in a few sentences, keeping decisions and facts.\n")
	if previousSummary != "" {
		sb.WriteString("Earlier summary: " + previousSummary + "\n")
	}
	for _, m := range messages {
		sb.WriteString(m.Role + ": " + m.Content + "\n")
	}
	return a.generate(ctx, "summarizer", "summarize", a.model(mode.ComplexitySimple), sb.String())
}

func floatFrom(m map[string]any, key string) float64 {
	v, _ := m[key].(float64)
	return v
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

// taskIDKey carries the task id through agent calls for tracing.
type taskIDKey struct{}

// WithTaskID tags a context with the running task id.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey{}, taskID)
}

func taskIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(taskIDKey{}).(string)
	return id
}
