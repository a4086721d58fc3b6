package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ternarybob/forge/pkg/apperr"
	"github.com/ternarybob/forge/pkg/contextengine"
	"github.com/ternarybob/forge/pkg/governor"
	"github.com/ternarybob/forge/pkg/logging"
	"github.com/ternarybob/forge/pkg/memory"
	"github.com/ternarybob/forge/pkg/mode"
	"github.com/ternarybob/forge/pkg/stream"
	"github.com/ternarybob/forge/pkg/validate"
	"github.com/ternarybob/forge/pkg/websearch"
)

// Engine defaults.
const (
	DefaultRAGConfidenceThreshold = 0.7
	DefaultMinResearchDocs        = 2
	DefaultMaxWebResults          = 5
)

// Config configures the engine.
type Config struct {
	// Stream configures each request's emitter.
	Stream stream.Config

	// Retry bounds upstream retries.
	Retry apperr.RetryConfig

	// RAGConfidenceThreshold triggers web search below it (default 0.7).
	RAGConfidenceThreshold float64

	// MinResearchDocs triggers web search below it (default 2).
	MinResearchDocs int

	// MaxWebResults caps one search call (default 5).
	MaxWebResults int

	// ProjectRoot, when set, confines every project path; empty accepts
	// any existing directory the request names.
	ProjectRoot string

	// Extensions is the default file filter for context building.
	Extensions []string
}

// Engine runs the staged pipeline and streams progress.
type Engine struct {
	agents        AgentSet
	detector      *mode.Detector
	governor      *governor.Governor
	conversations *memory.ConversationStore
	experiences   *memory.ExperienceStore
	contexts      *contextengine.Engine
	search        *websearch.Client
	validators    *ValidatorSet

	log *logging.Manager
	cfg Config
}

// Deps are the engine's collaborators. Search may be nil (web search
// disabled); Validators may be empty.
type Deps struct {
	Agents        AgentSet
	Detector      *mode.Detector
	Governor      *governor.Governor
	Conversations *memory.ConversationStore
	Experiences   *memory.ExperienceStore
	Contexts      *contextengine.Engine
	Search        *websearch.Client
	Validators    *ValidatorSet
	Log           *logging.Manager
}

// New creates an engine.
func New(deps Deps, cfg Config) *Engine {
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = apperr.DefaultRetryConfig()
	}
	if cfg.RAGConfidenceThreshold == 0 {
		cfg.RAGConfidenceThreshold = DefaultRAGConfidenceThreshold
	}
	if cfg.MinResearchDocs == 0 {
		cfg.MinResearchDocs = DefaultMinResearchDocs
	}
	if cfg.MaxWebResults == 0 {
		cfg.MaxWebResults = DefaultMaxWebResults
	}
	if len(cfg.Extensions) == 0 {
		cfg.Extensions = []string{".py", ".go"}
	}
	if deps.Log == nil {
		deps.Log = logging.Default()
	}
	if deps.Validators == nil {
		deps.Validators = NewValidatorSet()
	}

	return &Engine{
		agents:        deps.Agents,
		detector:      deps.Detector,
		governor:      deps.Governor,
		conversations: deps.Conversations,
		experiences:   deps.Experiences,
		contexts:      deps.Contexts,
		search:        deps.Search,
		validators:    deps.Validators,
		log:           deps.Log,
		cfg:           cfg,
	}
}

// Run starts the workflow and returns its event stream. The caller owns
// ctx; cancelling it is observed at the next stage boundary.
func (e *Engine) Run(ctx context.Context, req validate.TaskRequest) *stream.Emitter {
	em := stream.NewEmitter(e.cfg.Stream)
	taskID := uuid.NewString()

	go e.run(WithTaskID(ctx, taskID), req, taskID, em)
	return em
}

func (e *Engine) run(ctx context.Context, req validate.TaskRequest, taskID string, em *stream.Emitter) {
	state := &State{TaskID: taskID, Request: req}

	// intent
	err := e.runStage(ctx, em, state, StageIntent, func(ctx context.Context) (map[string]any, string, error) {
		var det mode.Detection
		detectErr := e.withRetry(ctx, em, StageIntent, func() error {
			var err error
			det, err = e.detector.Detect(ctx, req.Task, req.UserMode, "", "")
			return err
		})
		if detectErr != nil {
			return nil, "", detectErr
		}
		state.Detection = det
		result := map[string]any{"mode": det.Mode, "complexity": det.Complexity}
		if det.Intent != "" {
			result["intent"] = det.Intent
		}
		return result, "intent classified", nil
	})
	if e.finishOnError(ctx, em, err) {
		return
	}

	switch state.Detection.Mode {
	case mode.ModeChat:
		e.runChat(ctx, req, state, em)
	case mode.ModeAnalyze:
		e.runAnalyze(ctx, req, state, em)
	default:
		e.runCode(ctx, req, state, em)
	}
}

// runStage wraps one stage: transition check, governor lease for the
// whole stage duration, paired start/end envelopes.
func (e *Engine) runStage(ctx context.Context, em *stream.Emitter, state *State, stage Stage, fn func(ctx context.Context) (map[string]any, string, error)) error {
	// Caller abandonment is observed here, at the stage boundary.
	if err := ctx.Err(); err != nil {
		return err
	}

	if state.LastStage != "" {
		if err := checkTransition(state.LastStage, stage); err != nil {
			return err
		}
	}
	state.LastStage = stage

	em.EmitStageStart(string(stage))

	lease, err := e.governor.Acquire(ctx, string(stage), state.TaskID)
	if err != nil {
		em.EmitStageEnd(string(stage), "cancelled while waiting for an agent slot", nil)
		return err
	}
	defer lease.Release()

	result, message, err := fn(ctx)
	if err != nil {
		em.EmitStageEnd(string(stage), "stage failed", map[string]any{"error": err.Error()})
		return err
	}

	em.EmitStageEnd(string(stage), message, result)
	return nil
}

// finishOnError terminates the stream for a stage error. Cancellation
// produces no terminal event: the caller is gone.
func (e *Engine) finishOnError(ctx context.Context, em *stream.Emitter, err error) bool {
	if err == nil {
		return false
	}
	if ctx.Err() != nil {
		e.log.Emit(logging.NewEvent(logging.LevelInfo, logging.SourceSystem,
			"workflow abandoned by caller"))
		return true
	}

	kind := apperr.KindOf(err)
	if kind == apperr.KindInternalInvariant {
		e.log.Emit(logging.NewEvent(logging.LevelError, logging.SourceSystem,
			"internal invariant violation").WithPayload("error", err.Error()))
	}
	em.EmitError(string(kind), err.Error())
	return true
}

// withRetry applies the upstream failure policy: WARNING log,
// bounded exponential backoff, then escalation.
func (e *Engine) withRetry(ctx context.Context, em *stream.Emitter, stage Stage, fn func() error) error {
	attempt := 0
	return apperr.Retry(ctx, e.cfg.Retry, func() error {
		err := fn()
		if err != nil && apperr.Is(err, apperr.KindUpstreamUnavailable) {
			attempt++
			em.EmitLog(string(stage), fmt.Sprintf("upstream unavailable, attempt %d: %v", attempt, err))
			e.log.Emit(logging.NewEvent(logging.LevelWarning, logging.SourceInfrastructure,
				"upstream call failed").
				WithStage(string(stage)).
				WithPayload("attempt", attempt).
				WithPayload("error", err.Error()))
		}
		return err
	})
}

// runChat is the single-shot dialog pipeline.
func (e *Engine) runChat(ctx context.Context, req validate.TaskRequest, state *State, em *stream.Emitter) {
	var response string
	var conversationID string

	err := e.runStage(ctx, em, state, StageChat, func(ctx context.Context) (map[string]any, string, error) {
		var history []memory.ContextMessage

		if req.ConversationID != "" {
			var err error
			history, err = e.conversations.ContextForLLM(req.ConversationID, 10)
			if err != nil {
				return nil, "", err
			}
			conversationID = req.ConversationID
		} else {
			conversationID = e.conversations.Create().ID
		}

		if _, err := e.conversations.AppendMessage(ctx, conversationID, memory.RoleUser, req.Task, nil); err != nil {
			return nil, "", err
		}

		chatErr := e.withRetry(ctx, em, StageChat, func() error {
			var err error
			response, err = e.agents.Chat(ctx, req.Task, history)
			return err
		})
		if chatErr != nil {
			return nil, "", chatErr
		}

		if _, err := e.conversations.AppendMessage(ctx, conversationID, memory.RoleAssistant, response, nil); err != nil {
			return nil, "", err
		}

		return map[string]any{"conversation_id": conversationID}, response, nil
	})
	if e.finishOnError(ctx, em, err) {
		return
	}

	em.EmitFinal(map[string]any{
		"task_id":         state.TaskID,
		"mode":            mode.ModeChat,
		"intent":          map[string]any{"type": state.Detection.Intent, "complexity": state.Detection.Complexity},
		"response":        response,
		"conversation_id": conversationID,
	}, nil)
}

// runAnalyze is the single-shot project-analysis pipeline. Path guards
// run before the stage so a rejected request fails straight after
// intent, with no further stage events.
func (e *Engine) runAnalyze(ctx context.Context, req validate.TaskRequest, state *State, em *stream.Emitter) {
	projectPath, err := e.guardAnalyzePaths(req)
	if e.finishOnError(ctx, em, err) {
		return
	}

	var analysis string
	err = e.runStage(ctx, em, state, StageAnalyze, func(ctx context.Context) (map[string]any, string, error) {
		codeContext, err := e.contexts.GetContext(req.Task, projectPath, e.extensions(req))
		if err != nil {
			return nil, "", err
		}

		analyzeErr := e.withRetry(ctx, em, StageAnalyze, func() error {
			var err error
			analysis, err = e.agents.Analyze(ctx, req.Task, codeContext)
			return err
		})
		if analyzeErr != nil {
			return nil, "", analyzeErr
		}

		return map[string]any{"context_chars": len(codeContext)}, "analysis complete", nil
	})
	if e.finishOnError(ctx, em, err) {
		return
	}

	em.EmitFinal(map[string]any{
		"task_id":  state.TaskID,
		"mode":     mode.ModeAnalyze,
		"intent":   map[string]any{"type": state.Detection.Intent, "complexity": state.Detection.Complexity},
		"analysis": analysis,
	}, nil)
}

// guardAnalyzePaths validates the project and focus paths.
func (e *Engine) guardAnalyzePaths(req validate.TaskRequest) (string, error) {
	if strings.TrimSpace(req.ProjectPath) == "" {
		return "", apperr.New(apperr.KindInvalidRequest, "analyze mode requires project_path")
	}

	projectRoot := e.cfg.ProjectRoot
	if projectRoot == "" {
		projectRoot = req.ProjectPath
	}
	projectPath, err := validate.DirectoryPath(req.ProjectPath, projectRoot)
	if err != nil {
		return "", err
	}

	// A focused file must stay inside the project.
	if req.FocusPath != "" {
		if _, err := validate.FilePath(req.FocusPath, projectPath); err != nil {
			return "", err
		}
	}

	return projectPath, nil
}

// runCode is the full generate-test-validate-reflect pipeline.
func (e *Engine) runCode(ctx context.Context, req validate.TaskRequest, state *State, em *stream.Emitter) {
	// A stored near-identical solved task short-circuits the run. The
	// stored plan is replayed along with the code when both exist.
	if e.experiences != nil {
		if exp, err := e.experiences.FindExact(ctx, req.Task, "", 0, 0); err == nil && exp != nil && exp.Code != "" {
			state.Reused = true
			state.Code = exp.Code
			state.Plan = exp.Plan
			em.EmitLog(string(StageFinal), fmt.Sprintf("reusing stored solution %s (similarity %.2f)", exp.ID, exp.Similarity))
			e.emitCodeFinal(em, state, map[string]float64{"overall": exp.OverallScore})
			return
		} else if err != nil {
			e.log.Emit(logging.NewEvent(logging.LevelWarning, logging.SourceInfrastructure,
				"experience lookup failed").WithTask(state.TaskID).WithPayload("error", err.Error()))
		}
	}

	for {
		if e.finishOnError(ctx, em, e.stagePlanning(ctx, req, state, em)) {
			return
		}
		if e.finishOnError(ctx, em, e.stageResearch(ctx, req, state, em)) {
			return
		}
		if e.finishOnError(ctx, em, e.stageTesting(ctx, req, state, em)) {
			return
		}

		// coding <-> validation with the debug/fixing back edge.
		for {
			if e.finishOnError(ctx, em, e.stageCoding(ctx, req, state, em)) {
				return
			}
			if e.finishOnError(ctx, em, e.stageValidation(ctx, req, state, em)) {
				return
			}

			state.Iteration++
			if state.AllPassed || state.Iteration >= req.MaxIterations {
				break
			}

			if e.finishOnError(ctx, em, e.stageDebug(ctx, req, state, em)) {
				return
			}
			if e.finishOnError(ctx, em, e.stageFixing(ctx, req, state, em)) {
				return
			}
		}

		if e.finishOnError(ctx, em, e.stageReflection(ctx, req, state, em)) {
			return
		}

		var verdict CriticVerdict
		if e.finishOnError(ctx, em, e.stageCritic(ctx, req, state, em, &verdict)) {
			return
		}

		// A retry that would exceed the budget becomes a terminal final
		// with the best artifact so far.
		if !verdict.ShouldRetry || state.Iteration >= req.MaxIterations {
			break
		}
		state.FixGuidance = ""
		state.Diagnosis = ""
	}

	if ctx.Err() != nil {
		return
	}

	e.persistOutcome(ctx, req, state)
	e.emitCodeFinal(em, state, map[string]float64{
		"planning": state.Scores.Planning,
		"research": state.Scores.Research,
		"testing":  state.Scores.Testing,
		"coding":   state.Scores.Coding,
		"overall":  state.Scores.Overall,
	})
}

func (e *Engine) emitCodeFinal(em *stream.Emitter, state *State, metrics map[string]float64) {
	result := map[string]any{
		"task_id":    state.TaskID,
		"mode":       mode.ModeCode,
		"intent":     map[string]any{"type": state.Detection.Intent, "complexity": state.Detection.Complexity},
		"code":       state.Code,
		"reused":     state.Reused,
		"iterations": state.Iteration,
	}
	if state.Plan != "" {
		result["plan"] = state.Plan
	}
	if state.Tests != "" {
		result["tests"] = state.Tests
	}
	if len(state.ValidationResults) > 0 {
		result["validation"] = state.ValidationResults
		result["all_passed"] = state.AllPassed
	}
	if state.Request.ConversationID != "" {
		result["conversation_id"] = state.Request.ConversationID
	}
	em.EmitFinal(result, metrics)
}

func (e *Engine) stagePlanning(ctx context.Context, req validate.TaskRequest, state *State, em *stream.Emitter) error {
	return e.runStage(ctx, em, state, StagePlanning, func(ctx context.Context) (map[string]any, string, error) {
		// Recommendations from similar successful tasks are best-effort.
		if e.experiences != nil {
			similar, err := e.experiences.FindSimilar(ctx, req.Task, "", 0.7, 3)
			if err != nil {
				em.EmitLog(string(StagePlanning), "experience retrieval failed: "+err.Error())
			} else if len(similar) > 0 {
				var sb strings.Builder
				for _, s := range similar {
					sb.WriteString(fmt.Sprintf("- %s (score %.2f): %s\n", s.Task, s.OverallScore, s.WhatWorked))
				}
				state.Recommendations = sb.String()
			}
		}

		err := e.withRetry(ctx, em, StagePlanning, func() error {
			var err error
			state.Plan, err = e.agents.Plan(ctx, req.Task, state.Recommendations)
			return err
		})
		if err != nil {
			return nil, "", err
		}

		return map[string]any{
			"plan_chars":           len(state.Plan),
			"used_recommendations": state.Recommendations != "",
		}, "plan ready", nil
	})
}

func (e *Engine) stageResearch(ctx context.Context, req validate.TaskRequest, state *State, em *stream.Emitter) error {
	return e.runStage(ctx, em, state, StageResearch, func(ctx context.Context) (map[string]any, string, error) {
		docs := 0

		// Project context comes from the context engine first.
		if req.ProjectPath != "" {
			projectPath, err := e.guardAnalyzePaths(req)
			if err != nil {
				return nil, "", err
			}
			codeContext, err := e.contexts.GetContext(req.Task, projectPath, e.extensions(req))
			if err != nil {
				return nil, "", err
			}
			state.ResearchContext = codeContext
			if codeContext != "" {
				docs++
			}
		}

		// Knowledge retrieval from past experiences feeds the confidence
		// heuristic.
		var similarities []float64
		if e.experiences != nil {
			similar, err := e.experiences.FindSimilar(ctx, req.Task, "", 0.0, 4)
			if err == nil {
				for _, s := range similar {
					similarities = append(similarities, s.Similarity)
				}
				docs += len(similar)
			}
		}
		state.RAGConfidence = memory.RAGConfidence(similarities)

		// Web search augments weak local retrieval unless disabled.
		usedWeb := false
		if !req.DisableWebSearch && e.search != nil &&
			(state.RAGConfidence < e.cfg.RAGConfidenceThreshold || docs < e.cfg.MinResearchDocs) {
			em.EmitToolCallStart(string(StageResearch), "web_search")
			results, err := e.search.Search(ctx, req.Task, e.cfg.MaxWebResults)
			em.EmitToolCallEnd(string(StageResearch), "web_search", map[string]any{
				"results": len(results),
				"ok":      err == nil,
			})
			if err != nil {
				// Research survives a dead search provider.
				em.EmitLog(string(StageResearch), "web search failed: "+err.Error())
				e.log.Emit(logging.NewEvent(logging.LevelWarning, logging.SourceTool,
					"web search failed").WithTask(state.TaskID).WithPayload("error", err.Error()))
			} else {
				state.WebResults = websearch.Format(results)
				usedWeb = len(results) > 0
			}
		}

		return map[string]any{
			"rag_confidence": state.RAGConfidence,
			"documents":      docs,
			"used_web":       usedWeb,
		}, "research complete", nil
	})
}

func (e *Engine) stageTesting(ctx context.Context, req validate.TaskRequest, state *State, em *stream.Emitter) error {
	return e.runStage(ctx, em, state, StageTesting, func(ctx context.Context) (map[string]any, string, error) {
		err := e.withRetry(ctx, em, StageTesting, func() error {
			var err error
			state.Tests, err = e.agents.GenerateTests(ctx, req.Task, state.Plan)
			return err
		})
		if err != nil {
			return nil, "", err
		}
		return map[string]any{"tests_chars": len(state.Tests)}, "tests ready", nil
	})
}

func (e *Engine) stageCoding(ctx context.Context, req validate.TaskRequest, state *State, em *stream.Emitter) error {
	return e.runStage(ctx, em, state, StageCoding, func(ctx context.Context) (map[string]any, string, error) {
		codeContext := state.ResearchContext
		if state.WebResults != "" {
			codeContext += "\n\n" + state.WebResults
		}

		err := e.withRetry(ctx, em, StageCoding, func() error {
			var err error
			state.Code, err = e.agents.GenerateCode(ctx, req.Task, state.Plan, state.Tests, codeContext, state.FixGuidance)
			return err
		})
		if err != nil {
			return nil, "", err
		}
		return map[string]any{"code_chars": len(state.Code)}, "code ready", nil
	})
}

func (e *Engine) stageValidation(ctx context.Context, req validate.TaskRequest, state *State, em *stream.Emitter) error {
	return e.runStage(ctx, em, state, StageValidation, func(ctx context.Context) (map[string]any, string, error) {
		results, allPassed := e.validators.RunAll(ctx, state.Code, state.Tests)
		state.ValidationResults = results
		state.AllPassed = allPassed

		return map[string]any{
			"all_passed": allPassed,
			"validators": results,
		}, fmt.Sprintf("validation all_passed=%v", allPassed), nil
	})
}

func (e *Engine) stageDebug(ctx context.Context, req validate.TaskRequest, state *State, em *stream.Emitter) error {
	return e.runStage(ctx, em, state, StageDebug, func(ctx context.Context) (map[string]any, string, error) {
		err := e.withRetry(ctx, em, StageDebug, func() error {
			var err error
			state.Diagnosis, err = e.agents.Debug(ctx, req.Task, state.Code, state.ValidationResults)
			return err
		})
		if err != nil {
			return nil, "", err
		}
		return map[string]any{"diagnosis_chars": len(state.Diagnosis)}, "diagnosis ready", nil
	})
}

func (e *Engine) stageFixing(ctx context.Context, req validate.TaskRequest, state *State, em *stream.Emitter) error {
	return e.runStage(ctx, em, state, StageFixing, func(ctx context.Context) (map[string]any, string, error) {
		err := e.withRetry(ctx, em, StageFixing, func() error {
			var err error
			state.FixGuidance, err = e.agents.FixCode(ctx, req.Task, state.Code, state.Diagnosis)
			return err
		})
		if err != nil {
			return nil, "", err
		}
		return map[string]any{"iteration": state.Iteration}, "fix guidance ready", nil
	})
}

func (e *Engine) stageReflection(ctx context.Context, req validate.TaskRequest, state *State, em *stream.Emitter) error {
	return e.runStage(ctx, em, state, StageReflection, func(ctx context.Context) (map[string]any, string, error) {
		err := e.withRetry(ctx, em, StageReflection, func() error {
			var err error
			state.Scores, err = e.agents.Reflect(ctx, req.Task, state)
			return err
		})
		if err != nil {
			return nil, "", err
		}
		return map[string]any{"overall": state.Scores.Overall}, "reflection complete", nil
	})
}

func (e *Engine) stageCritic(ctx context.Context, req validate.TaskRequest, state *State, em *stream.Emitter, verdict *CriticVerdict) error {
	return e.runStage(ctx, em, state, StageCritic, func(ctx context.Context) (map[string]any, string, error) {
		err := e.withRetry(ctx, em, StageCritic, func() error {
			var err error
			*verdict, err = e.agents.Critique(ctx, req.Task, state.Scores)
			return err
		})
		if err != nil {
			return nil, "", err
		}
		return map[string]any{"should_retry": verdict.ShouldRetry}, "critic done", nil
	})
}

// persistOutcome writes the task experience and conversation entries at
// the pipeline boundary. Failures are logged, never fatal.
func (e *Engine) persistOutcome(ctx context.Context, req validate.TaskRequest, state *State) {
	if e.experiences != nil && state.Code != "" {
		_, err := e.experiences.Save(ctx, memory.Experience{
			Task:          req.Task,
			TaskID:        state.TaskID,
			IntentType:    state.Detection.Intent,
			PlanningScore: state.Scores.Planning,
			ResearchScore: state.Scores.Research,
			TestingScore:  state.Scores.Testing,
			CodingScore:   state.Scores.Coding,
			OverallScore:  state.Scores.Overall,
			WhatWorked:    state.Scores.Analysis,
			Code:          state.Code,
			Plan:          state.Plan,
		})
		if err != nil {
			e.log.Emit(logging.NewEvent(logging.LevelWarning, logging.SourceInfrastructure,
				"saving task experience failed").WithTask(state.TaskID).WithPayload("error", err.Error()))
		}
	}

	if req.ConversationID != "" && e.conversations != nil {
		if _, err := e.conversations.AppendMessage(ctx, req.ConversationID, memory.RoleUser, req.Task, nil); err == nil {
			_, _ = e.conversations.AppendMessage(ctx, req.ConversationID, memory.RoleAssistant, state.Code,
				map[string]any{"task_id": state.TaskID})
		}
	}
}

func (e *Engine) extensions(req validate.TaskRequest) []string {
	if len(req.Extensions) > 0 {
		return req.Extensions
	}
	return e.cfg.Extensions
}
