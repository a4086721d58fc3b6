package mode

import (
	"context"
	"strings"

	"github.com/ternarybob/forge/pkg/logging"
)

// Classifier is the LLM-driven fallback used when keyword scoring is
// inconclusive.
type Classifier interface {
	Classify(ctx context.Context, task string) (IntentResult, error)
}

// Detection is the routing decision for one request.
type Detection struct {
	Mode string

	// Intent is empty when only keyword scoring ran and no tag applies.
	Intent string

	Complexity string
}

// Detector routes a task to a mode. Keyword families come from
// configuration and may be swapped without code changes.
type Detector struct {
	keywords   Keywords
	classifier Classifier
	log        *logging.Manager
}

// NewDetector creates a detector. classifier may be nil; the fallback
// then defaults to chat.
func NewDetector(keywords Keywords, classifier Classifier, log *logging.Manager) *Detector {
	if len(keywords.Code) == 0 && len(keywords.Chat) == 0 && len(keywords.Analyze) == 0 {
		keywords = DefaultKeywords()
	}
	if log == nil {
		log = logging.Default()
	}
	return &Detector{keywords: keywords, classifier: classifier, log: log}
}

// Detect picks the interaction mode. An explicit userMode of chat, code
// or analyze is honored; anything else is treated as auto.
func (d *Detector) Detect(ctx context.Context, task, userMode, priorIntent, priorComplexity string) (Detection, error) {
	switch userMode {
	case ModeChat:
		return d.detectChat(task, priorComplexity), nil
	case ModeCode:
		return Detection{Mode: ModeCode, Complexity: orEstimate(priorComplexity, task)}, nil
	case ModeAnalyze:
		return Detection{Mode: ModeAnalyze, Intent: IntentAnalyze, Complexity: ComplexityComplex}, nil
	case ModeAuto, "":
		return d.detectAuto(ctx, task, priorIntent, priorComplexity)
	default:
		d.log.Emit(logging.NewEvent(logging.LevelWarning, logging.SourceSystem,
			"unknown mode requested, falling back to auto").
			WithPayload("user_mode", userMode))
		return d.detectAuto(ctx, task, priorIntent, priorComplexity)
	}
}

func (d *Detector) detectChat(task, priorComplexity string) Detection {
	det := Detection{Mode: ModeChat, Complexity: orEstimate(priorComplexity, task)}
	if IsGreetingFast(task, d.keywords.Greetings) {
		det.Intent = IntentGreeting
		det.Complexity = ComplexitySimple
	}
	return det
}

func (d *Detector) detectAuto(ctx context.Context, task, priorIntent, priorComplexity string) (Detection, error) {
	lower := strings.ToLower(task)

	// Fast path: short plain greetings need no LLM round-trip.
	if IsGreetingFast(task, d.keywords.Greetings) {
		return Detection{Mode: ModeChat, Intent: IntentGreeting, Complexity: ComplexitySimple}, nil
	}

	hasCode := containsAny(lower, d.keywords.Code)
	hasChat := containsAny(lower, d.keywords.Chat)
	hasAnalyze := containsAny(lower, d.keywords.Analyze)
	isLearning := containsAny(lower, d.keywords.Learning)

	// Learning requests are always dialog, even when they mention code.
	if isLearning {
		return Detection{Mode: ModeChat, Intent: IntentExplain, Complexity: ComplexitySimple}, nil
	}

	if hasChat && !hasCode && !hasAnalyze {
		return Detection{Mode: ModeChat, Intent: IntentExplain, Complexity: orEstimate(priorComplexity, task)}, nil
	}

	if hasAnalyze && !hasCode {
		return Detection{Mode: ModeAnalyze, Intent: IntentAnalyze, Complexity: ComplexityComplex}, nil
	}

	if hasCode {
		return Detection{Mode: ModeCode, Intent: priorIntent, Complexity: orEstimate(priorComplexity, task)}, nil
	}

	// Keyword scoring was inconclusive: defer to the LLM classifier.
	if d.classifier == nil {
		return Detection{Mode: ModeChat, Intent: IntentExplain, Complexity: orEstimate(priorComplexity, task)}, nil
	}

	result, err := d.classifier.Classify(ctx, task)
	if err != nil {
		return Detection{}, err
	}

	det := Detection{
		Mode:       result.RecommendedMode,
		Intent:     result.Type,
		Complexity: orEstimate(priorComplexity, task),
	}

	// Explanations are never trivial; analysis always gets the full
	// analyze treatment.
	if result.Type == IntentExplain && det.Complexity == ComplexitySimple {
		det.Complexity = ComplexityMedium
	}
	if result.Type == IntentAnalyze {
		det.Mode = ModeAnalyze
		det.Complexity = ComplexityComplex
	}

	d.log.Emit(logging.NewEvent(logging.LevelInfo, logging.SourceAgent,
		"intent classified").
		WithStage("intent").
		WithPayload("intent", result.Type).
		WithPayload("confidence", result.Confidence).
		WithPayload("mode", det.Mode))

	return det, nil
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

func orEstimate(complexity, task string) string {
	if complexity != "" {
		return complexity
	}
	return EstimateComplexity(task)
}
