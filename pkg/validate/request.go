// Package validate enforces the request constraints and the path
// containment guard.
package validate

import (
	"regexp"
	"strings"

	"github.com/ternarybob/forge/pkg/apperr"
)

// Request bounds.
const (
	MaxTaskLength  = 10000
	MinTemperature = 0.1
	MaxTemperature = 0.7
	MinIterations  = 1
	MaxIterations  = 5

	DefaultTemperature = 0.25
	DefaultIterations  = 3
)

// forbiddenSubstrings is a defense-in-depth check, not a sandbox.
var forbiddenSubstrings = []string{
	"eval(",
	"exec(",
	"__import__",
	"os.system",
	"subprocess",
}

var modelNamePattern = regexp.MustCompile(`^[A-Za-z0-9:_.-]+$`)

var allowedModes = map[string]struct{}{
	"auto": {}, "chat": {}, "code": {}, "analyze": {},
}

// TaskRequest is the inbound request envelope.
type TaskRequest struct {
	Task             string  `json:"task"`
	UserMode         string  `json:"user_mode,omitempty"`
	ConversationID   string  `json:"conversation_id,omitempty"`
	ProjectPath      string  `json:"project_path,omitempty"`
	FocusPath        string  `json:"focus_path,omitempty"`
	Extensions       []string `json:"extensions,omitempty"`
	Model            string  `json:"model,omitempty"`
	Temperature      float64 `json:"temperature,omitempty"`
	MaxIterations    int     `json:"max_iterations,omitempty"`
	DisableWebSearch bool    `json:"disable_web_search,omitempty"`
}

// Normalize trims the task, fills defaults, and validates every field.
// The returned request is safe to execute.
func Normalize(req TaskRequest) (TaskRequest, error) {
	req.Task = strings.TrimSpace(req.Task)

	if req.Task == "" {
		return req, apperr.New(apperr.KindInvalidRequest, "task must not be empty")
	}
	if len(req.Task) > MaxTaskLength {
		return req, apperr.Newf(apperr.KindInvalidRequest, "task exceeds %d characters", MaxTaskLength)
	}

	lower := strings.ToLower(req.Task)
	for _, pattern := range forbiddenSubstrings {
		if strings.Contains(lower, pattern) {
			return req, apperr.Newf(apperr.KindInvalidRequest, "task contains forbidden pattern: %s", pattern)
		}
	}

	if req.UserMode == "" {
		req.UserMode = "auto"
	}
	if _, ok := allowedModes[req.UserMode]; !ok {
		return req, apperr.Newf(apperr.KindInvalidRequest, "unknown mode: %s", req.UserMode)
	}

	if req.Model != "" && !modelNamePattern.MatchString(req.Model) {
		return req, apperr.Newf(apperr.KindInvalidRequest, "invalid model name: %s", req.Model)
	}

	if req.Temperature == 0 {
		req.Temperature = DefaultTemperature
	}
	if req.Temperature < MinTemperature || req.Temperature > MaxTemperature {
		return req, apperr.Newf(apperr.KindInvalidRequest,
			"temperature must be within [%.1f, %.1f]", MinTemperature, MaxTemperature)
	}

	if req.MaxIterations == 0 {
		req.MaxIterations = DefaultIterations
	}
	if req.MaxIterations < MinIterations || req.MaxIterations > MaxIterations {
		return req, apperr.Newf(apperr.KindInvalidRequest,
			"max_iterations must be within [%d, %d]", MinIterations, MaxIterations)
	}

	return req, nil
}

// Feedback accepts exactly "positive" or "negative".
func Feedback(value string) error {
	if value != "positive" && value != "negative" {
		return apperr.Newf(apperr.KindInvalidRequest, "feedback must be positive or negative, got %q", value)
	}
	return nil
}
