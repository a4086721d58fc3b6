package workflow

import (
	"context"
)

// ValidatorResult is one external validator's outcome.
type ValidatorResult struct {
	Name    string `json:"name"`
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`

	// Skipped marks a validator that was not available; skipped
	// validators do not fail validation.
	Skipped bool `json:"skipped,omitempty"`
}

// CodeValidator is an external validation collaborator: a test runner, a
// type checker, or a security linter.
type CodeValidator interface {
	// Name identifies the validator in results and logs.
	Name() string

	// Available reports whether the validator can run at all; an
	// unavailable validator is reported as skipped.
	Available() bool

	// Validate checks the artifacts and returns the outcome. An error
	// means the validator itself broke, not that the code failed.
	Validate(ctx context.Context, code, tests string) (ValidatorResult, error)
}

// ValidatorSet aggregates validators into one all-passed verdict.
type ValidatorSet struct {
	validators []CodeValidator
}

// NewValidatorSet creates a set; an empty set passes everything.
func NewValidatorSet(validators ...CodeValidator) *ValidatorSet {
	return &ValidatorSet{validators: validators}
}

// RunAll executes every validator sequentially. Missing validators are
// reported as skipped; a validator error counts as a failed check with
// the error text as output.
func (vs *ValidatorSet) RunAll(ctx context.Context, code, tests string) ([]ValidatorResult, bool) {
	allPassed := true
	results := make([]ValidatorResult, 0, len(vs.validators))

	for _, v := range vs.validators {
		if !v.Available() {
			results = append(results, ValidatorResult{Name: v.Name(), Success: true, Skipped: true, Output: "skipped"})
			continue
		}

		result, err := v.Validate(ctx, code, tests)
		if err != nil {
			result = ValidatorResult{Name: v.Name(), Success: false, Output: err.Error()}
		}
		result.Name = v.Name()

		if !result.Skipped && !result.Success {
			allPassed = false
		}
		results = append(results, result)
	}

	return results, allPassed
}

// Names lists the configured validator names.
func (vs *ValidatorSet) Names() []string {
	names := make([]string, len(vs.validators))
	for i, v := range vs.validators {
		names[i] = v.Name()
	}
	return names
}
