package llm

import (
	"context"
	"errors"

	"github.com/ternarybob/forge/pkg/apperr"
)

// StructuredPolicy gates structured output per agent. It is read through
// a provider function on every call so admins can flip the toggles live.
type StructuredPolicy struct {
	// Enabled turns the structured surface on globally.
	Enabled bool

	// EnabledAgents limits the surface to named agents; empty means all.
	EnabledAgents []string

	// FallbackToManualParsing routes schema failures to the legacy parser
	// instead of propagating the error.
	FallbackToManualParsing bool
}

// AllowsAgent reports whether the policy enables the agent.
func (p StructuredPolicy) AllowsAgent(agent string) bool {
	if !p.Enabled {
		return false
	}
	if len(p.EnabledAgents) == 0 {
		return true
	}
	for _, a := range p.EnabledAgents {
		if a == agent {
			return true
		}
	}
	return false
}

// FallbackFunc is the legacy unstructured parser for one agent. It may do
// its own LLM call and parse the free-form text.
type FallbackFunc func(ctx context.Context) (map[string]any, error)

// WithStructuredFallback wraps a structured call with the configured
// fallback policy:
//
//  1. If the policy disables structured output for agentName, the
//     fallback runs directly.
//  2. Otherwise GenerateStructured runs. On a structured-output failure
//     the fallback runs when FallbackToManualParsing is set; any other
//     error, and structured failures without fallback, propagate.
func WithStructuredFallback(
	ctx context.Context,
	client *Client,
	model, prompt string,
	schema map[string]any,
	opts Options,
	retries int,
	agentName string,
	policy func() StructuredPolicy,
	fallback FallbackFunc,
) (map[string]any, error) {
	p := policy()

	if !p.AllowsAgent(agentName) {
		return fallback(ctx)
	}

	value, err := client.GenerateStructured(ctx, model, prompt, schema, opts, retries)
	if err == nil {
		return value, nil
	}

	var soErr *StructuredOutputError
	if errors.As(err, &soErr) || apperr.Is(err, apperr.KindStructuredOutput) {
		if p.FallbackToManualParsing {
			return fallback(ctx)
		}
	}
	return nil, err
}
