// Package workflow drives the staged code-generation pipeline: a fixed
// graph of named stages with feedback loops, iteration caps, and a typed
// event stream.
package workflow

import (
	"github.com/ternarybob/forge/pkg/apperr"
)

// Stage names the nodes of the workflow graph.
type Stage string

const (
	StageIntent     Stage = "intent"
	StageChat       Stage = "chat"
	StageAnalyze    Stage = "analyze"
	StagePlanning   Stage = "planning"
	StageResearch   Stage = "research"
	StageTesting    Stage = "testing"
	StageCoding     Stage = "coding"
	StageValidation Stage = "validation"
	StageDebug      Stage = "debug"
	StageFixing     Stage = "fixing"
	StageReflection Stage = "reflection"
	StageCritic     Stage = "critic"
	StageFinal      Stage = "final"
)

// transitions is the fixed graph. The coding <-> validation back edge
// runs through debug and fixing; critic may loop back to planning.
var transitions = map[Stage][]Stage{
	StageIntent:     {StageChat, StageAnalyze, StagePlanning, StageFinal},
	StageChat:       {StageFinal},
	StageAnalyze:    {StageFinal},
	StagePlanning:   {StageResearch},
	StageResearch:   {StageTesting},
	StageTesting:    {StageCoding},
	StageCoding:     {StageValidation},
	StageValidation: {StageDebug, StageReflection, StageFinal},
	StageDebug:      {StageFixing},
	StageFixing:     {StageCoding},
	StageReflection: {StageCritic},
	StageCritic:     {StagePlanning, StageFinal},
	StageFinal:      nil,
}

// CanTransition reports whether the graph allows from -> to.
func CanTransition(from, to Stage) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// checkTransition guards every stage move; a move outside the table is
// an internal invariant violation.
func checkTransition(from, to Stage) error {
	if !CanTransition(from, to) {
		return apperr.Newf(apperr.KindInternalInvariant, "illegal stage transition %s -> %s", from, to)
	}
	return nil
}
