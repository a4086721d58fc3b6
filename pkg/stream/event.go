// Package stream turns staged workflow progress into a typed, ordered
// event stream with back-pressure and UI pacing.
package stream

import "time"

// EventType discriminates stream envelopes.
type EventType string

const (
	EventStageStart    EventType = "stage_start"
	EventStageEnd      EventType = "stage_end"
	EventLog           EventType = "log"
	EventToolCallStart EventType = "tool_call_start"
	EventToolCallEnd   EventType = "tool_call_end"
	EventFinalResult   EventType = "final_result"
	EventError         EventType = "error"
)

// Event is one envelope on the stream.
type Event struct {
	Type      EventType `json:"type"`
	Stage     string    `json:"stage,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// Result carries stage or final payloads.
	Result map[string]any `json:"result,omitempty"`

	// Metrics carries numeric scores (reflection, critic, totals).
	Metrics map[string]float64 `json:"metrics,omitempty"`

	// ErrorKind is set on error envelopes.
	ErrorKind string `json:"error_kind,omitempty"`
}

// IsTerminal reports whether the event ends the stream.
func (e Event) IsTerminal() bool {
	return e.Type == EventFinalResult || e.Type == EventError
}

// droppable reports whether back-pressure may discard the event.
// Stage and terminal envelopes are never dropped.
func (e Event) droppable() bool {
	switch e.Type {
	case EventLog, EventToolCallStart, EventToolCallEnd:
		return true
	default:
		return false
	}
}
