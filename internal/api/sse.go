package api

import (
	"encoding/json"
	"fmt"

	"github.com/ternarybob/forge/pkg/logging"
	"github.com/ternarybob/forge/pkg/stream"
)

// sseFrame renders one SSE data frame. It is a pure function: the
// transports own flushing and pacing.
func sseFrame(payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal sse payload: %w", err)
	}
	frame := make([]byte, 0, len(data)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, data...)
	frame = append(frame, '\n', '\n')
	return frame, nil
}

// streamEventFrame frames a workflow stream event.
func streamEventFrame(ev stream.Event) ([]byte, error) {
	return sseFrame(ev)
}

// logEventFrame frames a log fabric event.
func logEventFrame(ev logging.Event) ([]byte, error) {
	return sseFrame(ev)
}
