package logging

import (
	"context"
	"fmt"
)

// historyReplayLimit caps how many buffered events a new stream replays
// before following live events.
const historyReplayLimit = 100

// StreamAdapter bridges the memory sink to a consumer channel. It is
// independent of any transport; turning an Event into a wire envelope is
// the caller's concern.
type StreamAdapter struct {
	manager *Manager
}

// NewStreamAdapter creates an adapter over the manager's memory sink.
// The manager must carry a memory sink.
func NewStreamAdapter(m *Manager) (*StreamAdapter, error) {
	if m.MemorySink() == nil {
		return nil, fmt.Errorf("stream adapter: manager has no memory sink")
	}
	return &StreamAdapter{manager: m}, nil
}

// Stream returns a channel of events matching the filter. Up to 100
// historical events are replayed first, then live events follow until ctx
// is cancelled. If the consumer falls behind, the oldest pending event is
// dropped to make room.
func (a *StreamAdapter) Stream(ctx context.Context, f Filter) <-chan Event {
	out := make(chan Event, 256)
	sink := a.manager.MemorySink()

	// Replay happens before the live subscription so history precedes
	// fresh events; a brief gap between the two is acceptable for logs.
	history := sink.Events(f, historyReplayLimit)

	pending := make(chan Event, 256)
	subID := sink.Subscribe(func(ev Event) {
		if !f.Matches(ev) {
			return
		}
		select {
		case pending <- ev:
		default:
			// Consumer is backpressured: drop the oldest pending event.
			select {
			case <-pending:
			default:
			}
			select {
			case pending <- ev:
			default:
			}
		}
	})

	go func() {
		defer close(out)
		defer sink.Unsubscribe(subID)

		for _, ev := range history {
			select {
			case <-ctx.Done():
				return
			case out <- ev:
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-pending:
				select {
				case <-ctx.Done():
					return
				case out <- ev:
				}
			}
		}
	}()

	return out
}
