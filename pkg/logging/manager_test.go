package logging

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSink captures emitted events for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) Name() string { return "recording" }

func (r *recordingSink) Emit(ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingSink) Close() error { return nil }

func (r *recordingSink) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// panickySink always panics on emit.
type panickySink struct{}

func (panickySink) Name() string     { return "panicky" }
func (panickySink) Emit(Event) error { panic("sink exploded") }
func (panickySink) Close() error     { return nil }

func TestManager_LevelFiltering(t *testing.T) {
	rec := &recordingSink{}
	m := NewManager(LevelWarning, rec)

	m.Debug(SourceSystem, "hidden")
	m.Info(SourceSystem, "hidden too")
	m.Warning(SourceSystem, "visible")
	m.Error(SourceSystem, "also visible")

	events := rec.all()
	require.Len(t, events, 2)
	assert.Equal(t, LevelWarning, events[0].Level)
	assert.Equal(t, LevelError, events[1].Level)
}

func TestManager_SetLevelLive(t *testing.T) {
	rec := &recordingSink{}
	m := NewManager(LevelInfo, rec)

	m.Debug(SourceSystem, "dropped")
	m.SetLevel(LevelDebug)
	m.Debug(SourceSystem, "kept")

	events := rec.all()
	require.Len(t, events, 1)
	assert.Equal(t, "kept", events[0].Message)
}

func TestManager_PanickySinkDoesNotPropagate(t *testing.T) {
	rec := &recordingSink{}
	m := NewManager(LevelInfo, panickySink{}, rec)

	assert.NotPanics(t, func() {
		m.Info(SourceAgent, "survives")
	})

	// The healthy sink still received the event.
	require.Len(t, rec.all(), 1)
}

func TestManager_PerSinkOrderPreserved(t *testing.T) {
	rec := &recordingSink{}
	m := NewManager(LevelDebug, rec)

	for i := 0; i < 20; i++ {
		m.Emit(NewEvent(LevelInfo, SourceSystem, "msg").WithIteration(i + 1))
	}

	events := rec.all()
	require.Len(t, events, 20)
	for i, ev := range events {
		assert.Equal(t, i+1, ev.Iteration)
	}
}

func TestConsoleSink_Format(t *testing.T) {
	var buf bytes.Buffer
	sink := NewConsoleSink(&buf)

	ev := NewEvent(LevelWarning, SourceValidator, "tests failed").WithStage("validation").WithTask("t1")
	require.NoError(t, sink.Emit(ev))

	out := buf.String()
	assert.Contains(t, out, "WRN")
	assert.Contains(t, out, "[validator]")
	assert.Contains(t, out, "validation:")
	assert.Contains(t, out, "tests failed")
	assert.Contains(t, out, "task=t1")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelWarning, ParseLevel("warn"))
	assert.Equal(t, LevelError, ParseLevel("ERROR"))
	assert.Equal(t, LevelInfo, ParseLevel("anything"))
}

func TestEvent_WithPayloadCopies(t *testing.T) {
	base := NewEvent(LevelInfo, SourceAgent, "x").WithPayload("a", 1)
	derived := base.WithPayload("b", 2)

	assert.Len(t, base.Payload, 1)
	assert.Len(t, derived.Payload, 2)
}
