package logging

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySink_RingOverwritesOldest(t *testing.T) {
	sink := NewMemorySink(3)

	for i := 1; i <= 5; i++ {
		require.NoError(t, sink.Emit(NewEvent(LevelInfo, SourceSystem, fmt.Sprintf("m%d", i))))
	}

	events := sink.Events(Filter{}, 0)
	require.Len(t, events, 3)
	assert.Equal(t, "m3", events[0].Message)
	assert.Equal(t, "m5", events[2].Message)
}

func TestMemorySink_FilterByTaskAndLevel(t *testing.T) {
	sink := NewMemorySink(10)

	_ = sink.Emit(NewEvent(LevelDebug, SourceAgent, "a").WithTask("t1"))
	_ = sink.Emit(NewEvent(LevelError, SourceAgent, "b").WithTask("t1"))
	_ = sink.Emit(NewEvent(LevelError, SourceAgent, "c").WithTask("t2"))

	events := sink.Events(Filter{TaskID: "t1", Level: LevelWarning}, 0)
	require.Len(t, events, 1)
	assert.Equal(t, "b", events[0].Message)
}

func TestMemorySink_SubscribeAndUnsubscribe(t *testing.T) {
	sink := NewMemorySink(10)

	var got []Event
	id := sink.Subscribe(func(ev Event) { got = append(got, ev) })

	_ = sink.Emit(NewEvent(LevelInfo, SourceSystem, "one"))
	sink.Unsubscribe(id)
	_ = sink.Emit(NewEvent(LevelInfo, SourceSystem, "two"))

	require.Len(t, got, 1)
	assert.Equal(t, "one", got[0].Message)
}

func TestStreamAdapter_ReplaysHistoryThenFollows(t *testing.T) {
	sink := NewMemorySink(200)
	m := NewManager(LevelDebug, sink)
	adapter, err := NewStreamAdapter(m)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		m.Emit(NewEvent(LevelInfo, SourceSystem, fmt.Sprintf("old%d", i)).WithTask("t1"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := adapter.Stream(ctx, Filter{TaskID: "t1"})

	var got []Event
	for i := 0; i < 10; i++ {
		select {
		case ev := <-stream:
			got = append(got, ev)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for history replay")
		}
	}
	assert.Equal(t, "old0", got[0].Message)

	m.Emit(NewEvent(LevelInfo, SourceSystem, "fresh").WithTask("t1"))
	select {
	case ev := <-stream:
		assert.Equal(t, "fresh", ev.Message)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for live event")
	}
}

func TestStreamAdapter_ReplayCappedAt100(t *testing.T) {
	sink := NewMemorySink(500)
	m := NewManager(LevelDebug, sink)
	adapter, err := NewStreamAdapter(m)
	require.NoError(t, err)

	for i := 0; i < 250; i++ {
		m.Emit(NewEvent(LevelInfo, SourceSystem, "h").WithTask("t1"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	stream := adapter.Stream(ctx, Filter{TaskID: "t1"})

	count := 0
	for range stream {
		count++
	}
	assert.Equal(t, historyReplayLimit, count)
}

func TestStreamAdapter_RequiresMemorySink(t *testing.T) {
	m := NewManager(LevelInfo, NewConsoleSink(nil))
	_, err := NewStreamAdapter(m)
	assert.Error(t, err)
}
