package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, cfg ConversationStoreConfig) *ConversationStore {
	t.Helper()
	s, err := NewConversationStore(cfg, nil)
	require.NoError(t, err)
	return s
}

func TestConversation_AppendOrdering(t *testing.T) {
	conv := NewConversation()

	m1 := conv.Append(RoleUser, "first", nil)
	m2 := conv.Append(RoleAssistant, "second", nil)

	require.Len(t, conv.Messages, 2)
	assert.Equal(t, time.UTC, m1.Timestamp.Location())
	assert.False(t, m2.Timestamp.Before(m1.Timestamp))
	assert.Equal(t, m2.Timestamp, conv.UpdatedAt)
}

func TestConversation_SerializeRoundTrip(t *testing.T) {
	conv := NewConversation()
	conv.Append(RoleUser, "hello", map[string]any{"lang": "en"})
	conv.Append(RoleAssistant, "hi there", nil)

	data, err := json.Marshal(conv)
	require.NoError(t, err)

	var decoded Conversation
	require.NoError(t, json.Unmarshal(data, &decoded))
	decoded.normalizeUTC()

	assert.Equal(t, conv.ID, decoded.ID)
	require.Len(t, decoded.Messages, 2)
	assert.Equal(t, "hello", decoded.Messages[0].Content)
	assert.Equal(t, conv.Messages[0].Timestamp.Unix(), decoded.Messages[0].Timestamp.Unix())
	assert.Equal(t, time.UTC, decoded.Messages[0].Timestamp.Location())
}

func TestConversationStore_NaiveTimestampsCoercedOnLoad(t *testing.T) {
	dir := t.TempDir()

	// Simulate an old file written without timezone information.
	raw := `{
		"id": "legacy-1",
		"messages": [
			{"id": "m1", "role": "user", "content": "old", "timestamp": "2025-06-01T10:00:00"}
		],
		"summarized_count": 5,
		"created_at": "2025-06-01T09:59:00",
		"updated_at": "2025-06-01T10:00:00"
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "legacy-1.json"), []byte(raw), 0644))

	s := newTestStore(t, ConversationStoreConfig{PersistDir: dir})

	conv, err := s.Get("legacy-1")
	require.NoError(t, err)
	assert.Equal(t, time.UTC, conv.UpdatedAt.Location())
	assert.Equal(t, time.UTC, conv.Messages[0].Timestamp.Location())
	// summarized_count may never exceed the message count.
	assert.Equal(t, 1, conv.SummarizedCount)
}

func TestConversationStore_AppendAndContext(t *testing.T) {
	s := newTestStore(t, ConversationStoreConfig{})
	conv := s.Create()

	_, err := s.AppendMessage(context.Background(), conv.ID, RoleUser, "question", nil)
	require.NoError(t, err)
	_, err = s.AppendMessage(context.Background(), conv.ID, RoleAssistant, "answer", nil)
	require.NoError(t, err)

	ctxMsgs, err := s.ContextForLLM(conv.ID, 10)
	require.NoError(t, err)
	require.Len(t, ctxMsgs, 2)
	assert.Equal(t, RoleUser, ctxMsgs[0].Role)
}

func TestConversationStore_SummarizationKeepsRecentHalf(t *testing.T) {
	summarizeCalls := 0
	s := newTestStore(t, ConversationStoreConfig{
		SummarizeThreshold: 6,
		Summarize: func(ctx context.Context, prev string, msgs []Message) (string, error) {
			summarizeCalls++
			return fmt.Sprintf("summary of %d messages", len(msgs)), nil
		},
	})
	conv := s.Create()

	for i := 0; i < 7; i++ {
		_, err := s.AppendMessage(context.Background(), conv.ID, RoleUser, fmt.Sprintf("msg %d", i), nil)
		require.NoError(t, err)
	}

	got, err := s.Get(conv.ID)
	require.NoError(t, err)

	assert.Equal(t, 1, summarizeCalls)
	// 7 messages, keep threshold/2 = 3 recent, so 4 are summarized.
	assert.Equal(t, 4, got.SummarizedCount)
	assert.Equal(t, "summary of 4 messages", got.Summary)
	assert.LessOrEqual(t, got.SummarizedCount, len(got.Messages))

	ctxMsgs, err := s.ContextForLLM(conv.ID, 10)
	require.NoError(t, err)
	// Summary system message + 3 unsummarized messages.
	require.Len(t, ctxMsgs, 4)
	assert.Equal(t, RoleSystem, ctxMsgs[0].Role)
	assert.Contains(t, ctxMsgs[0].Content, "summary of 4 messages")
}

func TestConversationStore_CapEvictsOldest(t *testing.T) {
	s := newTestStore(t, ConversationStoreConfig{MaxConversations: 3})

	first := s.Create()
	// Ensure distinct updated-at ordering.
	time.Sleep(2 * time.Millisecond)
	for i := 0; i < 3; i++ {
		s.Create()
		time.Sleep(2 * time.Millisecond)
	}

	assert.Equal(t, 3, s.Len())
	_, err := s.Get(first.ID)
	assert.Error(t, err)
}

func TestConversationStore_TTLCleanup(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, ConversationStoreConfig{TTL: time.Hour, PersistDir: dir})

	conv := s.Create()
	_, err := s.AppendMessage(context.Background(), conv.ID, RoleUser, "hi", nil)
	require.NoError(t, err)

	// Age the conversation artificially.
	got, err := s.Get(conv.ID)
	require.NoError(t, err)
	got.UpdatedAt = time.Now().UTC().Add(-2 * time.Hour)

	removed := s.Cleanup()
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, s.Len())

	// The persisted file is removed as well.
	_, statErr := os.Stat(filepath.Join(dir, conv.ID+".json"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestConversationStore_DeleteMissing(t *testing.T) {
	s := newTestStore(t, ConversationStoreConfig{})
	assert.Error(t, s.Delete("nope"))
}

func TestConversationStore_PersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()

	s1 := newTestStore(t, ConversationStoreConfig{PersistDir: dir})
	conv := s1.Create()
	_, err := s1.AppendMessage(context.Background(), conv.ID, RoleUser, "persist me", nil)
	require.NoError(t, err)

	s2 := newTestStore(t, ConversationStoreConfig{PersistDir: dir})
	loaded, err := s2.Get(conv.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Messages, 1)
	assert.Equal(t, "persist me", loaded.Messages[0].Content)
}

func TestRAGConfidence(t *testing.T) {
	tests := []struct {
		name         string
		similarities []float64
		wantMin      float64
		wantMax      float64
	}{
		{"no results", nil, 0.0, 0.0},
		{"one close result", []float64{0.9}, 0.6, 0.7},
		{"four close results", []float64{0.9, 0.85, 0.8, 0.78}, 0.89, 0.91},
		{"distant results", []float64{0.1, 0.05}, 0.3, 0.35},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RAGConfidence(tt.similarities)
			assert.GreaterOrEqual(t, got, tt.wantMin)
			assert.LessOrEqual(t, got, tt.wantMax)
		})
	}
}
