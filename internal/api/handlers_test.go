package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"hash/fnv"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/forge/internal/config"
	"github.com/ternarybob/forge/pkg/contextengine"
	"github.com/ternarybob/forge/pkg/dbadmin"
	"github.com/ternarybob/forge/pkg/governor"
	"github.com/ternarybob/forge/pkg/llm"
	"github.com/ternarybob/forge/pkg/logging"
	"github.com/ternarybob/forge/pkg/memory"
	"github.com/ternarybob/forge/pkg/mode"
	"github.com/ternarybob/forge/pkg/stream"
	"github.com/ternarybob/forge/pkg/trace"
	"github.com/ternarybob/forge/pkg/workflow"
)

// ollamaStub serves a minimal Ollama API for handler tests.
func ollamaStub(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]string{"role": "assistant", "content": "Hi there!"},
			"done":    true,
		})
	})
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"models": []map[string]any{{"name": "llama3.2:3b", "size": 2000000000}},
		})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func embedStub(_ context.Context, text string) ([]float32, error) {
	const dims = 16
	vec := make([]float32, dims)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(word))
		vec[h.Sum32()%dims]++
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1
		norm = 1
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()

	cfg := config.DefaultConfig()
	holder := config.NewHolder(cfg)

	logManager := logging.NewManager(logging.LevelDebug, logging.NewMemorySink(200))

	runtime := ollamaStub(t)
	client := llm.NewClient(runtime.URL, time.Second)

	conversations, err := memory.NewConversationStore(memory.ConversationStoreConfig{}, logManager)
	require.NoError(t, err)

	experiences, err := memory.NewExperienceStore(memory.ExperienceStoreConfig{Embedding: embedStub}, logManager)
	require.NoError(t, err)

	recorder := trace.NewRecorder(50, func() bool { return holder.Get().Debug.UnderTheHoodEnabled })

	agents := workflow.NewLLMAgents(workflow.LLMAgentsConfig{
		Client:   client,
		Recorder: recorder,
	})

	engine := workflow.New(workflow.Deps{
		Agents:        agents,
		Detector:      mode.NewDetector(mode.DefaultKeywords(), nil, logManager),
		Governor:      governor.New(5, logManager),
		Conversations: conversations,
		Experiences:   experiences,
		Contexts:      contextengine.New(contextengine.Config{}, logManager),
		Log:           logManager,
	}, workflow.Config{Stream: stream.Config{QueueSize: 512}})

	admin := dbadmin.New(dbadmin.Config{BackupsDir: t.TempDir()}, logManager)

	return NewServer(Deps{
		Holder:        holder,
		Engine:        engine,
		Conversations: conversations,
		Experiences:   experiences,
		LLMClient:     client,
		LogManager:    logManager,
		Recorder:      recorder,
		Admin:         admin,
		Version:       "test",
	})
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["llm_available"])
}

func TestHandleTaskStream_InvalidRequest(t *testing.T) {
	s := newTestServer(t)

	payload := `{"task": "please call subprocess here"}`
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/tasks/stream", strings.NewReader(payload)))

	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "invalid_request", body.Kind)
}

func TestHandleTaskStream_GreetingStreamsSSE(t *testing.T) {
	s := newTestServer(t)

	payload := `{"task": "привет", "user_mode": "auto"}`
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/tasks/stream", strings.NewReader(payload)))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	// Parse the SSE frames back into events.
	var types []string
	scanner := bufio.NewScanner(bytes.NewReader(rec.Body.Bytes()))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev map[string]any
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		types = append(types, ev["type"].(string))
	}

	require.NotEmpty(t, types)
	assert.Equal(t, "stage_start", types[0])
	assert.Equal(t, "final_result", types[len(types)-1])
}

func TestConversationLifecycle(t *testing.T) {
	s := newTestServer(t)

	conv := s.conversations.Create()

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/conversations/"+conv.ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("DELETE", "/conversations/"+conv.ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/conversations/"+conv.ID, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleFeedback_UpdatesStoredExperience(t *testing.T) {
	s := newTestServer(t)

	_, err := s.experiences.Save(context.Background(), memory.Experience{
		Task:         "parse CSV to list of dicts",
		TaskID:       "t1",
		IntentType:   "create",
		OverallScore: 0.9,
		Code:         "def parse_csv(path): ...",
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/feedback",
		strings.NewReader(`{"task_id": "t1", "feedback": "negative"}`)))
	require.Equal(t, http.StatusOK, rec.Code)

	// The penalized experience no longer qualifies for exact-match reuse.
	got, err := s.experiences.FindExact(context.Background(), "parse CSV to list of dicts", "", 0.85, 0.8)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestHandleFeedback_Rejections(t *testing.T) {
	s := newTestServer(t)

	// Bad enum.
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/feedback",
		strings.NewReader(`{"task_id": "t1", "feedback": "meh"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Unknown task id.
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/feedback",
		strings.NewReader(`{"task_id": "ghost", "feedback": "positive"}`)))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleListModels(t *testing.T) {
	s := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/models", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Models []llm.ModelInfo `json:"models"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Models, 1)
	assert.Equal(t, "llama3.2:3b", body.Models[0].Name)
}

func TestHandleDebugTrace_GatedByLiveConfig(t *testing.T) {
	s := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/debug/trace", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Flip the toggle live, no restart.
	next := config.DefaultConfig()
	next.Debug.UnderTheHoodEnabled = true
	require.NoError(t, s.holder.Replace(next))

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/debug/trace", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSSEFrame(t *testing.T) {
	frame, err := sseFrame(map[string]string{"type": "log"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(frame), "data: "))
	assert.True(t, strings.HasSuffix(string(frame), "\n\n"))
}
