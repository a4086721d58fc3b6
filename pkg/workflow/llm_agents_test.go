package workflow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/forge/pkg/llm"
	"github.com/ternarybob/forge/pkg/mode"
	"github.com/ternarybob/forge/pkg/trace"
)

// newRuntimeStub answers /api/chat with a scripted reply per prompt.
func newRuntimeStub(t *testing.T, reply func(prompt string, structured bool) string) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
			Format json.RawMessage `json:"format"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		prompt := ""
		if len(req.Messages) > 0 {
			prompt = req.Messages[len(req.Messages)-1].Content
		}

		json.NewEncoder(w).Encode(map[string]any{
			"model":   req.Model,
			"message": map[string]string{"role": "assistant", "content": reply(prompt, len(req.Format) > 0)},
			"done":    true,
		})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newAgents(srvURL string, policy llm.StructuredPolicy) *LLMAgents {
	return NewLLMAgents(LLMAgentsConfig{
		Client: llm.NewClient(srvURL, time.Second),
		Policy: func() llm.StructuredPolicy { return policy },
	})
}

func TestLLMAgents_ClassifyIntentStructured(t *testing.T) {
	srv := newRuntimeStub(t, func(prompt string, structured bool) string {
		if structured {
			return `{"intent": "create", "confidence": 0.92, "complexity": "medium"}`
		}
		return "create"
	})

	agents := newAgents(srv.URL, llm.StructuredPolicy{Enabled: true})

	result, err := agents.ClassifyIntent(context.Background(), "write a parser")
	require.NoError(t, err)

	assert.Equal(t, mode.IntentCreate, result.Type)
	assert.InDelta(t, 0.92, result.Confidence, 1e-9)
	assert.Equal(t, mode.ComplexityMedium, result.Complexity)
	assert.Equal(t, mode.ModeCode, result.RecommendedMode)
	assert.True(t, result.RequiresCodeGeneration)
}

func TestLLMAgents_ClassifyIntentManualFallback(t *testing.T) {
	srv := newRuntimeStub(t, func(prompt string, structured bool) string {
		// Structured disabled: the manual parser reduces free text.
		return "I think this is a debug request."
	})

	agents := newAgents(srv.URL, llm.StructuredPolicy{Enabled: false})

	result, err := agents.ClassifyIntent(context.Background(), "why does my loop crash")
	require.NoError(t, err)
	assert.Equal(t, mode.IntentDebug, result.Type)
}

func TestLLMAgents_ReflectHeuristicFallback(t *testing.T) {
	srv := newRuntimeStub(t, func(prompt string, structured bool) string {
		return "unstructured nonsense"
	})

	agents := newAgents(srv.URL, llm.StructuredPolicy{Enabled: false})

	scores, err := agents.Reflect(context.Background(), "task", &State{AllPassed: true})
	require.NoError(t, err)
	assert.InDelta(t, 0.8, scores.Overall, 1e-9)
}

func TestLLMAgents_CritiqueParsesRetry(t *testing.T) {
	srv := newRuntimeStub(t, func(prompt string, structured bool) string {
		return "RETRY: the plan missed the edge cases"
	})

	agents := newAgents(srv.URL, llm.StructuredPolicy{})

	verdict, err := agents.Critique(context.Background(), "task", Scores{Overall: 0.4})
	require.NoError(t, err)
	assert.True(t, verdict.ShouldRetry)
	assert.NotEmpty(t, verdict.Notes)
}

func TestLLMAgents_TracedCallsRecorded(t *testing.T) {
	srv := newRuntimeStub(t, func(prompt string, structured bool) string {
		return "a plan"
	})

	recorder := trace.NewRecorder(10, nil)
	agents := NewLLMAgents(LLMAgentsConfig{
		Client:   llm.NewClient(srv.URL, time.Second),
		Recorder: recorder,
	})

	_, err := agents.Plan(WithTaskID(context.Background(), "t42"), "task", "")
	require.NoError(t, err)

	entries := recorder.Entries("t42")
	require.Len(t, entries, 1)
	assert.Equal(t, "planner", entries[0].Agent)
	assert.Equal(t, "plan", entries[0].Operation)
}
