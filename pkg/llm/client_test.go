package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/forge/pkg/apperr"
)

// newOllamaStub serves canned /api/chat responses, capturing requests.
func newOllamaStub(t *testing.T, reply func(req chatRequest) string) (*httptest.Server, *[]chatRequest) {
	t.Helper()
	var captured []chatRequest

	mux := http.NewServeMux()
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		captured = append(captured, req)

		resp := chatResponse{
			Model:   req.Model,
			Message: Message{Role: "assistant", Content: reply(req)},
			Done:    true,
		}
		json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"models": []ModelInfo{{Name: "qwen2.5-coder:7b", SizeBytes: 4000000000}},
		})
	})
	mux.HandleFunc("/api/embeddings", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"embedding": []float32{0.1, 0.2, 0.3}})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &captured
}

func TestClient_Generate(t *testing.T) {
	srv, captured := newOllamaStub(t, func(chatRequest) string { return "hello back" })
	c := NewClient(srv.URL, time.Second)

	out, err := c.Generate(context.Background(), "llama3.2", "hi", Options{Temperature: 0.3})
	require.NoError(t, err)
	assert.Equal(t, "hello back", out)

	require.Len(t, *captured, 1)
	req := (*captured)[0]
	assert.Equal(t, "llama3.2", req.Model)
	assert.False(t, req.Stream)
	require.NotNil(t, req.Options)
	assert.InDelta(t, 0.3, req.Options.Temperature, 1e-9)
}

func TestClient_ListModels(t *testing.T) {
	srv, _ := newOllamaStub(t, func(chatRequest) string { return "" })
	c := NewClient(srv.URL, time.Second)

	models, err := c.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "qwen2.5-coder:7b", models[0].Name)
	assert.Equal(t, int64(4000000000), models[0].SizeBytes)
}

func TestClient_Embeddings(t *testing.T) {
	srv, _ := newOllamaStub(t, func(chatRequest) string { return "" })
	c := NewClient(srv.URL, time.Second)

	vec, err := c.Embeddings(context.Background(), "nomic-embed-text", "some text")
	require.NoError(t, err)
	assert.Len(t, vec, 3)
}

func TestClient_EmptyEmbeddingIsUpstreamError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/embeddings", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"embedding": []float32{}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	_, err := c.Embeddings(context.Background(), "m", "text")
	assert.True(t, apperr.Is(err, apperr.KindUpstreamUnavailable))
}

func TestClient_UnreachableIsUpstreamError(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", 200*time.Millisecond)

	_, err := c.Generate(context.Background(), "m", "p", Options{})
	assert.True(t, apperr.Is(err, apperr.KindUpstreamUnavailable))
}

func TestClient_Non200IsUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	_, err := c.Generate(context.Background(), "m", "p", Options{})
	assert.True(t, apperr.Is(err, apperr.KindUpstreamUnavailable))
}

func TestGenerateStructured_ValidFirstAttempt(t *testing.T) {
	srv, captured := newOllamaStub(t, func(chatRequest) string {
		return `{"intent": "create", "confidence": 0.9}`
	})
	c := NewClient(srv.URL, time.Second)

	schema := map[string]any{
		"type":     "object",
		"required": []any{"intent", "confidence"},
		"properties": map[string]any{
			"intent":     map[string]any{"type": "string"},
			"confidence": map[string]any{"type": "number"},
		},
	}

	value, err := c.GenerateStructured(context.Background(), "m", "classify", schema, Options{}, 2)
	require.NoError(t, err)
	assert.Equal(t, "create", value["intent"])

	// The schema must ride along as the format constraint.
	require.Len(t, *captured, 1)
	assert.NotEmpty(t, (*captured)[0].Format)
}

func TestGenerateStructured_RetriesThenFails(t *testing.T) {
	srv, captured := newOllamaStub(t, func(chatRequest) string {
		return `{"wrong": true}`
	})
	c := NewClient(srv.URL, time.Second)

	schema := map[string]any{
		"type":     "object",
		"required": []any{"intent"},
		"properties": map[string]any{
			"intent": map[string]any{"type": "string"},
		},
	}

	_, err := c.GenerateStructured(context.Background(), "m", "classify", schema, Options{}, 2)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindStructuredOutput))
	assert.Len(t, *captured, 3)
}

func TestGenerateStructured_StripsMarkdownFences(t *testing.T) {
	srv, _ := newOllamaStub(t, func(chatRequest) string {
		return "```json\n{\"intent\": \"debug\"}\n```"
	})
	c := NewClient(srv.URL, time.Second)

	schema := map[string]any{
		"type":       "object",
		"required":   []any{"intent"},
		"properties": map[string]any{"intent": map[string]any{"type": "string"}},
	}

	value, err := c.GenerateStructured(context.Background(), "m", "p", schema, Options{}, 0)
	require.NoError(t, err)
	assert.Equal(t, "debug", value["intent"])
}

func TestWithStructuredFallback_DisabledCallsFallback(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", time.Second)

	fallbackCalled := false
	value, err := WithStructuredFallback(context.Background(), c, "m", "p", nil, Options{}, 0, "intent",
		func() StructuredPolicy { return StructuredPolicy{Enabled: false} },
		func(ctx context.Context) (map[string]any, error) {
			fallbackCalled = true
			return map[string]any{"via": "fallback"}, nil
		})

	require.NoError(t, err)
	assert.True(t, fallbackCalled)
	assert.Equal(t, "fallback", value["via"])
}

func TestWithStructuredFallback_AgentNotEnabled(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", time.Second)

	value, err := WithStructuredFallback(context.Background(), c, "m", "p", nil, Options{}, 0, "coder",
		func() StructuredPolicy {
			return StructuredPolicy{Enabled: true, EnabledAgents: []string{"intent"}}
		},
		func(ctx context.Context) (map[string]any, error) {
			return map[string]any{"via": "fallback"}, nil
		})

	require.NoError(t, err)
	assert.Equal(t, "fallback", value["via"])
}

func TestWithStructuredFallback_SchemaFailureFallsBack(t *testing.T) {
	srv, _ := newOllamaStub(t, func(chatRequest) string { return `{"wrong": 1}` })
	c := NewClient(srv.URL, time.Second)

	schema := map[string]any{
		"type":       "object",
		"required":   []any{"intent"},
		"properties": map[string]any{"intent": map[string]any{"type": "string"}},
	}

	value, err := WithStructuredFallback(context.Background(), c, "m", "p", schema, Options{}, 0, "intent",
		func() StructuredPolicy {
			return StructuredPolicy{Enabled: true, FallbackToManualParsing: true}
		},
		func(ctx context.Context) (map[string]any, error) {
			return map[string]any{"via": "manual"}, nil
		})

	require.NoError(t, err)
	assert.Equal(t, "manual", value["via"])
}

func TestWithStructuredFallback_SchemaFailurePropagatesWhenDisallowed(t *testing.T) {
	srv, _ := newOllamaStub(t, func(chatRequest) string { return `{"wrong": 1}` })
	c := NewClient(srv.URL, time.Second)

	schema := map[string]any{
		"type":       "object",
		"required":   []any{"intent"},
		"properties": map[string]any{"intent": map[string]any{"type": "string"}},
	}

	_, err := WithStructuredFallback(context.Background(), c, "m", "p", schema, Options{}, 0, "intent",
		func() StructuredPolicy {
			return StructuredPolicy{Enabled: true, FallbackToManualParsing: false}
		},
		func(ctx context.Context) (map[string]any, error) {
			t.Fatal("fallback must not run")
			return nil, nil
		})

	assert.True(t, apperr.Is(err, apperr.KindStructuredOutput))
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 3, EstimateTokens("twelve chars"))
}
