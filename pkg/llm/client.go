// Package llm provides the gateway to the local LLM runtime (Ollama):
// plain generation, schema-constrained structured output with validation
// and retries, model listing, and embeddings.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ternarybob/forge/pkg/apperr"
)

const ollamaDefaultURL = "http://localhost:11434"

// Options control sampling for one call.
type Options struct {
	// Temperature controls randomness.
	Temperature float64 `json:"temperature,omitempty"`

	// TopP is the nucleus sampling parameter.
	TopP float64 `json:"top_p,omitempty"`

	// MaxTokens limits the response length.
	MaxTokens int `json:"num_predict,omitempty"`

	// Stop sequences end generation early.
	Stop []string `json:"stop,omitempty"`
}

// Message is one turn of a chat exchange.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ModelInfo describes one installed model.
type ModelInfo struct {
	Name      string `json:"name"`
	SizeBytes int64  `json:"size"`
}

// Client talks to the Ollama HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the given base URL (empty = localhost)
// with a per-call timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = ollamaDefaultURL
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the runtime endpoint the client targets.
func (c *Client) BaseURL() string { return c.baseURL }

type chatRequest struct {
	Model    string          `json:"model"`
	Messages []Message       `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   json.RawMessage `json:"format,omitempty"`
	Options  *Options        `json:"options,omitempty"`
}

type chatResponse struct {
	Model   string  `json:"model"`
	Message Message `json:"message"`
	Done    bool    `json:"done"`
}

// Generate produces a completion for a single prompt.
func (c *Client) Generate(ctx context.Context, model, prompt string, opts Options) (string, error) {
	return c.Chat(ctx, model, []Message{{Role: "user", Content: prompt}}, opts)
}

// Chat produces a completion for a message history.
func (c *Client) Chat(ctx context.Context, model string, messages []Message, opts Options) (string, error) {
	resp, err := c.chat(ctx, chatRequest{
		Model:    model,
		Messages: messages,
		Options:  optionsOrNil(opts),
	})
	if err != nil {
		return "", err
	}
	return resp.Message.Content, nil
}

// generateRaw issues a chat call with an optional format constraint and
// returns the raw content.
func (c *Client) generateRaw(ctx context.Context, model, prompt string, format json.RawMessage, opts Options) (string, error) {
	resp, err := c.chat(ctx, chatRequest{
		Model:    model,
		Messages: []Message{{Role: "user", Content: prompt}},
		Format:   format,
		Options:  optionsOrNil(opts),
	})
	if err != nil {
		return "", err
	}
	return resp.Message.Content, nil
}

func (c *Client) chat(ctx context.Context, req chatRequest) (*chatResponse, error) {
	req.Stream = false

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUpstreamUnavailable, "llm runtime unreachable", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUpstreamUnavailable, "read llm response", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, apperr.Newf(apperr.KindUpstreamUnavailable, "llm runtime returned %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &chatResp, nil
}

// ListModels fetches installed models from the runtime.
func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUpstreamUnavailable, "llm runtime unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperr.Newf(apperr.KindUpstreamUnavailable, "list models returned %d", resp.StatusCode)
	}

	var result struct {
		Models []ModelInfo `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("unmarshal models: %w", err)
	}
	return result.Models, nil
}

// Embeddings returns the embedding vector for text.
func (c *Client) Embeddings(ctx context.Context, model, text string) ([]float32, error) {
	body, err := json.Marshal(map[string]string{"model": model, "prompt": text})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUpstreamUnavailable, "embeddings unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperr.Newf(apperr.KindUpstreamUnavailable, "embeddings returned %d", resp.StatusCode)
	}

	var result struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("unmarshal embedding: %w", err)
	}
	if len(result.Embedding) == 0 {
		// An empty vector would silently corrupt similarity scores
		// downstream; surface it instead.
		return nil, apperr.New(apperr.KindUpstreamUnavailable, "embeddings returned an empty vector")
	}
	return result.Embedding, nil
}

// IsAvailable reports whether the runtime answers within two seconds.
func (c *Client) IsAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func optionsOrNil(opts Options) *Options {
	if opts.Temperature == 0 && opts.TopP == 0 && opts.MaxTokens == 0 && len(opts.Stop) == 0 {
		return nil
	}
	return &opts
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// EstimateTokens estimates token count for text (~4 characters per token).
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
