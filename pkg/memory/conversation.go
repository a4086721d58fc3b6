// Package memory holds the two bounded stores: dialog history with
// summarization, and the task-experience index with similarity retrieval.
package memory

import (
	"time"

	"github.com/google/uuid"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is one turn in a conversation.
type Message struct {
	ID        string         `json:"id"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Conversation is an append-only dialog with an optional rolling summary
// of its oldest prefix.
type Conversation struct {
	ID string `json:"id"`

	Messages []Message `json:"messages"`

	// Summary condenses the first SummarizedCount messages.
	Summary string `json:"summary,omitempty"`

	// SummarizedCount is how many leading messages the summary covers.
	SummarizedCount int `json:"summarized_count"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewConversation creates an empty conversation with a fresh UUID.
func NewConversation() *Conversation {
	now := time.Now().UTC()
	return &Conversation{
		ID:        uuid.NewString(),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Append adds a message and bumps UpdatedAt. Timestamps are always
// UTC-aware and non-decreasing within a single writer.
func (c *Conversation) Append(role, content string, metadata map[string]any) Message {
	msg := Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	}
	c.Messages = append(c.Messages, msg)
	c.UpdatedAt = msg.Timestamp
	return msg
}

// Recent returns the last count messages.
func (c *Conversation) Recent(count int) []Message {
	if count <= 0 || len(c.Messages) <= count {
		return c.Messages
	}
	return c.Messages[len(c.Messages)-count:]
}

// ContextMessage is the role/content pair handed to the LLM.
type ContextMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ContextForLLM renders the conversation for a prompt: the summary (when
// present) as a system message, then the most recent maxMessages
// unsummarized messages.
func (c *Conversation) ContextForLLM(maxMessages int) []ContextMessage {
	var out []ContextMessage

	if c.Summary != "" {
		out = append(out, ContextMessage{
			Role:    RoleSystem,
			Content: "Summary of the earlier conversation: " + c.Summary,
		})
	}

	tail := c.Messages[c.SummarizedCount:]
	if maxMessages > 0 && len(tail) > maxMessages {
		tail = tail[len(tail)-maxMessages:]
	}
	for _, m := range tail {
		out = append(out, ContextMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

// normalizeUTC coerces timestamps loaded from old files to UTC-aware
// values so TTL checks and ordering stay correct.
func (c *Conversation) normalizeUTC() {
	c.CreatedAt = ensureUTC(c.CreatedAt)
	c.UpdatedAt = ensureUTC(c.UpdatedAt)
	for i := range c.Messages {
		c.Messages[i].Timestamp = ensureUTC(c.Messages[i].Timestamp)
	}
	if c.SummarizedCount > len(c.Messages) {
		c.SummarizedCount = len(c.Messages)
	}
}

func ensureUTC(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
