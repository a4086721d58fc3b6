package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/forge/pkg/apperr"
	"github.com/ternarybob/forge/pkg/logging"
)

// Conversation store defaults.
const (
	DefaultSummarizeThreshold = 20
	DefaultTTL                = 72 * time.Hour
	DefaultMaxConversations   = 100
)

// SummarizeFunc condenses messages into a short summary. The store calls
// it with the prefix being folded away; a nil function disables
// summarization.
type SummarizeFunc func(ctx context.Context, previousSummary string, messages []Message) (string, error)

// ConversationStoreConfig configures the dialog store.
type ConversationStoreConfig struct {
	// SummarizeThreshold is the unsummarized-suffix length that triggers
	// summarization (default 20).
	SummarizeThreshold int

	// TTL evicts conversations idle longer than this (default 72h).
	TTL time.Duration

	// MaxConversations caps concurrent conversations (default 100).
	MaxConversations int

	// PersistDir enables one-file-per-conversation persistence when set.
	PersistDir string

	// Summarize folds old prefixes into the summary.
	Summarize SummarizeFunc
}

// ConversationStore maps conversation id to Conversation with TTL and
// count-based eviction. Writes to the same conversation serialize through
// a per-conversation lock.
type ConversationStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	locks         map[string]*sync.Mutex

	cfg ConversationStoreConfig
	log *logging.Manager
}

// NewConversationStore creates the store, loading any persisted
// conversations from cfg.PersistDir.
func NewConversationStore(cfg ConversationStoreConfig, log *logging.Manager) (*ConversationStore, error) {
	if cfg.SummarizeThreshold <= 0 {
		cfg.SummarizeThreshold = DefaultSummarizeThreshold
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxConversations <= 0 {
		cfg.MaxConversations = DefaultMaxConversations
	}
	if log == nil {
		log = logging.Default()
	}

	s := &ConversationStore{
		conversations: make(map[string]*Conversation),
		locks:         make(map[string]*sync.Mutex),
		cfg:           cfg,
		log:           log,
	}

	if cfg.PersistDir != "" {
		if err := os.MkdirAll(cfg.PersistDir, 0755); err != nil {
			return nil, fmt.Errorf("create conversations directory: %w", err)
		}
		if err := s.loadAll(); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// Create starts a new conversation and returns it.
func (s *ConversationStore) Create() *Conversation {
	conv := NewConversation()

	s.mu.Lock()
	s.conversations[conv.ID] = conv
	s.locks[conv.ID] = &sync.Mutex{}
	s.mu.Unlock()

	s.evictIfNeeded()
	return conv
}

// Get returns a conversation by id.
func (s *ConversationStore) Get(id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "conversation %s not found", id)
	}
	return conv, nil
}

// List returns all conversation ids, newest update first.
func (s *ConversationStore) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type entry struct {
		id      string
		updated time.Time
	}
	entries := make([]entry, 0, len(s.conversations))
	for id, c := range s.conversations {
		entries = append(entries, entry{id, c.UpdatedAt})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].updated.After(entries[j].updated) })

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.id
	}
	return ids
}

// AppendMessage appends to a conversation, summarizing when the
// unsummarized suffix exceeds the threshold, then persists.
func (s *ConversationStore) AppendMessage(ctx context.Context, id, role, content string, metadata map[string]any) (Message, error) {
	s.mu.RLock()
	conv, ok := s.conversations[id]
	lock := s.locks[id]
	s.mu.RUnlock()

	if !ok {
		return Message{}, apperr.Newf(apperr.KindNotFound, "conversation %s not found", id)
	}

	lock.Lock()
	defer lock.Unlock()

	msg := conv.Append(role, content, metadata)

	if err := s.maybeSummarize(ctx, conv); err != nil {
		// Summarization failure must not lose the appended message.
		s.log.Emit(logging.NewEvent(logging.LevelWarning, logging.SourceInfrastructure,
			"conversation summarization failed").
			WithPayload("conversation_id", id).
			WithPayload("error", err.Error()))
	}

	if err := s.persist(conv); err != nil {
		return msg, err
	}
	return msg, nil
}

// ContextForLLM renders a conversation for prompting.
func (s *ConversationStore) ContextForLLM(id string, maxMessages int) ([]ContextMessage, error) {
	s.mu.RLock()
	conv, ok := s.conversations[id]
	lock := s.locks[id]
	s.mu.RUnlock()

	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "conversation %s not found", id)
	}

	lock.Lock()
	defer lock.Unlock()
	return conv.ContextForLLM(maxMessages), nil
}

// Delete removes a conversation and its persisted file.
func (s *ConversationStore) Delete(id string) error {
	s.mu.Lock()
	_, ok := s.conversations[id]
	delete(s.conversations, id)
	delete(s.locks, id)
	s.mu.Unlock()

	if !ok {
		return apperr.Newf(apperr.KindNotFound, "conversation %s not found", id)
	}

	if s.cfg.PersistDir != "" {
		path := filepath.Join(s.cfg.PersistDir, id+".json")
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove conversation file: %w", err)
		}
	}
	return nil
}

// Cleanup removes conversations idle past the TTL. Returns how many were
// deleted.
func (s *ConversationStore) Cleanup() int {
	cutoff := time.Now().UTC().Add(-s.cfg.TTL)

	s.mu.RLock()
	var expired []string
	for id, conv := range s.conversations {
		if conv.UpdatedAt.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	s.mu.RUnlock()

	for _, id := range expired {
		_ = s.Delete(id)
	}

	if len(expired) > 0 {
		s.log.Emit(logging.NewEvent(logging.LevelInfo, logging.SourceInfrastructure,
			"expired conversations removed").
			WithPayload("count", len(expired)).
			WithPayload("ttl_hours", s.cfg.TTL.Hours()))
	}
	return len(expired)
}

// Len returns the number of live conversations.
func (s *ConversationStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conversations)
}

// maybeSummarize folds the oldest prefix into the summary when the
// unsummarized suffix exceeds the threshold, keeping the most recent
// threshold/2 messages untouched.
func (s *ConversationStore) maybeSummarize(ctx context.Context, conv *Conversation) error {
	if s.cfg.Summarize == nil {
		return nil
	}

	unsummarized := len(conv.Messages) - conv.SummarizedCount
	if unsummarized <= s.cfg.SummarizeThreshold {
		return nil
	}

	keep := s.cfg.SummarizeThreshold / 2
	upto := len(conv.Messages) - keep
	prefix := conv.Messages[conv.SummarizedCount:upto]

	summary, err := s.cfg.Summarize(ctx, conv.Summary, prefix)
	if err != nil {
		return err
	}

	conv.Summary = summary
	conv.SummarizedCount = upto
	return nil
}

// evictIfNeeded drops the oldest-by-updated-at conversations above the
// cap, persisted files included.
func (s *ConversationStore) evictIfNeeded() {
	s.mu.RLock()
	over := len(s.conversations) - s.cfg.MaxConversations
	if over <= 0 {
		s.mu.RUnlock()
		return
	}

	type entry struct {
		id      string
		updated time.Time
	}
	entries := make([]entry, 0, len(s.conversations))
	for id, c := range s.conversations {
		entries = append(entries, entry{id, c.UpdatedAt})
	}
	s.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].updated.Before(entries[j].updated) })

	for i := 0; i < over && i < len(entries); i++ {
		_ = s.Delete(entries[i].id)
	}

	s.log.Emit(logging.NewEvent(logging.LevelInfo, logging.SourceInfrastructure,
		"conversation cap exceeded, oldest removed").
		WithPayload("removed", over).
		WithPayload("max", s.cfg.MaxConversations))
}

func (s *ConversationStore) persist(conv *Conversation) error {
	if s.cfg.PersistDir == "" {
		return nil
	}

	data, err := json.MarshalIndent(conv, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal conversation: %w", err)
	}

	path := filepath.Join(s.cfg.PersistDir, conv.ID+".json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write conversation file: %w", err)
	}
	return nil
}

func (s *ConversationStore) loadAll() error {
	entries, err := os.ReadDir(s.cfg.PersistDir)
	if err != nil {
		return fmt.Errorf("read conversations directory: %w", err)
	}

	naiveTimestamp := regexp.MustCompile(`"(\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(?:\.\d+)?)"`)

	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.cfg.PersistDir, e.Name()))
		if err != nil {
			continue
		}

		var conv Conversation
		if err := json.Unmarshal(data, &conv); err != nil {
			// Older files carry timestamps without a zone offset; read
			// them as UTC.
			conv = Conversation{}
			fixed := naiveTimestamp.ReplaceAll(data, []byte(`"${1}Z"`))
			if err := json.Unmarshal(fixed, &conv); err != nil {
				continue
			}
		}
		if conv.ID == "" {
			continue
		}

		conv.normalizeUTC()
		s.conversations[conv.ID] = &conv
		s.locks[conv.ID] = &sync.Mutex{}
	}
	return nil
}
