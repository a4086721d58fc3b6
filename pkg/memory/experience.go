package memory

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/philippgille/chromem-go"

	"github.com/ternarybob/forge/pkg/apperr"
	"github.com/ternarybob/forge/pkg/logging"
)

// Experience lookup defaults.
const (
	DefaultExactSimilarity = 0.85
	DefaultExactMinSuccess = 0.8

	// previewLimit bounds code/plan previews stored in metadata.
	previewLimit = 500
)

// Experience is the saved outcome of one completed task.
type Experience struct {
	Task       string `json:"task"`
	IntentType string `json:"intent_type"`

	// TaskID links the experience to the workflow run that produced it,
	// so user feedback can find it later.
	TaskID string `json:"task_id,omitempty"`

	PlanningScore float64 `json:"planning_score"`
	ResearchScore float64 `json:"research_score"`
	TestingScore  float64 `json:"testing_score"`
	CodingScore   float64 `json:"coding_score"`
	OverallScore  float64 `json:"overall_score"`

	KeyDecisions  string `json:"key_decisions,omitempty"`
	WhatWorked    string `json:"what_worked,omitempty"`
	WhatDidntWork string `json:"what_didnt_work,omitempty"`

	// Feedback is the user's verdict ("positive" or "negative"), set
	// after the fact through ApplyFeedback.
	Feedback string `json:"feedback,omitempty"`

	// Code and Plan are finished artifacts kept for reuse.
	Code string `json:"code,omitempty"`
	Plan string `json:"plan,omitempty"`
}

// RetrievedExperience is an Experience with its retrieval similarity.
type RetrievedExperience struct {
	Experience
	ID         string  `json:"id"`
	Similarity float64 `json:"similarity"`
}

// ExperienceStore indexes task outcomes in a chromem-go collection keyed
// by the task text, with similarity search for reuse and guidance.
// Document embeddings are computed from the task text alone, so lookup
// similarity reflects task-to-task closeness, not formatting noise.
type ExperienceStore struct {
	mu         sync.Mutex
	collection *chromem.Collection
	embed      chromem.EmbeddingFunc
	counter    int64

	// artifacts keeps full code/plan by document id; the vector index
	// metadata carries only bounded previews.
	artifacts map[string]Experience

	// byTask maps workflow task ids to document ids for feedback.
	byTask map[string]string

	log *logging.Manager
}

// ExperienceStoreConfig configures the experience index.
type ExperienceStoreConfig struct {
	// PersistDir stores the vector index on disk when set; empty keeps
	// it in memory (tests).
	PersistDir string

	// CollectionName defaults to "task_experience".
	CollectionName string

	// Embedding produces vectors for documents and queries.
	Embedding chromem.EmbeddingFunc
}

// NewExperienceStore opens (or creates) the experience collection.
func NewExperienceStore(cfg ExperienceStoreConfig, log *logging.Manager) (*ExperienceStore, error) {
	if cfg.CollectionName == "" {
		cfg.CollectionName = "task_experience"
	}
	if cfg.Embedding == nil {
		return nil, fmt.Errorf("experience store: embedding function is required")
	}
	if log == nil {
		log = logging.Default()
	}

	var db *chromem.DB
	var err error
	if cfg.PersistDir != "" {
		db, err = chromem.NewPersistentDB(cfg.PersistDir, false)
		if err != nil {
			return nil, fmt.Errorf("open experience db: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	collection, err := db.GetOrCreateCollection(cfg.CollectionName, nil, cfg.Embedding)
	if err != nil {
		return nil, fmt.Errorf("open experience collection: %w", err)
	}

	return &ExperienceStore{
		collection: collection,
		embed:      cfg.Embedding,
		counter:    int64(collection.Count()),
		artifacts:  make(map[string]Experience),
		byTask:     make(map[string]string),
		log:        log,
	}, nil
}

// Save appends an experience to the index.
func (s *ExperienceStore) Save(ctx context.Context, exp Experience) (string, error) {
	if strings.TrimSpace(exp.Task) == "" {
		return "", apperr.New(apperr.KindInvalidRequest, "experience task text is empty")
	}

	s.mu.Lock()
	s.counter++
	id := fmt.Sprintf("task_%d", s.counter)
	s.artifacts[id] = exp
	if exp.TaskID != "" {
		s.byTask[exp.TaskID] = id
	}
	s.mu.Unlock()

	embedding, err := s.embed(ctx, exp.Task)
	if err != nil {
		return "", apperr.Wrap(apperr.KindUpstreamUnavailable, "embed experience task", err)
	}

	if err := s.writeDocument(ctx, id, exp, embedding); err != nil {
		return "", err
	}

	s.log.Emit(logging.NewEvent(logging.LevelInfo, logging.SourceInfrastructure,
		"task experience saved").
		WithPayload("id", id).
		WithPayload("intent", exp.IntentType).
		WithPayload("overall_score", exp.OverallScore).
		WithPayload("has_code", exp.Code != ""))

	return id, nil
}

// writeDocument renders and stores (or replaces; chromem overwrites by
// id) the indexed document for one experience.
func (s *ExperienceStore) writeDocument(ctx context.Context, id string, exp Experience, embedding []float32) error {
	metadata := map[string]string{
		"task_id":     id,
		"intent_type": exp.IntentType,
		"success":     formatScore(exp.OverallScore),
		"has_code":    strconv.FormatBool(exp.Code != ""),
		"has_plan":    strconv.FormatBool(exp.Plan != ""),
	}
	if exp.TaskID != "" {
		metadata["workflow_task_id"] = exp.TaskID
	}
	if exp.Feedback != "" {
		metadata["feedback"] = exp.Feedback
	}
	if exp.Code != "" {
		metadata["code_preview"] = truncatePreview(exp.Code)
	}
	if exp.Plan != "" {
		metadata["plan_preview"] = truncatePreview(exp.Plan)
	}

	doc := chromem.Document{
		ID:        id,
		Content:   formatExperienceDocument(exp),
		Metadata:  metadata,
		Embedding: embedding,
	}

	if err := s.collection.AddDocument(ctx, doc); err != nil {
		return apperr.Wrap(apperr.KindUpstreamUnavailable, "save experience", err)
	}
	return nil
}

// Feedback score adjustments: a thumbs-up lifts the stored success, a
// thumbs-down sinks it below the exact-match reuse floor so the solution
// is not replayed again.
const (
	feedbackBoost   = 0.1
	feedbackPenalty = 0.3
)

// ApplyFeedback records a user verdict against the experience saved for
// the given workflow task id and re-scores it. Unknown task ids return a
// NotFound error.
func (s *ExperienceStore) ApplyFeedback(ctx context.Context, taskID, feedback string) error {
	s.mu.Lock()
	id, ok := s.byTask[taskID]
	var exp Experience
	if ok {
		exp, ok = s.artifacts[id]
	}
	if !ok {
		s.mu.Unlock()
		return apperr.Newf(apperr.KindNotFound, "no stored experience for task %s", taskID)
	}

	exp.Feedback = feedback
	switch feedback {
	case "positive":
		exp.OverallScore += feedbackBoost
		if exp.OverallScore > 1.0 {
			exp.OverallScore = 1.0
		}
	case "negative":
		exp.OverallScore -= feedbackPenalty
		if exp.OverallScore < 0.0 {
			exp.OverallScore = 0.0
		}
	}
	s.artifacts[id] = exp
	s.mu.Unlock()

	embedding, err := s.embed(ctx, exp.Task)
	if err != nil {
		return apperr.Wrap(apperr.KindUpstreamUnavailable, "embed experience task", err)
	}
	if err := s.writeDocument(ctx, id, exp, embedding); err != nil {
		return err
	}

	s.log.Emit(logging.NewEvent(logging.LevelInfo, logging.SourceInfrastructure,
		"task feedback applied to experience").
		WithTask(taskID).
		WithPayload("id", id).
		WithPayload("feedback", feedback).
		WithPayload("overall_score", exp.OverallScore))

	return nil
}

// FindSimilar returns up to max experiences matching the query, filtered
// by intent (when non-empty) and minimum success, best match first.
func (s *ExperienceStore) FindSimilar(ctx context.Context, query, intentType string, minSuccess float64, max int) ([]RetrievedExperience, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if max <= 0 {
		max = 3
	}

	results, err := s.query(ctx, query, max*3)
	if err != nil {
		return nil, err
	}

	var out []RetrievedExperience
	for _, r := range results {
		if intentType != "" && r.Metadata["intent_type"] != intentType {
			continue
		}
		success, err := strconv.ParseFloat(r.Metadata["success"], 64)
		if err != nil || success < minSuccess {
			continue
		}

		out = append(out, s.toRetrieved(r))
		if len(out) >= max {
			break
		}
	}
	return out, nil
}

// FindExact returns the best stored experience whose similarity reaches
// the threshold, used to short-circuit the workflow. Returns nil when no
// match qualifies.
func (s *ExperienceStore) FindExact(ctx context.Context, query, intentType string, similarityThreshold, minSuccess float64) (*RetrievedExperience, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if similarityThreshold <= 0 {
		similarityThreshold = DefaultExactSimilarity
	}
	if minSuccess <= 0 {
		minSuccess = DefaultExactMinSuccess
	}

	results, err := s.query(ctx, query, 5)
	if err != nil {
		return nil, err
	}

	for _, r := range results {
		if float64(r.Similarity) < similarityThreshold {
			continue
		}
		if intentType != "" && r.Metadata["intent_type"] != intentType {
			continue
		}
		success, err := strconv.ParseFloat(r.Metadata["success"], 64)
		if err != nil || success < minSuccess {
			continue
		}

		exp := s.toRetrieved(r)
		return &exp, nil
	}
	return nil, nil
}

// Count returns the number of stored experiences.
func (s *ExperienceStore) Count() int {
	return s.collection.Count()
}

func (s *ExperienceStore) query(ctx context.Context, query string, n int) ([]chromem.Result, error) {
	count := s.collection.Count()
	if count == 0 {
		return nil, nil
	}
	if n > count {
		n = count
	}

	results, err := s.collection.Query(ctx, query, n, nil, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUpstreamUnavailable, "query experience index", err)
	}
	return results, nil
}

func (s *ExperienceStore) toRetrieved(r chromem.Result) RetrievedExperience {
	s.mu.Lock()
	exp, ok := s.artifacts[r.ID]
	s.mu.Unlock()

	if !ok {
		// Index restored from disk without the in-process artifact map:
		// reconstruct what the metadata preserves.
		exp = Experience{
			IntentType: r.Metadata["intent_type"],
			Code:       r.Metadata["code_preview"],
			Plan:       r.Metadata["plan_preview"],
		}
		exp.OverallScore, _ = strconv.ParseFloat(r.Metadata["success"], 64)
		exp.Task = firstDocumentLine(r.Content)
	}

	return RetrievedExperience{
		Experience: exp,
		ID:         r.ID,
		Similarity: float64(r.Similarity),
	}
}

// formatExperienceDocument renders the indexed text: the task leads so
// similarity search keys off it, followed by outcome notes and artifact
// prefixes.
func formatExperienceDocument(exp Experience) string {
	var sb strings.Builder
	sb.WriteString("Task: " + exp.Task + "\n")
	sb.WriteString("Intent: " + exp.IntentType + "\n")
	sb.WriteString("Overall score: " + formatScore(exp.OverallScore) + "\n")
	if exp.WhatWorked != "" {
		sb.WriteString("What worked: " + exp.WhatWorked + "\n")
	}
	if exp.KeyDecisions != "" {
		sb.WriteString("Key decisions: " + exp.KeyDecisions + "\n")
	}
	if exp.Plan != "" {
		sb.WriteString("Plan: " + truncatePreview(exp.Plan) + "\n")
	}
	if exp.Code != "" {
		sb.WriteString("Code: " + truncatePreview(exp.Code) + "\n")
	}
	return sb.String()
}

func formatScore(score float64) string {
	return strconv.FormatFloat(score, 'f', 2, 64)
}

func truncatePreview(s string) string {
	if len(s) <= previewLimit {
		return s
	}
	return s[:previewLimit]
}

func firstDocumentLine(doc string) string {
	line, _, _ := strings.Cut(doc, "\n")
	return strings.TrimPrefix(line, "Task: ")
}
