package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ternarybob/forge/pkg/apperr"
	"github.com/ternarybob/forge/pkg/logging"
	"github.com/ternarybob/forge/pkg/validate"
)

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status":        "ok",
		"llm_available": s.llmClient.IsAvailable(r.Context()),
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

// handleTaskStream validates the request, runs the workflow, and
// forwards its events as SSE frames.
func (s *Server) handleTaskStream(w http.ResponseWriter, r *http.Request) {
	var req validate.TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", string(apperr.KindInvalidRequest))
		return
	}

	normalized, err := validate.Normalize(req)
	if err != nil {
		writeError(w, apperr.HTTPStatus(err), err.Error(), string(apperr.KindOf(err)))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported", "")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	emitter := s.engine.Run(r.Context(), normalized)
	for ev := range emitter.Events() {
		frame, err := streamEventFrame(ev)
		if err != nil {
			continue
		}
		if _, err := w.Write(frame); err != nil {
			// Client gone; the engine observes r.Context() at the next
			// stage boundary.
			return
		}
		flusher.Flush()
	}
}

// handleLogStream follows the log fabric over SSE, filtered by query
// parameters.
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported", "")
		return
	}

	adapter, err := logging.NewStreamAdapter(s.logManager)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "")
		return
	}

	filter := logging.Filter{
		TaskID: r.URL.Query().Get("task_id"),
		Stage:  r.URL.Query().Get("stage"),
	}
	if level := r.URL.Query().Get("level"); level != "" {
		filter.Level = logging.ParseLevel(level)
	}
	if source := r.URL.Query().Get("source"); source != "" {
		filter.Source = logging.Source(source)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	for ev := range adapter.Stream(r.Context(), filter) {
		frame, err := logEventFrame(ev)
		if err != nil {
			continue
		}
		if _, err := w.Write(frame); err != nil {
			return
		}
		flusher.Flush()
	}
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"conversations": s.conversations.List()})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	conv, err := s.conversations.Get(id)
	if err != nil {
		writeError(w, apperr.HTTPStatus(err), err.Error(), string(apperr.KindOf(err)))
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.conversations.Delete(id); err != nil {
		writeError(w, apperr.HTTPStatus(err), err.Error(), string(apperr.KindOf(err)))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

// feedbackRequest records a thumbs-up/down on a completed task.
type feedbackRequest struct {
	TaskID   string `json:"task_id"`
	Feedback string `json:"feedback"`
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", string(apperr.KindInvalidRequest))
		return
	}

	if err := validate.Feedback(req.Feedback); err != nil {
		writeError(w, apperr.HTTPStatus(err), err.Error(), string(apperr.KindOf(err)))
		return
	}

	// Feedback re-scores the task's stored experience: negative verdicts
	// sink it below the reuse floor, positive ones lift it.
	if err := s.experiences.ApplyFeedback(r.Context(), req.TaskID, req.Feedback); err != nil {
		writeError(w, apperr.HTTPStatus(err), err.Error(), string(apperr.KindOf(err)))
		return
	}

	s.logManager.Emit(logging.NewEvent(logging.LevelInfo, logging.SourceUI,
		"task feedback received").
		WithTask(req.TaskID).
		WithPayload("feedback", req.Feedback))

	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.llmClient.ListModels(r.Context())
	if err != nil {
		writeError(w, apperr.HTTPStatus(err), err.Error(), string(apperr.KindOf(err)))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

func (s *Server) handleDebugTrace(w http.ResponseWriter, r *http.Request) {
	if !s.holder.Get().Debug.UnderTheHoodEnabled {
		writeError(w, http.StatusNotFound, "debug trace is disabled", string(apperr.KindNotFound))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": s.recorder.Entries(r.URL.Query().Get("task_id")),
	})
}

func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.admin.Stats())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message, kind string) {
	writeJSON(w, status, ErrorResponse{Error: message, Kind: kind})
}
