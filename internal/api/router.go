// Package api provides the REST and SSE surface for forge-service.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ternarybob/forge/internal/config"
	"github.com/ternarybob/forge/pkg/dbadmin"
	"github.com/ternarybob/forge/pkg/llm"
	"github.com/ternarybob/forge/pkg/logging"
	"github.com/ternarybob/forge/pkg/memory"
	"github.com/ternarybob/forge/pkg/trace"
	"github.com/ternarybob/forge/pkg/workflow"
)

// Server represents the API server.
type Server struct {
	holder *config.Holder
	router chi.Router

	engine        *workflow.Engine
	conversations *memory.ConversationStore
	experiences   *memory.ExperienceStore
	llmClient     *llm.Client
	logManager    *logging.Manager
	recorder      *trace.Recorder
	admin         *dbadmin.Admin

	version string
}

// Deps are the server's collaborators.
type Deps struct {
	Holder        *config.Holder
	Engine        *workflow.Engine
	Conversations *memory.ConversationStore
	Experiences   *memory.ExperienceStore
	LLMClient     *llm.Client
	LogManager    *logging.Manager
	Recorder      *trace.Recorder
	Admin         *dbadmin.Admin
	Version       string
}

// NewServer creates a new API server.
func NewServer(deps Deps) *Server {
	s := &Server{
		holder:        deps.Holder,
		engine:        deps.Engine,
		conversations: deps.Conversations,
		experiences:   deps.Experiences,
		llmClient:     deps.LLMClient,
		logManager:    deps.LogManager,
		recorder:      deps.Recorder,
		admin:         deps.Admin,
		version:       deps.Version,
	}

	s.setupRouter()
	return s
}

// setupRouter configures all routes.
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/version", s.handleVersion)

	// Streaming endpoints have no write timeout: they live as long as
	// the workflow or the subscription.
	r.Post("/tasks/stream", s.handleTaskStream)
	r.Get("/logs/stream", s.handleLogStream)

	r.Route("/conversations", func(r chi.Router) {
		r.Get("/", s.handleListConversations)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetConversation)
			r.Delete("/", s.handleDeleteConversation)
		})
	})

	r.Post("/feedback", s.handleFeedback)
	r.Get("/models", s.handleListModels)
	r.Get("/debug/trace", s.handleDebugTrace)
	r.Get("/admin/stats", s.handleAdminStats)

	s.router = r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe runs the server until the listener fails.
func (s *Server) ListenAndServe(addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return server.ListenAndServe()
}
