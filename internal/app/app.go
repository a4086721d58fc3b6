// Package app is the composition root: it wires the gateway, stores,
// engines and fabrics into a runnable service. Singletons (log manager,
// governor, memory stores) are created here and passed explicitly.
package app

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/philippgille/chromem-go"

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
	"github.com/ternarybob/forge/pkg/websearch"
	"github.com/ternarybob/forge/pkg/workflow"
)

// App holds the wired components.
type App struct {
	Holder        *config.Holder
	LogManager    *logging.Manager
	LLMClient     *llm.Client
	Governor      *governor.Governor
	Conversations *memory.ConversationStore
	Experiences   *memory.ExperienceStore
	Contexts      *contextengine.Engine
	Recorder      *trace.Recorder
	Engine        *workflow.Engine
	Admin         *dbadmin.Admin

	// Watcher invalidates cached indices under [service] project_root;
	// nil when no root is configured.
	Watcher *contextengine.Watcher
}

// Build wires the application from configuration.
func Build(cfg *config.Config) (*App, error) {
	holder := config.NewHolder(cfg)

	logManager := buildLogManager(cfg)
	logging.Init(logManager)

	client := llm.NewClient(cfg.LLM.BaseURL, time.Duration(cfg.LLM.TimeoutSecs)*time.Second)

	recorder := trace.NewRecorder(cfg.Debug.MaxLogsInMemory, func() bool {
		return holder.Get().Debug.UnderTheHoodEnabled
	})

	agents := workflow.NewLLMAgents(workflow.LLMAgentsConfig{
		Client: client,
		Model: func(complexity string) string {
			return holder.Get().LLM.ModelFor(complexity)
		},
		Policy: func() llm.StructuredPolicy {
			so := holder.Get().StructuredOutput
			return llm.StructuredPolicy{
				Enabled:                 so.Enabled,
				EnabledAgents:           so.EnabledAgents,
				FallbackToManualParsing: so.FallbackToManualParsing,
			}
		},
		Recorder:    recorder,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
	})

	conversations, err := memory.NewConversationStore(memory.ConversationStoreConfig{
		SummarizeThreshold: cfg.Memory.SummarizeThreshold,
		TTL:                time.Duration(cfg.Memory.TTLHours) * time.Hour,
		MaxConversations:   cfg.Memory.MaxConversations,
		PersistDir:         cfg.Memory.PersistDir,
		Summarize:          agents.Summarize,
	}, logManager)
	if err != nil {
		return nil, fmt.Errorf("conversation store: %w", err)
	}

	experiences, err := memory.NewExperienceStore(memory.ExperienceStoreConfig{
		PersistDir: cfg.RAG.PersistDirectory,
		Embedding:  chromem.NewEmbeddingFuncOllama(cfg.LLM.EmbeddingModel, cfg.LLM.BaseURL+"/api"),
	}, logManager)
	if err != nil {
		return nil, fmt.Errorf("experience store: %w", err)
	}

	contexts := contextengine.New(contextengine.Config{
		MaxContextTokens: cfg.Context.MaxContextTokens,
		MaxChunkTokens:   cfg.Context.MaxChunkTokens,
	}, logManager)

	gov := governor.Default(cfg.AgentResources.MaxConcurrentAgents)

	detector := mode.NewDetector(cfg.Router.Keywords(), classifierAdapter{agents}, logManager)

	var search *websearch.Client
	if cfg.WebSearch.Enabled {
		search = websearch.NewClient(cfg.WebSearch.BaseURL, time.Duration(cfg.WebSearch.TimeoutSecs)*time.Second)
	}

	engine := workflow.New(workflow.Deps{
		Agents:        agents,
		Detector:      detector,
		Governor:      gov,
		Conversations: conversations,
		Experiences:   experiences,
		Contexts:      contexts,
		Search:        search,
		Validators:    workflow.NewValidatorSet(),
		Log:           logManager,
	}, workflow.Config{
		Stream:        stream.DefaultConfig(),
		MaxWebResults: cfg.WebSearch.MaxResults,
		ProjectRoot:   cfg.Service.ProjectRoot,
		Extensions:    cfg.Context.Extensions,
	})

	admin := dbadmin.New(dbadmin.Config{
		ConversationsDir: cfg.Memory.PersistDir,
		VectorDir:        cfg.RAG.PersistDirectory,
		BackupsDir:       cfg.BackupsDir(),
	}, logManager)

	// Index changes under the project root invalidate the context cache
	// while the service runs.
	var watcher *contextengine.Watcher
	if cfg.Service.ProjectRoot != "" {
		watcher, err = contextengine.NewWatcher(contexts, cfg.Service.ProjectRoot, 500*time.Millisecond)
		if err != nil {
			logManager.Emit(logging.NewEvent(logging.LevelWarning, logging.SourceInfrastructure,
				"project watcher unavailable").
				WithPayload("root", cfg.Service.ProjectRoot).
				WithPayload("error", err.Error()))
			watcher = nil
		}
	}

	return &App{
		Holder:        holder,
		LogManager:    logManager,
		LLMClient:     client,
		Governor:      gov,
		Conversations: conversations,
		Experiences:   experiences,
		Contexts:      contexts,
		Recorder:      recorder,
		Engine:        engine,
		Admin:         admin,
		Watcher:       watcher,
	}, nil
}

func buildLogManager(cfg *config.Config) *logging.Manager {
	manager := logging.NewManager(logging.ParseLevel(cfg.Logging.Level))

	for _, output := range cfg.Logging.Output {
		switch output {
		case "console", "stdout":
			manager.AddSink(logging.NewConsoleSink(nil))
		case "file":
			sink, err := logging.NewFileSink(logging.FileSinkConfig{
				Path:       filepath.Join(cfg.Service.DataDir, "logs", "events.jsonl"),
				MaxBytes:   int64(cfg.Logging.MaxSizeMB) * 1024 * 1024,
				MaxBackups: cfg.Logging.MaxBackups,
			})
			if err == nil {
				manager.AddSink(sink)
			}
		}
	}

	// The memory sink backs the live log stream.
	manager.AddSink(logging.NewMemorySink(cfg.Debug.MaxLogsInMemory))
	return manager
}

// classifierAdapter lets the mode detector call the intent agent.
type classifierAdapter struct {
	agents *workflow.LLMAgents
}

func (c classifierAdapter) Classify(ctx context.Context, task string) (mode.IntentResult, error) {
	return c.agents.ClassifyIntent(ctx, task)
}
