// Package config provides configuration management for forge-service.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/BurntSushi/toml"

	"github.com/ternarybob/forge/pkg/mode"
)

// Config represents the service configuration.
type Config struct {
	Service          ServiceConfig          `toml:"service"`
	LLM              LLMConfig              `toml:"llm"`
	StructuredOutput StructuredOutputConfig `toml:"structured_output"`
	AgentResources   AgentResourcesConfig   `toml:"agent_resources"`
	Debug            DebugConfig            `toml:"debug"`
	Memory           MemoryConfig           `toml:"memory"`
	RAG              RAGConfig              `toml:"rag"`
	Context          ContextConfig          `toml:"context"`
	Router           RouterConfig           `toml:"router"`
	Logging          LoggingConfig          `toml:"logging"`
	WebSearch        WebSearchConfig        `toml:"websearch"`
}

// ServiceConfig contains service-level settings.
type ServiceConfig struct {
	Host            string `toml:"host"`
	Port            int    `toml:"port"`
	DataDir         string `toml:"data_dir"`
	ShutdownTimeout int    `toml:"shutdown_timeout_seconds"`
	ProjectRoot     string `toml:"project_root"`
}

// LLMConfig contains runtime settings.
type LLMConfig struct {
	BaseURL        string  `toml:"base_url"`
	SimpleModel    string  `toml:"simple_model"`
	MediumModel    string  `toml:"medium_model"`
	ComplexModel   string  `toml:"complex_model"`
	MaxTokens      int     `toml:"max_tokens"`
	Temperature    float64 `toml:"temperature"`
	TimeoutSecs    int     `toml:"timeout_seconds"`
	EmbeddingModel string  `toml:"embedding_model"`
}

// ModelFor picks a model for a task complexity.
func (c LLMConfig) ModelFor(complexity string) string {
	switch complexity {
	case mode.ComplexityComplex:
		return c.ComplexModel
	case mode.ComplexityMedium:
		return c.MediumModel
	default:
		return c.SimpleModel
	}
}

// StructuredOutputConfig gates the structured LLM surface.
type StructuredOutputConfig struct {
	Enabled                 bool     `toml:"enabled"`
	EnabledAgents           []string `toml:"enabled_agents"`
	FallbackToManualParsing bool     `toml:"fallback_to_manual_parsing"`
	Retries                 int      `toml:"retries"`
}

// AgentResourcesConfig caps concurrency.
type AgentResourcesConfig struct {
	MaxConcurrentAgents int `toml:"max_concurrent_agents"`
}

// DebugConfig controls the under-the-hood trace.
type DebugConfig struct {
	UnderTheHoodEnabled bool   `toml:"under_the_hood_enabled"`
	LogLevel            string `toml:"log_level"`
	MaxLogsInMemory     int    `toml:"max_logs_in_memory"`
}

// MemoryConfig bounds the conversation store.
type MemoryConfig struct {
	SummarizeThreshold int    `toml:"summarize_threshold"`
	TTLHours           int    `toml:"ttl_hours"`
	MaxConversations   int    `toml:"max_conversations"`
	PersistDir         string `toml:"persist_dir"`
}

// RAGConfig locates the vector index.
type RAGConfig struct {
	PersistDirectory string `toml:"persist_directory"`
}

// ContextConfig bounds the context engine.
type ContextConfig struct {
	MaxContextTokens int      `toml:"max_context_tokens"`
	MaxChunkTokens   int      `toml:"max_chunk_tokens"`
	Extensions       []string `toml:"extensions"`
}

// RouterConfig carries the keyword families; empty slices fall back to
// the built-in sets.
type RouterConfig struct {
	CodeKeywords     []string `toml:"code_keywords"`
	ChatKeywords     []string `toml:"chat_keywords"`
	AnalyzeKeywords  []string `toml:"analyze_keywords"`
	LearningKeywords []string `toml:"learning_keywords"`
	Greetings        []string `toml:"greetings"`
}

// Keywords merges configured families over the defaults.
func (r RouterConfig) Keywords() mode.Keywords {
	kw := mode.DefaultKeywords()
	if len(r.CodeKeywords) > 0 {
		kw.Code = r.CodeKeywords
	}
	if len(r.ChatKeywords) > 0 {
		kw.Chat = r.ChatKeywords
	}
	if len(r.AnalyzeKeywords) > 0 {
		kw.Analyze = r.AnalyzeKeywords
	}
	if len(r.LearningKeywords) > 0 {
		kw.Learning = r.LearningKeywords
	}
	if len(r.Greetings) > 0 {
		kw.Greetings = r.Greetings
	}
	return kw
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level      string   `toml:"level"`
	Output     []string `toml:"output"`
	MaxSizeMB  int      `toml:"max_size_mb"`
	MaxBackups int      `toml:"max_backups"`
}

// WebSearchConfig controls the research-stage search provider.
type WebSearchConfig struct {
	Enabled     bool   `toml:"enabled"`
	BaseURL     string `toml:"base_url"`
	TimeoutSecs int    `toml:"timeout_seconds"`
	MaxResults  int    `toml:"max_results"`
}

// DefaultConfig returns the default configuration with all values set.
// FORGE_HOST and FORGE_PORT override the bind address.
func DefaultConfig() *Config {
	dataDir := DefaultDataDir()

	host := "127.0.0.1"
	if envHost := os.Getenv("FORGE_HOST"); envHost != "" {
		host = envHost
	}
	port := 8430
	if envPort := os.Getenv("FORGE_PORT"); envPort != "" {
		if p, err := strconv.Atoi(envPort); err == nil {
			port = p
		}
	}

	return &Config{
		Service: ServiceConfig{
			Host:            host,
			Port:            port,
			DataDir:         dataDir,
			ShutdownTimeout: 30,
		},
		LLM: LLMConfig{
			BaseURL:        "http://localhost:11434",
			SimpleModel:    "llama3.2:3b",
			MediumModel:    "qwen2.5-coder:7b",
			ComplexModel:   "qwen2.5-coder:14b",
			MaxTokens:      2048,
			Temperature:    0.25,
			TimeoutSecs:    120,
			EmbeddingModel: "nomic-embed-text",
		},
		StructuredOutput: StructuredOutputConfig{
			Enabled:                 true,
			EnabledAgents:           []string{"intent", "reflection"},
			FallbackToManualParsing: true,
			Retries:                 2,
		},
		AgentResources: AgentResourcesConfig{
			MaxConcurrentAgents: 5,
		},
		Debug: DebugConfig{
			UnderTheHoodEnabled: false,
			LogLevel:            "info",
			MaxLogsInMemory:     500,
		},
		Memory: MemoryConfig{
			SummarizeThreshold: 20,
			TTLHours:           72,
			MaxConversations:   100,
			PersistDir:         filepath.Join("output", "conversations"),
		},
		RAG: RAGConfig{
			PersistDirectory: filepath.Join(dataDir, "chromem"),
		},
		Context: ContextConfig{
			MaxContextTokens: 4000,
			MaxChunkTokens:   500,
			Extensions:       []string{".py", ".go", ".js", ".ts"},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     []string{"file", "console"},
			MaxSizeMB:  10,
			MaxBackups: 5,
		},
		WebSearch: WebSearchConfig{
			Enabled:     true,
			TimeoutSecs: 10,
			MaxResults:  5,
		},
	}
}

// DefaultDataDir returns the default data directory.
func DefaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "forge-service")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".forge-service")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultDataDir(), "config.toml")
}

// Load loads configuration from a file, merging with defaults. A
// missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))
	if _, err := toml.Decode(expanded, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.expandPaths()
	return cfg, nil
}

// LoadFromString loads configuration from a TOML string, merging with
// defaults.
func LoadFromString(tomlStr string) (*Config, error) {
	cfg := DefaultConfig()

	expanded := os.ExpandEnv(tomlStr)
	if _, err := toml.Decode(expanded, cfg); err != nil {
		return nil, fmt.Errorf("parse config string: %w", err)
	}

	cfg.expandPaths()
	return cfg, nil
}

func (c *Config) expandPaths() {
	home, _ := os.UserHomeDir()

	expandTilde := func(path string) string {
		if strings.HasPrefix(path, "~/") {
			return filepath.Join(home, path[2:])
		}
		return path
	}

	c.Service.DataDir = expandTilde(c.Service.DataDir)
	c.Service.ProjectRoot = expandTilde(c.Service.ProjectRoot)
	c.Memory.PersistDir = expandTilde(c.Memory.PersistDir)
	c.RAG.PersistDirectory = expandTilde(c.RAG.PersistDirectory)
}

// Address returns the bind address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Service.Host, c.Service.Port)
}

// LogPath returns the service log file location.
func (c *Config) LogPath() string {
	return filepath.Join(c.Service.DataDir, "logs", "forge-service.log")
}

// BackupsDir returns the backups directory.
func (c *Config) BackupsDir() string {
	return filepath.Join("output", "backups")
}

// EnsureDirectories creates the directories the service writes to.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Service.DataDir,
		filepath.Dir(c.LogPath()),
		c.Memory.PersistDir,
		c.RAG.PersistDirectory,
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", c.Service.Port)
	}
	if c.AgentResources.MaxConcurrentAgents < 1 {
		return fmt.Errorf("max_concurrent_agents must be at least 1")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 1 {
		return fmt.Errorf("temperature must be between 0.0 and 1.0")
	}
	if c.Memory.MaxConversations < 1 {
		return fmt.Errorf("max_conversations must be at least 1")
	}
	if c.Context.MaxChunkTokens >= c.Context.MaxContextTokens {
		return fmt.Errorf("max_chunk_tokens must be below max_context_tokens")
	}
	return nil
}

// Holder hands out the live configuration. Feature gates are read
// through it on every request so admins can flip them without a
// restart.
type Holder struct {
	current atomic.Pointer[Config]
}

// NewHolder creates a holder around cfg.
func NewHolder(cfg *Config) *Holder {
	h := &Holder{}
	h.current.Store(cfg)
	return h
}

// Get returns the live configuration.
func (h *Holder) Get() *Config {
	return h.current.Load()
}

// Replace swaps in a new configuration after validation.
func (h *Holder) Replace(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	h.current.Store(cfg)
	return nil
}

// WriteExampleConfig writes a commented example config file.
func WriteExampleConfig(path string) error {
	example := `# forge-service configuration file
# All values shown are defaults - uncomment and modify as needed

[service]
# Host to bind the HTTP server to
host = "127.0.0.1"
# Port to listen on
port = 8430
# Directory for service data (vector index, logs)
# data_dir = "~/.forge-service"
# Graceful shutdown timeout in seconds
shutdown_timeout_seconds = 30
# Root directory all project paths must live under (empty = no confinement)
# project_root = ""

[llm]
# Ollama endpoint
base_url = "http://localhost:11434"
# Models per task complexity
simple_model = "llama3.2:3b"
medium_model = "qwen2.5-coder:7b"
complex_model = "qwen2.5-coder:14b"
# Maximum tokens for responses
max_tokens = 2048
# Default sampler temperature
temperature = 0.25
# Per-call timeout in seconds
timeout_seconds = 120
# Embedding model for the experience index
embedding_model = "nomic-embed-text"

[structured_output]
# Enable schema-constrained generation
enabled = true
# Agents allowed to use it (empty = all)
enabled_agents = ["intent", "reflection"]
# Fall back to the legacy parser when the schema fails
fallback_to_manual_parsing = true
# Validation retries per structured call
retries = 2

[agent_resources]
# Maximum concurrent agent invocations
max_concurrent_agents = 5

[debug]
# Record under-the-hood LLM/tool calls
under_the_hood_enabled = false
# Log level: debug, info, warn, error
log_level = "info"
# Bounded debug trace size
max_logs_in_memory = 500

[memory]
# Summarize once more than this many messages are unsummarized
summarize_threshold = 20
# Hours before an idle conversation expires
ttl_hours = 72
# Hard cap on live conversations
max_conversations = 100
# Conversation persistence directory
persist_dir = "output/conversations"

[rag]
# Vector index persistence directory
# persist_directory = "~/.forge-service/chromem"

[context]
# Composed context budget in tokens
max_context_tokens = 4000
# Per-chunk token cap
max_chunk_tokens = 500
# Default file extensions to index
extensions = [".py", ".go", ".js", ".ts"]

[router]
# Keyword families may be replaced without code changes, e.g.:
# code_keywords = ["write", "create", "implement"]

[logging]
# Log level: debug, info, warn, error
level = "info"
# Output destinations: "file", "console"
output = ["file", "console"]
# Maximum log file size in MB before rotation
max_size_mb = 10
# Number of rotated files to keep
max_backups = 5

[websearch]
# Enable web search in the research stage
enabled = true
# Total timeout per search in seconds
timeout_seconds = 10
# Result cap per search
max_results = 5
`

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return os.WriteFile(path, []byte(example), 0644)
}
