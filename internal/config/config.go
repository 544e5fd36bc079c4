// Package config provides application configuration management with
// multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override, .env honored via godotenv)
//  2. Config file (~/.oca/config.yaml or ./config.yaml)
//  3. Default values
//
// The datastore is optional: when no PostgreSQL connection is configured the
// service still starts, and every datastore-dependent endpoint degrades to
// 503 instead of crashing the process.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Sentinel errors for configuration validation.
var (
	ErrInvalidProvider     = errors.New("invalid provider")
	ErrInvalidModelName    = errors.New("invalid model name")
	ErrInvalidTemperature  = errors.New("invalid temperature")
	ErrInvalidMaxTokens    = errors.New("invalid max tokens")
	ErrInvalidEmbedder     = errors.New("invalid embedder model")
	ErrInvalidDimension    = errors.New("invalid embedding dimension")
	ErrInvalidChunking     = errors.New("invalid chunking parameters")
	ErrInvalidRetrieval    = errors.New("invalid retrieval parameters")
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")
	ErrInvalidOllamaHost   = errors.New("invalid Ollama host")
)

// LLM runtime provider identifiers used in Config.Provider.
const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// Retrieval defaults. The similarity threshold and top-k match the values the
// tutoring prompt was tuned against.
const (
	DefaultTopK      = 5
	DefaultThreshold = 0.7

	DefaultChunkSize    = 800
	DefaultChunkOverlap = 150

	// DefaultEmbeddingDimension is the store-wide vector dimension. Every
	// stored chunk and every query vector must have exactly this length;
	// it matches the dimension of the default embedding model.
	DefaultEmbeddingDimension = 768

	// DefaultMaxHistoryTurns is the number of prior interactions loaded as
	// conversation context.
	DefaultMaxHistoryTurns = 10

	// DefaultPromptBudget caps the assembled prompt size in characters.
	// See prompt.Assembler for the truncation policy.
	DefaultPromptBudget = 24000
)

// Config stores application configuration.
type Config struct {
	// LLM runtime
	Provider    string  `mapstructure:"provider" json:"provider"`
	ModelName   string  `mapstructure:"model_name" json:"model_name"`
	Temperature float32 `mapstructure:"temperature" json:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens" json:"max_tokens"`
	OllamaHost  string  `mapstructure:"ollama_host" json:"ollama_host"`

	// Embedding
	EmbedderModel      string `mapstructure:"embedder_model" json:"embedder_model"`
	EmbeddingDimension int    `mapstructure:"embedding_dimension" json:"embedding_dimension"`

	// Retrieval
	TopK         int     `mapstructure:"top_k" json:"top_k"`
	Threshold    float64 `mapstructure:"threshold" json:"threshold"`
	ChunkSize    int     `mapstructure:"chunk_size" json:"chunk_size"`
	ChunkOverlap int     `mapstructure:"chunk_overlap" json:"chunk_overlap"`

	// Conversation
	MaxHistoryTurns int `mapstructure:"max_history_turns" json:"max_history_turns"`
	PromptBudget    int `mapstructure:"prompt_budget" json:"prompt_budget"`

	// Storage (see storage.go). All fields empty = datastore unconfigured.
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"-"`
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// HTTP server
	Addr string `mapstructure:"addr" json:"addr"`
}

// Load loads configuration.
// Priority: Environment variables > Configuration file > Default values
func Load() (*Config, error) {
	// Load .env into the process environment if present (best-effort).
	_ = godotenv.Load()

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".oca"))
	}
	v.AddConfigPath(".")

	setDefaults(v)
	bindEnvVariables(v)

	if err := v.ReadInConfig(); err != nil {
		// Missing config file is fine; defaults plus env apply.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// DATABASE_URL overrides the individual postgres_* settings.
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("provider", ProviderOllama)
	v.SetDefault("model_name", "llama3.1")
	v.SetDefault("temperature", 0.7)
	v.SetDefault("max_tokens", 2048)
	v.SetDefault("ollama_host", "http://localhost:11434")

	v.SetDefault("embedder_model", "nomic-embed-text")
	v.SetDefault("embedding_dimension", DefaultEmbeddingDimension)

	v.SetDefault("top_k", DefaultTopK)
	v.SetDefault("threshold", DefaultThreshold)
	v.SetDefault("chunk_size", DefaultChunkSize)
	v.SetDefault("chunk_overlap", DefaultChunkOverlap)

	v.SetDefault("max_history_turns", DefaultMaxHistoryTurns)
	v.SetDefault("prompt_budget", DefaultPromptBudget)

	// Storage is intentionally undefaulted: an empty host means the
	// datastore is unconfigured and dependent endpoints answer 503.
	v.SetDefault("postgres_port", 5432)
	v.SetDefault("postgres_ssl_mode", "disable")

	v.SetDefault("addr", "127.0.0.1:8080")
}

// bindEnvVariables binds environment overrides explicitly.
// API keys (OPENAI_API_KEY, GEMINI_API_KEY) are read directly by the Genkit
// provider plugins, not via viper.
func bindEnvVariables(v *viper.Viper) {
	mustBind := func(key, envVar string) {
		if err := v.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("provider", "OCA_PROVIDER")
	mustBind("model_name", "OCA_MODEL_NAME")
	mustBind("ollama_host", "OCA_OLLAMA_HOST")
	mustBind("embedder_model", "OCA_EMBEDDER_MODEL")
	mustBind("embedding_dimension", "OCA_EMBEDDING_DIMENSION")
	mustBind("addr", "OCA_ADDR")
	mustBind("top_k", "OCA_TOP_K")
	mustBind("threshold", "OCA_THRESHOLD")
}

// Validate performs fail-fast validation of the loaded configuration.
func (c *Config) Validate() error {
	switch c.Provider {
	case ProviderOllama, ProviderOpenAI, ProviderGemini:
	default:
		return fmt.Errorf("%w: %q (expected ollama, openai or gemini)", ErrInvalidProvider, c.Provider)
	}

	if c.ModelName == "" {
		return fmt.Errorf("%w: model name is empty", ErrInvalidModelName)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("%w: %v (expected 0..2)", ErrInvalidTemperature, c.Temperature)
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidMaxTokens, c.MaxTokens)
	}
	if c.Provider == ProviderOllama && c.OllamaHost == "" {
		return fmt.Errorf("%w: host is empty", ErrInvalidOllamaHost)
	}

	if c.EmbedderModel == "" {
		return fmt.Errorf("%w: embedder model is empty", ErrInvalidEmbedder)
	}
	if c.EmbeddingDimension <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidDimension, c.EmbeddingDimension)
	}

	if c.TopK <= 0 {
		return fmt.Errorf("%w: top_k must be positive, got %d", ErrInvalidRetrieval, c.TopK)
	}
	if c.Threshold < 0 || c.Threshold > 1 {
		return fmt.Errorf("%w: threshold must be in [0,1], got %v", ErrInvalidRetrieval, c.Threshold)
	}
	if c.ChunkSize <= 0 || c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("%w: chunk_size=%d chunk_overlap=%d", ErrInvalidChunking, c.ChunkSize, c.ChunkOverlap)
	}

	if c.StorageConfigured() {
		if c.PostgresPort < 1 || c.PostgresPort > 65535 {
			return fmt.Errorf("%w: %d", ErrInvalidPostgresPort, c.PostgresPort)
		}
		if c.PostgresDBName == "" {
			return errors.New("postgres_db_name is required when postgres_host is set")
		}
	}

	return nil
}

// StorageConfigured reports whether a PostgreSQL datastore is configured.
func (c *Config) StorageConfigured() bool {
	return c.PostgresHost != ""
}
