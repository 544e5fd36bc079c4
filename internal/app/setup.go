package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/core/api"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/compat_oai/openai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/firebase/genkit/go/plugins/ollama"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/time/rate"

	"github.com/oca-labs/oca/db"
	"github.com/oca-labs/oca/internal/chat"
	"github.com/oca-labs/oca/internal/config"
	"github.com/oca-labs/oca/internal/ingest"
	"github.com/oca-labs/oca/internal/knowledge"
	"github.com/oca-labs/oca/internal/log"
	"github.com/oca-labs/oca/internal/prompt"
	"github.com/oca-labs/oca/internal/retriever"
	"github.com/oca-labs/oca/internal/session"
)

// generateRate bounds LLM calls: sustained per-second rate and burst.
const (
	generateRate  = 5
	generateBurst = 10
)

// Setup creates and initializes the application. On error, everything
// already initialized is released.
func Setup(ctx context.Context, cfg *config.Config, logger log.Logger) (_ *App, retErr error) {
	if logger == nil {
		logger = log.NewNop()
	}
	a := &App{Config: cfg, Logger: logger}

	defer func() {
		if retErr != nil {
			a.Close()
		}
	}()

	if cfg.StorageConfigured() {
		pool, cleanup, err := provideDBPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a.DBPool = pool
		a.dbCleanup = cleanup
		a.Knowledge = knowledge.New(pool, cfg.EmbeddingDimension, logger)
		a.Sessions = session.New(pool, logger)
	} else {
		logger.Warn("no datastore configured: sessions and retrieval disabled, chat answers from general knowledge")
	}

	g, err := provideGenkit(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Genkit = g

	embedder := provideEmbedder(g, cfg)
	if embedder == nil {
		return nil, fmt.Errorf("embedder %q not found for provider %q", cfg.EmbedderModel, cfg.Provider)
	}
	a.Embedder = embedder

	emb := retriever.NewEmbedder(embedder, cfg.EmbeddingDimension, logger)

	// The two modes carry different failure policies: tutoring degrades to
	// general knowledge, search propagates dependency errors.
	var searchClient retriever.SearchClient
	if a.Knowledge != nil {
		searchClient = a.Knowledge
	}
	chatRetriever := retriever.New(emb, searchClient, retriever.SoftDegrade, logger)
	searchRetriever := retriever.New(emb, searchClient, retriever.HardFail, logger)

	generator := chat.NewGenkitGenerator(g, providerModelName(cfg),
		rate.NewLimiter(generateRate, generateBurst), logger)

	var sessions chat.SessionStore
	if a.Sessions != nil {
		sessions = a.Sessions
	}

	a.Chat = chat.NewService(
		chatRetriever, searchRetriever, sessions,
		prompt.NewAssembler(prompt.DefaultTutoringTemplate, cfg.PromptBudget, logger),
		prompt.NewAssembler(prompt.DefaultSearchTemplate, cfg.PromptBudget, logger),
		generator,
		chat.Options{
			TopK:            cfg.TopK,
			Threshold:       cfg.Threshold,
			MaxHistoryTurns: cfg.MaxHistoryTurns,
		},
		logger,
	)

	if a.Knowledge != nil {
		a.Ingestor = ingest.New(cfg.ChunkSize, cfg.ChunkOverlap, emb, a.Knowledge, logger)
	}

	return a, nil
}

// provideGenkit initializes Genkit with the configured provider.
// Supports ollama (default, local runtime), openai, and gemini.
func provideGenkit(ctx context.Context, cfg *config.Config, logger log.Logger) (*genkit.Genkit, error) {
	var g *genkit.Genkit

	switch cfg.Provider {
	case config.ProviderOllama:
		ollamaPlugin := &ollama.Ollama{ServerAddress: cfg.OllamaHost}
		g = genkit.Init(ctx, genkit.WithPlugins(ollamaPlugin))
		if g == nil {
			return nil, errors.New("initializing genkit with ollama provider")
		}
		// Ollama requires explicit model registration (no auto-discovery)
		ollamaPlugin.DefineModel(g, ollama.ModelDefinition{
			Name: cfg.ModelName,
			Type: "chat",
		}, nil)
		ollamaPlugin.DefineEmbedder(g, cfg.OllamaHost, cfg.EmbedderModel, nil)
		logger.Info("initialized Genkit with ollama provider",
			"model", cfg.ModelName, "host", cfg.OllamaHost)

	case config.ProviderOpenAI:
		g = genkit.Init(ctx, genkit.WithPlugins(&openai.OpenAI{}))
		if g == nil {
			return nil, errors.New("initializing genkit with openai provider")
		}
		logger.Info("initialized Genkit with openai provider", "model", cfg.ModelName)

	case config.ProviderGemini:
		g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
		if g == nil {
			return nil, errors.New("initializing genkit with gemini provider")
		}
		logger.Info("initialized Genkit with gemini provider", "model", cfg.ModelName)

	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}

	return g, nil
}

// provideEmbedder looks up the embedder registered by the provider plugin.
// Each provider registers embedders differently:
//   - ollama: registered in provideGenkit, keyed by server address
//   - openai: auto-registered in Init(), looked up by model name
//   - gemini: GoogleAIEmbedder(g, modelName)
func provideEmbedder(g *genkit.Genkit, cfg *config.Config) ai.Embedder {
	switch cfg.Provider {
	case config.ProviderOllama:
		return ollama.Embedder(g, cfg.OllamaHost)
	case config.ProviderOpenAI:
		return genkit.LookupEmbedder(g, api.NewName("openai", cfg.EmbedderModel))
	default:
		return googlegenai.GoogleAIEmbedder(g, cfg.EmbedderModel)
	}
}

// providerModelName resolves the model reference passed to generation calls.
func providerModelName(cfg *config.Config) string {
	switch cfg.Provider {
	case config.ProviderOllama:
		return "ollama/" + cfg.ModelName
	case config.ProviderOpenAI:
		return "openai/" + cfg.ModelName
	default:
		return "googleai/" + cfg.ModelName
	}
}

// provideDBPool runs migrations and creates the connection pool.
func provideDBPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, func(), error) {
	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return nil, nil, fmt.Errorf("running migrations: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresConnectionString())
	if err != nil {
		return nil, nil, fmt.Errorf("parsing connection config: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("creating connection pool: %w", err)
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("pinging database: %w", err)
	}

	return pool, pool.Close, nil
}
