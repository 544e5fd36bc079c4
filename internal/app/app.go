// Package app wires the application together: Genkit runtime per provider,
// database pool with migrations, and the retrieval/chat pipeline.
package app

import (
	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oca-labs/oca/internal/chat"
	"github.com/oca-labs/oca/internal/config"
	"github.com/oca-labs/oca/internal/ingest"
	"github.com/oca-labs/oca/internal/knowledge"
	"github.com/oca-labs/oca/internal/log"
	"github.com/oca-labs/oca/internal/session"
)

// App is the application container. DBPool, Knowledge and Sessions are nil
// when no datastore is configured; the service then runs in degraded mode
// (chat from general knowledge, store-dependent endpoints answer 503).
type App struct {
	Config *config.Config
	Logger log.Logger

	Genkit   *genkit.Genkit
	Embedder ai.Embedder

	DBPool    *pgxpool.Pool
	Knowledge *knowledge.Store
	Sessions  *session.Store

	Chat     *chat.Service
	Ingestor *ingest.Ingestor

	dbCleanup func()
}

// Close releases resources and waits for in-flight archive writes.
func (a *App) Close() {
	a.Logger.Info("shutting down application")

	if a.Chat != nil {
		a.Chat.Close()
	}
	if a.dbCleanup != nil {
		a.dbCleanup()
		a.Logger.Info("database pool closed")
	}
}
