// Package cmd provides CLI commands for OCA.
//
// Commands:
//   - serve: HTTP API server (streaming chat, search, sessions)
//   - ingest: load a directory of documents into the knowledge base
//
// Signal handling and graceful shutdown are implemented for all commands
// via context cancellation.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/oca-labs/oca/internal/log"
)

// Execute is the main entry point for the OCA CLI application.
func Execute() error {
	logger := log.New(log.Config{
		Level: logLevel(),
		JSON:  os.Getenv("OCA_LOG_JSON") != "",
	})
	slog.SetDefault(logger)

	if len(os.Args) < 2 {
		runHelp()
		return nil
	}

	switch os.Args[1] {
	case "serve":
		return runServe(logger)
	case "ingest":
		return runIngest(logger)
	case "version", "--version", "-v":
		runVersion()
		return nil
	case "help", "--help", "-h":
		runHelp()
		return nil
	default:
		return fmt.Errorf("unknown command: %s", os.Args[1])
	}
}

func logLevel() slog.Level {
	if os.Getenv("DEBUG") != "" {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// runHelp displays the help message.
func runHelp() {
	fmt.Println("OCA - retrieval-augmented tutoring service")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  oca serve [addr]   Start HTTP API server (default: 127.0.0.1:8080)")
	fmt.Println("  oca ingest <dir>   Ingest .txt/.md documents into the knowledge base")
	fmt.Println("  oca --version      Show version information")
	fmt.Println("  oca --help         Show this help")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  DATABASE_URL         Postgres connection URL (pgvector required)")
	fmt.Println("  OCA_PROVIDER         LLM provider: ollama (default), openai, gemini")
	fmt.Println("  OCA_MODEL_NAME       Generation model name")
	fmt.Println("  OCA_EMBEDDER_MODEL   Embedding model name")
	fmt.Println("  OCA_OLLAMA_HOST      Ollama server address")
	fmt.Println("  DEBUG                Enable debug logging")
}
