package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gofrs/flock"

	"github.com/oca-labs/oca/internal/app"
	"github.com/oca-labs/oca/internal/config"
	"github.com/oca-labs/oca/internal/ingest"
	"github.com/oca-labs/oca/internal/log"
)

// lockFileName guards against two ingest runs writing the same documents.
const lockFileName = "oca-ingest.lock"

// runIngest loads every .txt/.md file under a directory into the knowledge
// base. Documents are processed concurrently; a failing document does not
// abort the run.
func runIngest(logger log.Logger) error {
	if len(os.Args) < 3 {
		return errors.New("usage: oca ingest <dir>")
	}
	dir := os.Args[2]

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if !cfg.StorageConfigured() {
		return errors.New("ingest requires a datastore: set DATABASE_URL or the OCA_POSTGRES_* variables")
	}

	lock := flock.New(filepath.Join(os.TempDir(), lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring ingest lock: %w", err)
	}
	if !locked {
		return errors.New("another ingest is already running")
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			logger.Warn("releasing ingest lock", "error", err)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.Setup(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer a.Close()

	docs, err := collectDocuments(dir)
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		return fmt.Errorf("no .txt or .md files found under %s", dir)
	}

	logger.Info("ingesting documents", "count", len(docs), "dir", dir)
	summary := a.Ingestor.IngestAll(ctx, docs)

	fmt.Printf("Ingestion finished: %d processed, %d failed, %d chunks stored\n",
		summary.Processed, summary.Failed, summary.Chunks)
	if summary.Failed > 0 {
		return fmt.Errorf("%d document(s) failed to ingest", summary.Failed)
	}
	return nil
}

// collectDocuments walks dir and reads every .txt/.md file.
func collectDocuments(dir string) ([]ingest.Document, error) {
	var docs []ingest.Document

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := filepath.Ext(path)
		if ext != ".txt" && ext != ".md" {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			rel = filepath.Base(path)
		}

		docs = append(docs, ingest.Document{
			Name: rel,
			Text: string(data),
			Metadata: map[string]any{
				"fileType": ext[1:],
			},
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", dir, err)
	}
	return docs, nil
}
