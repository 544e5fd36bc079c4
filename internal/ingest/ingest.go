// Package ingest loads source documents into the chunk store:
// chunk, embed, insert. Documents are processed concurrently, chunks
// within one document sequentially, and one document's failure never
// aborts its siblings.
package ingest

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/oca-labs/oca/internal/chunker"
	"github.com/oca-labs/oca/internal/knowledge"
	"github.com/oca-labs/oca/internal/log"
)

// Embedder converts chunk text to vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ChunkStore persists chunks. *knowledge.Store satisfies it.
type ChunkStore interface {
	Insert(ctx context.Context, chunk knowledge.Chunk, embedding []float32) (uuid.UUID, error)
	DeleteDocument(ctx context.Context, documentName string) (int64, error)
}

// Document is one source to ingest.
type Document struct {
	Name     string
	Section  string
	Text     string
	Metadata map[string]any
}

// Summary aggregates an ingestion run.
type Summary struct {
	Processed int
	Failed    int
	Chunks    int
}

// Ingestor runs the chunk → embed → insert pipeline.
type Ingestor struct {
	chunkSize int
	overlap   int
	embedder  Embedder
	store     ChunkStore
	logger    log.Logger
}

func New(chunkSize, overlap int, embedder Embedder, store ChunkStore, logger log.Logger) *Ingestor {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Ingestor{
		chunkSize: chunkSize,
		overlap:   overlap,
		embedder:  embedder,
		store:     store,
		logger:    logger,
	}
}

// IngestDocument replaces a document's stored chunks with freshly chunked
// and embedded content. Returns the number of chunks inserted.
func (in *Ingestor) IngestDocument(ctx context.Context, doc Document) (int, error) {
	chunks, err := chunker.Split(doc.Text, in.chunkSize, in.overlap)
	if err != nil {
		return 0, fmt.Errorf("chunking %s: %w", doc.Name, err)
	}

	// Re-ingestion cleanup: stale chunks from a prior run must not linger.
	removed, err := in.store.DeleteDocument(ctx, doc.Name)
	if err != nil {
		return 0, fmt.Errorf("clearing previous chunks of %s: %w", doc.Name, err)
	}
	if removed > 0 {
		in.logger.Info("removed stale chunks before re-ingestion",
			"document", doc.Name, "count", removed)
	}

	metadata := make(map[string]any, len(doc.Metadata)+1)
	for k, v := range doc.Metadata {
		metadata[k] = v
	}
	metadata["totalChunks"] = len(chunks)

	for _, c := range chunks {
		vec, err := in.embedder.Embed(ctx, c.Text)
		if err != nil {
			return 0, fmt.Errorf("embedding chunk %d of %s: %w", c.Index, doc.Name, err)
		}

		_, err = in.store.Insert(ctx, knowledge.Chunk{
			DocumentName: doc.Name,
			Section:      doc.Section,
			ChunkIndex:   c.Index,
			Content:      c.Text,
			Metadata:     metadata,
		}, vec)
		if err != nil {
			return 0, fmt.Errorf("storing chunk %d of %s: %w", c.Index, doc.Name, err)
		}
	}

	in.logger.Info("ingested document", "document", doc.Name, "chunks", len(chunks))
	return len(chunks), nil
}

// IngestAll processes documents concurrently, one goroutine per document.
// Failures are isolated and counted, not propagated.
func (in *Ingestor) IngestAll(ctx context.Context, docs []Document) Summary {
	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		summary Summary
	)

	for _, doc := range docs {
		wg.Add(1)
		go func(doc Document) {
			defer wg.Done()

			count, err := in.IngestDocument(ctx, doc)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				in.logger.Error("document ingestion failed", "document", doc.Name, "error", err)
				summary.Failed++
				return
			}
			summary.Processed++
			summary.Chunks += count
		}(doc)
	}

	wg.Wait()
	return summary
}
