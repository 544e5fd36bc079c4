package retriever

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/firebase/genkit/go/ai"
)

// ErrEmbeddingUnavailable indicates the embedding model could not be reached
// or returned malformed output (wrong dimension, NaN values).
var ErrEmbeddingUnavailable = errors.New("embedding unavailable")

// Embedder wraps a Genkit ai.Embedder and validates its output against the
// store-wide embedding dimension. Deterministic for identical input and model
// version; callers may cache, the wrapper does not.
type Embedder struct {
	embedder  ai.Embedder
	dimension int
	logger    *slog.Logger
}

// NewEmbedder creates an Embedder that expects vectors of the given dimension.
func NewEmbedder(embedder ai.Embedder, dimension int, logger *slog.Logger) *Embedder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Embedder{embedder: embedder, dimension: dimension, logger: logger}
}

// Embed converts text to a fixed-length vector.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch embeds texts preserving input order. The whole batch fails if
// any single embedding fails; callers needing partial progress re-invoke
// per item.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrEmbeddingUnavailable)
	}

	input := make([]*ai.Document, len(texts))
	for i, t := range texts {
		input[i] = ai.DocumentFromText(t, nil)
	}

	resp, err := e.embedder.Embed(ctx, &ai.EmbedRequest{Input: input})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("%w: requested %d embeddings, got %d",
			ErrEmbeddingUnavailable, len(texts), len(resp.Embeddings))
	}

	vectors := make([][]float32, len(texts))
	for i, emb := range resp.Embeddings {
		if err := e.validate(emb.Embedding); err != nil {
			return nil, fmt.Errorf("embedding %d of %d: %w", i+1, len(texts), err)
		}
		vectors[i] = emb.Embedding
	}
	return vectors, nil
}

func (e *Embedder) validate(vector []float32) error {
	if len(vector) != e.dimension {
		return fmt.Errorf("%w: got dimension %d, expected %d",
			ErrEmbeddingUnavailable, len(vector), e.dimension)
	}
	for _, v := range vector {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return fmt.Errorf("%w: non-finite component in vector", ErrEmbeddingUnavailable)
		}
	}
	return nil
}
