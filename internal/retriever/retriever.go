// Package retriever turns a user query into a ranked set of context chunks
// by orchestrating the embedder and the vector store.
package retriever

import (
	"context"
	"log/slog"

	"github.com/oca-labs/oca/internal/knowledge"
)

// Policy controls how the retriever behaves when the embedder or the vector
// store fails.
type Policy int

const (
	// HardFail propagates embedder/store errors to the caller. Used when
	// retrieval is the primary value and there is no fallback answer.
	HardFail Policy = iota

	// SoftDegrade swallows embedder/store errors and returns an empty result
	// so the caller proceeds without context. Used in tutoring mode, where
	// retrieval is an enhancement rather than the sole source of truth.
	SoftDegrade
)

// TextEmbedder converts a query into a fixed-length vector.
type TextEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// SearchClient performs similarity search over stored chunks.
type SearchClient interface {
	SimilaritySearch(ctx context.Context, queryVector []float32, threshold float64, topK int) ([]knowledge.Match, error)
}

// Retriever fetches the chunks most relevant to a query.
type Retriever struct {
	embedder TextEmbedder
	store    SearchClient
	policy   Policy
	logger   *slog.Logger
}

// New creates a Retriever with the given failure policy.
func New(embedder TextEmbedder, store SearchClient, policy Policy, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{embedder: embedder, store: store, policy: policy, logger: logger}
}

// Retrieve embeds the query and runs a similarity search.
//
// Under SoftDegrade an embedder or store failure yields an empty, non-nil
// slice and no error; an empty result set is never an error under either
// policy.
func (r *Retriever) Retrieve(ctx context.Context, query string, topK int, threshold float64) ([]knowledge.Match, error) {
	if r.store == nil {
		return r.degrade("similarity search", knowledge.ErrStoreUnavailable)
	}

	vector, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return r.degrade("embedding query", err)
	}

	matches, err := r.store.SimilaritySearch(ctx, vector, threshold, topK)
	if err != nil {
		return r.degrade("searching store", err)
	}

	r.logger.Debug("retrieved context", "hits", len(matches), "top_k", topK, "threshold", threshold)
	return matches, nil
}

func (r *Retriever) degrade(op string, err error) ([]knowledge.Match, error) {
	if r.policy == SoftDegrade {
		r.logger.Warn("retrieval degraded to empty context", "op", op, "error", err)
		return []knowledge.Match{}, nil
	}
	return nil, err
}
