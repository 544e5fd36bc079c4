// Package knowledge manages document chunks with vector similarity search
// over PostgreSQL + pgvector.
//
// Similarity search goes through the match_document_chunks database function
// (see db/migrations): cosine similarity, strict threshold filtering, results
// ordered by similarity descending with insertion order breaking ties.
package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/pgvector/pgvector-go"
)

// Sentinel errors for store operations.
var (
	// ErrStoreUnavailable indicates the backing database could not be reached
	// or rejected the operation.
	ErrStoreUnavailable = errors.New("vector store unavailable")

	// ErrDimensionMismatch indicates a vector whose length differs from the
	// store's configured embedding dimension.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrInvalidQuery indicates out-of-range search parameters.
	ErrInvalidQuery = errors.New("invalid search parameters")
)

// searchTimeout bounds a single similarity query.
const searchTimeout = 10 * time.Second

// Querier is the subset of pgx operations the store needs.
// *pgxpool.Pool satisfies it.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store manages document chunks in PostgreSQL.
//
// Store is safe for concurrent use by multiple goroutines; every call is a
// standalone request against the pool, no cursor or transaction spans calls.
type Store struct {
	q         Querier
	dimension int
	logger    *slog.Logger
}

// New creates a Store. dimension is the store-wide embedding dimension; every
// inserted chunk and every query vector must match it exactly.
func New(q Querier, dimension int, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{q: q, dimension: dimension, logger: logger}
}

// Dimension returns the store-wide embedding dimension.
func (s *Store) Dimension() int { return s.dimension }

// Insert stores a chunk with its embedding and returns the assigned id.
func (s *Store) Insert(ctx context.Context, chunk Chunk, embedding []float32) (uuid.UUID, error) {
	if len(embedding) != s.dimension {
		return uuid.Nil, fmt.Errorf("%w: got %d, store uses %d", ErrDimensionMismatch, len(embedding), s.dimension)
	}

	metadataJSON, err := json.Marshal(chunk.Metadata)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshaling chunk metadata: %w", err)
	}

	var section pgtype.Text
	if chunk.Section != "" {
		section = pgtype.Text{String: chunk.Section, Valid: true}
	}
	var page pgtype.Int4
	if chunk.PageNumber > 0 {
		page = pgtype.Int4{Int32: int32(chunk.PageNumber), Valid: true} // #nosec G115 -- page numbers are small
	}

	var id pgtype.UUID
	err = s.q.QueryRow(ctx, `
		INSERT INTO document_chunks (document_name, section, page_number, chunk_index, content, embedding, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		chunk.DocumentName, section, page, chunk.ChunkIndex, chunk.Content,
		pgvector.NewVector(embedding), metadataJSON,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: inserting chunk %q[%d]: %v",
			ErrStoreUnavailable, chunk.DocumentName, chunk.ChunkIndex, err)
	}

	s.logger.Debug("stored chunk",
		"document", chunk.DocumentName,
		"chunk_index", chunk.ChunkIndex,
		"content_length", len(chunk.Content))
	return uuid.UUID(id.Bytes), nil
}

// SimilaritySearch returns chunks whose cosine similarity to queryVector is
// strictly greater than threshold, ordered by similarity descending, at most
// topK results. An empty result set is not an error.
func (s *Store) SimilaritySearch(ctx context.Context, queryVector []float32, threshold float64, topK int) ([]Match, error) {
	if topK <= 0 {
		return nil, fmt.Errorf("%w: topK must be positive, got %d", ErrInvalidQuery, topK)
	}
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("%w: threshold must be in [0,1], got %v", ErrInvalidQuery, threshold)
	}
	if len(queryVector) != s.dimension {
		return nil, fmt.Errorf("%w: got %d, store uses %d", ErrDimensionMismatch, len(queryVector), s.dimension)
	}

	queryCtx, cancel := context.WithTimeout(ctx, searchTimeout)
	defer cancel()

	rows, err := s.q.Query(queryCtx, `
		SELECT id, document_name, section, page_number, chunk_index, content, metadata, similarity
		FROM match_document_chunks($1, $2, $3)`,
		pgvector.NewVector(queryVector), threshold, topK,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: similarity query: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	matches := make([]Match, 0, topK)
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning match: %w", err)
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating matches: %v", ErrStoreUnavailable, err)
	}

	s.logger.Debug("similarity search", "hits", len(matches), "threshold", threshold, "top_k", topK)
	return matches, nil
}

// Get returns a single chunk by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Chunk, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, document_name, section, page_number, chunk_index, content, metadata, 0.0
		FROM document_chunks WHERE id = $1`,
		pgtype.UUID{Bytes: id, Valid: true},
	)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching chunk: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("%w: fetching chunk: %v", ErrStoreUnavailable, err)
		}
		return nil, fmt.Errorf("chunk %s not found", id)
	}
	m, err := scanMatch(rows)
	if err != nil {
		return nil, fmt.Errorf("scanning chunk: %w", err)
	}
	return &m.Chunk, nil
}

// DeleteDocument removes every chunk of the named document. Used by
// re-ingestion cleanup before a document is indexed again.
func (s *Store) DeleteDocument(ctx context.Context, documentName string) (int64, error) {
	tag, err := s.q.Exec(ctx, `DELETE FROM document_chunks WHERE document_name = $1`, documentName)
	if err != nil {
		return 0, fmt.Errorf("%w: deleting document %q: %v", ErrStoreUnavailable, documentName, err)
	}
	s.logger.Debug("deleted document chunks", "document", documentName, "count", tag.RowsAffected())
	return tag.RowsAffected(), nil
}

// Count returns the total number of stored chunks.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.q.QueryRow(ctx, `SELECT count(*) FROM document_chunks`).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: counting chunks: %v", ErrStoreUnavailable, err)
	}
	return count, nil
}

func scanMatch(rows pgx.Rows) (Match, error) {
	var (
		id           pgtype.UUID
		documentName string
		section      pgtype.Text
		page         pgtype.Int4
		chunkIndex   int
		content      string
		metadataJSON []byte
		similarity   float64
	)
	if err := rows.Scan(&id, &documentName, &section, &page, &chunkIndex, &content, &metadataJSON, &similarity); err != nil {
		return Match{}, err
	}

	var metadata map[string]any
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &metadata); err != nil {
			return Match{}, fmt.Errorf("unmarshaling chunk metadata: %w", err)
		}
	}

	return Match{
		Chunk: Chunk{
			ID:           uuid.UUID(id.Bytes),
			DocumentName: documentName,
			Section:      section.String,
			PageNumber:   int(page.Int32),
			ChunkIndex:   chunkIndex,
			Content:      content,
			Metadata:     metadata,
		},
		Similarity: similarity,
	}, nil
}
