package knowledge

import (
	"time"

	"github.com/google/uuid"
)

// Chunk is one stored slice of a source document, created during ingestion
// and immutable afterwards.
type Chunk struct {
	ID           uuid.UUID      `json:"id"`
	DocumentName string         `json:"documentName"`
	Section      string         `json:"section,omitempty"`    // optional provenance
	PageNumber   int            `json:"pageNumber,omitempty"` // optional provenance, 0 = unknown
	ChunkIndex   int            `json:"chunkIndex"`
	Content      string         `json:"content"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
}

// Match is a single similarity-search result.
type Match struct {
	Chunk      Chunk   `json:"chunk"`
	Similarity float64 `json:"similarity"` // cosine similarity, (threshold, 1]
}
