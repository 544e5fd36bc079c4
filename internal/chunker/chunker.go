// Package chunker splits raw document text into overlapping fixed-size
// windows for embedding and retrieval.
package chunker

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidConfig indicates degenerate chunking input: empty text, a
// non-positive chunk size, or an overlap that is not strictly below the
// chunk size. Rejected up front so the window loop can never stall.
var ErrInvalidConfig = errors.New("invalid chunking config")

// Chunk is one window of source text.
type Chunk struct {
	// Index is the chunk's position within the document's chunk sequence.
	Index int

	// Start is the rune offset of the window in the source text.
	Start int

	// Text is the window content with surrounding whitespace trimmed.
	Text string
}

// Split produces an ordered sequence of overlapping windows over text.
//
// Consecutive windows start size-overlap runes apart, so adjacent chunks
// share exactly overlap runes of input; the final chunk may be shorter.
// Windows that are whitespace-only after trimming are dropped, but indices
// and offsets of the remaining chunks keep their positions in the sequence.
func Split(text string, size, overlap int) ([]Chunk, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: empty text", ErrInvalidConfig)
	}
	if size <= 0 {
		return nil, fmt.Errorf("%w: chunk size %d", ErrInvalidConfig, size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("%w: overlap %d with chunk size %d", ErrInvalidConfig, overlap, size)
	}

	runes := []rune(text)
	step := size - overlap

	chunks := make([]Chunk, 0, (len(runes)+step-1)/step)
	index := 0
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}

		if trimmed := strings.TrimSpace(string(runes[start:end])); trimmed != "" {
			chunks = append(chunks, Chunk{Index: index, Start: start, Text: trimmed})
			index++
		}

		if end == len(runes) {
			break
		}
	}

	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: no non-empty chunks", ErrInvalidConfig)
	}
	return chunks, nil
}
