// Package session provides persistence for conversation sessions and their
// archived interactions over PostgreSQL.
package session

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Mode identifies what kind of conversation a session carries.
type Mode string

const (
	// ModeTutoring is the streaming tutoring chat.
	ModeTutoring Mode = "tutoring"

	// ModeInfoAccess is the non-streaming information search.
	ModeInfoAccess Mode = "info_access"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeTutoring || m == ModeInfoAccess
}

// Session is a logical conversation thread between one subject (student) and
// the system. Created lazily on first message if absent; LastActivity is
// updated on every turn.
type Session struct {
	ID           uuid.UUID       `json:"id"`
	SubjectID    string          `json:"studentId"`
	Mode         Mode            `json:"mode"`
	Context      json.RawMessage `json:"context,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	LastActivity time.Time       `json:"lastActivity"`
}

// Interaction is one completed user/assistant exchange, append-only.
type Interaction struct {
	ID                uuid.UUID       `json:"id"`
	SessionID         uuid.UUID       `json:"sessionId"`
	SubjectID         string          `json:"studentId"`
	Mode              Mode            `json:"mode"`
	UserMessage       string          `json:"userMessage"`
	AssistantResponse string          `json:"assistantResponse"`
	RetrievedChunkIDs []uuid.UUID     `json:"retrievedChunkIds"`
	Metadata          json.RawMessage `json:"metadata,omitempty"`
	Timestamp         time.Time       `json:"timestamp"`
}

// Turn is one prior user/assistant pair used as conversation context.
type Turn struct {
	User      string
	Assistant string
}
