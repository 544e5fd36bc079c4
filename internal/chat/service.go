// Package chat runs the request pipeline: retrieve relevant material, load
// conversation history, assemble the prompt, generate a response, and
// archive the completed exchange in the background.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oca-labs/oca/internal/knowledge"
	"github.com/oca-labs/oca/internal/log"
	"github.com/oca-labs/oca/internal/prompt"
	"github.com/oca-labs/oca/internal/session"
)

// ErrStoreRequired indicates an operation needs the session store and none
// is configured.
var ErrStoreRequired = errors.New("session store not configured")

const (
	archiveTimeout = 15 * time.Second
	excerptRunes   = 200
	anonymousID    = "anonymous"
)

// Retriever turns a query into ranked context chunks.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int, threshold float64) ([]knowledge.Match, error)
}

// SessionStore is the session persistence surface the pipeline needs.
// *session.Store satisfies it.
type SessionStore interface {
	CreateSession(ctx context.Context, subjectID string, mode session.Mode, sessionCtx json.RawMessage) (*session.Session, error)
	GetSession(ctx context.Context, id uuid.UUID) (*session.Session, error)
	TouchSession(ctx context.Context, id uuid.UUID) error
	History(ctx context.Context, sessionID uuid.UUID, limit int) ([]session.Turn, error)
	CreateInteraction(ctx context.Context, in session.Interaction) (*session.Interaction, error)
}

// Options carries the retrieval and history knobs.
type Options struct {
	TopK            int
	Threshold       float64
	MaxHistoryTurns int
}

// Service orchestrates the tutoring chat and search pipelines.
//
// sessions may be nil when no datastore is configured: chat then answers
// from general knowledge with no history and no archive, and search skips
// archiving. Retrieval policy differs per mode: the chat retriever
// soft-degrades, the search retriever hard-fails on dependency errors.
type Service struct {
	chatRetriever   Retriever
	searchRetriever Retriever
	sessions        SessionStore
	tutorPrompt     *prompt.Assembler
	searchPrompt    *prompt.Assembler
	generator       Generator
	opts            Options
	logger          log.Logger

	archives sync.WaitGroup
}

// NewService wires the pipeline.
func NewService(chatRetriever, searchRetriever Retriever, sessions SessionStore,
	tutorPrompt, searchPrompt *prompt.Assembler, generator Generator,
	opts Options, logger log.Logger) *Service {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Service{
		chatRetriever:   chatRetriever,
		searchRetriever: searchRetriever,
		sessions:        sessions,
		tutorPrompt:     tutorPrompt,
		searchPrompt:    searchPrompt,
		generator:       generator,
		opts:            opts,
		logger:          logger,
	}
}

// Close waits for in-flight archive writes to finish.
func (s *Service) Close() {
	s.archives.Wait()
}

// ChatRequest is one tutoring turn.
type ChatRequest struct {
	Message   string
	SessionID uuid.UUID // uuid.Nil creates a session
	SubjectID string

	// OnSession, if set, is called with the resolved session id before any
	// fragment is streamed. Handlers use it to emit the id while headers
	// can still be written.
	OnSession func(id uuid.UUID)
}

// ChatResult reports what a turn produced.
type ChatResult struct {
	SessionID uuid.UUID
	Response  string
	Sources   []knowledge.Match
	Completed bool
}

// Chat runs one streaming tutoring turn. Retrieval and history are
// best-effort; generation failures before the first fragment return a nil
// result. Once streaming has begun, a mid-stream failure returns the
// partial result alongside the error, and the partial text is archived.
func (s *Service) Chat(ctx context.Context, req ChatRequest, stream StreamFunc) (*ChatResult, error) {
	if req.SubjectID == "" {
		req.SubjectID = anonymousID
	}

	sess := s.resolveSession(ctx, req.SessionID, req.SubjectID, session.ModeTutoring)
	if sess != nil && req.OnSession != nil {
		req.OnSession(sess.ID)
	}

	matches, err := s.chatRetriever.Retrieve(ctx, req.Message, s.opts.TopK, s.opts.Threshold)
	if err != nil {
		// The chat retriever soft-degrades; any error that still surfaces
		// is treated the same way.
		s.logger.Warn("retrieval failed, answering without context", "error", err)
		matches = nil
	}

	history := s.loadHistory(ctx, sess)

	msgs, kept := s.tutorPrompt.Build(matches, history, req.Message)

	text, genErr := s.generator.Generate(ctx, msgs, stream)
	if genErr != nil && text == "" {
		return nil, genErr
	}

	result := &ChatResult{
		Response:  text,
		Sources:   kept,
		Completed: genErr == nil,
	}
	if sess != nil {
		result.SessionID = sess.ID
		s.archive(sess, session.ModeTutoring, req.Message, text, kept)
	}
	return result, genErr
}

// SearchRequest is one non-streaming information-access query.
type SearchRequest struct {
	Query      string
	SessionID  uuid.UUID
	SubjectID  string
	MaxResults int
}

// Source identifies one retrieved chunk backing a search answer.
type Source struct {
	ChunkID  uuid.UUID `json:"chunkId"`
	Document string    `json:"document"`
	Section  string    `json:"section,omitempty"`
	Page     int       `json:"page,omitempty"`
	Excerpt  string    `json:"excerpt"`
}

// SearchResult is the search response payload.
type SearchResult struct {
	Summary   string    `json:"summary"`
	Sources   []Source  `json:"sources"`
	Timestamp time.Time `json:"timestamp"`
}

// Search answers a query from retrieved material. Store or embedder failures
// propagate; zero matches is not an error and yields a general-knowledge
// answer with empty sources.
func (s *Service) Search(ctx context.Context, req SearchRequest) (*SearchResult, error) {
	if req.SubjectID == "" {
		req.SubjectID = anonymousID
	}
	if req.MaxResults <= 0 {
		req.MaxResults = s.opts.TopK
	}

	matches, err := s.searchRetriever.Retrieve(ctx, req.Query, req.MaxResults, s.opts.Threshold)
	if err != nil {
		return nil, fmt.Errorf("searching knowledge base: %w", err)
	}

	sess := s.resolveSession(ctx, req.SessionID, req.SubjectID, session.ModeInfoAccess)
	history := s.loadHistory(ctx, sess)

	msgs, kept := s.searchPrompt.Build(matches, history, req.Query)

	summary, err := s.generator.Generate(ctx, msgs, nil)
	if err != nil {
		return nil, err
	}

	sources := make([]Source, 0, len(kept))
	for _, m := range kept {
		sources = append(sources, Source{
			ChunkID:  m.Chunk.ID,
			Document: m.Chunk.DocumentName,
			Section:  m.Chunk.Section,
			Page:     m.Chunk.PageNumber,
			Excerpt:  excerpt(m.Chunk.Content),
		})
	}

	if sess != nil {
		s.archive(sess, session.ModeInfoAccess, req.Query, summary, kept)
	}

	return &SearchResult{
		Summary:   summary,
		Sources:   sources,
		Timestamp: time.Now().UTC(),
	}, nil
}

// resolveSession finds or lazily creates the session. Persistence failures
// degrade to a nil session rather than blocking the turn.
func (s *Service) resolveSession(ctx context.Context, id uuid.UUID, subjectID string, mode session.Mode) *session.Session {
	if s.sessions == nil {
		return nil
	}

	if id != uuid.Nil {
		sess, err := s.sessions.GetSession(ctx, id)
		if err == nil {
			return sess
		}
		if !errors.Is(err, session.ErrNotFound) {
			s.logger.Warn("session lookup failed, proceeding without session", "id", id, "error", err)
			return nil
		}
		s.logger.Warn("session not found, creating a new one", "id", id)
	}

	sess, err := s.sessions.CreateSession(ctx, subjectID, mode, nil)
	if err != nil {
		s.logger.Warn("session creation failed, proceeding without session", "error", err)
		return nil
	}
	return sess
}

// loadHistory is best-effort: an unavailable store never blocks the turn.
func (s *Service) loadHistory(ctx context.Context, sess *session.Session) []session.Turn {
	if s.sessions == nil || sess == nil {
		return nil
	}
	turns, err := s.sessions.History(ctx, sess.ID, s.opts.MaxHistoryTurns)
	if err != nil {
		s.logger.Warn("history load failed, continuing without history",
			"session", sess.ID, "error", err)
		return nil
	}
	return turns
}

// archive persists the exchange in the background. The request path never
// waits on it and its failure is logged, not surfaced.
func (s *Service) archive(sess *session.Session, mode session.Mode, userMessage, response string, used []knowledge.Match) {
	chunkIDs := make([]uuid.UUID, 0, len(used))
	for _, m := range used {
		chunkIDs = append(chunkIDs, m.Chunk.ID)
	}

	s.archives.Add(1)
	go func() {
		defer s.archives.Done()

		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		defer cancel()

		if _, err := s.sessions.CreateInteraction(ctx, session.Interaction{
			SessionID:         sess.ID,
			SubjectID:         sess.SubjectID,
			Mode:              mode,
			UserMessage:       userMessage,
			AssistantResponse: response,
			RetrievedChunkIDs: chunkIDs,
		}); err != nil {
			s.logger.Error("archive write failed", "session", sess.ID, "error", err)
			return
		}
		if err := s.sessions.TouchSession(ctx, sess.ID); err != nil {
			s.logger.Error("last-activity update failed", "session", sess.ID, "error", err)
		}
	}()
}

func excerpt(text string) string {
	runes := []rune(text)
	if len(runes) <= excerptRunes {
		return text
	}
	return string(runes[:excerptRunes]) + "..."
}
