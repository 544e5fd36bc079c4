package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/oca-labs/oca/internal/chat"
	"github.com/oca-labs/oca/internal/knowledge"
	"github.com/oca-labs/oca/internal/log"
	"github.com/oca-labs/oca/internal/retriever"
)

// MaxMessageLength bounds chat and search inputs.
const MaxMessageLength = 32000

// StreamStatusTrailer is declared on chat responses so clients can tell a
// completed stream from one that was cut off.
const StreamStatusTrailer = "X-Stream-Status"

// ChatService runs the chat and search pipelines. *chat.Service satisfies it.
type ChatService interface {
	Chat(ctx context.Context, req chat.ChatRequest, stream chat.StreamFunc) (*chat.ChatResult, error)
	Search(ctx context.Context, req chat.SearchRequest) (*chat.SearchResult, error)
}

// ChatHandler handles the chat and search endpoints.
type ChatHandler struct {
	svc    ChatService
	logger log.Logger
}

// NewChatHandler creates a new chat handler.
func NewChatHandler(svc ChatService, logger log.Logger) *ChatHandler {
	return &ChatHandler{svc: svc, logger: logger}
}

// RegisterRoutes registers chat routes on the given mux.
func (h *ChatHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/chat", h.chat)
	mux.HandleFunc("POST /api/search", h.search)
}

// ChatRequest is the request body for POST /api/chat.
type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId"`
	StudentID string `json:"studentId"`
}

// chat streams the tutoring response as text/plain. The resolved session id
// is sent in the X-Session-Id header; the X-Stream-Status trailer reports
// "complete" or "truncated".
func (h *ChatHandler) chat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "missing required field", "message is required")
		return
	}
	if len(req.Message) > MaxMessageLength {
		writeError(w, http.StatusBadRequest, "message too long", "")
		return
	}

	sessionID, ok := parseOptionalUUID(w, req.SessionID, "sessionId")
	if !ok {
		return
	}

	flusher, _ := w.(http.Flusher)
	started := false
	start := func() {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Trailer", StreamStatusTrailer)
		w.WriteHeader(http.StatusOK)
		started = true
	}

	result, err := h.svc.Chat(r.Context(), chat.ChatRequest{
		Message:   req.Message,
		SessionID: sessionID,
		SubjectID: req.StudentID,
		OnSession: func(id uuid.UUID) {
			w.Header().Set("X-Session-Id", id.String())
		},
	}, func(_ context.Context, fragment string) error {
		if !started {
			start()
		}
		if _, werr := w.Write([]byte(fragment)); werr != nil {
			return werr
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})

	if err != nil && result == nil {
		// Nothing was streamed; a structured error can still go out.
		h.logger.Error("chat request failed", "error", err)
		writeError(w, statusFor(err), "chat failed", err.Error())
		return
	}

	if !started {
		start()
	}
	if err != nil || !result.Completed {
		w.Header().Set(StreamStatusTrailer, "truncated")
		return
	}
	w.Header().Set(StreamStatusTrailer, "complete")
}

// SearchRequest is the request body for POST /api/search.
type SearchRequest struct {
	Query      string `json:"query"`
	SessionID  string `json:"sessionId"`
	StudentID  string `json:"studentId"`
	MaxResults int    `json:"maxResults"`
}

// search answers a query against the knowledge base, non-streaming.
func (h *ChatHandler) search(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "missing required field", "query is required")
		return
	}
	if len(req.Query) > MaxMessageLength {
		writeError(w, http.StatusBadRequest, "query too long", "")
		return
	}

	sessionID, ok := parseOptionalUUID(w, req.SessionID, "sessionId")
	if !ok {
		return
	}

	result, err := h.svc.Search(r.Context(), chat.SearchRequest{
		Query:      req.Query,
		SessionID:  sessionID,
		SubjectID:  req.StudentID,
		MaxResults: req.MaxResults,
	})
	if err != nil {
		h.logger.Error("search request failed", "error", err)
		writeError(w, statusFor(err), "search failed", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// parseOptionalUUID parses an optional uuid field, writing a 400 on garbage.
func parseOptionalUUID(w http.ResponseWriter, raw, field string) (uuid.UUID, bool) {
	if raw == "" {
		return uuid.Nil, true
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+field, err.Error())
		return uuid.Nil, false
	}
	return id, true
}

// statusFor maps pipeline errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, knowledge.ErrStoreUnavailable),
		errors.Is(err, retriever.ErrEmbeddingUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, knowledge.ErrDimensionMismatch):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
