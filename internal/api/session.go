package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/oca-labs/oca/internal/log"
	"github.com/oca-labs/oca/internal/session"
)

// Pagination bounds for interaction listing.
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
	MaxListOffset    = 100000
)

// SessionStore is the persistence surface the handler needs.
// *session.Store satisfies it.
type SessionStore interface {
	CreateSession(ctx context.Context, subjectID string, mode session.Mode, sessionCtx json.RawMessage) (*session.Session, error)
	GetSession(ctx context.Context, id uuid.UUID) (*session.Session, error)
	UpdateSession(ctx context.Context, id uuid.UUID, patch session.SessionPatch) (*session.Session, error)
	ListSessionsBySubject(ctx context.Context, subjectID string) ([]*session.Session, error)
	InteractionCount(ctx context.Context, sessionID uuid.UUID) (int, error)
	ListInteractions(ctx context.Context, f session.InteractionFilter) ([]*session.Interaction, int, error)
	GetInteraction(ctx context.Context, id uuid.UUID) (*session.Interaction, error)
}

// SessionHandler handles session and interaction endpoints.
type SessionHandler struct {
	store  SessionStore
	logger log.Logger
}

// NewSessionHandler creates a new session handler. store may be nil when no
// datastore is configured; every endpoint then answers 503.
func NewSessionHandler(store SessionStore, logger log.Logger) *SessionHandler {
	return &SessionHandler{store: store, logger: logger}
}

// RegisterRoutes registers session and interaction routes on the given mux.
func (h *SessionHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/sessions", h.create)
	mux.HandleFunc("GET /api/sessions/{id}", h.get)
	mux.HandleFunc("PATCH /api/sessions/{id}", h.update)
	mux.HandleFunc("GET /api/sessions/student/{id}", h.listByStudent)
	mux.HandleFunc("GET /api/interactions", h.listInteractions)
	mux.HandleFunc("GET /api/interactions/{id}", h.getInteraction)
}

// CreateSessionRequest is the request body for creating a session.
type CreateSessionRequest struct {
	StudentID string          `json:"studentId"`
	Mode      session.Mode    `json:"mode"`
	Context   json.RawMessage `json:"context"`
}

func (h *SessionHandler) create(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeStoreUnavailable(w)
		return
	}

	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.StudentID == "" {
		writeError(w, http.StatusBadRequest, "missing required field", "studentId is required")
		return
	}
	if !req.Mode.Valid() {
		writeError(w, http.StatusBadRequest, "invalid mode", `mode must be "tutoring" or "info_access"`)
		return
	}

	sess, err := h.store.CreateSession(r.Context(), req.StudentID, req.Mode, req.Context)
	if err != nil {
		h.logger.Error("failed to create session", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create session", "")
		return
	}

	writeJSON(w, http.StatusCreated, sess)
}

// sessionDetail is a session plus its archived message count.
type sessionDetail struct {
	*session.Session
	MessageCount int `json:"messageCount"`
}

func (h *SessionHandler) get(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeStoreUnavailable(w)
		return
	}
	id, ok := parsePathUUID(w, r, "id")
	if !ok {
		return
	}

	sess, err := h.store.GetSession(r.Context(), id)
	if err != nil {
		h.writeSessionError(w, err, "failed to fetch session")
		return
	}

	count, err := h.store.InteractionCount(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to count interactions", "session", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to fetch session", "")
		return
	}

	writeJSON(w, http.StatusOK, sessionDetail{Session: sess, MessageCount: count})
}

// UpdateSessionRequest is the request body for PATCH /api/sessions/{id}.
// Unknown fields are rejected.
type UpdateSessionRequest struct {
	LastActivity *time.Time       `json:"lastActivity"`
	Context      *json.RawMessage `json:"context"`
	Mode         *session.Mode    `json:"mode"`
}

func (h *SessionHandler) update(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeStoreUnavailable(w)
		return
	}
	id, ok := parsePathUUID(w, r, "id")
	if !ok {
		return
	}

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	var req UpdateSessionRequest
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.Mode != nil && !req.Mode.Valid() {
		writeError(w, http.StatusBadRequest, "invalid mode", `mode must be "tutoring" or "info_access"`)
		return
	}

	sess, err := h.store.UpdateSession(r.Context(), id, session.SessionPatch{
		LastActivity: req.LastActivity,
		Context:      req.Context,
		Mode:         req.Mode,
	})
	if err != nil {
		h.writeSessionError(w, err, "failed to update session")
		return
	}

	writeJSON(w, http.StatusOK, sess)
}

func (h *SessionHandler) listByStudent(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeStoreUnavailable(w)
		return
	}
	studentID := r.PathValue("id")
	if studentID == "" {
		writeError(w, http.StatusBadRequest, "missing student id", "")
		return
	}

	sessions, err := h.store.ListSessionsBySubject(r.Context(), studentID)
	if err != nil {
		h.logger.Error("failed to list sessions", "student", studentID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list sessions", "")
		return
	}

	writeJSON(w, http.StatusOK, sessions)
}

func (h *SessionHandler) listInteractions(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeStoreUnavailable(w)
		return
	}

	filter := session.InteractionFilter{
		SubjectID: r.URL.Query().Get("studentId"),
		Limit:     parseIntParam(r, "limit", DefaultListLimit, 1, MaxListLimit),
		Offset:    parseIntParam(r, "offset", 0, 0, MaxListOffset),
	}
	if raw := r.URL.Query().Get("sessionId"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid sessionId", err.Error())
			return
		}
		filter.SessionID = id
	}

	interactions, total, err := h.store.ListInteractions(r.Context(), filter)
	if err != nil {
		h.logger.Error("failed to list interactions", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list interactions", "")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"interactions": interactions,
		"total":        total,
		"limit":        filter.Limit,
		"offset":       filter.Offset,
	})
}

func (h *SessionHandler) getInteraction(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeStoreUnavailable(w)
		return
	}
	id, ok := parsePathUUID(w, r, "id")
	if !ok {
		return
	}

	in, err := h.store.GetInteraction(r.Context(), id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "interaction not found", "")
			return
		}
		h.logger.Error("failed to fetch interaction", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to fetch interaction", "")
		return
	}

	writeJSON(w, http.StatusOK, in)
}

func (h *SessionHandler) writeSessionError(w http.ResponseWriter, err error, msg string) {
	if errors.Is(err, session.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not found", "")
		return
	}
	h.logger.Error(msg, "error", err)
	writeError(w, http.StatusInternalServerError, msg, "")
}

// parsePathUUID parses the {id} path segment, writing a 400 on garbage.
func parsePathUUID(w http.ResponseWriter, r *http.Request, segment string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(segment))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id", err.Error())
		return uuid.Nil, false
	}
	return id, true
}

// parseIntParam parses an integer query parameter with bounds checking.
func parseIntParam(r *http.Request, name string, defaultVal, min, max int) int {
	str := r.URL.Query().Get(name)
	if str == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(str)
	if err != nil {
		return defaultVal
	}
	if val < min {
		return min
	}
	if val > max {
		return max
	}
	return val
}
