package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oca-labs/oca/internal/log"
	"github.com/oca-labs/oca/internal/session"
)

// fakeSessionStore is an in-memory SessionStore for handler tests.
type fakeSessionStore struct {
	sessions     map[uuid.UUID]*session.Session
	interactions map[uuid.UUID]*session.Interaction
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{
		sessions:     make(map[uuid.UUID]*session.Session),
		interactions: make(map[uuid.UUID]*session.Interaction),
	}
}

func (f *fakeSessionStore) CreateSession(_ context.Context, subjectID string, mode session.Mode, sessionCtx json.RawMessage) (*session.Session, error) {
	if len(sessionCtx) == 0 {
		sessionCtx = json.RawMessage(`{}`)
	}
	sess := &session.Session{
		ID:           uuid.New(),
		SubjectID:    subjectID,
		Mode:         mode,
		Context:      sessionCtx,
		CreatedAt:    time.Now(),
		LastActivity: time.Now(),
	}
	f.sessions[sess.ID] = sess
	return sess, nil
}

func (f *fakeSessionStore) GetSession(_ context.Context, id uuid.UUID) (*session.Session, error) {
	sess, ok := f.sessions[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	return sess, nil
}

func (f *fakeSessionStore) UpdateSession(_ context.Context, id uuid.UUID, patch session.SessionPatch) (*session.Session, error) {
	sess, ok := f.sessions[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	if patch.LastActivity != nil {
		sess.LastActivity = *patch.LastActivity
	}
	if patch.Context != nil {
		sess.Context = *patch.Context
	}
	if patch.Mode != nil {
		sess.Mode = *patch.Mode
	}
	return sess, nil
}

func (f *fakeSessionStore) ListSessionsBySubject(_ context.Context, subjectID string) ([]*session.Session, error) {
	out := make([]*session.Session, 0)
	for _, sess := range f.sessions {
		if sess.SubjectID == subjectID {
			out = append(out, sess)
		}
	}
	return out, nil
}

func (f *fakeSessionStore) InteractionCount(_ context.Context, sessionID uuid.UUID) (int, error) {
	count := 0
	for _, in := range f.interactions {
		if in.SessionID == sessionID {
			count++
		}
	}
	return count, nil
}

func (f *fakeSessionStore) ListInteractions(_ context.Context, filter session.InteractionFilter) ([]*session.Interaction, int, error) {
	out := make([]*session.Interaction, 0)
	for _, in := range f.interactions {
		if filter.SubjectID != "" && in.SubjectID != filter.SubjectID {
			continue
		}
		if filter.SessionID != uuid.Nil && in.SessionID != filter.SessionID {
			continue
		}
		out = append(out, in)
	}
	total := len(out)
	if filter.Offset < len(out) {
		out = out[filter.Offset:]
	} else {
		out = nil
	}
	if len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, total, nil
}

func (f *fakeSessionStore) GetInteraction(_ context.Context, id uuid.UUID) (*session.Interaction, error) {
	in, ok := f.interactions[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	return in, nil
}

func newSessionMux(store SessionStore) *http.ServeMux {
	mux := http.NewServeMux()
	NewSessionHandler(store, log.NewNop()).RegisterRoutes(mux)
	return mux
}

func TestCreateSession(t *testing.T) {
	t.Parallel()

	mux := newSessionMux(newFakeSessionStore())
	body := `{"studentId":"s-42","mode":"tutoring"}`
	req := httptest.NewRequest(http.MethodPost, "/api/sessions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)

	var sess session.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sess))
	assert.Equal(t, "s-42", sess.SubjectID)
	assert.Equal(t, session.ModeTutoring, sess.Mode)
	assert.NotEqual(t, uuid.Nil, sess.ID)
}

func TestCreateSessionValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{"missing studentId", `{"mode":"tutoring"}`},
		{"missing mode", `{"studentId":"s1"}`},
		{"bad mode", `{"studentId":"s1","mode":"quiz"}`},
		{"malformed json", `{"studentId"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			mux := newSessionMux(newFakeSessionStore())
			req := httptest.NewRequest(http.MethodPost, "/api/sessions", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestGetSessionWithMessageCount(t *testing.T) {
	t.Parallel()

	store := newFakeSessionStore()
	sess, err := store.CreateSession(context.Background(), "s1", session.ModeTutoring, nil)
	require.NoError(t, err)
	for range 3 {
		id := uuid.New()
		store.interactions[id] = &session.Interaction{ID: id, SessionID: sess.ID, SubjectID: "s1"}
	}

	mux := newSessionMux(store)
	req := httptest.NewRequest(http.MethodGet, "/api/sessions/"+sess.ID.String(), nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var detail struct {
		session.Session
		MessageCount int `json:"messageCount"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, sess.ID, detail.ID)
	assert.Equal(t, 3, detail.MessageCount)
}

func TestGetSessionNotFound(t *testing.T) {
	t.Parallel()

	mux := newSessionMux(newFakeSessionStore())
	req := httptest.NewRequest(http.MethodGet, "/api/sessions/"+uuid.NewString(), nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetSessionBadID(t *testing.T) {
	t.Parallel()

	mux := newSessionMux(newFakeSessionStore())
	req := httptest.NewRequest(http.MethodGet, "/api/sessions/not-a-uuid", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateSession(t *testing.T) {
	t.Parallel()

	store := newFakeSessionStore()
	sess, err := store.CreateSession(context.Background(), "s1", session.ModeTutoring, nil)
	require.NoError(t, err)

	mux := newSessionMux(store)
	body := `{"mode":"info_access","context":{"topic":"chemistry"}}`
	req := httptest.NewRequest(http.MethodPatch, "/api/sessions/"+sess.ID.String(), strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var updated session.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Equal(t, session.ModeInfoAccess, updated.Mode)
	assert.JSONEq(t, `{"topic":"chemistry"}`, string(updated.Context))
}

func TestUpdateSessionRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	store := newFakeSessionStore()
	sess, err := store.CreateSession(context.Background(), "s1", session.ModeTutoring, nil)
	require.NoError(t, err)

	mux := newSessionMux(store)
	body := `{"mode":"tutoring","studentId":"hijack"}`
	req := httptest.NewRequest(http.MethodPatch, "/api/sessions/"+sess.ID.String(), strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListSessionsByStudent(t *testing.T) {
	t.Parallel()

	store := newFakeSessionStore()
	_, err := store.CreateSession(context.Background(), "alice", session.ModeTutoring, nil)
	require.NoError(t, err)
	_, err = store.CreateSession(context.Background(), "alice", session.ModeInfoAccess, nil)
	require.NoError(t, err)
	_, err = store.CreateSession(context.Background(), "bob", session.ModeTutoring, nil)
	require.NoError(t, err)

	mux := newSessionMux(store)
	req := httptest.NewRequest(http.MethodGet, "/api/sessions/student/alice", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var sessions []*session.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sessions))
	assert.Len(t, sessions, 2)
}

func TestListInteractions(t *testing.T) {
	t.Parallel()

	store := newFakeSessionStore()
	sessionID := uuid.New()
	for range 5 {
		id := uuid.New()
		store.interactions[id] = &session.Interaction{ID: id, SessionID: sessionID, SubjectID: "s1"}
	}

	mux := newSessionMux(store)
	req := httptest.NewRequest(http.MethodGet,
		"/api/interactions?studentId=s1&sessionId="+sessionID.String()+"&limit=2", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Interactions []*session.Interaction `json:"interactions"`
		Total        int                    `json:"total"`
		Limit        int                    `json:"limit"`
		Offset       int                    `json:"offset"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Interactions, 2)
	assert.Equal(t, 5, resp.Total)
	assert.Equal(t, 2, resp.Limit)
	assert.Zero(t, resp.Offset)
}

func TestListInteractionsBadSessionID(t *testing.T) {
	t.Parallel()

	mux := newSessionMux(newFakeSessionStore())
	req := httptest.NewRequest(http.MethodGet, "/api/interactions?sessionId=garbage", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetInteractionNotFound(t *testing.T) {
	t.Parallel()

	mux := newSessionMux(newFakeSessionStore())
	req := httptest.NewRequest(http.MethodGet, "/api/interactions/"+uuid.NewString(), nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStoreUnavailableEndpoints(t *testing.T) {
	t.Parallel()

	mux := newSessionMux(nil)

	requests := []*http.Request{
		httptest.NewRequest(http.MethodPost, "/api/sessions", strings.NewReader(`{"studentId":"s1","mode":"tutoring"}`)),
		httptest.NewRequest(http.MethodGet, "/api/sessions/"+uuid.NewString(), nil),
		httptest.NewRequest(http.MethodPatch, "/api/sessions/"+uuid.NewString(), strings.NewReader(`{}`)),
		httptest.NewRequest(http.MethodGet, "/api/sessions/student/s1", nil),
		httptest.NewRequest(http.MethodGet, "/api/interactions", nil),
		httptest.NewRequest(http.MethodGet, "/api/interactions/"+uuid.NewString(), nil),
	}

	for _, req := range requests {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "%s %s", req.Method, req.URL.Path)

		var errResp ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
		assert.NotEmpty(t, errResp.Message, "503 must carry an explanatory message")
	}
}
