package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/oca-labs/oca/internal/knowledge"
	"github.com/oca-labs/oca/internal/log"
	"github.com/oca-labs/oca/internal/prompt"
	"github.com/oca-labs/oca/internal/session"
)

// fakeRetriever returns scripted matches or an error.
type fakeRetriever struct {
	matches []knowledge.Match
	err     error
}

func (f *fakeRetriever) Retrieve(_ context.Context, _ string, _ int, _ float64) ([]knowledge.Match, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.matches, nil
}

// fakeGenerator emits scripted fragments, optionally failing partway.
type fakeGenerator struct {
	fragments []string
	failAfter int // fail after this many fragments; 0 = never
	delay     time.Duration
	err       error

	gotMsgs []*ai.Message
}

func (f *fakeGenerator) Generate(ctx context.Context, msgs []*ai.Message, stream StreamFunc) (string, error) {
	f.gotMsgs = msgs
	if f.err != nil && f.failAfter == 0 {
		return "", f.err
	}

	var sent string
	for i, frag := range f.fragments {
		if f.failAfter > 0 && i == f.failAfter {
			return sent, ErrGenerationFailed
		}
		if f.delay > 0 {
			time.Sleep(f.delay)
		}
		if stream != nil {
			if err := stream(ctx, frag); err != nil {
				return sent, err
			}
		}
		sent += frag
	}
	return sent, nil
}

// fakeSessions is an in-memory SessionStore.
type fakeSessions struct {
	mu           sync.Mutex
	sessions     map[uuid.UUID]*session.Session
	interactions []session.Interaction
	archived     chan struct{}

	createErr      error
	historyErr     error
	interactionErr error
	archiveDelay   time.Duration
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		sessions: make(map[uuid.UUID]*session.Session),
		archived: make(chan struct{}, 16),
	}
}

func (f *fakeSessions) CreateSession(_ context.Context, subjectID string, mode session.Mode, _ json.RawMessage) (*session.Session, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	sess := &session.Session{ID: uuid.New(), SubjectID: subjectID, Mode: mode, CreatedAt: time.Now()}
	f.sessions[sess.ID] = sess
	return sess, nil
}

func (f *fakeSessions) GetSession(_ context.Context, id uuid.UUID) (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	return sess, nil
}

func (f *fakeSessions) TouchSession(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sess, ok := f.sessions[id]; ok {
		sess.LastActivity = time.Now()
	}
	return nil
}

func (f *fakeSessions) History(_ context.Context, sessionID uuid.UUID, limit int) ([]session.Turn, error) {
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var turns []session.Turn
	for _, in := range f.interactions {
		if in.SessionID == sessionID {
			turns = append(turns, session.Turn{User: in.UserMessage, Assistant: in.AssistantResponse})
		}
	}
	if len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return turns, nil
}

func (f *fakeSessions) CreateInteraction(_ context.Context, in session.Interaction) (*session.Interaction, error) {
	if f.archiveDelay > 0 {
		time.Sleep(f.archiveDelay)
	}
	defer func() { f.archived <- struct{}{} }()
	if f.interactionErr != nil {
		return nil, f.interactionErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	in.ID = uuid.New()
	in.Timestamp = time.Now()
	f.interactions = append(f.interactions, in)
	return &in, nil
}

func (f *fakeSessions) archivedInteractions() []session.Interaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]session.Interaction, len(f.interactions))
	copy(out, f.interactions)
	return out
}

func newTestService(chatRet, searchRet Retriever, sessions SessionStore, gen Generator) *Service {
	logger := log.NewNop()
	return NewService(chatRet, searchRet, sessions,
		prompt.NewAssembler(prompt.DefaultTutoringTemplate, 0, logger),
		prompt.NewAssembler(prompt.DefaultSearchTemplate, 0, logger),
		gen,
		Options{TopK: 5, Threshold: 0.7, MaxHistoryTurns: 10},
		logger)
}

func chunkMatch(doc, content string, sim float64) knowledge.Match {
	return knowledge.Match{
		Chunk:      knowledge.Chunk{ID: uuid.New(), DocumentName: doc, Content: content},
		Similarity: sim,
	}
}

func TestChatStreamsAndArchives(t *testing.T) {
	defer goleak.VerifyNone(t)

	sessions := newFakeSessions()
	gen := &fakeGenerator{fragments: []string{"the ", "answer"}}
	match := chunkMatch("algebra.md", "content about variables", 0.9)
	svc := newTestService(&fakeRetriever{matches: []knowledge.Match{match}}, &fakeRetriever{}, sessions, gen)

	var streamed string
	var sessionID uuid.UUID
	result, err := svc.Chat(context.Background(), ChatRequest{
		Message:   "what is a variable?",
		SubjectID: "student-1",
		OnSession: func(id uuid.UUID) { sessionID = id },
	}, func(_ context.Context, frag string) error {
		streamed += frag
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, "the answer", streamed)
	assert.Equal(t, "the answer", result.Response)
	assert.True(t, result.Completed)
	assert.NotEqual(t, uuid.Nil, sessionID)
	assert.Equal(t, sessionID, result.SessionID)

	<-sessions.archived
	svc.Close()

	archived := sessions.archivedInteractions()
	require.Len(t, archived, 1)
	assert.Equal(t, "what is a variable?", archived[0].UserMessage)
	assert.Equal(t, "the answer", archived[0].AssistantResponse)
	assert.Equal(t, []uuid.UUID{match.Chunk.ID}, archived[0].RetrievedChunkIDs)
	assert.Equal(t, session.ModeTutoring, archived[0].Mode)
}

func TestChatSoftDegradesOnRetrievalError(t *testing.T) {
	defer goleak.VerifyNone(t)

	sessions := newFakeSessions()
	gen := &fakeGenerator{fragments: []string{"general knowledge answer"}}
	svc := newTestService(&fakeRetriever{err: errors.New("embedder down")}, &fakeRetriever{}, sessions, gen)

	result, err := svc.Chat(context.Background(), ChatRequest{Message: "hi"}, func(context.Context, string) error { return nil })

	require.NoError(t, err)
	assert.True(t, result.Completed)
	assert.Empty(t, result.Sources)

	// System prompt carries the no-material placeholder.
	require.NotEmpty(t, gen.gotMsgs)
	assert.Contains(t, gen.gotMsgs[0].Content[0].Text, "no relevant course material")

	<-sessions.archived
	svc.Close()
}

func TestChatReusesSessionHistory(t *testing.T) {
	defer goleak.VerifyNone(t)

	sessions := newFakeSessions()
	gen := &fakeGenerator{fragments: []string{"second answer"}}
	svc := newTestService(&fakeRetriever{}, &fakeRetriever{}, sessions, gen)

	first, err := svc.Chat(context.Background(), ChatRequest{Message: "first question", SubjectID: "s1"},
		func(context.Context, string) error { return nil })
	require.NoError(t, err)
	<-sessions.archived

	second, err := svc.Chat(context.Background(), ChatRequest{
		Message:   "second question",
		SessionID: first.SessionID,
		SubjectID: "s1",
	}, func(context.Context, string) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)

	// history pair appears between system and current user message
	require.Len(t, gen.gotMsgs, 4)
	assert.Equal(t, "first question", gen.gotMsgs[1].Content[0].Text)
	assert.Equal(t, "second question", gen.gotMsgs[3].Content[0].Text)

	<-sessions.archived
	svc.Close()
}

func TestChatArchivesPartialOnDisconnect(t *testing.T) {
	defer goleak.VerifyNone(t)

	sessions := newFakeSessions()
	fragments := []string{"f1 ", "f2 ", "f3 ", "f4 ", "f5 ", "f6 ", "f7 ", "f8 ", "f9 ", "f10"}
	gen := &fakeGenerator{fragments: fragments}
	svc := newTestService(&fakeRetriever{}, &fakeRetriever{}, sessions, gen)

	delivered := 0
	result, err := svc.Chat(context.Background(), ChatRequest{Message: "q", SubjectID: "s1"},
		func(context.Context, string) error {
			if delivered == 3 {
				return context.Canceled
			}
			delivered++
			return nil
		})

	require.Error(t, err)
	require.NotNil(t, result)
	assert.False(t, result.Completed)
	assert.Equal(t, "f1 f2 f3 ", result.Response)

	<-sessions.archived
	svc.Close()

	archived := sessions.archivedInteractions()
	require.Len(t, archived, 1)
	assert.Equal(t, "f1 f2 f3 ", archived[0].AssistantResponse)
}

func TestChatGenerationFailureBeforeOutput(t *testing.T) {
	defer goleak.VerifyNone(t)

	sessions := newFakeSessions()
	gen := &fakeGenerator{err: ErrGenerationFailed}
	svc := newTestService(&fakeRetriever{}, &fakeRetriever{}, sessions, gen)

	result, err := svc.Chat(context.Background(), ChatRequest{Message: "q"},
		func(context.Context, string) error { return nil })

	require.ErrorIs(t, err, ErrGenerationFailed)
	assert.Nil(t, result)
	svc.Close()
	assert.Empty(t, sessions.archivedInteractions())
}

func TestChatWithoutStore(t *testing.T) {
	defer goleak.VerifyNone(t)

	gen := &fakeGenerator{fragments: []string{"ok"}}
	svc := newTestService(&fakeRetriever{}, &fakeRetriever{}, nil, gen)

	result, err := svc.Chat(context.Background(), ChatRequest{Message: "q"},
		func(context.Context, string) error { return nil })

	require.NoError(t, err)
	assert.Equal(t, uuid.Nil, result.SessionID)
	assert.True(t, result.Completed)
	svc.Close()
}

func TestChatArchiveLatencyDoesNotBlockResponse(t *testing.T) {
	defer goleak.VerifyNone(t)

	sessions := newFakeSessions()
	sessions.archiveDelay = 300 * time.Millisecond
	gen := &fakeGenerator{fragments: []string{"fast"}}
	svc := newTestService(&fakeRetriever{}, &fakeRetriever{}, sessions, gen)

	start := time.Now()
	_, err := svc.Chat(context.Background(), ChatRequest{Message: "q"},
		func(context.Context, string) error { return nil })
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Less(t, elapsed, 200*time.Millisecond, "response must not wait on the archive write")

	<-sessions.archived
	svc.Close()
}

func TestChatArchiveFailureIsSwallowed(t *testing.T) {
	defer goleak.VerifyNone(t)

	sessions := newFakeSessions()
	sessions.interactionErr = errors.New("archive store down")
	gen := &fakeGenerator{fragments: []string{"ok"}}
	svc := newTestService(&fakeRetriever{}, &fakeRetriever{}, sessions, gen)

	result, err := svc.Chat(context.Background(), ChatRequest{Message: "q"},
		func(context.Context, string) error { return nil })

	require.NoError(t, err)
	assert.True(t, result.Completed)

	<-sessions.archived
	svc.Close()
	assert.Empty(t, sessions.archivedInteractions())
}

func TestSearchReturnsSourcesWithExcerpts(t *testing.T) {
	defer goleak.VerifyNone(t)

	long := make([]rune, 250)
	for i := range long {
		long[i] = 'x'
	}
	m1 := chunkMatch("physics.md", string(long), 0.92)
	m2 := chunkMatch("chem.md", "short", 0.81)
	m2.Chunk.Section = "Acids"
	m2.Chunk.PageNumber = 7

	sessions := newFakeSessions()
	gen := &fakeGenerator{fragments: []string{"summary text"}}
	svc := newTestService(&fakeRetriever{}, &fakeRetriever{matches: []knowledge.Match{m1, m2}}, sessions, gen)

	result, err := svc.Search(context.Background(), SearchRequest{Query: "acids"})

	require.NoError(t, err)
	assert.Equal(t, "summary text", result.Summary)
	require.Len(t, result.Sources, 2)
	assert.Equal(t, string(long[:200])+"...", result.Sources[0].Excerpt)
	assert.Equal(t, "short", result.Sources[1].Excerpt)
	assert.Equal(t, "Acids", result.Sources[1].Section)
	assert.Equal(t, 7, result.Sources[1].Page)
	assert.False(t, result.Timestamp.IsZero())

	<-sessions.archived
	svc.Close()

	archived := sessions.archivedInteractions()
	require.Len(t, archived, 1)
	assert.Equal(t, session.ModeInfoAccess, archived[0].Mode)
}

func TestSearchEmptyResultsIsNotAnError(t *testing.T) {
	defer goleak.VerifyNone(t)

	sessions := newFakeSessions()
	gen := &fakeGenerator{fragments: []string{"general knowledge summary"}}
	svc := newTestService(&fakeRetriever{}, &fakeRetriever{}, sessions, gen)

	result, err := svc.Search(context.Background(), SearchRequest{Query: "unknown topic"})

	require.NoError(t, err)
	assert.Equal(t, "general knowledge summary", result.Summary)
	assert.NotNil(t, result.Sources)
	assert.Empty(t, result.Sources)

	<-sessions.archived
	svc.Close()
}

func TestSearchPropagatesRetrievalError(t *testing.T) {
	defer goleak.VerifyNone(t)

	svc := newTestService(&fakeRetriever{}, &fakeRetriever{err: knowledge.ErrStoreUnavailable}, newFakeSessions(), &fakeGenerator{})

	result, err := svc.Search(context.Background(), SearchRequest{Query: "q"})

	require.ErrorIs(t, err, knowledge.ErrStoreUnavailable)
	assert.Nil(t, result)
	svc.Close()
}
