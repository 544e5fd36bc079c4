package session

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
)

// Sentinel errors for session operations.
var (
	// ErrNotFound indicates the requested session or interaction does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStoreUnavailable indicates the backing database could not be reached.
	ErrStoreUnavailable = errors.New("session store unavailable")
)

// Querier is the subset of pgx operations the store needs.
// *pgxpool.Pool satisfies it.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store persists sessions and interactions.
//
// Store is safe for concurrent use: every method is a standalone
// request/response call, no cursor or transaction spans calls. Concurrent
// turns on the same session interleave last-write-wins on last_activity.
type Store struct {
	q      Querier
	logger *slog.Logger
}

// New creates a Store.
func New(q Querier, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{q: q, logger: logger}
}

const sessionColumns = `id, subject_id, mode, context, created_at, last_activity`

// CreateSession creates a new conversation session.
func (s *Store) CreateSession(ctx context.Context, subjectID string, mode Mode, sessionCtx json.RawMessage) (*Session, error) {
	if len(sessionCtx) == 0 {
		sessionCtx = json.RawMessage(`{}`)
	}

	row := s.q.QueryRow(ctx, `
		INSERT INTO sessions (subject_id, mode, context)
		VALUES ($1, $2, $3)
		RETURNING `+sessionColumns,
		subjectID, string(mode), []byte(sessionCtx))

	sess, err := scanSession(row)
	if err != nil {
		return nil, fmt.Errorf("%w: creating session: %v", ErrStoreUnavailable, err)
	}

	s.logger.Debug("created session", "id", sess.ID, "subject", subjectID, "mode", mode)
	return sess, nil
}

// GetSession retrieves a session by id.
func (s *Store) GetSession(ctx context.Context, id uuid.UUID) (*Session, error) {
	row := s.q.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, pgUUID(id))

	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("%w: fetching session %s: %v", ErrStoreUnavailable, id, err)
	}
	return sess, nil
}

// SessionPatch holds the updatable session fields. Nil fields are untouched.
type SessionPatch struct {
	LastActivity *time.Time
	Context      *json.RawMessage
	Mode         *Mode
}

// UpdateSession applies a partial update and returns the updated session.
func (s *Store) UpdateSession(ctx context.Context, id uuid.UUID, patch SessionPatch) (*Session, error) {
	var lastActivity pgtype.Timestamptz
	if patch.LastActivity != nil {
		lastActivity = pgtype.Timestamptz{Time: *patch.LastActivity, Valid: true}
	}
	var sessionCtx []byte
	if patch.Context != nil {
		sessionCtx = []byte(*patch.Context)
	}
	var mode pgtype.Text
	if patch.Mode != nil {
		mode = pgtype.Text{String: string(*patch.Mode), Valid: true}
	}

	row := s.q.QueryRow(ctx, `
		UPDATE sessions SET
			last_activity = COALESCE($2, last_activity),
			context       = COALESCE($3, context),
			mode          = COALESCE($4, mode)
		WHERE id = $1
		RETURNING `+sessionColumns,
		pgUUID(id), lastActivity, sessionCtx, mode)

	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("%w: updating session %s: %v", ErrStoreUnavailable, id, err)
	}
	return sess, nil
}

// TouchSession bumps last_activity to now. Last write wins, no locking.
func (s *Store) TouchSession(ctx context.Context, id uuid.UUID) error {
	_, err := s.q.Exec(ctx, `UPDATE sessions SET last_activity = now() WHERE id = $1`, pgUUID(id))
	if err != nil {
		return fmt.Errorf("%w: touching session %s: %v", ErrStoreUnavailable, id, err)
	}
	return nil
}

// ListSessionsBySubject returns a subject's sessions, newest activity first.
func (s *Store) ListSessionsBySubject(ctx context.Context, subjectID string) ([]*Session, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE subject_id = $1
		ORDER BY last_activity DESC`,
		subjectID)
	if err != nil {
		return nil, fmt.Errorf("%w: listing sessions: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	sessions := make([]*Session, 0)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating sessions: %v", ErrStoreUnavailable, err)
	}
	return sessions, nil
}

// InteractionCount returns the number of archived interactions in a session.
func (s *Store) InteractionCount(ctx context.Context, sessionID uuid.UUID) (int, error) {
	var count int
	err := s.q.QueryRow(ctx,
		`SELECT count(*) FROM interactions WHERE session_id = $1`, pgUUID(sessionID)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("%w: counting interactions: %v", ErrStoreUnavailable, err)
	}
	return count, nil
}

const interactionColumns = `id, session_id, subject_id, mode, user_message, assistant_response, retrieved_chunk_ids, metadata, created_at`

// CreateInteraction archives one completed exchange.
func (s *Store) CreateInteraction(ctx context.Context, in Interaction) (*Interaction, error) {
	if len(in.Metadata) == 0 {
		in.Metadata = json.RawMessage(`{}`)
	}

	chunkIDs := make([]pgtype.UUID, len(in.RetrievedChunkIDs))
	for i, id := range in.RetrievedChunkIDs {
		chunkIDs[i] = pgUUID(id)
	}

	row := s.q.QueryRow(ctx, `
		INSERT INTO interactions (session_id, subject_id, mode, user_message, assistant_response, retrieved_chunk_ids, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+interactionColumns,
		pgUUID(in.SessionID), in.SubjectID, string(in.Mode),
		in.UserMessage, in.AssistantResponse, chunkIDs, []byte(in.Metadata))

	stored, err := scanInteraction(row)
	if err != nil {
		return nil, fmt.Errorf("%w: archiving interaction: %v", ErrStoreUnavailable, err)
	}

	s.logger.Debug("archived interaction",
		"id", stored.ID,
		"session", stored.SessionID,
		"chunks_used", len(stored.RetrievedChunkIDs))
	return stored, nil
}

// GetInteraction retrieves a single archived interaction.
func (s *Store) GetInteraction(ctx context.Context, id uuid.UUID) (*Interaction, error) {
	row := s.q.QueryRow(ctx,
		`SELECT `+interactionColumns+` FROM interactions WHERE id = $1`, pgUUID(id))

	in, err := scanInteraction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("interaction %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("%w: fetching interaction %s: %v", ErrStoreUnavailable, id, err)
	}
	return in, nil
}

// InteractionFilter narrows ListInteractions. Zero values are ignored.
type InteractionFilter struct {
	SubjectID string
	SessionID uuid.UUID
	Limit     int
	Offset    int
}

// ListInteractions returns archived interactions newest-first with the total
// count matching the filter (ignoring limit/offset).
func (s *Store) ListInteractions(ctx context.Context, f InteractionFilter) ([]*Interaction, int, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	var sessionID pgtype.UUID
	if f.SessionID != uuid.Nil {
		sessionID = pgUUID(f.SessionID)
	}
	var subjectID pgtype.Text
	if f.SubjectID != "" {
		subjectID = pgtype.Text{String: f.SubjectID, Valid: true}
	}

	var total int
	err := s.q.QueryRow(ctx, `
		SELECT count(*) FROM interactions
		WHERE ($1::text IS NULL OR subject_id = $1)
		  AND ($2::uuid IS NULL OR session_id = $2)`,
		subjectID, sessionID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: counting interactions: %v", ErrStoreUnavailable, err)
	}

	rows, err := s.q.Query(ctx, `
		SELECT `+interactionColumns+` FROM interactions
		WHERE ($1::text IS NULL OR subject_id = $1)
		  AND ($2::uuid IS NULL OR session_id = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4`,
		subjectID, sessionID, f.Limit, f.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: listing interactions: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	interactions := make([]*Interaction, 0, f.Limit)
	for rows.Next() {
		in, err := scanInteraction(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning interaction: %w", err)
		}
		interactions = append(interactions, in)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("%w: iterating interactions: %v", ErrStoreUnavailable, err)
	}
	return interactions, total, nil
}

// History returns the session's most recent turns as (user, assistant) pairs
// ordered oldest-first, capped at limit.
func (s *Store) History(ctx context.Context, sessionID uuid.UUID, limit int) ([]Turn, error) {
	if limit <= 0 {
		return []Turn{}, nil
	}

	rows, err := s.q.Query(ctx, `
		SELECT user_message, assistant_response FROM (
			SELECT user_message, assistant_response, created_at
			FROM interactions
			WHERE session_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC`,
		pgUUID(sessionID), limit)
	if err != nil {
		return nil, fmt.Errorf("%w: loading history: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	turns := make([]Turn, 0, limit)
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.User, &t.Assistant); err != nil {
			return nil, fmt.Errorf("scanning history turn: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating history: %v", ErrStoreUnavailable, err)
	}
	return turns, nil
}

func pgUUID(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: true}
}

func scanSession(row pgx.Row) (*Session, error) {
	var (
		id           pgtype.UUID
		sess         Session
		mode         string
		sessionCtx   []byte
		createdAt    pgtype.Timestamptz
		lastActivity pgtype.Timestamptz
	)
	if err := row.Scan(&id, &sess.SubjectID, &mode, &sessionCtx, &createdAt, &lastActivity); err != nil {
		return nil, err
	}
	sess.ID = uuid.UUID(id.Bytes)
	sess.Mode = Mode(mode)
	sess.Context = json.RawMessage(sessionCtx)
	sess.CreatedAt = createdAt.Time
	sess.LastActivity = lastActivity.Time
	return &sess, nil
}

func scanInteraction(row pgx.Row) (*Interaction, error) {
	var (
		id        pgtype.UUID
		sessionID pgtype.UUID
		in        Interaction
		mode      string
		chunkIDs  []pgtype.UUID
		metadata  []byte
		createdAt pgtype.Timestamptz
	)
	if err := row.Scan(&id, &sessionID, &in.SubjectID, &mode,
		&in.UserMessage, &in.AssistantResponse, &chunkIDs, &metadata, &createdAt); err != nil {
		return nil, err
	}
	in.ID = uuid.UUID(id.Bytes)
	in.SessionID = uuid.UUID(sessionID.Bytes)
	in.Mode = Mode(mode)
	in.RetrievedChunkIDs = make([]uuid.UUID, len(chunkIDs))
	for i, cid := range chunkIDs {
		in.RetrievedChunkIDs[i] = uuid.UUID(cid.Bytes)
	}
	in.Metadata = json.RawMessage(metadata)
	in.Timestamp = createdAt.Time
	return &in, nil
}
