package session

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oca-labs/oca/internal/log"
	"github.com/oca-labs/oca/internal/testutil"
)

func TestStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	tdb, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := New(tdb.Pool, log.NewNop())

	t.Run("create and get session", func(t *testing.T) {
		sess, err := store.CreateSession(ctx, "student-1", ModeTutoring, json.RawMessage(`{"topic":"math"}`))
		require.NoError(t, err)
		assert.NotEqual(t, uuid.Nil, sess.ID)
		assert.Equal(t, "student-1", sess.SubjectID)
		assert.Equal(t, ModeTutoring, sess.Mode)
		assert.JSONEq(t, `{"topic":"math"}`, string(sess.Context))

		got, err := store.GetSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, sess.ID, got.ID)
	})

	t.Run("get missing session", func(t *testing.T) {
		_, err := store.GetSession(ctx, uuid.New())
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("partial update", func(t *testing.T) {
		sess, err := store.CreateSession(ctx, "student-2", ModeTutoring, nil)
		require.NoError(t, err)

		mode := ModeInfoAccess
		updated, err := store.UpdateSession(ctx, sess.ID, SessionPatch{Mode: &mode})
		require.NoError(t, err)
		assert.Equal(t, ModeInfoAccess, updated.Mode)
		// untouched fields survive
		assert.Equal(t, "student-2", updated.SubjectID)
		assert.JSONEq(t, `{}`, string(updated.Context))
	})

	t.Run("touch bumps last activity", func(t *testing.T) {
		sess, err := store.CreateSession(ctx, "student-3", ModeTutoring, nil)
		require.NoError(t, err)

		time.Sleep(10 * time.Millisecond)
		require.NoError(t, store.TouchSession(ctx, sess.ID))

		got, err := store.GetSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.True(t, got.LastActivity.After(sess.LastActivity))
	})

	t.Run("list by subject newest first", func(t *testing.T) {
		var last *Session
		for range 3 {
			var err error
			last, err = store.CreateSession(ctx, "student-4", ModeTutoring, nil)
			require.NoError(t, err)
			time.Sleep(5 * time.Millisecond)
		}
		require.NoError(t, store.TouchSession(ctx, last.ID))

		sessions, err := store.ListSessionsBySubject(ctx, "student-4")
		require.NoError(t, err)
		require.Len(t, sessions, 3)
		assert.Equal(t, last.ID, sessions[0].ID)
		for i := 1; i < len(sessions); i++ {
			assert.False(t, sessions[i].LastActivity.After(sessions[i-1].LastActivity))
		}
	})

	t.Run("interactions and history", func(t *testing.T) {
		sess, err := store.CreateSession(ctx, "student-5", ModeTutoring, nil)
		require.NoError(t, err)

		chunkID := uuid.New()
		for i := range 5 {
			_, err := store.CreateInteraction(ctx, Interaction{
				SessionID:         sess.ID,
				SubjectID:         "student-5",
				Mode:              ModeTutoring,
				UserMessage:       fmt.Sprintf("question %d", i),
				AssistantResponse: fmt.Sprintf("answer %d", i),
				RetrievedChunkIDs: []uuid.UUID{chunkID},
			})
			require.NoError(t, err)
			time.Sleep(5 * time.Millisecond)
		}

		count, err := store.InteractionCount(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, 5, count)

		// History: oldest-first, capped at the 3 most recent.
		turns, err := store.History(ctx, sess.ID, 3)
		require.NoError(t, err)
		require.Len(t, turns, 3)
		assert.Equal(t, "question 2", turns[0].User)
		assert.Equal(t, "question 4", turns[2].User)

		interactions, total, err := store.ListInteractions(ctx, InteractionFilter{
			SubjectID: "student-5",
			SessionID: sess.ID,
			Limit:     2,
		})
		require.NoError(t, err)
		assert.Equal(t, 5, total)
		require.Len(t, interactions, 2)
		// newest first
		assert.Equal(t, "question 4", interactions[0].UserMessage)
		assert.Equal(t, []uuid.UUID{chunkID}, interactions[0].RetrievedChunkIDs)

		got, err := store.GetInteraction(ctx, interactions[0].ID)
		require.NoError(t, err)
		assert.Equal(t, interactions[0].ID, got.ID)
	})

	t.Run("get missing interaction", func(t *testing.T) {
		_, err := store.GetInteraction(ctx, uuid.New())
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("history empty session", func(t *testing.T) {
		sess, err := store.CreateSession(ctx, "student-6", ModeTutoring, nil)
		require.NoError(t, err)

		turns, err := store.History(ctx, sess.ID, 10)
		require.NoError(t, err)
		assert.Empty(t, turns)
	})
}
