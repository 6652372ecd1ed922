package store

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"CompareChat/internal/session"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndLoadSession(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess := session.NewSession("before", "after")
	sess.Left = []session.Turn{{User: "q1", Assistant: "left a1"}, {User: "q2", Assistant: "left a2"}}
	sess.Right = []session.Turn{{User: "q1", Assistant: "right a1"}, {User: "q2", Assistant: "right a2"}}
	require.NoError(t, s.SaveSession(ctx, sess))

	loaded, err := s.LoadSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, sess.ID, loaded.ID)
	require.Equal(t, "before", loaded.LeftBackend)
	require.Equal(t, "after", loaded.RightBackend)
	require.Equal(t, sess.Left, loaded.Left)
	require.Equal(t, sess.Right, loaded.Right)
	require.WithinDuration(t, sess.StartTime, loaded.StartTime, time.Second)
}

func TestSaveSession_ReplacesTurns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess := session.NewSession("before", "after")
	sess.Left = []session.Turn{{User: "q1", Assistant: "a1"}}
	sess.Right = []session.Turn{{User: "q1", Assistant: "b1"}}
	require.NoError(t, s.SaveSession(ctx, sess))

	sess.Clear()
	require.NoError(t, s.SaveSession(ctx, sess))

	loaded, err := s.LoadSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Empty(t, loaded.Left)
	require.Empty(t, loaded.Right)
}

func TestAppendTurn(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess := session.NewSession("before", "after")
	require.NoError(t, s.SaveSession(ctx, sess))

	first := session.Turn{User: "q1", Assistant: "a1"}
	require.NoError(t, s.AppendTurn(ctx, sess.ID, SideLeft, nil, first))
	require.NoError(t, s.AppendTurn(ctx, sess.ID, SideLeft, []session.Turn{first}, session.Turn{User: "q2", Assistant: "a2"}))
	require.NoError(t, s.AppendTurn(ctx, sess.ID, SideRight, nil, session.Turn{User: "q1", Assistant: "b1"}))

	loaded, err := s.LoadSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, []session.Turn{first, {User: "q2", Assistant: "a2"}}, loaded.Left)
	require.Equal(t, []session.Turn{{User: "q1", Assistant: "b1"}}, loaded.Right)

	var hash string
	require.NoError(t, s.db.QueryRow(
		"SELECT context_hash FROM turns WHERE session_id = ? AND side = ? AND position = 1", sess.ID, SideLeft,
	).Scan(&hash))
	require.Equal(t, session.Fingerprint([]session.Message{
		{Role: session.RoleUser, Content: "q1"},
		{Role: session.RoleAssistant, Content: "a1"},
		{Role: session.RoleUser, Content: "q2"},
	}), hash)
}

func TestAppendTurn_InvalidSide(t *testing.T) {
	s := openTestStore(t)
	err := s.AppendTurn(context.Background(), "x", "middle", nil, session.Turn{})
	require.Error(t, err)
}

func TestAppendTurn_UnknownSession(t *testing.T) {
	s := openTestStore(t)
	err := s.AppendTurn(context.Background(), "missing", SideLeft, nil, session.Turn{User: "q", Assistant: "a"})
	require.Error(t, err)
}

func TestLoadSession_NotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.LoadSession(context.Background(), "missing")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestListSessions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	older := session.NewSession("before", "after")
	older.StartTime = time.Now().Add(-time.Hour)
	older.Left = []session.Turn{{User: "q", Assistant: "a"}}
	older.Right = []session.Turn{{User: "q", Assistant: "b"}}
	require.NoError(t, s.SaveSession(ctx, older))

	newer := session.NewSession("before", "after")
	require.NoError(t, s.SaveSession(ctx, newer))

	summaries, err := s.ListSessions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	require.Equal(t, newer.ID, summaries[0].ID)
	require.Equal(t, 0, summaries[0].Turns)
	require.Equal(t, older.ID, summaries[1].ID)
	require.Equal(t, 1, summaries[1].Turns)

	limited, err := s.ListSessions(ctx, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
}
