package session

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupSQLiteStore(t *testing.T) *SQLiteStore {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewSQLiteStore_RequiresPath(t *testing.T) {
	_, err := NewSQLiteStore("")
	assert.Error(t, err)
}

func TestSQLiteStore_AppendAndLoad(t *testing.T) {
	s := setupSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendTurn(ctx, "alice", NewTurn(RoleUser, "hi")))
	require.NoError(t, s.AppendTurn(ctx, "alice", NewTurn(RoleAssistant, "hello")))
	require.NoError(t, s.AppendTurn(ctx, "bob", NewTurn(RoleUser, "other")))

	turns, err := s.LoadHistory(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, RoleUser, turns[0].Role)
	assert.Equal(t, "hi", turns[0].Content)
	assert.Equal(t, RoleAssistant, turns[1].Role)
	assert.False(t, turns[1].Timestamp.IsZero())
}

func TestSQLiteStore_LoadWithLimit(t *testing.T) {
	s := setupSQLiteStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendTurn(ctx, "alice", NewTurn(RoleUser, fmt.Sprintf("msg %d", i))))
	}

	turns, err := s.LoadHistory(ctx, "alice", 3)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	assert.Equal(t, "msg 2", turns[0].Content)
	assert.Equal(t, "msg 4", turns[2].Content)
}

func TestSQLiteStore_EmptyHistory(t *testing.T) {
	s := setupSQLiteStore(t)

	turns, err := s.LoadHistory(context.Background(), "nobody", 0)
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestSQLiteStore_Validation(t *testing.T) {
	s := setupSQLiteStore(t)
	ctx := context.Background()

	assert.ErrorIs(t, s.AppendTurn(ctx, "a/b", NewTurn(RoleUser, "hi")), ErrInvalidAgentID)
	assert.Error(t, s.AppendTurn(ctx, "alice", NewTurn(RoleAssistant, "")))
}

func TestSQLiteStore_ListAndDelete(t *testing.T) {
	s := setupSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendTurn(ctx, "bob", NewTurn(RoleUser, "x")))
	require.NoError(t, s.AppendTurn(ctx, "alice", NewTurn(RoleUser, "y")))

	agents, err := s.ListAgents(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, agents)

	require.NoError(t, s.DeleteHistory(ctx, "alice"))
	agents, err = s.ListAgents(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, agents)
}

func TestStores_ImplementStore(t *testing.T) {
	var _ Backend = (*FileStore)(nil)
	var _ Backend = (*SQLiteStore)(nil)
}
