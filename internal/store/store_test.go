package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := s.Load(ctx, "ctx-a")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Save(ctx, "ctx-a", "s1"))
	require.NoError(t, s.Save(ctx, "ctx-b", "s2"))
	require.NoError(t, s.Save(ctx, "ctx-a", "s3"))

	id, ok, err := s.Load(ctx, "ctx-a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "s3", id)

	require.NoError(t, s.Clear(ctx, "ctx-a"))
	require.NoError(t, s.Clear(ctx, "ctx-a"))
	_, ok, err = s.Load(ctx, "ctx-a")
	require.NoError(t, err)
	require.False(t, ok)

	id, ok, err = s.Load(ctx, "ctx-b")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "s2", id)

	require.NoError(t, s.Close())
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestFileStore(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	exerciseStore(t, s)
}

func TestFileStoreSanitizesKey(t *testing.T) {
	home := t.TempDir()
	s, err := NewFileStore(home)
	require.NoError(t, err)

	path, err := s.path("../escape")
	require.NoError(t, err)
	rel, err := filepath.Rel(home, path)
	require.NoError(t, err)
	require.NotContains(t, rel, "..")

	require.Error(t, s.Save(context.Background(), " ", "s1"))
}

func TestSQLiteStore(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "mobile.db"))
	require.NoError(t, err)
	exerciseStore(t, s)
}

func TestOpen(t *testing.T) {
	home := t.TempDir()
	for _, kind := range []Kind{"", KindFile, KindSQLite, KindMemory} {
		s, err := Open(kind, home)
		require.NoError(t, err)
		require.NoError(t, s.Close())
	}
	_, err := Open("redis", home)
	require.Error(t, err)
}
