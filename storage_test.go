package chatsync

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]KeyValueStore {
	t.Helper()
	sq, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]KeyValueStore{
		"memory": NewMemoryStore(),
		"sqlite": sq,
	}
}

func TestKeyValueStores(t *testing.T) {
	ctx := context.Background()
	for name, kv := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := kv.Get(ctx, "missing")
			require.NoError(t, err)
			require.False(t, ok)

			require.NoError(t, kv.Set(ctx, "token", "a"))
			require.NoError(t, kv.Set(ctx, "token", "b"))
			v, ok, err := kv.Get(ctx, "token")
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, "b", v)

			require.NoError(t, kv.Delete(ctx, "token"))
			require.NoError(t, kv.Delete(ctx, "token"))
			_, ok, _ = kv.Get(ctx, "token")
			require.False(t, ok)
		})
	}
}

func TestSQLiteStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := OpenSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Set(context.Background(), StoreKeyUsername, "alice"))
	require.NoError(t, s.Close())

	s, err = OpenSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()
	v, ok, err := s.Get(context.Background(), StoreKeyUsername)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "alice", v)
}

func TestSearchHistory(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryStore()

	for i := 0; i < 12; i++ {
		_, err := AddSearchHistory(ctx, kv, fmt.Sprintf("q%d", i))
		require.NoError(t, err)
	}
	hist, err := AddSearchHistory(ctx, kv, "q5")
	require.NoError(t, err)
	require.Len(t, hist, MaxSearchHistory)
	require.Equal(t, "q5", hist[0])
	require.Equal(t, "q11", hist[1])

	seen := map[string]bool{}
	for _, h := range hist {
		require.False(t, seen[h], "duplicate %q", h)
		seen[h] = true
	}

	hist, _ = AddSearchHistory(ctx, kv, "   ")
	require.Equal(t, "q5", hist[0])

	require.NoError(t, ClearSearchHistory(ctx, kv))
	hist, err = SearchHistory(ctx, kv)
	require.NoError(t, err)
	require.Empty(t, hist)
}

func TestStarredUsers(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryStore()

	require.NoError(t, SetStarredUser(ctx, kv, "carol", true))
	require.NoError(t, SetStarredUser(ctx, kv, "bob", true))
	require.NoError(t, SetStarredUser(ctx, kv, "bob", true))
	got, err := StarredUsers(ctx, kv)
	require.NoError(t, err)
	require.Equal(t, []string{"bob", "carol"}, got)

	require.NoError(t, SetStarredUser(ctx, kv, "carol", false))
	got, _ = StarredUsers(ctx, kv)
	require.Equal(t, []string{"bob"}, got)
}
