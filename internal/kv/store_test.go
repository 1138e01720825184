package kv

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()
	key := "test." + uuid.NewString()

	_, ok, err := st.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok, "missing key must report ok=false")

	require.NoError(t, st.Set(ctx, key, "one"))
	v, ok, err := st.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "one", v)

	require.NoError(t, st.Set(ctx, key, "two"))
	v, _, err = st.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "two", v)

	require.NoError(t, st.Remove(ctx, key))
	_, ok, err = st.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, st.Remove(ctx, key), "removing an absent key is not an error")

	prefix := "list_" + uuid.NewString()[:8] + "."
	for _, k := range []string{prefix + "b", prefix + "a", "other." + prefix} {
		require.NoError(t, st.Set(ctx, k, "x"))
		defer st.Remove(ctx, k)
	}
	keys, err := st.Keys(ctx, prefix)
	require.NoError(t, err)
	assert.Equal(t, []string{prefix + "a", prefix + "b"}, keys)

	keys, err = st.Keys(ctx, "absent."+uuid.NewString())
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestMemoryStore(t *testing.T) {
	st := NewMemoryStore()
	exerciseStore(t, st)

	_, err := st.Keys(context.Background(), "")
	require.NoError(t, err)

	require.NoError(t, st.Close())
	_, _, err = st.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemoryStoreHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewMemoryStore().Set(ctx, "k", "v")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSQLiteStore(t *testing.T) {
	st, err := NewSQLiteStore(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	defer st.Close()
	exerciseStore(t, st)
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis kv tests")
	}
	st, err := NewRedisStore(context.Background(), addr, "studio-test:")
	require.NoError(t, err)
	defer st.Close()
	exerciseStore(t, st)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("set TEST_POSTGRES_DSN to run postgres kv tests")
	}
	st, err := NewPostgresStore(context.Background(), dsn)
	require.NoError(t, err)
	defer st.Close()
	exerciseStore(t, st)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Options{Driver: "etcd"})
	require.Error(t, err)

	st, err := Open(context.Background(), Options{})
	require.NoError(t, err)
	_, isMem := st.(*MemoryStore)
	assert.True(t, isMem)
}
