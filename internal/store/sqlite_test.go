package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	kv, err := NewSQLite(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })
	return kv
}

func TestSQLite_GetSetDelete(t *testing.T) {
	kv := newTestSQLite(t)
	ctx := context.Background()

	_, found, err := kv.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, kv.Set(ctx, "k", []byte("v1")))
	val, found, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("v1"), val)

	// Set is an upsert.
	require.NoError(t, kv.Set(ctx, "k", []byte("v2")))
	val, _, err = kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), val)

	require.NoError(t, kv.Delete(ctx, "k"))
	_, found, err = kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSQLite_CompareAndSwap(t *testing.T) {
	kv := newTestSQLite(t)
	ctx := context.Background()

	swapped, err := kv.CompareAndSwap(ctx, "k", nil, []byte("v1"))
	require.NoError(t, err)
	assert.True(t, swapped)

	swapped, err = kv.CompareAndSwap(ctx, "k", nil, []byte("other"))
	require.NoError(t, err)
	assert.False(t, swapped)

	swapped, err = kv.CompareAndSwap(ctx, "k", []byte("v1"), []byte("v2"))
	require.NoError(t, err)
	assert.True(t, swapped)

	swapped, err = kv.CompareAndSwap(ctx, "k", []byte("stale"), []byte("v3"))
	require.NoError(t, err)
	assert.False(t, swapped)

	val, _, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), val)
}
