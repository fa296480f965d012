package kv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestBadger(t *testing.T) *BadgerStore {
	t.Helper()
	store, err := OpenBadger(BadgerConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestBadgerStore_RoundTrip(t *testing.T) {
	store := openTestBadger(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "session:abc", []byte("payload"), time.Hour))

	got, err := store.Get(ctx, "session:abc")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)
}

func TestBadgerStore_NotFound(t *testing.T) {
	store := openTestBadger(t)

	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBadgerStore_DeleteIdempotent(t *testing.T) {
	store := openTestBadger(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "k", []byte("v"), 0))
	require.NoError(t, store.Delete(ctx, "k"))
	require.NoError(t, store.Delete(ctx, "k"))

	_, err := store.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBadgerStore_RejectsEmptyKey(t *testing.T) {
	store := openTestBadger(t)

	assert.Error(t, store.Put(context.Background(), "", []byte("v"), 0))
}

func TestOpenBadger_RequiresPath(t *testing.T) {
	_, err := OpenBadger(BadgerConfig{})
	assert.Error(t, err)
}

func TestOpenBadger_Persistent(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := OpenBadger(BadgerConfig{Path: dir, GCInterval: time.Hour})
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, "k", []byte("v"), time.Hour))
	require.NoError(t, store.Close())

	reopened, err := OpenBadger(BadgerConfig{Path: dir})
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}

func TestBadgerStore_ErrorsOmitKey(t *testing.T) {
	store, err := OpenBadger(BadgerConfig{InMemory: true})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	ctx := context.Background()
	key := "session:0123456789abcdef"

	_, err = store.Get(ctx, key)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "0123456789abcdef")

	err = store.Put(ctx, key, []byte("v"), time.Hour)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "0123456789abcdef")

	err = store.Delete(ctx, key)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "0123456789abcdef")
}
