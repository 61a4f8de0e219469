package blobstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeUnderTest runs the conditional-write contract against any Store.
func storeUnderTest(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	// Missing blobs
	_, _, err := store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	// PutIfAbsent creates exactly once
	etag, err := store.PutIfAbsent(ctx, "blob", []byte("one"))
	require.NoError(t, err)
	require.NotEmpty(t, etag)

	_, err = store.PutIfAbsent(ctx, "blob", []byte("two"))
	assert.ErrorIs(t, err, ErrPreconditionFailed)

	// Get returns content and the etag the write produced
	data, got, err := store.Get(ctx, "blob")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), data)
	assert.Equal(t, etag, got)

	// PutIfMatch succeeds with a fresh etag, fails with a stale one
	etag2, err := store.PutIfMatch(ctx, "blob", []byte("two"), etag)
	require.NoError(t, err)
	require.NotEqual(t, etag, etag2)

	_, err = store.PutIfMatch(ctx, "blob", []byte("three"), etag)
	assert.ErrorIs(t, err, ErrPreconditionFailed)

	data, _, err = store.Get(ctx, "blob")
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), data)

	// PutIfMatch against a missing blob is a precondition failure
	_, err = store.PutIfMatch(ctx, "missing", []byte("x"), etag)
	assert.ErrorIs(t, err, ErrPreconditionFailed)

	// List is prefix-filtered and sorted
	require.NoError(t, store.Put(ctx, "dir/a", []byte("a")))
	require.NoError(t, store.Put(ctx, "dir/b", []byte("b")))
	names, err := store.List(ctx, "dir/")
	require.NoError(t, err)
	assert.Equal(t, []string{"dir/a", "dir/b"}, names)

	// Copy duplicates content
	require.NoError(t, store.Copy(ctx, "dir/a", "dir/c"))
	data, _, err = store.Get(ctx, "dir/c")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), data)

	// Delete is idempotent
	require.NoError(t, store.Delete(ctx, "dir/a"))
	require.NoError(t, store.Delete(ctx, "dir/a"))
	_, _, err = store.Get(ctx, "dir/a")
	assert.ErrorIs(t, err, ErrNotFound)

	// A recreated blob never revives a witness from before its deletion
	old, err := store.PutIfAbsent(ctx, "cycle", []byte("first"))
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, "cycle"))
	fresh, err := store.PutIfAbsent(ctx, "cycle", []byte("second"))
	require.NoError(t, err)
	assert.NotEqual(t, old, fresh)
	_, err = store.PutIfMatch(ctx, "cycle", []byte("third"), old)
	assert.ErrorIs(t, err, ErrPreconditionFailed)
}

func TestMemoryStore(t *testing.T) {
	storeUnderTest(t, NewMemoryStore())
}

func TestLocalStore(t *testing.T) {
	storeUnderTest(t, NewLocalStore(t.TempDir()))
}

func TestMemoryStore_WitnessNotReusedAfterRecreate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	old, err := store.PutIfAbsent(ctx, "blob", []byte("same"))
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, "blob"))

	// Even identical content after a delete gets a fresh witness.
	fresh, err := store.PutIfAbsent(ctx, "blob", []byte("same"))
	require.NoError(t, err)
	require.NotEqual(t, old, fresh)

	_, err = store.PutIfMatch(ctx, "blob", []byte("next"), old)
	assert.ErrorIs(t, err, ErrPreconditionFailed)
}

func TestMemoryStore_ConcurrentCAS(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	etag, err := store.PutIfAbsent(ctx, "counter", []byte("0"))
	require.NoError(t, err)

	// Two writers race on the same etag; exactly one wins.
	wins := 0
	for i := 0; i < 2; i++ {
		if _, err := store.PutIfMatch(ctx, "counter", []byte("1"), etag); err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, ErrPreconditionFailed)
		}
	}
	assert.Equal(t, 1, wins)
}
