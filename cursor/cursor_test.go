package cursor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/walstore/blobstore"
)

func newTestStore() *Store {
	return NewStore(blobstore.NewMemoryStore(), "logs/test", "writer-a")
}

func TestCursorInitAndLoad(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	witness, err := s.Init(ctx, "compaction", &Cursor{Position: 42})
	require.NoError(t, err)
	require.NotEmpty(t, witness)

	c, loaded, err := s.Load(ctx, "compaction")
	require.NoError(t, err)
	assert.Equal(t, witness, loaded)
	assert.Equal(t, uint64(42), uint64(c.Position))
	assert.Equal(t, "writer-a", c.Writer)
	assert.NotZero(t, c.EpochMicros)
}

func TestCursorInitTwiceFails(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	_, err := s.Init(ctx, "compaction", &Cursor{Position: 1})
	require.NoError(t, err)

	_, err = s.Init(ctx, "compaction", &Cursor{Position: 2})
	assert.ErrorIs(t, err, ErrCursorExists)
}

func TestCursorLoadMissing(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	_, _, err := s.Load(ctx, "nope")
	assert.ErrorIs(t, err, ErrNoSuchCursor)
}

func TestCursorSave(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	witness, err := s.Init(ctx, "compaction", &Cursor{Position: 10})
	require.NoError(t, err)

	next, err := s.Save(ctx, "compaction", &Cursor{Position: 20}, witness)
	require.NoError(t, err)
	require.NotEqual(t, witness, next)

	c, _, err := s.Load(ctx, "compaction")
	require.NoError(t, err)
	assert.Equal(t, uint64(20), uint64(c.Position))

	// The original witness is stale now.
	_, err = s.Save(ctx, "compaction", &Cursor{Position: 30}, witness)
	assert.ErrorIs(t, err, ErrCursorContention)
}

func TestCursorSaveMissing(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	_, err := s.Save(ctx, "ghost", &Cursor{Position: 5}, Witness("v1"))
	assert.ErrorIs(t, err, ErrNoSuchCursor)
}

func TestCursorSaveAfterRemove(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	witness, err := s.Init(ctx, "compaction", &Cursor{Position: 10})
	require.NoError(t, err)
	require.NoError(t, s.Remove(ctx, "compaction"))

	// The cursor is gone, not merely moved.
	_, err = s.Save(ctx, "compaction", &Cursor{Position: 20}, witness)
	assert.ErrorIs(t, err, ErrNoSuchCursor)
	assert.NotErrorIs(t, err, ErrCursorContention)
}

func TestCursorListAndRemove(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	for _, name := range []Name{"writer", "compaction", "tail"} {
		_, err := s.Init(ctx, name, &Cursor{Position: 1})
		require.NoError(t, err)
	}

	names, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Name{"compaction", "tail", "writer"}, names)

	require.NoError(t, s.Remove(ctx, "tail"))

	names, err = s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Name{"compaction", "writer"}, names)
}

func TestCursorNameValidation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	for _, name := range []Name{"", "a/b", "a b", "a.json", "ü"} {
		_, err := s.Init(ctx, name, &Cursor{})
		assert.ErrorIs(t, err, ErrInvalidName, "name %q", name)
	}
}
