package wal

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/walstore/blobstore"
	"github.com/hupe1980/walstore/core"
	"github.com/hupe1980/walstore/manifest"
)

const testPrefix = "logs/test"

func rolloverThresholds(n int) manifest.RolloverOptions {
	return manifest.RolloverOptions{
		FragmentRolloverThreshold: n,
		SnapshotRolloverThreshold: n,
	}
}

func openTestWriter(t *testing.T, store blobstore.Store, optFns ...func(o *Options)) *LogWriter {
	t.Helper()
	ctx := context.Background()
	w, err := OpenOrInitialize(ctx, store, testPrefix, optFns...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

// readAll scans from the given position and decodes every returned fragment.
func readAll(t *testing.T, r *LogReader, from core.LogPosition) []Record {
	t.Helper()
	ctx := context.Background()
	frags, short, err := r.Scan(ctx, from, DefaultLimits())
	require.NoError(t, err)
	require.False(t, short)

	var out []Record
	for _, f := range frags {
		_, records, _, err := r.ReadFragment(ctx, f)
		require.NoError(t, err)
		for _, rec := range records {
			if rec.Position >= from {
				out = append(out, rec)
			}
		}
	}
	return out
}

func TestWriterOpenUninitialized(t *testing.T) {
	ctx := context.Background()
	_, err := Open(ctx, blobstore.NewMemoryStore(), testPrefix)
	assert.ErrorIs(t, err, ErrUninitialized)
}

func TestWriterInitializeTwice(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	require.NoError(t, Initialize(ctx, store, testPrefix))
	assert.ErrorIs(t, Initialize(ctx, store, testPrefix), ErrAlreadyInitialized)
}

func TestWriterSingleAppend(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	w := openTestWriter(t, store)

	pos, err := w.Append(ctx, []byte{42, 43, 44, 45})
	require.NoError(t, err)

	r, err := OpenReader(ctx, store, testPrefix)
	require.NoError(t, err)
	frags, short, err := r.Scan(ctx, 0, DefaultLimits())
	require.NoError(t, err)
	require.False(t, short)
	require.Len(t, frags, 1)

	_, records, _, err := r.ReadFragment(ctx, frags[0])
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, pos, records[0].Position)
	assert.Equal(t, []byte{42, 43, 44, 45}, records[0].Data)

	m, err := r.Manifest(ctx)
	require.NoError(t, err)
	assert.Equal(t, frags[0].NumBytes, m.AccBytes)
}

func TestWriterAppendMany(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	w := openTestWriter(t, store)

	payloads := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	last, err := w.AppendMany(ctx, payloads)
	require.NoError(t, err)
	assert.Equal(t, core.LogPosition(2), last)

	r, err := OpenReader(ctx, store, testPrefix)
	require.NoError(t, err)
	records := readAll(t, r, 0)
	require.Len(t, records, 3)
	for i, rec := range records {
		assert.Equal(t, core.LogPosition(i), rec.Position)
		assert.Equal(t, payloads[i], rec.Data)
	}

	_, err = w.AppendMany(ctx, nil)
	assert.Error(t, err)
}

func TestWriterBootstrap(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()

	payloads := make([][]byte, 1000)
	for i := range payloads {
		payloads[i] = []byte(fmt.Sprintf("seed-%d", i))
	}
	require.NoError(t, Bootstrap(ctx, store, testPrefix, 42, payloads))

	r, err := OpenReader(ctx, store, testPrefix)
	require.NoError(t, err)
	records := readAll(t, r, 42)
	require.Len(t, records, 1000)
	for i, rec := range records {
		assert.Equal(t, core.LogPosition(42+i), rec.Position)
		assert.Equal(t, payloads[i], rec.Data)
	}

	// Appends continue where the seed left off.
	w := openTestWriter(t, store)
	pos, err := w.Append(ctx, []byte("next"))
	require.NoError(t, err)
	assert.Equal(t, core.LogPosition(1042), pos)
}

func TestWriterBootstrapExisting(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	require.NoError(t, Initialize(ctx, store, testPrefix))

	err := Bootstrap(ctx, store, testPrefix, 0, [][]byte{[]byte("x")})
	assert.ErrorIs(t, err, ErrAlreadyInitialized)

	// The orphaned seed fragment must not survive.
	keys, listErr := store.List(ctx, LogDirPrefix(testPrefix))
	require.NoError(t, listErr)
	assert.Empty(t, keys)
}

func TestWriterBootstrapLeavesLiveLogUntouched(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	w := openTestWriter(t, store)

	pos, err := w.Append(ctx, []byte("live"))
	require.NoError(t, err)

	err = Bootstrap(ctx, store, testPrefix, 0, [][]byte{[]byte("seed")})
	require.ErrorIs(t, err, ErrAlreadyInitialized)

	// The live log's committed fragment survives the failed bootstrap.
	r, err := OpenReader(ctx, store, testPrefix)
	require.NoError(t, err)
	records := readAll(t, r, 0)
	require.Len(t, records, 1)
	assert.Equal(t, pos, records[0].Position)
	assert.Equal(t, []byte("live"), records[0].Data)
}

// gateStore blocks the first conditional write to one path until released, so
// a test can dictate who wins a fragment-path race.
type gateStore struct {
	blobstore.Store
	target  string
	arrived chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *gateStore) PutIfAbsent(ctx context.Context, name string, data []byte) (blobstore.ETag, error) {
	if name == s.target {
		s.once.Do(func() { close(s.arrived) })
		<-s.release
	}
	return s.Store.PutIfAbsent(ctx, name, data)
}

func TestWriterLosesFragmentPathRace(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	require.NoError(t, Initialize(ctx, store, testPrefix))

	gate := &gateStore{
		Store:   store,
		target:  FragmentPath(testPrefix, 0),
		arrived: make(chan struct{}),
		release: make(chan struct{}),
	}

	w1, err := Open(ctx, store, testPrefix, WithWriterName("writer-1"))
	require.NoError(t, err)
	defer w1.Close()
	w2, err := Open(ctx, gate, testPrefix, WithWriterName("writer-2"))
	require.NoError(t, err)
	defer w2.Close()

	var pos2 core.LogPosition
	var err2 error
	done := make(chan struct{})
	go func() {
		defer close(done)
		pos2, err2 = w2.Append(ctx, []byte("second"))
	}()

	// writer-2 holds a reservation for the first fragment and is parked at
	// its upload; writer-1 commits that fragment in the meantime.
	<-gate.arrived
	pos1, err := w1.Append(ctx, []byte("first"))
	require.NoError(t, err)
	close(gate.release)
	<-done
	require.NoError(t, err2)
	assert.Less(t, pos1, pos2)

	// Both fragments are intact: the loser retried under the next sequence
	// number instead of touching the winner's blob.
	r, err := OpenReader(ctx, store, testPrefix)
	require.NoError(t, err)
	frags, short, err := r.Scan(ctx, 0, DefaultLimits())
	require.NoError(t, err)
	require.False(t, short)
	require.Len(t, frags, 2)
	for _, f := range frags {
		_, _, _, readErr := r.ReadFragment(ctx, f)
		require.NoError(t, readErr)
	}
	records := readAll(t, r, 0)
	require.Len(t, records, 2)
	assert.Equal(t, []byte("first"), records[0].Data)
	assert.Equal(t, []byte("second"), records[1].Data)

	report, err := r.Scrub(ctx, DefaultLimits())
	require.NoError(t, err)
	assert.True(t, report.Ok())
}

func TestWriterConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	require.NoError(t, Initialize(ctx, store, testPrefix))

	w1, err := Open(ctx, store, testPrefix, WithWriterName("writer-1"))
	require.NoError(t, err)
	defer w1.Close()
	w2, err := Open(ctx, store, testPrefix, WithWriterName("writer-2"))
	require.NoError(t, err)
	defer w2.Close()

	var wg sync.WaitGroup
	positions := make([]core.LogPosition, 2)
	errs := make([]error, 2)
	for i, w := range []*LogWriter{w1, w2} {
		i, w := i, w
		wg.Add(1)
		go func() {
			defer wg.Done()
			positions[i], errs[i] = w.Append(ctx, []byte(fmt.Sprintf("from-%d", i)))
		}()
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.NotEqual(t, positions[0], positions[1])

	r, err := OpenReader(ctx, store, testPrefix)
	require.NoError(t, err)
	records := readAll(t, r, 0)
	require.Len(t, records, 2)
	assert.Less(t, records[0].Position, records[1].Position)
}

func TestWriterMonotonicPositions(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	require.NoError(t, Initialize(ctx, store, testPrefix))

	const perWriter = 10
	writers := make([]*LogWriter, 2)
	for i := range writers {
		w, err := Open(ctx, store, testPrefix, WithWriterName(fmt.Sprintf("writer-%d", i)))
		require.NoError(t, err)
		defer w.Close()
		writers[i] = w
	}

	var mu sync.Mutex
	var positions []core.LogPosition
	var wg sync.WaitGroup
	for _, w := range writers {
		w := w
		for i := 0; i < perWriter; i++ {
			i := i
			wg.Add(1)
			go func() {
				defer wg.Done()
				pos, err := w.Append(ctx, []byte(fmt.Sprintf("record-%d", i)))
				assert.NoError(t, err)
				mu.Lock()
				positions = append(positions, pos)
				mu.Unlock()
			}()
		}
	}
	wg.Wait()

	require.Len(t, positions, 2*perWriter)
	sort.Slice(positions, func(i, j int) bool { return positions[i] < positions[j] })
	for i := 1; i < len(positions); i++ {
		assert.Less(t, positions[i-1], positions[i], "positions must never repeat")
	}

	r, err := OpenReader(ctx, store, testPrefix)
	require.NoError(t, err)
	records := readAll(t, r, 0)
	assert.Len(t, records, 2*perWriter)
}

func TestWriterClosed(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	w := openTestWriter(t, store)
	require.NoError(t, w.Close())

	_, err := w.Append(ctx, []byte("late"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestWriterDirtyNotifier(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()

	var mu sync.Mutex
	var notified []core.LogPosition
	notifier := func(_ context.Context, committed core.LogPosition) error {
		mu.Lock()
		notified = append(notified, committed)
		mu.Unlock()
		return fmt.Errorf("downstream lost the race")
	}

	w := openTestWriter(t, store, WithDirtyNotifier(notifier, 0))

	// The notifier's error never fails the append.
	_, err := w.Append(ctx, []byte("a"))
	require.NoError(t, err)
	_, err = w.Append(ctx, []byte("b"))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, notified, 2)
	assert.Equal(t, core.LogPosition(1), notified[0])
	assert.Equal(t, core.LogPosition(2), notified[1])
}

func TestWriterRollover(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	w := openTestWriter(t, store, WithRollover(rolloverThresholds(4)))

	for i := 0; i < 12; i++ {
		_, err := w.Append(ctx, []byte(fmt.Sprintf("record-%d", i)))
		require.NoError(t, err)
	}

	m, err := w.Manifest(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, m.Snapshots, "rollover must have collapsed older fragments")
	assert.LessOrEqual(t, len(m.Fragments), 5)
	require.NoError(t, m.Scrub())

	// Collapsing must not change what a scan returns.
	r, err := OpenReader(ctx, store, testPrefix)
	require.NoError(t, err)
	records := readAll(t, r, 0)
	require.Len(t, records, 12)
	for i, rec := range records {
		assert.Equal(t, core.LogPosition(i), rec.Position)
		assert.Equal(t, []byte(fmt.Sprintf("record-%d", i)), rec.Data)
	}
}
