package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeRollover_BelowThreshold(t *testing.T) {
	m := grow(t, NewManifest("writer-1"), 5, 2)
	assert.Nil(t, m.ComputeRollover(RolloverOptions{FragmentRolloverThreshold: 10, SnapshotRolloverThreshold: 10}))
}

func TestComputeRollover_Fragments(t *testing.T) {
	opts := RolloverOptions{FragmentRolloverThreshold: 8, SnapshotRolloverThreshold: 8}
	m := grow(t, NewManifest("writer-1"), 9, 2)

	snap := m.ComputeRollover(opts)
	require.NotNil(t, snap)
	require.NoError(t, snap.Scrub())

	// Oldest fragments collapse; the newest half of the threshold stays inline.
	assert.Len(t, snap.Fragments, 5)
	assert.Equal(t, uint8(1), snap.Depth)
	assert.Equal(t, m.Fragments[:5], snap.Fragments)

	next, err := m.ApplyRollover(snap, "test")
	require.NoError(t, err)
	require.NoError(t, next.Scrub())
	assert.Len(t, next.Fragments, 4)
	require.Len(t, next.Snapshots, 1)

	ptr := next.Snapshots[0]
	assert.Equal(t, snap.Setsum, ptr.Setsum)
	assert.Equal(t, SnapshotPath("test", snap.Setsum), ptr.Path)
	assert.Equal(t, m.Fragments[0].Start, ptr.Start)
	assert.Equal(t, m.Fragments[4].Limit, ptr.Limit)
	assert.Equal(t, m.Fragments[0].SeqNo, ptr.StartSeqNo)
	assert.Equal(t, m.Fragments[4].SeqNo.Next(), ptr.LimitSeqNo)

	// A rollover moves content; totals are untouched.
	assert.Equal(t, m.Setsum, next.Setsum)
	assert.Equal(t, m.AccBytes, next.AccBytes)
	assert.Equal(t, m.MaxPosition(), next.MaxPosition())
	assert.Equal(t, m.NextFragmentSeqNo(), next.NextFragmentSeqNo())
}

func TestComputeRollover_Snapshots(t *testing.T) {
	opts := RolloverOptions{FragmentRolloverThreshold: 4, SnapshotRolloverThreshold: 2}

	// Grow with rollover exactly as the writer does, until pointers pile up.
	m := NewManifest("writer-1")
	for i := 0; i < 40; i++ {
		next, err := m.ApplyFragment(buildFragment(m, 2))
		require.NoError(t, err)
		m = next
		if snap := m.ComputeRollover(opts); snap != nil {
			require.NoError(t, snap.Scrub())
			m, err = m.ApplyRollover(snap, "test")
			require.NoError(t, err)
		}
		require.NoError(t, m.Scrub())
	}

	// The second-level collapse must have fired at least once.
	depth := uint8(0)
	for _, ptr := range m.Snapshots {
		if ptr.Depth > depth {
			depth = ptr.Depth
		}
	}
	assert.GreaterOrEqual(t, depth, uint8(2))
	assert.LessOrEqual(t, len(m.Snapshots), opts.SnapshotRolloverThreshold)
	assert.LessOrEqual(t, len(m.Fragments), opts.FragmentRolloverThreshold)
}

func TestApplyRollover_StaleAfterGC(t *testing.T) {
	m := grow(t, NewManifest("writer-1"), 9, 2)
	snap := m.ComputeRollover(RolloverOptions{FragmentRolloverThreshold: 8, SnapshotRolloverThreshold: 8})
	require.NotNil(t, snap)

	// Concurrent GC removed the front of the manifest; the rollover no
	// longer describes a prefix and must be recomputed.
	g := ComputeGarbage(m, m.Fragments[2].Start)
	shifted, err := g.Apply(m)
	require.NoError(t, err)

	_, err = shifted.ApplyRollover(snap, "test")
	assert.ErrorIs(t, err, ErrStaleReservation)
}

func TestSnapshot_EncodeRoundTrip(t *testing.T) {
	m := grow(t, NewManifest("writer-1"), 9, 2)
	snap := m.ComputeRollover(RolloverOptions{FragmentRolloverThreshold: 8, SnapshotRolloverThreshold: 8})
	require.NotNil(t, snap)

	data, err := snap.Encode()
	require.NoError(t, err)
	decoded, err := DecodeSnapshot(data)
	require.NoError(t, err)
	assert.Equal(t, snap, decoded)
	require.NoError(t, decoded.Scrub())
}
