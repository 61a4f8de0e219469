package manifest

import (
	"encoding/json"
	"fmt"
	"path"

	"github.com/hupe1980/walstore/setsum"
)

// SnapshotPath returns the storage key of a snapshot blob. Snapshots are
// content-addressed by their setsum, so a racing retry writes identical
// bytes to the same key.
func SnapshotPath(prefix string, sum setsum.Setsum) string {
	return path.Join(prefix, "snapshot", "snapshot-"+sum.Hexdigest()+".json")
}

// Snapshot is an immutable collapse of a contiguous run of older fragments,
// or of older snapshots one level down. Its setsum equals the fold of the
// setsums of everything it collapses, which is what allows integrity
// verification without expanding every level.
type Snapshot struct {
	Depth     uint8             `json:"depth"`
	Writer    string            `json:"writer"`
	Setsum    setsum.Setsum     `json:"setsum"`
	NumBytes  uint64            `json:"num_bytes"`
	Snapshots []SnapshotPointer `json:"snapshots"`
	Fragments []Fragment        `json:"fragments"`
}

// Pointer derives the manifest-resident reference to this snapshot.
func (s *Snapshot) Pointer(prefix string) SnapshotPointer {
	ptr := SnapshotPointer{
		Path:     SnapshotPath(prefix, s.Setsum),
		Depth:    s.Depth,
		Setsum:   s.Setsum,
		NumBytes: s.NumBytes,
	}
	if len(s.Snapshots) > 0 {
		ptr.Start = s.Snapshots[0].Start
		ptr.StartSeqNo = s.Snapshots[0].StartSeqNo
		ptr.Limit = s.Snapshots[len(s.Snapshots)-1].Limit
		ptr.LimitSeqNo = s.Snapshots[len(s.Snapshots)-1].LimitSeqNo
	}
	if len(s.Fragments) > 0 {
		if len(s.Snapshots) == 0 {
			ptr.Start = s.Fragments[0].Start
			ptr.StartSeqNo = s.Fragments[0].SeqNo
		}
		ptr.Limit = s.Fragments[len(s.Fragments)-1].Limit
		ptr.LimitSeqNo = s.Fragments[len(s.Fragments)-1].SeqNo.Next()
	}
	return ptr
}

// Scrub verifies that the snapshot's setsum and byte count equal the fold of
// its contents and that the contents are contiguous.
func (s *Snapshot) Scrub() error {
	var bytes uint64
	var sum setsum.Setsum

	for i, ptr := range s.Snapshots {
		if ptr.Depth >= s.Depth {
			return fmt.Errorf("%w: snapshot of depth %d references depth %d", ErrCorrupt, s.Depth, ptr.Depth)
		}
		if i > 0 && ptr.Start != s.Snapshots[i-1].Limit {
			return fmt.Errorf("%w: snapshot %q not contiguous", ErrCorrupt, ptr.Path)
		}
		bytes += ptr.NumBytes
		sum = sum.Add(ptr.Setsum)
	}
	for i, f := range s.Fragments {
		if i > 0 && f.Start != s.Fragments[i-1].Limit {
			return fmt.Errorf("%w: fragment %q not contiguous", ErrCorrupt, f.Path)
		}
		if i == 0 && len(s.Snapshots) > 0 && f.Start != s.Snapshots[len(s.Snapshots)-1].Limit {
			return fmt.Errorf("%w: fragment %q not contiguous with snapshots", ErrCorrupt, f.Path)
		}
		bytes += f.NumBytes
		sum = sum.Add(f.Setsum)
	}

	if bytes != s.NumBytes {
		return fmt.Errorf("%w: snapshot num_bytes is %d, contents sum to %d", ErrCorrupt, s.NumBytes, bytes)
	}
	if sum != s.Setsum {
		return fmt.Errorf("%w: snapshot setsum %s is not the fold of its contents %s",
			ErrCorrupt, s.Setsum.Hexdigest(), sum.Hexdigest())
	}
	return nil
}

// Encode serializes the snapshot as JSON.
func (s *Snapshot) Encode() ([]byte, error) {
	return json.Marshal(s)
}

// DecodeSnapshot deserializes a snapshot blob.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &s, nil
}

// RolloverOptions bounds the manifest's inline metadata.
type RolloverOptions struct {
	// FragmentRolloverThreshold is the inline fragment count above which the
	// oldest fragments are collapsed into a snapshot.
	FragmentRolloverThreshold int

	// SnapshotRolloverThreshold is the snapshot pointer count above which the
	// oldest pointers are collapsed one level up.
	SnapshotRolloverThreshold int
}

// DefaultRolloverOptions returns the default thresholds.
func DefaultRolloverOptions() RolloverOptions {
	return RolloverOptions{
		FragmentRolloverThreshold: 100,
		SnapshotRolloverThreshold: 100,
	}
}

// ComputeRollover decides whether the manifest needs a snapshot collapse and
// returns the snapshot to write, or nil. The collapse always covers a
// contiguous prefix and leaves the newest half of the threshold inline, so
// recent reads rarely chase pointers.
func (m *Manifest) ComputeRollover(opts RolloverOptions) *Snapshot {
	if opts.FragmentRolloverThreshold > 0 && len(m.Fragments) > opts.FragmentRolloverThreshold {
		keep := opts.FragmentRolloverThreshold / 2
		if keep < 1 {
			keep = 1
		}
		collapse := m.Fragments[:len(m.Fragments)-keep]
		snap := &Snapshot{
			Depth:     1,
			Writer:    m.Writer,
			Fragments: append([]Fragment(nil), collapse...),
		}
		for _, f := range collapse {
			snap.Setsum = snap.Setsum.Add(f.Setsum)
			snap.NumBytes += f.NumBytes
		}
		return snap
	}

	if opts.SnapshotRolloverThreshold > 0 && len(m.Snapshots) > opts.SnapshotRolloverThreshold {
		keep := opts.SnapshotRolloverThreshold / 2
		if keep < 1 {
			keep = 1
		}
		collapse := m.Snapshots[:len(m.Snapshots)-keep]
		depth := uint8(0)
		for _, ptr := range collapse {
			if ptr.Depth >= depth {
				depth = ptr.Depth + 1
			}
		}
		snap := &Snapshot{
			Depth:     depth,
			Writer:    m.Writer,
			Snapshots: append([]SnapshotPointer(nil), collapse...),
		}
		for _, ptr := range collapse {
			snap.Setsum = snap.Setsum.Add(ptr.Setsum)
			snap.NumBytes += ptr.NumBytes
		}
		return snap
	}

	return nil
}

// ApplyRollover returns a new manifest with the collapsed entries replaced by
// a pointer to snap. Setsum and AccBytes are unchanged: a rollover moves
// content, it never adds or removes any.
func (m *Manifest) ApplyRollover(snap *Snapshot, prefix string) (*Manifest, error) {
	next := m.Clone()
	ptr := snap.Pointer(prefix)

	switch {
	case len(snap.Fragments) > 0:
		n := len(snap.Fragments)
		if len(next.Fragments) < n {
			return nil, fmt.Errorf("%w: rollover collapses %d fragments, manifest has %d",
				ErrStaleReservation, n, len(next.Fragments))
		}
		for i := range snap.Fragments {
			if next.Fragments[i] != snap.Fragments[i] {
				return nil, fmt.Errorf("%w: rollover fragment %q no longer a manifest prefix",
					ErrStaleReservation, snap.Fragments[i].Path)
			}
		}
		next.Fragments = append([]Fragment(nil), next.Fragments[n:]...)
		next.Snapshots = append(next.Snapshots, ptr)

	case len(snap.Snapshots) > 0:
		n := len(snap.Snapshots)
		if len(next.Snapshots) < n {
			return nil, fmt.Errorf("%w: rollover collapses %d snapshots, manifest has %d",
				ErrStaleReservation, n, len(next.Snapshots))
		}
		for i := range snap.Snapshots {
			if next.Snapshots[i] != snap.Snapshots[i] {
				return nil, fmt.Errorf("%w: rollover snapshot %q no longer a manifest prefix",
					ErrStaleReservation, snap.Snapshots[i].Path)
			}
		}
		next.Snapshots = append([]SnapshotPointer{ptr}, next.Snapshots[n:]...)

	default:
		return nil, fmt.Errorf("%w: empty rollover", ErrCorrupt)
	}

	return next, nil
}
