package manifest

import (
	"encoding/json"
	"fmt"
	"path"

	"github.com/hupe1980/walstore/core"
	"github.com/hupe1980/walstore/setsum"
)

// ManifestFileName is the fixed name of the manifest object under a log's
// storage prefix.
const ManifestFileName = "MANIFEST"

// ManifestPath returns the storage key of the manifest for a log prefix.
func ManifestPath(prefix string) string {
	return path.Join(prefix, ManifestFileName)
}

// Fragment describes one immutable, previously-uploaded batch of records.
// It is created by the writer at upload time and referenced, never mutated,
// by the manifest until it is garbage-collected.
type Fragment struct {
	Path     string             `json:"path"`
	SeqNo    core.FragmentSeqNo `json:"seq_no"`
	Start    core.LogPosition   `json:"start"`
	Limit    core.LogPosition   `json:"limit"`
	NumBytes uint64             `json:"num_bytes"`
	Setsum   setsum.Setsum      `json:"setsum"`
}

// NumRecords returns the number of records the fragment spans.
func (f Fragment) NumRecords() uint64 {
	return uint64(f.Limit - f.Start)
}

// Contains reports whether the fragment covers the given position.
func (f Fragment) Contains(pos core.LogPosition) bool {
	return pos >= f.Start && pos < f.Limit
}

// SnapshotPointer references an immutable snapshot blob by path and checksum,
// with enough summary information to decide whether the blob must be fetched.
type SnapshotPointer struct {
	Path       string             `json:"path"`
	Depth      uint8              `json:"depth"`
	Setsum     setsum.Setsum      `json:"setsum"`
	Start      core.LogPosition   `json:"start"`
	Limit      core.LogPosition   `json:"limit"`
	StartSeqNo core.FragmentSeqNo `json:"start_seq_no"`
	LimitSeqNo core.FragmentSeqNo `json:"limit_seq_no"`
	NumBytes   uint64             `json:"num_bytes"`
}

// Manifest is the root metadata object for a log. AccBytes accumulates the
// byte sizes of all live fragments and snapshot contents; Setsum commits to
// every record ever appended, and Collected to the records whose fragments
// have been garbage-collected, so that at all times
// Setsum == Collected + fold(Fragments) + fold(Snapshots).
type Manifest struct {
	Writer        string              `json:"writer"`
	AccBytes      uint64              `json:"acc_bytes"`
	Setsum        setsum.Setsum       `json:"setsum"`
	Collected     setsum.Setsum       `json:"collected"`
	Snapshots     []SnapshotPointer   `json:"snapshots"`
	Fragments     []Fragment          `json:"fragments"`
	InitialOffset *core.LogPosition   `json:"initial_offset,omitempty"`
	InitialSeqNo  *core.FragmentSeqNo `json:"initial_seq_no,omitempty"`
}

// NewManifest creates an empty manifest owned by the given writer.
func NewManifest(writer string) *Manifest {
	return &Manifest{Writer: writer}
}

// NewBootstrapManifest creates a manifest whose record stream starts at the
// given position and fragment numbering at the given sequence number, for
// logs seeded with pre-existing data.
func NewBootstrapManifest(writer string, offset core.LogPosition, seqNo core.FragmentSeqNo) *Manifest {
	m := NewManifest(writer)
	m.InitialOffset = &offset
	m.InitialSeqNo = &seqNo
	return m
}

// Clone returns a deep copy. Appliers mutate clones, never shared state.
func (m *Manifest) Clone() *Manifest {
	out := *m
	out.Snapshots = append([]SnapshotPointer(nil), m.Snapshots...)
	out.Fragments = append([]Fragment(nil), m.Fragments...)
	if m.InitialOffset != nil {
		v := *m.InitialOffset
		out.InitialOffset = &v
	}
	if m.InitialSeqNo != nil {
		v := *m.InitialSeqNo
		out.InitialSeqNo = &v
	}
	return &out
}

// NextFragmentSeqNo returns the sequence number the next committed fragment
// must carry.
func (m *Manifest) NextFragmentSeqNo() core.FragmentSeqNo {
	if n := len(m.Fragments); n > 0 {
		return m.Fragments[n-1].SeqNo.Next()
	}
	if n := len(m.Snapshots); n > 0 {
		return m.Snapshots[n-1].LimitSeqNo
	}
	if m.InitialSeqNo != nil {
		return *m.InitialSeqNo
	}
	return 0
}

// MaxPosition returns the position the next appended record will take: one
// past the last committed record.
func (m *Manifest) MaxPosition() core.LogPosition {
	if n := len(m.Fragments); n > 0 {
		return m.Fragments[n-1].Limit
	}
	if n := len(m.Snapshots); n > 0 {
		return m.Snapshots[n-1].Limit
	}
	if m.InitialOffset != nil {
		return *m.InitialOffset
	}
	return 0
}

// MinPosition returns the first position still materialized in the log.
func (m *Manifest) MinPosition() core.LogPosition {
	if n := len(m.Snapshots); n > 0 {
		return m.Snapshots[0].Start
	}
	if n := len(m.Fragments); n > 0 {
		return m.Fragments[0].Start
	}
	if m.InitialOffset != nil {
		return *m.InitialOffset
	}
	return 0
}

// CanApplyFragment reports whether f extends the manifest exactly at its
// current frontier. A reservation computed against an older manifest fails
// this check and must be recomputed.
func (m *Manifest) CanApplyFragment(f Fragment) bool {
	if f.Limit <= f.Start {
		return false
	}
	return f.SeqNo == m.NextFragmentSeqNo() && f.Start == m.MaxPosition()
}

// ApplyFragment returns a new manifest with f admitted.
func (m *Manifest) ApplyFragment(f Fragment) (*Manifest, error) {
	if !m.CanApplyFragment(f) {
		return nil, fmt.Errorf("%w: fragment %s at %s does not extend %s at %s",
			ErrStaleReservation, f.SeqNo, f.Start, m.NextFragmentSeqNo(), m.MaxPosition())
	}
	next := m.Clone()
	next.Fragments = append(next.Fragments, f)
	next.Setsum = next.Setsum.Add(f.Setsum)
	next.AccBytes += f.NumBytes
	return next, nil
}

// Scrub verifies the manifest's internal invariants: ordering and contiguity
// of snapshots and fragments, the accumulated byte count, and the setsum
// closure. It does not read storage; content verification is the reader's
// scrub.
func (m *Manifest) Scrub() error {
	var bytes uint64
	sum := m.Collected

	// Garbage collection trims a prefix of the log, so the first live
	// element defines its own origin; everything after it must be
	// contiguous.
	pos := core.LogPosition(0)
	seq := core.FragmentSeqNo(0)

	for i, ptr := range m.Snapshots {
		if ptr.Limit < ptr.Start || ptr.LimitSeqNo < ptr.StartSeqNo {
			return fmt.Errorf("%w: snapshot %q has inverted bounds", ErrCorrupt, ptr.Path)
		}
		if i == 0 {
			pos = ptr.Start
			seq = ptr.StartSeqNo
		}
		if ptr.Start != pos {
			return fmt.Errorf("%w: snapshot %q starts at %s, want %s", ErrCorrupt, ptr.Path, ptr.Start, pos)
		}
		if ptr.StartSeqNo != seq {
			return fmt.Errorf("%w: snapshot %q starts at %s, want %s", ErrCorrupt, ptr.Path, ptr.StartSeqNo, seq)
		}
		pos = ptr.Limit
		seq = ptr.LimitSeqNo
		bytes += ptr.NumBytes
		sum = sum.Add(ptr.Setsum)
	}

	for i, f := range m.Fragments {
		if f.Limit <= f.Start {
			return fmt.Errorf("%w: fragment %q is empty or inverted", ErrCorrupt, f.Path)
		}
		if i == 0 && len(m.Snapshots) == 0 {
			pos = f.Start
			seq = f.SeqNo
		}
		if f.Start != pos {
			return fmt.Errorf("%w: fragment %q starts at %s, want %s", ErrCorrupt, f.Path, f.Start, pos)
		}
		if f.SeqNo != seq {
			return fmt.Errorf("%w: fragment %q has %s, want %s", ErrCorrupt, f.Path, f.SeqNo, seq)
		}
		pos = f.Limit
		seq = f.SeqNo.Next()
		bytes += f.NumBytes
		sum = sum.Add(f.Setsum)
	}

	if bytes != m.AccBytes {
		return fmt.Errorf("%w: acc_bytes is %d, live content sums to %d", ErrCorrupt, m.AccBytes, bytes)
	}
	if sum != m.Setsum {
		return fmt.Errorf("%w: setsum %s does not close over collected + live content %s",
			ErrCorrupt, m.Setsum.Hexdigest(), sum.Hexdigest())
	}
	return nil
}

// Encode serializes the manifest as JSON. Decoders ignore unknown fields, so
// the format is forward-compatible.
func (m *Manifest) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode deserializes a manifest from JSON.
func Decode(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	return &m, nil
}
