package manifest

import (
	"encoding/json"
	"fmt"
	"path"

	"github.com/hupe1980/walstore/core"
	"github.com/hupe1980/walstore/setsum"
)

// GarbageFileName is the name of the in-progress garbage descriptor under a
// log's gc/ subpath.
const GarbageFileName = "GARBAGE"

// GarbagePath returns the storage key of the garbage descriptor.
func GarbagePath(prefix string) string {
	return path.Join(prefix, "gc", GarbageFileName)
}

// Garbage is a computed, serializable description of storage objects that
// are safe to reclaim: every fragment and snapshot lying entirely below a
// keep-from position. It is created fresh on each collection pass, persisted
// for recovery tooling, applied to the manifest via compare-and-swap, and
// then discarded.
type Garbage struct {
	FirstToKeep      core.LogPosition   `json:"first_to_keep"`
	FirstSeqNoToKeep core.FragmentSeqNo `json:"first_seq_no_to_keep"`
	Snapshots        []SnapshotPointer  `json:"snapshots"`
	Fragments        []Fragment         `json:"fragments"`
	Discard          setsum.Setsum      `json:"discard"`
	DroppedBytes     uint64             `json:"dropped_bytes"`
}

// ComputeGarbage derives the collectable prefix of m for the given keep-from
// position. Because manifests order content by position, only a prefix can
// ever be collected; the walk stops at the first element that reaches
// firstToKeep.
func ComputeGarbage(m *Manifest, firstToKeep core.LogPosition) *Garbage {
	g := &Garbage{FirstToKeep: firstToKeep}

	for _, ptr := range m.Snapshots {
		if ptr.Limit > firstToKeep {
			break
		}
		g.Snapshots = append(g.Snapshots, ptr)
		g.Discard = g.Discard.Add(ptr.Setsum)
		g.DroppedBytes += ptr.NumBytes
		g.FirstSeqNoToKeep = ptr.LimitSeqNo
	}

	// Fragments can only be dropped once every snapshot is; they order
	// strictly after the snapshots in the manifest.
	if len(g.Snapshots) == len(m.Snapshots) {
		for _, f := range m.Fragments {
			if f.Limit > firstToKeep {
				break
			}
			g.Fragments = append(g.Fragments, f)
			g.Discard = g.Discard.Add(f.Setsum)
			g.DroppedBytes += f.NumBytes
			g.FirstSeqNoToKeep = f.SeqNo.Next()
		}
	}

	return g
}

// Empty reports whether there is nothing to collect.
func (g *Garbage) Empty() bool {
	return len(g.Snapshots) == 0 && len(g.Fragments) == 0
}

// AppliesCleanly reports whether applying g to m is either effective or a
// no-op: every dropped element is still a prefix of m, or has already been
// removed by a previous application. Anything else means the manifest
// diverged in a way the garbage does not describe.
func (g *Garbage) AppliesCleanly(m *Manifest) bool {
	_, _, ok := g.split(m)
	return ok
}

// Apply returns a new manifest with g's elements removed. Applying garbage
// that has already been applied, in whole or in part, is a successful no-op
// for the already-removed elements.
func (g *Garbage) Apply(m *Manifest) (*Manifest, error) {
	dropSnaps, dropFrags, ok := g.split(m)
	if !ok {
		return nil, fmt.Errorf("%w: garbage does not apply cleanly", ErrStaleReservation)
	}

	next := m.Clone()
	for _, ptr := range dropSnaps {
		next.Snapshots = next.Snapshots[1:]
		next.Collected = next.Collected.Add(ptr.Setsum)
		next.AccBytes -= ptr.NumBytes
	}
	for _, f := range dropFrags {
		next.Fragments = next.Fragments[1:]
		next.Collected = next.Collected.Add(f.Setsum)
		next.AccBytes -= f.NumBytes
	}

	// If collection emptied the manifest, pin the frontier so position and
	// sequence numbering survive.
	if len(next.Fragments) == 0 && len(next.Snapshots) == 0 {
		off := m.MaxPosition()
		seq := m.NextFragmentSeqNo()
		next.InitialOffset = &off
		next.InitialSeqNo = &seq
	}

	return next, nil
}

// split partitions g into the elements still present in m (as a prefix) and
// reports whether every element is accounted for, either present or already
// gone.
func (g *Garbage) split(m *Manifest) (snaps []SnapshotPointer, frags []Fragment, ok bool) {
	i := 0
	for _, ptr := range g.Snapshots {
		if i < len(m.Snapshots) && m.Snapshots[i] == ptr {
			snaps = append(snaps, ptr)
			i++
		} else if i > 0 {
			// A dropped element may only be missing if it was at the front;
			// matching restarting mid-run means divergence.
			return nil, nil, false
		}
	}
	if len(snaps) > 0 && len(snaps) < len(g.Snapshots) {
		return nil, nil, false
	}

	j := 0
	for _, f := range g.Fragments {
		if j < len(m.Fragments) && m.Fragments[j] == f {
			frags = append(frags, f)
			j++
		} else if j > 0 {
			return nil, nil, false
		}
	}
	if len(frags) > 0 && len(frags) < len(g.Fragments) {
		return nil, nil, false
	}

	return snaps, frags, true
}

// Encode serializes the garbage descriptor as JSON.
func (g *Garbage) Encode() ([]byte, error) {
	return json.Marshal(g)
}

// DecodeGarbage deserializes a garbage descriptor.
func DecodeGarbage(data []byte) (*Garbage, error) {
	var g Garbage
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("failed to decode garbage: %w", err)
	}
	return &g, nil
}
