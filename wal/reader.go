package wal

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/hupe1980/walstore/blobstore"
	"github.com/hupe1980/walstore/core"
	"github.com/hupe1980/walstore/manifest"
	"github.com/hupe1980/walstore/setsum"
)

// LogReader reads committed records from one log. Readers never coordinate
// with writers: fragments are immutable once referenced, and every scan
// works from a freshly-loaded manifest.
type LogReader struct {
	store  blobstore.Store
	prefix string
	coord  manifest.Coordinator
	logger *slog.Logger
}

// OpenReader opens an initialized log for reading. Fails with
// ErrUninitialized if the log does not exist.
func OpenReader(ctx context.Context, store blobstore.Store, prefix string, optFns ...func(o *Options)) (*LogReader, error) {
	opts := applyOptions(optFns)
	coord, err := buildCoordinator(opts, store, prefix)
	if err != nil {
		return nil, err
	}
	if _, _, err := coord.Load(ctx); err != nil {
		return nil, err
	}
	return &LogReader{store: store, prefix: prefix, coord: coord, logger: opts.Logger}, nil
}

// Limits caps how much of the log a single Scan returns. Exceeding a cap
// produces a short read, never an error.
type Limits struct {
	MaxFiles   uint64
	MaxBytes   uint64
	MaxRecords uint64
}

// DefaultLimits returns unbounded limits.
func DefaultLimits() Limits {
	return Limits{
		MaxFiles:   math.MaxUint64,
		MaxBytes:   math.MaxUint64,
		MaxRecords: math.MaxUint64,
	}
}

// Manifest returns a freshly-loaded snapshot of the log's manifest.
func (r *LogReader) Manifest(ctx context.Context) (*manifest.Manifest, error) {
	m, _, err := r.coord.Load(ctx)
	return m, err
}

// Scan returns the fragments covering positions >= from, in position order,
// expanding snapshot pointers as needed. Positions below the
// garbage-collected prefix are simply absent; the scan starts at the first
// live fragment. The second return is true when a limit cut the scan short.
func (r *LogReader) Scan(ctx context.Context, from core.LogPosition, limits Limits) ([]manifest.Fragment, bool, error) {
	m, _, err := r.coord.Load(ctx)
	if err != nil {
		return nil, false, err
	}

	b := newScanBudget(limits)
	var out []manifest.Fragment
	if err := r.collect(ctx, m.Snapshots, m.Fragments, from, b, &out, nil); err != nil {
		return nil, false, err
	}
	return out, b.short, nil
}

// ReadFragment fetches and decodes one fragment, verifying its checksums
// against both the blob's own footer and the manifest's claims. Returns the
// fragment's setsum, its records, and the blob size in bytes.
func (r *LogReader) ReadFragment(ctx context.Context, f manifest.Fragment) (setsum.Setsum, []Record, uint64, error) {
	data, _, err := r.store.Get(ctx, f.Path)
	if err != nil {
		return setsum.Setsum{}, nil, 0, fmt.Errorf("failed to read fragment %q: %w", f.Path, err)
	}
	records, sum, err := decodeFragment(data)
	if err != nil {
		return setsum.Setsum{}, nil, 0, fmt.Errorf("fragment %q: %w", f.Path, err)
	}
	switch {
	case sum != f.Setsum:
		err = fmt.Errorf("%w: fragment %q setsum %s does not match manifest %s",
			ErrCorruptFragment, f.Path, sum.Hexdigest(), f.Setsum.Hexdigest())
	case uint64(len(records)) != f.NumRecords():
		err = fmt.Errorf("%w: fragment %q holds %d records, manifest claims %d",
			ErrCorruptFragment, f.Path, len(records), f.NumRecords())
	case records[0].Position != f.Start:
		err = fmt.Errorf("%w: fragment %q starts at %s, manifest claims %s",
			ErrCorruptFragment, f.Path, records[0].Position, f.Start)
	case uint64(len(data)) != f.NumBytes:
		err = fmt.Errorf("%w: fragment %q is %d bytes, manifest claims %d",
			ErrCorruptFragment, f.Path, len(data), f.NumBytes)
	}
	if err != nil {
		return setsum.Setsum{}, nil, 0, err
	}
	return sum, records, uint64(len(data)), nil
}

type scanBudget struct {
	files   uint64
	bytes   uint64
	records uint64
	taken   int
	short   bool
}

func newScanBudget(limits Limits) *scanBudget {
	return &scanBudget{files: limits.MaxFiles, bytes: limits.MaxBytes, records: limits.MaxRecords}
}

// admit reports whether the fragment fits the remaining budget. The first
// fragment is always admitted so oversized limits still make progress.
func (b *scanBudget) admit(f manifest.Fragment) bool {
	if b.taken > 0 && (b.files < 1 || b.bytes < f.NumBytes || b.records < f.NumRecords()) {
		return false
	}
	if b.files > 0 {
		b.files--
	}
	if b.bytes < f.NumBytes {
		b.bytes = 0
	} else {
		b.bytes -= f.NumBytes
	}
	if b.records < f.NumRecords() {
		b.records = 0
	} else {
		b.records -= f.NumRecords()
	}
	b.taken++
	return true
}

// collect walks snapshot pointers and fragments in position order,
// appending covered fragments to out within the budget. With a non-nil
// sink, snapshot fetch and consistency problems are recorded there and the
// walk continues; otherwise the first problem aborts.
func (r *LogReader) collect(ctx context.Context, snaps []manifest.SnapshotPointer, frags []manifest.Fragment, from core.LogPosition, b *scanBudget, out *[]manifest.Fragment, sink *[]error) error {
	for _, ptr := range snaps {
		if b.short {
			return nil
		}
		if ptr.Limit <= from {
			continue
		}
		snap, err := r.fetchSnapshot(ctx, ptr)
		if err != nil {
			if sink == nil {
				return err
			}
			*sink = append(*sink, err)
			continue
		}
		if sink != nil {
			if err := snap.Scrub(); err != nil {
				*sink = append(*sink, fmt.Errorf("snapshot %q: %w", ptr.Path, err))
			}
		}
		if err := r.collect(ctx, snap.Snapshots, snap.Fragments, from, b, out, sink); err != nil {
			return err
		}
	}

	for _, f := range frags {
		if f.Limit <= from {
			continue
		}
		if b.short || !b.admit(f) {
			b.short = true
			return nil
		}
		*out = append(*out, f)
	}
	return nil
}

func (r *LogReader) fetchSnapshot(ctx context.Context, ptr manifest.SnapshotPointer) (*manifest.Snapshot, error) {
	data, _, err := r.store.Get(ctx, ptr.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot %q: %w", ptr.Path, err)
	}
	snap, err := manifest.DecodeSnapshot(data)
	if err != nil {
		return nil, fmt.Errorf("snapshot %q: %w", ptr.Path, err)
	}
	if snap.Setsum != ptr.Setsum {
		return nil, fmt.Errorf("%w: snapshot %q setsum %s does not match pointer %s",
			manifest.ErrCorrupt, ptr.Path, snap.Setsum.Hexdigest(), ptr.Setsum.Hexdigest())
	}
	return snap, nil
}
