package wal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hupe1980/walstore/blobstore"
	"github.com/hupe1980/walstore/core"
	"github.com/hupe1980/walstore/manifest"
)

// reservation is a speculative claim on the next fragment's identity,
// computed from manifest state without I/O. It is revalidated, not
// committed, until the manifest compare-and-swap succeeds.
type reservation struct {
	start core.LogPosition
	seqNo core.FragmentSeqNo
}

// manifestManager caches the manifest between commits so reservations are
// pure in-memory reads, and folds snapshot rollover into the same
// conditional write that admits a fragment.
type manifestManager struct {
	coord    manifest.Coordinator
	store    blobstore.Store
	prefix   string
	rollover manifest.RolloverOptions
	logger   *slog.Logger

	mu      sync.Mutex
	cached  *manifest.Manifest
	witness manifest.Witness
}

func newManifestManager(coord manifest.Coordinator, store blobstore.Store, prefix string, rollover manifest.RolloverOptions, logger *slog.Logger) *manifestManager {
	return &manifestManager{
		coord:    coord,
		store:    store,
		prefix:   prefix,
		rollover: rollover,
		logger:   logger,
	}
}

// current returns the cached manifest, loading it if necessary.
func (mm *manifestManager) current(ctx context.Context) (*manifest.Manifest, manifest.Witness, error) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if mm.cached == nil {
		m, w, err := mm.coord.Load(ctx)
		if err != nil {
			return nil, "", err
		}
		mm.cached, mm.witness = m, w
	}
	return mm.cached, mm.witness, nil
}

// invalidate drops the cache after a lost compare-and-swap.
func (mm *manifestManager) invalidate() {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.cached = nil
	mm.witness = ""
}

// reserve claims the next fragment's position range and sequence number from
// cached state. No round trip; the claim is validated by publish.
func (mm *manifestManager) reserve(ctx context.Context) (reservation, error) {
	m, _, err := mm.current(ctx)
	if err != nil {
		return reservation{}, err
	}
	return reservation{start: m.MaxPosition(), seqNo: m.NextFragmentSeqNo()}, nil
}

// publish admits an uploaded fragment into the manifest with one conditional
// write. When the admission pushes the manifest past its rollover threshold
// the collapse rides the same write, so the manifest never grows unbounded
// between commits. Fails with manifest.ErrWitnessMismatch or
// manifest.ErrStaleReservation when another writer got there first; the
// caller must recompute its reservation and retry.
func (mm *manifestManager) publish(ctx context.Context, frag manifest.Fragment) error {
	m, witness, err := mm.current(ctx)
	if err != nil {
		return err
	}

	next, err := m.ApplyFragment(frag)
	if err != nil {
		mm.invalidate()
		return err
	}

	if snap := next.ComputeRollover(mm.rollover); snap != nil {
		rolled, err := mm.writeRollover(ctx, next, snap)
		if err != nil {
			// The fragment commit must not fail because a collapse could
			// not be written; the next commit will retry the rollover.
			mm.logger.Warn("snapshot rollover skipped", "prefix", mm.prefix, "error", err)
		} else {
			next = rolled
		}
	}

	newWitness, err := mm.coord.Install(ctx, witness, next)
	if err != nil {
		mm.invalidate()
		return err
	}

	mm.mu.Lock()
	mm.cached, mm.witness = next, newWitness
	mm.mu.Unlock()
	return nil
}

// writeRollover persists the snapshot blob and returns the manifest with the
// collapsed entries replaced by a pointer. Snapshot blobs are
// content-addressed, so a racing writer producing the same collapse writes
// identical bytes to the same key.
func (mm *manifestManager) writeRollover(ctx context.Context, m *manifest.Manifest, snap *manifest.Snapshot) (*manifest.Manifest, error) {
	data, err := snap.Encode()
	if err != nil {
		return nil, err
	}
	if _, err := mm.store.PutIfAbsent(ctx, manifest.SnapshotPath(mm.prefix, snap.Setsum), data); err != nil {
		if !errors.Is(err, blobstore.ErrPreconditionFailed) {
			return nil, fmt.Errorf("failed to write snapshot: %w", err)
		}
	}
	return m.ApplyRollover(snap, mm.prefix)
}
