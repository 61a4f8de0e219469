package wal

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/hupe1980/walstore/blobstore"
	"github.com/hupe1980/walstore/core"
	"github.com/hupe1980/walstore/cursor"
	"github.com/hupe1980/walstore/manifest"
)

// GCMode selects how reclaimed objects are disposed of.
type GCMode int

const (
	// GCModeDelete permanently deletes reclaimed objects. The default.
	GCModeDelete GCMode = iota

	// GCModeDeferred moves reclaimed objects under the log's gc/deleted/
	// subpath instead of deleting them, leaving a recovery window.
	GCModeDeferred
)

// GCOptions configures one garbage collection pass.
type GCOptions struct {
	Mode GCMode
}

func gcDeletedPath(prefix, name string) string {
	return path.Join(prefix, "gc", "deleted", path.Base(name))
}

// GarbageCollect reclaims fragments and snapshots lying entirely below the
// minimum position guarded by the log's registered cursors. Fails with the
// cursor store's no-such-cursor error when no cursor exists, since there is
// then no safe lower bound. The manifest update rides the same conditional
// write protocol as appends, so collection is safe to run concurrently with
// itself and with ongoing appends; collecting nothing, or garbage another
// pass already applied, is a successful no-op.
func (w *LogWriter) GarbageCollect(ctx context.Context, opts GCOptions) error {
	names, err := w.cursors.List(ctx)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return fmt.Errorf("%w: garbage collection needs at least one registered cursor", cursor.ErrNoSuchCursor)
	}

	firstToKeep := core.MaxLogPosition
	for _, name := range names {
		c, _, err := w.cursors.Load(ctx, name)
		if err != nil {
			return err
		}
		if c.Position < firstToKeep {
			firstToKeep = c.Position
		}
	}

	g, err := w.applyGarbage(ctx, firstToKeep)
	if err != nil {
		return err
	}
	if g == nil {
		return nil
	}

	if err := w.reclaim(ctx, g, opts.Mode); err != nil {
		return err
	}
	if err := w.store.Delete(ctx, manifest.GarbagePath(w.prefix)); err != nil && !errors.Is(err, blobstore.ErrNotFound) {
		return fmt.Errorf("failed to remove garbage descriptor: %w", err)
	}
	return nil
}

// applyGarbage computes the collectable prefix and removes it from the
// manifest via compare-and-swap, persisting the garbage descriptor first so
// recovery tooling can resume an interrupted pass. Returns nil garbage when
// there was nothing to collect.
func (w *LogWriter) applyGarbage(ctx context.Context, firstToKeep core.LogPosition) (*manifest.Garbage, error) {
	bo := w.policy.newBackOff(ctx)
	for {
		if err := w.policy.wait(ctx); err != nil {
			return nil, err
		}

		w.manager.invalidate()
		m, witness, err := w.manager.current(ctx)
		if err != nil {
			return nil, err
		}

		g := manifest.ComputeGarbage(m, firstToKeep)
		if g.Empty() {
			return nil, nil
		}

		data, err := g.Encode()
		if err != nil {
			return nil, err
		}
		if err := w.store.Put(ctx, manifest.GarbagePath(w.prefix), data); err != nil {
			return nil, fmt.Errorf("failed to persist garbage descriptor: %w", err)
		}

		next, err := g.Apply(m)
		if err != nil {
			return nil, err
		}
		if _, err := w.manager.coord.Install(ctx, witness, next); err != nil {
			if errors.Is(err, manifest.ErrWitnessMismatch) {
				w.manager.invalidate()
				d := bo.NextBackOff()
				if d == backoff.Stop {
					return nil, fmt.Errorf("%w: %v", ErrLogContention, err)
				}
				time.Sleep(d)
				continue
			}
			return nil, err
		}
		w.manager.invalidate()
		return g, nil
	}
}

// reclaim physically disposes of the collected objects, on the primary
// store and every replica. Objects already gone are fine; a racing pass may
// have beaten us to them.
func (w *LogWriter) reclaim(ctx context.Context, g *manifest.Garbage, mode GCMode) error {
	dispose := func(store blobstore.Store, name string) error {
		if mode == GCModeDeferred {
			if err := store.Copy(ctx, name, gcDeletedPath(w.prefix, name)); err != nil && !errors.Is(err, blobstore.ErrNotFound) {
				return fmt.Errorf("failed to retire %q: %w", name, err)
			}
		}
		if err := store.Delete(ctx, name); err != nil && !errors.Is(err, blobstore.ErrNotFound) {
			return fmt.Errorf("failed to delete %q: %w", name, err)
		}
		return nil
	}

	for _, ptr := range g.Snapshots {
		if err := dispose(w.store, ptr.Path); err != nil {
			return err
		}
	}
	for _, f := range g.Fragments {
		if err := dispose(w.store, f.Path); err != nil {
			return err
		}
		for _, rep := range w.opts.Replicas {
			name := FragmentPath(rep.Prefix, f.SeqNo)
			if mode == GCModeDeferred {
				// The recovery window holds on replicas too: the copy lands
				// under the replica's own gc/deleted/ subpath, and a failed
				// copy leaves the replica blob in place.
				if err := rep.Store.Copy(ctx, name, gcDeletedPath(rep.Prefix, name)); err != nil && !errors.Is(err, blobstore.ErrNotFound) {
					w.logger.Warn("failed to retire replicated fragment",
						"region", rep.Region, "seq_no", f.SeqNo.String(), "error", err)
					continue
				}
			}
			if err := rep.Store.Delete(ctx, name); err != nil && !errors.Is(err, blobstore.ErrNotFound) {
				w.logger.Warn("failed to delete replicated fragment",
					"region", rep.Region, "seq_no", f.SeqNo.String(), "error", err)
			}
		}
	}
	return nil
}

// Object name shapes a log legitimately produces under its prefix.
var (
	fragmentNameRE = regexp.MustCompile(`^log/fragment-[0-9a-f]{16}\.col$`)
	snapshotNameRE = regexp.MustCompile(`^snapshot/snapshot-[0-9a-f]{64}\.json$`)
	ddbBlobNameRE  = regexp.MustCompile(`^manifest/MANIFEST-[0-9]{16}-[0-9a-f]{16}\.json$`)
	cursorNameRE   = regexp.MustCompile(`^cursor/[A-Za-z0-9_-]+\.json$`)
)

func recognizedObject(rel string) bool {
	switch {
	case rel == manifest.ManifestFileName:
		return true
	case rel == path.Join("gc", manifest.GarbageFileName):
		return true
	case strings.HasPrefix(rel, "gc/deleted/"):
		return true
	}
	return fragmentNameRE.MatchString(rel) ||
		snapshotNameRE.MatchString(rel) ||
		ddbBlobNameRE.MatchString(rel) ||
		cursorNameRE.MatchString(rel)
}

// Destroy removes a log and everything under its prefix. It is fail-closed:
// the prefix is inventoried first, and any object the log could not have
// produced wedges the destroy with ErrGarbageCollection before anything is
// deleted.
func Destroy(ctx context.Context, store blobstore.Store, prefix string, optFns ...func(o *Options)) error {
	opts := applyOptions(optFns)
	coord, err := buildCoordinator(opts, store, prefix)
	if err != nil {
		return err
	}

	root := strings.TrimSuffix(prefix, "/") + "/"
	keys, err := store.List(ctx, root)
	if err != nil {
		return fmt.Errorf("failed to inventory log prefix: %w", err)
	}
	for _, key := range keys {
		if !recognizedObject(strings.TrimPrefix(key, root)) {
			return fmt.Errorf("%w: unexpected object %q under log prefix", ErrGarbageCollection, key)
		}
	}

	for _, key := range keys {
		if err := store.Delete(ctx, key); err != nil && !errors.Is(err, blobstore.ErrNotFound) {
			return fmt.Errorf("failed to delete %q: %w", key, err)
		}
	}
	if err := coord.Destroy(ctx); err != nil && !errors.Is(err, blobstore.ErrNotFound) {
		return err
	}
	return nil
}
