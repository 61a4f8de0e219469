package wal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/walstore/blobstore"
	"github.com/hupe1980/walstore/core"
	"github.com/hupe1980/walstore/cursor"
	"github.com/hupe1980/walstore/manifest"
)

// LogWriter appends records to one log. It is safe for concurrent use:
// concurrent Append calls are coalesced into shared fragment commits.
type LogWriter struct {
	store   blobstore.Store
	prefix  string
	opts    Options
	logger  *slog.Logger
	manager *manifestManager
	policy  *retryPolicy
	batcher *batcher
	cursors *cursor.Store
}

func buildCoordinator(opts Options, store blobstore.Store, prefix string) (manifest.Coordinator, error) {
	if opts.Coordinator != nil {
		return opts.Coordinator, nil
	}
	return manifest.NewCoordinator(manifest.CoordinatorConfig{
		Engine: opts.Engine,
		Store:  store,
		Prefix: prefix,
	})
}

// Initialize creates an empty log at prefix. Fails with
// ErrAlreadyInitialized if the log exists.
func Initialize(ctx context.Context, store blobstore.Store, prefix string, optFns ...func(o *Options)) error {
	opts := applyOptions(optFns)
	coord, err := buildCoordinator(opts, store, prefix)
	if err != nil {
		return err
	}
	return coord.Init(ctx, manifest.NewManifest(opts.WriterName))
}

// Bootstrap creates a log at prefix seeded with pre-existing records, the
// first of which takes the given position. The fragment blob is uploaded
// before the manifest is created, so the log is never observable
// half-bootstrapped: either the manifest exists with all records, or the
// log does not exist.
func Bootstrap(ctx context.Context, store blobstore.Store, prefix string, start core.LogPosition, payloads [][]byte, optFns ...func(o *Options)) error {
	opts := applyOptions(optFns)
	coord, err := buildCoordinator(opts, store, prefix)
	if err != nil {
		return err
	}

	m := manifest.NewBootstrapManifest(opts.WriterName, start, 0)
	var seeded map[string]struct{}
	if len(payloads) > 0 {
		records := make([]Record, len(payloads))
		for i, p := range payloads {
			records[i] = Record{Position: start + core.LogPosition(i), Data: p}
		}
		blob, sum, err := encodeFragment(records, opts.Compression, opts.CompressionLevel)
		if err != nil {
			return err
		}
		frag := manifest.Fragment{
			Path:     FragmentPath(prefix, 0),
			SeqNo:    0,
			Start:    start,
			Limit:    start + core.LogPosition(len(payloads)),
			NumBytes: uint64(len(blob)),
			Setsum:   sum,
		}
		owned := make(map[string]struct{})
		if err := uploadFragment(ctx, store, opts.Replicas, frag.SeqNo, frag.Path, blob, owned); err != nil {
			discardFragment(ctx, store, opts.Replicas, frag.SeqNo, frag.Path, owned)
			if errors.Is(err, blobstore.ErrPreconditionFailed) {
				// A fragment already lives at the seed path, so a log is
				// already using this prefix. Touch nothing of it.
				return fmt.Errorf("%w: fragment %q already exists", ErrAlreadyInitialized, frag.Path)
			}
			return err
		}
		seeded = owned
		if m, err = m.ApplyFragment(frag); err != nil {
			return err
		}
	}

	if err := coord.Init(ctx, m); err != nil {
		if errors.Is(err, manifest.ErrAlreadyInitialized) && len(payloads) > 0 {
			// The seed blobs are ours and unreferenced; don't leave them
			// behind. Only blobs this call created are removed.
			discardFragment(ctx, store, opts.Replicas, 0, FragmentPath(prefix, 0), seeded)
		}
		return err
	}
	return nil
}

// Open opens an initialized log for appending. Fails with ErrUninitialized
// if the log was never initialized or bootstrapped.
func Open(ctx context.Context, store blobstore.Store, prefix string, optFns ...func(o *Options)) (*LogWriter, error) {
	opts := applyOptions(optFns)
	coord, err := buildCoordinator(opts, store, prefix)
	if err != nil {
		return nil, err
	}

	w := &LogWriter{
		store:   store,
		prefix:  prefix,
		opts:    opts,
		logger:  opts.Logger,
		manager: newManifestManager(coord, store, prefix, opts.Rollover, opts.Logger),
		policy:  newRetryPolicy(opts.TargetThroughput, opts.ReserveCapacity),
		cursors: cursor.NewStore(store, prefix, opts.WriterName),
	}
	if _, _, err := w.manager.current(ctx); err != nil {
		return nil, err
	}
	w.batcher = newBatcher(opts.BatchMaxRecords, opts.BatchMaxBytes, w.commitBatch)
	return w, nil
}

// OpenOrInitialize opens the log, initializing it first if it does not
// exist. Losing the initialization race to another writer is fine; the log
// is opened either way.
func OpenOrInitialize(ctx context.Context, store blobstore.Store, prefix string, optFns ...func(o *Options)) (*LogWriter, error) {
	w, err := Open(ctx, store, prefix, optFns...)
	if !errors.Is(err, ErrUninitialized) {
		return w, err
	}
	if err := Initialize(ctx, store, prefix, optFns...); err != nil && !errors.Is(err, ErrAlreadyInitialized) {
		return nil, err
	}
	return Open(ctx, store, prefix, optFns...)
}

// Append appends one record and returns its assigned position. The call
// blocks until the record's coalesced batch commits or terminally fails. A
// context timeout abandons the wait only; the batch still completes for the
// other participants.
func (w *LogWriter) Append(ctx context.Context, data []byte) (core.LogPosition, error) {
	return w.append(ctx, [][]byte{data}, 0)
}

// AppendMany appends records atomically, in order, at contiguous positions,
// and returns the position of the last record.
func (w *LogWriter) AppendMany(ctx context.Context, payloads [][]byte) (core.LogPosition, error) {
	if len(payloads) == 0 {
		return 0, fmt.Errorf("wal: append of zero records")
	}
	return w.append(ctx, payloads, len(payloads)-1)
}

func (w *LogWriter) append(ctx context.Context, payloads [][]byte, offset int) (core.LogPosition, error) {
	req := newAppendRequest(payloads)
	if err := w.batcher.enqueue(req); err != nil {
		return 0, err
	}
	select {
	case res := <-req.done:
		if res.err != nil {
			return 0, res.err
		}
		return res.base + core.LogPosition(offset), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Cursors returns the log's cursor store, for consumers registering the
// positions they still need.
func (w *LogWriter) Cursors() *cursor.Store {
	return w.cursors
}

// Manifest returns a freshly-loaded snapshot of the log's manifest.
func (w *LogWriter) Manifest(ctx context.Context) (*manifest.Manifest, error) {
	w.manager.invalidate()
	m, _, err := w.manager.current(ctx)
	return m, err
}

// Close stops the writer. Requests still queued fail with ErrClosed.
func (w *LogWriter) Close() error {
	w.batcher.close()
	return nil
}

// commitBatch runs the optimistic append protocol for one coalesced batch:
// reserve a position range from cached manifest state, upload the fragment
// under the reserved sequence number, then admit it with a conditional
// manifest write. Fragment uploads are themselves conditional, so a path
// another writer already claimed is never overwritten; a claimed path or a
// lost manifest race reloads the manifest and recomputes the reservation
// under the backoff policy. The upload is reused when the recomputed
// reservation is unchanged. All coalesced callers share one outcome.
func (w *LogWriter) commitBatch(reqs []*appendRequest) {
	ctx := context.Background()

	numRecords := 0
	for _, req := range reqs {
		numRecords += len(req.payloads)
	}

	var (
		uploaded bool
		res      reservation
		frag     manifest.Fragment
	)
	owned := make(map[string]struct{})
	bo := w.policy.newBackOff(ctx)

	for {
		if err := w.policy.wait(ctx); err != nil {
			w.fail(reqs, err)
			return
		}

		next, err := w.manager.reserve(ctx)
		if err != nil {
			w.fail(reqs, err)
			return
		}

		if !uploaded || next != res {
			newFrag, err := w.uploadBatch(ctx, reqs, next, numRecords, owned)
			if err != nil {
				if errors.Is(err, blobstore.ErrPreconditionFailed) {
					// Another writer holds this fragment path; its commit is
					// in flight or already durable. Reload and retry.
					w.manager.invalidate()
					d := bo.NextBackOff()
					if d == backoff.Stop {
						w.fail(reqs, fmt.Errorf("%w: %v", ErrLogContention, err))
						return
					}
					w.logger.Debug("fragment path occupied, retrying",
						"prefix", w.prefix, "seq_no", next.seqNo.String(), "backoff", d)
					time.Sleep(d)
					continue
				}
				w.fail(reqs, err)
				return
			}
			if uploaded && frag.Path != newFrag.Path {
				w.discardStale(ctx, frag, owned)
			}
			res, frag, uploaded = next, newFrag, true
		}

		err = w.manager.publish(ctx, frag)
		if err == nil {
			w.release(reqs, frag)
			w.notifyDirty(frag.Limit)
			return
		}
		if errors.Is(err, manifest.ErrWitnessMismatch) || errors.Is(err, manifest.ErrStaleReservation) {
			d := bo.NextBackOff()
			if d == backoff.Stop {
				w.fail(reqs, fmt.Errorf("%w: %v", ErrLogContention, err))
				return
			}
			w.logger.Debug("lost manifest race, retrying",
				"prefix", w.prefix, "seq_no", res.seqNo.String(), "backoff", d)
			time.Sleep(d)
			continue
		}
		w.fail(reqs, err)
		return
	}
}

// uploadBatch encodes one fragment for the whole batch and uploads it to the
// primary store and every replica before anything references it.
func (w *LogWriter) uploadBatch(ctx context.Context, reqs []*appendRequest, res reservation, numRecords int, owned map[string]struct{}) (manifest.Fragment, error) {
	records := make([]Record, 0, numRecords)
	pos := res.start
	for _, req := range reqs {
		for _, p := range req.payloads {
			records = append(records, Record{Position: pos, Data: p})
			pos++
		}
	}

	blob, sum, err := encodeFragment(records, w.opts.Compression, w.opts.CompressionLevel)
	if err != nil {
		return manifest.Fragment{}, err
	}

	fragPath := FragmentPath(w.prefix, res.seqNo)
	if err := uploadFragment(ctx, w.store, w.opts.Replicas, res.seqNo, fragPath, blob, owned); err != nil {
		return manifest.Fragment{}, err
	}

	return manifest.Fragment{
		Path:     fragPath,
		SeqNo:    res.seqNo,
		Start:    res.start,
		Limit:    pos,
		NumBytes: uint64(len(blob)),
		Setsum:   sum,
	}, nil
}

// blobKey identifies one destination of a fragment upload. The primary
// store's region is the empty string.
func blobKey(region, path string) string {
	return region + "\x00" + path
}

// uploadFragment fans the blob out to the primary store and every replica.
// The fragment is not durable until every region holds it. Every write is
// conditional on absence: a path that already exists belongs to another
// writer and surfaces ErrPreconditionFailed, never an overwrite. Destinations
// recorded in owned were created by an earlier attempt of the same commit and
// already hold these exact bytes, so they are skipped.
func uploadFragment(ctx context.Context, primary blobstore.Store, replicas []Replica, seqNo core.FragmentSeqNo, primaryPath string, blob []byte, owned map[string]struct{}) error {
	var mu sync.Mutex
	put := func(ctx context.Context, store blobstore.Store, region, path string) error {
		key := blobKey(region, path)
		mu.Lock()
		_, done := owned[key]
		mu.Unlock()
		if done {
			return nil
		}
		if _, err := store.PutIfAbsent(ctx, path, blob); err != nil {
			return err
		}
		mu.Lock()
		owned[key] = struct{}{}
		mu.Unlock()
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := put(gctx, primary, "", primaryPath); err != nil {
			return fmt.Errorf("failed to upload fragment: %w", err)
		}
		return nil
	})
	for _, rep := range replicas {
		rep := rep
		g.Go(func() error {
			if err := put(gctx, rep.Store, rep.Region, FragmentPath(rep.Prefix, seqNo)); err != nil {
				return fmt.Errorf("failed to replicate fragment to %s: %w", rep.Region, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// discardFragment deletes the blobs a fragment upload created, on the primary
// and every replica. Only destinations recorded in owned are touched; a blob
// that predates the upload belongs to someone else and stays.
func discardFragment(ctx context.Context, primary blobstore.Store, replicas []Replica, seqNo core.FragmentSeqNo, primaryPath string, owned map[string]struct{}) {
	if _, ok := owned[blobKey("", primaryPath)]; ok {
		delete(owned, blobKey("", primaryPath))
		_ = primary.Delete(ctx, primaryPath)
	}
	for _, rep := range replicas {
		path := FragmentPath(rep.Prefix, seqNo)
		if _, ok := owned[blobKey(rep.Region, path)]; ok {
			delete(owned, blobKey(rep.Region, path))
			_ = rep.Store.Delete(ctx, path)
		}
	}
}

// discardStale removes an upload stranded by a changed reservation. The
// blobs are deleted only when this commit created them and the reloaded
// manifest does not reference the fragment's path; anything else stays put.
func (w *LogWriter) discardStale(ctx context.Context, stale manifest.Fragment, owned map[string]struct{}) {
	if _, ok := owned[blobKey("", stale.Path)]; !ok {
		return
	}
	m, _, err := w.manager.current(ctx)
	if err != nil || referencesPath(m, stale.Path) {
		return
	}
	discardFragment(ctx, w.store, w.opts.Replicas, stale.SeqNo, stale.Path, owned)
}

func referencesPath(m *manifest.Manifest, path string) bool {
	for _, f := range m.Fragments {
		if f.Path == path {
			return true
		}
	}
	for _, s := range m.Snapshots {
		if s.Path == path {
			return true
		}
	}
	return false
}

// release hands each coalesced caller the base position of its own records.
func (w *LogWriter) release(reqs []*appendRequest, frag manifest.Fragment) {
	pos := frag.Start
	for _, req := range reqs {
		req.done <- appendResult{base: pos}
		pos += core.LogPosition(len(req.payloads))
	}
}

func (w *LogWriter) fail(reqs []*appendRequest, err error) {
	for _, req := range reqs {
		req.done <- appendResult{err: err}
	}
}

// notifyDirty invokes the best-effort post-commit hook. Failure or slowness
// never affects the append outcome.
func (w *LogWriter) notifyDirty(committed core.LogPosition) {
	if w.opts.DirtyNotifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.opts.DirtyNotifyTimeout)
	defer cancel()
	if err := w.opts.DirtyNotifier(ctx, committed); err != nil {
		w.logger.Warn("dirty notification lost", "prefix", w.prefix, "committed", committed.String(), "error", err)
	}
}
