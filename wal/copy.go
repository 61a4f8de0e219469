package wal

import (
	"context"

	"github.com/hupe1980/walstore/core"
	"github.com/hupe1980/walstore/manifest"
)

// Copy builds an independent log at dstPrefix, on the same store, holding
// the source log's content from the given position onward. Fragments are
// re-referenced, not re-uploaded, so a fork costs one manifest write no
// matter how large the log is. Fails with ErrAlreadyInitialized if
// dstPrefix already holds a log.
//
// The copy shares fragment blobs with the source; garbage-collecting the
// source below the fork point invalidates them.
func Copy(ctx context.Context, reader *LogReader, dstPrefix string, from core.LogPosition, optFns ...func(o *Options)) error {
	opts := applyOptions(optFns)

	m, _, err := reader.coord.Load(ctx)
	if err != nil {
		return err
	}

	b := newScanBudget(DefaultLimits())
	var frags []manifest.Fragment
	if err := reader.collect(ctx, m.Snapshots, m.Fragments, from, b, &frags, nil); err != nil {
		return err
	}

	var out *manifest.Manifest
	if len(frags) == 0 {
		// Nothing live beyond the fork point; pin the frontier so the copy
		// continues the source's numbering.
		out = manifest.NewBootstrapManifest(opts.WriterName, m.MaxPosition(), m.NextFragmentSeqNo())
	} else {
		out = manifest.NewBootstrapManifest(opts.WriterName, frags[0].Start, frags[0].SeqNo)
		for _, f := range frags {
			if out, err = out.ApplyFragment(f); err != nil {
				return err
			}
		}
	}

	coord, err := buildCoordinator(opts, reader.store, dstPrefix)
	if err != nil {
		return err
	}
	return coord.Init(ctx, out)
}
