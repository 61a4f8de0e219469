package wal

import (
	"context"
	"log/slog"
	"time"

	"github.com/hupe1980/walstore/blobstore"
	"github.com/hupe1980/walstore/core"
	"github.com/hupe1980/walstore/manifest"
)

// Compression selects the fragment payload codec.
type Compression int

const (
	// CompressionZstd compresses fragment payloads with zstd. The default.
	CompressionZstd Compression = iota

	// CompressionLZ4 compresses fragment payloads with lz4. Faster, lighter
	// compression for latency-sensitive writers.
	CompressionLZ4

	// CompressionNone stores fragment payloads uncompressed.
	CompressionNone
)

// Replica binds a region identifier, a storage handle, and a path prefix.
// A writer configured with replicas uploads every fragment to each replica
// before the manifest admits it.
type Replica struct {
	Region string
	Store  blobstore.Store
	Prefix string
}

// DirtyNotifier is a best-effort hook invoked after each successful commit,
// typically to mark a collection dirty for downstream compaction. Its error
// never fails the append.
type DirtyNotifier func(ctx context.Context, committed core.LogPosition) error

// Options contains configuration for a log writer or reader.
type Options struct {
	// WriterName identifies this writer in manifests and cursors.
	WriterName string

	// Engine selects the manifest coordination engine.
	Engine manifest.Engine

	// Coordinator overrides the engine selection with a pre-built
	// coordinator, for externally-coordinated deployments.
	Coordinator manifest.Coordinator

	// Rollover bounds the manifest's inline fragment and snapshot counts.
	Rollover manifest.RolloverOptions

	// TargetThroughput is the aggregate append rate, in batches per second,
	// the backoff policy is tuned for. Writers throttle toward this rate
	// under contention instead of busy-looping on the manifest.
	TargetThroughput int

	// ReserveCapacity is the number of in-flight slots the backoff policy
	// assumes are available before throttling kicks in.
	ReserveCapacity int

	// BatchMaxRecords caps the records coalesced into one fragment.
	BatchMaxRecords int

	// BatchMaxBytes caps the payload bytes coalesced into one fragment.
	BatchMaxBytes int

	// Compression selects the fragment payload codec.
	Compression Compression

	// CompressionLevel sets the zstd compression level. Ignored for other
	// codecs.
	CompressionLevel int

	// Replicas are additional regions every fragment is uploaded to before
	// it is committed.
	Replicas []Replica

	// DirtyNotifier, if set, is invoked after each successful commit.
	DirtyNotifier DirtyNotifier

	// DirtyNotifyTimeout bounds the time spent waiting on the notifier.
	DirtyNotifyTimeout time.Duration

	// Logger receives structured diagnostics.
	Logger *slog.Logger
}

// DefaultOptions returns default log options.
var DefaultOptions = Options{
	WriterName:         "walstore",
	Engine:             manifest.EngineObject,
	TargetThroughput:   1000,
	ReserveCapacity:    64,
	BatchMaxRecords:    1024,
	BatchMaxBytes:      8 << 20,
	Compression:        CompressionZstd,
	CompressionLevel:   3,
	DirtyNotifyTimeout: time.Second,
}

func applyOptions(optFns []func(o *Options)) Options {
	opts := DefaultOptions
	opts.Rollover = manifest.DefaultRolloverOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}

// WithWriterName sets the writer identity recorded in manifests.
func WithWriterName(name string) func(o *Options) {
	return func(o *Options) { o.WriterName = name }
}

// WithEngine selects the manifest coordination engine.
func WithEngine(engine manifest.Engine) func(o *Options) {
	return func(o *Options) { o.Engine = engine }
}

// WithCoordinator supplies a pre-built manifest coordinator.
func WithCoordinator(coord manifest.Coordinator) func(o *Options) {
	return func(o *Options) { o.Coordinator = coord }
}

// WithRollover sets the manifest rollover thresholds.
func WithRollover(opts manifest.RolloverOptions) func(o *Options) {
	return func(o *Options) { o.Rollover = opts }
}

// WithThroughput tunes the contention backoff policy.
func WithThroughput(target, reserve int) func(o *Options) {
	return func(o *Options) {
		o.TargetThroughput = target
		o.ReserveCapacity = reserve
	}
}

// WithBatchLimits caps batch coalescing.
func WithBatchLimits(maxRecords, maxBytes int) func(o *Options) {
	return func(o *Options) {
		o.BatchMaxRecords = maxRecords
		o.BatchMaxBytes = maxBytes
	}
}

// WithCompression selects the fragment payload codec.
func WithCompression(c Compression) func(o *Options) {
	return func(o *Options) { o.Compression = c }
}

// WithReplicas sets the regions fragments are replicated to.
func WithReplicas(replicas ...Replica) func(o *Options) {
	return func(o *Options) { o.Replicas = replicas }
}

// WithDirtyNotifier installs the best-effort post-commit hook.
func WithDirtyNotifier(fn DirtyNotifier, timeout time.Duration) func(o *Options) {
	return func(o *Options) {
		o.DirtyNotifier = fn
		if timeout > 0 {
			o.DirtyNotifyTimeout = timeout
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) func(o *Options) {
	return func(o *Options) { o.Logger = logger }
}
