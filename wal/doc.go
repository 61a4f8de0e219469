// Package wal implements a replicated append-only log on top of object
// storage.
//
// Records are appended through a LogWriter, which coalesces concurrent
// callers into batches, uploads each batch as one immutable fragment blob,
// and then admits the fragment into the log's manifest with a conditional
// write. The manifest is the log's only mutable object and its conditional
// write is the only serialization point: multiple writer processes race
// freely and the storage layer linearizes them.
//
// A LogReader scans committed fragments by position, expanding the
// manifest's snapshot hierarchy as needed, and can scrub the entire log
// against its order-independent setsum checksum. Garbage collection trims
// fragments below the minimum position still guarded by a registered
// cursor.
package wal
