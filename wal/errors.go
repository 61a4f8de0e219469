package wal

import (
	"errors"

	"github.com/hupe1980/walstore/manifest"
)

var (
	// ErrUninitialized is returned when opening a log that was never
	// initialized or bootstrapped.
	ErrUninitialized = manifest.ErrUninitialized

	// ErrAlreadyInitialized is returned by Initialize and Bootstrap when the
	// log already exists.
	ErrAlreadyInitialized = manifest.ErrAlreadyInitialized

	// ErrClosed is returned for operations on a closed writer.
	ErrClosed = errors.New("wal: log closed")

	// ErrLogContention is returned when the manifest compare-and-swap kept
	// losing for longer than the backoff policy allows.
	ErrLogContention = errors.New("wal: log contention")

	// ErrGarbageCollection is returned when a destructive operation finds
	// storage in a state it does not fully understand, for example a foreign
	// object under the log's prefix. The operation refuses rather than guess.
	ErrGarbageCollection = errors.New("wal: garbage collection wedged")

	// ErrCorruptFragment is returned when a fragment blob fails its checksum
	// or structural checks.
	ErrCorruptFragment = errors.New("wal: corrupt fragment")
)
