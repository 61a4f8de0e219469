package manifest

import "errors"

var (
	// ErrUninitialized is returned when loading a log that has never been
	// initialized or bootstrapped.
	ErrUninitialized = errors.New("manifest: log uninitialized")

	// ErrAlreadyInitialized is returned by Init when a manifest already
	// exists for the log.
	ErrAlreadyInitialized = errors.New("manifest: log already initialized")

	// ErrWitnessMismatch is returned by Install when the stored manifest has
	// moved since the witness was taken. The caller must reload, recompute,
	// and retry.
	ErrWitnessMismatch = errors.New("manifest: witness mismatch")

	// ErrStaleReservation is returned when a fragment computed against an
	// older manifest can no longer be applied; the reservation must be
	// recomputed from current state.
	ErrStaleReservation = errors.New("manifest: stale reservation")

	// ErrCorrupt is returned when a manifest or snapshot fails its internal
	// consistency checks.
	ErrCorrupt = errors.New("manifest: corrupt")
)
