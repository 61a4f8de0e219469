package blobstore

import (
	"context"
	"errors"
	"os"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations should return an error that satisfies
// `errors.Is(err, ErrNotFound)`. The default maps to `os.ErrNotExist`.
var ErrNotFound = os.ErrNotExist

// ErrPreconditionFailed is returned by conditional writes when the target
// blob's current state does not match the expectation: the blob already
// exists for PutIfAbsent, or its ETag has moved for PutIfMatch.
var ErrPreconditionFailed = errors.New("blobstore: precondition failed")

// ETag identifies one version of a blob. A fresh ETag is returned on every
// read and successful write, and is required to commit a conditional
// overwrite. ETags are opaque; they are only ever compared by the store
// that issued them.
type ETag string

// Store is an abstraction for accessing blobs with conditional-write
// concurrency control.
type Store interface {
	// Get reads a blob and returns its content and current ETag.
	Get(ctx context.Context, name string) ([]byte, ETag, error)

	// Put writes a blob unconditionally. Used only for objects where a
	// racing writer produces an equivalent result, like garbage
	// descriptors recomputed from the same manifest.
	Put(ctx context.Context, name string, data []byte) error

	// PutIfAbsent writes a blob only if it does not already exist.
	// Returns ErrPreconditionFailed if it does.
	PutIfAbsent(ctx context.Context, name string, data []byte) (ETag, error)

	// PutIfMatch overwrites a blob only if its current ETag equals etag.
	// Returns ErrPreconditionFailed if the blob has moved or vanished.
	PutIfMatch(ctx context.Context, name string, data []byte, etag ETag) (ETag, error)

	// List returns the names of all blobs with the given prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)

	// Copy duplicates a blob server-side.
	Copy(ctx context.Context, src, dst string) error

	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, name string) error
}
