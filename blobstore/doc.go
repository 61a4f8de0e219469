// Package blobstore provides the object-storage abstraction the log is built
// on: immutable blobs plus conditional writes.
//
// Store is the interface for reading and writing blobs. The log never trusts
// an unconditional write for coordination; every mutation of a shared object
// goes through PutIfAbsent or PutIfMatch, keyed on the ETag returned by a
// prior read. Implementations must be safe for concurrent use.
//
// # Built-in Implementations
//
//   - MemoryStore: In-memory store with versioned ETags, for tests
//   - LocalStore: Local filesystem, single-process conditional writes
//   - s3.Store: Amazon S3 using If-Match / If-None-Match conditional puts
//   - minio.Store: MinIO and other S3-compatible servers
package blobstore
