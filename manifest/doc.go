// Package manifest defines the metadata model of a log and its
// optimistic-concurrency coordination against durable storage.
//
// A Manifest is the single mutable root object describing a log's live
// content: an ordered list of Fragments (immutable uploaded record batches)
// and an ordered list of SnapshotPointers (immutable collapses of older
// fragments and snapshots that bound manifest size). Every mutation of the
// manifest is a full compare-and-swap keyed on a Witness token obtained at
// read time; a writer holding a stale witness discards its computation and
// recomputes rather than forcing an overwrite.
//
// Two interchangeable Coordinator engines implement the compare-and-swap:
// ObjectCoordinator uses the object store's native conditional put, and
// DDBCoordinator layers DynamoDB conditional writes over blob storage for
// deployments where the object store's own concurrency control is not strong
// enough (multi-region replication).
package manifest
