// Package s3 implements blobstore.Store for Amazon S3.
//
// Conditional writes use the If-None-Match / If-Match request preconditions
// that S3 general purpose buckets support for PutObject, which is what makes
// the manifest compare-and-swap protocol safe with the bare object store.
// Large unconditional uploads (fragments) stream through the SDK's parallel
// upload manager.
package s3
