// Package minio implements blobstore.Store for MinIO and other S3-compatible
// object stores. Conditional writes use the server's If-Match / If-None-Match
// PutObject preconditions.
package minio
