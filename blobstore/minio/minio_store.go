package minio

import (
	"bytes"
	"context"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/hupe1980/walstore/blobstore"
	"github.com/minio/minio-go/v7"
)

// Store implements blobstore.Store for MinIO and S3-compatible storage.
type Store struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewStore creates a new MinIO blob store.
// bucket is the MinIO bucket name.
// rootPrefix is prepended to all keys (e.g. "logs/").
func NewStore(client *minio.Client, bucket, rootPrefix string) *Store {
	return &Store{
		client: client,
		bucket: bucket,
		prefix: rootPrefix,
	}
}

func (s *Store) key(name string) string {
	return path.Join(s.prefix, name)
}

// Get reads a blob and its current ETag.
func (s *Store) Get(ctx context.Context, name string) ([]byte, blobstore.ETag, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.key(name), minio.GetObjectOptions{})
	if err != nil {
		return nil, "", err
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if isNotFound(err) {
			return nil, "", blobstore.ErrNotFound
		}
		return nil, "", err
	}
	info, err := obj.Stat()
	if err != nil {
		if isNotFound(err) {
			return nil, "", blobstore.ErrNotFound
		}
		return nil, "", err
	}
	return data, blobstore.ETag(info.ETag), nil
}

// Put writes a blob unconditionally.
func (s *Store) Put(ctx context.Context, name string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, s.key(name),
		bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{})
	return err
}

// PutIfAbsent writes a blob only if the key does not already exist.
func (s *Store) PutIfAbsent(ctx context.Context, name string, data []byte) (blobstore.ETag, error) {
	opts := minio.PutObjectOptions{}
	opts.SetMatchETagExcept("*")

	info, err := s.client.PutObject(ctx, s.bucket, s.key(name),
		bytes.NewReader(data), int64(len(data)), opts)
	if err != nil {
		if isPreconditionFailure(err) {
			return "", blobstore.ErrPreconditionFailed
		}
		return "", err
	}
	return blobstore.ETag(info.ETag), nil
}

// PutIfMatch overwrites a blob only if its ETag still matches.
func (s *Store) PutIfMatch(ctx context.Context, name string, data []byte, etag blobstore.ETag) (blobstore.ETag, error) {
	opts := minio.PutObjectOptions{}
	opts.SetMatchETag(string(etag))

	info, err := s.client.PutObject(ctx, s.bucket, s.key(name),
		bytes.NewReader(data), int64(len(data)), opts)
	if err != nil {
		if isPreconditionFailure(err) {
			return "", blobstore.ErrPreconditionFailed
		}
		return "", err
	}
	return blobstore.ETag(info.ETag), nil
}

// List returns all blob names with the given prefix, sorted.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	fullPrefix := s.key(prefix)

	var names []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    fullPrefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		name := strings.TrimPrefix(obj.Key, s.prefix)
		name = strings.TrimPrefix(name, "/")
		if name != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Copy duplicates a blob server-side.
func (s *Store) Copy(ctx context.Context, src, dst string) error {
	_, err := s.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: s.bucket, Object: s.key(dst)},
		minio.CopySrcOptions{Bucket: s.bucket, Object: s.key(src)},
	)
	return err
}

// Delete removes a blob.
func (s *Store) Delete(ctx context.Context, name string) error {
	err := s.client.RemoveObject(ctx, s.bucket, s.key(name), minio.RemoveObjectOptions{})
	if err != nil && !isNotFound(err) {
		return err
	}
	return nil
}

func isNotFound(err error) bool {
	errResp := minio.ToErrorResponse(err)
	return errResp.Code == "NoSuchKey" || errResp.Code == "NotFound"
}

func isPreconditionFailure(err error) bool {
	errResp := minio.ToErrorResponse(err)
	return errResp.Code == "PreconditionFailed" || errResp.Code == "ConditionalRequestConflict"
}
