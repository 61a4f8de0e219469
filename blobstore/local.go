package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// LocalStore implements Store using the local file system.
//
// Conditional writes are serialized by an in-process mutex with ETags derived
// from content hashes. That is sufficient for development and embedded use,
// but it does not protect against a second process writing the same
// directory; production deployments should use an object-store backend.
type LocalStore struct {
	mu   sync.Mutex
	root string
}

// NewLocalStore creates a new LocalStore rooted at the given directory.
func NewLocalStore(root string) *LocalStore {
	return &LocalStore{root: root}
}

func (s *LocalStore) path(name string) string {
	return filepath.Join(s.root, filepath.FromSlash(name))
}

// Get reads a blob and its current ETag.
func (s *LocalStore) Get(_ context.Context, name string) ([]byte, ETag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, "", ErrNotFound
		}
		return nil, "", err
	}
	return data, contentETag(data), nil
}

// Put writes a blob unconditionally via temp-file rename.
func (s *LocalStore) Put(_ context.Context, name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.write(name, data)
}

// PutIfAbsent writes a blob only if it does not exist.
func (s *LocalStore) PutIfAbsent(_ context.Context, name string, data []byte) (ETag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.path(name)); err == nil {
		return "", ErrPreconditionFailed
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}
	if err := s.write(name, data); err != nil {
		return "", err
	}
	return contentETag(data), nil
}

// PutIfMatch overwrites a blob only if its ETag still matches.
func (s *LocalStore) PutIfMatch(_ context.Context, name string, data []byte, etag ETag) (ETag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := os.ReadFile(s.path(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrPreconditionFailed
		}
		return "", err
	}
	if contentETag(current) != etag {
		return "", ErrPreconditionFailed
	}
	if err := s.write(name, data); err != nil {
		return "", err
	}
	return contentETag(data), nil
}

// List returns all blob names matching the prefix, sorted.
func (s *LocalStore) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var names []string
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// Copy duplicates a blob.
func (s *LocalStore) Copy(ctx context.Context, src, dst string) error {
	data, _, err := s.Get(ctx, src)
	if err != nil {
		return err
	}
	return s.Put(ctx, dst, data)
}

// Delete removes a blob.
func (s *LocalStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(name))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// write stores data via temp-file rename so readers never observe a partial
// blob. Caller holds s.mu.
func (s *LocalStore) write(name string, data []byte) error {
	target := s.path(name)
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return fmt.Errorf("failed to create blob directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), target)
}

func contentETag(data []byte) ETag {
	h := sha256.Sum256(data)
	return ETag(hex.EncodeToString(h[:16]))
}
