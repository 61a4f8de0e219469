// Package cursor provides durable, named, optimistically-versioned bookmarks.
//
// Consumers of a log, garbage collection foremost, record the lowest position
// they still need as a named Cursor. Cursors are versioned with an opaque
// Witness token returned on Init and Load and required on Save, so concurrent
// consumers never silently clobber each other's progress.
package cursor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/hupe1980/walstore/blobstore"
	"github.com/hupe1980/walstore/core"
)

var (
	// ErrNoSuchCursor is returned when loading or saving a cursor that was
	// never initialized.
	ErrNoSuchCursor = errors.New("cursor: no such cursor")

	// ErrCursorExists is returned by Init when the named cursor already
	// exists.
	ErrCursorExists = errors.New("cursor: cursor exists")

	// ErrCursorContention is returned by Save when the stored cursor has
	// moved since the witness was taken.
	ErrCursorContention = errors.New("cursor: witness mismatch")

	// ErrInvalidName is returned for cursor names outside [A-Za-z0-9_-]+.
	ErrInvalidName = errors.New("cursor: invalid name")
)

var validName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Name identifies a cursor within one log.
type Name string

// Valid reports whether the name is safe to use as a storage key component.
func (n Name) Valid() bool {
	return validName.MatchString(string(n))
}

// Witness is the optimistic-concurrency token for one version of a cursor.
type Witness blobstore.ETag

// Cursor is a consumer's durable bookmark.
type Cursor struct {
	Position    core.LogPosition `json:"position"`
	EpochMicros uint64           `json:"epoch_us"`
	Writer      string           `json:"writer"`
}

// Now returns the current time in the cursor's epoch encoding.
func Now() uint64 {
	return uint64(time.Now().UnixMicro())
}

// Store reads and writes cursors under a log's cursor/ subpath.
type Store struct {
	store  blobstore.Store
	prefix string
	writer string
}

// NewStore creates a cursor store for the log at prefix. writer names the
// owner recorded on saved cursors.
func NewStore(store blobstore.Store, prefix, writer string) *Store {
	return &Store{store: store, prefix: prefix, writer: writer}
}

// Prefix returns the storage prefix holding all of the log's cursors.
func Prefix(prefix string) string {
	return path.Join(prefix, "cursor") + "/"
}

func (s *Store) path(name Name) string {
	return path.Join(s.prefix, "cursor", string(name)+".json")
}

// Init creates a new named cursor. Fails with ErrCursorExists if the name is
// already taken.
func (s *Store) Init(ctx context.Context, name Name, c *Cursor) (Witness, error) {
	if !name.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	data, err := s.encode(c)
	if err != nil {
		return "", err
	}
	etag, err := s.store.PutIfAbsent(ctx, s.path(name), data)
	if err != nil {
		if errors.Is(err, blobstore.ErrPreconditionFailed) {
			return "", fmt.Errorf("%w: %q", ErrCursorExists, name)
		}
		return "", fmt.Errorf("failed to init cursor %q: %w", name, err)
	}
	return Witness(etag), nil
}

// Load reads a named cursor and its witness.
func (s *Store) Load(ctx context.Context, name Name) (*Cursor, Witness, error) {
	if !name.Valid() {
		return nil, "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	data, etag, err := s.store.Get(ctx, s.path(name))
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, "", fmt.Errorf("%w: %q", ErrNoSuchCursor, name)
		}
		return nil, "", fmt.Errorf("failed to load cursor %q: %w", name, err)
	}
	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, "", fmt.Errorf("failed to decode cursor %q: %w", name, err)
	}
	return &c, Witness(etag), nil
}

// Save updates a cursor, conditional on witness still naming the stored
// version. Saving a cursor that was never initialized fails with
// ErrNoSuchCursor: there is no safe way to invent a lower bound.
func (s *Store) Save(ctx context.Context, name Name, c *Cursor, witness Witness) (Witness, error) {
	if !name.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	data, err := s.encode(c)
	if err != nil {
		return "", err
	}
	etag, err := s.store.PutIfMatch(ctx, s.path(name), data, blobstore.ETag(witness))
	if err != nil {
		if errors.Is(err, blobstore.ErrPreconditionFailed) || errors.Is(err, blobstore.ErrNotFound) {
			// A rejected write means the cursor moved or vanished since the
			// caller loaded it. Check which, after the fact.
			if _, _, getErr := s.store.Get(ctx, s.path(name)); errors.Is(getErr, blobstore.ErrNotFound) {
				return "", fmt.Errorf("%w: %q", ErrNoSuchCursor, name)
			}
			return "", fmt.Errorf("%w: %q", ErrCursorContention, name)
		}
		return "", fmt.Errorf("failed to save cursor %q: %w", name, err)
	}
	return Witness(etag), nil
}

// List returns the names of every registered cursor, sorted.
func (s *Store) List(ctx context.Context) ([]Name, error) {
	keys, err := s.store.List(ctx, Prefix(s.prefix))
	if err != nil {
		return nil, fmt.Errorf("failed to list cursors: %w", err)
	}
	var names []Name
	for _, key := range keys {
		base := path.Base(key)
		if !strings.HasSuffix(base, ".json") {
			continue
		}
		name := Name(strings.TrimSuffix(base, ".json"))
		if name.Valid() {
			names = append(names, name)
		}
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names, nil
}

// Remove deletes a cursor.
func (s *Store) Remove(ctx context.Context, name Name) error {
	if !name.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return s.store.Delete(ctx, s.path(name))
}

func (s *Store) encode(c *Cursor) ([]byte, error) {
	stamped := *c
	if stamped.Writer == "" {
		stamped.Writer = s.writer
	}
	if stamped.EpochMicros == 0 {
		stamped.EpochMicros = Now()
	}
	return json.Marshal(&stamped)
}
