package manifest

import (
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/walstore/blobstore"
)

// Witness is the optimistic-concurrency token identifying one version of a
// stored manifest. It is returned by Load and required by Install; an
// Install holding a stale witness fails with ErrWitnessMismatch.
type Witness string

// Coordinator owns read and compare-and-swap write of a log's manifest.
// It is the log's only linearization point: fragment and snapshot blobs are
// immutable and need no coordination.
type Coordinator interface {
	// Init atomically creates the manifest. Fails with ErrAlreadyInitialized
	// if the log already exists.
	Init(ctx context.Context, m *Manifest) error

	// Load reads the current manifest and its witness.
	// Fails with ErrUninitialized if the log does not exist.
	Load(ctx context.Context) (*Manifest, Witness, error)

	// Install replaces the manifest, conditional on witness still naming the
	// current version. Fails with ErrWitnessMismatch when another writer
	// committed first.
	Install(ctx context.Context, witness Witness, m *Manifest) (Witness, error)

	// Destroy removes the manifest and any engine-private state.
	Destroy(ctx context.Context) error
}

// Engine selects a coordinator implementation.
type Engine string

const (
	// EngineObject uses the object store's native conditional put. The
	// default for single-region deployments.
	EngineObject Engine = "object"

	// EngineDynamoDB layers DynamoDB conditional writes over blob storage,
	// for multi-region deployments where object-store conditional put alone
	// is not strong enough.
	EngineDynamoDB Engine = "dynamodb"
)

// CoordinatorConfig selects and parameterizes a coordinator engine.
type CoordinatorConfig struct {
	Engine Engine
	Store  blobstore.Store
	Prefix string

	// DynamoDB configuration, required for EngineDynamoDB.
	DynamoDBClient DDBClient
	DynamoDBTable  string
}

// NewCoordinator constructs the configured engine. Engines are selected here,
// at construction time, and are drop-in substitutable behind the Coordinator
// contract.
func NewCoordinator(cfg CoordinatorConfig) (Coordinator, error) {
	switch cfg.Engine {
	case EngineObject, "":
		return NewObjectCoordinator(cfg.Store, cfg.Prefix), nil
	case EngineDynamoDB:
		if cfg.DynamoDBClient == nil || cfg.DynamoDBTable == "" {
			return nil, errors.New("manifest: dynamodb engine requires a client and table")
		}
		return NewDDBCoordinator(cfg.Store, cfg.DynamoDBClient, cfg.DynamoDBTable, cfg.Prefix), nil
	default:
		return nil, fmt.Errorf("manifest: unknown coordinator engine %q", cfg.Engine)
	}
}

// ObjectCoordinator implements Coordinator with the object store's native
// conditional put: the manifest lives at a fixed key and every Install is a
// PutIfMatch keyed on the ETag observed at Load.
type ObjectCoordinator struct {
	store  blobstore.Store
	prefix string
}

// NewObjectCoordinator creates a coordinator storing the manifest at
// ManifestPath(prefix).
func NewObjectCoordinator(store blobstore.Store, prefix string) *ObjectCoordinator {
	return &ObjectCoordinator{store: store, prefix: prefix}
}

// Init atomically creates the manifest.
func (c *ObjectCoordinator) Init(ctx context.Context, m *Manifest) error {
	data, err := m.Encode()
	if err != nil {
		return err
	}
	if _, err := c.store.PutIfAbsent(ctx, ManifestPath(c.prefix), data); err != nil {
		if errors.Is(err, blobstore.ErrPreconditionFailed) {
			return ErrAlreadyInitialized
		}
		return fmt.Errorf("failed to initialize manifest: %w", err)
	}
	return nil
}

// Load reads the current manifest and witness.
func (c *ObjectCoordinator) Load(ctx context.Context) (*Manifest, Witness, error) {
	data, etag, err := c.store.Get(ctx, ManifestPath(c.prefix))
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, "", ErrUninitialized
		}
		return nil, "", fmt.Errorf("failed to load manifest: %w", err)
	}
	m, err := Decode(data)
	if err != nil {
		return nil, "", err
	}
	return m, Witness(etag), nil
}

// Install replaces the manifest via conditional put.
func (c *ObjectCoordinator) Install(ctx context.Context, witness Witness, m *Manifest) (Witness, error) {
	data, err := m.Encode()
	if err != nil {
		return "", err
	}
	etag, err := c.store.PutIfMatch(ctx, ManifestPath(c.prefix), data, blobstore.ETag(witness))
	if err != nil {
		if errors.Is(err, blobstore.ErrPreconditionFailed) {
			return "", ErrWitnessMismatch
		}
		return "", fmt.Errorf("failed to install manifest: %w", err)
	}
	return Witness(etag), nil
}

// Destroy removes the manifest.
func (c *ObjectCoordinator) Destroy(ctx context.Context) error {
	return c.store.Delete(ctx, ManifestPath(c.prefix))
}
