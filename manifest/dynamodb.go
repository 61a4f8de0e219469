package manifest

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/hupe1980/walstore/blobstore"
)

// DDBClient is the subset of the DynamoDB API the coordinator uses.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DDBCoordinator implements Coordinator with DynamoDB as the linearization
// point. Manifest content is written to uniquely-named blobs in the object
// store; DynamoDB conditional writes atomically advance the current-version
// pointer. This is the engine for deployments where object-store conditional
// put is not strong enough, e.g. fragments replicated across regions whose
// stores do not share a consistency domain.
//
// Table schema:
//   - Partition key: log_prefix (string) - the log's storage prefix
//   - Sort key: version (number) - monotonically increasing version
//   - Attribute: manifest_path (string) - blob holding that version
type DDBCoordinator struct {
	store  blobstore.Store
	client DDBClient
	table  string
	prefix string
}

// NewDDBCoordinator creates a new DynamoDB-coordinated manifest manager.
func NewDDBCoordinator(store blobstore.Store, client DDBClient, table, prefix string) *DDBCoordinator {
	return &DDBCoordinator{
		store:  store,
		client: client,
		table:  table,
		prefix: prefix,
	}
}

// blobPath returns a fresh storage key for one install attempt. The nonce
// keeps a stale writer's upload from clobbering the blob a committed version
// already points at.
func (c *DDBCoordinator) blobPath(version uint64) string {
	var nonce [8]byte
	_, _ = rand.Read(nonce[:])
	return path.Join(c.prefix, "manifest",
		fmt.Sprintf("MANIFEST-%016d-%s.json", version, hex.EncodeToString(nonce[:])))
}

// Init atomically creates the manifest as version 1.
func (c *DDBCoordinator) Init(ctx context.Context, m *Manifest) error {
	if err := c.writeVersion(ctx, 1, m); err != nil {
		if errors.Is(err, ErrWitnessMismatch) {
			return ErrAlreadyInitialized
		}
		return err
	}
	return nil
}

// Load queries the latest committed version and reads the blob it points at.
func (c *DDBCoordinator) Load(ctx context.Context) (*Manifest, Witness, error) {
	version, blobPath, err := c.latestVersion(ctx)
	if err != nil {
		return nil, "", err
	}
	if version == 0 {
		return nil, "", ErrUninitialized
	}

	data, _, err := c.store.Get(ctx, blobPath)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load manifest version %d: %w", version, err)
	}
	m, err := Decode(data)
	if err != nil {
		return nil, "", err
	}
	return m, Witness(strconv.FormatUint(version, 10)), nil
}

// Install writes the next version's blob and conditionally commits the
// version pointer. Exactly one writer can commit any given version.
func (c *DDBCoordinator) Install(ctx context.Context, witness Witness, m *Manifest) (Witness, error) {
	current, err := strconv.ParseUint(string(witness), 10, 64)
	if err != nil {
		return "", fmt.Errorf("manifest: malformed witness %q: %w", witness, err)
	}
	next := current + 1
	if err := c.writeVersion(ctx, next, m); err != nil {
		return "", err
	}
	return Witness(strconv.FormatUint(next, 10)), nil
}

// Destroy removes the version pointers and every manifest blob.
func (c *DDBCoordinator) Destroy(ctx context.Context) error {
	for {
		version, _, err := c.latestVersion(ctx)
		if err != nil {
			return err
		}
		if version == 0 {
			break
		}
		_, err = c.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(c.table),
			Key: map[string]types.AttributeValue{
				"log_prefix": &types.AttributeValueMemberS{Value: c.prefix},
				"version":    &types.AttributeValueMemberN{Value: strconv.FormatUint(version, 10)},
			},
		})
		if err != nil {
			return fmt.Errorf("failed to delete manifest version %d: %w", version, err)
		}
	}

	blobs, err := c.store.List(ctx, path.Join(c.prefix, "manifest")+"/")
	if err != nil {
		return err
	}
	for _, name := range blobs {
		if err := c.store.Delete(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// latestVersion queries DynamoDB for the newest committed version, or 0.
func (c *DDBCoordinator) latestVersion(ctx context.Context) (uint64, string, error) {
	resp, err := c.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.table),
		KeyConditionExpression: aws.String("log_prefix = :prefix"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":prefix": &types.AttributeValueMemberS{Value: c.prefix},
		},
		ScanIndexForward: aws.Bool(false), // Descending order
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return 0, "", fmt.Errorf("failed to query manifest versions: %w", err)
	}
	if len(resp.Items) == 0 {
		return 0, "", nil
	}

	versionAttr, ok := resp.Items[0]["version"].(*types.AttributeValueMemberN)
	if !ok {
		return 0, "", errors.New("manifest: invalid version attribute")
	}
	pathAttr, ok := resp.Items[0]["manifest_path"].(*types.AttributeValueMemberS)
	if !ok {
		return 0, "", errors.New("manifest: invalid manifest_path attribute")
	}
	version, err := strconv.ParseUint(versionAttr.Value, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("manifest: failed to parse version: %w", err)
	}
	return version, pathAttr.Value, nil
}

// writeVersion uploads the manifest blob for version and conditionally
// records the version item. A lost race surfaces as ErrWitnessMismatch.
func (c *DDBCoordinator) writeVersion(ctx context.Context, version uint64, m *Manifest) error {
	data, err := m.Encode()
	if err != nil {
		return err
	}
	blobPath := c.blobPath(version)
	if err := c.store.Put(ctx, blobPath, data); err != nil {
		return fmt.Errorf("failed to write manifest version %d: %w", version, err)
	}

	_, err = c.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.table),
		Item: map[string]types.AttributeValue{
			"log_prefix":    &types.AttributeValueMemberS{Value: c.prefix},
			"version":       &types.AttributeValueMemberN{Value: strconv.FormatUint(version, 10)},
			"manifest_path": &types.AttributeValueMemberS{Value: blobPath},
		},
		ConditionExpression: aws.String("attribute_not_exists(version)"),
	})
	if err != nil {
		// The orphaned blob is reclaimed by Destroy; it is never pointed at.
		var cond *types.ConditionalCheckFailedException
		if errors.As(err, &cond) {
			return ErrWitnessMismatch
		}
		return fmt.Errorf("failed to commit manifest version %d: %w", version, err)
	}
	return nil
}
