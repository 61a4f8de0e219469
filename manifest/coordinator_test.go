package manifest

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/hupe1980/walstore/blobstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// coordinatorUnderTest runs the coordination contract both engines share.
func coordinatorUnderTest(t *testing.T, coord Coordinator) {
	t.Helper()
	ctx := context.Background()

	// Loading an uninitialized log fails typed.
	_, _, err := coord.Load(ctx)
	assert.ErrorIs(t, err, ErrUninitialized)

	// Init is exactly-once.
	require.NoError(t, coord.Init(ctx, NewManifest("writer-1")))
	assert.ErrorIs(t, coord.Init(ctx, NewManifest("writer-2")), ErrAlreadyInitialized)

	m, witness, err := coord.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "writer-1", m.Writer)

	// CAS with a fresh witness succeeds and returns a new witness.
	next, err := m.ApplyFragment(buildFragment(m, 4))
	require.NoError(t, err)
	witness2, err := coord.Install(ctx, witness, next)
	require.NoError(t, err)
	require.NotEqual(t, witness, witness2)

	// CAS with the stale witness loses.
	_, err = coord.Install(ctx, witness, next)
	assert.ErrorIs(t, err, ErrWitnessMismatch)

	// The winning install is visible.
	m2, witness3, err := coord.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, next, m2)
	assert.Equal(t, witness2, witness3)

	// Destroy removes the log entirely.
	require.NoError(t, coord.Destroy(ctx))
	_, _, err = coord.Load(ctx)
	assert.ErrorIs(t, err, ErrUninitialized)
}

func TestObjectCoordinator(t *testing.T) {
	coord := NewObjectCoordinator(blobstore.NewMemoryStore(), "logs/test")
	coordinatorUnderTest(t, coord)
}

func TestDDBCoordinator(t *testing.T) {
	coord := NewDDBCoordinator(blobstore.NewMemoryStore(), newFakeDDB(), "commits", "logs/test")
	coordinatorUnderTest(t, coord)
}

func TestNewCoordinator_Factory(t *testing.T) {
	store := blobstore.NewMemoryStore()

	coord, err := NewCoordinator(CoordinatorConfig{Store: store, Prefix: "logs/a"})
	require.NoError(t, err)
	assert.IsType(t, &ObjectCoordinator{}, coord)

	coord, err = NewCoordinator(CoordinatorConfig{
		Engine:         EngineDynamoDB,
		Store:          store,
		Prefix:         "logs/b",
		DynamoDBClient: newFakeDDB(),
		DynamoDBTable:  "commits",
	})
	require.NoError(t, err)
	assert.IsType(t, &DDBCoordinator{}, coord)

	_, err = NewCoordinator(CoordinatorConfig{Engine: EngineDynamoDB, Store: store})
	assert.Error(t, err)

	_, err = NewCoordinator(CoordinatorConfig{Engine: "etcd", Store: store})
	assert.Error(t, err)
}

// fakeDDB implements DDBClient with conditional-put semantics in memory.
type fakeDDB struct {
	mu    sync.Mutex
	items map[string]map[uint64]map[string]types.AttributeValue
}

func newFakeDDB() *fakeDDB {
	return &fakeDDB{items: make(map[string]map[uint64]map[string]types.AttributeValue)}
}

func (f *fakeDDB) PutItem(_ context.Context, params *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	prefix := params.Item["log_prefix"].(*types.AttributeValueMemberS).Value
	version, err := strconv.ParseUint(params.Item["version"].(*types.AttributeValueMemberN).Value, 10, 64)
	if err != nil {
		return nil, err
	}

	if f.items[prefix] == nil {
		f.items[prefix] = make(map[uint64]map[string]types.AttributeValue)
	}
	if _, exists := f.items[prefix][version]; exists {
		return nil, &types.ConditionalCheckFailedException{}
	}
	f.items[prefix][version] = params.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDDB) Query(_ context.Context, params *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	prefix := params.ExpressionAttributeValues[":prefix"].(*types.AttributeValueMemberS).Value
	versions := make([]uint64, 0, len(f.items[prefix]))
	for v := range f.items[prefix] {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] > versions[j] })

	out := &dynamodb.QueryOutput{}
	for _, v := range versions {
		out.Items = append(out.Items, f.items[prefix][v])
		if params.Limit != nil && len(out.Items) >= int(*params.Limit) {
			break
		}
	}
	return out, nil
}

func (f *fakeDDB) DeleteItem(_ context.Context, params *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	prefix := params.Key["log_prefix"].(*types.AttributeValueMemberS).Value
	version, err := strconv.ParseUint(params.Key["version"].(*types.AttributeValueMemberN).Value, 10, 64)
	if err != nil {
		return nil, err
	}
	delete(f.items[prefix], version)
	return &dynamodb.DeleteItemOutput{}, nil
}
