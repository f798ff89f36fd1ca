package s3

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/hupe1980/segidx/blobstore"
)

// DefaultCommitPrefix is the name prefix of commit descriptor files.
const DefaultCommitPrefix = "segments_"

// DDBCommitStore implements blobstore.BlobStore on S3 with DynamoDB as the
// authority for which commit descriptors exist.
//
// Renaming a file into a commit name (segments_N) registers generation N with a
// conditional write. If another writer already published N, the rename fails with
// ErrConcurrentModification and the copied object stays invisible: List and Open
// only expose commit objects that are registered.
//
// Table schema:
//   - Partition key: base_uri (string) - the S3 bucket/prefix
//   - Sort key: generation (number)
//
// Create table with:
//
//	aws dynamodb create-table \
//	  --table-name segidx-commits \
//	  --attribute-definitions AttributeName=base_uri,AttributeType=S AttributeName=generation,AttributeType=N \
//	  --key-schema AttributeName=base_uri,KeyType=HASH AttributeName=generation,KeyType=RANGE \
//	  --billing-mode PAY_PER_REQUEST
type DDBCommitStore struct {
	s3Store      *Store
	ddbClient    DDBClient
	tableName    string
	baseURI      string
	commitPrefix string
}

// DDBClient is the interface for DynamoDB operations.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// ErrConcurrentModification is returned when another writer published the same commit generation.
var ErrConcurrentModification = errors.New("concurrent modification detected")

// NewDDBCommitStore creates a new S3+DynamoDB commit store.
// baseURI identifies the index, typically "s3://bucket/prefix".
func NewDDBCommitStore(s3Store *Store, ddbClient DDBClient, tableName, baseURI string) *DDBCommitStore {
	return &DDBCommitStore{
		s3Store:      s3Store,
		ddbClient:    ddbClient,
		tableName:    tableName,
		baseURI:      baseURI,
		commitPrefix: DefaultCommitPrefix,
	}
}

func (s *DDBCommitStore) commitGeneration(name string) (int64, bool) {
	if !strings.HasPrefix(name, s.commitPrefix) {
		return 0, false
	}
	gen, err := strconv.ParseInt(strings.TrimPrefix(name, s.commitPrefix), 10, 64)
	if err != nil {
		return 0, false
	}
	return gen, true
}

// Open opens a blob. Unregistered commit objects are reported as missing.
func (s *DDBCommitStore) Open(ctx context.Context, name string) (blobstore.Blob, error) {
	if gen, ok := s.commitGeneration(name); ok {
		registered, err := s.generations(ctx)
		if err != nil {
			return nil, err
		}
		if _, ok := registered[gen]; !ok {
			return nil, blobstore.ErrNotFound
		}
	}
	return s.s3Store.Open(ctx, name)
}

// Create creates a writable blob.
func (s *DDBCommitStore) Create(ctx context.Context, name string) (blobstore.WritableBlob, error) {
	return s.s3Store.Create(ctx, name)
}

// Put writes a blob. Commit names are registered before the object is written
// so a losing writer never overwrites a published commit.
func (s *DDBCommitStore) Put(ctx context.Context, name string, data []byte) error {
	gen, ok := s.commitGeneration(name)
	if !ok {
		return s.s3Store.Put(ctx, name, data)
	}
	if err := s.register(ctx, gen, name); err != nil {
		return err
	}
	if err := s.s3Store.Put(ctx, name, data); err != nil {
		s.unregister(ctx, gen)
		return err
	}
	return nil
}

// Delete deletes a blob and unregisters commit generations.
func (s *DDBCommitStore) Delete(ctx context.Context, name string) error {
	if err := s.s3Store.Delete(ctx, name); err != nil {
		return err
	}
	if gen, ok := s.commitGeneration(name); ok {
		if err := s.deleteItem(ctx, gen); err != nil {
			return fmt.Errorf("failed to unregister commit %d: %w", gen, err)
		}
	}
	return nil
}

// List lists blobs, hiding commit objects that were never registered.
func (s *DDBCommitStore) List(ctx context.Context, prefix string) ([]string, error) {
	names, err := s.s3Store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}

	var registered map[int64]struct{}
	out := names[:0]
	for _, name := range names {
		if gen, ok := s.commitGeneration(name); ok {
			if registered == nil {
				if registered, err = s.generations(ctx); err != nil {
					return nil, err
				}
			}
			if _, ok := registered[gen]; !ok {
				continue
			}
		}
		out = append(out, name)
	}
	return out, nil
}

// Rename registers commit names first, then copies the object.
func (s *DDBCommitStore) Rename(ctx context.Context, oldName, newName string) error {
	gen, isCommit := s.commitGeneration(newName)
	if !isCommit {
		return s.s3Store.Rename(ctx, oldName, newName)
	}
	if err := s.register(ctx, gen, newName); err != nil {
		return err
	}
	if err := s.s3Store.Rename(ctx, oldName, newName); err != nil {
		s.unregister(ctx, gen)
		return err
	}
	return nil
}

// Sync is a no-op.
func (s *DDBCommitStore) Sync(ctx context.Context, names []string) error {
	return s.s3Store.Sync(ctx, names)
}

// generations returns every registered commit generation of this index.
func (s *DDBCommitStore) generations(ctx context.Context) (map[int64]struct{}, error) {
	out := make(map[int64]struct{})

	var startKey map[string]types.AttributeValue
	for {
		resp, err := s.ddbClient.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.tableName),
			KeyConditionExpression: aws.String("base_uri = :uri"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":uri": &types.AttributeValueMemberS{Value: s.baseURI},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to query DynamoDB: %w", err)
		}

		for _, item := range resp.Items {
			attr, ok := item["generation"].(*types.AttributeValueMemberN)
			if !ok {
				return nil, errors.New("invalid generation attribute in DynamoDB")
			}
			gen, err := strconv.ParseInt(attr.Value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("failed to parse generation: %w", err)
			}
			out[gen] = struct{}{}
		}

		if len(resp.LastEvaluatedKey) == 0 {
			return out, nil
		}
		startKey = resp.LastEvaluatedKey
	}
}

// register publishes generation gen with a conditional write.
func (s *DDBCommitStore) register(ctx context.Context, gen int64, name string) error {
	_, err := s.ddbClient.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]types.AttributeValue{
			"base_uri":    &types.AttributeValueMemberS{Value: s.baseURI},
			"generation":  &types.AttributeValueMemberN{Value: strconv.FormatInt(gen, 10)},
			"commit_file": &types.AttributeValueMemberS{Value: name},
		},
		ConditionExpression: aws.String("attribute_not_exists(generation)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return fmt.Errorf("commit generation %d: %w", gen, ErrConcurrentModification)
		}
		return fmt.Errorf("failed to register commit %d: %w", gen, err)
	}
	return nil
}

func (s *DDBCommitStore) deleteItem(ctx context.Context, gen int64) error {
	_, err := s.ddbClient.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"base_uri":   &types.AttributeValueMemberS{Value: s.baseURI},
			"generation": &types.AttributeValueMemberN{Value: strconv.FormatInt(gen, 10)},
		},
	})
	return err
}

// unregister rolls back a registration whose object write failed.
func (s *DDBCommitStore) unregister(ctx context.Context, gen int64) {
	_ = s.deleteItem(ctx, gen)
}
