package namespace

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/tunnelmesh/blobmesh/internal/config"
)

// DDBClient is the subset of the DynamoDB API used by DynamoDurable.
type DDBClient interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// DynamoDurable stores one item per namespace key in a DynamoDB table. A
// numeric version attribute is the precondition token.
//
// Table schema:
//   - Partition key: pk (string) - "container|blob|snapshot"
//
// Create table with:
//
//	aws dynamodb create-table \
//	  --table-name blobmesh-namespace \
//	  --attribute-definitions AttributeName=pk,AttributeType=S \
//	  --key-schema AttributeName=pk,KeyType=HASH \
//	  --billing-mode PAY_PER_REQUEST
type DynamoDurable struct {
	client DDBClient
	table  string
}

// NewDynamoDurable returns a DynamoDurable over table.
func NewDynamoDurable(client DDBClient, table string) *DynamoDurable {
	return &DynamoDurable{client: client, table: table}
}

// NewDynamoDBClient builds a DynamoDB client from the default AWS credential
// chain, honouring the configured region and endpoint override.
func NewDynamoDBClient(ctx context.Context, cfg config.DynamoDBConfig) (*dynamodb.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

const (
	attrPK        = "pk"
	attrAccount   = "account"
	attrContainer = "container"
	attrBlob      = "blob"
	attrSnapshot  = "snapshot"
	attrDeleted   = "deleted"
	attrReplicas  = "replicas"
	attrVersion   = "version"
)

// Get implements Durable.
func (d *DynamoDurable) Get(ctx context.Context, key Key) (*Entry, error) {
	resp, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.table),
		Key: map[string]types.AttributeValue{
			attrPK: &types.AttributeValueMemberS{Value: key.String()},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamodb get: %w", err)
	}
	if len(resp.Item) == 0 {
		return nil, ErrNotFound
	}

	item := resp.Item
	versionAttr, ok := item[attrVersion].(*types.AttributeValueMemberN)
	if !ok {
		return nil, errors.New("invalid version attribute in DynamoDB")
	}
	accountAttr, ok := item[attrAccount].(*types.AttributeValueMemberS)
	if !ok {
		return nil, errors.New("invalid account attribute in DynamoDB")
	}

	e := &Entry{Key: key, Account: accountAttr.Value}
	if del, ok := item[attrDeleted].(*types.AttributeValueMemberBOOL); ok {
		e.MarkedForDeletion = del.Value
	}
	if reps, ok := item[attrReplicas].(*types.AttributeValueMemberL); ok {
		for _, v := range reps.Value {
			if s, ok := v.(*types.AttributeValueMemberS); ok {
				e.Replicas = append(e.Replicas, s.Value)
			}
		}
	}
	e.setStored(versionAttr.Value)
	return e, nil
}

// Put implements Durable.
func (d *DynamoDurable) Put(ctx context.Context, e *Entry) (string, error) {
	var (
		next      uint64 = 1
		condition        = "attribute_not_exists(" + attrPK + ")"
		values    map[string]types.AttributeValue
	)
	if e.token != "" {
		current, err := strconv.ParseUint(e.token, 10, 64)
		if err != nil {
			return "", fmt.Errorf("invalid version token %q: %w", e.token, err)
		}
		next = current + 1
		condition = attrVersion + " = :v"
		values = map[string]types.AttributeValue{
			":v": &types.AttributeValueMemberN{Value: e.token},
		}
	}

	item := map[string]types.AttributeValue{
		attrPK:        &types.AttributeValueMemberS{Value: e.Key.String()},
		attrAccount:   &types.AttributeValueMemberS{Value: e.Account},
		attrContainer: &types.AttributeValueMemberS{Value: e.Container},
		attrBlob:      &types.AttributeValueMemberS{Value: e.Blob},
		attrDeleted:   &types.AttributeValueMemberBOOL{Value: e.MarkedForDeletion},
		attrVersion:   &types.AttributeValueMemberN{Value: strconv.FormatUint(next, 10)},
	}
	if e.Snapshot != "" {
		item[attrSnapshot] = &types.AttributeValueMemberS{Value: e.Snapshot}
	}
	// Ordered list, not SS.
	if len(e.Replicas) > 0 {
		reps := make([]types.AttributeValue, len(e.Replicas))
		for i, r := range e.Replicas {
			reps[i] = &types.AttributeValueMemberS{Value: r}
		}
		item[attrReplicas] = &types.AttributeValueMemberL{Value: reps}
	}

	_, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(d.table),
		Item:                      item,
		ConditionExpression:       aws.String(condition),
		ExpressionAttributeValues: values,
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return "", ErrPreconditionFailed
		}
		return "", fmt.Errorf("dynamodb put: %w", err)
	}
	return strconv.FormatUint(next, 10), nil
}
