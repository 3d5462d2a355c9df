package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/sirupsen/logrus"
)

// DynamoAPI is the subset of *dynamodb.Client used by DynamoKV.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	TransactGetItems(ctx context.Context, params *dynamodb.TransactGetItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactGetItemsOutput, error)
}

// maxTransactItems is the DynamoDB limit for one transaction.
const maxTransactItems = 100

const kvSortKey = "KV"

type kvItem struct {
	PK    string `dynamodbav:"PK"`
	SK    string `dynamodbav:"SK"`
	Value string `dynamodbav:"Value"`
	TTL   int64  `dynamodbav:"TTL,omitempty"`
}

// DynamoKV stores each key as its own item in a single table keyed by
// PK/SK, with an optional TTL attribute.
type DynamoKV struct {
	client    DynamoAPI
	tableName string
	ttl       time.Duration
	now       func() time.Time
	logger    *logrus.Logger
}

func NewDynamoKV(client DynamoAPI, tableName string, ttl time.Duration, logger *logrus.Logger) *DynamoKV {
	return &DynamoKV{
		client:    client,
		tableName: tableName,
		ttl:       ttl,
		now:       time.Now,
		logger:    logger,
	}
}

func (r *DynamoKV) keyOf(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: fmt.Sprintf("SESSION#%s", key)},
		"SK": &types.AttributeValueMemberS{Value: kvSortKey},
	}
}

func (r *DynamoKV) itemOf(key, value string) (map[string]types.AttributeValue, error) {
	it := kvItem{
		PK:    fmt.Sprintf("SESSION#%s", key),
		SK:    kvSortKey,
		Value: value,
	}
	if r.ttl > 0 {
		it.TTL = r.now().Add(r.ttl).Unix()
	}
	return attributevalue.MarshalMap(it)
}

func (r *DynamoKV) Get(ctx context.Context, key string) (string, bool, error) {
	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            r.keyOf(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		r.logger.WithError(err).Error("Failed to get item from DynamoDB")
		return "", false, fmt.Errorf("failed to get %s: %w", key, err)
	}

	if result.Item == nil {
		return "", false, nil
	}

	return r.valueOf(key, result.Item)
}

func (r *DynamoKV) valueOf(key string, item map[string]types.AttributeValue) (string, bool, error) {
	var it kvItem
	if err := attributevalue.UnmarshalMap(item, &it); err != nil {
		return "", false, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}

	// DynamoDB removes TTL'd items lazily.
	if it.TTL > 0 && r.now().Unix() > it.TTL {
		return "", false, nil
	}

	return it.Value, true, nil
}

// GetMany reads the keys in one TransactGetItems call, which DynamoDB
// serializes against TransactWriteItems.
func (r *DynamoKV) GetMany(ctx context.Context, keys ...string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	switch {
	case len(keys) == 0:
		return out, nil
	case len(keys) > maxTransactItems:
		return nil, fmt.Errorf("batch of %d exceeds %d items", len(keys), maxTransactItems)
	}

	gets := make([]types.TransactGetItem, len(keys))
	for i, k := range keys {
		gets[i] = types.TransactGetItem{
			Get: &types.Get{
				TableName: aws.String(r.tableName),
				Key:       r.keyOf(k),
			},
		}
	}

	result, err := r.client.TransactGetItems(ctx, &dynamodb.TransactGetItemsInput{
		TransactItems: gets,
	})
	if err != nil {
		r.logger.WithError(err).Error("DynamoDB read transaction failed")
		return nil, fmt.Errorf("failed to read batch: %w", err)
	}

	for i, resp := range result.Responses {
		if i >= len(keys) || resp.Item == nil {
			continue
		}
		v, ok, err := r.valueOf(keys[i], resp.Item)
		if err != nil {
			return nil, err
		}
		if ok {
			out[keys[i]] = v
		}
	}
	return out, nil
}

func (r *DynamoKV) Set(ctx context.Context, key, value string) error {
	item, err := r.itemOf(key, value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item:      item,
	})
	if err != nil {
		r.logger.WithError(err).Error("Failed to store item in DynamoDB")
		return fmt.Errorf("failed to store %s: %w", key, err)
	}
	return nil
}

func (r *DynamoKV) SetMany(ctx context.Context, values map[string]string) error {
	if len(values) > maxTransactItems {
		return fmt.Errorf("batch of %d exceeds %d items", len(values), maxTransactItems)
	}

	items := make([]types.TransactWriteItem, 0, len(values))
	for k, v := range values {
		item, err := r.itemOf(k, v)
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %w", k, err)
		}
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{
				TableName: aws.String(r.tableName),
				Item:      item,
			},
		})
	}

	return r.transact(ctx, items)
}

func (r *DynamoKV) Remove(ctx context.Context, keys ...string) error {
	switch {
	case len(keys) == 0:
		return nil
	case len(keys) > maxTransactItems:
		return fmt.Errorf("batch of %d exceeds %d items", len(keys), maxTransactItems)
	case len(keys) == 1:
		_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(r.tableName),
			Key:       r.keyOf(keys[0]),
		})
		if err != nil {
			return fmt.Errorf("failed to delete %s: %w", keys[0], err)
		}
		return nil
	}

	items := make([]types.TransactWriteItem, 0, len(keys))
	for _, k := range keys {
		items = append(items, types.TransactWriteItem{
			Delete: &types.Delete{
				TableName: aws.String(r.tableName),
				Key:       r.keyOf(k),
			},
		})
	}

	return r.transact(ctx, items)
}

func (r *DynamoKV) transact(ctx context.Context, items []types.TransactWriteItem) error {
	if len(items) == 0 {
		return nil
	}
	_, err := r.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	if err != nil {
		r.logger.WithError(err).Error("DynamoDB transaction failed")
		return fmt.Errorf("failed to write batch: %w", err)
	}
	return nil
}
