// Package dynamo implements store.Backend on Amazon DynamoDB. Every table is
// keyed by a string partition key "pk"; the history table adds a sort key "sk".
package dynamo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"fusion_api/internal/store"
)

const pingKey = "health#ping"

// API is the subset of *dynamodb.Client used by the store.
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

type Tables struct {
	Cache   string
	History string
	Storage string
}

type Options struct {
	Region   string
	Endpoint string
	Tables   Tables
}

type Store struct {
	api    API
	tables Tables
}

// cacheItem is the cache table row. The payload is kept as a native DynamoDB
// map so the table stays readable from the console and other SDKs.
type cacheItem struct {
	PK        string `dynamodbav:"pk"`
	Payload   any    `dynamodbav:"payload"`
	ExpiresAt int64  `dynamodbav:"expiresAt"`
}

func Open(ctx context.Context, opts Options) (*Store, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})
	return New(client, opts.Tables), nil
}

func New(api API, tables Tables) *Store {
	return &Store{api: api, tables: tables}
}

func (s *Store) GetCache(ctx context.Context, key string) (store.CacheRecord, bool, error) {
	if s.tables.Cache == "" {
		return store.CacheRecord{}, false, store.Unavailable("dynamodb get", errors.New("cache table not configured"))
	}
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tables.Cache),
		Key:       stringKey(key),
	})
	if err != nil {
		return store.CacheRecord{}, false, store.Unavailable("dynamodb get", err)
	}
	if out == nil || len(out.Item) == 0 {
		return store.CacheRecord{}, false, nil
	}

	var item cacheItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return store.CacheRecord{}, false, fmt.Errorf("decode cache item %s: %w", key, err)
	}
	if item.Payload == nil {
		return store.CacheRecord{}, false, nil
	}
	payload, err := json.Marshal(item.Payload)
	if err != nil {
		return store.CacheRecord{}, false, fmt.Errorf("encode cache payload %s: %w", key, err)
	}
	return store.CacheRecord{Key: item.PK, Payload: payload, ExpiresAt: item.ExpiresAt}, true, nil
}

func (s *Store) PutCache(ctx context.Context, record store.CacheRecord) error {
	if s.tables.Cache == "" {
		return store.Unavailable("dynamodb put", errors.New("cache table not configured"))
	}
	var payload any
	if err := json.Unmarshal(record.Payload, &payload); err != nil {
		return fmt.Errorf("decode cache payload %s: %w", record.Key, err)
	}
	av, err := attributevalue.MarshalMap(cacheItem{PK: record.Key, Payload: payload, ExpiresAt: record.ExpiresAt})
	if err != nil {
		return fmt.Errorf("encode cache item %s: %w", record.Key, err)
	}
	if _, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tables.Cache),
		Item:      av,
	}); err != nil {
		return store.Unavailable("dynamodb put", err)
	}
	return nil
}

func (s *Store) AppendHistory(ctx context.Context, record store.HistoryRecord) error {
	av, err := attributevalue.MarshalMap(record)
	if err != nil {
		return fmt.Errorf("encode history record: %w", err)
	}
	if _, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tables.History),
		Item:      av,
	}); err != nil {
		return store.Unavailable("dynamodb put history", err)
	}
	return nil
}

func (s *Store) ListHistory(ctx context.Context, limit int, cursor string) (store.HistoryPage, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.tables.History),
		KeyConditionExpression: aws.String("pk = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: store.HistoryPartition},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(store.ClampHistoryLimit(limit))),
	}
	if cursor != "" {
		input.ExclusiveStartKey = map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: store.HistoryPartition},
			"sk": &types.AttributeValueMemberS{Value: cursor},
		}
	}

	out, err := s.api.Query(ctx, input)
	if err != nil {
		return store.HistoryPage{}, store.Unavailable("dynamodb query history", err)
	}

	page := store.HistoryPage{Items: []store.HistoryRecord{}}
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &page.Items); err != nil {
		return store.HistoryPage{}, fmt.Errorf("decode history items: %w", err)
	}
	if sk, ok := out.LastEvaluatedKey["sk"].(*types.AttributeValueMemberS); ok {
		next := sk.Value
		page.NextCursor = &next
	}
	return page, nil
}

func (s *Store) PutItem(ctx context.Context, item store.Item) error {
	if item.PK == "" {
		item.PK = store.ItemKey(item.ID)
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("encode item: %w", err)
	}
	if _, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tables.Storage),
		Item:      av,
	}); err != nil {
		return store.Unavailable("dynamodb put item", err)
	}
	return nil
}

// IncrementWindow bumps the counter row for window.Key only while it is below
// window.Limit. The row shares the cache table and expires with the window.
func (s *Store) IncrementWindow(ctx context.Context, window store.Window) (int, error) {
	out, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.tables.Cache),
		Key:                 stringKey(window.Key),
		UpdateExpression:    aws.String("SET #c = if_not_exists(#c, :zero) + :incr, #exp = if_not_exists(#exp, :exp)"),
		ConditionExpression: aws.String("attribute_not_exists(#c) OR #c < :limit"),
		ExpressionAttributeNames: map[string]string{
			"#c":   "count",
			"#exp": "expiresAt",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":zero":  &types.AttributeValueMemberN{Value: "0"},
			":incr":  &types.AttributeValueMemberN{Value: "1"},
			":limit": &types.AttributeValueMemberN{Value: strconv.Itoa(window.Limit)},
			":exp":   &types.AttributeValueMemberN{Value: strconv.FormatInt(window.ExpiresAt, 10)},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		var conditionFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			return window.Limit, store.ErrLimitExceeded
		}
		return 0, store.Unavailable("dynamodb update counter", err)
	}

	count := 0
	if out != nil {
		if n, ok := out.Attributes["count"].(*types.AttributeValueMemberN); ok {
			count, _ = strconv.Atoi(n.Value)
		}
	}
	return count, nil
}

func (s *Store) Ping(ctx context.Context) error {
	table := s.tables.Cache
	if table == "" {
		table = s.tables.History
	}
	if table == "" {
		return store.Unavailable("dynamodb ping", errors.New("no table configured"))
	}
	if _, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(table),
		Key:       stringKey(pingKey),
	}); err != nil {
		return store.Unavailable("dynamodb ping", err)
	}
	return nil
}

func (s *Store) Close() error {
	return nil
}

func stringKey(pk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: pk},
	}
}
