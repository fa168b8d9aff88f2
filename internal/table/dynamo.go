// Package table implements domain.Table on DynamoDB and on a local SQLite
// file.
package table

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"golang.org/x/time/rate"

	"tenant-ingest/internal/domain"
)

// DynamoAPI is the subset of the DynamoDB client the table uses.
type DynamoAPI interface {
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// KeyAttrs names the key attributes of stored items.
type KeyAttrs struct {
	Partition string
	Sort      string
}

func (k KeyAttrs) withDefaults() KeyAttrs {
	if k.Partition == "" {
		k.Partition = "PartitionKey"
	}
	if k.Sort == "" {
		k.Sort = "SortKey"
	}
	return k
}

var throttleCodes = map[string]bool{
	"ProvisionedThroughputExceededException": true,
	"ThrottlingException":                    true,
	"RequestLimitExceeded":                   true,
}

var _ domain.Table = (*DynamoTable)(nil)

// DynamoTable writes items with BatchWriteItem. Writes are paced by a token
// bucket when writeRPS is positive.
type DynamoTable struct {
	client  DynamoAPI
	keys    KeyAttrs
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewDynamoTable creates a DynamoTable. writeRPS limits BatchWriteItem
// calls per second; zero disables pacing.
func NewDynamoTable(client DynamoAPI, keys KeyAttrs, writeRPS float64, logger *slog.Logger) *DynamoTable {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if writeRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(writeRPS), max(1, int(writeRPS)))
	}
	return &DynamoTable{
		client:  client,
		keys:    keys.withDefaults(),
		limiter: limiter,
		logger:  logger.With("component", "dynamodb"),
	}
}

// NewDynamoClient builds a DynamoDB client, optionally against a custom
// endpoint such as DynamoDB Local.
func NewDynamoClient(cfg aws.Config, endpoint string) *dynamodb.Client {
	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
}

// BatchPut implements domain.Table.
func (t *DynamoTable) BatchPut(ctx context.Context, table string, items []domain.Item) ([]domain.Item, error) {
	if len(items) == 0 {
		return nil, nil
	}
	if len(items) > domain.MaxBatchItems {
		return nil, domain.ErrValidation("batch of %d items exceeds limit of %d", len(items), domain.MaxBatchItems)
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	reqs := make([]types.WriteRequest, 0, len(items))
	for _, it := range items {
		av, err := attributevalue.MarshalMap(it.Attributes)
		if err != nil {
			return nil, fmt.Errorf("marshal item %s/%s: %w", it.Key.PartitionKey, it.Key.SortKey, err)
		}
		av[t.keys.Partition] = &types.AttributeValueMemberS{Value: it.Key.PartitionKey}
		av[t.keys.Sort] = &types.AttributeValueMemberS{Value: it.Key.SortKey}
		reqs = append(reqs, types.WriteRequest{PutRequest: &types.PutRequest{Item: av}})
	}

	out, err := t.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
		RequestItems: map[string][]types.WriteRequest{table: reqs},
	})
	if err != nil {
		return nil, classify(err, table)
	}

	unprocessed := out.UnprocessedItems[table]
	if len(unprocessed) == 0 {
		return nil, nil
	}
	rejected := make([]domain.Item, 0, len(unprocessed))
	for _, req := range unprocessed {
		if req.PutRequest == nil {
			continue
		}
		it, err := t.decode(req.PutRequest.Item)
		if err != nil {
			return nil, fmt.Errorf("decode unprocessed item: %w", err)
		}
		rejected = append(rejected, it)
	}
	t.logger.Warn("unprocessed items", "table", table, "items", len(items), "unprocessed", len(rejected))
	return rejected, nil
}

// Query implements domain.Table. Items come back in sort key order.
func (t *DynamoTable) Query(ctx context.Context, table, partitionKey string, limit int) ([]domain.Item, error) {
	in := &dynamodb.QueryInput{
		TableName:                 aws.String(table),
		KeyConditionExpression:    aws.String("#pk = :pk"),
		ExpressionAttributeNames:  map[string]string{"#pk": t.keys.Partition},
		ExpressionAttributeValues: map[string]types.AttributeValue{":pk": &types.AttributeValueMemberS{Value: partitionKey}},
	}
	var items []domain.Item
	for {
		if limit > 0 {
			in.Limit = aws.Int32(int32(min(limit-len(items), 1000))) //nolint:gosec // bounded above
		}
		out, err := t.client.Query(ctx, in)
		if err != nil {
			return nil, classify(err, table)
		}
		for _, av := range out.Items {
			it, err := t.decode(av)
			if err != nil {
				return nil, fmt.Errorf("decode item: %w", err)
			}
			items = append(items, it)
		}
		if len(out.LastEvaluatedKey) == 0 || (limit > 0 && len(items) >= limit) {
			return items, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func (t *DynamoTable) decode(av map[string]types.AttributeValue) (domain.Item, error) {
	attrs := make(map[string]string, len(av))
	if err := attributevalue.UnmarshalMap(av, &attrs); err != nil {
		return domain.Item{}, err
	}
	return domain.Item{
		Key:        domain.StorageKey{PartitionKey: attrs[t.keys.Partition], SortKey: attrs[t.keys.Sort]},
		Attributes: attrs,
	}, nil
}

// classify turns throttling responses into *domain.ThrottledError.
func classify(err error, table string) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && throttleCodes[apiErr.ErrorCode()] {
		return domain.ErrThrottled(err, "table %s throttled: %s", table, apiErr.ErrorCode())
	}
	return fmt.Errorf("table %s: %w", table, err)
}
