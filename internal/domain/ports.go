package domain

import (
	"context"
	"io"
)

// ObjectStore is the object storage the ingestion path reads from and the
// failure sink writes to. Implementations return *NotFoundError for missing
// objects.
type ObjectStore interface {
	Head(ctx context.Context, bucket, key string) (ObjectInfo, error)
	Open(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	Put(ctx context.Context, bucket, key string, body []byte, contentType string) error
	Delete(ctx context.Context, bucket, key string) error
	List(ctx context.Context, bucket, prefix string) ([]string, error)
}

// MaxBatchItems is the largest batch a Table accepts per call.
const MaxBatchItems = 10

// Table is a wide-column store with a conditional-free batched put.
// BatchPut returns the items it could not commit; a non-nil error means the
// whole call failed.
type Table interface {
	BatchPut(ctx context.Context, table string, items []Item) ([]Item, error)
	Query(ctx context.Context, table, partitionKey string, limit int) ([]Item, error)
}

// FailureSink durably records rows or spans that could not be committed.
// It is never called with an empty batch.
type FailureSink interface {
	Record(ctx context.Context, batch FailedBatch) error
}

// DeadLetterQueue receives triggers that exhausted their retries or failed
// permanently.
type DeadLetterQueue interface {
	Send(ctx context.Context, dl DeadLetter) error
}
