package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"tenant-ingest/internal/domain"
)

// DefaultDeadLetterPrefix is where BlobDeadLetter stores dead letters.
const DefaultDeadLetterPrefix = "dead-letter/"

var (
	_ domain.DeadLetterQueue = (*SQSDeadLetter)(nil)
	_ domain.DeadLetterQueue = (*BlobDeadLetter)(nil)
)

// SQSDeadLetter sends dead letters to an SQS queue as JSON.
type SQSDeadLetter struct {
	client   SQSAPI
	queueURL string
}

// NewSQSDeadLetter creates an SQSDeadLetter.
func NewSQSDeadLetter(client SQSAPI, queueURL string) *SQSDeadLetter {
	return &SQSDeadLetter{client: client, queueURL: queueURL}
}

// Send implements domain.DeadLetterQueue.
func (q *SQSDeadLetter) Send(ctx context.Context, dl domain.DeadLetter) error {
	body, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	if _, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(body)),
	}); err != nil {
		return fmt.Errorf("send dead letter: %w", err)
	}
	return nil
}

// BlobDeadLetter stores each dead letter as a JSON object under
// <prefix><source-key>/<id>.json.
type BlobDeadLetter struct {
	store  domain.ObjectStore
	bucket string
	prefix string
	logger *slog.Logger
}

// NewBlobDeadLetter creates a BlobDeadLetter. An empty bucket stores dead
// letters next to their source object; letters without a source object
// need a bucket.
func NewBlobDeadLetter(store domain.ObjectStore, bucket, prefix string, logger *slog.Logger) *BlobDeadLetter {
	if prefix == "" {
		prefix = DefaultDeadLetterPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &BlobDeadLetter{store: store, bucket: bucket, prefix: prefix, logger: logger.With("component", "dead-letter")}
}

// Send implements domain.DeadLetterQueue.
func (q *BlobDeadLetter) Send(ctx context.Context, dl domain.DeadLetter) error {
	bucket := q.bucket
	if bucket == "" {
		bucket = dl.Trigger.Object.Bucket
	}
	if bucket == "" {
		return domain.ErrConfiguration("dead letter without source object needs a configured bucket")
	}
	source := dl.Trigger.Object.Key
	if source == "" {
		source = "_unparsed"
	}
	body, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	key := q.prefix + source + "/" + domain.NewID() + ".json"
	if err := q.store.Put(ctx, bucket, key, body, "application/json"); err != nil {
		return fmt.Errorf("store dead letter %s/%s: %w", bucket, key, err)
	}
	q.logger.Info("dead letter stored", "bucket", bucket, "key", key)
	return nil
}
