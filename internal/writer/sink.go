package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"tenant-ingest/internal/domain"
)

// DefaultFailedPrefix is where BlobSink stores failed batches.
const DefaultFailedPrefix = "failed/"

// BlobSink persists each failed batch as one JSON object under
// <prefix><source-key>/<id>.json.
type BlobSink struct {
	store  domain.ObjectStore
	bucket string
	prefix string
	now    func() time.Time
	logger *slog.Logger
}

var _ domain.FailureSink = (*BlobSink)(nil)

// NewBlobSink creates a BlobSink. An empty bucket stores each batch next to
// its source object.
func NewBlobSink(store domain.ObjectStore, bucket, prefix string, logger *slog.Logger) *BlobSink {
	if prefix == "" {
		prefix = DefaultFailedPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &BlobSink{
		store:  store,
		bucket: bucket,
		prefix: prefix,
		now:    time.Now,
		logger: logger.With("component", "failure-sink"),
	}
}

// Prefix returns the key prefix failed batches are stored under.
func (s *BlobSink) Prefix() string { return s.prefix }

// Bucket returns the bucket a batch from src is stored in.
func (s *BlobSink) Bucket(src domain.ObjectRef) string {
	if s.bucket != "" {
		return s.bucket
	}
	return src.Bucket
}

// Record implements domain.FailureSink.
func (s *BlobSink) Record(ctx context.Context, batch domain.FailedBatch) error {
	if batch.Empty() {
		return nil
	}
	if batch.RecordedAt.IsZero() {
		batch.RecordedAt = s.now().UTC()
	}
	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encode failed batch: %w", err)
	}
	bucket := s.Bucket(batch.Source)
	key := s.KeyFor(batch.Source)
	if err := s.store.Put(ctx, bucket, key, body, "application/json"); err != nil {
		return fmt.Errorf("store failed batch %s/%s: %w", bucket, key, err)
	}
	s.logger.Info("failed batch recorded",
		"bucket", bucket, "key", key, "reason", batch.Reason,
		"rows", len(batch.Rows), "spans", len(batch.Spans))
	return nil
}

// KeyFor returns a fresh blob key for a batch from src.
func (s *BlobSink) KeyFor(src domain.ObjectRef) string {
	return s.prefix + src.Key + "/" + domain.NewID() + ".json"
}

// DecodeBatch parses a stored failed batch.
func DecodeBatch(data []byte) (domain.FailedBatch, error) {
	var b domain.FailedBatch
	if err := json.Unmarshal(data, &b); err != nil {
		return domain.FailedBatch{}, fmt.Errorf("decode failed batch: %w", err)
	}
	return b, nil
}

// SourceKey recovers the source object key from a blob key written under
// prefix. It reports false for keys outside the layout.
func SourceKey(prefix, blobKey string) (string, bool) {
	rest, ok := strings.CutPrefix(blobKey, prefix)
	if !ok {
		return "", false
	}
	dir := path.Dir(rest)
	if dir == "." || dir == "/" {
		return "", false
	}
	return dir, true
}
