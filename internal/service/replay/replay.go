// Package replay re-drives rows held by the blob failure sink back into the
// table.
package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"tenant-ingest/internal/domain"
	"tenant-ingest/internal/writer"
)

// Resolver maps object keys to storage key fields.
type Resolver interface {
	Resolve(objectKey string) (*domain.ResolvedMapping, error)
}

// Report summarizes one replay pass over a bucket.
type Report struct {
	Scanned  int `json:"scanned"`
	Replayed int `json:"replayed"`
	Rows     int `json:"rows"`
	Kept     int `json:"kept"`
	Failed   int `json:"failed"`
}

// Service replays failed batches stored by a writer.BlobSink.
type Service struct {
	store    domain.ObjectStore
	resolver Resolver
	writer   *writer.BatchWriter
	sink     *writer.BlobSink
	logger   *slog.Logger
}

// NewService creates a replay Service. sink must be the sink the failed
// batches were written through; it also receives rows that fail again.
func NewService(store domain.ObjectStore, resolver Resolver, w *writer.BatchWriter, sink *writer.BlobSink, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		resolver: resolver,
		writer:   w,
		sink:     sink,
		logger:   logger.With("component", "replay"),
	}
}

// Replay walks every failed batch in bucket. A batch whose rows all commit
// is deleted. Rows that fail again are written to a new batch that replaces
// the old one. Span-only batches and batches whose source key no longer
// resolves are kept. Per-blob failures are counted and logged; the returned
// error is non-nil only when listing fails or ctx ends.
func (s *Service) Replay(ctx context.Context, bucket string) (Report, error) {
	var rep Report
	keys, err := s.store.List(ctx, bucket, s.sink.Prefix())
	if err != nil {
		return rep, fmt.Errorf("list failed batches in %s: %w", bucket, err)
	}

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rep.Scanned++
		rows, kept, err := s.replayBlob(ctx, bucket, key)
		rep.Rows += rows
		switch {
		case err != nil:
			rep.Failed++
			s.logger.Warn("replay failed", "bucket", bucket, "blob", key, "error", err)
		case kept:
			rep.Kept++
		default:
			rep.Replayed++
		}
	}
	s.logger.Info("replay finished", "bucket", bucket,
		"scanned", rep.Scanned, "replayed", rep.Replayed, "rows", rep.Rows,
		"kept", rep.Kept, "failed", rep.Failed)
	return rep, nil
}

// replayBlob returns the number of rows committed and whether the blob was
// left in place untouched.
func (s *Service) replayBlob(ctx context.Context, bucket, key string) (int, bool, error) {
	sourceKey, ok := writer.SourceKey(s.sink.Prefix(), key)
	if !ok {
		return 0, true, nil
	}
	batch, err := s.load(ctx, bucket, key)
	if err != nil {
		return 0, false, err
	}
	if len(batch.Rows) == 0 {
		return 0, true, nil
	}

	src := batch.Source
	if src.Key == "" {
		src = domain.ObjectRef{Bucket: bucket, Key: sourceKey}
	}
	rm, err := s.resolver.Resolve(src.Key)
	if err != nil {
		return 0, false, fmt.Errorf("resolve %s: %w", src.Key, err)
	}
	if rm == nil {
		s.logger.Warn("source key no longer maps to a template, keeping batch", "blob", key, "source", src.Key)
		return 0, true, nil
	}

	rows := make([]domain.Row, len(batch.Rows))
	for i, fr := range batch.Rows {
		rows[i] = fr.Row()
	}

	retry := &collectSink{}
	bw := s.writer.WithSink(retry)
	var writeErr error
	for start := 0; start < len(rows); start += domain.MaxBatchItems {
		end := min(start+domain.MaxBatchItems, len(rows))
		if err := bw.Write(ctx, src, rm, rows[start:end]); err != nil {
			// The failed chunk is already in retry; the rest was never tried.
			retry.add(rows[end:])
			writeErr = err
			break
		}
	}

	failed := retry.rows()
	committed := len(rows) - len(failed)
	if len(failed) == len(rows) {
		if writeErr != nil {
			return 0, false, writeErr
		}
		return 0, true, nil
	}
	if len(failed) > 0 {
		if err := s.sink.Record(ctx, domain.FailedBatch{
			Source: src,
			Reason: batch.Reason,
			Rows:   domain.NewFailedRows(failed),
		}); err != nil {
			return committed, false, fmt.Errorf("re-record %d rows: %w", len(failed), err)
		}
	}
	if err := s.store.Delete(ctx, bucket, key); err != nil {
		return committed, false, fmt.Errorf("delete replayed batch: %w", err)
	}
	return committed, false, writeErr
}

func (s *Service) load(ctx context.Context, bucket, key string) (domain.FailedBatch, error) {
	rc, err := s.store.Open(ctx, bucket, key)
	if err != nil {
		return domain.FailedBatch{}, err
	}
	defer rc.Close() //nolint:errcheck
	data, err := io.ReadAll(rc)
	if err != nil {
		return domain.FailedBatch{}, fmt.Errorf("read %s: %w", key, err)
	}
	return writer.DecodeBatch(data)
}

// collectSink keeps failed rows in memory for the current blob.
type collectSink struct {
	mu     sync.Mutex
	failed []domain.Row
}

var _ domain.FailureSink = (*collectSink)(nil)

func (c *collectSink) Record(_ context.Context, b domain.FailedBatch) error {
	if len(b.Spans) > 0 {
		return errors.New("replay sink does not accept spans")
	}
	rows := make([]domain.Row, len(b.Rows))
	for i, fr := range b.Rows {
		rows[i] = fr.Row()
	}
	c.add(rows)
	return nil
}

func (c *collectSink) add(rows []domain.Row) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed = append(c.failed, rows...)
}

func (c *collectSink) rows() []domain.Row {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failed
}
