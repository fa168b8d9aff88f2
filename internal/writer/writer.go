// Package writer turns parsed rows into table items and commits them in
// bounded batches, routing anything the table does not accept to a failure
// sink.
package writer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"tenant-ingest/internal/domain"
	"tenant-ingest/internal/mapping"
)

// Failure reasons recorded on FailedBatch.Reason.
const (
	ReasonRejected    = "rejected"
	ReasonWriteFailed = "write_failed"
	ReasonOversized   = "oversized"
)

// Options configures a BatchWriter.
type Options struct {
	// Table is the destination used when the mapping carries no override.
	Table string
	// PartitionKeyAttr and SortKeyAttr name the key attributes on each item.
	PartitionKeyAttr string
	SortKeyAttr      string
	// NewID generates sort keys for rows with no sort value. Defaults to
	// domain.NewID.
	NewID func() string
}

func (o Options) withDefaults() Options {
	if o.PartitionKeyAttr == "" {
		o.PartitionKeyAttr = "PartitionKey"
	}
	if o.SortKeyAttr == "" {
		o.SortKeyAttr = "SortKey"
	}
	if o.NewID == nil {
		o.NewID = domain.NewID
	}
	return o
}

// BatchWriter writes batches of rows for one resolved mapping. It holds no
// state across calls.
type BatchWriter struct {
	table  domain.Table
	sink   domain.FailureSink
	opts   Options
	logger *slog.Logger
}

// New creates a BatchWriter.
func New(table domain.Table, sink domain.FailureSink, opts Options, logger *slog.Logger) *BatchWriter {
	return &BatchWriter{
		table:  table,
		sink:   sink,
		opts:   opts.withDefaults(),
		logger: logger.With("component", "writer"),
	}
}

// WithSink returns a copy of w that records failures to sink.
func (w *BatchWriter) WithSink(sink domain.FailureSink) *BatchWriter {
	c := *w
	c.sink = sink
	return &c
}

// Key computes the storage key of one row.
func (w *BatchWriter) Key(row domain.Row, rm *domain.ResolvedMapping) domain.StorageKey {
	parts := mapping.DeriveRowKeyParts(row, rm.Keys)
	key := domain.StorageKey{
		PartitionKey: rm.TenantID + domain.KeySeparator + rm.PartitionPrefix + parts.SecondarySuffix,
		SortKey:      rm.SortKey,
	}
	if key.SortKey == "" {
		key.SortKey = parts.SortValue
	}
	if key.SortKey == "" {
		key.SortKey = w.opts.NewID()
	}
	return key
}

// Item builds the table item of one row. Row columns are overlaid by the
// path-extracted columns, which are overlaid by the key attributes.
func (w *BatchWriter) Item(row domain.Row, rm *domain.ResolvedMapping) domain.Item {
	key := w.Key(row, rm)
	attrs := row.Map()
	for name, value := range rm.ExtractedColumns {
		attrs[name] = value
	}
	attrs[w.opts.PartitionKeyAttr] = key.PartitionKey
	attrs[w.opts.SortKeyAttr] = key.SortKey
	return domain.Item{Key: key, Attributes: attrs}
}

// TableFor returns the destination table for a mapping.
func (w *BatchWriter) TableFor(rm *domain.ResolvedMapping) string {
	if rm.Table != "" {
		return rm.Table
	}
	return w.opts.Table
}

// Write commits rows in a single batched call. Rows sharing a storage key
// collapse to the last of them. Rows the table rejects are forwarded to the
// failure sink and Write returns nil. When the call fails as a whole, every
// row goes to the sink and a *domain.WriteError is returned. Passing more
// than domain.MaxBatchItems rows panics.
func (w *BatchWriter) Write(ctx context.Context, src domain.ObjectRef, rm *domain.ResolvedMapping, rows []domain.Row) error {
	if len(rows) > domain.MaxBatchItems {
		panic(fmt.Sprintf("writer: batch of %d rows exceeds limit of %d", len(rows), domain.MaxBatchItems))
	}
	if len(rows) == 0 {
		return nil
	}

	items, kept := w.items(rows, rm)
	if len(items) < len(rows) {
		w.logger.Debug("rows share storage keys, keeping the last of each",
			"key", src.Key, "rows", len(rows), "items", len(items))
	}
	table := w.TableFor(rm)

	rejected, err := w.table.BatchPut(ctx, table, items)
	if err != nil {
		w.logger.Warn("batch write failed", "table", table, "key", src.Key, "rows", len(rows), "error", err)
		werr := &domain.WriteError{Rows: len(rows), Err: err}
		if serr := w.record(ctx, src, ReasonWriteFailed, rows); serr != nil {
			return errors.Join(werr, serr)
		}
		return werr
	}
	if len(rejected) == 0 {
		return nil
	}

	lost := rejectedRows(items, kept, rejected)
	w.logger.Warn("batch partially rejected", "table", table, "key", src.Key, "rows", len(rows), "rejected", len(lost))
	if err := w.record(ctx, src, ReasonRejected, lost); err != nil {
		return fmt.Errorf("record rejected rows: %w", err)
	}
	return nil
}

// items builds one item per distinct storage key, returning the row each
// item came from. A later row replaces an earlier one with the same key.
func (w *BatchWriter) items(rows []domain.Row, rm *domain.ResolvedMapping) ([]domain.Item, []domain.Row) {
	index := make(map[domain.StorageKey]int, len(rows))
	items := make([]domain.Item, 0, len(rows))
	kept := make([]domain.Row, 0, len(rows))
	for _, row := range rows {
		it := w.Item(row, rm)
		if i, ok := index[it.Key]; ok {
			items[i], kept[i] = it, row
			continue
		}
		index[it.Key] = len(items)
		items = append(items, it)
		kept = append(kept, row)
	}
	return items, kept
}

// RecordSpans forwards oversized-record spans to the failure sink.
func (w *BatchWriter) RecordSpans(ctx context.Context, src domain.ObjectRef, spans []domain.ParseFailure) error {
	if len(spans) == 0 {
		return nil
	}
	return w.sink.Record(ctx, domain.FailedBatch{Source: src, Reason: ReasonOversized, Spans: spans})
}

func (w *BatchWriter) record(ctx context.Context, src domain.ObjectRef, reason string, rows []domain.Row) error {
	if len(rows) == 0 {
		return nil
	}
	return w.sink.Record(ctx, domain.FailedBatch{Source: src, Reason: reason, Rows: domain.NewFailedRows(rows)})
}

// rejectedRows maps rejected items back to the rows they were built from.
// Items are matched by key; duplicate keys are consumed in order.
func rejectedRows(items []domain.Item, rows []domain.Row, rejected []domain.Item) []domain.Row {
	pending := make(map[domain.StorageKey]int, len(rejected))
	for _, it := range rejected {
		pending[it.Key]++
	}
	var out []domain.Row
	for i, it := range items {
		if pending[it.Key] > 0 {
			pending[it.Key]--
			out = append(out, rows[i])
		}
	}
	return out
}
