// Package ingestion implements the per-invocation ingestion coordinator.
package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"tenant-ingest/internal/domain"
	"tenant-ingest/internal/scanner"
	"tenant-ingest/internal/writer"
)

// Resolver maps object keys to storage key fields.
type Resolver interface {
	Resolve(objectKey string) (*domain.ResolvedMapping, error)
}

// Coordinator runs one invocation for one object: resolve the key, scan the
// object into the table, then delete the object or hand back a cursor.
type Coordinator struct {
	resolver Resolver
	scanner  *scanner.Scanner
	writer   *writer.BatchWriter
	store    domain.ObjectStore
	budget   time.Duration
	logger   *slog.Logger
}

// NewCoordinator creates a Coordinator. budget is the scanner time box and
// must be shorter than the invocation deadline.
func NewCoordinator(
	resolver Resolver,
	sc *scanner.Scanner,
	w *writer.BatchWriter,
	store domain.ObjectStore,
	budget time.Duration,
	logger *slog.Logger,
) *Coordinator {
	return &Coordinator{
		resolver: resolver,
		scanner:  sc,
		writer:   w,
		store:    store,
		budget:   budget,
		logger:   logger.With("component", "coordinator"),
	}
}

// Invoke runs one invocation. A non-nil error always comes with
// StateFailed; the caller decides whether to retry.
func (c *Coordinator) Invoke(ctx context.Context, trig domain.Trigger) (domain.Outcome, error) {
	src := trig.Object
	log := c.logger.With("bucket", src.Bucket, "key", src.Key)

	rm, err := c.resolver.Resolve(src.Key)
	if err != nil {
		return failed(nil, fmt.Errorf("resolve %s: %w", src, err))
	}
	if rm == nil {
		log.Info("object key matches no template, skipping")
		return domain.Outcome{State: domain.StateUnmapped}, nil
	}
	log = log.With("tenant", rm.TenantID, "template", rm.Template)

	sink := scanner.BatchFunc(func(ctx context.Context, rows []domain.Row, failures []domain.ParseFailure) error {
		if err := c.writer.RecordSpans(ctx, src, failures); err != nil {
			return fmt.Errorf("record parse failures: %w", err)
		}
		return c.writer.Write(ctx, src, rm, rows)
	})

	start := trig.StartLine()
	res, err := c.scanner.Scan(ctx, src, start, c.budget, sink)
	if err != nil {
		if domain.IsNotFound(err) && (start > 0 || trig.Redelivered) {
			// A continuation or redelivery whose object is gone was
			// drained by an earlier delivery.
			log.Warn("object no longer exists, treating as drained",
				"cursor", start, "redelivered", trig.Redelivered)
			return domain.Outcome{State: domain.StateDraining, Mapping: rm}, nil
		}
		return failed(rm, err)
	}

	out := domain.Outcome{Mapping: rm, Rows: res.Rows, Failures: res.Failures}
	if !res.Complete {
		out.State = domain.StateContinuing
		out.Cursor = res.Cursor
		log.Info("scan budget reached, continuation required",
			"cursor", res.Cursor, "rows", res.Rows, "failures", res.Failures)
		return out, nil
	}

	if err := c.store.Delete(ctx, src.Bucket, src.Key); err != nil {
		return failed(rm, fmt.Errorf("delete drained object %s: %w", src, err))
	}
	out.State = domain.StateDraining
	log.Info("object drained", "rows", res.Rows, "failures", res.Failures)
	return out, nil
}

func failed(rm *domain.ResolvedMapping, err error) (domain.Outcome, error) {
	return domain.Outcome{State: domain.StateFailed, Mapping: rm}, err
}
