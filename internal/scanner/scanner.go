// Package scanner drives one object's byte stream through the row parser,
// batches the results and enforces a wall-clock budget.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"strings"
	"time"

	"tenant-ingest/internal/csvparse"
	"tenant-ingest/internal/domain"
)

const (
	defaultBatchSize = 1
	defaultChunkSize = 64 * 1024
)

// Options configures a Scanner.
type Options struct {
	// BatchSize caps both the row batch and the parse-failure batch.
	BatchSize int
	// ChunkSize is the read buffer size.
	ChunkSize int
	// Parser is the dialect. SkipUntilLine is set per scan.
	Parser csvparse.Options
	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// BatchSink persists one flushed batch. Either slice may be empty, never
// both. Scanning does not continue until Flush returns.
type BatchSink interface {
	Flush(ctx context.Context, rows []domain.Row, failures []domain.ParseFailure) error
}

// BatchFunc adapts a function to BatchSink.
type BatchFunc func(ctx context.Context, rows []domain.Row, failures []domain.ParseFailure) error

// Flush implements BatchSink.
func (f BatchFunc) Flush(ctx context.Context, rows []domain.Row, failures []domain.ParseFailure) error {
	return f(ctx, rows, failures)
}

// Result describes one scan.
type Result struct {
	// Cursor is the last processed line when Complete is false.
	Cursor   int64
	Complete bool
	Rows     int
	Failures int
	Batches  int
}

// Next returns the resume cursor, or nil when the object was drained.
func (r Result) Next() *int64 {
	if r.Complete {
		return nil
	}
	c := r.Cursor
	return &c
}

// Scanner streams objects from a store.
type Scanner struct {
	store  domain.ObjectStore
	opts   Options
	logger *slog.Logger
}

// New creates a Scanner.
func New(store domain.ObjectStore, opts Options, logger *slog.Logger) *Scanner {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scanner{store: store, opts: opts, logger: logger.With("component", "scanner")}
}

// IsDelimitedText reports whether a declared content type is CSV.
func IsDelimitedText(contentType string) bool {
	mt, params, err := mime.ParseMediaType(contentType)
	if err != nil || mt != "text/csv" {
		return false
	}
	cs, ok := params["charset"]
	return !ok || strings.EqualFold(cs, "utf-8")
}

var errBudget = errors.New("scan budget exhausted")

// Scan reads src from line startLine onward, handing batches to sink. With a
// positive budget it stops once the budget has elapsed and returns a cursor.
// An error from sink aborts the scan.
func (s *Scanner) Scan(ctx context.Context, src domain.ObjectRef, startLine int64, budget time.Duration, sink BatchSink) (Result, error) {
	info, err := s.store.Head(ctx, src.Bucket, src.Key)
	if err != nil {
		return Result{}, fmt.Errorf("head %s: %w", src, err)
	}
	if !IsDelimitedText(info.ContentType) {
		return Result{}, domain.ErrConfiguration("unsupported content type %q for %s", info.ContentType, src)
	}

	body, err := s.store.Open(ctx, src.Bucket, src.Key)
	if err != nil {
		return Result{}, fmt.Errorf("open %s: %w", src, err)
	}
	defer body.Close() //nolint:errcheck

	// The budget only stops a scan that has emitted at least one record, so
	// a resumed scan always moves past its start line.
	start := s.opts.Now()
	progressed := false
	expired := func() bool {
		if budget <= 0 {
			return false
		}
		over := s.opts.Now().Sub(start) >= budget
		return over && progressed
	}

	var (
		res   Result
		rows  = make([]domain.Row, 0, s.opts.BatchSize)
		fails = make([]domain.ParseFailure, 0, s.opts.BatchSize)
	)
	flush := func(flushRows, flushFails bool) error {
		var r []domain.Row
		var f []domain.ParseFailure
		if flushRows && len(rows) > 0 {
			r = rows
		}
		if flushFails && len(fails) > 0 {
			f = fails
		}
		if len(r) == 0 && len(f) == 0 {
			return nil
		}
		if err := sink.Flush(ctx, r, f); err != nil {
			return fmt.Errorf("persist batch: %w", err)
		}
		res.Rows += len(r)
		res.Failures += len(f)
		res.Batches++
		if r != nil {
			rows = make([]domain.Row, 0, s.opts.BatchSize)
		}
		if f != nil {
			fails = make([]domain.ParseFailure, 0, s.opts.BatchSize)
		}
		return nil
	}

	popts := s.opts.Parser
	popts.SkipUntilLine = startLine
	parser := csvparse.New(popts, csvparse.Callbacks{
		Row: func(row domain.Row) error {
			progressed = true
			rows = append(rows, row)
			if len(rows) >= s.opts.BatchSize {
				if err := flush(true, false); err != nil {
					return err
				}
			}
			if expired() {
				return errBudget
			}
			return nil
		},
		RowError: func(pf domain.ParseFailure) error {
			progressed = true
			fails = append(fails, pf)
			if len(fails) >= s.opts.BatchSize {
				if err := flush(false, true); err != nil {
					return err
				}
			}
			if expired() {
				return errBudget
			}
			return nil
		},
	})

	stopped, err := s.pump(ctx, src, body, parser, expired)
	if err != nil {
		return res, err
	}
	if !stopped {
		// The stream is fully consumed here, so a budget hit on the final
		// record still counts as drained.
		if err := parser.Close(); err != nil && !errors.Is(err, errBudget) {
			return res, fmt.Errorf("parse %s: %w", src, err)
		}
	}
	if err := flush(true, true); err != nil {
		return res, err
	}

	res.Complete = !stopped
	if stopped {
		res.Cursor = max(parser.Line(), startLine)
	}
	s.logger.Info("scan finished",
		"bucket", src.Bucket,
		"key", src.Key,
		"start_line", startLine,
		"rows", res.Rows,
		"failures", res.Failures,
		"batches", res.Batches,
		"complete", res.Complete,
		"cursor", res.Cursor,
		"elapsed", s.opts.Now().Sub(start).String(),
	)
	return res, nil
}

// pump copies the body into the parser until EOF or the budget runs out.
func (s *Scanner) pump(ctx context.Context, src domain.ObjectRef, body io.Reader, parser *csvparse.Parser, expired func() bool) (bool, error) {
	buf := make([]byte, s.opts.ChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if expired() {
			return true, nil
		}
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, err := parser.Write(buf[:n]); err != nil {
				if errors.Is(err, errBudget) {
					return true, nil
				}
				return false, fmt.Errorf("parse %s: %w", src, err)
			}
		}
		if errors.Is(rerr, io.EOF) {
			return false, nil
		}
		if rerr != nil {
			return false, fmt.Errorf("read %s: %w", src, rerr)
		}
	}
}
