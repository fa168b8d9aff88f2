// Package orchestrator drives the coordinator for one object until it is
// drained, retrying transient failures and dead-lettering the rest.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"tenant-ingest/internal/domain"
)

// Invoker runs a single invocation.
type Invoker interface {
	Invoke(ctx context.Context, trig domain.Trigger) (domain.Outcome, error)
}

// Options configures an Orchestrator.
type Options struct {
	MaxAttempts       int           // attempts per invocation, including the first
	BaseDelay         time.Duration // first backoff delay
	MaxDelay          time.Duration // backoff cap
	InvocationTimeout time.Duration // deadline of one invocation
	MaxInvocations    int           // continuation bound per object
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = time.Minute
	}
	if o.InvocationTimeout <= 0 {
		o.InvocationTimeout = 15 * time.Minute
	}
	if o.MaxInvocations <= 0 {
		o.MaxInvocations = 1000
	}
	return o
}

// RunResult summarizes one Run.
type RunResult struct {
	Invocations  int
	Attempts     int
	Outcome      domain.Outcome
	DeadLettered bool
	Err          error // the failure that caused the dead letter
}

// Orchestrator serializes runs per object and loops over continuations.
type Orchestrator struct {
	invoker Invoker
	dlq     domain.DeadLetterQueue
	opts    Options
	locks   *keyedLocks
	now     func() time.Time
	logger  *slog.Logger
}

// New creates an Orchestrator.
func New(invoker Invoker, dlq domain.DeadLetterQueue, opts Options, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		invoker: invoker,
		dlq:     dlq,
		opts:    opts.withDefaults(),
		locks:   newKeyedLocks(),
		now:     time.Now,
		logger:  logger.With("component", "orchestrator"),
	}
}

// Run processes trig until the object is drained or skipped, or the trigger
// is dead-lettered. It returns an error only when ctx ends or the dead
// letter cannot be sent; processing failures are reported in RunResult.
func (o *Orchestrator) Run(ctx context.Context, trig domain.Trigger) (RunResult, error) {
	var res RunResult
	unlock, err := o.locks.lock(ctx, trig.Object.String())
	if err != nil {
		return res, err
	}
	defer unlock()

	log := o.logger.With("bucket", trig.Object.Bucket, "key", trig.Object.Key)
	current := trig
	for {
		if res.Invocations >= o.opts.MaxInvocations {
			err := fmt.Errorf("object %s unfinished after %d invocations", trig.Object, res.Invocations)
			return o.deadLetter(ctx, trig, res, err)
		}
		res.Invocations++

		out, attempts, err := o.invoke(ctx, current)
		res.Attempts += attempts
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			return o.deadLetter(ctx, trig, res, err)
		}
		res.Outcome = out

		if out.State != domain.StateContinuing {
			log.Info("run finished", "state", string(out.State),
				"invocations", res.Invocations, "attempts", res.Attempts)
			return res, nil
		}
		log.Debug("continuing", "cursor", out.Cursor, "invocation", res.Invocations)
		current.Cursor = out.Next()
	}
}

// invoke runs one invocation with bounded exponential retry.
func (o *Orchestrator) invoke(ctx context.Context, trig domain.Trigger) (domain.Outcome, int, error) {
	backoff := retry.NewExponential(o.opts.BaseDelay)
	backoff = retry.WithCappedDuration(o.opts.MaxDelay, backoff)
	backoff = retry.WithMaxRetries(uint64(o.opts.MaxAttempts-1), backoff) //nolint:gosec // MaxAttempts is positive

	var (
		out      domain.Outcome
		attempts int
	)
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		ictx, cancel := context.WithTimeout(ctx, o.opts.InvocationTimeout)
		defer cancel()

		result, err := o.invoker.Invoke(ictx, trig)
		if err == nil {
			out = result
			return nil
		}
		if domain.IsPermanent(err) {
			return err
		}
		o.logger.Warn("invocation failed, will retry",
			"bucket", trig.Object.Bucket, "key", trig.Object.Key,
			"attempt", attempts, "error", err)
		return retry.RetryableError(err)
	})
	return out, attempts, err
}

func (o *Orchestrator) deadLetter(ctx context.Context, trig domain.Trigger, res RunResult, cause error) (RunResult, error) {
	res.DeadLettered = true
	res.Err = cause
	res.Outcome = domain.Outcome{State: domain.StateFailed}

	dl := domain.DeadLetter{
		Trigger:     trig,
		Error:       cause.Error(),
		Attempts:    res.Attempts,
		Invocations: res.Invocations,
		FailedAt:    o.now().UTC(),
	}
	o.logger.Error("dead-lettering trigger",
		"bucket", trig.Object.Bucket, "key", trig.Object.Key,
		"permanent", domain.IsPermanent(cause),
		"attempts", res.Attempts, "invocations", res.Invocations, "error", cause)
	if err := o.dlq.Send(ctx, dl); err != nil {
		return res, errors.Join(fmt.Errorf("send dead letter for %s: %w", trig.Object, err), cause)
	}
	return res, nil
}

// keyedLocks is a set of per-key mutexes that respect context cancellation.
type keyedLocks struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{slots: make(map[string]*slot)}
}

func (k *keyedLocks) lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	s, ok := k.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		k.slots[key] = s
	}
	s.refs++
	k.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
		return func() {
			<-s.ch
			k.release(key, s)
		}, nil
	case <-ctx.Done():
		k.release(key, s)
		return nil, ctx.Err()
	}
}

func (k *keyedLocks) release(key string, s *slot) {
	k.mu.Lock()
	defer k.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(k.slots, key)
	}
}
