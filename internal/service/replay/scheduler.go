package replay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler runs replay passes over a fixed set of buckets on a cron
// schedule. A pass is skipped while the previous one is still running.
type Scheduler struct {
	cron     *cron.Cron
	svc      *Service
	buckets  []string
	schedule string
	timeout  time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	entry   cron.EntryID
	running bool
}

// NewScheduler creates a replay scheduler. timeout bounds one pass; zero
// means no bound.
func NewScheduler(svc *Service, schedule string, buckets []string, timeout time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:     cron.New(),
		svc:      svc,
		buckets:  buckets,
		schedule: schedule,
		timeout:  timeout,
		logger:   logger.With("component", "replay-scheduler"),
	}
}

// Start registers the schedule and starts the cron runner.
func (s *Scheduler) Start(ctx context.Context) error {
	id, err := s.cron.AddFunc(s.schedule, func() { s.RunOnce(ctx) })
	if err != nil {
		return fmt.Errorf("invalid replay schedule %q: %w", s.schedule, err)
	}
	s.mu.Lock()
	s.entry = id
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("replay scheduler started", "schedule", s.schedule, "buckets", s.buckets)
	return nil
}

// Stop stops the cron runner and waits for a running pass.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("replay scheduler stopped")
}

// Next returns the next scheduled run, or the zero time before Start.
func (s *Scheduler) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entry == 0 {
		return time.Time{}
	}
	return s.cron.Entry(s.entry).Next
}

// RunOnce replays every bucket once. It reports false when a pass was
// already running.
func (s *Scheduler) RunOnce(ctx context.Context) bool {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn("previous replay still running, skipping")
		return false
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	for _, bucket := range s.buckets {
		if _, err := s.svc.Replay(ctx, bucket); err != nil {
			s.logger.Warn("scheduled replay failed", "bucket", bucket, "error", err)
		}
	}
	return true
}
