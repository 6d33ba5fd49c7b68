package integration

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Scheduler runs deferred work on a bounded pool. Submitted tasks wait their
// delay, then run on one of the pool slots. Shutdown drops tasks whose delay
// has not elapsed and waits for running ones, so the process can drain
// cleanly.
type Scheduler struct {
	logger *slog.Logger
	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
	timers sync.WaitGroup
}

// NewScheduler creates a scheduler with the given concurrency limit
func NewScheduler(limit int, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if limit <= 0 {
		limit = 8
	}

	ctx, cancel := context.WithCancel(context.Background())

	group := &errgroup.Group{}
	group.SetLimit(limit)

	return &Scheduler{
		logger: logger,
		group:  group,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Submit schedules fn to run immediately on the pool.
func (s *Scheduler) Submit(name string, fn func(ctx context.Context)) {
	s.SubmitAfter(0, name, fn)
}

// SubmitAfter schedules fn to run after the given delay. The task is dropped
// if the scheduler shuts down before the delay elapses.
func (s *Scheduler) SubmitAfter(delay time.Duration, name string, fn func(ctx context.Context)) {
	s.timers.Add(1)
	go func() {
		defer s.timers.Done()

		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()

			select {
			case <-s.ctx.Done():
				s.logger.Debug("Dropping deferred task on shutdown", "task", name)
				return
			case <-timer.C:
			}
		} else if s.ctx.Err() != nil {
			return
		}

		s.group.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("Deferred task panicked",
						"task", name,
						"panic", r,
					)
				}
			}()

			fn(s.ctx)
			return nil
		})
	}()
}

// Shutdown stops accepting timer fires and waits for running tasks
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.timers.Wait()
		_ = s.group.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
