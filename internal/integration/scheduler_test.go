package integration

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// TestSchedulerRunsSubmittedTask tests immediate submission
func TestSchedulerRunsSubmittedTask(t *testing.T) {
	scheduler := NewScheduler(2, testLogger())

	var ran atomic.Bool
	done := make(chan struct{})

	scheduler.Submit("test-task", func(ctx context.Context) {
		ran.Store(true)
		close(done)
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Task did not run")
	}

	if !ran.Load() {
		t.Error("Task flag not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := scheduler.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

// TestSchedulerDelaysTask tests delayed submission
func TestSchedulerDelaysTask(t *testing.T) {
	scheduler := NewScheduler(2, testLogger())

	start := time.Now()
	done := make(chan struct{})

	scheduler.SubmitAfter(100*time.Millisecond, "delayed-task", func(ctx context.Context) {
		close(done)
	})

	select {
	case <-done:
		if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
			t.Errorf("Task ran after %v, expected at least 100ms", elapsed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Delayed task did not run")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := scheduler.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

// TestSchedulerShutdownDropsPending tests that undue tasks are dropped on
// shutdown
func TestSchedulerShutdownDropsPending(t *testing.T) {
	scheduler := NewScheduler(2, testLogger())

	var ran atomic.Bool
	scheduler.SubmitAfter(10*time.Second, "never-due", func(ctx context.Context) {
		ran.Store(true)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := scheduler.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	if ran.Load() {
		t.Error("Task with unelapsed delay ran anyway")
	}
}

// TestSchedulerSurvivesPanic tests the panic guard
func TestSchedulerSurvivesPanic(t *testing.T) {
	scheduler := NewScheduler(1, testLogger())

	done := make(chan struct{})
	scheduler.Submit("panicking-task", func(ctx context.Context) {
		defer close(done)
		panic("boom")
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Panicking task never started")
	}

	// The pool still works afterwards.
	ok := make(chan struct{})
	scheduler.Submit("follow-up", func(ctx context.Context) {
		close(ok)
	})

	select {
	case <-ok:
	case <-time.After(2 * time.Second):
		t.Fatal("Scheduler dead after panic")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := scheduler.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}
