package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerRunsImmediatelyAndPeriodically(t *testing.T) {
	s := New()
	var runs int64
	s.Register(Task{
		Name:     "counter",
		Interval: 20 * time.Millisecond,
		Run: func(ctx context.Context) error {
			atomic.AddInt64(&runs, 1)
			return nil
		},
	})

	s.Start(context.Background())
	time.Sleep(70 * time.Millisecond)
	s.Stop()

	got := atomic.LoadInt64(&runs)
	if got < 2 {
		t.Errorf("task ran %d times, want at least 2", got)
	}
}

func TestSchedulerStopIsIdempotent(t *testing.T) {
	s := New()
	s.Register(Task{Name: "noop", Interval: time.Hour, Run: func(ctx context.Context) error { return nil }})
	s.Start(context.Background())
	s.Stop()
	s.Stop() // must not panic
}

func TestSchedulerTaskErrorDoesNotStopOthers(t *testing.T) {
	s := New()
	var ok int64
	s.Register(Task{
		Name:     "failing",
		Interval: 10 * time.Millisecond,
		Run:      func(ctx context.Context) error { return context.DeadlineExceeded },
	})
	s.Register(Task{
		Name:     "healthy",
		Interval: 10 * time.Millisecond,
		Run: func(ctx context.Context) error {
			atomic.AddInt64(&ok, 1)
			return nil
		},
	})

	s.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	s.Stop()

	if atomic.LoadInt64(&ok) < 2 {
		t.Error("healthy task starved by failing sibling")
	}
}
