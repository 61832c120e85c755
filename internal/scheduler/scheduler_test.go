package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newStarted(t *testing.T) *Scheduler {
	t.Helper()
	s, err := New(zerolog.Nop(), 2)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func waitFor(t *testing.T, ch <-chan struct{}, timeout time.Duration) bool {
	t.Helper()
	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	}
}

func TestScheduler_Enqueue(t *testing.T) {
	s := newStarted(t)

	done := make(chan struct{})
	if err := s.Enqueue("search:1", func(ctx context.Context) {
		if ctx == nil {
			t.Error("expected a context")
		}
		close(done)
	}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	if !waitFor(t, done, 2*time.Second) {
		t.Fatal("enqueued work did not run")
	}
}

func TestScheduler_FinishedWorkReleased(t *testing.T) {
	s := newStarted(t)

	const runs = 50
	var finished atomic.Int32
	allDone := make(chan struct{})
	for i := 0; i < runs; i++ {
		if err := s.Enqueue("poll:1", func(context.Context) {
			if finished.Add(1) == runs {
				close(allDone)
			}
		}); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}
	if !waitFor(t, allDone, 5*time.Second) {
		t.Fatalf("only %d of %d runs finished", finished.Load(), runs)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(s.gocron.Jobs()) > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("gocron still holds %d jobs after all work finished", len(s.gocron.Jobs()))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestScheduler_After(t *testing.T) {
	s := newStarted(t)

	start := time.Now()
	done := make(chan struct{})
	if err := s.After("poll:1", 100*time.Millisecond, func(context.Context) { close(done) }); err != nil {
		t.Fatalf("After() error = %v", err)
	}

	if !waitFor(t, done, 3*time.Second) {
		t.Fatal("delayed work did not run")
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("work ran after %v, expected at least 100ms", elapsed)
	}
}

func TestScheduler_CancelPending(t *testing.T) {
	s := newStarted(t)

	var ran atomic.Bool
	if err := s.After("poll:7", 300*time.Millisecond, func(context.Context) { ran.Store(true) }); err != nil {
		t.Fatalf("After() error = %v", err)
	}
	kept := make(chan struct{})
	if err := s.After("poll:8", 300*time.Millisecond, func(context.Context) { close(kept) }); err != nil {
		t.Fatalf("After() error = %v", err)
	}

	s.Cancel("poll:7")

	if !waitFor(t, kept, 3*time.Second) {
		t.Fatal("work under another key should still run")
	}
	time.Sleep(100 * time.Millisecond)
	if ran.Load() {
		t.Error("cancelled work ran")
	}
}

func TestScheduler_WorkPanicRecovered(t *testing.T) {
	s := newStarted(t)

	if err := s.Enqueue("boom", func(context.Context) { panic("boom") }); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	done := make(chan struct{})
	if err := s.Enqueue("after-boom", func(context.Context) { close(done) }); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if !waitFor(t, done, 2*time.Second) {
		t.Fatal("scheduler stopped running work after a panic")
	}
}

func TestScheduler_EnqueueAfterStop(t *testing.T) {
	s, err := New(zerolog.Nop(), 0)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	_ = s.Start()
	_ = s.Stop()

	if err := s.Enqueue("late", func(context.Context) {}); err == nil {
		t.Error("expected an error after Stop")
	}
}

func TestScheduler_Tasks(t *testing.T) {
	s := newStarted(t)

	done := make(chan struct{}, 1)
	cfg := TaskConfig{
		ID:          "research-awaiting",
		Name:        "Re-search awaiting requests",
		Description: "test",
		Cron:        "0 */6 * * *",
		Func: func(context.Context) error {
			done <- struct{}{}
			return nil
		},
	}
	if err := s.RegisterTask(cfg); err != nil {
		t.Fatalf("RegisterTask() error = %v", err)
	}
	if err := s.RegisterTask(cfg); err == nil {
		t.Error("expected duplicate registration to fail")
	}

	tasks := s.ListTasks()
	if len(tasks) != 1 || tasks[0].ID != "research-awaiting" {
		t.Fatalf("ListTasks() = %+v", tasks)
	}

	if err := s.RunNow("research-awaiting"); err != nil {
		t.Fatalf("RunNow() error = %v", err)
	}
	if !waitFor(t, done, 2*time.Second) {
		t.Fatal("task did not run")
	}

	if err := s.RunNow("missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("RunNow(missing) error = %v, want ErrTaskNotFound", err)
	}
	if _, err := s.GetTask("missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("GetTask(missing) error = %v, want ErrTaskNotFound", err)
	}
}
