package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type recorder struct {
	mu    sync.Mutex
	order []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.order = append(r.order, s)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func TestProcessorRunsJobTasksInOrder(t *testing.T) {
	proc := New(4, 0, discardLogger())
	defer proc.Shutdown(context.Background())

	rec := &recorder{}
	var running, maxRunning int
	var mu sync.Mutex
	done := make(chan struct{})

	const n = 20
	for i := 0; i < n; i++ {
		i := i
		err := proc.Enqueue("job-a", func(context.Context) error {
			mu.Lock()
			running++
			if running > maxRunning {
				maxRunning = running
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)
			rec.add(fmt.Sprintf("r%d", i))

			mu.Lock()
			running--
			mu.Unlock()
			if i == n-1 {
				close(done)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for tasks")
	}

	got := rec.snapshot()
	for i := range got {
		if got[i] != fmt.Sprintf("r%d", i) {
			t.Fatalf("tasks ran out of order: %v", got)
		}
	}
	if maxRunning != 1 {
		t.Fatalf("expected at most one running task per job, saw %d", maxRunning)
	}
}

func TestProcessorRunsJobsConcurrently(t *testing.T) {
	proc := New(2, 0, discardLogger())
	defer proc.Shutdown(context.Background())

	release := make(chan struct{})
	started := make(chan string, 2)
	finishedB := make(chan struct{})

	if err := proc.Enqueue("job-a", func(context.Context) error {
		started <- "a"
		<-release
		return nil
	}); err != nil {
		t.Fatalf("enqueue a: %v", err)
	}
	if err := proc.Enqueue("job-b", func(context.Context) error {
		started <- "b"
		close(finishedB)
		return nil
	}); err != nil {
		t.Fatalf("enqueue b: %v", err)
	}

	select {
	case <-finishedB:
	case <-time.After(2 * time.Second):
		t.Fatal("job-b was blocked by job-a")
	}
	close(release)
}

func TestProcessorSurvivesFailingTasks(t *testing.T) {
	proc := New(1, 0, discardLogger())
	defer proc.Shutdown(context.Background())

	done := make(chan struct{})
	_ = proc.Enqueue("job-a", func(context.Context) error { return errors.New("poll failed") })
	_ = proc.Enqueue("job-a", func(context.Context) error { panic("boom") })
	_ = proc.Enqueue("job-a", func(context.Context) error {
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("queue stopped draining after a failing task")
	}
}

func TestProcessorQueueFull(t *testing.T) {
	proc := New(1, 1, discardLogger())
	defer proc.Shutdown(context.Background())

	release := make(chan struct{})
	started := make(chan struct{})
	if err := proc.Enqueue("job-a", func(context.Context) error {
		close(started)
		<-release
		return nil
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	<-started

	if err := proc.Enqueue("job-a", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	err := proc.Enqueue("job-a", func(context.Context) error { return nil })
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if err := proc.Enqueue("job-b", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("other job must not be affected: %v", err)
	}
	close(release)
}

func TestProcessorShutdownDrainsAndRejects(t *testing.T) {
	proc := New(1, 0, discardLogger())

	rec := &recorder{}
	for i := 0; i < 3; i++ {
		i := i
		_ = proc.Enqueue("job-a", func(context.Context) error {
			time.Sleep(5 * time.Millisecond)
			rec.add(fmt.Sprintf("r%d", i))
			return nil
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	proc.Shutdown(ctx)

	if got := len(rec.snapshot()); got != 3 {
		t.Fatalf("expected 3 tasks to finish before shutdown returned, got %d", got)
	}
	if err := proc.Enqueue("job-a", func(context.Context) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if s := proc.Stats(); s.Pending != 0 || s.Active != 0 {
		t.Fatalf("unexpected stats after shutdown: %+v", s)
	}
}
