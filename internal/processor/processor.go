package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// Task is a unit of work run on a job's queue.
type Task func(ctx context.Context) error

// ErrQueueFull indicates that the job already has the maximum number of pending tasks.
var ErrQueueFull = errors.New("processor queue is full")

// ErrClosed is returned by Enqueue after Shutdown has been called.
var ErrClosed = errors.New("processor is shut down")

// Stats is a snapshot of queue occupancy.
type Stats struct {
	Jobs    int
	Active  int
	Pending int
}

type jobQueue struct {
	key     string
	pending []Task
	active  bool
}

// Processor runs tasks on per-job FIFO queues. A job's queue is drained by at
// most one goroutine at a time, and at most workerCount tasks run at once
// across all jobs.
type Processor struct {
	logger     *slog.Logger
	maxPending int
	slots      chan struct{}

	mu     sync.Mutex
	queues map[string]*jobQueue
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a processor with workerCount concurrent workers and a bound of
// maxPending queued tasks per job.
func New(workerCount, maxPending int, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if workerCount <= 0 {
		workerCount = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		logger:     logger,
		maxPending: maxPending,
		slots:      make(chan struct{}, workerCount),
		queues:     make(map[string]*jobQueue),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Enqueue appends task to the queue of key.
func (p *Processor) Enqueue(key string, task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}

	q, ok := p.queues[key]
	if !ok {
		q = &jobQueue{key: key}
		p.queues[key] = q
	}
	if p.maxPending > 0 && len(q.pending) >= p.maxPending {
		return fmt.Errorf("job %s: %w", key, ErrQueueFull)
	}
	q.pending = append(q.pending, task)

	if !q.active {
		q.active = true
		p.wg.Add(1)
		go p.drain(q)
	}
	return nil
}

// Stats reports the current number of known, active and pending queues.
func (p *Processor) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{Jobs: len(p.queues)}
	for _, q := range p.queues {
		if q.active {
			s.Active++
		}
		s.Pending += len(q.pending)
	}
	return s
}

// Shutdown stops accepting tasks and waits for queued tasks to finish. When
// ctx expires first, the context handed to running tasks is cancelled and
// Shutdown returns without waiting further.
func (p *Processor) Shutdown(ctx context.Context) {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn("shutdown timed out", slog.String("error", ctx.Err().Error()))
	}
	p.cancel()
}

func (p *Processor) drain(q *jobQueue) {
	defer p.wg.Done()
	for {
		p.slots <- struct{}{}

		p.mu.Lock()
		if len(q.pending) == 0 {
			q.active = false
			p.mu.Unlock()
			<-p.slots
			return
		}
		task := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		p.mu.Unlock()

		p.run(q.key, task)
		<-p.slots
	}
}

func (p *Processor) run(key string, task Task) {
	logger := p.logger.With(slog.String("job", key))
	defer func() {
		if r := recover(); r != nil {
			logger.Error("task panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()

	if err := task(p.ctx); err != nil {
		logger.Error("task failed", slog.String("error", err.Error()))
	}
}
