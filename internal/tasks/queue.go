// Package tasks runs fire-and-forget work after a response has been written.
// A task failure or panic is logged and never reaches the request that
// scheduled it.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrClosed is returned by Submit after Shutdown has started.
var ErrClosed = errors.New("tasks: queue closed")

// ErrFull is returned by Submit when the buffer has no room.
var ErrFull = errors.New("tasks: queue full")

// Task is one unit of background work.
type Task struct {
	Name      string
	RequestID string
	Run       func(ctx context.Context) error
}

// Observer is notified of every finished or dropped task. result is one of
// "ok", "error", "panic" or "dropped".
type Observer func(name, result string, took time.Duration)

// Queue is a bounded in-process work queue served by a fixed worker pool.
type Queue struct {
	ch      chan Task
	logger  zerolog.Logger
	timeout time.Duration
	observe Observer
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
}

// Option configures a Queue.
type Option func(*Queue)

// WithTaskTimeout bounds each task's run time.
func WithTaskTimeout(d time.Duration) Option {
	return func(q *Queue) { q.timeout = d }
}

func WithObserver(o Observer) Option {
	return func(q *Queue) { q.observe = o }
}

// NewQueue starts workers goroutines reading from a buffer of size capacity.
func NewQueue(workers, capacity int, logger zerolog.Logger, opts ...Option) *Queue {
	if workers <= 0 {
		workers = 1
	}
	if capacity <= 0 {
		capacity = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		ch:      make(chan Task, capacity),
		logger:  logger,
		timeout: 10 * time.Second,
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(q)
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.work()
	}
	return q
}

// Submit enqueues t without blocking. A full or closed queue drops the task
// and reports why.
func (q *Queue) Submit(t Task) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.ch <- t:
		return nil
	default:
		q.logger.Warn().Str("task", t.Name).Str("request_id", t.RequestID).Msg("tasks: queue full, dropping task")
		q.record(t.Name, "dropped", 0)
		return ErrFull
	}
}

// Shutdown stops accepting tasks and waits for queued ones to finish. If ctx
// ends first, running tasks are cancelled and ctx's error is returned.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		return ctx.Err()
	}
}

func (q *Queue) work() {
	defer q.wg.Done()
	for t := range q.ch {
		q.run(t)
	}
}

func (q *Queue) run(t Task) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(q.ctx, q.timeout)
	defer cancel()

	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("%w: %v", errPanic, p)
			}
		}()
		return t.Run(ctx)
	}()

	took := time.Since(start)
	switch {
	case err == nil:
		q.logger.Debug().Str("task", t.Name).Str("request_id", t.RequestID).Dur("took", took).Msg("tasks: done")
		q.record(t.Name, "ok", took)
	case errors.Is(err, errPanic):
		q.logger.Error().Err(err).Str("task", t.Name).Str("request_id", t.RequestID).Msg("tasks: task panicked")
		q.record(t.Name, "panic", took)
	default:
		q.logger.Error().Err(err).Str("task", t.Name).Str("request_id", t.RequestID).Msg("tasks: task failed")
		q.record(t.Name, "error", took)
	}
}

var errPanic = errors.New("panic")

func (q *Queue) record(name, result string, took time.Duration) {
	if q.observe != nil {
		q.observe(name, result, took)
	}
}
