// Package worker runs document processing tasks on a bounded goroutine pool.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"docpipeline/internal/contextutil"
)

// ErrBusy is returned by Submit when every worker is occupied.
var ErrBusy = errors.New("worker pool is saturated")

// ErrClosed is returned by Submit after Release.
var ErrClosed = errors.New("worker pool is closed")

var (
	tasksInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "docpipeline_worker_tasks_in_flight",
		Help: "Processing tasks currently running.",
	})
	tasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docpipeline_worker_tasks_total",
		Help: "Processing tasks by outcome.",
	}, []string{"outcome"})
)

// Task is a unit of background work. Its context carries the hard deadline.
type Task func(ctx context.Context)

// Runner submits tasks to an ants pool without blocking. Every task runs under
// a context that expires after the configured timeout and is canceled when the
// runner is released.
type Runner struct {
	pool    *ants.Pool
	timeout time.Duration

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewRunner creates a runner with size workers. timeout bounds each task.
func NewRunner(size int, timeout time.Duration) (*Runner, error) {
	if size < 1 {
		size = 1
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("task timeout must be positive")
	}

	pool, err := ants.NewPool(size, ants.WithNonblocking(true))
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}

	base, cancel := context.WithCancel(context.Background())
	return &Runner{
		pool:    pool,
		timeout: timeout,
		base:    base,
		cancel:  cancel,
	}, nil
}

// Submit schedules task. The logger in ctx is handed to the task, but ctx's
// cancellation is not: a task outlives the call that submitted it. Returns
// ErrBusy when no worker is free.
func (r *Runner) Submit(ctx context.Context, name string, task Task) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.wg.Add(1)
	r.mu.Unlock()

	logger := contextutil.LoggerFromContext(ctx).With("task", name)

	err := r.pool.Submit(func() {
		defer r.wg.Done()
		tasksInFlight.Inc()
		defer tasksInFlight.Dec()

		taskCtx, cancel := context.WithTimeout(r.base, r.timeout)
		defer cancel()
		taskCtx = contextutil.WithLogger(taskCtx, logger)

		start := time.Now()
		defer func() {
			if rec := recover(); rec != nil {
				tasksTotal.WithLabelValues("panic").Inc()
				logger.ErrorContext(taskCtx, "task panicked", "panic", rec, "stack", string(debug.Stack()))
				return
			}
			switch {
			case errors.Is(taskCtx.Err(), context.DeadlineExceeded):
				tasksTotal.WithLabelValues("timeout").Inc()
				logger.WarnContext(taskCtx, "task hit its deadline", "timeout", r.timeout, "duration", time.Since(start))
			case taskCtx.Err() != nil:
				tasksTotal.WithLabelValues("canceled").Inc()
			default:
				tasksTotal.WithLabelValues("completed").Inc()
			}
		}()

		task(taskCtx)
	})
	if err != nil {
		r.wg.Done()
		if errors.Is(err, ants.ErrPoolOverload) {
			return ErrBusy
		}
		if errors.Is(err, ants.ErrPoolClosed) {
			return ErrClosed
		}
		return fmt.Errorf("failed to submit task: %w", err)
	}
	return nil
}

// Running returns the number of busy workers.
func (r *Runner) Running() int {
	return r.pool.Running()
}

// Free returns the number of idle workers.
func (r *Runner) Free() int {
	return r.pool.Free()
}

// Release stops accepting tasks and waits for in-flight ones. If ctx ends first
// the remaining tasks are canceled and Release returns ctx's error once they exit.
func (r *Runner) Release(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		r.cancel()
		<-done
	}
	r.cancel()
	r.pool.Release()
	return err
}
