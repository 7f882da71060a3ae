// Package schedule runs periodic background jobs.
package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"docpipeline/internal/contextutil"
)

// Loop calls Fn once at Start and then on every tick of Interval until Stop is
// called or the start context is canceled. Ticks that arrive while Fn is still
// running are dropped, so runs never overlap.
type Loop struct {
	Name     string
	Interval time.Duration
	Fn       func(ctx context.Context) error

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Start launches the loop goroutine. Calling Start on a running loop is a no-op.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	l.running = true

	logger := contextutil.LoggerFromContext(ctx).With("loop", l.Name)
	logger.InfoContext(ctx, "starting loop", "interval", l.Interval)
	go l.run(contextutil.WithLogger(ctx, logger), l.done)
}

// Stop cancels the loop and waits for the current run to return.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	cancel, done := l.cancel, l.done
	l.running = false
	l.mu.Unlock()

	cancel()
	<-done
}

// Running reports whether the loop has been started and not stopped.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	logger := contextutil.LoggerFromContext(ctx)

	l.tick(ctx, logger)

	ticker := time.NewTicker(l.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.InfoContext(ctx, "loop stopped")
			return
		case <-ticker.C:
			l.tick(ctx, logger)
		}
	}
}

func (l *Loop) tick(ctx context.Context, logger *slog.Logger) {
	if ctx.Err() != nil {
		return
	}
	if err := l.Fn(ctx); err != nil && ctx.Err() == nil {
		logger.ErrorContext(ctx, "loop iteration failed", "error", err)
	}
}
