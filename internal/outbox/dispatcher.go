// Package outbox polls the transactional outbox and hands each row to the
// handler registered for its event type.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"docpipeline/internal/contextutil"
	"docpipeline/internal/schedule"
	"docpipeline/internal/storage"
	"docpipeline/internal/worker"
)

var errLeaseLost = errors.New("outbox lease lost")

// Handler acts on one outbox row. A nil return marks the row processed.
type Handler interface {
	Handle(ctx context.Context, ev *storage.OutboxEvent) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev *storage.OutboxEvent) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, ev *storage.OutboxEvent) error {
	return f(ctx, ev)
}

// Store is the outbox persistence the dispatcher needs.
type Store interface {
	Claim(ctx context.Context, owner string, limit int, lease time.Duration, now time.Time) ([]*storage.OutboxEvent, error)
	Renew(ctx context.Context, id, owner string, lease time.Duration, now time.Time) error
	MarkProcessed(ctx context.Context, id, owner string, now time.Time) error
	MarkFailed(ctx context.Context, id, owner, msg string, deadLetter bool, now time.Time) error
	DeadLetter(ctx context.Context, id, owner, msg string, now time.Time) error
	Release(ctx context.Context, id, owner string) error
}

// Config holds dispatcher settings.
type Config struct {
	BatchSize    int
	Lease        time.Duration
	MaxAttempts  int
	PollInterval time.Duration
}

// Dispatcher claims unprocessed outbox rows in creation order and dispatches them.
type Dispatcher struct {
	store    Store
	cfg      Config
	owner    string
	now      func() time.Time
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewDispatcher creates a dispatcher over store.
func NewDispatcher(store Store, cfg Config) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Lease <= 0 {
		cfg.Lease = time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Dispatcher{
		store:    store,
		cfg:      cfg,
		owner:    "dispatcher-" + uuid.NewString()[:8],
		now:      func() time.Time { return time.Now().UTC() },
		handlers: make(map[string]Handler),
	}
}

// Register binds h to eventType, replacing any previous handler.
func (d *Dispatcher) Register(eventType string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[eventType] = h
}

func (d *Dispatcher) handler(eventType string) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[eventType]
	return h, ok
}

// PollOnce claims one batch and dispatches it. It returns how many rows were
// claimed. Handler failures are recorded on the rows, not returned.
func (d *Dispatcher) PollOnce(ctx context.Context) (int, error) {
	events, err := d.store.Claim(ctx, d.owner, d.cfg.BatchSize, d.cfg.Lease, d.now())
	if err != nil {
		return 0, fmt.Errorf("failed to claim outbox events: %w", err)
	}

	for i, ev := range events {
		if ctx.Err() != nil {
			d.releaseAll(ctx, events[i:])
			return len(events), ctx.Err()
		}
		if busy := d.dispatch(ctx, ev); busy {
			// The pool is full; hand the rest back for the next poll.
			d.releaseAll(ctx, events[i+1:])
			break
		}
	}
	return len(events), nil
}

// Loop returns the polling loop for the dispatcher.
func (d *Dispatcher) Loop() *schedule.Loop {
	return &schedule.Loop{
		Name:     "outbox-dispatcher",
		Interval: d.cfg.PollInterval,
		Fn: func(ctx context.Context) error {
			_, err := d.PollOnce(ctx)
			return err
		},
	}
}

// dispatch runs the handler for ev and records the outcome. It reports whether
// the handler refused the event because the worker pool was saturated.
func (d *Dispatcher) dispatch(ctx context.Context, ev *storage.OutboxEvent) bool {
	ctx = contextutil.WithAttrs(ctx,
		"event_id", ev.ID,
		"event_type", ev.EventType,
		"aggregate_id", ev.AggregateID,
	)
	logger := contextutil.LoggerFromContext(ctx)

	// Earlier rows of the batch may have outlived the claim lease, so the
	// lease is renewed per row. A row another dispatcher took over is skipped.
	if err := d.store.Renew(ctx, ev.ID, d.owner, d.cfg.Lease, d.now()); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			dispatchTotal.WithLabelValues(ev.EventType, "lease_lost").Inc()
			logger.WarnContext(ctx, "outbox lease lost before dispatch, skipping event")
		} else {
			logger.WarnContext(ctx, "failed to renew outbox lease, skipping event", "error", err)
		}
		return false
	}

	if ev.Attempts >= d.cfg.MaxAttempts {
		msg := fmt.Sprintf("dead-lettered after %d attempts: %s", ev.Attempts, ev.LastError)
		d.deadLetter(ctx, ev, msg)
		return false
	}

	h, ok := d.handler(ev.EventType)
	if !ok {
		d.deadLetter(ctx, ev, fmt.Sprintf("unknown event type %q", ev.EventType))
		return false
	}

	start := time.Now()
	hctx, stop := d.holdLease(ctx, ev)
	err := h.Handle(hctx, ev)
	stop()
	dispatchDuration.WithLabelValues(ev.EventType).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		dispatchTotal.WithLabelValues(ev.EventType, "processed").Inc()
		if err := d.store.MarkProcessed(ctx, ev.ID, d.owner, d.now()); err != nil {
			logger.WarnContext(ctx, "failed to mark outbox event processed", "error", err)
		}
		return false

	case errors.Is(err, worker.ErrBusy):
		dispatchTotal.WithLabelValues(ev.EventType, "busy").Inc()
		logger.DebugContext(ctx, "worker pool saturated, releasing event")
		if err := d.store.Release(ctx, ev.ID, d.owner); err != nil {
			logger.WarnContext(ctx, "failed to release outbox event", "error", err)
		}
		return true
	}

	attempts := ev.Attempts + 1
	deadLetter := attempts >= d.cfg.MaxAttempts
	if err := d.store.MarkFailed(ctx, ev.ID, d.owner, err.Error(), deadLetter, d.now()); err != nil {
		logger.WarnContext(ctx, "failed to record outbox failure", "error", err)
	}

	if deadLetter {
		dispatchTotal.WithLabelValues(ev.EventType, "dead_letter").Inc()
		deadLetterTotal.WithLabelValues(ev.EventType).Inc()
		logger.ErrorContext(ctx, "outbox event dead-lettered, manual intervention required",
			"attempts", attempts, "error", err)
		return false
	}

	dispatchTotal.WithLabelValues(ev.EventType, "failed").Inc()
	logger.WarnContext(ctx, "outbox handler failed, will retry",
		"attempts", attempts, "max_attempts", d.cfg.MaxAttempts, "error", err)
	return false
}

func (d *Dispatcher) deadLetter(ctx context.Context, ev *storage.OutboxEvent, msg string) {
	logger := contextutil.LoggerFromContext(ctx)
	dispatchTotal.WithLabelValues(ev.EventType, "dead_letter").Inc()
	deadLetterTotal.WithLabelValues(ev.EventType).Inc()
	if err := d.store.DeadLetter(ctx, ev.ID, d.owner, msg, d.now()); err != nil {
		logger.WarnContext(ctx, "failed to dead-letter outbox event", "error", err)
		return
	}
	logger.ErrorContext(ctx, "outbox event dead-lettered, manual intervention required", "reason", msg)
}

func (d *Dispatcher) releaseAll(ctx context.Context, events []*storage.OutboxEvent) {
	// Release must succeed even when ctx is already canceled.
	ctx = context.WithoutCancel(ctx)
	for _, ev := range events {
		if err := d.store.Release(ctx, ev.ID, d.owner); err != nil {
			contextutil.LoggerFromContext(ctx).WarnContext(ctx, "failed to release outbox event",
				"event_id", ev.ID, "error", err)
		}
	}
}

// holdLease keeps renewing the lease on ev while its handler runs. The returned
// context is canceled if the lease is lost; stop ends the renewals.
func (d *Dispatcher) holdLease(ctx context.Context, ev *storage.OutboxEvent) (context.Context, func()) {
	hctx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	exited := make(chan struct{})

	go func() {
		defer close(exited)
		ticker := time.NewTicker(max(d.cfg.Lease/3, time.Millisecond))
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-hctx.Done():
				return
			case <-ticker.C:
				err := d.store.Renew(hctx, ev.ID, d.owner, d.cfg.Lease, d.now())
				if errors.Is(err, storage.ErrConflict) {
					contextutil.LoggerFromContext(ctx).WarnContext(ctx, "outbox lease lost while handler was running")
					cancel(errLeaseLost)
					return
				}
				if err != nil && hctx.Err() == nil {
					contextutil.LoggerFromContext(ctx).WarnContext(ctx, "failed to renew outbox lease", "error", err)
				}
			}
		}
	}()

	return hctx, func() {
		close(done)
		<-exited
		cancel(nil)
	}
}
