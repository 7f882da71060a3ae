package outbox

import (
	"context"
	"fmt"
	"time"

	"docpipeline/internal/contextutil"
	"docpipeline/internal/schedule"
)

// Pruner deletes processed rows.
type Pruner interface {
	DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Cleaner removes processed outbox rows once they are older than the retention window.
type Cleaner struct {
	store     Pruner
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
}

// NewCleaner creates a Cleaner.
func NewCleaner(store Pruner, retention, interval time.Duration) *Cleaner {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Cleaner{
		store:     store,
		retention: retention,
		interval:  interval,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// RunOnce deletes every processed row older than the retention window.
func (c *Cleaner) RunOnce(ctx context.Context) (int64, error) {
	cutoff := c.now().Add(-c.retention)
	n, err := c.store.DeleteProcessedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune outbox: %w", err)
	}
	cleanupDeletedTotal.Add(float64(n))
	if n > 0 {
		contextutil.LoggerFromContext(ctx).InfoContext(ctx, "pruned processed outbox events", "deleted", n, "cutoff", cutoff)
	}
	return n, nil
}

// Loop returns the retention loop.
func (c *Cleaner) Loop() *schedule.Loop {
	return &schedule.Loop{
		Name:     "outbox-cleaner",
		Interval: c.interval,
		Fn: func(ctx context.Context) error {
			_, err := c.RunOnce(ctx)
			return err
		},
	}
}
