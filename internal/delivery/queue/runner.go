package queue

import (
	"context"
	"errors"
	"time"
)

// Run drives batches on a fixed interval until the context is cancelled.
// Urgent enqueues kick an extra batch between ticks. Blocks; run it in its
// own goroutine.
func (q *Queue) Run(ctx context.Context) {
	interval := q.cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	q.logger.Info("dispatch runner started", "interval", interval)

	// Drain anything already due before the first tick.
	q.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			q.logger.Info("dispatch runner stopped")
			return
		case <-ticker.C:
			q.runOnce(ctx)
		case <-q.kick:
			q.runOnce(ctx)
		}
	}
}

func (q *Queue) runOnce(ctx context.Context) {
	if _, err := q.RunBatch(ctx, q.cfg.BatchSize); err != nil && !errors.Is(err, context.Canceled) {
		q.logger.Error("batch run failed", "error", err)
	}
}
