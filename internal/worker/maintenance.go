package worker

import (
	"context"
	"log/slog"
	"time"
)

// runPromoter moves due delayed jobs and expired locks back to WAITING
func (w *Worker) runPromoter(ctx context.Context) {
	ticker := time.NewTicker(w.promoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.queue.PromoteDue(ctx, w.promoteBatchSize)
			if err != nil {
				if ctx.Err() == nil {
					w.logger.Error("Failed to promote jobs", slog.Any("error", err))
				}
				continue
			}
			w.metrics.observePromoted(n)
			if n > 0 {
				w.logger.Debug("Jobs promoted", slog.Int("count", n))
			}
		}
	}
}

// runScheduler enqueues jobs for due recurring schedules
func (w *Worker) runScheduler(ctx context.Context) {
	ticker := time.NewTicker(w.scheduleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.queue.FireDueSchedules(ctx)
			if err != nil {
				if ctx.Err() == nil {
					w.logger.Error("Failed to fire recurring jobs", slog.Any("error", err))
				}
				continue
			}
			if n > 0 {
				w.logger.Debug("Recurring jobs fired", slog.Int("count", n))
			}
		}
	}
}
