package worker

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/settlement-orchestrator/internal/queue"
)

// startMessageDispatcher forwards job notifications to the worker pool
func (w *Worker) startMessageDispatcher(ctx context.Context, deliveries <-chan queue.Delivery) {
	w.logger.Info("Message dispatcher started",
		slog.String("worker_id", w.workerID),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Message dispatcher stopped - context canceled")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("Job notification channel closed")
				return
			}

			select {
			case w.jobsChan <- delivery:
				w.logger.Debug("Job dispatched to worker pool",
					slog.String("job_id", delivery.JobID),
				)
			case <-ctx.Done():
				// Unacked; the promoter re-announces the job if nobody claims it.
				w.logger.Info("Message dispatcher stopped while dispatching job")
				return
			}
		}
	}
}
