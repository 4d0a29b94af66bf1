package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/settlement-orchestrator/internal/queue"
	"github.com/cuongbtq/settlement-orchestrator/shared/logger"
)

// processJob claims one job and runs it under its group lease. Every
// outcome is recorded in the queue; nothing is returned to the caller.
func (w *Worker) processJob(ctx context.Context, jobID, workerName string) {
	owner := workerName + ":" + jobID

	// Step 1: Claim job (WAITING → ACTIVE)
	job, err := w.queue.Claim(ctx, jobID, owner)
	if err != nil {
		if errors.Is(err, queue.ErrJobAlreadyClaimed) || errors.Is(err, queue.ErrJobNotFound) {
			w.logger.Debug("Job not claimable, skipping",
				slog.String("job_id", jobID),
				slog.Any("reason", err),
			)
			return
		}
		w.logger.Error("Failed to claim job",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		return
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		JobID:    job.ID,
		JobName:  string(job.Name),
		GroupKey: job.GroupKey,
	})

	// Step 2: Readiness gate
	if w.readiness != nil && !w.readiness.IsReady() {
		w.deferJob(ctx, job, w.readyDeferDelay, DeferNotReady)
		return
	}

	// Step 3: Group lease, then FIFO within the group
	acquired, err := w.leases.TryAcquire(ctx, job.GroupKey, owner, w.groupLockTTL)
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to acquire group lease", slog.Any("error", err))
		w.deferJob(ctx, job, w.groupDeferDelay, DeferGroupBusy)
		return
	}
	if !acquired {
		w.deferJob(ctx, job, w.groupDeferDelay, DeferGroupBusy)
		return
	}
	defer w.releaseGroup(ctx, job.GroupKey, owner)

	older, err := w.queue.HasOlderPending(ctx, job)
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to check group order", slog.Any("error", err))
	}
	if older || err != nil {
		w.deferJob(ctx, job, w.groupDeferDelay, DeferGroupOrder)
		return
	}

	// Step 4: Resolve the job manager
	manager := w.registry.Match(job)
	if manager == nil {
		cause := queue.Unrecoverable(fmt.Errorf("no job manager registered for %s", job.Name))
		w.logger.ErrorContext(ctx, "Unknown job", slog.Any("error", cause))
		if _, err := w.queue.Fail(ctx, job, cause); err != nil {
			w.logger.ErrorContext(ctx, "Failed to record job failure", slog.Any("error", err))
		}
		w.metrics.observeOutcome(job.Name, OutcomeFailed)
		return
	}

	// Step 5: Execute with heartbeat
	stopHeartbeat := w.startHeartbeat(ctx, job.Clone(), owner)
	result, procErr := w.process(manager)(ctx, job)
	stopHeartbeat()

	// Step 6: Record the outcome, then run the manager hooks
	if procErr == nil {
		w.completeJob(ctx, manager, job, result)
		return
	}
	w.failJob(ctx, manager, job, procErr)
}

func (w *Worker) completeJob(ctx context.Context, manager JobManager, job *queue.Job, result any) {
	if err := w.queue.Complete(ctx, job, result); err != nil {
		// Another worker owns the job now; its outcome wins.
		w.logger.ErrorContext(ctx, "Failed to mark job completed", slog.Any("error", err))
		return
	}
	w.metrics.observeOutcome(job.Name, OutcomeCompleted)

	if err := manager.OnComplete(ctx, job, result); err != nil {
		w.logger.ErrorContext(ctx, "Job completion hook failed", slog.Any("error", err))
	}
}

func (w *Worker) failJob(ctx context.Context, manager JobManager, job *queue.Job, cause error) {
	final, err := w.queue.Fail(ctx, job, cause)
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to record job failure", slog.Any("error", err))
		return
	}

	if final {
		w.metrics.observeOutcome(job.Name, OutcomeFailed)
		w.logger.WarnContext(ctx, "Job failed permanently",
			slog.Int("attempts_made", job.AttemptsMade),
			slog.Any("error", cause),
		)
	} else {
		w.metrics.observeOutcome(job.Name, OutcomeRetried)
		w.logger.InfoContext(ctx, "Job will be retried",
			slog.Int("attempts_made", job.AttemptsMade),
			slog.Int("max_attempts", job.Attempts),
			slog.Time("retry_at", job.AvailableAt),
		)
	}

	if err := manager.OnFailed(ctx, job, cause); err != nil {
		w.logger.ErrorContext(ctx, "Job failure hook failed", slog.Any("error", err))
	}
}

func (w *Worker) deferJob(ctx context.Context, job *queue.Job, delay time.Duration, reason string) {
	if err := w.queue.Defer(ctx, job, delay); err != nil {
		w.logger.ErrorContext(ctx, "Failed to defer job",
			slog.String("reason", reason),
			slog.Any("error", err),
		)
		return
	}
	w.metrics.observeDefer(reason)
	w.logger.DebugContext(ctx, "Job deferred",
		slog.String("reason", reason),
		slog.Duration("delay", delay),
	)
}

func (w *Worker) releaseGroup(ctx context.Context, group, owner string) {
	if err := w.leases.Release(ctx, group, owner); err != nil {
		w.logger.WarnContext(ctx, "Failed to release group lease", slog.Any("error", err))
	}
}

// startHeartbeat periodically extends the job lock and group lease until
// the returned stop function is called.
func (w *Worker) startHeartbeat(ctx context.Context, job *queue.Job, owner string) func() {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		ticker := time.NewTicker(w.heartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.queue.Extend(ctx, job); err != nil {
					w.logger.WarnContext(ctx, "Failed to extend job lock", slog.Any("error", err))
				}
				if err := w.leases.Extend(ctx, job.GroupKey, owner, w.groupLockTTL); err != nil {
					w.logger.WarnContext(ctx, "Failed to extend group lease", slog.Any("error", err))
				}
			}
		}
	}()

	return func() {
		cancel()
		wg.Wait()
	}
}
