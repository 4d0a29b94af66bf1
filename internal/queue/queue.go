package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Producer is the enqueue side of the queue used by job managers.
type Producer interface {
	Enqueue(ctx context.Context, name JobName, payload any, opts Options) (*Job, error)
	EnqueueBulk(ctx context.Context, jobs []BulkJob) ([]*Job, error)
	ScheduleRecurring(ctx context.Context, name string, every time.Duration, job BulkJob) error
	RemoveRecurring(ctx context.Context, name string) error
}

// DataUpdater persists an evolved payload onto an active job so retries
// observe it.
type DataUpdater interface {
	UpdateData(ctx context.Context, job *Job, payload any) error
}

// Config holds queue-wide defaults.
type Config struct {
	DefaultAttempts int
	DefaultBackoff  Backoff
	// LockDuration is how long a claimed job stays owned without a heartbeat.
	LockDuration time.Duration
	// StalledAfter re-notifies WAITING jobs older than this.
	StalledAfter time.Duration
}

// Queue is a durable at-least-once job queue with delayed, recurring and
// deduplicated jobs. State lives in the Store; the Notifier only signals.
type Queue struct {
	store    Store
	notifier Notifier
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a queue over store and notifier.
func New(store Store, notifier Notifier, cfg Config, logger *slog.Logger) *Queue {
	if cfg.DefaultAttempts <= 0 {
		cfg.DefaultAttempts = 1
	}
	if cfg.LockDuration <= 0 {
		cfg.LockDuration = 5 * time.Minute
	}
	if cfg.StalledAfter <= 0 {
		cfg.StalledAfter = time.Minute
	}
	return &Queue{
		store:    store,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock overrides the time source.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

// LockDuration returns the configured job lock duration.
func (q *Queue) LockDuration() time.Duration {
	return q.cfg.LockDuration
}

func (q *Queue) buildJob(name JobName, payload any, opts Options, now time.Time) (*Job, error) {
	if name == "" {
		return nil, errors.New("job name is required")
	}

	data, err := Encode(payload)
	if err != nil {
		return nil, err
	}

	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = q.cfg.DefaultAttempts
	}
	backoff := opts.Backoff
	if backoff.Type == "" && backoff.Delay == 0 {
		backoff = q.cfg.DefaultBackoff
	}
	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}
	group := opts.GroupKey
	if group == "" {
		group = string(name)
	}

	job := &Job{
		ID:               id,
		Name:             name,
		GroupKey:         group,
		Payload:          data,
		Status:           StatusWaiting,
		Attempts:         attempts,
		Backoff:          backoff,
		AvailableAt:      now,
		RemoveOnComplete: opts.RemoveOnComplete,
		RemoveOnFail:     opts.RemoveOnFail,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if opts.Delay > 0 {
		job.Status = StatusDelayed
		job.AvailableAt = now.Add(opts.Delay)
	}
	return job, nil
}

// Enqueue adds one job.
func (q *Queue) Enqueue(ctx context.Context, name JobName, payload any, opts Options) (*Job, error) {
	jobs, err := q.EnqueueBulk(ctx, []BulkJob{{Name: name, Payload: payload, Options: opts}})
	if err != nil {
		return nil, err
	}
	return jobs[0], nil
}

// EnqueueBulk adds jobs in one store call, preserving their order.
func (q *Queue) EnqueueBulk(ctx context.Context, bulk []BulkJob) ([]*Job, error) {
	if len(bulk) == 0 {
		return nil, nil
	}

	now := q.now()
	jobs := make([]*Job, 0, len(bulk))
	for _, b := range bulk {
		job, err := q.buildJob(b.Name, b.Payload, b.Options, now)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	stored, err := q.store.Insert(ctx, jobs)
	if err != nil {
		return nil, fmt.Errorf("failed to insert jobs: %w", err)
	}

	for _, job := range stored {
		if job.Status == StatusWaiting {
			q.notify(ctx, job.ID)
		}
	}

	q.logger.DebugContext(ctx, "Jobs enqueued",
		slog.Int("count", len(stored)),
		slog.String("name", string(bulk[0].Name)),
	)
	return stored, nil
}

func (q *Queue) notify(ctx context.Context, id string) {
	if err := q.notifier.Notify(ctx, id); err != nil {
		// The promoter re-notifies stale WAITING jobs.
		q.logger.WarnContext(ctx, "Failed to notify job",
			slog.String("job_id", id),
			slog.Any("error", err),
		)
	}
}

// ScheduleRecurring registers job to be enqueued every interval under name.
// Any scheduler already registered under name is removed first, so repeated
// registration leaves exactly one schedule.
func (q *Queue) ScheduleRecurring(ctx context.Context, name string, every time.Duration, job BulkJob) error {
	if name == "" {
		return errors.New("scheduler name is required")
	}
	if every <= 0 {
		return fmt.Errorf("scheduler %s: interval must be positive", name)
	}

	data, err := Encode(job.Payload)
	if err != nil {
		return err
	}

	now := q.now()
	s := &Scheduler{
		Name:      name,
		JobName:   job.Name,
		Every:     every,
		Payload:   data,
		GroupKey:  job.Options.GroupKey,
		Attempts:  job.Options.Attempts,
		Backoff:   job.Options.Backoff,
		NextRunAt: now,
		CreatedAt: now,
	}

	if err := q.store.ReplaceScheduler(ctx, s); err != nil {
		return fmt.Errorf("failed to register scheduler %s: %w", name, err)
	}

	q.logger.InfoContext(ctx, "Recurring job scheduled",
		slog.String("scheduler", name),
		slog.String("job_name", string(job.Name)),
		slog.Duration("every", every),
	)
	return nil
}

// RemoveRecurring deletes the scheduler registered under name.
func (q *Queue) RemoveRecurring(ctx context.Context, name string) error {
	if err := q.store.RemoveScheduler(ctx, name); err != nil {
		return fmt.Errorf("failed to remove scheduler %s: %w", name, err)
	}
	q.logger.InfoContext(ctx, "Recurring job removed", slog.String("scheduler", name))
	return nil
}

// Schedulers lists registered recurring schedules.
func (q *Queue) Schedulers(ctx context.Context) ([]*Scheduler, error) {
	return q.store.Schedulers(ctx)
}

// FireDueSchedules enqueues one job per due schedule tick. Job ids derive
// from the scheduler name and tick time, so concurrent firing deduplicates.
func (q *Queue) FireDueSchedules(ctx context.Context) (int, error) {
	due, err := q.store.ClaimDueSchedulers(ctx, q.now())
	if err != nil {
		return 0, fmt.Errorf("failed to claim due schedulers: %w", err)
	}

	fired := 0
	for _, s := range due {
		opts := Options{
			JobID:            fmt.Sprintf("repeat:%s:%d", s.Name, s.NextRunAt.UnixMilli()),
			GroupKey:         s.GroupKey,
			Attempts:         s.Attempts,
			Backoff:          s.Backoff,
			RemoveOnComplete: true,
		}
		if _, err := q.Enqueue(ctx, s.JobName, s.Payload, opts); err != nil {
			q.logger.ErrorContext(ctx, "Failed to enqueue recurring job",
				slog.String("scheduler", s.Name),
				slog.Any("error", err),
			)
			continue
		}
		fired++
	}
	return fired, nil
}

// Get returns a job by id.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	return q.store.Get(ctx, id)
}

// List returns jobs matching filter.
func (q *Queue) List(ctx context.Context, filter ListFilter) ([]*Job, error) {
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 50
	}
	return q.store.List(ctx, filter)
}

// Claim takes ownership of a WAITING job.
func (q *Queue) Claim(ctx context.Context, id, owner string) (*Job, error) {
	now := q.now()
	return q.store.Claim(ctx, id, owner, now.Add(q.cfg.LockDuration), now)
}

// Extend renews the lock of an active job.
func (q *Queue) Extend(ctx context.Context, job *Job) error {
	until := q.now().Add(q.cfg.LockDuration)
	if err := q.store.Touch(ctx, job.ID, job.LockedBy, until); err != nil {
		return err
	}
	job.LockedUntil = &until
	return nil
}

func (q *Queue) release(job *Job, now time.Time) string {
	owner := job.LockedBy
	job.LockedBy = ""
	job.LockedUntil = nil
	job.UpdatedAt = now
	return owner
}

// Complete records a successful result.
func (q *Queue) Complete(ctx context.Context, job *Job, result any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode job result: %w", err)
	}

	now := q.now()
	owner := q.release(job, now)
	job.Status = StatusCompleted
	job.ReturnValue = data
	job.Deferred = false
	job.FinishedAt = &now

	if err := q.store.Transition(ctx, job, owner); err != nil {
		return fmt.Errorf("failed to complete job %s: %w", job.ID, err)
	}
	if job.RemoveOnComplete {
		if err := q.store.Delete(ctx, job.ID); err != nil {
			q.logger.WarnContext(ctx, "Failed to remove completed job", slog.String("job_id", job.ID), slog.Any("error", err))
		}
	}
	return nil
}

// Fail records a failed attempt. The job is retried after its backoff
// unless attempts are exhausted or cause is unrecoverable; final reports
// the terminal case.
func (q *Queue) Fail(ctx context.Context, job *Job, cause error) (final bool, err error) {
	now := q.now()
	owner := q.release(job, now)
	job.AttemptsMade++
	job.FailedReason = cause.Error()
	job.Deferred = false

	final = IsUnrecoverable(cause) || job.AttemptsMade >= job.Attempts
	if final {
		job.Status = StatusFailed
		job.FinishedAt = &now
	} else {
		delay := job.Backoff.Next(job.AttemptsMade)
		job.Status = StatusDelayed
		if delay == 0 {
			job.Status = StatusWaiting
		}
		job.AvailableAt = now.Add(delay)
	}

	if err := q.store.Transition(ctx, job, owner); err != nil {
		return final, fmt.Errorf("failed to record job failure %s: %w", job.ID, err)
	}

	switch {
	case final && job.RemoveOnFail:
		if err := q.store.Delete(ctx, job.ID); err != nil {
			q.logger.WarnContext(ctx, "Failed to remove failed job", slog.String("job_id", job.ID), slog.Any("error", err))
		}
	case job.Status == StatusWaiting:
		q.notify(ctx, job.ID)
	}
	return final, nil
}

// Defer hands an active job back without consuming an attempt. It keeps
// its enqueue position within its group.
func (q *Queue) Defer(ctx context.Context, job *Job, delay time.Duration) error {
	now := q.now()
	owner := q.release(job, now)
	job.Status = StatusDelayed
	job.Deferred = true
	job.AvailableAt = now.Add(delay)

	if err := q.store.Transition(ctx, job, owner); err != nil {
		return fmt.Errorf("failed to defer job %s: %w", job.ID, err)
	}
	return nil
}

// UpdateData replaces the payload of an active job, both stored and in job.
func (q *Queue) UpdateData(ctx context.Context, job *Job, payload any) error {
	data, err := Encode(payload)
	if err != nil {
		return err
	}
	if err := q.store.UpdatePayload(ctx, job.ID, job.LockedBy, data); err != nil {
		return fmt.Errorf("failed to update job data %s: %w", job.ID, err)
	}
	job.Payload = data
	return nil
}

// HasOlderPending reports whether job must wait behind an earlier job of
// its group.
func (q *Queue) HasOlderPending(ctx context.Context, job *Job) (bool, error) {
	return q.store.HasOlderPending(ctx, job.GroupKey, job.Seq)
}

// PromoteDue moves due jobs to WAITING and notifies workers.
func (q *Queue) PromoteDue(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	now := q.now()
	ids, err := q.store.PromoteDue(ctx, PromoteRequest{
		Now:           now,
		WaitingBefore: now.Add(-q.cfg.StalledAfter),
		Limit:         limit,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to promote jobs: %w", err)
	}
	for _, id := range ids {
		q.notify(ctx, id)
	}
	return len(ids), nil
}

// Deliveries subscribes to job-ready notifications.
func (q *Queue) Deliveries(ctx context.Context, consumerTag string) (<-chan Delivery, error) {
	return q.notifier.Subscribe(ctx, consumerTag)
}
