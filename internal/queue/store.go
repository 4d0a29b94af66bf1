package queue

import (
	"context"
	"encoding/json"
	"time"
)

// Store persists jobs and recurring schedules. Implementations must make
// Claim and Transition atomic with respect to concurrent workers.
type Store interface {
	// Insert stores jobs in order. A job whose ID is still pending is not
	// replaced; the stored job is returned in its place. A terminal job with
	// the same ID is reset with the new contents.
	Insert(ctx context.Context, jobs []*Job) ([]*Job, error)
	Get(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context, filter ListFilter) ([]*Job, error)
	Delete(ctx context.Context, id string) error

	// Claim moves a WAITING job to ACTIVE under owner until lockedUntil.
	Claim(ctx context.Context, id, owner string, lockedUntil, now time.Time) (*Job, error)
	// Touch extends the lock of an ACTIVE job held by owner.
	Touch(ctx context.Context, id, owner string, lockedUntil time.Time) error
	// Transition persists the state carried by job, provided the stored job
	// is still ACTIVE and locked by owner.
	Transition(ctx context.Context, job *Job, owner string) error
	// UpdatePayload replaces the payload of an ACTIVE job held by owner.
	UpdatePayload(ctx context.Context, id, owner string, payload json.RawMessage) error
	// HasOlderPending reports whether a job of the same group enqueued
	// before seq is WAITING, ACTIVE or was deferred for group contention.
	HasOlderPending(ctx context.Context, groupKey string, seq int64) (bool, error)
	// PromoteDue makes due DELAYED jobs and expired ACTIVE jobs WAITING and
	// returns their ids together with WAITING jobs that need re-notification.
	PromoteDue(ctx context.Context, req PromoteRequest) ([]string, error)

	// ReplaceScheduler removes any scheduler with the same name and stores s.
	ReplaceScheduler(ctx context.Context, s *Scheduler) error
	RemoveScheduler(ctx context.Context, name string) error
	Schedulers(ctx context.Context) ([]*Scheduler, error)
	// ClaimDueSchedulers returns schedulers due at now, advancing each
	// next run past now so a tick fires once across processes.
	ClaimDueSchedulers(ctx context.Context, now time.Time) ([]*Scheduler, error)
}

// Delivery is a readiness notification for one job.
type Delivery struct {
	JobID string
	ack   func() error
}

// NewDelivery builds a delivery acknowledged by ack.
func NewDelivery(jobID string, ack func() error) Delivery {
	return Delivery{JobID: jobID, ack: ack}
}

// Ack acknowledges the notification. The job's durable state lives in the
// Store, so acknowledging never loses work.
func (d Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

// Notifier carries job-ready signals from producers to workers.
type Notifier interface {
	Notify(ctx context.Context, jobID string) error
	Subscribe(ctx context.Context, consumerTag string) (<-chan Delivery, error)
}

// GroupLeases marks groups busy while one of their jobs is active. The
// ttl bounds how long a crashed worker can keep a group.
type GroupLeases interface {
	TryAcquire(ctx context.Context, group, owner string, ttl time.Duration) (bool, error)
	Extend(ctx context.Context, group, owner string, ttl time.Duration) error
	Release(ctx context.Context, group, owner string) error
}
