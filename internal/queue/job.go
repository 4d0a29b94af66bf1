package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobName identifies the kind of a job and selects its manager.
type JobName string

// Status is the lifecycle state of a job.
type Status string

const (
	StatusWaiting   Status = "WAITING"
	StatusDelayed   Status = "DELAYED"
	StatusActive    Status = "ACTIVE"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether no further transitions happen from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Pending reports whether a job in state s still occupies its id.
func (s Status) Pending() bool {
	return s == StatusWaiting || s == StatusDelayed || s == StatusActive
}

// BackoffType selects how retry delays grow.
type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

// Backoff is the retry delay policy of a job.
type Backoff struct {
	Type  BackoffType   `json:"type" yaml:"type"`
	Delay time.Duration `json:"delay" yaml:"delay"`
}

// Next returns the delay before the retry that follows attemptsMade failed
// attempts. Exponential backoff doubles from Delay: 1x, 2x, 4x...
func (b Backoff) Next(attemptsMade int) time.Duration {
	if b.Delay <= 0 {
		return 0
	}
	if b.Type != BackoffExponential || attemptsMade <= 1 {
		return b.Delay
	}
	shift := attemptsMade - 1
	if shift > 20 {
		shift = 20
	}
	return b.Delay * time.Duration(1<<uint(shift))
}

// Options control delivery of a single job.
type Options struct {
	// JobID deduplicates: enqueueing an id that is still pending is a no-op.
	JobID            string
	GroupKey         string
	Attempts         int
	Backoff          Backoff
	Delay            time.Duration
	RemoveOnComplete bool
	RemoveOnFail     bool
}

// BulkJob is one entry of EnqueueBulk.
type BulkJob struct {
	Name    JobName
	Payload any
	Options Options
}

// Job is the unit of work stored in the queue.
type Job struct {
	ID               string          `json:"id"`
	Seq              int64           `json:"seq"`
	Name             JobName         `json:"name"`
	GroupKey         string          `json:"group_key"`
	Payload          json.RawMessage `json:"payload"`
	Status           Status          `json:"status"`
	Attempts         int             `json:"attempts"`
	AttemptsMade     int             `json:"attempts_made"`
	Backoff          Backoff         `json:"backoff"`
	AvailableAt      time.Time       `json:"available_at"`
	Deferred         bool            `json:"deferred"`
	LockedBy         string          `json:"locked_by,omitempty"`
	LockedUntil      *time.Time      `json:"locked_until,omitempty"`
	ReturnValue      json.RawMessage `json:"return_value,omitempty"`
	FailedReason     string          `json:"failed_reason,omitempty"`
	RemoveOnComplete bool            `json:"remove_on_complete"`
	RemoveOnFail     bool            `json:"remove_on_fail"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	FinishedAt       *time.Time      `json:"finished_at,omitempty"`
}

// IsFinalAttempt reports whether the job failed terminally: either the
// attempts captured at enqueue time are used up or the failure was
// unrecoverable. Valid after a failure has been recorded on the job.
func (j *Job) IsFinalAttempt() bool {
	return j.Status == StatusFailed || j.AttemptsMade >= j.Attempts
}

// Decode unmarshals the payload into v.
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("%w: job %s (%s): %v", ErrInvalidPayload, j.ID, j.Name, err)
	}
	return nil
}

// Clone returns a copy safe to hand to another goroutine.
func (j *Job) Clone() *Job {
	c := *j
	c.Payload = append(json.RawMessage(nil), j.Payload...)
	c.ReturnValue = append(json.RawMessage(nil), j.ReturnValue...)
	if j.LockedUntil != nil {
		t := *j.LockedUntil
		c.LockedUntil = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// Scheduler is a recurring job registration.
type Scheduler struct {
	Name      string          `json:"name"`
	JobName   JobName         `json:"job_name"`
	Every     time.Duration   `json:"every"`
	Payload   json.RawMessage `json:"payload"`
	GroupKey  string          `json:"group_key"`
	Attempts  int             `json:"attempts"`
	Backoff   Backoff         `json:"backoff"`
	NextRunAt time.Time       `json:"next_run_at"`
	CreatedAt time.Time       `json:"created_at"`
}

// ListFilter selects jobs for inspection. Results are ordered newest first
// and paginate by Seq.
type ListFilter struct {
	Name      JobName
	Status    Status
	GroupKey  string
	BeforeSeq int64
	Limit     int
}

// PromoteRequest bounds one promoter pass.
type PromoteRequest struct {
	Now time.Time
	// WaitingBefore re-notifies WAITING jobs that became available before
	// this instant, recovering lost notifications.
	WaitingBefore time.Time
	Limit         int
}
