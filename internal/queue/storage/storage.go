package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/settlement-orchestrator/internal/queue"
	"github.com/jmoiron/sqlx"
)

const jobColumns = `seq, job_id, name, group_key, payload, status, attempts, attempts_made,
	backoff_type, backoff_delay_ms, available_at, deferred, locked_by, locked_until,
	return_value, failed_reason, remove_on_complete, remove_on_fail, created_at, updated_at, finished_at`

// jobRow is the database representation of queue.Job
type jobRow struct {
	Seq              int64          `db:"seq"`
	JobID            string         `db:"job_id"`
	Name             string         `db:"name"`
	GroupKey         string         `db:"group_key"`
	Payload          []byte         `db:"payload"`
	Status           string         `db:"status"`
	Attempts         int            `db:"attempts"`
	AttemptsMade     int            `db:"attempts_made"`
	BackoffType      string         `db:"backoff_type"`
	BackoffDelayMs   int64          `db:"backoff_delay_ms"`
	AvailableAt      time.Time      `db:"available_at"`
	Deferred         bool           `db:"deferred"`
	LockedBy         sql.NullString `db:"locked_by"`
	LockedUntil      sql.NullTime   `db:"locked_until"`
	ReturnValue      []byte         `db:"return_value"`
	FailedReason     sql.NullString `db:"failed_reason"`
	RemoveOnComplete bool           `db:"remove_on_complete"`
	RemoveOnFail     bool           `db:"remove_on_fail"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
	FinishedAt       sql.NullTime   `db:"finished_at"`
}

func (r *jobRow) toJob() *queue.Job {
	job := &queue.Job{
		ID:               r.JobID,
		Seq:              r.Seq,
		Name:             queue.JobName(r.Name),
		GroupKey:         r.GroupKey,
		Payload:          json.RawMessage(r.Payload),
		Status:           queue.Status(r.Status),
		Attempts:         r.Attempts,
		AttemptsMade:     r.AttemptsMade,
		Backoff:          queue.Backoff{Type: queue.BackoffType(r.BackoffType), Delay: time.Duration(r.BackoffDelayMs) * time.Millisecond},
		AvailableAt:      r.AvailableAt,
		Deferred:         r.Deferred,
		LockedBy:         r.LockedBy.String,
		ReturnValue:      json.RawMessage(r.ReturnValue),
		FailedReason:     r.FailedReason.String,
		RemoveOnComplete: r.RemoveOnComplete,
		RemoveOnFail:     r.RemoveOnFail,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
	if r.LockedUntil.Valid {
		t := r.LockedUntil.Time
		job.LockedUntil = &t
	}
	if r.FinishedAt.Valid {
		t := r.FinishedAt.Time
		job.FinishedAt = &t
	}
	return job
}

// jsonParam renders JSON for a JSONB parameter; lib/pq would send []byte as bytea.
func jsonParam(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

// Storage is the PostgreSQL implementation of queue.Store
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

var _ queue.Store = (*Storage)(nil)

// Insert stores jobs inside one transaction, honoring job id deduplication
func (s *Storage) Insert(ctx context.Context, jobs []*queue.Job) ([]*queue.Job, error) {
	insertQuery := `
		INSERT INTO jobs (job_id, name, group_key, payload, status, attempts, attempts_made,
			backoff_type, backoff_delay_ms, available_at, deferred,
			remove_on_complete, remove_on_fail, created_at, updated_at)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6, 0, $7, $8, $9, FALSE, $10, $11, $12, $12)
		ON CONFLICT (job_id) DO UPDATE SET
			seq = nextval(pg_get_serial_sequence('jobs', 'seq')),
			name = EXCLUDED.name,
			group_key = EXCLUDED.group_key,
			payload = EXCLUDED.payload,
			status = EXCLUDED.status,
			attempts = EXCLUDED.attempts,
			attempts_made = 0,
			backoff_type = EXCLUDED.backoff_type,
			backoff_delay_ms = EXCLUDED.backoff_delay_ms,
			available_at = EXCLUDED.available_at,
			deferred = FALSE,
			locked_by = NULL,
			locked_until = NULL,
			return_value = NULL,
			failed_reason = NULL,
			remove_on_complete = EXCLUDED.remove_on_complete,
			remove_on_fail = EXCLUDED.remove_on_fail,
			created_at = EXCLUDED.created_at,
			updated_at = EXCLUDED.updated_at,
			finished_at = NULL
		WHERE jobs.status IN ('COMPLETED', 'FAILED')
		RETURNING ` + jobColumns

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	out := make([]*queue.Job, 0, len(jobs))
	for _, job := range jobs {
		var row jobRow
		err := tx.QueryRowxContext(ctx, insertQuery,
			job.ID,
			string(job.Name),
			job.GroupKey,
			jsonParam(job.Payload),
			string(job.Status),
			job.Attempts,
			string(job.Backoff.Type),
			job.Backoff.Delay.Milliseconds(),
			job.AvailableAt,
			job.RemoveOnComplete,
			job.RemoveOnFail,
			job.CreatedAt,
		).StructScan(&row)

		if errors.Is(err, sql.ErrNoRows) {
			// still pending under this id
			err = tx.QueryRowxContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = $1`, job.ID).StructScan(&row)
			if err == nil {
				s.logger.Debug("Duplicate job id ignored",
					slog.String("job_id", job.ID),
					slog.String("status", row.Status),
				)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("failed to insert job %s: %w", job.ID, err)
		}
		out = append(out, row.toJob())
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit jobs: %w", err)
	}
	return out, nil
}

// Get retrieves a job from the database by its ID
func (s *Storage) Get(ctx context.Context, id string) (*queue.Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, `SELECT `+jobColumns+` FROM jobs WHERE job_id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, queue.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return row.toJob(), nil
}

// List returns jobs newest first, keyset-paginated by seq
func (s *Storage) List(ctx context.Context, filter queue.ListFilter) ([]*queue.Job, error) {
	var (
		conditions []string
		args       []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conditions = append(conditions, fmt.Sprintf(cond, len(args)))
	}

	if filter.Name != "" {
		add("name = $%d", string(filter.Name))
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.GroupKey != "" {
		add("group_key = $%d", filter.GroupKey)
	}
	if filter.BeforeSeq > 0 {
		add("seq < $%d", filter.BeforeSeq)
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	args = append(args, filter.Limit)
	query += fmt.Sprintf(" ORDER BY seq DESC LIMIT $%d", len(args))

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	jobs := make([]*queue.Job, 0, len(rows))
	for i := range rows {
		jobs = append(jobs, rows[i].toJob())
	}
	return jobs, nil
}

// Delete removes a job row
func (s *Storage) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE job_id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}

// Claim attempts to claim a job using optimistic locking
func (s *Storage) Claim(ctx context.Context, id, owner string, lockedUntil, now time.Time) (*queue.Job, error) {
	query := `
		UPDATE jobs
		SET status = 'ACTIVE',
		    locked_by = $1,
		    locked_until = $2,
		    updated_at = $3
		WHERE job_id = $4
		  AND status = 'WAITING'
		RETURNING ` + jobColumns

	var row jobRow
	err := s.db.QueryRowxContext(ctx, query, owner, lockedUntil, now, id).StructScan(&row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, queue.ErrJobAlreadyClaimed
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	s.logger.Debug("Job claimed",
		slog.String("job_id", id),
		slog.String("owner", owner),
		slog.String("name", row.Name),
	)
	return row.toJob(), nil
}

func expectOwned(res sql.Result, err error, op string) error {
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return queue.ErrJobLost
	}
	return nil
}

// Touch extends the lock of an active job
func (s *Storage) Touch(ctx context.Context, id, owner string, lockedUntil time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET locked_until = $1
		WHERE job_id = $2 AND status = 'ACTIVE' AND locked_by = $3`,
		lockedUntil, id, owner,
	)
	return expectOwned(res, err, "extend job lock")
}

// Transition persists a status change made by the lock owner
func (s *Storage) Transition(ctx context.Context, job *queue.Job, owner string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = $1,
		    attempts_made = $2,
		    available_at = $3,
		    deferred = $4,
		    locked_by = NULL,
		    locked_until = NULL,
		    return_value = $5::jsonb,
		    failed_reason = NULLIF($6, ''),
		    updated_at = $7,
		    finished_at = $8
		WHERE job_id = $9 AND status = 'ACTIVE' AND locked_by = $10`,
		string(job.Status),
		job.AttemptsMade,
		job.AvailableAt,
		job.Deferred,
		jsonParam(job.ReturnValue),
		job.FailedReason,
		job.UpdatedAt,
		nullTime(job.FinishedAt),
		job.ID,
		owner,
	)
	return expectOwned(res, err, "update job status")
}

// UpdatePayload replaces the payload of an active job
func (s *Storage) UpdatePayload(ctx context.Context, id, owner string, payload json.RawMessage) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET payload = $1::jsonb, updated_at = NOW()
		WHERE job_id = $2 AND status = 'ACTIVE' AND locked_by = $3`,
		jsonParam(payload), id, owner,
	)
	return expectOwned(res, err, "update job payload")
}

// HasOlderPending checks for an earlier job of the same group still queued or running
func (s *Storage) HasOlderPending(ctx context.Context, groupKey string, seq int64) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM jobs
			WHERE group_key = $1 AND seq < $2
			  AND (status IN ('WAITING', 'ACTIVE') OR (status = 'DELAYED' AND deferred))
		)`, groupKey, seq)
	if err != nil {
		return false, fmt.Errorf("failed to check group order: %w", err)
	}
	return exists, nil
}

// PromoteDue moves due delayed and stalled active jobs back to WAITING
func (s *Storage) PromoteDue(ctx context.Context, req queue.PromoteRequest) ([]string, error) {
	query := `
		WITH due AS (
			SELECT job_id FROM jobs
			WHERE (status = 'DELAYED' AND available_at <= $1)
			   OR (status = 'ACTIVE' AND locked_until < $1)
			   OR (status = 'WAITING' AND updated_at < $2)
			ORDER BY seq
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs j
		SET status = 'WAITING', locked_by = NULL, locked_until = NULL, updated_at = $1
		FROM due
		WHERE j.job_id = due.job_id
		RETURNING j.job_id`

	var ids []string
	if err := s.db.SelectContext(ctx, &ids, query, req.Now, req.WaitingBefore, req.Limit); err != nil {
		return nil, fmt.Errorf("failed to promote jobs: %w", err)
	}
	return ids, nil
}
