package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuongbtq/settlement-orchestrator/internal/queue"
)

const schedulerColumns = `name, job_name, every_ms, payload, group_key, attempts,
	backoff_type, backoff_delay_ms, next_run_at, created_at`

type schedulerRow struct {
	Name           string    `db:"name"`
	JobName        string    `db:"job_name"`
	EveryMs        int64     `db:"every_ms"`
	Payload        []byte    `db:"payload"`
	GroupKey       string    `db:"group_key"`
	Attempts       int       `db:"attempts"`
	BackoffType    string    `db:"backoff_type"`
	BackoffDelayMs int64     `db:"backoff_delay_ms"`
	NextRunAt      time.Time `db:"next_run_at"`
	CreatedAt      time.Time `db:"created_at"`
}

func (r *schedulerRow) toScheduler() *queue.Scheduler {
	return &queue.Scheduler{
		Name:      r.Name,
		JobName:   queue.JobName(r.JobName),
		Every:     time.Duration(r.EveryMs) * time.Millisecond,
		Payload:   json.RawMessage(r.Payload),
		GroupKey:  r.GroupKey,
		Attempts:  r.Attempts,
		Backoff:   queue.Backoff{Type: queue.BackoffType(r.BackoffType), Delay: time.Duration(r.BackoffDelayMs) * time.Millisecond},
		NextRunAt: r.NextRunAt,
		CreatedAt: r.CreatedAt,
	}
}

// ReplaceScheduler deletes any scheduler of the same name and inserts s in one transaction
func (s *Storage) ReplaceScheduler(ctx context.Context, sch *queue.Scheduler) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM job_schedulers WHERE name = $1`, sch.Name); err != nil {
		return fmt.Errorf("failed to remove existing scheduler: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO job_schedulers (`+schedulerColumns+`)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $8, $9, $10)`,
		sch.Name,
		string(sch.JobName),
		sch.Every.Milliseconds(),
		jsonParam(sch.Payload),
		sch.GroupKey,
		sch.Attempts,
		string(sch.Backoff.Type),
		sch.Backoff.Delay.Milliseconds(),
		sch.NextRunAt,
		sch.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert scheduler: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit scheduler: %w", err)
	}
	return nil
}

// RemoveScheduler deletes a scheduler by name
func (s *Storage) RemoveScheduler(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM job_schedulers WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("failed to delete scheduler: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return queue.ErrSchedulerNotFound
	}
	return nil
}

// Schedulers lists all schedulers by name
func (s *Storage) Schedulers(ctx context.Context) ([]*queue.Scheduler, error) {
	var rows []schedulerRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+schedulerColumns+` FROM job_schedulers ORDER BY name`); err != nil {
		return nil, fmt.Errorf("failed to list schedulers: %w", err)
	}

	out := make([]*queue.Scheduler, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toScheduler())
	}
	return out, nil
}

// ClaimDueSchedulers locks due schedulers, advances their next run past now
// and returns them with the run time that fired
func (s *Storage) ClaimDueSchedulers(ctx context.Context, now time.Time) ([]*queue.Scheduler, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var rows []schedulerRow
	err = tx.SelectContext(ctx, &rows, `
		SELECT `+schedulerColumns+` FROM job_schedulers
		WHERE next_run_at <= $1
		ORDER BY name
		FOR UPDATE SKIP LOCKED`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to select due schedulers: %w", err)
	}

	due := make([]*queue.Scheduler, 0, len(rows))
	for i := range rows {
		sch := rows[i].toScheduler()
		due = append(due, sch)

		next := sch.NextRunAt
		for !next.After(now) {
			next = next.Add(sch.Every)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE job_schedulers SET next_run_at = $1 WHERE name = $2`, next, sch.Name); err != nil {
			return nil, fmt.Errorf("failed to advance scheduler %s: %w", sch.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit schedulers: %w", err)
	}
	return due, nil
}
