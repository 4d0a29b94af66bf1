package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// GroupLeases keeps busy-group markers in the job_groups table so several
// worker processes sharing one database never run the same group at once.
type GroupLeases struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewGroupLeases(db *sqlx.DB) *GroupLeases {
	return &GroupLeases{db: db, now: time.Now}
}

// TryAcquire takes the lease when it is free, expired or already held by owner.
func (g *GroupLeases) TryAcquire(ctx context.Context, group, owner string, ttl time.Duration) (bool, error) {
	now := g.now()
	res, err := g.db.ExecContext(ctx, `
		INSERT INTO job_groups (group_key, owner, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (group_key) DO UPDATE
		SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
		WHERE job_groups.expires_at < $4 OR job_groups.owner = EXCLUDED.owner`,
		group, owner, now.Add(ttl), now)
	if err != nil {
		return false, fmt.Errorf("failed to acquire group %s: %w", group, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read acquire result: %w", err)
	}
	return n == 1, nil
}

func (g *GroupLeases) Extend(ctx context.Context, group, owner string, ttl time.Duration) error {
	_, err := g.db.ExecContext(ctx,
		`UPDATE job_groups SET expires_at = $1 WHERE group_key = $2 AND owner = $3`,
		g.now().Add(ttl), group, owner)
	if err != nil {
		return fmt.Errorf("failed to extend group %s: %w", group, err)
	}
	return nil
}

func (g *GroupLeases) Release(ctx context.Context, group, owner string) error {
	_, err := g.db.ExecContext(ctx,
		`DELETE FROM job_groups WHERE group_key = $1 AND owner = $2`, group, owner)
	if err != nil {
		return fmt.Errorf("failed to release group %s: %w", group, err)
	}
	return nil
}
