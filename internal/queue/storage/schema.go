package storage

// Schema creates the queue tables. Statements are idempotent.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		seq                BIGSERIAL UNIQUE,
		job_id             TEXT PRIMARY KEY,
		name               TEXT NOT NULL,
		group_key          TEXT NOT NULL,
		payload            JSONB NOT NULL DEFAULT '{}'::jsonb,
		status             TEXT NOT NULL,
		attempts           INT NOT NULL,
		attempts_made      INT NOT NULL DEFAULT 0,
		backoff_type       TEXT NOT NULL DEFAULT '',
		backoff_delay_ms   BIGINT NOT NULL DEFAULT 0,
		available_at       TIMESTAMPTZ NOT NULL,
		deferred           BOOLEAN NOT NULL DEFAULT FALSE,
		locked_by          TEXT,
		locked_until       TIMESTAMPTZ,
		return_value       JSONB,
		failed_reason      TEXT,
		remove_on_complete BOOLEAN NOT NULL DEFAULT FALSE,
		remove_on_fail     BOOLEAN NOT NULL DEFAULT FALSE,
		created_at         TIMESTAMPTZ NOT NULL,
		updated_at         TIMESTAMPTZ NOT NULL,
		finished_at        TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_status_available ON jobs (status, available_at)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_group_seq ON jobs (group_key, seq)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_name_seq ON jobs (name, seq DESC)`,
	`CREATE TABLE IF NOT EXISTS job_schedulers (
		name             TEXT PRIMARY KEY,
		job_name         TEXT NOT NULL,
		every_ms         BIGINT NOT NULL,
		payload          JSONB NOT NULL DEFAULT '{}'::jsonb,
		group_key        TEXT NOT NULL DEFAULT '',
		attempts         INT NOT NULL DEFAULT 0,
		backoff_type     TEXT NOT NULL DEFAULT '',
		backoff_delay_ms BIGINT NOT NULL DEFAULT 0,
		next_run_at      TIMESTAMPTZ NOT NULL,
		created_at       TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS job_groups (
		group_key  TEXT PRIMARY KEY,
		owner      TEXT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
	)`,
}
