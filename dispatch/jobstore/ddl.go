package jobstore

import (
	"github.com/mediaplane/overseer/lib/sqldb"
)

// The same statements serve sqlite and postgres: ids are uuid text, times
// are unix nanoseconds and structured fields are JSON text.
var ddls = []string{
	`CREATE TABLE IF NOT EXISTS tenant (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		created_at BIGINT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS job (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL REFERENCES tenant (id),
		name TEXT NOT NULL,
		priority INTEGER NOT NULL,
		state TEXT NOT NULL,
		max_running INTEGER NOT NULL,
		waiting INTEGER NOT NULL DEFAULT 0,
		running INTEGER NOT NULL DEFAULT 0,
		success INTEGER NOT NULL DEFAULT 0,
		failure INTEGER NOT NULL DEFAULT 0,
		args TEXT NOT NULL DEFAULT '{}',
		env TEXT NOT NULL DEFAULT '{}',
		created_at BIGINT NOT NULL,
		modified_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS job_tenant_state_index ON job (tenant_id, state)`,

	`CREATE TABLE IF NOT EXISTS task (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL REFERENCES job (id),
		tenant_id TEXT NOT NULL,
		parent_id TEXT,
		name TEXT NOT NULL,
		state TEXT NOT NULL,
		host TEXT NOT NULL DEFAULT '',
		run_count INTEGER NOT NULL DEFAULT 0,
		exit_status INTEGER NOT NULL DEFAULT 0,
		script TEXT NOT NULL,
		env TEXT NOT NULL DEFAULT '{}',
		created_at BIGINT NOT NULL,
		started_at BIGINT NOT NULL DEFAULT 0,
		stopped_at BIGINT NOT NULL DEFAULT 0,
		ping_at BIGINT NOT NULL DEFAULT 0,
		modified_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS task_job_state_index ON task (job_id, state, created_at)`,
	`CREATE INDEX IF NOT EXISTS task_state_ping_index ON task (state, ping_at)`,

	`CREATE TABLE IF NOT EXISTS analyst (
		id TEXT PRIMARY KEY,
		endpoint TEXT NOT NULL UNIQUE,
		state TEXT NOT NULL,
		lock_state TEXT NOT NULL,
		task_id TEXT,
		total_ram BIGINT NOT NULL DEFAULT 0,
		free_ram BIGINT NOT NULL DEFAULT 0,
		load_avg DOUBLE PRECISION NOT NULL DEFAULT 0,
		threads INTEGER NOT NULL DEFAULT 0,
		version TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL,
		ping_at BIGINT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS task_error (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL REFERENCES task (id),
		job_id TEXT NOT NULL REFERENCES job (id),
		message TEXT NOT NULL,
		processor TEXT NOT NULL DEFAULT '',
		fatal INTEGER NOT NULL DEFAULT 0,
		endpoint TEXT NOT NULL DEFAULT '',
		phase TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS task_error_job_index ON task_error (job_id)`,
	`CREATE INDEX IF NOT EXISTS task_error_task_index ON task_error (task_id)`,

	`CREATE TABLE IF NOT EXISTS task_stat (
		job_id TEXT NOT NULL REFERENCES job (id),
		processor TEXT NOT NULL,
		samples BIGINT NOT NULL,
		min_ms BIGINT NOT NULL,
		max_ms BIGINT NOT NULL,
		total_ms BIGINT NOT NULL,
		modified_at BIGINT NOT NULL,
		PRIMARY KEY (job_id, processor)
	)`,
}

// Schema is the overseer database.
var Schema = sqldb.Schema{
	Name:     "overseer",
	SQLite:   ddls,
	Postgres: ddls,
}
