package postgres

import (
	"context"
	"fmt"
)

// Schema statements, applied in order. Everything is idempotent so the
// server can run them on every start.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS agents (
		agent_id        UUID PRIMARY KEY,
		hostname        TEXT NOT NULL,
		system_name     TEXT NOT NULL,
		system_version  TEXT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS agents_identity_idx
		ON agents (hostname, system_name, system_version)`,

	`CREATE TABLE IF NOT EXISTS jobs (
		job_id                UUID PRIMARY KEY,
		job_type              TEXT NOT NULL,
		request_body          JSONB,
		request_hash          UUID NOT NULL,
		tags                  TEXT[] NOT NULL DEFAULT '{}',
		notes                 TEXT NOT NULL DEFAULT '',
		job_name              TEXT NOT NULL DEFAULT '',
		fungibility_group_id  UUID NOT NULL,
		parent_job_id         UUID REFERENCES jobs (job_id),
		created_at            TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS jobs_type_created_idx
		ON jobs (job_type, created_at, job_id)`,

	`CREATE TABLE IF NOT EXISTS job_dependencies (
		parent_job_id  UUID NOT NULL REFERENCES jobs (job_id),
		child_job_id   UUID NOT NULL REFERENCES jobs (job_id),
		PRIMARY KEY (parent_job_id, child_job_id)
	)`,
	`CREATE INDEX IF NOT EXISTS job_dependencies_child_idx
		ON job_dependencies (child_job_id)`,

	`CREATE TABLE IF NOT EXISTS contracts (
		contract_id      UUID PRIMARY KEY,
		job_id           UUID NOT NULL REFERENCES jobs (job_id),
		contract_number  INTEGER NOT NULL,
		outcome          TEXT NOT NULL,
		due              TIMESTAMPTZ NOT NULL,
		created_at       TIMESTAMPTZ NOT NULL,
		claimed_at       TIMESTAMPTZ,
		finished_at      TIMESTAMPTZ,
		result_body      JSONB,
		error            TEXT NOT NULL DEFAULT '',
		UNIQUE (job_id, contract_number)
	)`,
	// At most one non-terminal contract per job.
	`CREATE UNIQUE INDEX IF NOT EXISTS contracts_one_active_idx
		ON contracts (job_id)
		WHERE outcome IN ('waiting', 'running')`,
	`CREATE INDEX IF NOT EXISTS contracts_claimable_idx
		ON contracts (outcome, due)
		WHERE outcome = 'waiting'`,

	`CREATE TABLE IF NOT EXISTS commitments (
		commitment_id   UUID PRIMARY KEY,
		contract_id     UUID NOT NULL UNIQUE REFERENCES contracts (contract_id),
		agent_id        UUID NOT NULL REFERENCES agents (agent_id),
		claimed_at      TIMESTAMPTZ NOT NULL,
		last_heartbeat  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS commitments_heartbeat_idx
		ON commitments (last_heartbeat)`,
}

func (s *Store) migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}
