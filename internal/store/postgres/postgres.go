// Package postgres implements the store over PostgreSQL via sqlx.
// Claim safety relies on SELECT ... FOR UPDATE SKIP LOCKED plus the
// partial unique index allowing at most one non-terminal contract per
// job; everything else is plain transactional SQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/no-man-is-an-island/toshtogo/internal/core"
	"github.com/no-man-is-an-island/toshtogo/internal/store"
)

var _ store.Store = (*Store)(nil)

// Store wraps a sqlx database handle.
type Store struct {
	db *sqlx.DB
}

// New creates a Store over an open connection and runs schema migrations.
func New(ctx context.Context, db *sqlx.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Atomic runs fn inside one database transaction, translating transient
// conflicts (serialisation failures, deadlocks, claim collisions) into
// store.TransientError so callers can retry.
func (s *Store) Atomic(ctx context.Context, fn func(tx store.Tx) error) error {
	dbTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(&tx{tx: dbTx}); err != nil {
		_ = dbTx.Rollback()
		return classify(err)
	}

	if err := dbTx.Commit(); err != nil {
		return classify(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// classify wraps transient Postgres failures in store.TransientError.
func classify(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return &store.TransientError{Err: err}
		case "23505": // unique_violation: a concurrent writer won the race
			return &store.TransientError{Err: err}
		}
	}
	return err
}

// tx implements store.Tx over a live transaction.
type tx struct {
	tx *sqlx.Tx
}

func (t *tx) InsertJob(ctx context.Context, job *core.Job) error {
	query := `
		INSERT INTO jobs (
			job_id, job_type, request_body, request_hash,
			tags, notes, job_name, fungibility_group_id,
			parent_job_id, created_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8,
			$9, $10
		)
	`

	var parent uuid.NullUUID
	if job.ParentJobID != nil {
		parent = uuid.NullUUID{UUID: *job.ParentJobID, Valid: true}
	}

	tags := job.Tags
	if tags == nil {
		tags = []string{}
	}

	_, err := t.tx.ExecContext(
		ctx,
		query,
		job.JobID,
		job.JobType,
		rawOrNull(job.RequestBody),
		job.RequestHash,
		pq.StringArray(tags),
		job.Notes,
		job.JobName,
		job.FungibilityGroupID,
		parent,
		job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

func (t *tx) GetJob(ctx context.Context, jobID uuid.UUID) (*core.Job, error) {
	query := `
		SELECT
			job_id, job_type, request_body, request_hash,
			tags, notes, job_name, fungibility_group_id,
			parent_job_id, created_at
		FROM jobs
		WHERE job_id = $1
	`

	var row jobRow
	if err := t.tx.GetContext(ctx, &row, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return row.toJob(), nil
}

func (t *tx) ListJobs(ctx context.Context, filter store.JobFilter) ([]store.JobRecord, error) {
	query := `
		SELECT
			j.job_id, j.job_type, j.request_body, j.request_hash,
			j.tags, j.notes, j.job_name, j.fungibility_group_id,
			j.parent_job_id, j.created_at,
			COALESCE(c.outcome, 'waiting') AS outcome,
			COALESCE(c.contract_number, 0) AS contract_number
		FROM jobs j
		LEFT JOIN LATERAL (
			SELECT outcome, contract_number
			FROM contracts
			WHERE job_id = j.job_id
			ORDER BY contract_number DESC
			LIMIT 1
		) c ON true
		WHERE 1=1
	`
	args := []interface{}{}
	argIdx := 1

	if filter.JobType != "" {
		query += fmt.Sprintf(" AND j.job_type = $%d", argIdx)
		args = append(args, filter.JobType)
		argIdx++
	}

	if filter.Outcome != "" {
		query += fmt.Sprintf(" AND COALESCE(c.outcome, 'waiting') = $%d", argIdx)
		args = append(args, string(filter.Outcome))
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (j.created_at, j.job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY j.created_at DESC, j.job_id DESC"

	if filter.PageSize > 0 {
		// One extra row tells the caller whether more pages exist.
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.PageSize+1)
	}

	var rows []jobListRow
	if err := t.tx.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	records := make([]store.JobRecord, len(rows))
	for i, row := range rows {
		records[i] = store.JobRecord{
			Job:            *row.jobRow.toJob(),
			Outcome:        core.Outcome(row.Outcome),
			ContractNumber: row.ContractNumber,
		}
	}
	return records, nil
}

func (t *tx) InsertDependency(ctx context.Context, parentJobID, childJobID uuid.UUID) error {
	query := `
		INSERT INTO job_dependencies (parent_job_id, child_job_id)
		VALUES ($1, $2)
		ON CONFLICT (parent_job_id, child_job_id) DO NOTHING
	`
	if _, err := t.tx.ExecContext(ctx, query, parentJobID, childJobID); err != nil {
		return fmt.Errorf("failed to insert dependency edge: %w", err)
	}
	return nil
}

func (t *tx) ListDependencies(ctx context.Context, jobID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	query := `SELECT child_job_id FROM job_dependencies WHERE parent_job_id = $1 ORDER BY child_job_id`
	if err := t.tx.SelectContext(ctx, &ids, query, jobID); err != nil {
		return nil, fmt.Errorf("failed to list dependencies: %w", err)
	}
	return ids, nil
}

func (t *tx) ListDependants(ctx context.Context, jobID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	query := `SELECT parent_job_id FROM job_dependencies WHERE child_job_id = $1 ORDER BY parent_job_id`
	if err := t.tx.SelectContext(ctx, &ids, query, jobID); err != nil {
		return nil, fmt.Errorf("failed to list dependants: %w", err)
	}
	return ids, nil
}

func (t *tx) DependenciesSatisfied(ctx context.Context, jobID uuid.UUID) (bool, error) {
	query := `
		SELECT NOT EXISTS (
			SELECT 1
			FROM job_dependencies d
			WHERE d.parent_job_id = $1
			  AND COALESCE((
					SELECT c.outcome FROM contracts c
					WHERE c.job_id = d.child_job_id
					ORDER BY c.contract_number DESC
					LIMIT 1
			  ), '') <> 'success'
		)
	`
	var satisfied bool
	if err := t.tx.GetContext(ctx, &satisfied, query, jobID); err != nil {
		return false, fmt.Errorf("failed to check dependencies: %w", err)
	}
	return satisfied, nil
}

func (t *tx) DependencyViews(ctx context.Context, jobID uuid.UUID) ([]core.DependencyView, error) {
	query := `
		SELECT
			j.job_type,
			j.request_body,
			c.result_body
		FROM job_dependencies d
		JOIN jobs j ON j.job_id = d.child_job_id
		LEFT JOIN LATERAL (
			SELECT result_body FROM contracts
			WHERE job_id = j.job_id AND outcome = 'success'
			ORDER BY contract_number DESC
			LIMIT 1
		) c ON true
		WHERE d.parent_job_id = $1
	`

	var rows []dependencyRow
	if err := t.tx.SelectContext(ctx, &rows, query, jobID); err != nil {
		return nil, fmt.Errorf("failed to render dependency views: %w", err)
	}

	views := make([]core.DependencyView, len(rows))
	for i, row := range rows {
		views[i] = core.DependencyView{
			JobType:     row.JobType,
			RequestBody: row.RequestBody,
			ResultBody:  row.ResultBody,
		}
	}
	return views, nil
}

func (t *tx) InsertContract(ctx context.Context, contract *core.Contract) error {
	query := `
		INSERT INTO contracts (
			contract_id, job_id, contract_number, outcome,
			due, created_at, claimed_at, finished_at,
			result_body, error
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8,
			$9, $10
		)
	`
	_, err := t.tx.ExecContext(
		ctx,
		query,
		contract.ContractID,
		contract.JobID,
		contract.ContractNumber,
		string(contract.Outcome),
		contract.Due,
		contract.CreatedAt,
		nullTime(contract.ClaimedAt),
		nullTime(contract.FinishedAt),
		rawOrNull(contract.ResultBody),
		contract.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to insert contract: %w", err)
	}
	return nil
}

func (t *tx) UpdateContract(ctx context.Context, contract *core.Contract) error {
	query := `
		UPDATE contracts
		SET outcome = $2,
		    due = $3,
		    claimed_at = $4,
		    finished_at = $5,
		    result_body = $6,
		    error = $7
		WHERE contract_id = $1
	`
	result, err := t.tx.ExecContext(
		ctx,
		query,
		contract.ContractID,
		string(contract.Outcome),
		contract.Due,
		nullTime(contract.ClaimedAt),
		nullTime(contract.FinishedAt),
		rawOrNull(contract.ResultBody),
		contract.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to update contract: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("contract %s vanished during update", contract.ContractID)
	}
	return nil
}

func (t *tx) GetContract(ctx context.Context, contractID uuid.UUID) (*core.Contract, error) {
	query := contractColumns + ` WHERE contract_id = $1`

	var row contractRow
	if err := t.tx.GetContext(ctx, &row, query, contractID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get contract: %w", err)
	}
	return row.toContract(), nil
}

func (t *tx) LatestContract(ctx context.Context, jobID uuid.UUID) (*core.Contract, error) {
	query := contractColumns + ` WHERE job_id = $1 ORDER BY contract_number DESC LIMIT 1`

	var row contractRow
	if err := t.tx.GetContext(ctx, &row, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest contract: %w", err)
	}
	return row.toContract(), nil
}

// SelectClaimable picks the oldest eligible waiting contract and locks
// it for the remainder of the transaction. SKIP LOCKED makes concurrent
// claimants fall through to the next qualifying row instead of blocking.
func (t *tx) SelectClaimable(ctx context.Context, filter core.WorkFilter, now time.Time) (*core.Contract, error) {
	query := `
		SELECT
			c.contract_id, c.job_id, c.contract_number, c.outcome,
			c.due, c.created_at, c.claimed_at, c.finished_at,
			c.result_body, c.error
		FROM contracts c
		JOIN jobs j ON j.job_id = c.job_id
		WHERE c.outcome = 'waiting'
		  AND c.due <= $1
		  AND j.job_type = $2
		  AND ($3::text[] = '{}' OR j.tags @> $3)
		  AND NOT EXISTS (
				SELECT 1
				FROM job_dependencies d
				WHERE d.parent_job_id = j.job_id
				  AND COALESCE((
						SELECT c2.outcome FROM contracts c2
						WHERE c2.job_id = d.child_job_id
						ORDER BY c2.contract_number DESC
						LIMIT 1
				  ), '') <> 'success'
		  )
		ORDER BY j.created_at ASC, j.job_id ASC
		LIMIT 1
		FOR UPDATE OF c SKIP LOCKED
	`

	tags := filter.Tags
	if tags == nil {
		tags = []string{}
	}

	var row contractRow
	err := t.tx.GetContext(ctx, &row, query, now, filter.JobType, pq.StringArray(tags))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to select claimable contract: %w", err)
	}
	return row.toContract(), nil
}

func (t *tx) InsertCommitment(ctx context.Context, commitment *core.Commitment) error {
	query := `
		INSERT INTO commitments (
			commitment_id, contract_id, agent_id, claimed_at, last_heartbeat
		) VALUES ($1, $2, $3, $4, $5)
	`
	_, err := t.tx.ExecContext(
		ctx,
		query,
		commitment.CommitmentID,
		commitment.ContractID,
		commitment.AgentID,
		commitment.ClaimedAt,
		commitment.LastHeartbeat,
	)
	if err != nil {
		return fmt.Errorf("failed to insert commitment: %w", err)
	}
	return nil
}

func (t *tx) GetCommitment(ctx context.Context, commitmentID uuid.UUID) (*core.Commitment, error) {
	query := `
		SELECT commitment_id, contract_id, agent_id, claimed_at, last_heartbeat
		FROM commitments
		WHERE commitment_id = $1
	`
	var commitment core.Commitment
	if err := t.tx.GetContext(ctx, &commitment, query, commitmentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrCommitmentNotFound
		}
		return nil, fmt.Errorf("failed to get commitment: %w", err)
	}
	return &commitment, nil
}

func (t *tx) DeleteCommitment(ctx context.Context, commitmentID uuid.UUID) error {
	result, err := t.tx.ExecContext(ctx, `DELETE FROM commitments WHERE commitment_id = $1`, commitmentID)
	if err != nil {
		return fmt.Errorf("failed to delete commitment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return core.ErrCommitmentNotFound
	}
	return nil
}

func (t *tx) RecordHeartbeat(ctx context.Context, commitmentID uuid.UUID, ts time.Time) error {
	query := `
		UPDATE commitments
		SET last_heartbeat = GREATEST(last_heartbeat, $2)
		WHERE commitment_id = $1
	`
	result, err := t.tx.ExecContext(ctx, query, commitmentID, ts)
	if err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return core.ErrCommitmentNotFound
	}
	return nil
}

func (t *tx) SilentCommitments(ctx context.Context, cutoff time.Time) ([]core.Commitment, error) {
	query := `
		SELECT cm.commitment_id, cm.contract_id, cm.agent_id, cm.claimed_at, cm.last_heartbeat
		FROM commitments cm
		JOIN contracts c ON c.contract_id = cm.contract_id
		WHERE c.outcome = 'running'
		  AND cm.last_heartbeat < $1
		ORDER BY cm.last_heartbeat ASC
	`
	var commitments []core.Commitment
	if err := t.tx.SelectContext(ctx, &commitments, query, cutoff); err != nil {
		return nil, fmt.Errorf("failed to list silent commitments: %w", err)
	}
	return commitments, nil
}

func (t *tx) UpsertAgent(ctx context.Context, details core.AgentDetails) (uuid.UUID, error) {
	query := `
		INSERT INTO agents (agent_id, hostname, system_name, system_version)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (hostname, system_name, system_version)
		DO UPDATE SET hostname = EXCLUDED.hostname
		RETURNING agent_id
	`
	var agentID uuid.UUID
	err := t.tx.GetContext(ctx, &agentID, query, uuid.New(), details.Hostname, details.SystemName, details.SystemVersion)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to upsert agent: %w", err)
	}
	return agentID, nil
}

func (t *tx) ListAgents(ctx context.Context) ([]core.Agent, error) {
	query := `
		SELECT agent_id, hostname, system_name, system_version
		FROM agents
		ORDER BY hostname, system_name, system_version
	`
	var agents []core.Agent
	if err := t.tx.SelectContext(ctx, &agents, query); err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	return agents, nil
}
