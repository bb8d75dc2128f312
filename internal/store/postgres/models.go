package postgres

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/no-man-is-an-island/toshtogo/internal/core"
)

const contractColumns = `
	SELECT
		contract_id, job_id, contract_number, outcome,
		due, created_at, claimed_at, finished_at,
		result_body, error
	FROM contracts
`

type jobRow struct {
	JobID              uuid.UUID      `db:"job_id"`
	JobType            string         `db:"job_type"`
	RequestBody        []byte         `db:"request_body"`
	RequestHash        uuid.UUID      `db:"request_hash"`
	Tags               pq.StringArray `db:"tags"`
	Notes              string         `db:"notes"`
	JobName            string         `db:"job_name"`
	FungibilityGroupID uuid.UUID      `db:"fungibility_group_id"`
	ParentJobID        uuid.NullUUID  `db:"parent_job_id"`
	CreatedAt          time.Time      `db:"created_at"`
}

func (r *jobRow) toJob() *core.Job {
	job := &core.Job{
		JobID:              r.JobID,
		JobType:            r.JobType,
		RequestBody:        json.RawMessage(r.RequestBody),
		RequestHash:        r.RequestHash,
		Tags:               []string(r.Tags),
		Notes:              r.Notes,
		JobName:            r.JobName,
		FungibilityGroupID: r.FungibilityGroupID,
		CreatedAt:          r.CreatedAt,
	}
	if r.ParentJobID.Valid {
		parent := r.ParentJobID.UUID
		job.ParentJobID = &parent
	}
	return job
}

type jobListRow struct {
	jobRow
	Outcome        string `db:"outcome"`
	ContractNumber int    `db:"contract_number"`
}

type contractRow struct {
	ContractID     uuid.UUID    `db:"contract_id"`
	JobID          uuid.UUID    `db:"job_id"`
	ContractNumber int          `db:"contract_number"`
	Outcome        string       `db:"outcome"`
	Due            time.Time    `db:"due"`
	CreatedAt      time.Time    `db:"created_at"`
	ClaimedAt      sql.NullTime `db:"claimed_at"`
	FinishedAt     sql.NullTime `db:"finished_at"`
	ResultBody     []byte       `db:"result_body"`
	Error          string       `db:"error"`
}

func (r *contractRow) toContract() *core.Contract {
	contract := &core.Contract{
		ContractID:     r.ContractID,
		JobID:          r.JobID,
		ContractNumber: r.ContractNumber,
		Outcome:        core.Outcome(r.Outcome),
		Due:            r.Due,
		CreatedAt:      r.CreatedAt,
		ResultBody:     json.RawMessage(r.ResultBody),
		Error:          r.Error,
	}
	if r.ClaimedAt.Valid {
		ts := r.ClaimedAt.Time
		contract.ClaimedAt = &ts
	}
	if r.FinishedAt.Valid {
		ts := r.FinishedAt.Time
		contract.FinishedAt = &ts
	}
	return contract
}

type dependencyRow struct {
	JobType     string `db:"job_type"`
	RequestBody []byte `db:"request_body"`
	ResultBody  []byte `db:"result_body"`
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func rawOrNull(body json.RawMessage) interface{} {
	if len(body) == 0 {
		return nil
	}
	return []byte(body)
}
