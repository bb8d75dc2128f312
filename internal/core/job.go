package core

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Outcome is the lifecycle state of a contract.
type Outcome string

const (
	OutcomeWaiting   Outcome = "waiting"
	OutcomeRunning   Outcome = "running"
	OutcomeSuccess   Outcome = "success"
	OutcomeError     Outcome = "error"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeTryLater  Outcome = "try-later"
)

// Terminal reports whether the outcome ends the contract. A try-later
// contract is terminal; its successor contract is created in the same
// transaction that records the deferral.
func (o Outcome) Terminal() bool {
	switch o {
	case OutcomeWaiting, OutcomeRunning:
		return false
	}
	return true
}

// DueSkew is subtracted from the creation time to produce the default
// due timestamp, so freshly created contracts are immediately eligible.
const DueSkew = 5 * time.Second

// Job is the logical unit of work a client submitted. Immutable once
// created, except for its relationship to contracts.
type Job struct {
	JobID              uuid.UUID       `db:"job_id"`
	JobType            string          `db:"job_type"`
	RequestBody        json.RawMessage `db:"request_body"`
	RequestHash        uuid.UUID       `db:"request_hash"`
	Tags               []string        `db:"-"`
	Notes              string          `db:"notes"`
	JobName            string          `db:"job_name"`
	FungibilityGroupID uuid.UUID       `db:"fungibility_group_id"`
	ParentJobID        *uuid.UUID      `db:"parent_job_id"`
	CreatedAt          time.Time       `db:"created_at"`
}

// Contract is one attempt to execute a job.
type Contract struct {
	ContractID     uuid.UUID       `db:"contract_id"`
	JobID          uuid.UUID       `db:"job_id"`
	ContractNumber int             `db:"contract_number"`
	Outcome        Outcome         `db:"outcome"`
	Due            time.Time       `db:"due"`
	CreatedAt      time.Time       `db:"created_at"`
	ClaimedAt      *time.Time      `db:"claimed_at"`
	FinishedAt     *time.Time      `db:"finished_at"`
	ResultBody     json.RawMessage `db:"result_body"`
	Error          string          `db:"error"`
}

// Commitment binds one agent to one contract.
type Commitment struct {
	CommitmentID  uuid.UUID `db:"commitment_id"`
	ContractID    uuid.UUID `db:"contract_id"`
	AgentID       uuid.UUID `db:"agent_id"`
	ClaimedAt     time.Time `db:"claimed_at"`
	LastHeartbeat time.Time `db:"last_heartbeat"`
}

// AgentDetails identifies a worker process. Agents are upsert-keyed by
// all three fields.
type AgentDetails struct {
	Hostname      string `db:"hostname" json:"hostname"`
	SystemName    string `db:"system_name" json:"system_name"`
	SystemVersion string `db:"system_version" json:"system_version"`
}

// Agent is a registered worker identity.
type Agent struct {
	AgentID uuid.UUID `db:"agent_id"`
	AgentDetails
}

// WorkFilter selects which waiting contracts a worker is willing to
// execute. JobType is required; Tags, when present, must all be carried
// by the job.
type WorkFilter struct {
	JobType string
	Tags    []string
}

// DependencyView is a completed dependency as rendered into the contract
// view handed to a worker.
type DependencyView struct {
	JobType     string          `json:"job_type"`
	RequestBody json.RawMessage `json:"request_body"`
	ResultBody  json.RawMessage `json:"result_body"`
}

// ContractView is the full view of claimed work returned to a worker.
// Dependencies carry no defined ordering; consumers treat them as a set.
type ContractView struct {
	CommitmentID uuid.UUID        `json:"commitment_id"`
	JobID        uuid.UUID        `json:"job_id"`
	ContractID   uuid.UUID        `json:"contract_id"`
	JobType      string           `json:"job_type"`
	RequestBody  json.RawMessage  `json:"request_body"`
	Tags         []string         `json:"tags,omitempty"`
	Dependencies []DependencyView `json:"dependencies"`
}

// JobView is a job with its current outcome and nested dependencies, as
// returned by get-job.
type JobView struct {
	Job
	ContractNumber int             `json:"contract_number"`
	Outcome        Outcome         `json:"outcome"`
	ResultBody     json.RawMessage `json:"result_body,omitempty"`
	Error          string          `json:"error,omitempty"`
	Dependencies   []*JobView      `json:"dependencies,omitempty"`
}

// Instruction is the reply carried on the heartbeat channel. It is the
// only path by which a running worker learns of a pause.
type Instruction string

const (
	InstructionContinue Instruction = "continue"
	InstructionCancel   Instruction = "cancel"
)
