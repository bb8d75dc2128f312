package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/no-man-is-an-island/toshtogo/internal/core"
)

// Store provides transactional access to jobs, contracts, commitments,
// dependency edges and agents. Every dispatch operation runs inside
// exactly one Atomic call; all invariants are enforced by the backend
// (constraints and row locks for Postgres, a single mutex for memory).
type Store interface {
	// Atomic runs fn inside one transaction. The Postgres backend commits
	// when fn returns nil and rolls back otherwise; the memory backend
	// applies mutations as they are made and does not roll back.
	Atomic(ctx context.Context, fn func(tx Tx) error) error

	// Close releases the underlying connections.
	Close() error
}

// Tx is the set of operations available inside a transaction.
type Tx interface {
	InsertJob(ctx context.Context, job *core.Job) error
	// GetJob returns core.ErrJobNotFound when the id is unknown.
	GetJob(ctx context.Context, jobID uuid.UUID) (*core.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]JobRecord, error)

	InsertDependency(ctx context.Context, parentJobID, childJobID uuid.UUID) error
	// ListDependencies returns the child job ids of the given job.
	ListDependencies(ctx context.Context, jobID uuid.UUID) ([]uuid.UUID, error)
	// ListDependants returns the parent job ids of the given job.
	ListDependants(ctx context.Context, jobID uuid.UUID) ([]uuid.UUID, error)
	// DependenciesSatisfied reports whether every dependency of the job has
	// a latest contract with outcome success.
	DependenciesSatisfied(ctx context.Context, jobID uuid.UUID) (bool, error)
	// DependencyViews renders each dependency of the job with the result
	// body of its latest successful contract.
	DependencyViews(ctx context.Context, jobID uuid.UUID) ([]core.DependencyView, error)

	InsertContract(ctx context.Context, contract *core.Contract) error
	UpdateContract(ctx context.Context, contract *core.Contract) error
	GetContract(ctx context.Context, contractID uuid.UUID) (*core.Contract, error)
	// LatestContract returns the highest-numbered contract of the job, or
	// nil when the job has none yet.
	LatestContract(ctx context.Context, jobID uuid.UUID) (*core.Contract, error)
	// SelectClaimable returns the oldest waiting contract matching the
	// filter whose due time has passed and whose dependencies are all
	// successful, locked against concurrent claimants, or nil when no
	// contract qualifies. FIFO by job created_at, ties by job_id.
	SelectClaimable(ctx context.Context, filter core.WorkFilter, now time.Time) (*core.Contract, error)

	InsertCommitment(ctx context.Context, commitment *core.Commitment) error
	// GetCommitment returns core.ErrCommitmentNotFound when the id is unknown.
	GetCommitment(ctx context.Context, commitmentID uuid.UUID) (*core.Commitment, error)
	DeleteCommitment(ctx context.Context, commitmentID uuid.UUID) error
	// RecordHeartbeat advances last_heartbeat to ts if ts is later than the
	// stored value.
	RecordHeartbeat(ctx context.Context, commitmentID uuid.UUID, ts time.Time) error
	// SilentCommitments returns commitments on running contracts whose last
	// heartbeat is older than cutoff.
	SilentCommitments(ctx context.Context, cutoff time.Time) ([]core.Commitment, error)

	// UpsertAgent returns the agent id for the given identity, inserting a
	// fresh row when the identity is new.
	UpsertAgent(ctx context.Context, details core.AgentDetails) (uuid.UUID, error)
	ListAgents(ctx context.Context) ([]core.Agent, error)
}

// JobFilter narrows and pages a job listing.
type JobFilter struct {
	JobType  string
	Outcome  core.Outcome
	PageSize int
	Cursor   *JobCursor
}

// JobCursor is a (created_at, job_id) position for keyset pagination.
type JobCursor struct {
	CreatedAt time.Time
	JobID     uuid.UUID
}

// JobRecord is one row of a job listing: the job plus the outcome of its
// latest contract.
type JobRecord struct {
	core.Job
	ContractNumber int
	Outcome        core.Outcome
}

// TransientError wraps a transaction conflict (serialisation failure,
// deadlock, claim collision) that the caller may retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient storage conflict: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Retryable reports whether err is a TransientError.
func Retryable(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}
