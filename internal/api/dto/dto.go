package dto

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/no-man-is-an-island/toshtogo/internal/core"
	"github.com/no-man-is-an-island/toshtogo/internal/store"
)

// ClaimRequest is the body of PUT /api/commitments.
type ClaimRequest struct {
	CommitmentID uuid.UUID         `json:"commitment_id" binding:"required"`
	Filter       WorkFilter        `json:"filter"`
	Agent        core.AgentDetails `json:"agent"`
}

// WorkFilter narrows the contracts a claim is willing to take.
type WorkFilter struct {
	JobType string   `json:"job_type"`
	Tags    []string `json:"tags,omitempty"`
}

// CompleteRequest is the body of PUT /api/commitments/{id}: a tagged
// result value.
type CompleteRequest struct {
	Kind         string            `json:"kind" binding:"required"`
	Body         json.RawMessage   `json:"body,omitempty"`
	Error        string            `json:"error,omitempty"`
	Due          *time.Time        `json:"due,omitempty"`
	Reason       string            `json:"reason,omitempty"`
	Dependencies []core.JobRequest `json:"dependencies,omitempty"`
}

// ToResult maps the wire kind onto the engine's result sum type.
func (r CompleteRequest) ToResult() (core.Result, error) {
	switch r.Kind {
	case "success":
		return core.Success{Body: r.Body}, nil
	case "error":
		return core.Errored{Message: r.Error}, nil
	case "cancelled":
		return core.Cancelled{}, nil
	case "try-later":
		if r.Due == nil {
			return nil, fmt.Errorf("%w: try-later requires a due time", core.ErrInvalidJobRequest)
		}
		return core.TryLater{Due: *r.Due, Reason: r.Reason}, nil
	case "add-dependencies":
		return core.AddDependencies{Requests: r.Dependencies}, nil
	default:
		return nil, fmt.Errorf("%w: unknown result kind %q", core.ErrInvalidJobRequest, r.Kind)
	}
}

// HeartbeatResponse carries the instruction back to the worker.
type HeartbeatResponse struct {
	Instruction core.Instruction `json:"instruction"`
}

// JobView is the wire rendering of a job with nested dependencies.
type JobView struct {
	JobID              string          `json:"job_id"`
	JobType            string          `json:"job_type"`
	JobName            string          `json:"job_name,omitempty"`
	Notes              string          `json:"notes,omitempty"`
	Tags               []string        `json:"tags,omitempty"`
	RequestBody        json.RawMessage `json:"request_body"`
	FungibilityGroupID string          `json:"fungibility_group_id"`
	CreatedAt          string          `json:"created_at"`
	ContractNumber     int             `json:"contract_number"`
	Outcome            core.Outcome    `json:"outcome"`
	ResultBody         json.RawMessage `json:"result_body,omitempty"`
	Error              string          `json:"error,omitempty"`
	Dependencies       []JobView       `json:"dependencies,omitempty"`
}

// NewJobView converts the engine view to its wire form.
func NewJobView(v *core.JobView) JobView {
	view := JobView{
		JobID:              v.JobID.String(),
		JobType:            v.JobType,
		JobName:            v.JobName,
		Notes:              v.Notes,
		Tags:               v.Tags,
		RequestBody:        v.RequestBody,
		FungibilityGroupID: v.FungibilityGroupID.String(),
		CreatedAt:          v.CreatedAt.Format(time.RFC3339Nano),
		ContractNumber:     v.ContractNumber,
		Outcome:            v.Outcome,
		ResultBody:         v.ResultBody,
		Error:              v.Error,
	}
	for _, dep := range v.Dependencies {
		view.Dependencies = append(view.Dependencies, NewJobView(dep))
	}
	return view
}

// JobSummary is one row of the paged job listing.
type JobSummary struct {
	JobID          string       `json:"job_id"`
	JobType        string       `json:"job_type"`
	JobName        string       `json:"job_name,omitempty"`
	Outcome        core.Outcome `json:"outcome"`
	ContractNumber int          `json:"contract_number"`
	CreatedAt      string       `json:"created_at"`
}

// NewJobSummary converts a listing record to its wire form.
func NewJobSummary(r store.JobRecord) JobSummary {
	return JobSummary{
		JobID:          r.JobID.String(),
		JobType:        r.JobType,
		JobName:        r.JobName,
		Outcome:        r.Outcome,
		ContractNumber: r.ContractNumber,
		CreatedAt:      r.CreatedAt.Format(time.RFC3339Nano),
	}
}

// ListJobsRequest carries the listing query parameters.
type ListJobsRequest struct {
	JobType  string `form:"job_type"`
	Outcome  string `form:"outcome"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

// ListJobsResponse is a page of jobs plus the cursor for the next page.
type ListJobsResponse struct {
	Jobs       []JobSummary `json:"jobs"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

// AgentView is the wire rendering of a registered agent.
type AgentView struct {
	AgentID       string `json:"agent_id"`
	Hostname      string `json:"hostname"`
	SystemName    string `json:"system_name"`
	SystemVersion string `json:"system_version"`
}

// NewAgentView converts an agent to its wire form.
func NewAgentView(a core.Agent) AgentView {
	return AgentView{
		AgentID:       a.AgentID.String(),
		Hostname:      a.Hostname,
		SystemName:    a.SystemName,
		SystemVersion: a.SystemVersion,
	}
}

// ErrorBody is the machine-readable error envelope.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse wraps an error body.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}
