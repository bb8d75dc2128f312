package core

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// JobRequest is a client-submitted job description. Dependencies are
// themselves job requests, or references to jobs that already exist
// (JobID set, everything else empty).
type JobRequest struct {
	JobID              *uuid.UUID      `json:"job_id,omitempty"`
	JobType            string          `json:"job_type"`
	RequestBody        json.RawMessage `json:"request_body"`
	Tags               []string        `json:"tags,omitempty"`
	Notes              string          `json:"notes,omitempty"`
	JobName            string          `json:"job_name,omitempty"`
	FungibilityGroupID *uuid.UUID      `json:"fungibility_group_id,omitempty"`
	Dependencies       []JobRequest    `json:"dependencies,omitempty"`
}

// IsReference reports whether the request names an existing job rather
// than describing a new one.
func (r JobRequest) IsReference() bool {
	return r.JobType == "" && r.JobID != nil
}

// Validate checks the request and all nested dependencies.
func (r JobRequest) Validate() error {
	if r.IsReference() {
		if len(r.Dependencies) > 0 {
			return fmt.Errorf("%w: dependency reference %s must not carry its own dependencies", ErrInvalidJobRequest, r.JobID)
		}
		return nil
	}
	if r.JobType == "" {
		return fmt.Errorf("%w: job_type is required", ErrInvalidJobRequest)
	}
	for _, dep := range r.Dependencies {
		if err := dep.Validate(); err != nil {
			return err
		}
	}
	return nil
}
