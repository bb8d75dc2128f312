package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/no-man-is-an-island/toshtogo/internal/core"
	"github.com/no-man-is-an-island/toshtogo/internal/store"
)

// PutJob inserts the job, recursively inserts declared child jobs,
// records dependency edges, and creates a waiting contract for every job
// whose dependencies are already satisfied (leaves, and jobs whose
// declared dependencies all reference successful existing jobs).
//
// Idempotent on job_id: re-submitting an identical request body is a
// no-op; a differing body fails with core.ErrConflict.
func (s *Service) PutJob(ctx context.Context, jobID uuid.UUID, req core.JobRequest) error {
	req.JobID = &jobID
	if req.IsReference() {
		return fmt.Errorf("%w: job_type is required", core.ErrInvalidJobRequest)
	}
	if err := req.Validate(); err != nil {
		return err
	}

	var events []Event
	err := s.store.Atomic(ctx, func(tx store.Tx) error {
		_, inserted, err := s.insertJobTree(ctx, tx, req, nil, &events)
		if err != nil {
			return err
		}
		if !inserted {
			s.logger.Debug("Job already exists with identical request",
				slog.String("job_id", jobID.String()),
			)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.publish(ctx, events...)
	return nil
}

// insertJobTree inserts one job request and its dependency subtree,
// returning the subtree root id and whether a fresh job was inserted.
// References to existing jobs resolve to their id without duplicating
// the job; identical re-submissions resolve to the stored job.
func (s *Service) insertJobTree(ctx context.Context, tx store.Tx, req core.JobRequest, parent *uuid.UUID, events *[]Event) (uuid.UUID, bool, error) {
	if req.IsReference() {
		if _, err := tx.GetJob(ctx, *req.JobID); err != nil {
			return uuid.Nil, false, fmt.Errorf("dependency reference %s: %w", req.JobID, err)
		}
		return *req.JobID, false, nil
	}

	jobID := uuid.New()
	if req.JobID != nil {
		jobID = *req.JobID
	}

	hash, err := core.RequestHash(req.RequestBody)
	if err != nil {
		return uuid.Nil, false, err
	}

	existing, err := tx.GetJob(ctx, jobID)
	switch {
	case err == nil:
		if existing.RequestHash != hash {
			return uuid.Nil, false, fmt.Errorf("job %s: %w", jobID, core.ErrConflict)
		}
		// Identical re-submission: leave the stored tree untouched.
		return jobID, false, nil
	case !errors.Is(err, core.ErrJobNotFound):
		return uuid.Nil, false, err
	}

	now := s.now()
	fungibility := jobID
	if req.FungibilityGroupID != nil {
		fungibility = *req.FungibilityGroupID
	}

	job := &core.Job{
		JobID:              jobID,
		JobType:            req.JobType,
		RequestBody:        req.RequestBody,
		RequestHash:        hash,
		Tags:               req.Tags,
		Notes:              req.Notes,
		JobName:            req.JobName,
		FungibilityGroupID: fungibility,
		ParentJobID:        parent,
		CreatedAt:          now,
	}
	if err := tx.InsertJob(ctx, job); err != nil {
		return uuid.Nil, false, fmt.Errorf("failed to insert job %s: %w", jobID, err)
	}

	for _, dep := range req.Dependencies {
		childID, _, err := s.insertJobTree(ctx, tx, dep, &jobID, events)
		if err != nil {
			return uuid.Nil, false, err
		}
		if err := tx.InsertDependency(ctx, jobID, childID); err != nil {
			return uuid.Nil, false, fmt.Errorf("failed to record dependency %s -> %s: %w", jobID, childID, err)
		}
	}

	ready, err := tx.DependenciesSatisfied(ctx, jobID)
	if err != nil {
		return uuid.Nil, false, err
	}
	if ready {
		contract := newContract(jobID, 1, now.Add(-core.DueSkew), now)
		if err := tx.InsertContract(ctx, contract); err != nil {
			return uuid.Nil, false, fmt.Errorf("failed to create contract for job %s: %w", jobID, err)
		}
	}

	*events = append(*events, Event{Kind: EventJobCreated, JobID: jobID, JobType: req.JobType, At: now})
	return jobID, true, nil
}

// GetJob returns the job view with nested dependencies, or
// core.ErrJobNotFound.
func (s *Service) GetJob(ctx context.Context, jobID uuid.UUID) (*core.JobView, error) {
	var view *core.JobView
	err := s.store.Atomic(ctx, func(tx store.Tx) error {
		var err error
		view, err = s.jobView(ctx, tx, jobID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

func (s *Service) jobView(ctx context.Context, tx store.Tx, jobID uuid.UUID) (*core.JobView, error) {
	job, err := tx.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	view := &core.JobView{Job: *job, Outcome: core.OutcomeWaiting}
	latest, err := tx.LatestContract(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if latest != nil {
		view.ContractNumber = latest.ContractNumber
		view.Outcome = latest.Outcome
		view.ResultBody = latest.ResultBody
		view.Error = latest.Error
	}

	children, err := tx.ListDependencies(ctx, jobID)
	if err != nil {
		return nil, err
	}
	for _, child := range children {
		childView, err := s.jobView(ctx, tx, child)
		if err != nil {
			return nil, err
		}
		view.Dependencies = append(view.Dependencies, childView)
	}
	return view, nil
}

// ListJobs returns a page of jobs, newest first.
func (s *Service) ListJobs(ctx context.Context, filter store.JobFilter) ([]store.JobRecord, error) {
	var records []store.JobRecord
	err := s.store.Atomic(ctx, func(tx store.Tx) error {
		var err error
		records, err = tx.ListJobs(ctx, filter)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return records, nil
}

// PauseJob cancels the job's current non-terminal contract and cascades
// the same to every descendant. Already-terminal contracts are left
// untouched. A worker running any of the cancelled contracts learns of
// the cancellation through its next heartbeat.
func (s *Service) PauseJob(ctx context.Context, jobID uuid.UUID) error {
	var events []Event
	err := s.store.Atomic(ctx, func(tx store.Tx) error {
		if _, err := tx.GetJob(ctx, jobID); err != nil {
			return err
		}
		return s.walkSubtree(ctx, tx, jobID, func(id uuid.UUID) error {
			latest, err := tx.LatestContract(ctx, id)
			if err != nil {
				return err
			}
			if latest == nil || latest.Outcome.Terminal() {
				return nil
			}
			now := s.now()
			latest.Outcome = core.OutcomeCancelled
			latest.FinishedAt = &now
			if err := tx.UpdateContract(ctx, latest); err != nil {
				return fmt.Errorf("failed to cancel contract %s: %w", latest.ContractID, err)
			}
			events = append(events, Event{Kind: EventJobPaused, JobID: id, ContractID: &latest.ContractID, Outcome: core.OutcomeCancelled, At: now})
			return nil
		})
	})
	if err != nil {
		return err
	}

	s.publish(ctx, events...)
	return nil
}

// RetryJob creates a fresh waiting contract for every job in the subtree
// whose latest contract is cancelled or error. Successful descendants are
// not re-executed.
func (s *Service) RetryJob(ctx context.Context, jobID uuid.UUID) error {
	var events []Event
	err := s.store.Atomic(ctx, func(tx store.Tx) error {
		if _, err := tx.GetJob(ctx, jobID); err != nil {
			return err
		}
		return s.walkSubtree(ctx, tx, jobID, func(id uuid.UUID) error {
			latest, err := tx.LatestContract(ctx, id)
			if err != nil {
				return err
			}
			if latest == nil {
				return nil
			}
			if latest.Outcome != core.OutcomeCancelled && latest.Outcome != core.OutcomeError {
				return nil
			}
			now := s.now()
			contract := newContract(id, latest.ContractNumber+1, now.Add(-core.DueSkew), now)
			if err := tx.InsertContract(ctx, contract); err != nil {
				return fmt.Errorf("failed to create retry contract for job %s: %w", id, err)
			}
			events = append(events, Event{Kind: EventJobRetried, JobID: id, ContractID: &contract.ContractID, Outcome: core.OutcomeWaiting, At: now})
			return nil
		})
	})
	if err != nil {
		return err
	}

	s.publish(ctx, events...)
	return nil
}

// walkSubtree applies fn to jobID and every descendant, visiting each job
// once even when diamond-shaped edges reach it through several parents.
func (s *Service) walkSubtree(ctx context.Context, tx store.Tx, jobID uuid.UUID, fn func(uuid.UUID) error) error {
	visited := map[uuid.UUID]bool{}
	queue := []uuid.UUID{jobID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true

		if err := fn(id); err != nil {
			return err
		}

		children, err := tx.ListDependencies(ctx, id)
		if err != nil {
			return err
		}
		queue = append(queue, children...)
	}
	return nil
}
