package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/no-man-is-an-island/toshtogo/internal/core"
	"github.com/no-man-is-an-island/toshtogo/internal/store"
)

// RequestWork selects the oldest claimable contract matching the filter
// and atomically admits the caller: the contract transitions to running
// and a commitment keyed by the caller-supplied commitment id is
// recorded. Returns nil when no contract qualifies. A commitment id that
// already exists returns the prior claim idempotently.
//
// Transient storage conflicts (two callers racing for the same contract)
// are retried a bounded number of times; exhausting the retries surfaces
// the last error.
func (s *Service) RequestWork(ctx context.Context, commitmentID uuid.UUID, filter core.WorkFilter, agent core.AgentDetails) (*core.ContractView, error) {
	if filter.JobType == "" {
		return nil, fmt.Errorf("%w: job_type filter is required", core.ErrInvalidJobRequest)
	}

	var lastErr error
	for attempt := 0; attempt <= s.claimRetries; attempt++ {
		view, err := s.claim(ctx, commitmentID, filter, agent)
		if err == nil {
			return view, nil
		}
		if !store.Retryable(err) {
			return nil, err
		}
		lastErr = err
		s.logger.Debug("Retrying work claim after transient conflict",
			slog.String("commitment_id", commitmentID.String()),
			slog.Int("attempt", attempt+1),
		)
	}
	return nil, fmt.Errorf("work claim retries exhausted: %w", lastErr)
}

func (s *Service) claim(ctx context.Context, commitmentID uuid.UUID, filter core.WorkFilter, agent core.AgentDetails) (*core.ContractView, error) {
	var view *core.ContractView
	var claimed *core.Contract

	err := s.store.Atomic(ctx, func(tx store.Tx) error {
		view, claimed = nil, nil

		// Idempotent claim: a known commitment id returns its contract.
		if existing, err := tx.GetCommitment(ctx, commitmentID); err == nil {
			contract, err := tx.GetContract(ctx, existing.ContractID)
			if err != nil {
				return err
			}
			view, err = s.contractView(ctx, tx, contract, commitmentID)
			return err
		}

		agentID, err := tx.UpsertAgent(ctx, agent)
		if err != nil {
			return fmt.Errorf("failed to upsert agent: %w", err)
		}

		contract, err := tx.SelectClaimable(ctx, filter, s.now())
		if err != nil {
			return err
		}
		if contract == nil {
			return nil
		}

		now := s.now()
		contract.Outcome = core.OutcomeRunning
		contract.ClaimedAt = &now
		if err := tx.UpdateContract(ctx, contract); err != nil {
			return fmt.Errorf("failed to mark contract running: %w", err)
		}

		commitment := &core.Commitment{
			CommitmentID:  commitmentID,
			ContractID:    contract.ContractID,
			AgentID:       agentID,
			ClaimedAt:     now,
			LastHeartbeat: now,
		}
		if err := tx.InsertCommitment(ctx, commitment); err != nil {
			return err
		}

		claimed = contract
		view, err = s.contractView(ctx, tx, contract, commitmentID)
		return err
	})
	if err != nil {
		return nil, err
	}

	if claimed != nil {
		s.publish(ctx, Event{
			Kind:       EventContractClaimed,
			JobID:      claimed.JobID,
			ContractID: &claimed.ContractID,
			Outcome:    core.OutcomeRunning,
			At:         s.now(),
		})
	}
	return view, nil
}

func (s *Service) contractView(ctx context.Context, tx store.Tx, contract *core.Contract, commitmentID uuid.UUID) (*core.ContractView, error) {
	job, err := tx.GetJob(ctx, contract.JobID)
	if err != nil {
		return nil, err
	}
	deps, err := tx.DependencyViews(ctx, contract.JobID)
	if err != nil {
		return nil, err
	}
	return &core.ContractView{
		CommitmentID: commitmentID,
		JobID:        job.JobID,
		ContractID:   contract.ContractID,
		JobType:      job.JobType,
		RequestBody:  job.RequestBody,
		Tags:         job.Tags,
		Dependencies: deps,
	}, nil
}

// CompleteWork applies the worker-reported result to the contract bound
// by the commitment. Completion of a contract that is no longer running
// fails with core.ErrStaleCommitment, with one exception: acknowledging a
// pause (result cancelled against an already-cancelled contract) is ok.
func (s *Service) CompleteWork(ctx context.Context, commitmentID uuid.UUID, result core.Result) error {
	var events []Event
	err := s.store.Atomic(ctx, func(tx store.Tx) error {
		events = events[:0]

		commitment, err := tx.GetCommitment(ctx, commitmentID)
		if err != nil {
			return err
		}
		contract, err := tx.GetContract(ctx, commitment.ContractID)
		if err != nil {
			return err
		}

		if contract.Outcome != core.OutcomeRunning {
			if _, acked := result.(core.Cancelled); acked && contract.Outcome == core.OutcomeCancelled {
				return nil
			}
			return fmt.Errorf("contract %s is %s: %w", contract.ContractID, contract.Outcome, core.ErrStaleCommitment)
		}

		now := s.now()
		switch r := result.(type) {
		case core.Success:
			contract.Outcome = core.OutcomeSuccess
			contract.FinishedAt = &now
			contract.ResultBody = r.Body
			if err := tx.UpdateContract(ctx, contract); err != nil {
				return err
			}
			if err := s.releaseParents(ctx, tx, contract.JobID); err != nil {
				return err
			}

		case core.Errored:
			contract.Outcome = core.OutcomeError
			contract.FinishedAt = &now
			contract.Error = r.Message
			if err := tx.UpdateContract(ctx, contract); err != nil {
				return err
			}

		case core.Cancelled:
			contract.Outcome = core.OutcomeCancelled
			contract.FinishedAt = &now
			if err := tx.UpdateContract(ctx, contract); err != nil {
				return err
			}

		case core.TryLater:
			contract.Outcome = core.OutcomeTryLater
			contract.FinishedAt = &now
			contract.Error = r.Reason
			if err := tx.UpdateContract(ctx, contract); err != nil {
				return err
			}
			successor := newContract(contract.JobID, contract.ContractNumber+1, r.Due, now)
			if err := tx.InsertContract(ctx, successor); err != nil {
				return fmt.Errorf("failed to create deferred contract: %w", err)
			}

		case core.AddDependencies:
			if err := s.addDependencies(ctx, tx, contract, commitmentID, r.Requests, &events); err != nil {
				return err
			}

		default:
			return fmt.Errorf("unknown completion result %T", result)
		}

		events = append(events, Event{
			Kind:       EventContractCompleted,
			JobID:      contract.JobID,
			ContractID: &contract.ContractID,
			Outcome:    contract.Outcome,
			At:         now,
		})
		return nil
	})
	if err != nil {
		return err
	}

	s.publish(ctx, events...)
	return nil
}

// addDependencies handles the add-dependencies result: the contract
// returns to waiting, the claim is released, and the new child jobs are
// inserted. The job becomes claimable again exactly when every dependency
// has succeeded; readiness is evaluated at claim time, so no further
// bookkeeping is needed here.
func (s *Service) addDependencies(ctx context.Context, tx store.Tx, contract *core.Contract, commitmentID uuid.UUID, requests []core.JobRequest, events *[]Event) error {
	if len(requests) == 0 {
		return fmt.Errorf("%w: add-dependencies carries no requests", core.ErrInvalidJobRequest)
	}
	for _, req := range requests {
		if err := req.Validate(); err != nil {
			return err
		}
	}

	contract.Outcome = core.OutcomeWaiting
	contract.ClaimedAt = nil
	if err := tx.UpdateContract(ctx, contract); err != nil {
		return err
	}
	if err := tx.DeleteCommitment(ctx, commitmentID); err != nil {
		return err
	}

	for _, req := range requests {
		childID, _, err := s.insertJobTree(ctx, tx, req, &contract.JobID, events)
		if err != nil {
			return err
		}
		if err := tx.InsertDependency(ctx, contract.JobID, childID); err != nil {
			return fmt.Errorf("failed to record dependency %s -> %s: %w", contract.JobID, childID, err)
		}
	}

	*events = append(*events, Event{
		Kind:       EventDependenciesAdded,
		JobID:      contract.JobID,
		ContractID: &contract.ContractID,
		Outcome:    core.OutcomeWaiting,
		At:         s.now(),
	})
	return nil
}

// releaseParents is invoked when a contract finishes successfully: each
// parent whose dependencies are now all successful and which has no
// contract yet receives a waiting contract. Parents holding a waiting
// contract already (the add-dependencies path) need nothing; parents
// whose latest contract terminated unsuccessfully are left for retry.
func (s *Service) releaseParents(ctx context.Context, tx store.Tx, childJobID uuid.UUID) error {
	parents, err := tx.ListDependants(ctx, childJobID)
	if err != nil {
		return err
	}
	for _, parent := range parents {
		latest, err := tx.LatestContract(ctx, parent)
		if err != nil {
			return err
		}
		if latest != nil {
			continue
		}
		ready, err := tx.DependenciesSatisfied(ctx, parent)
		if err != nil {
			return err
		}
		if !ready {
			continue
		}
		now := s.now()
		contract := newContract(parent, 1, now.Add(-core.DueSkew), now)
		if err := tx.InsertContract(ctx, contract); err != nil {
			return fmt.Errorf("failed to release parent %s: %w", parent, err)
		}
	}
	return nil
}
