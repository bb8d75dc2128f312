package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/no-man-is-an-island/toshtogo/internal/core"
	"github.com/no-man-is-an-island/toshtogo/internal/store"
)

// Heartbeat records liveness for a commitment and returns the
// instruction for the worker. The reply is the only channel by which a
// running worker learns of a pause: a cancelled contract yields the
// cancel instruction. The stored timestamp only ever moves forward.
func (s *Service) Heartbeat(ctx context.Context, commitmentID uuid.UUID) (core.Instruction, error) {
	instruction := core.InstructionContinue
	err := s.store.Atomic(ctx, func(tx store.Tx) error {
		commitment, err := tx.GetCommitment(ctx, commitmentID)
		if err != nil {
			return err
		}
		contract, err := tx.GetContract(ctx, commitment.ContractID)
		if err != nil {
			return err
		}

		switch contract.Outcome {
		case core.OutcomeCancelled:
			instruction = core.InstructionCancel
			return nil
		case core.OutcomeWaiting, core.OutcomeRunning:
			return tx.RecordHeartbeat(ctx, commitmentID, s.now())
		default:
			return fmt.Errorf("contract %s is %s: %w", contract.ContractID, contract.Outcome, core.ErrStaleCommitment)
		}
	})
	if err != nil {
		return "", err
	}
	return instruction, nil
}

// ReapSilentCommitments marks running contracts whose commitment has not
// heartbeaten within threshold as error. This is the optional reaper
// hook; nothing in the engine calls it, and deployments that want
// auto-expiry drive it from a ticker. Returns the number of contracts
// reaped.
func (s *Service) ReapSilentCommitments(ctx context.Context, threshold time.Duration) (int, error) {
	reaped := 0
	err := s.store.Atomic(ctx, func(tx store.Tx) error {
		reaped = 0
		cutoff := s.now().Add(-threshold)
		silent, err := tx.SilentCommitments(ctx, cutoff)
		if err != nil {
			return err
		}
		for _, commitment := range silent {
			contract, err := tx.GetContract(ctx, commitment.ContractID)
			if err != nil {
				return err
			}
			if contract.Outcome != core.OutcomeRunning {
				continue
			}
			now := s.now()
			contract.Outcome = core.OutcomeError
			contract.FinishedAt = &now
			contract.Error = fmt.Sprintf("no heartbeat since %s", commitment.LastHeartbeat.UTC().Format(time.RFC3339))
			if err := tx.UpdateContract(ctx, contract); err != nil {
				return err
			}
			reaped++
			s.logger.Warn("Reaped silent commitment",
				slog.String("commitment_id", commitment.CommitmentID.String()),
				slog.String("contract_id", contract.ContractID.String()),
				slog.Time("last_heartbeat", commitment.LastHeartbeat),
			)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return reaped, nil
}
