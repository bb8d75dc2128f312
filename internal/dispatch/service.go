// Package dispatch implements the job lifecycle and contract engine: it
// turns submitted job graphs into claimable contracts, admits exactly one
// worker per contract, tracks heartbeats and cancellation, and cascades
// pause and retry through dependency subtrees. All state lives in the
// store; every operation runs inside one transaction.
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

const defaultClaimRetries = 3

// Service exposes the dispatch operations consumed by transport adapters.
type Service struct {
	store        store.Store
	logger       *slog.Logger
	publisher    Publisher
	now          func() time.Time
	claimRetries int
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source. Used by tests and by anything that
// needs deterministic due-time handling.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithPublisher attaches a lifecycle event publisher. Events are emitted
// after the owning transaction commits; publish failures are logged and
// never fail the operation.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithClaimRetries bounds the internal retries of request-work on
// transient storage conflicts. Non-positive values keep the default.
func WithClaimRetries(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.claimRetries = n
		}
	}
}

// New creates a Service over the given store.
func New(st store.Store, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:        st,
		logger:       logger,
		now:          time.Now,
		claimRetries: defaultClaimRetries,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListAgents returns every registered worker identity.
func (s *Service) ListAgents(ctx context.Context) ([]core.Agent, error) {
	var agents []core.Agent
	err := s.store.Atomic(ctx, func(tx store.Tx) error {
		var err error
		agents, err = tx.ListAgents(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	return agents, nil
}

// newContract builds a waiting contract for the job. The due timestamp
// defaults to creation time minus DueSkew so the contract is immediately
// eligible.
func newContract(jobID uuid.UUID, number int, due, now time.Time) *core.Contract {
	return &core.Contract{
		ContractID:     uuid.New(),
		JobID:          jobID,
		ContractNumber: number,
		Outcome:        core.OutcomeWaiting,
		Due:            due,
		CreatedAt:      now,
	}
}
