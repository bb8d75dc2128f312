// Package agent is the worker-side poll loop: it claims contracts over
// the HTTP API, executes registered handlers, heartbeats while running,
// and reports outcomes. Cancellation is cooperative: the server signals
// it through the heartbeat reply and the agent cancels the handler's
// context.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/no-man-is-an-island/toshtogo/internal/api/dto"
	"github.com/no-man-is-an-island/toshtogo/internal/client"
	"github.com/no-man-is-an-island/toshtogo/internal/core"
)

// Config holds agent configuration
type Config struct {
	Logger            *slog.Logger
	Client            *client.Client
	Registry          *Registry
	Concurrency       int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
}

// Agent polls for work across the registry's job types
type Agent struct {
	logger            *slog.Logger
	client            *client.Client
	registry          *Registry
	concurrency       int
	pollInterval      time.Duration
	heartbeatInterval time.Duration
	wg                sync.WaitGroup
	stopChan          chan struct{}
}

// New creates a new Agent instance
func New(cfg *Config) *Agent {
	return &Agent{
		logger:            cfg.Logger,
		client:            cfg.Client,
		registry:          cfg.Registry,
		concurrency:       cfg.Concurrency,
		pollInterval:      cfg.PollInterval,
		heartbeatInterval: cfg.HeartbeatInterval,
		stopChan:          make(chan struct{}),
	}
}

// Start spawns the poll loops and blocks until ctx is cancelled or Stop
// is called.
func (a *Agent) Start(ctx context.Context) {
	a.logger.Info("Starting agent",
		slog.Int("concurrency", a.concurrency),
		slog.Any("job_types", a.registry.JobTypes()),
	)

	for i := 0; i < a.concurrency; i++ {
		a.wg.Add(1)
		go a.pollLoop(ctx, i)
	}

	select {
	case <-ctx.Done():
	case <-a.stopChan:
	}
	a.wg.Wait()
	a.logger.Info("Agent stopped")
}

// Stop gracefully stops the agent
func (a *Agent) Stop() {
	select {
	case <-a.stopChan:
	default:
		close(a.stopChan)
	}
}

// pollLoop claims and executes work until stopped
func (a *Agent) pollLoop(ctx context.Context, workerNum int) {
	defer a.wg.Done()

	logger := a.logger.With(slog.Int("worker_num", workerNum))
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, jobType := range a.registry.JobTypes() {
				if err := a.pollOnce(ctx, logger, jobType); err != nil {
					logger.Error("Poll failed",
						slog.String("job_type", jobType),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}
}

// pollOnce claims at most one contract for the job type and executes it
func (a *Agent) pollOnce(ctx context.Context, logger *slog.Logger, jobType string) error {
	commitmentID := uuid.New()
	work, err := a.client.RequestWork(ctx, commitmentID, core.WorkFilter{JobType: jobType})
	if err != nil {
		return fmt.Errorf("failed to request work: %w", err)
	}
	if work == nil {
		return nil
	}

	logger.Info("Claimed work",
		slog.String("job_id", work.JobID.String()),
		slog.String("job_type", work.JobType),
		slog.String("commitment_id", work.CommitmentID.String()),
	)

	a.execute(ctx, logger, work)
	return nil
}

// execute runs the handler with a heartbeat goroutine alongside it and
// reports the outcome
func (a *Agent) execute(ctx context.Context, logger *slog.Logger, work *core.ContractView) {
	handler, ok := a.registry.Get(work.JobType)
	if !ok {
		// The filter should make this unreachable; surface it as an error
		// outcome rather than dropping the claim.
		a.complete(ctx, logger, work, dto.CompleteRequest{
			Kind:  "error",
			Error: fmt.Sprintf("no handler registered for job type %q", work.JobType),
		})
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var cancelled atomic.Bool
	heartbeatDone := make(chan struct{})
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.heartbeatLoop(runCtx, logger, work.CommitmentID, &cancelled, cancel, heartbeatDone)
	}()

	body, err := handler(runCtx, work)
	close(heartbeatDone)

	switch {
	case cancelled.Load():
		logger.Info("Work cancelled by server",
			slog.String("job_id", work.JobID.String()),
		)
		a.complete(ctx, logger, work, dto.CompleteRequest{Kind: "cancelled"})

	case err != nil:
		logger.Error("Work failed",
			slog.String("job_id", work.JobID.String()),
			slog.String("error", err.Error()),
		)
		a.complete(ctx, logger, work, dto.CompleteRequest{Kind: "error", Error: err.Error()})

	default:
		a.complete(ctx, logger, work, dto.CompleteRequest{Kind: "success", Body: body})
	}
}

// heartbeatLoop reports liveness until the work finishes. A cancel
// instruction flips the flag and cancels the handler context.
func (a *Agent) heartbeatLoop(ctx context.Context, logger *slog.Logger, commitmentID uuid.UUID, cancelled *atomic.Bool, cancel context.CancelFunc, done <-chan struct{}) {
	ticker := time.NewTicker(a.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			instruction, err := a.client.Heartbeat(ctx, commitmentID)
			if err != nil {
				logger.Warn("Heartbeat failed",
					slog.String("commitment_id", commitmentID.String()),
					slog.String("error", err.Error()),
				)
				continue
			}
			if instruction == core.InstructionCancel {
				logger.Info("Received cancel instruction",
					slog.String("commitment_id", commitmentID.String()),
				)
				cancelled.Store(true)
				cancel()
				return
			}
		}
	}
}

// complete reports the result, tolerating the race where a pause lands
// between the handler finishing and the report arriving.
func (a *Agent) complete(ctx context.Context, logger *slog.Logger, work *core.ContractView, result dto.CompleteRequest) {
	if err := a.client.Complete(ctx, work.CommitmentID, result); err != nil {
		if errors.Is(err, core.ErrStaleCommitment) {
			logger.Warn("Contract terminated before completion was reported",
				slog.String("job_id", work.JobID.String()),
				slog.String("commitment_id", work.CommitmentID.String()),
			)
			return
		}
		logger.Error("Failed to report completion",
			slog.String("job_id", work.JobID.String()),
			slog.String("error", err.Error()),
		)
	}
}
