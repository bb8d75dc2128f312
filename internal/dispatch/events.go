package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/no-man-is-an-island/toshtogo/internal/core"
)

// Event kinds published to the lifecycle feed.
const (
	EventJobCreated        = "job.created"
	EventJobPaused         = "job.paused"
	EventJobRetried        = "job.retried"
	EventContractClaimed   = "contract.claimed"
	EventContractCompleted = "contract.completed"
	EventDependenciesAdded = "job.dependencies-added"
)

// Event describes one lifecycle transition.
type Event struct {
	Kind       string       `json:"kind"`
	JobID      uuid.UUID    `json:"job_id"`
	JobType    string       `json:"job_type,omitempty"`
	ContractID *uuid.UUID   `json:"contract_id,omitempty"`
	Outcome    core.Outcome `json:"outcome,omitempty"`
	At         time.Time    `json:"at"`
}

// Publisher delivers lifecycle events to an external feed.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// publish emits events after a committed operation. Failures are logged
// and swallowed: the feed is advisory, the store is the source of truth.
func (s *Service) publish(ctx context.Context, events ...Event) {
	if s.publisher == nil {
		return
	}
	for _, ev := range events {
		if err := s.publisher.Publish(ctx, ev); err != nil {
			s.logger.Warn("Failed to publish lifecycle event",
				slog.String("kind", ev.Kind),
				slog.String("job_id", ev.JobID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}
