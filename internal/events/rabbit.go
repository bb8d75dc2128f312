// Package events adapts the dispatch lifecycle event feed onto RabbitMQ.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/no-man-is-an-island/toshtogo/internal/dispatch"
	"github.com/no-man-is-an-island/toshtogo/shared/rabbitmq"
)

// RabbitPublisher publishes lifecycle events to an exchange, using the
// event kind as the routing key.
type RabbitPublisher struct {
	client *rabbitmq.Client
}

var _ dispatch.Publisher = (*RabbitPublisher)(nil)

// NewRabbitPublisher wraps a connected RabbitMQ client.
func NewRabbitPublisher(client *rabbitmq.Client) *RabbitPublisher {
	return &RabbitPublisher{client: client}
}

// Publish marshals the event as JSON and sends it to the exchange.
func (p *RabbitPublisher) Publish(ctx context.Context, event dispatch.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return p.client.Publish(ctx, event.Kind, body)
}
