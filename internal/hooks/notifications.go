package hooks

import (
	"context"

	"github.com/apptrail-sh/orchestrator/internal/model"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// EventPublisherQueue hands every event to each publisher in turn.
type EventPublisherQueue struct {
	EventChan  <-chan model.EventMessage
	publishers []EventPublisher
}

func NewEventPublisherQueue(eventChan <-chan model.EventMessage, publishers []EventPublisher) *EventPublisherQueue {
	return &EventPublisherQueue{
		EventChan:  eventChan,
		publishers: publishers,
	}
}

// Loop publishes until the channel is closed.
func (eq *EventPublisherQueue) Loop(ctx context.Context) {
	logger := log.FromContext(ctx).WithName("event-queue")

	logger.Info("Event publisher queue started", "publishers", len(eq.publishers))

	for msg := range eq.EventChan {
		logger.V(1).Info("Received deployment event",
			"deploymentID", msg.DeploymentID,
			"application", msg.Application,
			"phase", msg.Event.Phase,
			"severity", msg.Event.Severity,
			"status", msg.Status,
		)

		for _, publisher := range eq.publishers {
			if err := publisher.Publish(ctx, msg); err != nil {
				logger.Error(err, "failed to publish event",
					"deploymentID", msg.DeploymentID,
					"eventID", msg.Event.ID,
				)
			}
		}
	}
	logger.Info("Event publisher queue stopped")
}
