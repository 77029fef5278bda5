package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub/v2"
	"github.com/apptrail-sh/orchestrator/internal/model"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// PubSubPublisher sends deployment events to Google Cloud Pub/Sub
type PubSubPublisher struct {
	client              *pubsub.Client
	publisher           *pubsub.Publisher
	topicPath           string
	clusterID           string
	orchestratorVersion string
}

// ParseTopicPath parses a full Pub/Sub topic path and returns projectID and topicID.
// Expected format: projects/<project>/topics/<topic>
func ParseTopicPath(topicPath string) (projectID, topicID string, err error) {
	parts := strings.Split(topicPath, "/")
	if len(parts) != 4 || parts[0] != "projects" || parts[2] != "topics" || parts[1] == "" || parts[3] == "" {
		return "", "", fmt.Errorf("invalid topic path %q: expected format projects/<project>/topics/<topic>", topicPath)
	}
	return parts[1], parts[3], nil
}

// NewPubSubPublisher creates a new Google Cloud Pub/Sub publisher.
//
// Authentication is handled via Application Default Credentials (ADC):
//   - Workload Identity (GKE): Auto-detected from metadata server (recommended)
//   - Service Account JSON key: Set GOOGLE_APPLICATION_CREDENTIALS env var
//   - Default credentials: gcloud auth application-default login
func NewPubSubPublisher(ctx context.Context, topicPath, clusterID, orchestratorVersion string) (*PubSubPublisher, error) {
	projectID, topicID, err := ParseTopicPath(topicPath)
	if err != nil {
		return nil, err
	}

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}

	// Events of one deployment must arrive in timeline order.
	// The subscription must also have message ordering enabled.
	publisher := client.Publisher(topicID)
	publisher.EnableMessageOrdering = true

	return &PubSubPublisher{
		client:              client,
		publisher:           publisher,
		topicPath:           topicPath,
		clusterID:           clusterID,
		orchestratorVersion: orchestratorVersion,
	}, nil
}

// OrderingKey groups the events of one deployment: environment/deploymentID.
func OrderingKey(msg model.EventMessage) string {
	return fmt.Sprintf("%s/%s", msg.Environment, msg.DeploymentID)
}

// Attributes are the message attributes subscribers can filter on.
func Attributes(msg model.EventMessage, clusterID string) map[string]string {
	attributes := map[string]string{
		"cluster_name":  clusterID,
		"application":   msg.Application,
		"deployment_id": msg.DeploymentID,
		"strategy":      string(msg.Strategy),
		"status":        string(msg.Status),
		"severity":      string(msg.Event.Severity),
		"event_type":    "deployment",
	}
	if msg.Environment != "" {
		attributes["environment"] = msg.Environment
	}
	if msg.Event.Phase != "" {
		attributes["deployment_phase"] = msg.Event.Phase
	}
	return attributes
}

// Publish sends a deployment event to Google Cloud Pub/Sub
func (p *PubSubPublisher) Publish(ctx context.Context, msg model.EventMessage) error {
	logger := log.FromContext(ctx)

	event := model.NewDeploymentEventPayload(msg, p.clusterID, p.orchestratorVersion)

	data, err := json.Marshal(event)
	if err != nil {
		logger.Error(err, "Failed to marshal event",
			"eventID", event.EventID,
			"deploymentID", msg.DeploymentID,
		)
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	orderingKey := OrderingKey(msg)

	logger.V(1).Info("Publishing event to Google Pub/Sub",
		"topic", p.topicPath,
		"eventID", event.EventID,
		"orderingKey", orderingKey,
		"phase", msg.Event.Phase,
		"status", msg.Status,
	)

	result := p.publisher.Publish(ctx, &pubsub.Message{
		Data:        data,
		Attributes:  Attributes(msg, p.clusterID),
		OrderingKey: orderingKey,
	})

	msgID, err := result.Get(ctx)
	if err != nil {
		logger.Error(err, "Failed to publish event to Pub/Sub",
			"topic", p.topicPath,
			"eventID", event.EventID,
		)
		// A failed publish pauses the ordering key until resumed.
		p.publisher.ResumePublish(orderingKey)
		return fmt.Errorf("failed to publish event to pubsub: %w", err)
	}

	logger.V(1).Info("Event successfully published to Google Pub/Sub",
		"topic", p.topicPath,
		"eventID", event.EventID,
		"messageID", msgID,
	)

	return nil
}

// Stop stops the publisher and closes the client
func (p *PubSubPublisher) Stop() {
	if p.publisher != nil {
		p.publisher.Stop()
	}
	if p.client != nil {
		_ = p.client.Close()
	}
}
