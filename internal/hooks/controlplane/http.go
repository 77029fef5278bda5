package controlplane

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/apptrail-sh/orchestrator/internal/model"
	"resty.dev/v3"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

const (
	eventsPath     = "/api/v1/deployments/events"
	batchPath      = "/api/v1/deployments/events/batch"
	heartbeatsPath = "/api/v1/orchestrators/heartbeat"
)

// HTTPPublisher sends deployment events and status reports to the AppTrail
// Control Plane via HTTP
type HTTPPublisher struct {
	client              *resty.Client
	endpoint            string
	clusterID           string
	orchestratorVersion string
}

// NewHTTPPublisher creates a new HTTP publisher for the control plane.
// endpoint is the base URL of the control plane API.
func NewHTTPPublisher(endpoint, clusterID, orchestratorVersion string) *HTTPPublisher {
	client := resty.New().
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(5 * time.Second)

	return &HTTPPublisher{
		client:              client,
		endpoint:            strings.TrimRight(endpoint, "/"),
		clusterID:           clusterID,
		orchestratorVersion: orchestratorVersion,
	}
}

// Publish sends a single deployment event to the control plane
func (p *HTTPPublisher) Publish(ctx context.Context, msg model.EventMessage) error {
	logger := log.FromContext(ctx)

	event := model.NewDeploymentEventPayload(msg, p.clusterID, p.orchestratorVersion)

	logger.V(1).Info("Publishing event to control plane",
		"endpoint", p.endpoint,
		"eventID", event.EventID,
		"deploymentID", event.Deployment.ID,
		"phase", event.Phase,
		"status", event.Status,
	)

	if err := p.post(ctx, eventsPath, event); err != nil {
		logger.Error(err, "Failed to send event to control plane",
			"endpoint", p.endpoint,
			"eventID", event.EventID,
		)
		return err
	}
	return nil
}

// PublishBatch sends a batch of deployment events in one request
func (p *HTTPPublisher) PublishBatch(ctx context.Context, msgs []model.EventMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	logger := log.FromContext(ctx)

	events := make([]model.DeploymentEventPayload, 0, len(msgs))
	for _, msg := range msgs {
		events = append(events, model.NewDeploymentEventPayload(msg, p.clusterID, p.orchestratorVersion))
	}

	if err := p.post(ctx, batchPath, map[string]any{"events": events}); err != nil {
		logger.Error(err, "Failed to send event batch to control plane",
			"endpoint", p.endpoint,
			"eventCount", len(events),
		)
		return err
	}

	logger.V(1).Info("Event batch published to control plane", "eventCount", len(events))
	return nil
}

// PublishHeartbeat sends a status report to the control plane
func (p *HTTPPublisher) PublishHeartbeat(ctx context.Context, payload model.StatusReportPayload) error {
	if err := p.post(ctx, heartbeatsPath, payload); err != nil {
		log.FromContext(ctx).Error(err, "Failed to send heartbeat to control plane",
			"endpoint", p.endpoint,
			"eventID", payload.EventID,
		)
		return err
	}
	return nil
}

func (p *HTTPPublisher) post(ctx context.Context, path string, body any) error {
	var errorResponse map[string]interface{}
	resp, err := p.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		SetError(&errorResponse).
		Post(p.endpoint + path)
	if err != nil {
		return fmt.Errorf("failed to send request to control plane: %w", err)
	}

	if !resp.IsSuccess() {
		log.FromContext(ctx).Error(nil, "Control plane returned error",
			"statusCode", resp.StatusCode(),
			"status", resp.Status(),
			"error", errorResponse,
			"path", path,
		)
		return fmt.Errorf("control plane returned error status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// Close releases idle connections held by the client
func (p *HTTPPublisher) Close() error {
	return p.client.Close()
}
