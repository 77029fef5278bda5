package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/apptrail-sh/orchestrator/internal/hooks"
	"github.com/apptrail-sh/orchestrator/internal/model"
	"resty.dev/v3"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

const eventHeader = "X-Orchestrator-Event"

// Publisher posts deployment event payloads to the webhook targets named in
// a deployment config.
type Publisher struct {
	client              *resty.Client
	clusterID           string
	orchestratorVersion string
}

func NewPublisher(clusterID, orchestratorVersion string) *Publisher {
	client := resty.New().
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(5 * time.Second)

	return &Publisher{
		client:              client,
		clusterID:           clusterID,
		orchestratorVersion: orchestratorVersion,
	}
}

func (p *Publisher) Publish(ctx context.Context, msg model.EventMessage) error {
	targets := hooks.TargetsFor(msg, model.NotificationWebhook)
	if len(targets) == 0 {
		return nil
	}

	payload := model.NewDeploymentEventPayload(msg, p.clusterID, p.orchestratorVersion)

	var errs []error
	for _, target := range targets {
		resp, err := p.client.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetHeader(eventHeader, string(payload.Severity)).
			SetBody(payload).
			Post(target.Target)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to deliver webhook to %s: %w", target.Target, err))
			continue
		}
		if !resp.IsSuccess() {
			errs = append(errs, fmt.Errorf("webhook %s returned error status %d", target.Target, resp.StatusCode()))
			continue
		}
		log.FromContext(ctx).V(1).Info("Delivered webhook",
			"target", target.Target,
			"eventID", payload.EventID,
			"deploymentID", msg.DeploymentID,
		)
	}
	return errors.Join(errs...)
}

func (p *Publisher) Close() error {
	return p.client.Close()
}
