package model

import (
	"time"

	"github.com/google/uuid"
)

type EventKind string
type EventOutcome string

const (
	EventKindDeployment EventKind = "DEPLOYMENT"

	EventOutcomeSucceeded  EventOutcome = "SUCCEEDED"
	EventOutcomeFailed     EventOutcome = "FAILED"
	EventOutcomeRolledBack EventOutcome = "ROLLED_BACK"
	EventOutcomeCancelled  EventOutcome = "CANCELLED"
)

type SourceMetadata struct {
	ClusterID           string `json:"clusterId"`
	OrchestratorVersion string `json:"orchestratorVersion"`
}

type DeploymentRef struct {
	ID          string             `json:"id"`
	ConfigID    string             `json:"configId"`
	Application string             `json:"application"`
	Strategy    DeploymentStrategy `json:"strategy"`
}

type Revision struct {
	Current  string `json:"current"`
	Previous string `json:"previous,omitempty"`
	Target   string `json:"target,omitempty"`
}

type ErrorDetail struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// DeploymentEventPayload is the wire form of a timeline entry sent to the
// control plane, webhooks and Pub/Sub.
type DeploymentEventPayload struct {
	EventID     string           `json:"eventId"`
	OccurredAt  time.Time        `json:"occurredAt"`
	Environment string           `json:"environment"`
	Source      SourceMetadata   `json:"source"`
	Deployment  DeploymentRef    `json:"deployment"`
	Kind        EventKind        `json:"kind"`
	Status      DeploymentStatus `json:"status"`
	Outcome     *EventOutcome    `json:"outcome,omitempty"`
	Revision    *Revision        `json:"revision,omitempty"`
	Phase       string           `json:"phase,omitempty"`
	Severity    EventSeverity    `json:"severity"`
	Message     string           `json:"message"`
	Details     map[string]any   `json:"details,omitempty"`
	Error       *ErrorDetail     `json:"error,omitempty"`
}

func NewDeploymentEventPayload(msg EventMessage, clusterID, orchestratorVersion string) DeploymentEventPayload {
	var errorDetail *ErrorDetail
	if msg.Event.Severity == SeverityError {
		errorDetail = &ErrorDetail{
			Code:    msg.Event.Phase,
			Message: msg.Event.Message,
		}
	}

	occurredAt := msg.Event.Timestamp.UTC()
	if msg.Event.Timestamp.IsZero() {
		occurredAt = time.Now().UTC()
	}

	eventID := msg.Event.ID
	if eventID == "" {
		eventID = uuid.New().String()
	}

	return DeploymentEventPayload{
		EventID:     eventID,
		OccurredAt:  occurredAt,
		Environment: msg.Environment,
		Source: SourceMetadata{
			ClusterID:           clusterID,
			OrchestratorVersion: orchestratorVersion,
		},
		Deployment: DeploymentRef{
			ID:          msg.DeploymentID,
			ConfigID:    msg.ConfigID,
			Application: msg.Application,
			Strategy:    msg.Strategy,
		},
		Kind:    EventKindDeployment,
		Status:  msg.Status,
		Outcome: mapOutcome(msg.Status),
		Revision: &Revision{
			Current:  msg.Version.Current,
			Previous: msg.Version.Previous,
			Target:   msg.Version.Target,
		},
		Phase:    msg.Event.Phase,
		Severity: msg.Event.Severity,
		Message:  msg.Event.Message,
		Details:  msg.Event.Details,
		Error:    errorDetail,
	}
}

func mapOutcome(status DeploymentStatus) *EventOutcome {
	var value EventOutcome
	switch status {
	case StatusSuccessful:
		value = EventOutcomeSucceeded
	case StatusFailed:
		value = EventOutcomeFailed
	case StatusRolledBack:
		value = EventOutcomeRolledBack
	case StatusCancelled:
		value = EventOutcomeCancelled
	default:
		return nil
	}
	return &value
}
