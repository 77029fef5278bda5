package model

import (
	"time"

	"github.com/google/uuid"
)

// StatusReportPayload is sent periodically to the control plane to indicate
// the orchestrator is alive and which rollouts it is driving
type StatusReportPayload struct {
	EventID     string              `json:"eventId"`
	OccurredAt  time.Time           `json:"occurredAt"`
	Source      SourceMetadata      `json:"source"`
	MessageType string              `json:"messageType"`
	Active      []DeploymentSummary `json:"active"`
}

// DeploymentSummary is the compact view of an active deployment
type DeploymentSummary struct {
	ID           string             `json:"id"`
	Application  string             `json:"application"`
	Environment  string             `json:"environment"`
	Strategy     DeploymentStrategy `json:"strategy"`
	Status       DeploymentStatus   `json:"status"`
	Phase        string             `json:"phase"`
	Percentage   int                `json:"percentage"`
	TrafficSplit map[string]int     `json:"trafficSplit"`
}

// NewStatusReportPayload creates a new status report payload
func NewStatusReportPayload(clusterID, orchestratorVersion string, active []Deployment) StatusReportPayload {
	summaries := make([]DeploymentSummary, 0, len(active))
	for _, d := range active {
		summaries = append(summaries, DeploymentSummary{
			ID:           d.ID,
			Application:  d.Application,
			Environment:  d.Environment,
			Strategy:     d.Strategy,
			Status:       d.Status,
			Phase:        d.Progress.CurrentPhase,
			Percentage:   d.Progress.Percentage,
			TrafficSplit: copySplit(d.TrafficSplit),
		})
	}

	return StatusReportPayload{
		EventID:    uuid.New().String(),
		OccurredAt: time.Now().UTC(),
		Source: SourceMetadata{
			ClusterID:           clusterID,
			OrchestratorVersion: orchestratorVersion,
		},
		MessageType: "STATUS_REPORT",
		Active:      summaries,
	}
}
