package model

import "time"

type DeploymentStatus string
type EventSeverity string

const (
	StatusPending    DeploymentStatus = "PENDING"
	StatusInProgress DeploymentStatus = "IN_PROGRESS"
	StatusPaused     DeploymentStatus = "PAUSED"
	StatusSuccessful DeploymentStatus = "SUCCESSFUL"
	StatusFailed     DeploymentStatus = "FAILED"
	StatusRolledBack DeploymentStatus = "ROLLED_BACK"
	StatusCancelled  DeploymentStatus = "CANCELLED"

	SeverityInfo    EventSeverity = "info"
	SeverityWarning EventSeverity = "warning"
	SeverityError   EventSeverity = "error"
	SeveritySuccess EventSeverity = "success"
)

// IsTerminal reports whether no further transitions are allowed, with the
// single exception of FAILED -> ROLLED_BACK.
func (s DeploymentStatus) IsTerminal() bool {
	switch s {
	case StatusSuccessful, StatusFailed, StatusRolledBack, StatusCancelled:
		return true
	}
	return false
}

// IsActive reports whether an execution still owns the deployment.
func (s DeploymentStatus) IsActive() bool {
	return s == StatusInProgress || s == StatusPaused
}

// Deployment is the mutable execution record of one rollout.
type Deployment struct {
	ID                  string             `json:"id"`
	ConfigID            string             `json:"configId"`
	Application         string             `json:"application"`
	Status              DeploymentStatus   `json:"status"`
	Strategy            DeploymentStrategy `json:"strategy"`
	Environment         string             `json:"environment"`
	Version             VersionInfo        `json:"version"`
	Progress            Progress           `json:"progress"`
	TrafficSplit        map[string]int     `json:"trafficSplit"`
	Health              HealthSnapshot     `json:"health"`
	Metrics             MetricsSnapshot    `json:"metrics"`
	Events              []DeploymentEvent  `json:"events"`
	StartedAt           time.Time          `json:"startedAt"`
	CompletedAt         *time.Time         `json:"completedAt,omitempty"`
	EstimatedCompletion *time.Time         `json:"estimatedCompletion,omitempty"`
	Rollback            RollbackInfo       `json:"rollback"`
	FailureReason       string             `json:"failureReason,omitempty"`
}

type VersionInfo struct {
	Current  string `json:"current"`
	Previous string `json:"previous,omitempty"`
	Target   string `json:"target"`
}

type Progress struct {
	Percentage      int      `json:"percentage"`
	CurrentPhase    string   `json:"currentPhase"`
	CompletedPhases []string `json:"completedPhases"`
	RemainingPhases []string `json:"remainingPhases"`
}

type HealthSnapshot struct {
	Healthy   int                    `json:"healthy"`
	Unhealthy int                    `json:"unhealthy"`
	Total     int                    `json:"total"`
	Checks    map[string]CheckStatus `json:"checks,omitempty"`
}

type CheckStatus struct {
	Passed      bool      `json:"passed"`
	Message     string    `json:"message,omitempty"`
	LastChecked time.Time `json:"lastChecked"`
}

type MetricsSnapshot struct {
	ErrorRate         float64 `json:"errorRate"`
	Latency           Latency `json:"latency"`
	RequestsPerSecond float64 `json:"requestsPerSecond"`
	SuccessRate       float64 `json:"successRate"`
}

// Latency percentiles in milliseconds.
type Latency struct {
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

type RollbackInfo struct {
	Available    bool   `json:"available"`
	Reason       string `json:"reason,omitempty"`
	RolledBackTo string `json:"rolledBackTo,omitempty"`
}

type DeploymentEvent struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Severity  EventSeverity  `json:"severity"`
	Phase     string         `json:"phase"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

type RollbackResult struct {
	DeploymentID      string            `json:"deploymentId"`
	Success           bool              `json:"success"`
	RolledBackTo      string            `json:"rolledBackTo"`
	Reason            string            `json:"reason"`
	Duration          time.Duration     `json:"duration"`
	AffectedInstances int               `json:"affectedInstances"`
	Events            []DeploymentEvent `json:"events"`
}

// DeepCopy returns a copy that shares no maps or slices with d.
func (d *Deployment) DeepCopy() *Deployment {
	if d == nil {
		return nil
	}
	out := *d
	out.Progress.CompletedPhases = append([]string(nil), d.Progress.CompletedPhases...)
	out.Progress.RemainingPhases = append([]string(nil), d.Progress.RemainingPhases...)
	out.TrafficSplit = copySplit(d.TrafficSplit)
	if d.Health.Checks != nil {
		out.Health.Checks = make(map[string]CheckStatus, len(d.Health.Checks))
		for k, v := range d.Health.Checks {
			out.Health.Checks[k] = v
		}
	}
	out.Events = CopyEvents(d.Events)
	if d.CompletedAt != nil {
		t := *d.CompletedAt
		out.CompletedAt = &t
	}
	if d.EstimatedCompletion != nil {
		t := *d.EstimatedCompletion
		out.EstimatedCompletion = &t
	}
	return &out
}

// CopyEvents copies the slice and each event's details map.
func CopyEvents(events []DeploymentEvent) []DeploymentEvent {
	if events == nil {
		return nil
	}
	out := make([]DeploymentEvent, len(events))
	for i, e := range events {
		out[i] = e
		if e.Details != nil {
			out[i].Details = make(map[string]any, len(e.Details))
			for k, v := range e.Details {
				out[i].Details[k] = v
			}
		}
	}
	return out
}

func copySplit(in map[string]int) map[string]int {
	if in == nil {
		return nil
	}
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
