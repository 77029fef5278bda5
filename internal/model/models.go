package model

// EventMessage is what the engine hands to notification sinks for every
// timeline entry of a deployment.
type EventMessage struct {
	DeploymentID  string
	ConfigID      string
	Application   string
	Environment   string
	Strategy      DeploymentStrategy
	Status        DeploymentStatus
	Version       VersionInfo
	Event         DeploymentEvent
	Notifications []NotificationTarget // Per-config delivery targets
}
