package model

import (
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

type DeploymentStrategy string
type HealthCheckKind string
type NotificationKind string

const (
	StrategyBlueGreen DeploymentStrategy = "blue-green"
	StrategyCanary    DeploymentStrategy = "canary"
	StrategyRolling   DeploymentStrategy = "rolling"
	StrategyABTesting DeploymentStrategy = "ab-testing"
	StrategyRecreate  DeploymentStrategy = "recreate"
	StrategyShadow    DeploymentStrategy = "shadow"

	HealthCheckHTTP    HealthCheckKind = "http"
	HealthCheckTCP     HealthCheckKind = "tcp"
	HealthCheckCommand HealthCheckKind = "command"
	HealthCheckGRPC    HealthCheckKind = "grpc"

	NotificationSlack   NotificationKind = "slack"
	NotificationWebhook NotificationKind = "webhook"
	NotificationEmail   NotificationKind = "email"
)

// DeploymentConfig describes how an application version is rolled out.
// It is immutable once stored.
type DeploymentConfig struct {
	ID            string               `json:"id"`
	Name          string               `json:"name,omitempty"`
	Strategy      DeploymentStrategy   `json:"strategy" validate:"required,oneof=blue-green canary rolling ab-testing recreate shadow"`
	Environment   string               `json:"environment" validate:"required"`
	Application   ApplicationSpec      `json:"application"`
	Canary        *CanaryParams        `json:"canary,omitempty"`
	BlueGreen     *BlueGreenParams     `json:"blueGreen,omitempty"`
	Rolling       *RollingParams       `json:"rolling,omitempty"`
	ABTesting     *ABTestingParams     `json:"abTesting,omitempty"`
	Shadow        *ShadowParams        `json:"shadow,omitempty"`
	HealthChecks  []HealthCheck        `json:"healthChecks,omitempty" validate:"dive"`
	Rollback      RollbackPolicy       `json:"rollbackPolicy"`
	FeatureFlags  []FeatureFlag        `json:"featureFlags,omitempty" validate:"dive"`
	Notifications []NotificationTarget `json:"notifications,omitempty" validate:"dive"`
	CreatedAt     time.Time            `json:"createdAt"`
}

// ApplicationSpec identifies the artifact being deployed.
type ApplicationSpec struct {
	Name      string         `json:"name" validate:"required"`
	Version   string         `json:"version" validate:"required"`
	Image     string         `json:"image" validate:"required"`
	Replicas  int32          `json:"replicas" validate:"gte=1"`
	Resources ResourceLimits `json:"resources,omitempty"`
}

type ResourceLimits struct {
	CPU    string `json:"cpu,omitempty"`
	Memory string `json:"memory,omitempty"`
}

// CanaryParams controls the canary traffic ramp. Percentage, when set, is the
// first traffic step; later steps add IncrementPercentage until 100.
type CanaryParams struct {
	Percentage          int             `json:"percentage,omitempty" validate:"gte=0,lte=100"`
	IncrementPercentage int             `json:"incrementPercentage" validate:"gte=1,lte=100"`
	IncrementDuration   metav1.Duration `json:"incrementDuration,omitempty"`
}

type BlueGreenParams struct {
	SwitchDelay     metav1.Duration `json:"switchDelay,omitempty"`
	MonitorDuration metav1.Duration `json:"monitorDuration,omitempty"`
	CleanupOld      bool            `json:"cleanupOld,omitempty"`
}

type RollingParams struct {
	MaxSurge       int32           `json:"maxSurge,omitempty" validate:"gte=0"`
	MaxUnavailable int32           `json:"maxUnavailable,omitempty" validate:"gte=0"`
	WaitBetween    metav1.Duration `json:"waitBetween,omitempty"`
}

type ABTestingParams struct {
	Variants []ABVariant     `json:"variants" validate:"min=2,dive"`
	Duration metav1.Duration `json:"duration,omitempty"`
}

type ABVariant struct {
	Name       string `json:"name" validate:"required"`
	Version    string `json:"version" validate:"required"`
	Image      string `json:"image,omitempty"`
	Percentage int    `json:"percentage" validate:"gte=0,lte=100"`
}

type ShadowParams struct {
	MirrorPercentage int             `json:"mirrorPercentage" validate:"gte=0,lte=100"`
	Duration         metav1.Duration `json:"duration,omitempty"`
}

// HealthCheck is a probe descriptor. It carries no state; the probe executor
// evaluates it on every call.
type HealthCheck struct {
	Name             string          `json:"name" validate:"required"`
	Kind             HealthCheckKind `json:"kind" validate:"required,oneof=http tcp command grpc"`
	Target           ProbeTarget     `json:"target"`
	Interval         metav1.Duration `json:"interval,omitempty"`
	Timeout          metav1.Duration `json:"timeout,omitempty"`
	SuccessThreshold int             `json:"successThreshold,omitempty" validate:"gte=0"`
	FailureThreshold int             `json:"failureThreshold,omitempty" validate:"gte=0"`
	InitialDelay     metav1.Duration `json:"initialDelay,omitempty"`
	Retries          int             `json:"retries,omitempty" validate:"gte=0"`
}

// ProbeTarget holds the kind-specific probe parameters. URL, Host and Command
// may contain the placeholders {variant}, {version} and {replica}.
type ProbeTarget struct {
	URL            string `json:"url,omitempty"`
	Method         string `json:"method,omitempty"`
	ExpectedStatus int    `json:"expectedStatus,omitempty"`
	Host           string `json:"host,omitempty"`
	Port           int    `json:"port,omitempty"`
	Command        string `json:"command,omitempty"`
	Service        string `json:"service,omitempty"`
}

// RollbackPolicy thresholds of zero are disabled.
type RollbackPolicy struct {
	AutoRollback       bool            `json:"autoRollback"`
	ErrorRateThreshold float64         `json:"errorRateThreshold,omitempty" validate:"gte=0,lte=100"`
	LatencyThreshold   float64         `json:"latencyThreshold,omitempty" validate:"gte=0"`
	RollbackTimeout    metav1.Duration `json:"rollbackTimeout,omitempty"`
}

type NotificationTarget struct {
	Kind    NotificationKind `json:"kind" validate:"required,oneof=slack webhook email"`
	Target  string           `json:"target" validate:"required"`
	OnlyOn  []EventSeverity  `json:"onlyOn,omitempty"`
	Channel string           `json:"channel,omitempty"`
}

// DeepCopy returns a copy that shares no slices or pointers with c.
func (c *DeploymentConfig) DeepCopy() *DeploymentConfig {
	if c == nil {
		return nil
	}
	out := *c
	if c.Canary != nil {
		p := *c.Canary
		out.Canary = &p
	}
	if c.BlueGreen != nil {
		p := *c.BlueGreen
		out.BlueGreen = &p
	}
	if c.Rolling != nil {
		p := *c.Rolling
		out.Rolling = &p
	}
	if c.ABTesting != nil {
		p := *c.ABTesting
		p.Variants = append([]ABVariant(nil), c.ABTesting.Variants...)
		out.ABTesting = &p
	}
	if c.Shadow != nil {
		p := *c.Shadow
		out.Shadow = &p
	}
	out.HealthChecks = append([]HealthCheck(nil), c.HealthChecks...)
	if c.FeatureFlags != nil {
		out.FeatureFlags = make([]FeatureFlag, len(c.FeatureFlags))
		for i := range c.FeatureFlags {
			out.FeatureFlags[i] = *c.FeatureFlags[i].DeepCopy()
		}
	}
	if c.Notifications != nil {
		out.Notifications = make([]NotificationTarget, len(c.Notifications))
		for i, n := range c.Notifications {
			out.Notifications[i] = n
			out.Notifications[i].OnlyOn = append([]EventSeverity(nil), n.OnlyOn...)
		}
	}
	return &out
}
