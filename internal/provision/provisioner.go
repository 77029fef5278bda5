package provision

import (
	"context"

	"github.com/apptrail-sh/orchestrator/internal/model"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// Request describes one variant of an application on the compute platform.
// Baseline names the variant that gives up replicas during a rolling update.
type Request struct {
	DeploymentID string
	Application  string
	Variant      string
	Baseline     string
	Version      string
	Image        string
	Replicas     int32
	Resources    model.ResourceLimits
}

// Provisioner creates, scales and removes application variants.
type Provisioner interface {
	DeployVersion(ctx context.Context, req Request) error
	UpdateReplica(ctx context.Context, req Request, replica int) error
	TerminateVersion(ctx context.Context, req Request) error
}

// ForConfig builds the request for variant from a deployment config.
func ForConfig(deploymentID string, cfg *model.DeploymentConfig, variant, version string) Request {
	return Request{
		DeploymentID: deploymentID,
		Application:  cfg.Application.Name,
		Variant:      variant,
		Version:      version,
		Image:        cfg.Application.Image,
		Replicas:     cfg.Application.Replicas,
		Resources:    cfg.Application.Resources,
	}
}

// Noop only logs. It backs dry runs where no platform is attached.
type Noop struct{}

func (Noop) DeployVersion(ctx context.Context, req Request) error {
	log.FromContext(ctx).V(1).Info("Deploy version",
		"deploymentID", req.DeploymentID,
		"application", req.Application,
		"variant", req.Variant,
		"version", req.Version,
		"replicas", req.Replicas,
	)
	return nil
}

func (Noop) UpdateReplica(ctx context.Context, req Request, replica int) error {
	log.FromContext(ctx).V(1).Info("Update replica",
		"deploymentID", req.DeploymentID,
		"application", req.Application,
		"variant", req.Variant,
		"replica", replica,
	)
	return nil
}

func (Noop) TerminateVersion(ctx context.Context, req Request) error {
	log.FromContext(ctx).V(1).Info("Terminate version",
		"deploymentID", req.DeploymentID,
		"application", req.Application,
		"variant", req.Variant,
	)
	return nil
}
