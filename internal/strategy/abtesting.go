package strategy

import (
	"context"
	"time"

	"github.com/apptrail-sh/orchestrator/internal/model"
	"github.com/apptrail-sh/orchestrator/internal/provision"
	"github.com/apptrail-sh/orchestrator/internal/rollout"
	"github.com/apptrail-sh/orchestrator/internal/traffic"
)

const (
	PhaseDeployVariants      = "Deploy-Variants"
	PhaseHealthCheckVariants = "Health-Check-Variants"
	PhaseRouteTraffic        = "Route-Traffic"
)

// ABTesting runs every variant side by side at fixed percentages for the
// whole test window. Thresholds are evaluated once, when the window closes.
type ABTesting struct {
	deps Deps
}

func NewABTesting(deps Deps) *ABTesting {
	return &ABTesting{deps: deps.withDefaults()}
}

func (a *ABTesting) Strategy() model.DeploymentStrategy { return model.StrategyABTesting }

func (a *ABTesting) Promotes() bool { return true }

func abParams(cfg *model.DeploymentConfig) model.ABTestingParams {
	if cfg.ABTesting == nil {
		return model.ABTestingParams{}
	}
	return *cfg.ABTesting
}

func (a *ABTesting) Phases(*model.DeploymentConfig) []string {
	return []string{PhaseDeployVariants, PhaseHealthCheckVariants, PhaseRouteTraffic, PhaseMonitor}
}

// InitialSplit sends everything to the first variant.
func (a *ABTesting) InitialSplit(cfg *model.DeploymentConfig) map[string]int {
	split := map[string]int{}
	for i, v := range abParams(cfg).Variants {
		if i == 0 {
			split[v.Name] = 100
			continue
		}
		split[v.Name] = 0
	}
	return split
}

func (a *ABTesting) EstimatedDuration(cfg *model.DeploymentConfig) time.Duration {
	return abParams(cfg).Duration.Duration
}

func variantRequest(deploymentID string, cfg *model.DeploymentConfig, v model.ABVariant) provision.Request {
	req := provision.ForConfig(deploymentID, cfg, v.Name, v.Version)
	if v.Image != "" {
		req.Image = v.Image
	}
	return req
}

func (a *ABTesting) Execute(ctx context.Context, run *rollout.Run, cfg *model.DeploymentConfig) error {
	p := abParams(cfg)

	err := a.deps.phase(ctx, run, PhaseDeployVariants, func(ctx context.Context) error {
		for _, v := range p.Variants {
			if err := a.deps.Provisioner.DeployVersion(ctx, variantRequest(run.ID(), cfg, v)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	err = a.deps.phase(ctx, run, PhaseHealthCheckVariants, func(ctx context.Context) error {
		total := int(cfg.Application.Replicas)
		for _, v := range p.Variants {
			if err := a.deps.checkHealth(ctx, run, cfg, PhaseHealthCheckVariants, variantTarget(run, v.Name, v.Version)); err != nil {
				run.SetHealth(0, total)
				return err
			}
		}
		run.SetHealth(total, 0)
		return nil
	})
	if err != nil {
		return err
	}

	err = a.deps.phase(ctx, run, PhaseRouteTraffic, func(ctx context.Context) error {
		targets := make([]traffic.Target, 0, len(p.Variants))
		for _, v := range p.Variants {
			targets = append(targets, traffic.Target{Version: v.Name, Percentage: v.Percentage})
		}
		return run.UpdateTraffic(PhaseRouteTraffic, targets...)
	})
	if err != nil {
		return err
	}

	return a.deps.phase(ctx, run, PhaseMonitor, func(ctx context.Context) error {
		return a.deps.monitor(ctx, run, cfg, PhaseMonitor, p.Duration.Duration)
	})
}
