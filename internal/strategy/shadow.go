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
	PhaseDeployShadow      = "Deploy-Shadow"
	PhaseHealthCheckShadow = "Health-Check-Shadow"
	PhaseMirrorTraffic     = "Mirror-Traffic"
	PhaseTeardownShadow    = "Teardown-Shadow"
)

// Shadow runs the new version on a mirrored copy of live traffic. Users are
// never served by it and the live split stays on stable; success does not
// promote the version.
type Shadow struct {
	deps Deps
}

func NewShadow(deps Deps) *Shadow {
	return &Shadow{deps: deps.withDefaults()}
}

func (s *Shadow) Strategy() model.DeploymentStrategy { return model.StrategyShadow }

func (s *Shadow) Promotes() bool { return false }

func shadowParams(cfg *model.DeploymentConfig) model.ShadowParams {
	if cfg.Shadow == nil {
		return model.ShadowParams{}
	}
	return *cfg.Shadow
}

func (s *Shadow) Phases(*model.DeploymentConfig) []string {
	return []string{PhaseDeployShadow, PhaseHealthCheckShadow, PhaseMirrorTraffic, PhaseMonitor, PhaseTeardownShadow}
}

func (s *Shadow) InitialSplit(*model.DeploymentConfig) map[string]int {
	return map[string]int{traffic.Stable: 100, traffic.Shadow: 0}
}

func (s *Shadow) EstimatedDuration(cfg *model.DeploymentConfig) time.Duration {
	return shadowParams(cfg).Duration.Duration
}

func (s *Shadow) Execute(ctx context.Context, run *rollout.Run, cfg *model.DeploymentConfig) error {
	p := shadowParams(cfg)
	version := cfg.Application.Version
	req := provision.ForConfig(run.ID(), cfg, traffic.Shadow, version)

	err := s.deps.phase(ctx, run, PhaseDeployShadow, func(ctx context.Context) error {
		return s.deps.Provisioner.DeployVersion(ctx, req)
	})
	if err != nil {
		return err
	}

	err = s.deps.phase(ctx, run, PhaseHealthCheckShadow, func(ctx context.Context) error {
		return s.deps.checkFleet(ctx, run, cfg, PhaseHealthCheckShadow, variantTarget(run, traffic.Shadow, version))
	})
	if err != nil {
		return err
	}

	err = s.deps.phase(ctx, run, PhaseMirrorTraffic, func(ctx context.Context) error {
		run.Emit(model.SeverityInfo, PhaseMirrorTraffic, "Mirroring live traffic to shadow", map[string]any{
			"mirrorPercentage": p.MirrorPercentage,
		})
		return nil
	})
	if err != nil {
		return err
	}

	err = s.deps.phase(ctx, run, PhaseMonitor, func(ctx context.Context) error {
		return s.deps.monitor(ctx, run, cfg, PhaseMonitor, p.Duration.Duration)
	})
	if err != nil {
		return err
	}

	return s.deps.phase(ctx, run, PhaseTeardownShadow, func(ctx context.Context) error {
		return s.deps.Provisioner.TerminateVersion(ctx, req)
	})
}
