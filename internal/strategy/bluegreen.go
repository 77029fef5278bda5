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
	PhaseDeployGreen       = "Deploy-Green"
	PhaseHealthCheckGreen  = "Health-Check-Green"
	PhaseWaitTrafficSwitch = "Wait-Traffic-Switch"
	PhaseSwitchTraffic     = "Switch-Traffic"
	PhaseMonitor           = "Monitor"
	PhaseCleanupOld        = "Cleanup-Old"
)

// BlueGreen brings up the new version next to the old one and moves all
// traffic in a single switch once it is healthy.
type BlueGreen struct {
	deps Deps
}

func NewBlueGreen(deps Deps) *BlueGreen {
	return &BlueGreen{deps: deps.withDefaults()}
}

func (b *BlueGreen) Strategy() model.DeploymentStrategy { return model.StrategyBlueGreen }

func (b *BlueGreen) Promotes() bool { return true }

func blueGreenParams(cfg *model.DeploymentConfig) model.BlueGreenParams {
	if cfg.BlueGreen == nil {
		return model.BlueGreenParams{}
	}
	return *cfg.BlueGreen
}

func (b *BlueGreen) Phases(cfg *model.DeploymentConfig) []string {
	p := blueGreenParams(cfg)
	phases := []string{PhaseDeployGreen, PhaseHealthCheckGreen}
	if p.SwitchDelay.Duration > 0 {
		phases = append(phases, PhaseWaitTrafficSwitch)
	}
	phases = append(phases, PhaseSwitchTraffic, PhaseMonitor)
	if p.CleanupOld {
		phases = append(phases, PhaseCleanupOld)
	}
	return phases
}

func (b *BlueGreen) InitialSplit(*model.DeploymentConfig) map[string]int {
	return map[string]int{traffic.Blue: 100, traffic.Green: 0}
}

func (b *BlueGreen) EstimatedDuration(cfg *model.DeploymentConfig) time.Duration {
	p := blueGreenParams(cfg)
	return p.SwitchDelay.Duration + p.MonitorDuration.Duration
}

func (b *BlueGreen) Execute(ctx context.Context, run *rollout.Run, cfg *model.DeploymentConfig) error {
	p := blueGreenParams(cfg)
	version := cfg.Application.Version

	err := b.deps.phase(ctx, run, PhaseDeployGreen, func(ctx context.Context) error {
		return b.deps.Provisioner.DeployVersion(ctx, provision.ForConfig(run.ID(), cfg, traffic.Green, version))
	})
	if err != nil {
		return err
	}

	err = b.deps.phase(ctx, run, PhaseHealthCheckGreen, func(ctx context.Context) error {
		return b.deps.checkFleet(ctx, run, cfg, PhaseHealthCheckGreen, variantTarget(run, traffic.Green, version))
	})
	if err != nil {
		return err
	}

	if p.SwitchDelay.Duration > 0 {
		err = b.deps.phase(ctx, run, PhaseWaitTrafficSwitch, func(ctx context.Context) error {
			return b.deps.sleep(ctx, p.SwitchDelay.Duration)
		})
		if err != nil {
			return err
		}
	}

	err = b.deps.phase(ctx, run, PhaseSwitchTraffic, func(ctx context.Context) error {
		return run.UpdateTraffic(PhaseSwitchTraffic, traffic.TwoWay(traffic.Blue, traffic.Green, 100)...)
	})
	if err != nil {
		return err
	}

	err = b.deps.phase(ctx, run, PhaseMonitor, func(ctx context.Context) error {
		return b.deps.monitor(ctx, run, cfg, PhaseMonitor, p.MonitorDuration.Duration)
	})
	if err != nil {
		return err
	}

	if p.CleanupOld {
		return b.deps.phase(ctx, run, PhaseCleanupOld, func(ctx context.Context) error {
			return b.deps.Provisioner.TerminateVersion(ctx, provision.ForConfig(run.ID(), cfg, traffic.Blue, run.Snapshot().Version.Previous))
		})
	}
	return nil
}
