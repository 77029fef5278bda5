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
	PhaseTerminateOld   = "Terminate-Old"
	PhaseDeployNew      = "Deploy-New"
	PhaseHealthCheckNew = "Health-Check-New"
	PhaseCutover        = "Cutover"
)

// Recreate stops the old version before starting the new one. The
// application is unavailable between Terminate-Old and Cutover.
type Recreate struct {
	deps Deps
}

func NewRecreate(deps Deps) *Recreate {
	return &Recreate{deps: deps.withDefaults()}
}

func (r *Recreate) Strategy() model.DeploymentStrategy { return model.StrategyRecreate }

func (r *Recreate) Promotes() bool { return true }

func (r *Recreate) Phases(*model.DeploymentConfig) []string {
	return []string{PhaseTerminateOld, PhaseDeployNew, PhaseHealthCheckNew, PhaseCutover}
}

func (r *Recreate) InitialSplit(*model.DeploymentConfig) map[string]int {
	return map[string]int{traffic.Stable: 100, traffic.Canary: 0}
}

func (r *Recreate) EstimatedDuration(*model.DeploymentConfig) time.Duration {
	return 0
}

func (r *Recreate) Execute(ctx context.Context, run *rollout.Run, cfg *model.DeploymentConfig) error {
	version := cfg.Application.Version

	err := r.deps.phase(ctx, run, PhaseTerminateOld, func(ctx context.Context) error {
		return r.deps.Provisioner.TerminateVersion(ctx, provision.ForConfig(run.ID(), cfg, traffic.Stable, run.Snapshot().Version.Previous))
	})
	if err != nil {
		return err
	}

	err = r.deps.phase(ctx, run, PhaseDeployNew, func(ctx context.Context) error {
		return r.deps.Provisioner.DeployVersion(ctx, provision.ForConfig(run.ID(), cfg, traffic.Canary, version))
	})
	if err != nil {
		return err
	}

	err = r.deps.phase(ctx, run, PhaseHealthCheckNew, func(ctx context.Context) error {
		return r.deps.checkFleet(ctx, run, cfg, PhaseHealthCheckNew, variantTarget(run, traffic.Canary, version))
	})
	if err != nil {
		return err
	}

	return r.deps.phase(ctx, run, PhaseCutover, func(ctx context.Context) error {
		return run.UpdateTraffic(PhaseCutover, traffic.TwoWay(traffic.Stable, traffic.Canary, 100)...)
	})
}
