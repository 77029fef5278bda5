package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/apptrail-sh/orchestrator/internal/model"
	"github.com/apptrail-sh/orchestrator/internal/provision"
	"github.com/apptrail-sh/orchestrator/internal/rollout"
	"github.com/apptrail-sh/orchestrator/internal/traffic"
)

const PhaseDeployCanary = "Deploy-Canary"

// Canary shifts traffic to the new version in increments, checking the
// rollback thresholds after every step.
type Canary struct {
	deps Deps
}

func NewCanary(deps Deps) *Canary {
	return &Canary{deps: deps.withDefaults()}
}

func (c *Canary) Strategy() model.DeploymentStrategy { return model.StrategyCanary }

func (c *Canary) Promotes() bool { return true }

// Steps returns the canary percentages in order. The first step is
// Percentage when set, then IncrementPercentage is added until 100.
func Steps(p model.CanaryParams) []int {
	increment := max(1, p.IncrementPercentage)
	current := p.Percentage
	if current <= 0 {
		current = increment
	}
	current = traffic.Clamp(current)

	steps := []int{current}
	for current < 100 {
		current = min(current+increment, 100)
		steps = append(steps, current)
	}
	return steps
}

func canaryParams(cfg *model.DeploymentConfig) model.CanaryParams {
	if cfg.Canary == nil {
		return model.CanaryParams{IncrementPercentage: 100}
	}
	return *cfg.Canary
}

func stepPhase(pct int) string {
	return fmt.Sprintf("Canary-%d%%", pct)
}

func (c *Canary) Phases(cfg *model.DeploymentConfig) []string {
	phases := []string{PhaseDeployCanary}
	for _, step := range Steps(canaryParams(cfg)) {
		phases = append(phases, stepPhase(step))
	}
	return phases
}

func (c *Canary) InitialSplit(*model.DeploymentConfig) map[string]int {
	return map[string]int{traffic.Stable: 100, traffic.Canary: 0}
}

func (c *Canary) EstimatedDuration(cfg *model.DeploymentConfig) time.Duration {
	p := canaryParams(cfg)
	return time.Duration(len(Steps(p))) * p.IncrementDuration.Duration
}

func (c *Canary) Execute(ctx context.Context, run *rollout.Run, cfg *model.DeploymentConfig) error {
	p := canaryParams(cfg)
	version := cfg.Application.Version

	err := c.deps.phase(ctx, run, PhaseDeployCanary, func(ctx context.Context) error {
		if err := c.deps.Provisioner.DeployVersion(ctx, provision.ForConfig(run.ID(), cfg, traffic.Canary, version)); err != nil {
			return err
		}
		return c.deps.checkFleet(ctx, run, cfg, PhaseDeployCanary, variantTarget(run, traffic.Canary, version))
	})
	if err != nil {
		return err
	}

	for _, step := range Steps(p) {
		name := stepPhase(step)
		err := c.deps.phase(ctx, run, name, func(ctx context.Context) error {
			if err := run.UpdateTraffic(name, traffic.TwoWay(traffic.Stable, traffic.Canary, step)...); err != nil {
				return err
			}
			return c.deps.monitor(ctx, run, cfg, name, p.IncrementDuration.Duration)
		})
		if err != nil {
			return err
		}
	}
	return nil
}
