package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/apptrail-sh/orchestrator/internal/health"
	"github.com/apptrail-sh/orchestrator/internal/model"
	"github.com/apptrail-sh/orchestrator/internal/provision"
	"github.com/apptrail-sh/orchestrator/internal/rollout"
	"github.com/apptrail-sh/orchestrator/internal/traffic"
)

// Rolling replaces replicas in batches of max(1, MaxSurge). Every replica
// must pass its health checks before the next one is touched.
type Rolling struct {
	deps Deps
}

func NewRolling(deps Deps) *Rolling {
	return &Rolling{deps: deps.withDefaults()}
}

func (r *Rolling) Strategy() model.DeploymentStrategy { return model.StrategyRolling }

func (r *Rolling) Promotes() bool { return true }

type batch struct {
	first, last int
}

func (b batch) name() string {
	if b.first == b.last {
		return fmt.Sprintf("Update-Replica-%d", b.first)
	}
	return fmt.Sprintf("Update-Replicas-%d-%d", b.first, b.last)
}

func rollingParams(cfg *model.DeploymentConfig) model.RollingParams {
	if cfg.Rolling == nil {
		return model.RollingParams{}
	}
	return *cfg.Rolling
}

// batches splits replicas 1..n into consecutive batches.
func batches(cfg *model.DeploymentConfig) []batch {
	size := max(1, int(rollingParams(cfg).MaxSurge))
	total := int(cfg.Application.Replicas)
	var out []batch
	for first := 1; first <= total; first += size {
		out = append(out, batch{first: first, last: min(first+size-1, total)})
	}
	return out
}

func (r *Rolling) Phases(cfg *model.DeploymentConfig) []string {
	var phases []string
	for _, b := range batches(cfg) {
		phases = append(phases, b.name())
	}
	return phases
}

func (r *Rolling) InitialSplit(*model.DeploymentConfig) map[string]int {
	return map[string]int{traffic.Stable: 100, traffic.Canary: 0}
}

func (r *Rolling) EstimatedDuration(cfg *model.DeploymentConfig) time.Duration {
	return time.Duration(cfg.Application.Replicas) * rollingParams(cfg).WaitBetween.Duration
}

func (r *Rolling) Execute(ctx context.Context, run *rollout.Run, cfg *model.DeploymentConfig) error {
	wait := rollingParams(cfg).WaitBetween.Duration
	version := cfg.Application.Version
	total := int(cfg.Application.Replicas)
	req := provision.ForConfig(run.ID(), cfg, traffic.Canary, version)
	req.Baseline = traffic.Stable

	healthy, unhealthy := 0, 0
	run.SetHealth(healthy, unhealthy)

	for _, b := range batches(cfg) {
		name := b.name()
		err := r.deps.phase(ctx, run, name, func(ctx context.Context) error {
			for replica := b.first; replica <= b.last; replica++ {
				if err := r.deps.Provisioner.UpdateReplica(ctx, req, replica); err != nil {
					return fmt.Errorf("failed to update replica %d: %w", replica, err)
				}
				if err := r.deps.sleep(ctx, wait); err != nil {
					return err
				}

				t := health.Target{DeploymentID: run.ID(), Variant: traffic.Canary, Version: version, Replica: replica}
				if err := r.deps.checkHealth(ctx, run, cfg, name, t); err != nil {
					unhealthy++
					run.SetHealth(healthy, unhealthy)
					return fmt.Errorf("replica %d: %w", replica, err)
				}
				healthy++
				run.SetHealth(healthy, unhealthy)

				pct := replica * 100 / total
				run.SetProgress(pct)
				if err := run.UpdateTraffic(name, traffic.TwoWay(traffic.Stable, traffic.Canary, pct)...); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}
