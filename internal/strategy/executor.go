package strategy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/apptrail-sh/orchestrator/internal/health"
	"github.com/apptrail-sh/orchestrator/internal/model"
	"github.com/apptrail-sh/orchestrator/internal/provision"
	"github.com/apptrail-sh/orchestrator/internal/rollback"
	"github.com/apptrail-sh/orchestrator/internal/rollout"
	"github.com/apptrail-sh/orchestrator/internal/telemetry"
	"k8s.io/utils/clock"
)

// Executor runs one deployment strategy as a fixed sequence of phases.
type Executor interface {
	Strategy() model.DeploymentStrategy
	// Phases lists the phase names Execute will run, in order.
	Phases(cfg *model.DeploymentConfig) []string
	// InitialSplit is the traffic split before the first phase and the
	// target of a rollback.
	InitialSplit(cfg *model.DeploymentConfig) map[string]int
	// EstimatedDuration sums the configured waits.
	EstimatedDuration(cfg *model.DeploymentConfig) time.Duration
	// Promotes reports whether success makes the target version current.
	Promotes() bool
	Execute(ctx context.Context, run *rollout.Run, cfg *model.DeploymentConfig) error
}

// Deps are the collaborators shared by all executors. A nil Metrics source
// skips sampling; a nil Provisioner is replaced by provision.Noop.
type Deps struct {
	Health      *health.Checker
	Metrics     telemetry.Source
	Provisioner provision.Provisioner
	Clock       clock.Clock
}

func (d Deps) withDefaults() Deps {
	if d.Clock == nil {
		d.Clock = clock.RealClock{}
	}
	if d.Provisioner == nil {
		d.Provisioner = provision.Noop{}
	}
	if d.Health == nil {
		d.Health = health.NewChecker(passingProbes{}, d.Clock)
	}
	return d
}

type passingProbes struct{}

func (passingProbes) RunProbe(context.Context, health.Target, model.HealthCheck) health.ProbeResult {
	return health.ProbeResult{Passed: true}
}

// phase waits at the pause gate, then runs fn between StartPhase and
// CompletePhase. Cancellation at the gate is returned unwrapped.
func (d Deps) phase(ctx context.Context, run *rollout.Run, name string, fn func(ctx context.Context) error) error {
	if err := run.Checkpoint(ctx); err != nil {
		return err
	}
	run.StartPhase(name)
	if err := fn(ctx); err != nil {
		return fmt.Errorf("%w: phase %s: %w", model.ErrStrategyExecution, name, err)
	}
	run.CompletePhase(name)
	return nil
}

// sleep waits for dur unless ctx is done first.
func (d Deps) sleep(ctx context.Context, dur time.Duration) error {
	if dur <= 0 {
		return nil
	}
	timer := d.Clock.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-timer.C():
		return nil
	}
}

// monitor waits for the window, samples metrics once and checks them
// against the rollback policy.
func (d Deps) monitor(ctx context.Context, run *rollout.Run, cfg *model.DeploymentConfig, phase string, window time.Duration) error {
	if err := d.sleep(ctx, window); err != nil {
		return err
	}
	if d.Metrics == nil {
		return nil
	}

	metrics, err := d.Metrics.Sample(ctx, run.ID())
	if err != nil {
		return fmt.Errorf("failed to sample metrics: %w", err)
	}
	run.SetMetrics(metrics)
	run.Emit(model.SeverityInfo, phase, "Metrics sampled", map[string]any{
		"errorRate":         metrics.ErrorRate,
		"p95":               metrics.Latency.P95,
		"requestsPerSecond": metrics.RequestsPerSecond,
	})

	if breach, reason := rollback.ShouldRollback(metrics, cfg.Rollback); breach {
		run.Emit(model.SeverityError, phase, "Rollback threshold exceeded", map[string]any{"reason": reason})
		return &model.ThresholdError{Reason: reason}
	}
	return nil
}

// checkHealth runs the configured checks against target and records the
// per-check results on the run.
func (d Deps) checkHealth(ctx context.Context, run *rollout.Run, cfg *model.DeploymentConfig, phase string, target health.Target) error {
	report := d.Health.Check(ctx, run, phase, target, cfg.HealthChecks)
	run.SetCheckStatuses(report.Checks)
	if report.Healthy {
		return nil
	}
	failed := report.Failed()
	sort.Strings(failed)
	return fmt.Errorf("%w: %s on %s", model.ErrHealthCheckFailed, strings.Join(failed, ", "), target.Variant)
}

// checkFleet is checkHealth for a whole variant: all replicas count as
// healthy or unhealthy together.
func (d Deps) checkFleet(ctx context.Context, run *rollout.Run, cfg *model.DeploymentConfig, phase string, target health.Target) error {
	total := int(cfg.Application.Replicas)
	if err := d.checkHealth(ctx, run, cfg, phase, target); err != nil {
		run.SetHealth(0, total)
		return err
	}
	run.SetHealth(total, 0)
	return nil
}

func variantTarget(run *rollout.Run, variant, version string) health.Target {
	return health.Target{DeploymentID: run.ID(), Variant: variant, Version: version}
}

// Registry selects the executor for a strategy.
type Registry struct {
	executors map[model.DeploymentStrategy]Executor
}

func NewRegistry(executors ...Executor) *Registry {
	r := &Registry{executors: make(map[model.DeploymentStrategy]Executor, len(executors))}
	for _, e := range executors {
		r.executors[e.Strategy()] = e
	}
	return r
}

// DefaultRegistry holds every built-in strategy.
func DefaultRegistry(deps Deps) *Registry {
	return NewRegistry(
		NewBlueGreen(deps),
		NewCanary(deps),
		NewRolling(deps),
		NewABTesting(deps),
		NewRecreate(deps),
		NewShadow(deps),
	)
}

func (r *Registry) Get(strategy model.DeploymentStrategy) (Executor, error) {
	e, ok := r.executors[strategy]
	if !ok {
		return nil, fmt.Errorf("%w: unknown strategy %q", model.ErrInvalidStrategyParameters, strategy)
	}
	return e, nil
}
