package rollback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/apptrail-sh/orchestrator/internal/model"
	"github.com/apptrail-sh/orchestrator/internal/provision"
	"github.com/apptrail-sh/orchestrator/internal/rollout"
	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

type Config struct {
	// DefaultTimeout bounds provisioner calls when the policy sets none.
	DefaultTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{DefaultTimeout: 2 * time.Minute}
}

// Controller decides when a deployment breaches its thresholds and reverts
// it to its initial state.
type Controller struct {
	provisioner provision.Provisioner
	clock       clock.PassiveClock
	config      Config
}

func NewController(provisioner provision.Provisioner, clk clock.PassiveClock, config Config) *Controller {
	if provisioner == nil {
		provisioner = provision.Noop{}
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Controller{provisioner: provisioner, clock: clk, config: config}
}

// ShouldRollback checks the error rate first, then p95 latency. A zero
// threshold is disabled.
func ShouldRollback(metrics model.MetricsSnapshot, policy model.RollbackPolicy) (bool, string) {
	if policy.ErrorRateThreshold > 0 && metrics.ErrorRate > policy.ErrorRateThreshold {
		return true, fmt.Sprintf("error rate %.2f%% exceeds threshold %.2f%%", metrics.ErrorRate, policy.ErrorRateThreshold)
	}
	if policy.LatencyThreshold > 0 && metrics.Latency.P95 > policy.LatencyThreshold {
		return true, fmt.Sprintf("p95 latency %.0fms exceeds threshold %.0fms", metrics.Latency.P95, policy.LatencyThreshold)
	}
	return false, ""
}

func (c *Controller) ShouldRollback(metrics model.MetricsSnapshot, policy model.RollbackPolicy) (bool, string) {
	return ShouldRollback(metrics, policy)
}

// Rollback reverts run to its initial split and baseline version. It runs at
// most once per run; later calls return the first result.
func (c *Controller) Rollback(ctx context.Context, run *rollout.Run, cfg *model.DeploymentConfig, reason string) (*model.RollbackResult, error) {
	return run.RollbackOnce(func() (*model.RollbackResult, error) {
		return c.rollback(ctx, run, cfg, reason)
	})
}

func (c *Controller) rollback(ctx context.Context, run *rollout.Run, cfg *model.DeploymentConfig, reason string) (*model.RollbackResult, error) {
	logger := log.FromContext(ctx).WithName("rollback")
	started := c.clock.Now()

	snapshot := run.Snapshot()
	switch snapshot.Status {
	case model.StatusSuccessful, model.StatusRolledBack:
		return nil, fmt.Errorf("%w: cannot roll back a %s deployment", model.ErrInvalidState, snapshot.Status)
	}

	rolledBackTo := snapshot.Version.Previous
	if rolledBackTo == "" {
		rolledBackTo = snapshot.Version.Current
	}

	logger.Info("Rolling back deployment",
		"deploymentID", snapshot.ID,
		"status", snapshot.Status,
		"rolledBackTo", rolledBackTo,
		"reason", reason,
	)
	run.Emit(model.SeverityWarning, "Rollback", "Rollback initiated", map[string]any{
		"reason":       reason,
		"rolledBackTo": rolledBackTo,
	})

	run.ResetTraffic()

	revertErr := c.revert(ctx, run, cfg, snapshot, rolledBackTo)
	if revertErr != nil {
		logger.Error(revertErr, "Failed to restore baseline", "deploymentID", snapshot.ID)
		run.Emit(model.SeverityError, "Rollback", "Failed to restore baseline", map[string]any{
			"error": revertErr.Error(),
		})
	}

	run.MarkRolledBack(reason, rolledBackTo, revertErr == nil)

	final := run.Snapshot()
	result := &model.RollbackResult{
		DeploymentID:      final.ID,
		Success:           revertErr == nil,
		RolledBackTo:      rolledBackTo,
		Reason:            reason,
		Duration:          c.clock.Since(started),
		AffectedInstances: final.Health.Total,
		Events:            final.Events,
	}
	if revertErr != nil {
		return result, fmt.Errorf("%w: %w", model.ErrRollbackFailed, revertErr)
	}
	return result, nil
}

// revert restores the baseline variant and removes the variants that had no
// traffic in the initial split. Every step is attempted.
func (c *Controller) revert(ctx context.Context, run *rollout.Run, cfg *model.DeploymentConfig, snapshot *model.Deployment, rolledBackTo string) error {
	if cfg == nil {
		return nil
	}
	timeout := cfg.Rollback.RollbackTimeout.Duration
	if timeout <= 0 {
		timeout = c.config.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	var errs []error
	for variant, pct := range run.InitialSplit() {
		if pct > 0 {
			if snapshot.Version.Previous == "" {
				continue
			}
			req := provision.ForConfig(snapshot.ID, cfg, variant, rolledBackTo)
			req.Image = ""
			if err := c.provisioner.DeployVersion(ctx, req); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		req := provision.ForConfig(snapshot.ID, cfg, variant, snapshot.Version.Target)
		if err := c.provisioner.TerminateVersion(ctx, req); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
