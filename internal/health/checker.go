package health

import (
	"context"
	"fmt"
	"time"

	"github.com/apptrail-sh/orchestrator/internal/model"
	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// Target identifies what a probe runs against. Replica is zero when the
// check covers a whole variant.
type Target struct {
	DeploymentID string
	Variant      string
	Version      string
	Replica      int
}

type ProbeResult struct {
	Passed  bool
	Message string
}

// ProbeExecutor runs a single health check descriptor. Retry and threshold
// semantics belong to the executor.
type ProbeExecutor interface {
	RunProbe(ctx context.Context, target Target, check model.HealthCheck) ProbeResult
}

// Emitter receives timeline events for failed checks.
type Emitter interface {
	Emit(severity model.EventSeverity, phase, message string, details map[string]any)
}

type Report struct {
	Healthy bool
	Checks  map[string]model.CheckStatus
}

// Failed returns the names of the checks that did not pass.
func (r Report) Failed() []string {
	var out []string
	for name, status := range r.Checks {
		if !status.Passed {
			out = append(out, name)
		}
	}
	return out
}

type Checker struct {
	probes ProbeExecutor
	clock  clock.PassiveClock
}

func NewChecker(probes ProbeExecutor, clk clock.PassiveClock) *Checker {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Checker{probes: probes, clock: clk}
}

// Check runs every check against target and reports healthy only if all of
// them pass. An empty check list is healthy.
func (c *Checker) Check(ctx context.Context, emitter Emitter, phase string, target Target, checks []model.HealthCheck) Report {
	logger := log.FromContext(ctx).WithName("health")

	report := Report{Healthy: true, Checks: make(map[string]model.CheckStatus, len(checks))}
	for _, check := range checks {
		started := c.clock.Now()
		result := c.probes.RunProbe(ctx, target, check)
		report.Checks[check.Name] = model.CheckStatus{
			Passed:      result.Passed,
			Message:     result.Message,
			LastChecked: c.clock.Now().UTC(),
		}
		if result.Passed {
			logger.V(1).Info("Health check passed",
				"deploymentID", target.DeploymentID,
				"check", check.Name,
				"variant", target.Variant,
				"replica", target.Replica,
			)
			continue
		}

		report.Healthy = false
		logger.Info("Health check failed",
			"deploymentID", target.DeploymentID,
			"check", check.Name,
			"variant", target.Variant,
			"replica", target.Replica,
			"message", result.Message,
		)
		if emitter != nil {
			emitter.Emit(model.SeverityWarning, phase, fmt.Sprintf("Health check %s failed", check.Name), map[string]any{
				"check":    check.Name,
				"kind":     string(check.Kind),
				"variant":  target.Variant,
				"replica":  target.Replica,
				"message":  result.Message,
				"duration": c.clock.Since(started).Round(time.Millisecond).String(),
			})
		}
	}
	return report
}
