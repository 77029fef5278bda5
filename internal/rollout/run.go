package rollout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/apptrail-sh/orchestrator/internal/model"
	"github.com/apptrail-sh/orchestrator/internal/traffic"
	"github.com/google/uuid"
	"k8s.io/utils/clock"
)

// Observer is notified after the run's state changed. Calls happen outside
// the run's lock, so observers may take snapshots.
type Observer interface {
	ObserveEvent(status model.DeploymentStatus, event model.DeploymentEvent)
	ObserveState(snapshot *model.Deployment)
}

type nopObserver struct{}

func (nopObserver) ObserveEvent(model.DeploymentStatus, model.DeploymentEvent) {}
func (nopObserver) ObserveState(*model.Deployment) {}

// Run is the single owner of one Deployment record while it executes. The
// executing goroutine mutates it through the methods below; control calls
// and readers only see deep copies.
type Run struct {
	mu          sync.RWMutex
	d           *model.Deployment
	traffic     *traffic.Manager
	initial     map[string]int
	totalPhases int
	resumeCh    chan struct{}
	clock       clock.PassiveClock
	observer    Observer

	rollbackMu  sync.Mutex
	rollback    *model.RollbackResult
	rollbackErr error
}

// NewRun takes ownership of d. The initial split becomes both the live split
// and the rollback baseline.
func NewRun(d *model.Deployment, initial map[string]int, clk clock.PassiveClock, observer Observer) *Run {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if observer == nil {
		observer = nopObserver{}
	}
	d.TrafficSplit = nil
	return &Run{
		d:           d,
		traffic:     traffic.NewManager(initial),
		initial:     copySplit(initial),
		totalPhases: len(d.Progress.CompletedPhases) + len(d.Progress.RemainingPhases),
		clock:       clk,
		observer:    observer,
	}
}

func (r *Run) ID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.d.ID
}

func (r *Run) StartedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.d.StartedAt
}

func (r *Run) Status() model.DeploymentStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.d.Status
}

// Snapshot returns a deep copy including the live traffic split.
func (r *Run) Snapshot() *model.Deployment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

func (r *Run) snapshotLocked() *model.Deployment {
	out := r.d.DeepCopy()
	out.TrafficSplit = r.traffic.Snapshot()
	return out
}

// Emit appends an event to the timeline.
func (r *Run) Emit(severity model.EventSeverity, phase, message string, details map[string]any) {
	r.mu.Lock()
	e := r.appendLocked(severity, phase, message, details)
	status := r.d.Status
	r.mu.Unlock()

	r.observer.ObserveEvent(status, e)
}

func (r *Run) appendLocked(severity model.EventSeverity, phase, message string, details map[string]any) model.DeploymentEvent {
	e := model.DeploymentEvent{
		ID:        uuid.New().String(),
		Timestamp: r.clock.Now().UTC(),
		Severity:  severity,
		Phase:     phase,
		Message:   message,
		Details:   details,
	}
	r.d.Events = append(r.d.Events, e)
	return model.CopyEvents([]model.DeploymentEvent{e})[0]
}

// transition applies fn under the lock, then notifies the observer of the
// appended event (if any) and the new state.
func (r *Run) transition(fn func() *model.DeploymentEvent) bool {
	r.mu.Lock()
	e := fn()
	if e == nil {
		r.mu.Unlock()
		return false
	}
	status := r.d.Status
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	r.observer.ObserveEvent(status, *e)
	r.observer.ObserveState(snapshot)
	return true
}

func (r *Run) StartPhase(name string) {
	r.mu.Lock()
	r.d.Progress.CurrentPhase = name
	e := r.appendLocked(model.SeverityInfo, name, fmt.Sprintf("Starting phase %s", name), nil)
	status := r.d.Status
	r.mu.Unlock()

	r.observer.ObserveEvent(status, e)
}

// CompletePhase moves name from remaining to completed and advances the
// percentage. The percentage never decreases here.
func (r *Run) CompletePhase(name string) {
	r.mu.Lock()
	p := &r.d.Progress
	for i, remaining := range p.RemainingPhases {
		if remaining == name {
			p.RemainingPhases = append(p.RemainingPhases[:i:i], p.RemainingPhases[i+1:]...)
			break
		}
	}
	p.CompletedPhases = append(p.CompletedPhases, name)
	if r.totalPhases > 0 {
		p.Percentage = max(p.Percentage, min(100, len(p.CompletedPhases)*100/r.totalPhases))
	}
	e := r.appendLocked(model.SeverityInfo, name, fmt.Sprintf("Completed phase %s", name), map[string]any{
		"percentage": p.Percentage,
	})
	status := r.d.Status
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	r.observer.ObserveEvent(status, e)
	r.observer.ObserveState(snapshot)
}

// SetProgress raises the completion percentage; lower values are ignored.
func (r *Run) SetProgress(pct int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.d.Progress.Percentage = max(r.d.Progress.Percentage, traffic.Clamp(pct))
}

func (r *Run) SetHealth(healthy, unhealthy int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.d.Health.Healthy = healthy
	r.d.Health.Unhealthy = unhealthy
}

// SetCheckStatuses merges the latest per-check results.
func (r *Run) SetCheckStatuses(checks map[string]model.CheckStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.d.Health.Checks == nil {
		r.d.Health.Checks = make(map[string]model.CheckStatus, len(checks))
	}
	for name, status := range checks {
		r.d.Health.Checks[name] = status
	}
}

func (r *Run) SetMetrics(snapshot model.MetricsSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.d.Metrics = snapshot
}

// UpdateTraffic applies targets to the live split and records the result.
func (r *Run) UpdateTraffic(phase string, targets ...traffic.Target) error {
	if err := r.traffic.Update(targets...); err != nil {
		return err
	}
	split := r.traffic.Snapshot()
	details := make(map[string]any, len(split))
	for k, v := range split {
		details[k] = v
	}
	r.transition(func() *model.DeploymentEvent {
		e := r.appendLocked(model.SeverityInfo, phase, "Traffic split updated", details)
		return &e
	})
	return nil
}

// ResetTraffic restores the initial split.
func (r *Run) ResetTraffic() {
	r.traffic.Reset(r.initial)
}

// RestoreTraffic replaces the live split without recording an event. It is
// used when a run is rebuilt from a persisted record.
func (r *Run) RestoreTraffic(split map[string]int) {
	r.traffic.Reset(split)
}

func (r *Run) Traffic() map[string]int {
	return r.traffic.Snapshot()
}

func (r *Run) InitialSplit() map[string]int {
	return copySplit(r.initial)
}

func copySplit(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Pause flips IN_PROGRESS to PAUSED. The executor blocks at its next phase
// boundary until Resume.
func (r *Run) Pause() bool {
	return r.transition(func() *model.DeploymentEvent {
		if r.d.Status != model.StatusInProgress {
			return nil
		}
		r.d.Status = model.StatusPaused
		r.resumeCh = make(chan struct{})
		e := r.appendLocked(model.SeverityInfo, r.d.Progress.CurrentPhase, "Deployment paused", nil)
		return &e
	})
}

func (r *Run) Resume() bool {
	return r.transition(func() *model.DeploymentEvent {
		if r.d.Status != model.StatusPaused {
			return nil
		}
		r.d.Status = model.StatusInProgress
		r.releaseLocked()
		e := r.appendLocked(model.SeverityInfo, r.d.Progress.CurrentPhase, "Deployment resumed", nil)
		return &e
	})
}

func (r *Run) releaseLocked() {
	if r.resumeCh != nil {
		close(r.resumeCh)
		r.resumeCh = nil
	}
}

// Checkpoint is called at phase boundaries. It blocks while the run is
// paused and returns the context's cause once ctx is done.
func (r *Run) Checkpoint(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		r.mu.RLock()
		status, ch := r.d.Status, r.resumeCh
		r.mu.RUnlock()

		if status != model.StatusPaused || ch == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-ch:
		}
	}
}

// MarkCancelled moves a non-terminal run to CANCELLED.
func (r *Run) MarkCancelled(reason string) bool {
	return r.transition(func() *model.DeploymentEvent {
		if r.d.Status.IsTerminal() {
			return nil
		}
		now := r.clock.Now().UTC()
		r.d.Status = model.StatusCancelled
		r.d.CompletedAt = &now
		r.d.FailureReason = reason
		r.releaseLocked()
		e := r.appendLocked(model.SeverityWarning, r.d.Progress.CurrentPhase, "Deployment cancelled", map[string]any{
			"reason": reason,
		})
		return &e
	})
}

// Fail moves an active run to FAILED and records err as the failure reason.
func (r *Run) Fail(err error) bool {
	return r.transition(func() *model.DeploymentEvent {
		if !r.d.Status.IsActive() {
			return nil
		}
		now := r.clock.Now().UTC()
		r.d.Status = model.StatusFailed
		r.d.CompletedAt = &now
		r.d.FailureReason = err.Error()
		r.releaseLocked()
		e := r.appendLocked(model.SeverityError, r.d.Progress.CurrentPhase, fmt.Sprintf("Deployment failed: %v", err), nil)
		return &e
	})
}

// Succeed moves an active run to SUCCESSFUL. With promote the target version
// becomes the current one.
func (r *Run) Succeed(promote bool) bool {
	return r.transition(func() *model.DeploymentEvent {
		if !r.d.Status.IsActive() {
			return nil
		}
		now := r.clock.Now().UTC()
		r.d.Status = model.StatusSuccessful
		r.d.CompletedAt = &now
		if promote {
			r.d.Version.Current = r.d.Version.Target
		}
		r.d.Progress.Percentage = 100
		r.d.Rollback.Available = false
		e := r.appendLocked(model.SeveritySuccess, r.d.Progress.CurrentPhase, "Deployment completed successfully", map[string]any{
			"version": r.d.Version.Target,
		})
		return &e
	})
}

// MarkRolledBack records a finished rollback. CANCELLED is kept as the
// terminal status; any other status becomes ROLLED_BACK.
func (r *Run) MarkRolledBack(reason, rolledBackTo string, success bool) {
	r.transition(func() *model.DeploymentEvent {
		now := r.clock.Now().UTC()
		if r.d.Status != model.StatusCancelled {
			r.d.Status = model.StatusRolledBack
		}
		r.d.CompletedAt = &now
		r.d.Version.Current = rolledBackTo
		r.d.Progress.Percentage = 0
		r.d.Rollback = model.RollbackInfo{Available: false, Reason: reason, RolledBackTo: rolledBackTo}
		r.releaseLocked()

		severity := model.SeverityWarning
		message := fmt.Sprintf("Rolled back to %s", rolledBackTo)
		if !success {
			severity = model.SeverityError
			message = fmt.Sprintf("Rollback to %s completed with errors", rolledBackTo)
		}
		e := r.appendLocked(severity, "Rollback", message, map[string]any{"reason": reason})
		return &e
	})
}

// RollbackOnce runs fn until it produces a result and returns the stored
// outcome on every later call.
func (r *Run) RollbackOnce(fn func() (*model.RollbackResult, error)) (*model.RollbackResult, error) {
	r.rollbackMu.Lock()
	defer r.rollbackMu.Unlock()
	if r.rollback != nil {
		return copyResult(r.rollback), r.rollbackErr
	}
	result, err := fn()
	if result != nil {
		r.rollback, r.rollbackErr = result, err
	}
	return copyResult(result), err
}

// RollbackResult returns the stored rollback outcome, if any.
func (r *Run) RollbackResult() (*model.RollbackResult, error) {
	r.rollbackMu.Lock()
	defer r.rollbackMu.Unlock()
	return copyResult(r.rollback), r.rollbackErr
}

func copyResult(in *model.RollbackResult) *model.RollbackResult {
	if in == nil {
		return nil
	}
	out := *in
	out.Events = model.CopyEvents(in.Events)
	return &out
}
