package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/apptrail-sh/orchestrator/internal/hooks"
	"github.com/apptrail-sh/orchestrator/internal/model"
	"github.com/apptrail-sh/orchestrator/internal/rollback"
	"github.com/apptrail-sh/orchestrator/internal/rollout"
	"github.com/apptrail-sh/orchestrator/internal/strategy"
	"github.com/apptrail-sh/orchestrator/internal/traffic"
	"github.com/google/uuid"
	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

const (
	phaseInitialization = "Initialization"
	phaseRollback       = "Rollback"
)

var (
	errCancelled         = errors.New("deployment cancelled")
	errRollbackRequested = errors.New("rollback requested")
	errInterrupted       = errors.New("orchestrator restarted while the deployment was executing")
)

// ConfigGetter resolves deployment configs by ID.
type ConfigGetter interface {
	Get(id string) (*model.DeploymentConfig, error)
}

// StateStore persists deployment snapshots. Saves are best effort.
type StateStore interface {
	Save(ctx context.Context, d *model.Deployment) error
}

type Option func(*Engine)

func WithClock(clk clock.PassiveClock) Option {
	return func(e *Engine) { e.clock = clk }
}

// WithEventSinks adds receivers for every timeline event.
func WithEventSinks(sinks ...hooks.EventSink) Option {
	return func(e *Engine) { e.sinks = append(e.sinks, sinks...) }
}

func WithStateStore(store StateStore) Option {
	return func(e *Engine) { e.state = store }
}

// WithShutdownTimeout bounds how long Start waits for running deployments
// once its context is done.
func WithShutdownTimeout(d time.Duration) Option {
	return func(e *Engine) { e.shutdownTimeout = d }
}

// Engine owns every deployment it starts. Each deployment is driven by one
// goroutine; control calls act on the shared rollout.Run.
type Engine struct {
	configs         ConfigGetter
	executors       *strategy.Registry
	rollbacks       *rollback.Controller
	clock           clock.PassiveClock
	sinks           []hooks.EventSink
	state           StateStore
	shutdownTimeout time.Duration

	mu          sync.RWMutex
	deployments map[string]*execution
	order       []string
	wg          sync.WaitGroup
}

type execution struct {
	run      *rollout.Run
	cfg      *model.DeploymentConfig
	executor strategy.Executor
	ctx      context.Context
	cancel   context.CancelCauseFunc
	done     chan struct{}

	mu             sync.Mutex
	rollbackReason string
}

// requestRollback records the first manual rollback reason.
func (x *execution) requestRollback(reason string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.rollbackReason == "" {
		x.rollbackReason = reason
	}
}

func (x *execution) requestedRollback() (string, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.rollbackReason, x.rollbackReason != ""
}

func New(configs ConfigGetter, executors *strategy.Registry, rollbacks *rollback.Controller, opts ...Option) *Engine {
	registerMetrics()
	e := &Engine{
		configs:         configs,
		executors:       executors,
		rollbacks:       rollbacks,
		clock:           clock.RealClock{},
		shutdownTimeout: 30 * time.Second,
		deployments:     make(map[string]*execution),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Deploy starts a new deployment of the given config and returns its initial
// snapshot. The rollout continues in the background.
func (e *Engine) Deploy(ctx context.Context, configID string) (*model.Deployment, error) {
	logger := log.FromContext(ctx).WithName("engine")

	cfg, err := e.configs.Get(configID)
	if err != nil {
		return nil, err
	}
	executor, err := e.executors.Get(cfg.Strategy)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now().UTC()
	baseline := e.baselineVersion(cfg.Application.Name, cfg.Environment)
	d := &model.Deployment{
		ID:          uuid.New().String(),
		ConfigID:    cfg.ID,
		Application: cfg.Application.Name,
		Status:      model.StatusInProgress,
		Strategy:    cfg.Strategy,
		Environment: cfg.Environment,
		Version: model.VersionInfo{
			Current:  baseline,
			Previous: baseline,
			Target:   cfg.Application.Version,
		},
		Progress: model.Progress{
			CompletedPhases: []string{},
			RemainingPhases: executor.Phases(cfg),
		},
		Health:    model.HealthSnapshot{Total: int(cfg.Application.Replicas)},
		StartedAt: now,
		Rollback:  model.RollbackInfo{Available: true},
	}
	if estimate := executor.EstimatedDuration(cfg); estimate > 0 {
		eta := now.Add(estimate)
		d.EstimatedCompletion = &eta
	}

	obs := newObserver(e, cfg, d)
	run := rollout.NewRun(d, executor.InitialSplit(cfg), e.clock, obs)

	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	runCtx = log.IntoContext(runCtx, logger.WithValues("deploymentID", d.ID, "application", cfg.Application.Name))
	x := &execution{
		run:      run,
		cfg:      cfg,
		executor: executor,
		ctx:      runCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	e.mu.Lock()
	e.deployments[d.ID] = x
	e.order = append(e.order, d.ID)
	e.mu.Unlock()

	deploymentsStarted.WithLabelValues(string(cfg.Strategy), cfg.Environment).Inc()
	run.Emit(model.SeverityInfo, phaseInitialization, "Deployment initialized", map[string]any{
		"strategy":     string(cfg.Strategy),
		"version":      cfg.Application.Version,
		"trafficSplit": run.Traffic(),
		"phases":       len(d.Progress.RemainingPhases),
	})
	snapshot := run.Snapshot()
	obs.ObserveState(snapshot)

	logger.Info("Deployment started",
		"deploymentID", d.ID,
		"configID", cfg.ID,
		"application", cfg.Application.Name,
		"strategy", cfg.Strategy,
		"targetVersion", cfg.Application.Version,
		"baselineVersion", baseline,
	)

	e.wg.Add(1)
	go e.execute(x)

	return snapshot, nil
}

// baselineVersion is the version made current by the latest successful
// deployment of the same application and environment.
func (e *Engine) baselineVersion(application, environment string) string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for i := len(e.order) - 1; i >= 0; i-- {
		d := e.deployments[e.order[i]].run.Snapshot()
		if d.Application == application && d.Environment == environment && d.Status == model.StatusSuccessful {
			return d.Version.Current
		}
	}
	return ""
}

func (e *Engine) execute(x *execution) {
	defer e.wg.Done()
	defer close(x.done)

	ctx := x.ctx
	logger := log.FromContext(ctx)

	err := x.executor.Execute(ctx, x.run, x.cfg)
	if err == nil {
		// A pause requested during the final phase holds completion.
		err = x.run.Checkpoint(ctx)
	}
	if err == nil && ctx.Err() == nil && x.run.Succeed(x.executor.Promotes()) {
		logger.Info("Deployment completed", "version", x.cfg.Application.Version)
		return
	}

	// Cleanup runs past the cancellation that ended the execution.
	cleanupCtx := context.WithoutCancel(ctx)

	if reason, ok := x.requestedRollback(); ok {
		e.rollback(cleanupCtx, x, reason)
		return
	}

	if x.run.Status() == model.StatusCancelled {
		e.rollback(cleanupCtx, x, errCancelled.Error())
		return
	}

	if err == nil {
		err = context.Cause(ctx)
	}
	if !x.run.Fail(err) {
		return
	}
	logger.Error(err, "Deployment failed", "phase", x.run.Snapshot().Progress.CurrentPhase)

	var threshold *model.ThresholdError
	switch {
	case errors.As(err, &threshold):
		e.rollback(cleanupCtx, x, threshold.Reason)
	case x.cfg.Rollback.AutoRollback:
		e.rollback(cleanupCtx, x, err.Error())
	}
}

func (e *Engine) rollback(ctx context.Context, x *execution, reason string) (*model.RollbackResult, error) {
	result, err := e.rollbacks.Rollback(ctx, x.run, x.cfg, reason)
	if result != nil {
		rollbacksTotal.WithLabelValues(x.cfg.Application.Name, x.cfg.Environment, fmt.Sprint(result.Success)).Inc()
	}
	if err != nil {
		log.FromContext(ctx).Error(err, "Rollback finished with errors", "reason", reason)
	}
	return result, err
}

func (e *Engine) lookup(id string) (*execution, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	x, ok := e.deployments[id]
	if !ok {
		return nil, fmt.Errorf("deployment %q: %w", id, model.ErrDeploymentNotFound)
	}
	return x, nil
}

// Restore rebuilds deployments persisted by an earlier process. Finished
// ones become queryable history and baselines for later deployments; ones
// that were still executing are marked FAILED and, if their policy asks for
// it, rolled back.
func (e *Engine) Restore(ctx context.Context, deployments []model.Deployment) int {
	logger := log.FromContext(ctx).WithName("engine")

	restored := 0
	for i := range deployments {
		d := deployments[i].DeepCopy()
		if _, err := e.lookup(d.ID); err == nil {
			continue
		}

		cfg, err := e.configs.Get(d.ConfigID)
		if err != nil {
			cfg = &model.DeploymentConfig{
				ID:          d.ConfigID,
				Strategy:    d.Strategy,
				Environment: d.Environment,
				Application: model.ApplicationSpec{Name: d.Application, Version: d.Version.Target},
			}
		}
		initial := d.TrafficSplit
		if executor, err := e.executors.Get(d.Strategy); err == nil {
			initial = executor.InitialSplit(cfg)
		}
		live := d.TrafficSplit

		run := rollout.NewRun(d, initial, e.clock, newObserver(e, cfg, d))
		if len(live) > 0 {
			run.RestoreTraffic(live)
		}

		runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
		x := &execution{
			run:    run,
			cfg:    cfg,
			ctx:    log.IntoContext(runCtx, logger.WithValues("deploymentID", d.ID, "application", d.Application)),
			cancel: cancel,
			done:   make(chan struct{}),
		}
		close(x.done)

		e.mu.Lock()
		e.deployments[d.ID] = x
		e.order = append(e.order, d.ID)
		e.mu.Unlock()
		restored++

		if result := restoredRollback(d); result != nil {
			run.RollbackOnce(func() (*model.RollbackResult, error) { return result, restoredRollbackErr(result) })
		}

		if run.Fail(errInterrupted) {
			logger.Info("Deployment was interrupted by a restart", "deploymentID", d.ID, "phase", d.Progress.CurrentPhase)
			if cfg.Rollback.AutoRollback {
				e.rollback(x.ctx, x, errInterrupted.Error())
			}
		}
	}

	e.mu.Lock()
	sort.SliceStable(e.order, func(i, j int) bool {
		return e.deployments[e.order[i]].run.StartedAt().Before(e.deployments[e.order[j]].run.StartedAt())
	})
	e.mu.Unlock()

	logger.Info("Restored deployments", "count", restored)
	return restored
}

// restoredRollback rebuilds the outcome of a rollback that finished before
// the restart, so that asking for it again returns the same result.
func restoredRollback(d *model.Deployment) *model.RollbackResult {
	rolledBack := d.Status == model.StatusRolledBack ||
		(d.Status == model.StatusCancelled && d.Rollback.Reason != "")
	if !rolledBack {
		return nil
	}
	result := &model.RollbackResult{
		DeploymentID:      d.ID,
		Success:           true,
		RolledBackTo:      d.Rollback.RolledBackTo,
		Reason:            d.Rollback.Reason,
		AffectedInstances: d.Health.Total,
		Events:            model.CopyEvents(d.Events),
	}
	for i := len(d.Events) - 1; i >= 0; i-- {
		if ev := d.Events[i]; ev.Phase == phaseRollback && ev.Severity != model.SeverityInfo {
			result.Success = ev.Severity != model.SeverityError
			break
		}
	}
	if d.CompletedAt != nil {
		for _, ev := range d.Events {
			if ev.Phase == phaseRollback {
				result.Duration = d.CompletedAt.Sub(ev.Timestamp)
				break
			}
		}
	}
	return result
}

func restoredRollbackErr(result *model.RollbackResult) error {
	if result.Success {
		return nil
	}
	return fmt.Errorf("%w: baseline %s was not restored", model.ErrRollbackFailed, result.RolledBackTo)
}

// Pause stops the deployment at its next phase boundary. It returns false
// unless the deployment was IN_PROGRESS.
func (e *Engine) Pause(id string) (bool, error) {
	x, err := e.lookup(id)
	if err != nil {
		return false, err
	}
	return x.run.Pause(), nil
}

// Resume continues a PAUSED deployment.
func (e *Engine) Resume(id string) (bool, error) {
	x, err := e.lookup(id)
	if err != nil {
		return false, err
	}
	return x.run.Resume(), nil
}

// Cancel marks the deployment CANCELLED immediately. The owning goroutine
// then reverts it regardless of the rollback policy.
func (e *Engine) Cancel(id string) (bool, error) {
	x, err := e.lookup(id)
	if err != nil {
		return false, err
	}
	if !x.run.MarkCancelled(errCancelled.Error()) {
		return false, nil
	}
	x.cancel(errCancelled)
	return true, nil
}

// Rollback reverts a deployment that is running, FAILED or CANCELLED. A
// deployment is reverted at most once; later calls return the first result.
func (e *Engine) Rollback(ctx context.Context, id, reason string) (*model.RollbackResult, error) {
	x, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "manual rollback"
	}

	status := x.run.Status()
	if status == model.StatusSuccessful {
		return nil, fmt.Errorf("%w: deployment %s already succeeded", model.ErrInvalidState, id)
	}

	if status.IsActive() {
		x.requestRollback(reason)
		x.cancel(errRollbackRequested)
	} else if result, rerr := x.run.RollbackResult(); result != nil {
		return result, rerr
	}

	select {
	case <-x.done:
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}

	if result, rerr := x.run.RollbackResult(); result != nil {
		return result, rerr
	}
	// The run may have failed or been cancelled on its own before the
	// request was seen; those can still be reverted.
	switch final := x.run.Status(); final {
	case model.StatusFailed, model.StatusCancelled:
	default:
		return nil, fmt.Errorf("%w: deployment %s finished as %s", model.ErrInvalidState, id, final)
	}
	return e.rollback(context.WithoutCancel(x.ctx), x, reason)
}

// UpdateTrafficSplit adjusts the split of a deployment that is no longer
// executing. The resulting split must sum to 100.
func (e *Engine) UpdateTrafficSplit(id string, targets []traffic.Target) (map[string]int, error) {
	x, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	if x.run.Status().IsActive() {
		return nil, fmt.Errorf("%w: deployment %s is still executing", model.ErrInvalidState, id)
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: no traffic targets", model.ErrInvalidStrategyParameters)
	}

	next := x.run.Traffic()
	for _, t := range targets {
		next[t.Version] = t.Percentage
	}
	sum := 0
	for _, v := range next {
		sum += v
	}
	if sum != 100 {
		return nil, fmt.Errorf("%w: traffic split sums to %d, want 100", model.ErrInvalidStrategyParameters, sum)
	}

	if err := x.run.UpdateTraffic("Manual", targets...); err != nil {
		return nil, err
	}
	return x.run.Traffic(), nil
}

func (e *Engine) Get(id string) (*model.Deployment, error) {
	x, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	return x.run.Snapshot(), nil
}

// List returns all deployments in creation order.
func (e *Engine) List() []model.Deployment {
	return e.filter(func(model.DeploymentStatus) bool { return true })
}

// Active returns IN_PROGRESS and PAUSED deployments.
func (e *Engine) Active() []model.Deployment {
	return e.filter(model.DeploymentStatus.IsActive)
}

func (e *Engine) filter(keep func(model.DeploymentStatus) bool) []model.Deployment {
	e.mu.RLock()
	runs := make([]*rollout.Run, 0, len(e.order))
	for _, id := range e.order {
		runs = append(runs, e.deployments[id].run)
	}
	e.mu.RUnlock()

	out := make([]model.Deployment, 0, len(runs))
	for _, run := range runs {
		if d := run.Snapshot(); keep(d.Status) {
			out = append(out, *d)
		}
	}
	return out
}

// Wait blocks until the deployment's goroutine has exited and returns the
// final snapshot.
func (e *Engine) Wait(ctx context.Context, id string) (*model.Deployment, error) {
	x, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	select {
	case <-x.done:
		return x.run.Snapshot(), nil
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

// Shutdown waits for every running deployment to reach a terminal state.
func (e *Engine) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to drain deployments: %w", context.Cause(ctx))
	}
}

// Start blocks until ctx is done, then drains running deployments for up to
// the shutdown timeout. It satisfies the controller-runtime Runnable
// interface.
func (e *Engine) Start(ctx context.Context) error {
	logger := log.FromContext(ctx).WithName("engine")
	logger.Info("Deployment engine started")

	<-ctx.Done()

	active := len(e.Active())
	logger.Info("Deployment engine stopping", "activeDeployments", active, "timeout", e.shutdownTimeout)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.shutdownTimeout)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}
