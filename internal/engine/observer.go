package engine

import (
	"context"
	"sync"
	"time"

	"github.com/apptrail-sh/orchestrator/internal/model"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

const saveTimeout = 5 * time.Second

// observer forwards one deployment's events to the sinks and keeps the
// persisted record and the gauges in step with its state.
type observer struct {
	engine *Engine
	cfg    *model.DeploymentConfig
	id     string

	mu      sync.Mutex
	version model.VersionInfo
}

func newObserver(e *Engine, cfg *model.DeploymentConfig, d *model.Deployment) *observer {
	return &observer{
		engine:  e,
		cfg:     cfg,
		id:      d.ID,
		version: d.Version,
	}
}

func (o *observer) ObserveEvent(status model.DeploymentStatus, event model.DeploymentEvent) {
	if len(o.engine.sinks) == 0 {
		return
	}
	o.mu.Lock()
	version := o.version
	o.mu.Unlock()

	msg := model.EventMessage{
		DeploymentID:  o.id,
		ConfigID:      o.cfg.ID,
		Application:   o.cfg.Application.Name,
		Environment:   o.cfg.Environment,
		Strategy:      o.cfg.Strategy,
		Status:        status,
		Version:       version,
		Event:         event,
		Notifications: o.cfg.Notifications,
	}
	for _, sink := range o.engine.sinks {
		sink.Send(msg)
	}
}

func (o *observer) ObserveState(snapshot *model.Deployment) {
	o.mu.Lock()
	o.version = snapshot.Version
	o.mu.Unlock()

	recordState(snapshot)

	if o.engine.state == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := o.engine.state.Save(ctx, snapshot); err != nil {
		log.Log.WithName("engine").Error(err, "Failed to persist deployment state",
			"deploymentID", snapshot.ID,
			"status", snapshot.Status,
		)
	}
}
