package telemetry

import (
	"context"
	"sync"

	"github.com/apptrail-sh/orchestrator/internal/model"
)

// Source samples live metrics for a deployment once per monitoring window.
type Source interface {
	Sample(ctx context.Context, deploymentID string) (model.MetricsSnapshot, error)
}

// Func adapts a function to Source.
type Func func(ctx context.Context, deploymentID string) (model.MetricsSnapshot, error)

func (f Func) Sample(ctx context.Context, deploymentID string) (model.MetricsSnapshot, error) {
	return f(ctx, deploymentID)
}

// Static returns the same snapshot for every deployment until Set is called.
// It backs dry runs and tests.
type Static struct {
	mu       sync.RWMutex
	snapshot model.MetricsSnapshot
}

func NewStatic(snapshot model.MetricsSnapshot) *Static {
	return &Static{snapshot: snapshot}
}

// Healthy is a snapshot with no errors and low latency.
func Healthy() model.MetricsSnapshot {
	return model.MetricsSnapshot{
		ErrorRate:         0,
		Latency:           model.Latency{P50: 20, P95: 80, P99: 120},
		RequestsPerSecond: 100,
		SuccessRate:       100,
	}
}

func (s *Static) Set(snapshot model.MetricsSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = snapshot
}

func (s *Static) Sample(context.Context, string) (model.MetricsSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot, nil
}
