package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	logf "sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/apptrail-sh/orchestrator/internal/configstore"
	"github.com/apptrail-sh/orchestrator/internal/health"
	"github.com/apptrail-sh/orchestrator/internal/model"
	"github.com/apptrail-sh/orchestrator/internal/provision"
	"github.com/apptrail-sh/orchestrator/internal/rollback"
	"github.com/apptrail-sh/orchestrator/internal/strategy"
	"github.com/apptrail-sh/orchestrator/internal/telemetry"
)

const timeout = 10 * time.Second

func TestEngine(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Engine Suite")
}

var _ = BeforeSuite(func() {
	logf.SetLogger(zap.New(zap.WriteTo(GinkgoWriter), zap.UseDevMode(true)))
})

// probes answers every health check through a swappable function.
type probes struct {
	mu sync.Mutex
	fn func(target health.Target, check model.HealthCheck) bool
}

func (p *probes) set(fn func(target health.Target, check model.HealthCheck) bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fn = fn
}

func (p *probes) RunProbe(_ context.Context, target health.Target, check model.HealthCheck) health.ProbeResult {
	p.mu.Lock()
	fn := p.fn
	p.mu.Unlock()
	if fn == nil || fn(target, check) {
		return health.ProbeResult{Passed: true}
	}
	return health.ProbeResult{Passed: false, Message: "probe failed"}
}

type sinkRecorder struct {
	mu   sync.Mutex
	msgs []model.EventMessage
}

func (s *sinkRecorder) Send(msg model.EventMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
}

func (s *sinkRecorder) messages(deploymentID string) []model.EventMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.EventMessage
	for _, m := range s.msgs {
		if m.DeploymentID == deploymentID {
			out = append(out, m)
		}
	}
	return out
}

type stateRecorder struct {
	mu    sync.Mutex
	saved map[string][]model.DeploymentStatus
}

func (s *stateRecorder) Save(_ context.Context, d *model.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saved == nil {
		s.saved = make(map[string][]model.DeploymentStatus)
	}
	s.saved[d.ID] = append(s.saved[d.ID], d.Status)
	return nil
}

func (s *stateRecorder) statuses(id string) []model.DeploymentStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.DeploymentStatus(nil), s.saved[id]...)
}

type harness struct {
	configs *configstore.Store
	engine  *Engine
	metrics *telemetry.Static
	prov    *provision.Memory
	probes  *probes
	sink    *sinkRecorder
	state   *stateRecorder
}

func newHarness() *harness {
	h := &harness{
		configs: configstore.NewStore(nil),
		metrics: telemetry.NewStatic(telemetry.Healthy()),
		prov:    provision.NewMemory(),
		probes:  &probes{},
		sink:    &sinkRecorder{},
		state:   &stateRecorder{},
	}
	executors := strategy.DefaultRegistry(strategy.Deps{
		Health:      health.NewChecker(h.probes, nil),
		Metrics:     h.metrics,
		Provisioner: h.prov,
	})
	h.engine = New(h.configs, executors, rollback.NewController(h.prov, nil, rollback.DefaultConfig()),
		WithEventSinks(h.sink),
		WithStateStore(h.state),
	)
	return h
}

func (h *harness) create(cfg model.DeploymentConfig) string {
	created, err := h.configs.Create(context.Background(), cfg)
	Expect(err).NotTo(HaveOccurred())
	return created.ID
}

func (h *harness) deploy(configID string) *model.Deployment {
	d, err := h.engine.Deploy(context.Background(), configID)
	Expect(err).NotTo(HaveOccurred())
	return d
}

func (h *harness) wait(id string) *model.Deployment {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	d, err := h.engine.Wait(ctx, id)
	Expect(err).NotTo(HaveOccurred())
	return d
}

func (h *harness) status(id string) func() model.DeploymentStatus {
	return func() model.DeploymentStatus {
		d, err := h.engine.Get(id)
		Expect(err).NotTo(HaveOccurred())
		return d.Status
	}
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func newConfig(strategyName model.DeploymentStrategy, version string) model.DeploymentConfig {
	return model.DeploymentConfig{
		Strategy:    strategyName,
		Environment: "production",
		Application: model.ApplicationSpec{
			Name:     "checkout",
			Version:  version,
			Image:    "registry.example.com/checkout:" + version,
			Replicas: 3,
		},
		HealthChecks: []model.HealthCheck{
			{Name: "http", Kind: model.HealthCheckHTTP, Target: model.ProbeTarget{URL: "http://{variant}.checkout/healthz"}},
			{Name: "tcp", Kind: model.HealthCheckTCP, Target: model.ProbeTarget{Host: "{variant}.checkout", Port: 8080}},
		},
		Rollback: model.RollbackPolicy{ErrorRateThreshold: 1, LatencyThreshold: 500},
	}
}

// splitsOf returns every traffic split recorded in the timeline.
func splitsOf(d *model.Deployment) []map[string]int {
	var out []map[string]int
	for _, e := range d.Events {
		if e.Message != "Traffic split updated" {
			continue
		}
		split := make(map[string]int, len(e.Details))
		for k, v := range e.Details {
			split[k] = v.(int)
		}
		out = append(out, split)
	}
	return out
}

func phasesOf(d *model.Deployment) []string {
	var out []string
	for _, e := range d.Events {
		out = append(out, e.Phase)
	}
	return out
}
