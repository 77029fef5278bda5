package engine

import (
	"sync"

	"github.com/apptrail-sh/orchestrator/internal/model"
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	deploymentStatusGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orchestrator_deployment_status",
		Help: "Current status of a deployment (1 for the active status label)",
	}, []string{
		"deployment_id",
		"application",
		"environment",
		"strategy",
		"status",
		"phase",
	})

	deploymentProgressGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orchestrator_deployment_progress_percent",
		Help: "Completion percentage of a deployment",
	}, []string{"deployment_id", "application"})

	trafficSplitGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orchestrator_traffic_split_percent",
		Help: "Share of live traffic routed to each variant of a deployment",
	}, []string{"deployment_id", "application", "variant"})

	rollbacksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_rollbacks_total",
		Help: "Rollbacks executed, by application, environment and revert success",
	}, []string{"application", "environment", "success"})

	deploymentsStarted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_deployments_started_total",
		Help: "Deployments started, by strategy and environment",
	}, []string{"strategy", "environment"})

	metricsOnce sync.Once
)

func registerMetrics() {
	metricsOnce.Do(func() {
		metrics.Registry.MustRegister(
			deploymentStatusGauge,
			deploymentProgressGauge,
			trafficSplitGauge,
			rollbacksTotal,
			deploymentsStarted,
		)
	})
}

// recordState replaces the series of one deployment with its latest state.
// Finished deployments have their series removed.
func recordState(d *model.Deployment) {
	if d.Status.IsTerminal() {
		forgetState(d.ID)
		return
	}

	deploymentStatusGauge.DeletePartialMatch(prometheus.Labels{"deployment_id": d.ID})
	deploymentStatusGauge.WithLabelValues(
		d.ID,
		d.Application,
		d.Environment,
		string(d.Strategy),
		string(d.Status),
		d.Progress.CurrentPhase,
	).Set(1)

	deploymentProgressGauge.WithLabelValues(d.ID, d.Application).Set(float64(d.Progress.Percentage))

	trafficSplitGauge.DeletePartialMatch(prometheus.Labels{"deployment_id": d.ID})
	for variant, pct := range d.TrafficSplit {
		trafficSplitGauge.WithLabelValues(d.ID, d.Application, variant).Set(float64(pct))
	}
}

func forgetState(id string) {
	labels := prometheus.Labels{"deployment_id": id}
	deploymentStatusGauge.DeletePartialMatch(labels)
	deploymentProgressGauge.DeletePartialMatch(labels)
	trafficSplitGauge.DeletePartialMatch(labels)
}
