package reconciler

import (
	"context"
	"sync"

	"github.com/apptrail-sh/orchestrator/internal/provision"
	"github.com/prometheus/client_golang/prometheus"
	v1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/tools/record"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/builder"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

const (
	reasonProgressDeadlineExceeded = "ProgressDeadlineExceeded"
	reasonVariantStalled           = "VariantStalled"
	reasonVariantRecovered         = "VariantRecovered"
)

var (
	variantReplicasGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orchestrator_variant_replicas",
		Help: "Replica counts of provisioned deployment variants by state (desired, ready, available)",
	}, []string{
		"namespace",
		"name",
		"application",
		"variant",
		"version",
		"deployment_id",
		"state",
	})

	registerMetrics sync.Once
)

// VariantReconciler watches the workloads the orchestrator provisions. It
// exports their replica counts and records an Event when a variant stops
// progressing.
type VariantReconciler struct {
	client.Client
	Recorder record.EventRecorder

	mu      sync.Mutex
	stalled map[types.NamespacedName]bool
}

func NewVariantReconciler(c client.Client, recorder record.EventRecorder) *VariantReconciler {
	registerMetrics.Do(func() {
		metrics.Registry.MustRegister(variantReplicasGauge)
	})
	return &VariantReconciler{
		Client:   c,
		Recorder: recorder,
		stalled:  make(map[types.NamespacedName]bool),
	}
}

// +kubebuilder:rbac:groups=apps,resources=deployments,verbs=get;list;watch
// +kubebuilder:rbac:groups=apps,resources=deployments/status,verbs=get
// +kubebuilder:rbac:groups="",resources=events,verbs=create;patch

func (r *VariantReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	log := ctrl.LoggerFrom(ctx)

	resource := &v1.Deployment{}
	if err := r.Get(ctx, req.NamespacedName, resource); err != nil {
		if apierrors.IsNotFound(err) {
			r.forget(req.NamespacedName)
			log.V(1).Info("Variant removed")
			return ctrl.Result{}, nil
		}
		return ctrl.Result{}, err
	}
	if !isManagedVariant(resource) {
		return ctrl.Result{}, nil
	}

	r.export(resource)

	stalled := progressDeadlineExceeded(resource)
	r.mu.Lock()
	wasStalled := r.stalled[req.NamespacedName]
	if stalled {
		r.stalled[req.NamespacedName] = true
	} else {
		delete(r.stalled, req.NamespacedName)
	}
	r.mu.Unlock()

	labels := resource.Labels
	switch {
	case stalled && !wasStalled:
		log.Info("Variant stopped progressing",
			"variant", labels[provision.LabelVariant],
			"version", labels[provision.LabelVersion],
			"deploymentID", labels[provision.LabelDeploymentID])
		r.Recorder.Eventf(resource, corev1.EventTypeWarning, reasonVariantStalled,
			"Variant %s of %s at version %s exceeded its progress deadline",
			labels[provision.LabelVariant], labels[provision.LabelName], labels[provision.LabelVersion])
	case !stalled && wasStalled:
		r.Recorder.Eventf(resource, corev1.EventTypeNormal, reasonVariantRecovered,
			"Variant %s of %s is progressing again",
			labels[provision.LabelVariant], labels[provision.LabelName])
	}
	return ctrl.Result{}, nil
}

func (r *VariantReconciler) export(d *v1.Deployment) {
	variantReplicasGauge.DeletePartialMatch(prometheus.Labels{"namespace": d.Namespace, "name": d.Name})

	desired := int32(1)
	if d.Spec.Replicas != nil {
		desired = *d.Spec.Replicas
	}
	labels := d.Labels
	set := func(state string, value int32) {
		variantReplicasGauge.WithLabelValues(
			d.Namespace,
			d.Name,
			labels[provision.LabelName],
			labels[provision.LabelVariant],
			labels[provision.LabelVersion],
			labels[provision.LabelDeploymentID],
			state,
		).Set(float64(value))
	}
	set("desired", desired)
	set("ready", d.Status.ReadyReplicas)
	set("available", d.Status.AvailableReplicas)
}

func (r *VariantReconciler) forget(key types.NamespacedName) {
	variantReplicasGauge.DeletePartialMatch(prometheus.Labels{"namespace": key.Namespace, "name": key.Name})
	r.mu.Lock()
	delete(r.stalled, key)
	r.mu.Unlock()
}

func progressDeadlineExceeded(d *v1.Deployment) bool {
	for _, c := range d.Status.Conditions {
		if c.Type == v1.DeploymentProgressing && c.Status == corev1.ConditionFalse && c.Reason == reasonProgressDeadlineExceeded {
			return true
		}
	}
	return false
}

// SetupWithManager sets up the controller with the Manager.
func (r *VariantReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		Named("variant").
		For(&v1.Deployment{}, builder.WithPredicates(VariantStatusChangedPredicate())).
		Complete(r)
}
