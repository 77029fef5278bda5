package provision

import (
	"context"
	"fmt"
	"strings"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

const (
	LabelName         = "app.kubernetes.io/name"
	LabelVersion      = "app.kubernetes.io/version"
	LabelManagedBy    = "app.kubernetes.io/managed-by"
	LabelVariant      = "orchestrator.apptrail.sh/variant"
	LabelDeploymentID = "orchestrator.apptrail.sh/deployment-id"

	ManagedBy = "apptrail-orchestrator"
)

type KubernetesConfig struct {
	Namespace string
	// ReadyTimeout bounds the wait for a variant to become ready. Zero
	// disables waiting.
	ReadyTimeout time.Duration
	PollInterval time.Duration
}

func DefaultKubernetesConfig(namespace string) KubernetesConfig {
	return KubernetesConfig{
		Namespace:    namespace,
		ReadyTimeout: 5 * time.Minute,
		PollInterval: 2 * time.Second,
	}
}

// KubernetesProvisioner runs every variant as its own apps/v1 Deployment
// named <application>-<variant>.
type KubernetesProvisioner struct {
	client client.Client
	config KubernetesConfig
}

func NewKubernetesProvisioner(c client.Client, config KubernetesConfig) *KubernetesProvisioner {
	return &KubernetesProvisioner{client: c, config: config}
}

// +kubebuilder:rbac:groups=apps,resources=deployments,verbs=get;list;watch;create;update;patch;delete

func ObjectName(application, variant string) string {
	return strings.ToLower(fmt.Sprintf("%s-%s", application, variant))
}

func (p *KubernetesProvisioner) DeployVersion(ctx context.Context, req Request) error {
	logger := log.FromContext(ctx).WithName("provision")

	deployment, err := p.apply(ctx, req, req.Replicas)
	if err != nil {
		return err
	}
	logger.Info("Applied variant",
		"deploymentID", req.DeploymentID,
		"name", deployment.Name,
		"namespace", deployment.Namespace,
		"version", req.Version,
		"replicas", req.Replicas,
	)
	return p.waitReady(ctx, deployment.Name)
}

// UpdateReplica scales the new variant to replica instances and the
// baseline variant down by the same amount.
func (p *KubernetesProvisioner) UpdateReplica(ctx context.Context, req Request, replica int) error {
	logger := log.FromContext(ctx).WithName("provision")

	deployment, err := p.apply(ctx, req, int32(replica))
	if err != nil {
		return err
	}

	if req.Baseline != "" {
		if err := p.scale(ctx, ObjectName(req.Application, req.Baseline), max(0, req.Replicas-int32(replica))); err != nil {
			return err
		}
	}

	logger.Info("Moved replica to new variant",
		"deploymentID", req.DeploymentID,
		"name", deployment.Name,
		"replica", replica,
		"of", req.Replicas,
	)
	return p.waitReady(ctx, deployment.Name)
}

func (p *KubernetesProvisioner) TerminateVersion(ctx context.Context, req Request) error {
	logger := log.FromContext(ctx).WithName("provision")

	deployment := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      ObjectName(req.Application, req.Variant),
			Namespace: p.config.Namespace,
		},
	}
	if err := p.client.Delete(ctx, deployment); err != nil && !apierrors.IsNotFound(err) {
		logger.Error(err, "Failed to delete variant", "name", deployment.Name)
		return fmt.Errorf("failed to delete variant %s: %w", deployment.Name, err)
	}
	logger.Info("Terminated variant", "deploymentID", req.DeploymentID, "name", deployment.Name)
	return nil
}

func (p *KubernetesProvisioner) apply(ctx context.Context, req Request, replicas int32) (*appsv1.Deployment, error) {
	resources, err := resourceRequirements(req)
	if err != nil {
		return nil, err
	}

	deployment := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      ObjectName(req.Application, req.Variant),
			Namespace: p.config.Namespace,
		},
	}
	selector := map[string]string{
		LabelName:    req.Application,
		LabelVariant: req.Variant,
	}
	labels := map[string]string{
		LabelName:         req.Application,
		LabelVariant:      req.Variant,
		LabelVersion:      req.Version,
		LabelDeploymentID: req.DeploymentID,
		LabelManagedBy:    ManagedBy,
	}

	_, err = controllerutil.CreateOrUpdate(ctx, p.client, deployment, func() error {
		if deployment.Labels == nil {
			deployment.Labels = map[string]string{}
		}
		for k, v := range labels {
			deployment.Labels[k] = v
		}
		deployment.Spec.Replicas = ptr.To(replicas)
		if deployment.Spec.Selector == nil {
			deployment.Spec.Selector = &metav1.LabelSelector{MatchLabels: selector}
		}
		deployment.Spec.Template.Labels = labels
		// An empty image keeps the running containers, e.g. when a baseline is
		// scaled back during rollback.
		if req.Image == "" && len(deployment.Spec.Template.Spec.Containers) > 0 {
			return nil
		}
		deployment.Spec.Template.Spec.Containers = []corev1.Container{{
			Name:      req.Application,
			Image:     req.Image,
			Resources: resources,
		}}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to apply variant %s: %w", deployment.Name, err)
	}
	return deployment, nil
}

func (p *KubernetesProvisioner) scale(ctx context.Context, name string, replicas int32) error {
	deployment := &appsv1.Deployment{}
	if err := p.client.Get(ctx, types.NamespacedName{Name: name, Namespace: p.config.Namespace}, deployment); err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to get variant %s: %w", name, err)
	}
	deployment.Spec.Replicas = ptr.To(replicas)
	if err := p.client.Update(ctx, deployment); err != nil {
		return fmt.Errorf("failed to scale variant %s: %w", name, err)
	}
	return nil
}

func (p *KubernetesProvisioner) waitReady(ctx context.Context, name string) error {
	if p.config.ReadyTimeout <= 0 {
		return nil
	}
	key := types.NamespacedName{Name: name, Namespace: p.config.Namespace}
	err := wait.PollUntilContextTimeout(ctx, p.config.PollInterval, p.config.ReadyTimeout, true, func(ctx context.Context) (bool, error) {
		deployment := &appsv1.Deployment{}
		if err := p.client.Get(ctx, key, deployment); err != nil {
			return false, err
		}
		status := rolloutStatus{deployment: deployment}
		if status.HasFailed() {
			return false, fmt.Errorf("variant %s failed to progress", name)
		}
		return !status.IsRollingOut(), nil
	})
	if err != nil {
		return fmt.Errorf("variant %s not ready: %w", name, err)
	}
	return nil
}

func resourceRequirements(req Request) (corev1.ResourceRequirements, error) {
	limits := corev1.ResourceList{}
	if req.Resources.CPU != "" {
		q, err := resource.ParseQuantity(req.Resources.CPU)
		if err != nil {
			return corev1.ResourceRequirements{}, fmt.Errorf("invalid cpu limit %q: %w", req.Resources.CPU, err)
		}
		limits[corev1.ResourceCPU] = q
	}
	if req.Resources.Memory != "" {
		q, err := resource.ParseQuantity(req.Resources.Memory)
		if err != nil {
			return corev1.ResourceRequirements{}, fmt.Errorf("invalid memory limit %q: %w", req.Resources.Memory, err)
		}
		limits[corev1.ResourceMemory] = q
	}
	if len(limits) == 0 {
		return corev1.ResourceRequirements{}, nil
	}
	return corev1.ResourceRequirements{Limits: limits, Requests: limits}, nil
}
