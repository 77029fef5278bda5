package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	orchestratorv1alpha1 "github.com/apptrail-sh/orchestrator/api/v1alpha1"
	"github.com/apptrail-sh/orchestrator/internal/model"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/tools/record"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

const (
	LabelManagedBy   = "app.kubernetes.io/managed-by"
	LabelApplication = "app.kubernetes.io/name"
	managedBy        = "apptrail-orchestrator"
)

// RecordStore persists deployments as RolloutRecord objects and mirrors
// their notable timeline entries as Kubernetes Events.
type RecordStore struct {
	client    client.Client
	recorder  record.EventRecorder
	namespace string
}

// +kubebuilder:rbac:groups=orchestrator.apptrail.sh,resources=rolloutrecords,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups=orchestrator.apptrail.sh,resources=rolloutrecords/status,verbs=get;update;patch
// +kubebuilder:rbac:groups="",resources=events,verbs=create;patch

func NewRecordStore(c client.Client, recorder record.EventRecorder, namespace string) *RecordStore {
	return &RecordStore{client: c, recorder: recorder, namespace: namespace}
}

// RecordName is the object name of a deployment's record.
func RecordName(deploymentID string) string {
	return "rollout-" + strings.ToLower(deploymentID)
}

// Save creates the record or updates an existing one.
func (s *RecordStore) Save(ctx context.Context, d *model.Deployment) error {
	logger := log.FromContext(ctx)

	desired := toRecord(d, s.namespace)
	name := desired.Name

	state := desired.DeepCopy()
	err := s.client.Create(ctx, state)
	if err != nil {
		if !apierrors.IsAlreadyExists(err) {
			logger.Error(err, "Failed to create rollout record", "recordName", name)
			return fmt.Errorf("failed to create rollout record %s: %w", name, err)
		}

		state = &orchestratorv1alpha1.RolloutRecord{}
		if err := s.client.Get(ctx, types.NamespacedName{Name: name, Namespace: s.namespace}, state); err != nil {
			return fmt.Errorf("failed to get rollout record %s: %w", name, err)
		}
		state.Labels = desired.Labels
		state.Spec = desired.Spec
		if err := s.client.Update(ctx, state); err != nil {
			logger.Error(err, "Failed to update rollout record", "recordName", name)
			return fmt.Errorf("failed to update rollout record %s: %w", name, err)
		}
	}

	state.Status = desired.Status
	if err := s.client.Status().Update(ctx, state); err != nil {
		logger.Error(err, "Failed to update rollout record status", "recordName", name)
		return fmt.Errorf("failed to update rollout record status %s: %w", name, err)
	}
	return nil
}

// Load returns the persisted view of one deployment. Timeline, metrics and
// per-check health are not persisted.
func (s *RecordStore) Load(ctx context.Context, deploymentID string) (*model.Deployment, error) {
	state := &orchestratorv1alpha1.RolloutRecord{}
	err := s.client.Get(ctx, types.NamespacedName{Name: RecordName(deploymentID), Namespace: s.namespace}, state)
	if apierrors.IsNotFound(err) {
		return nil, fmt.Errorf("deployment %q: %w", deploymentID, model.ErrDeploymentNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rollout record: %w", err)
	}
	return fromRecord(state), nil
}

// List returns every persisted deployment, oldest first.
func (s *RecordStore) List(ctx context.Context) ([]model.Deployment, error) {
	var list orchestratorv1alpha1.RolloutRecordList
	if err := s.client.List(ctx, &list,
		client.InNamespace(s.namespace),
		client.MatchingLabels{LabelManagedBy: managedBy},
	); err != nil {
		return nil, fmt.Errorf("failed to list rollout records: %w", err)
	}

	out := make([]model.Deployment, 0, len(list.Items))
	for i := range list.Items {
		out = append(out, *fromRecord(&list.Items[i]))
	}
	sortByStart(out)
	return out, nil
}

func (s *RecordStore) Delete(ctx context.Context, deploymentID string) error {
	state := &orchestratorv1alpha1.RolloutRecord{
		ObjectMeta: metav1.ObjectMeta{
			Name:      RecordName(deploymentID),
			Namespace: s.namespace,
		},
	}
	if err := s.client.Delete(ctx, state); err != nil && !apierrors.IsNotFound(err) {
		log.FromContext(ctx).Error(err, "Failed to delete rollout record", "recordName", state.Name)
		return err
	}
	return nil
}

// Send records warning, error and success entries as Events on the
// deployment's record. Info entries are skipped.
func (s *RecordStore) Send(msg model.EventMessage) {
	if s.recorder == nil || msg.Event.Severity == model.SeverityInfo {
		return
	}
	eventType := corev1.EventTypeNormal
	if msg.Event.Severity == model.SeverityWarning || msg.Event.Severity == model.SeverityError {
		eventType = corev1.EventTypeWarning
	}
	ref := &orchestratorv1alpha1.RolloutRecord{
		TypeMeta: metav1.TypeMeta{
			APIVersion: orchestratorv1alpha1.GroupVersion.String(),
			Kind:       "RolloutRecord",
		},
		ObjectMeta: metav1.ObjectMeta{
			Name:      RecordName(msg.DeploymentID),
			Namespace: s.namespace,
		},
	}
	s.recorder.Event(ref, eventType, eventReason(msg.Event.Phase), msg.Event.Message)
}

// eventReason turns a phase name such as "Canary-25%" into "Canary25".
func eventReason(phase string) string {
	var b strings.Builder
	for _, r := range phase {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "Deployment"
	}
	return b.String()
}

func toRecord(d *model.Deployment, namespace string) *orchestratorv1alpha1.RolloutRecord {
	state := &orchestratorv1alpha1.RolloutRecord{
		ObjectMeta: metav1.ObjectMeta{
			Name:      RecordName(d.ID),
			Namespace: namespace,
			Labels: map[string]string{
				LabelManagedBy:   managedBy,
				LabelApplication: d.Application,
			},
		},
		Spec: orchestratorv1alpha1.RolloutRecordSpec{
			DeploymentID:    d.ID,
			ConfigID:        d.ConfigID,
			Application:     d.Application,
			Strategy:        string(d.Strategy),
			Environment:     d.Environment,
			TargetVersion:   d.Version.Target,
			PreviousVersion: d.Version.Previous,
			StartedAt:       metav1.Time{Time: d.StartedAt},
		},
		Status: orchestratorv1alpha1.RolloutRecordStatus{
			Status:         string(d.Status),
			Phase:          d.Progress.CurrentPhase,
			Percentage:     d.Progress.Percentage,
			CurrentVersion: d.Version.Current,
			TrafficSplit:   d.TrafficSplit,
			Healthy:        d.Health.Healthy,
			Unhealthy:      d.Health.Unhealthy,
			RollbackReason: d.Rollback.Reason,
			FailureReason:  d.FailureReason,
		},
	}
	if d.CompletedAt != nil {
		completed := metav1.NewTime(*d.CompletedAt)
		state.Status.CompletedAt = &completed
	}
	return state
}

func fromRecord(state *orchestratorv1alpha1.RolloutRecord) *model.Deployment {
	d := &model.Deployment{
		ID:          state.Spec.DeploymentID,
		ConfigID:    state.Spec.ConfigID,
		Application: state.Spec.Application,
		Status:      model.DeploymentStatus(state.Status.Status),
		Strategy:    model.DeploymentStrategy(state.Spec.Strategy),
		Environment: state.Spec.Environment,
		Version: model.VersionInfo{
			Current:  state.Status.CurrentVersion,
			Previous: state.Spec.PreviousVersion,
			Target:   state.Spec.TargetVersion,
		},
		Progress: model.Progress{
			Percentage:   state.Status.Percentage,
			CurrentPhase: state.Status.Phase,
		},
		TrafficSplit: state.Status.TrafficSplit,
		Health: model.HealthSnapshot{
			Healthy:   state.Status.Healthy,
			Unhealthy: state.Status.Unhealthy,
			Total:     state.Status.Healthy + state.Status.Unhealthy,
		},
		StartedAt: state.Spec.StartedAt.Time,
		Rollback: model.RollbackInfo{
			Reason: state.Status.RollbackReason,
		},
		FailureReason: state.Status.FailureReason,
	}
	if d.Rollback.Reason != "" {
		d.Rollback.RolledBackTo = d.Version.Current
	}
	if state.Status.CompletedAt != nil {
		completed := state.Status.CompletedAt.Time
		d.CompletedAt = &completed
	}
	return d
}

func sortByStart(ds []model.Deployment) {
	sort.SliceStable(ds, func(i, j int) bool {
		if ds[i].StartedAt.Equal(ds[j].StartedAt) {
			return ds[i].ID < ds[j].ID
		}
		return ds[i].StartedAt.Before(ds[j].StartedAt)
	})
}
