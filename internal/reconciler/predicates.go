package reconciler

import (
	"github.com/apptrail-sh/orchestrator/internal/provision"
	v1 "k8s.io/api/apps/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/event"
	"sigs.k8s.io/controller-runtime/pkg/predicate"
)

// isManagedVariant reports whether obj was provisioned by the orchestrator.
func isManagedVariant(obj client.Object) bool {
	if obj == nil {
		return false
	}
	labels := obj.GetLabels()
	return labels[provision.LabelManagedBy] == provision.ManagedBy && labels[provision.LabelVariant] != ""
}

// VariantStatusChangedPredicate admits orchestrator-managed Deployments and,
// for updates, only changes that move replica counts or rollout conditions.
func VariantStatusChangedPredicate() predicate.Predicate {
	return predicate.Funcs{
		CreateFunc:  func(e event.CreateEvent) bool { return isManagedVariant(e.Object) },
		DeleteFunc:  func(e event.DeleteEvent) bool { return isManagedVariant(e.Object) },
		GenericFunc: func(e event.GenericEvent) bool { return isManagedVariant(e.Object) },
		UpdateFunc: func(e event.UpdateEvent) bool {
			if !isManagedVariant(e.ObjectNew) {
				return false
			}
			oldObj, okOld := e.ObjectOld.(*v1.Deployment)
			newObj, okNew := e.ObjectNew.(*v1.Deployment)
			if !okOld || !okNew {
				return true
			}
			if oldObj.Generation != newObj.Generation {
				return true
			}
			if oldObj.Labels[provision.LabelVersion] != newObj.Labels[provision.LabelVersion] {
				return true
			}
			return statusChanged(oldObj.Status, newObj.Status)
		},
	}
}

func statusChanged(oldStatus, newStatus v1.DeploymentStatus) bool {
	if oldStatus.Replicas != newStatus.Replicas ||
		oldStatus.UpdatedReplicas != newStatus.UpdatedReplicas ||
		oldStatus.ReadyReplicas != newStatus.ReadyReplicas ||
		oldStatus.AvailableReplicas != newStatus.AvailableReplicas ||
		oldStatus.ObservedGeneration != newStatus.ObservedGeneration {
		return true
	}

	if len(oldStatus.Conditions) != len(newStatus.Conditions) {
		return true
	}
	oldConditions := make(map[v1.DeploymentConditionType]v1.DeploymentCondition, len(oldStatus.Conditions))
	for _, c := range oldStatus.Conditions {
		oldConditions[c.Type] = c
	}
	for _, newCond := range newStatus.Conditions {
		oldCond, exists := oldConditions[newCond.Type]
		if !exists || oldCond.Status != newCond.Status || oldCond.Reason != newCond.Reason {
			return true
		}
	}
	return false
}
