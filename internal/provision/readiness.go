package provision

import (
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
)

// rolloutStatus reads readiness off an apps/v1 Deployment.
type rolloutStatus struct {
	deployment *appsv1.Deployment
}

func (s rolloutStatus) desiredReplicas() int32 {
	if s.deployment.Spec.Replicas == nil {
		return 1
	}
	return *s.deployment.Spec.Replicas
}

// IsRollingOut reports whether some desired replica is not yet updated,
// ready or available.
func (s rolloutStatus) IsRollingOut() bool {
	desired := s.desiredReplicas()
	status := s.deployment.Status
	return status.UpdatedReplicas < desired ||
		status.ReadyReplicas < desired ||
		status.AvailableReplicas < desired
}

func (s rolloutStatus) HasFailed() bool {
	for _, condition := range s.deployment.Status.Conditions {
		if condition.Type != appsv1.DeploymentProgressing {
			continue
		}
		if condition.Status == corev1.ConditionFalse || condition.Reason == "ProgressDeadlineExceeded" {
			return true
		}
	}
	return false
}
