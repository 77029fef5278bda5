/*
Copyright 2024.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// RolloutRecordSpec captures what a deployment set out to do
type RolloutRecordSpec struct {
	// DeploymentID is the engine's identifier of the deployment
	// +required
	DeploymentID string `json:"deploymentId"`

	// ConfigID references the deployment config that was rolled out
	// +required
	ConfigID string `json:"configId"`

	// Application is the name of the application being rolled out
	// +required
	Application string `json:"application"`

	// Strategy is the rollout strategy (blue-green, canary, rolling, ab-testing, recreate, shadow)
	// +required
	Strategy string `json:"strategy"`

	// Environment the deployment targets
	// +optional
	Environment string `json:"environment,omitempty"`

	// TargetVersion is the version being rolled out
	// +required
	TargetVersion string `json:"targetVersion"`

	// PreviousVersion is the version that was current before the rollout
	// +optional
	PreviousVersion string `json:"previousVersion,omitempty"`

	// StartedAt is when the deployment started
	// +required
	StartedAt metav1.Time `json:"startedAt"`
}

// RolloutRecordStatus mirrors the latest state of the deployment
type RolloutRecordStatus struct {
	// Status is the deployment state (IN_PROGRESS, PAUSED, SUCCESSFUL, FAILED, ROLLED_BACK, CANCELLED)
	// +optional
	Status string `json:"status,omitempty"`

	// Phase is the phase currently executing or last executed
	// +optional
	Phase string `json:"phase,omitempty"`

	// Percentage of the rollout completed
	// +optional
	Percentage int `json:"percentage,omitempty"`

	// CurrentVersion is the version serving traffic
	// +optional
	CurrentVersion string `json:"currentVersion,omitempty"`

	// TrafficSplit maps variants to their share of traffic
	// +optional
	TrafficSplit map[string]int `json:"trafficSplit,omitempty"`

	// Healthy and Unhealthy count replicas by last health check result
	// +optional
	Healthy int `json:"healthy,omitempty"`
	// +optional
	Unhealthy int `json:"unhealthy,omitempty"`

	// RollbackReason is set once the deployment has been rolled back
	// +optional
	RollbackReason string `json:"rollbackReason,omitempty"`

	// FailureReason is set when the deployment failed or was cancelled
	// +optional
	FailureReason string `json:"failureReason,omitempty"`

	// CompletedAt is when the deployment reached a terminal state
	// +optional
	CompletedAt *metav1.Time `json:"completedAt,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:printcolumn:name="Application",type=string,JSONPath=`.spec.application`
// +kubebuilder:printcolumn:name="Strategy",type=string,JSONPath=`.spec.strategy`
// +kubebuilder:printcolumn:name="Status",type=string,JSONPath=`.status.status`
// +kubebuilder:printcolumn:name="Progress",type=integer,JSONPath=`.status.percentage`

// RolloutRecord is the Schema for the rolloutrecords API
// It persists the state of one deployment driven by the orchestrator
type RolloutRecord struct {
	metav1.TypeMeta `json:",inline"`

	// metadata is a standard object metadata
	// +optional
	metav1.ObjectMeta `json:"metadata,omitzero"`

	// spec describes the rollout
	// +required
	Spec RolloutRecordSpec `json:"spec"`

	// status mirrors the deployment's latest state
	// +optional
	Status RolloutRecordStatus `json:"status,omitzero"`
}

// +kubebuilder:object:root=true

// RolloutRecordList contains a list of RolloutRecord
type RolloutRecordList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitzero"`
	Items           []RolloutRecord `json:"items"`
}

func init() {
	SchemeBuilder.Register(&RolloutRecord{}, &RolloutRecordList{})
}
