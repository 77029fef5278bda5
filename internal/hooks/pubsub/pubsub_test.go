package pubsub

import (
	"testing"

	"github.com/apptrail-sh/orchestrator/internal/model"
)

func TestParseTopicPath(t *testing.T) {
	tests := []struct {
		name      string
		path      string
		projectID string
		topicID   string
		wantErr   bool
	}{
		{name: "valid", path: "projects/acme/topics/deployments", projectID: "acme", topicID: "deployments"},
		{name: "missing topics segment", path: "projects/acme/deployments", wantErr: true},
		{name: "wrong prefix", path: "project/acme/topics/deployments", wantErr: true},
		{name: "empty project", path: "projects//topics/deployments", wantErr: true},
		{name: "empty", path: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			projectID, topicID, err := ParseTopicPath(tt.path)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Expected error for %q", tt.path)
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if projectID != tt.projectID || topicID != tt.topicID {
				t.Errorf("Expected %s/%s, got %s/%s", tt.projectID, tt.topicID, projectID, topicID)
			}
		})
	}
}

func TestOrderingKeyAndAttributes(t *testing.T) {
	msg := model.EventMessage{
		DeploymentID: "dep-1",
		Application:  "checkout",
		Environment:  "production",
		Strategy:     model.StrategyBlueGreen,
		Status:       model.StatusInProgress,
		Event:        model.DeploymentEvent{Phase: "Switch-Traffic", Severity: model.SeverityInfo},
	}

	if key := OrderingKey(msg); key != "production/dep-1" {
		t.Errorf("Expected ordering key production/dep-1, got %s", key)
	}

	attrs := Attributes(msg, "cluster-a")
	expected := map[string]string{
		"cluster_name":     "cluster-a",
		"environment":      "production",
		"deployment_phase": "Switch-Traffic",
		"strategy":         "blue-green",
		"status":           "IN_PROGRESS",
	}
	for k, v := range expected {
		if attrs[k] != v {
			t.Errorf("Expected attribute %s=%s, got %s", k, v, attrs[k])
		}
	}

	msg.Environment = ""
	msg.Event.Phase = ""
	attrs = Attributes(msg, "cluster-a")
	if _, ok := attrs["environment"]; ok {
		t.Error("Expected no environment attribute when empty")
	}
	if _, ok := attrs["deployment_phase"]; ok {
		t.Error("Expected no deployment_phase attribute when empty")
	}
}
