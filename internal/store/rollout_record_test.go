package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	orchestratorv1alpha1 "github.com/apptrail-sh/orchestrator/api/v1alpha1"
	"github.com/apptrail-sh/orchestrator/internal/model"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/tools/record"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
)

func newTestStore(t *testing.T) (*RecordStore, *record.FakeRecorder) {
	t.Helper()
	scheme := runtime.NewScheme()
	if err := orchestratorv1alpha1.AddToScheme(scheme); err != nil {
		t.Fatalf("Failed to build scheme: %v", err)
	}
	c := fake.NewClientBuilder().
		WithScheme(scheme).
		WithStatusSubresource(&orchestratorv1alpha1.RolloutRecord{}).
		Build()
	recorder := record.NewFakeRecorder(10)
	return NewRecordStore(c, recorder, "apptrail-system"), recorder
}

func testDeployment() *model.Deployment {
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return &model.Deployment{
		ID:          "5E1F7A2C-0000-4000-8000-000000000001",
		ConfigID:    "cfg-1",
		Application: "checkout",
		Status:      model.StatusInProgress,
		Strategy:    model.StrategyCanary,
		Environment: "production",
		Version:     model.VersionInfo{Current: "1.0.0", Previous: "1.0.0", Target: "1.1.0"},
		Progress:    model.Progress{Percentage: 40, CurrentPhase: "Canary-25%"},
		TrafficSplit: map[string]int{
			"stable": 75,
			"canary": 25,
		},
		Health:    model.HealthSnapshot{Healthy: 3, Total: 3},
		StartedAt: started,
	}
}

func TestRecordStore_SaveAndLoad(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	d := testDeployment()

	if err := s.Save(ctx, d); err != nil {
		t.Fatalf("Expected no error on create, got: %v", err)
	}

	loaded, err := s.Load(ctx, d.ID)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if loaded.Status != model.StatusInProgress || loaded.Progress.CurrentPhase != "Canary-25%" {
		t.Errorf("Unexpected loaded state: %+v", loaded)
	}
	if loaded.TrafficSplit["canary"] != 25 {
		t.Errorf("Expected canary 25, got %v", loaded.TrafficSplit)
	}

	completed := d.StartedAt.Add(5 * time.Minute)
	d.Status = model.StatusRolledBack
	d.Version.Current = "1.0.0"
	d.Progress.Percentage = 0
	d.TrafficSplit = map[string]int{"stable": 100, "canary": 0}
	d.Rollback = model.RollbackInfo{Reason: "error rate 5.00% exceeds threshold 1.00%", RolledBackTo: "1.0.0"}
	d.CompletedAt = &completed

	if err := s.Save(ctx, d); err != nil {
		t.Fatalf("Expected no error on update, got: %v", err)
	}

	loaded, err = s.Load(ctx, d.ID)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if loaded.Status != model.StatusRolledBack {
		t.Errorf("Expected ROLLED_BACK, got %s", loaded.Status)
	}
	if loaded.Rollback.RolledBackTo != "1.0.0" || !strings.Contains(loaded.Rollback.Reason, "error rate") {
		t.Errorf("Unexpected rollback info: %+v", loaded.Rollback)
	}
	if loaded.CompletedAt == nil || !loaded.CompletedAt.Equal(completed) {
		t.Errorf("Expected completedAt %v, got %v", completed, loaded.CompletedAt)
	}
}

func TestRecordStore_ListAndDelete(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	older := testDeployment()
	newer := testDeployment()
	newer.ID = "second"
	newer.StartedAt = older.StartedAt.Add(time.Hour)

	for _, d := range []*model.Deployment{newer, older} {
		if err := s.Save(ctx, d); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
	}

	list, err := s.List(ctx)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(list) != 2 || list[0].ID != older.ID || list[1].ID != newer.ID {
		t.Fatalf("Expected records oldest first, got %+v", list)
	}

	if err := s.Delete(ctx, older.ID); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := s.Delete(ctx, older.ID); err != nil {
		t.Errorf("Expected delete to ignore missing records, got: %v", err)
	}
	if _, err := s.Load(ctx, older.ID); !errors.Is(err, model.ErrDeploymentNotFound) {
		t.Errorf("Expected ErrDeploymentNotFound, got: %v", err)
	}
}

func TestRecordStore_Send(t *testing.T) {
	s, recorder := newTestStore(t)

	msg := model.EventMessage{DeploymentID: "d1"}
	msg.Event = model.DeploymentEvent{Severity: model.SeverityInfo, Phase: "Canary-25%", Message: "Starting phase Canary-25%"}
	s.Send(msg)

	msg.Event = model.DeploymentEvent{Severity: model.SeverityError, Phase: "Canary-25%", Message: "Rollback threshold exceeded"}
	s.Send(msg)

	msg.Event = model.DeploymentEvent{Severity: model.SeveritySuccess, Message: "Deployment completed successfully"}
	s.Send(msg)

	got := drain(recorder)
	expected := []string{
		"Warning Canary25 Rollback threshold exceeded",
		"Normal Deployment Deployment completed successfully",
	}
	if len(got) != len(expected) {
		t.Fatalf("Expected %d events, got %v", len(expected), got)
	}
	for i := range expected {
		if got[i] != expected[i] {
			t.Errorf("Expected event %q, got %q", expected[i], got[i])
		}
	}
}

func drain(recorder *record.FakeRecorder) []string {
	var out []string
	for {
		select {
		case e := <-recorder.Events:
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestRecordName(t *testing.T) {
	if got := RecordName("ABC-1"); got != "rollout-abc-1" {
		t.Errorf("Expected rollout-abc-1, got %s", got)
	}
}
