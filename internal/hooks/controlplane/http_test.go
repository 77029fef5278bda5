package controlplane

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/apptrail-sh/orchestrator/internal/model"
)

type recorder struct {
	mu     sync.Mutex
	paths  []string
	bodies [][]byte
	status int
}

func (r *recorder) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var body json.RawMessage
		_ = json.NewDecoder(req.Body).Decode(&body)
		r.mu.Lock()
		r.paths = append(r.paths, req.URL.Path)
		r.bodies = append(r.bodies, body)
		status := r.status
		r.mu.Unlock()
		if status == 0 {
			status = http.StatusAccepted
		}
		w.WriteHeader(status)
	}
}

func testMessage() model.EventMessage {
	return model.EventMessage{
		DeploymentID: "dep-1",
		ConfigID:     "cfg-1",
		Application:  "checkout",
		Environment:  "production",
		Strategy:     model.StrategyCanary,
		Status:       model.StatusRolledBack,
		Version:      model.VersionInfo{Current: "1.0.0", Previous: "0.9.0", Target: "1.1.0"},
		Event: model.DeploymentEvent{
			ID:        "evt-1",
			Timestamp: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
			Phase:     "Rollback",
			Severity:  model.SeverityError,
			Message:   "error rate 5.00% exceeds threshold 1.00%",
		},
	}
}

func TestHTTPPublisher_Publish(t *testing.T) {
	rec := &recorder{}
	server := httptest.NewServer(rec.handler())
	defer server.Close()

	p := NewHTTPPublisher(server.URL+"/", "cluster-a", "v1.2.3")
	defer func() { _ = p.Close() }()

	if err := p.Publish(context.Background(), testMessage()); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if len(rec.paths) != 1 || rec.paths[0] != eventsPath {
		t.Fatalf("Expected one request to %s, got %v", eventsPath, rec.paths)
	}

	var payload model.DeploymentEventPayload
	if err := json.Unmarshal(rec.bodies[0], &payload); err != nil {
		t.Fatalf("Failed to decode payload: %v", err)
	}
	if payload.EventID != "evt-1" {
		t.Errorf("Expected eventId evt-1, got %s", payload.EventID)
	}
	if payload.Source.ClusterID != "cluster-a" || payload.Source.OrchestratorVersion != "v1.2.3" {
		t.Errorf("Unexpected source metadata: %+v", payload.Source)
	}
	if payload.Outcome == nil || *payload.Outcome != model.EventOutcomeRolledBack {
		t.Errorf("Expected outcome ROLLED_BACK, got %v", payload.Outcome)
	}
	if payload.Error == nil || payload.Error.Code != "Rollback" {
		t.Errorf("Expected error detail for error severity, got %+v", payload.Error)
	}
	if payload.Revision == nil || payload.Revision.Previous != "0.9.0" {
		t.Errorf("Expected previous revision 0.9.0, got %+v", payload.Revision)
	}
}

func TestHTTPPublisher_PublishBatch(t *testing.T) {
	rec := &recorder{}
	server := httptest.NewServer(rec.handler())
	defer server.Close()

	p := NewHTTPPublisher(server.URL, "cluster-a", "v1")

	if err := p.PublishBatch(context.Background(), nil); err != nil {
		t.Fatalf("Expected empty batch to be a no-op, got: %v", err)
	}
	if len(rec.paths) != 0 {
		t.Fatalf("Expected no requests for an empty batch, got %d", len(rec.paths))
	}

	msgs := []model.EventMessage{testMessage(), testMessage()}
	if err := p.PublishBatch(context.Background(), msgs); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	var body struct {
		Events []model.DeploymentEventPayload `json:"events"`
	}
	if err := json.Unmarshal(rec.bodies[0], &body); err != nil {
		t.Fatalf("Failed to decode batch: %v", err)
	}
	if rec.paths[0] != batchPath || len(body.Events) != 2 {
		t.Errorf("Expected 2 events at %s, got %d at %s", batchPath, len(body.Events), rec.paths[0])
	}
}

func TestHTTPPublisher_PublishHeartbeat(t *testing.T) {
	rec := &recorder{}
	server := httptest.NewServer(rec.handler())
	defer server.Close()

	p := NewHTTPPublisher(server.URL, "cluster-a", "v1")
	payload := model.NewStatusReportPayload("cluster-a", "v1", []model.Deployment{{ID: "dep-1", Status: model.StatusInProgress}})

	if err := p.PublishHeartbeat(context.Background(), payload); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if rec.paths[0] != heartbeatsPath {
		t.Errorf("Expected request to %s, got %s", heartbeatsPath, rec.paths[0])
	}
}

func TestHTTPPublisher_ErrorStatus(t *testing.T) {
	rec := &recorder{status: http.StatusBadRequest}
	server := httptest.NewServer(rec.handler())
	defer server.Close()

	p := NewHTTPPublisher(server.URL, "cluster-a", "v1")
	if err := p.Publish(context.Background(), testMessage()); err == nil {
		t.Error("Expected error for 400 response")
	}
}
