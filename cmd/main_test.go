package main

import (
	"testing"

	"github.com/apptrail-sh/orchestrator/internal/hooks/slack"
	notifywebhook "github.com/apptrail-sh/orchestrator/internal/hooks/webhook"
	"github.com/apptrail-sh/orchestrator/internal/model"
)

func TestSetupPublishers_Defaults(t *testing.T) {
	publishers, batchPublishers, heartbeatPublishers := setupPublishers(config{slackSeverities: "warning,error"}, "test")

	if len(publishers) != 2 {
		t.Fatalf("Expected slack and webhook publishers, got %d", len(publishers))
	}
	if _, ok := publishers[0].(*slack.Publisher); !ok {
		t.Errorf("Expected first publisher to be slack, got %T", publishers[0])
	}
	if _, ok := publishers[1].(*notifywebhook.Publisher); !ok {
		t.Errorf("Expected second publisher to be webhook, got %T", publishers[1])
	}
	if len(batchPublishers) != 0 || len(heartbeatPublishers) != 0 {
		t.Errorf("Expected no control plane publishers without a URL, got %d batch and %d heartbeat",
			len(batchPublishers), len(heartbeatPublishers))
	}
}

func TestParseSeverities(t *testing.T) {
	got := parseSeverities(" warning, ,error,")
	if len(got) != 2 || got[0] != model.SeverityWarning || got[1] != model.SeverityError {
		t.Errorf("Expected [warning error], got %v", got)
	}
	if parseSeverities("") != nil {
		t.Error("Expected no severities for an empty flag")
	}
}

func TestQueueFor(t *testing.T) {
	ch := make(chan model.EventMessage, 1)
	if queueFor(ch, 0) != nil {
		t.Error("Expected a nil queue without consumers")
	}
	if queueFor(ch, 1) == nil {
		t.Error("Expected the channel when something consumes it")
	}
}
