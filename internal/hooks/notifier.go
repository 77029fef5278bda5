package hooks

import (
	"context"

	"github.com/apptrail-sh/orchestrator/internal/model"
)

// EventSink accepts deployment timeline events. Send must not block the
// caller.
type EventSink interface {
	Send(msg model.EventMessage)
}

// EventPublisher delivers one event at a time.
type EventPublisher interface {
	Publish(ctx context.Context, msg model.EventMessage) error
}

// BatchPublisher delivers events in batches.
type BatchPublisher interface {
	PublishBatch(ctx context.Context, msgs []model.EventMessage) error
}

// HeartbeatPublisher delivers periodic status reports.
type HeartbeatPublisher interface {
	PublishHeartbeat(ctx context.Context, payload model.StatusReportPayload) error
}
