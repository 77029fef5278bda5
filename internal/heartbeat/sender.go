package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/apptrail-sh/orchestrator/internal/hooks"
	"github.com/apptrail-sh/orchestrator/internal/model"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// Config holds configuration for the heartbeat sender
type Config struct {
	Interval            time.Duration
	ClusterID           string
	OrchestratorVersion string
}

// DefaultConfig returns the default heartbeat configuration
func DefaultConfig() Config {
	return Config{
		Interval: 5 * time.Minute,
	}
}

// ActiveLister reports the deployments currently being driven.
type ActiveLister interface {
	Active() []model.Deployment
}

// Sender periodically sends status reports to the control plane
type Sender struct {
	config     Config
	lister     ActiveLister
	publishers []hooks.HeartbeatPublisher
	stopCh     chan struct{}
	stopOnce   sync.Once
}

// NewSender creates a new heartbeat sender
func NewSender(
	config Config,
	lister ActiveLister,
	publishers []hooks.HeartbeatPublisher,
) *Sender {
	return &Sender{
		config:     config,
		lister:     lister,
		publishers: publishers,
		stopCh:     make(chan struct{}),
	}
}

// Start runs the heartbeat loop until ctx is done or Stop is called. It
// satisfies the controller-runtime Runnable interface.
func (s *Sender) Start(ctx context.Context) error {
	logger := log.FromContext(ctx).WithName("heartbeat-sender")

	logger.Info("Starting heartbeat sender",
		"interval", s.config.Interval,
		"clusterID", s.config.ClusterID,
		"publishers", len(s.publishers),
	)

	// Send initial heartbeat immediately
	s.sendHeartbeat(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sendHeartbeat(ctx)
		case <-s.stopCh:
			logger.Info("Heartbeat sender stopped")
			return nil
		case <-ctx.Done():
			logger.Info("Heartbeat sender context cancelled")
			return nil
		}
	}
}

// Stop stops the heartbeat sender
func (s *Sender) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Sender) sendHeartbeat(ctx context.Context) {
	logger := log.FromContext(ctx).WithName("heartbeat-sender")

	active := s.lister.Active()
	payload := model.NewStatusReportPayload(
		s.config.ClusterID,
		s.config.OrchestratorVersion,
		active,
	)

	logger.V(1).Info("Sending heartbeat",
		"eventID", payload.EventID,
		"activeDeployments", len(active),
	)

	for _, publisher := range s.publishers {
		if err := publisher.PublishHeartbeat(ctx, payload); err != nil {
			logger.Error(err, "Failed to publish heartbeat")
		}
	}
}
