package cluster

import (
	"context"
	"errors"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/log"
)

// Platform is the hosting platform an identity was resolved from.
type Platform string

const (
	PlatformUnknown Platform = "unknown"
	PlatformGKE     Platform = "gke"
)

// Identity names the cluster the orchestrator runs in. ID is stamped on
// every published deployment event and heartbeat.
type Identity struct {
	ID       string
	Name     string
	Platform Platform
	Region   string
	Project  string
}

var ErrNotDetected = errors.New("cluster identity not detected")

// Detector resolves an Identity from one platform's metadata service.
type Detector interface {
	Platform() Platform
	Detect(ctx context.Context) (Identity, error)
}

type Config struct {
	Timeout time.Duration
	// MetadataURL overrides the GKE metadata endpoint.
	MetadataURL string
}

func DefaultConfig() Config {
	return Config{
		Timeout:     3 * time.Second,
		MetadataURL: gkeMetadataURL,
	}
}

// Resolver tries each detector in order and returns the first identity.
type Resolver struct {
	detectors []Detector
}

func NewResolver(config Config, detectors ...Detector) *Resolver {
	if len(detectors) == 0 {
		detectors = []Detector{NewGKEDetector(config)}
	}
	return &Resolver{detectors: detectors}
}

func (r *Resolver) Resolve(ctx context.Context) (Identity, error) {
	logger := log.FromContext(ctx).WithName("cluster")
	for _, d := range r.detectors {
		id, err := d.Detect(ctx)
		if err == nil {
			return id, nil
		}
		logger.V(1).Info("Cluster identity detector skipped", "platform", d.Platform(), "reason", err.Error())
	}
	return Identity{}, ErrNotDetected
}

// ClusterID returns explicit when set, else the resolved ID, else fallback.
func (r *Resolver) ClusterID(ctx context.Context, explicit, fallback string) string {
	if explicit != "" {
		return explicit
	}
	id, err := r.Resolve(ctx)
	if err != nil {
		return fallback
	}
	return id.ID
}
