package cluster

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"strings"

	"resty.dev/v3"
)

const (
	gkeMetadataURL    = "http://metadata.google.internal/computeMetadata/v1"
	gkeMetadataFlavor = "Google"
)

// GKEDetector reads the cluster name, project and zone from the GCE
// metadata server.
type GKEDetector struct {
	client *resty.Client
}

func NewGKEDetector(config Config) *GKEDetector {
	url := config.MetadataURL
	if url == "" {
		url = gkeMetadataURL
	}
	client := resty.New().
		SetBaseURL(strings.TrimSuffix(url, "/")).
		SetTimeout(config.Timeout).
		SetHeader("Metadata-Flavor", gkeMetadataFlavor)
	return &GKEDetector{client: client}
}

func (d *GKEDetector) Platform() Platform {
	return PlatformGKE
}

func (d *GKEDetector) Close() error {
	return d.client.Close()
}

func (d *GKEDetector) Detect(ctx context.Context) (Identity, error) {
	name, err := d.get(ctx, "/instance/attributes/cluster-name")
	if err != nil {
		return Identity{}, fmt.Errorf("failed to get cluster-name: %w", err)
	}
	project, err := d.get(ctx, "/project/project-id")
	if err != nil {
		return Identity{}, fmt.Errorf("failed to get project-id: %w", err)
	}
	zone, err := d.get(ctx, "/instance/zone")
	if err != nil {
		return Identity{}, fmt.Errorf("failed to get zone: %w", err)
	}

	// projects/<number>/zones/<zone>
	region := regionOf(path.Base(zone))
	return Identity{
		ID:       fmt.Sprintf("gcp/%s/%s/%s", project, region, name),
		Name:     name,
		Platform: PlatformGKE,
		Region:   region,
		Project:  project,
	}, nil
}

func (d *GKEDetector) get(ctx context.Context, p string) (string, error) {
	resp, err := d.client.R().SetContext(ctx).Get(p)
	if err != nil {
		return "", err
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("metadata request returned status %d", resp.StatusCode())
	}
	if resp.Header().Get("Metadata-Flavor") != gkeMetadataFlavor {
		return "", fmt.Errorf("metadata response missing Metadata-Flavor header")
	}
	value := strings.TrimSpace(resp.String())
	if value == "" {
		return "", fmt.Errorf("empty metadata value for %s", p)
	}
	return value, nil
}

// regionOf strips the zone suffix: us-central1-a -> us-central1.
func regionOf(zone string) string {
	i := strings.LastIndex(zone, "-")
	if i == -1 {
		return zone
	}
	return zone[:i]
}
