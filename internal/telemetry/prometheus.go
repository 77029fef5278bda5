package telemetry

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/apptrail-sh/orchestrator/internal/model"
	"resty.dev/v3"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// PrometheusConfig holds instant-query templates. "{deployment}" is replaced
// by the deployment ID. Error rate is a percentage, latencies are in ms.
type PrometheusConfig struct {
	URL            string
	Timeout        time.Duration
	ErrorRateQuery string
	P50Query       string
	P95Query       string
	P99Query       string
	RPSQuery       string
}

func DefaultPrometheusConfig(url string) PrometheusConfig {
	return PrometheusConfig{
		URL:     url,
		Timeout: 10 * time.Second,
		ErrorRateQuery: `100 * sum(rate(http_requests_total{deployment_id="{deployment}",code=~"5.."}[1m]))` +
			` / sum(rate(http_requests_total{deployment_id="{deployment}"}[1m]))`,
		P50Query: `1000 * histogram_quantile(0.50, sum by (le) (rate(http_request_duration_seconds_bucket{deployment_id="{deployment}"}[1m])))`,
		P95Query: `1000 * histogram_quantile(0.95, sum by (le) (rate(http_request_duration_seconds_bucket{deployment_id="{deployment}"}[1m])))`,
		P99Query: `1000 * histogram_quantile(0.99, sum by (le) (rate(http_request_duration_seconds_bucket{deployment_id="{deployment}"}[1m])))`,
		RPSQuery: `sum(rate(http_requests_total{deployment_id="{deployment}"}[1m]))`,
	}
}

// PrometheusSource samples metrics through the Prometheus HTTP API.
type PrometheusSource struct {
	client *resty.Client
	config PrometheusConfig
}

func NewPrometheusSource(config PrometheusConfig) *PrometheusSource {
	client := resty.New().
		SetBaseURL(strings.TrimSuffix(config.URL, "/")).
		SetTimeout(config.Timeout)
	return &PrometheusSource{client: client, config: config}
}

func (s *PrometheusSource) Close() error {
	return s.client.Close()
}

type queryResponse struct {
	Status string `json:"status"`
	Data   struct {
		ResultType string `json:"resultType"`
		Result     []struct {
			Value []any `json:"value"`
		} `json:"result"`
	} `json:"data"`
	Error string `json:"error,omitempty"`
}

func (s *PrometheusSource) Sample(ctx context.Context, deploymentID string) (model.MetricsSnapshot, error) {
	logger := log.FromContext(ctx).WithName("telemetry")

	var snapshot model.MetricsSnapshot
	queries := []struct {
		query string
		dest  *float64
	}{
		{s.config.ErrorRateQuery, &snapshot.ErrorRate},
		{s.config.P50Query, &snapshot.Latency.P50},
		{s.config.P95Query, &snapshot.Latency.P95},
		{s.config.P99Query, &snapshot.Latency.P99},
		{s.config.RPSQuery, &snapshot.RequestsPerSecond},
	}
	for _, q := range queries {
		if q.query == "" {
			continue
		}
		value, err := s.query(ctx, strings.ReplaceAll(q.query, "{deployment}", deploymentID))
		if err != nil {
			return model.MetricsSnapshot{}, err
		}
		*q.dest = value
	}
	snapshot.SuccessRate = 100 - snapshot.ErrorRate

	logger.V(1).Info("Sampled deployment metrics",
		"deploymentID", deploymentID,
		"errorRate", snapshot.ErrorRate,
		"p95", snapshot.Latency.P95,
		"rps", snapshot.RequestsPerSecond,
	)
	return snapshot, nil
}

// query returns the first sample of an instant vector, or 0 for an empty
// result.
func (s *PrometheusSource) query(ctx context.Context, promQL string) (float64, error) {
	var result queryResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParam("query", promQL).
		SetResult(&result).
		SetError(&result).
		Get("/api/v1/query")
	if err != nil {
		return 0, fmt.Errorf("failed to query prometheus: %w", err)
	}
	if !resp.IsSuccess() || result.Status != "success" {
		return 0, fmt.Errorf("prometheus returned status %d: %s", resp.StatusCode(), result.Error)
	}
	if len(result.Data.Result) == 0 {
		return 0, nil
	}

	value := result.Data.Result[0].Value
	if len(value) != 2 {
		return 0, fmt.Errorf("unexpected prometheus sample %v", value)
	}
	raw, ok := value[1].(string)
	if !ok {
		return 0, fmt.Errorf("unexpected prometheus sample value %v", value[1])
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse prometheus sample %q: %w", raw, err)
	}
	return f, nil
}
