package probe

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/apptrail-sh/orchestrator/internal/health"
	"github.com/apptrail-sh/orchestrator/internal/model"
	"github.com/cenkalti/backoff/v4"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// Config holds the defaults applied when a HealthCheck leaves a field unset.
type Config struct {
	DefaultTimeout  time.Duration
	DefaultInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		DefaultTimeout:  5 * time.Second,
		DefaultInterval: time.Second,
	}
}

type prober interface {
	probe(ctx context.Context, target model.ProbeTarget) (string, error)
}

var errNotEnoughSuccesses = errors.New("success threshold not reached")

// Router dispatches a HealthCheck to the prober for its kind and applies
// the check's delay, timeout, retry and threshold settings.
type Router struct {
	config  Config
	probers map[model.HealthCheckKind]prober
	http    *HTTPProber
}

func NewRouter(config Config) *Router {
	httpProber := NewHTTPProber()
	return &Router{
		config: config,
		http:   httpProber,
		probers: map[model.HealthCheckKind]prober{
			model.HealthCheckHTTP:    httpProber,
			model.HealthCheckTCP:     TCPProber{},
			model.HealthCheckGRPC:    GRPCProber{},
			model.HealthCheckCommand: CommandProber{},
		},
	}
}

// Close releases the HTTP client.
func (r *Router) Close() error {
	return r.http.Close()
}

func (r *Router) RunProbe(ctx context.Context, target health.Target, check model.HealthCheck) health.ProbeResult {
	logger := log.FromContext(ctx).WithName("probe")

	p, ok := r.probers[check.Kind]
	if !ok {
		return health.ProbeResult{Message: fmt.Sprintf("unsupported probe kind %q", check.Kind)}
	}
	probeTarget := Render(check.Target, target)

	if delay := check.InitialDelay.Duration; delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return health.ProbeResult{Message: ctx.Err().Error()}
		case <-timer.C:
		}
	}

	timeout := check.Timeout.Duration
	if timeout <= 0 {
		timeout = r.config.DefaultTimeout
	}
	interval := check.Interval.Duration
	if interval <= 0 {
		interval = r.config.DefaultInterval
	}
	successThreshold := max(1, check.SuccessThreshold)
	failureThreshold := check.FailureThreshold
	if failureThreshold <= 0 {
		failureThreshold = check.Retries + 1
	}

	var successes, failures, attempts int
	var message string
	op := func() error {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		msg, err := p.probe(attemptCtx, probeTarget)
		if err != nil {
			successes = 0
			failures++
			message = err.Error()
			logger.V(1).Info("Probe attempt failed",
				"check", check.Name,
				"kind", check.Kind,
				"attempt", attempts,
				"error", err.Error(),
			)
			if failures >= failureThreshold {
				return backoff.Permanent(err)
			}
			return err
		}

		failures = 0
		successes++
		message = msg
		if successes < successThreshold {
			return errNotEnoughSuccesses
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(check.Retries+successThreshold-1)),
		ctx,
	)
	if err := backoff.Retry(op, policy); err != nil {
		if errors.Is(err, errNotEnoughSuccesses) {
			message = fmt.Sprintf("%d of %d required consecutive successes", successes, successThreshold)
		}
		return health.ProbeResult{Passed: false, Message: message}
	}
	return health.ProbeResult{Passed: true, Message: message}
}

// Render substitutes the {deployment}, {variant}, {version} and {replica}
// placeholders in the probe target.
func Render(t model.ProbeTarget, target health.Target) model.ProbeTarget {
	r := strings.NewReplacer(
		"{deployment}", target.DeploymentID,
		"{variant}", target.Variant,
		"{version}", target.Version,
		"{replica}", strconv.Itoa(target.Replica),
	)
	t.URL = r.Replace(t.URL)
	t.Host = r.Replace(t.Host)
	t.Command = r.Replace(t.Command)
	t.Service = r.Replace(t.Service)
	return t
}
