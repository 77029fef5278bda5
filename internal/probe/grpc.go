package probe

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/apptrail-sh/orchestrator/internal/model"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCProber calls grpc.health.v1.Health/Check and passes on SERVING.
type GRPCProber struct{}

func (GRPCProber) probe(ctx context.Context, target model.ProbeTarget) (string, error) {
	addr := net.JoinHostPort(target.Host, strconv.Itoa(target.Port))
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return "", fmt.Errorf("failed to create grpc client for %s: %w", addr, err)
	}
	defer func() { _ = conn.Close() }()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: target.Service})
	if err != nil {
		return "", fmt.Errorf("grpc health check on %s failed: %w", addr, err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return "", fmt.Errorf("grpc service %q on %s is %s", target.Service, addr, resp.GetStatus())
	}
	return resp.GetStatus().String(), nil
}
