package probe

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/apptrail-sh/orchestrator/internal/model"
)

// TCPProber passes when a connection can be opened.
type TCPProber struct{}

func (TCPProber) probe(ctx context.Context, target model.ProbeTarget) (string, error) {
	addr := net.JoinHostPort(target.Host, strconv.Itoa(target.Port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	_ = conn.Close()
	return "connected to " + addr, nil
}
