package probe

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/apptrail-sh/orchestrator/internal/model"
	"resty.dev/v3"
)

// HTTPProber issues a request and compares the response status. Without an
// expected status any 2xx passes.
type HTTPProber struct {
	client *resty.Client
}

func NewHTTPProber() *HTTPProber {
	return &HTTPProber{client: resty.New()}
}

func (p *HTTPProber) Close() error {
	return p.client.Close()
}

func (p *HTTPProber) probe(ctx context.Context, target model.ProbeTarget) (string, error) {
	method := strings.ToUpper(target.Method)
	if method == "" {
		method = http.MethodGet
	}

	resp, err := p.client.R().
		SetContext(ctx).
		Execute(method, target.URL)
	if err != nil {
		return "", fmt.Errorf("failed to reach %s: %w", target.URL, err)
	}

	if target.ExpectedStatus != 0 {
		if resp.StatusCode() != target.ExpectedStatus {
			return "", fmt.Errorf("%s returned status %d, expected %d", target.URL, resp.StatusCode(), target.ExpectedStatus)
		}
	} else if !resp.IsSuccess() {
		return "", fmt.Errorf("%s returned status %d", target.URL, resp.StatusCode())
	}
	return fmt.Sprintf("status %d", resp.StatusCode()), nil
}
