package probe

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/apptrail-sh/orchestrator/internal/model"
)

// CommandProber runs the command through sh and passes on exit code 0.
type CommandProber struct{}

func (CommandProber) probe(ctx context.Context, target model.ProbeTarget) (string, error) {
	out, err := exec.CommandContext(ctx, "sh", "-c", target.Command).CombinedOutput()
	output := strings.TrimSpace(string(out))
	if err != nil {
		if output != "" {
			return "", fmt.Errorf("command failed: %w: %s", err, output)
		}
		return "", fmt.Errorf("command failed: %w", err)
	}
	return output, nil
}
