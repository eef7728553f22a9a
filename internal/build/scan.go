package build

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Grype runs the grype vulnerability scanner against local images.
type Grype struct {
	command  string
	severity string
}

// NewGrype returns nil when severity is empty, which disables scanning.
func NewGrype(command, severity string) *Grype {
	severity = strings.ToLower(strings.TrimSpace(severity))
	if severity == "" {
		return nil
	}
	if command == "" {
		command = "grype"
	}
	return &Grype{command: command, severity: severity}
}

// Scan fails when the image carries a vulnerability at or above the configured severity.
func (g *Grype) Scan(ctx context.Context, image string) error {
	cmd := exec.CommandContext(ctx, g.command, image, "--fail-on", g.severity, "--quiet")
	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("grype: %w", ctx.Err())
		}
		return fmt.Errorf("grype found vulnerabilities at or above %s: %w: %s", g.severity, err, lastLines(string(output), 20))
	}
	return nil
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
