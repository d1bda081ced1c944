package vagrant

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// Runner runs a host command in dir and returns its standard output.
type Runner interface {
	Run(ctx context.Context, dir, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands on the local host.
type ExecRunner struct {
	Logger *slog.Logger
}

// ExecRunner implements Runner
var _ Runner = (*ExecRunner)(nil)

func (r *ExecRunner) Run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if r.Logger != nil {
		r.Logger.Debug("Running host command", "command", name, "args", args, "dir", dir)
	}
	if err := cmd.Run(); err != nil {
		return stdout.Bytes(), fmt.Errorf("'%s %s' failed: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}
