package node

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
)

type TransportKind string

const (
	SSH        TransportKind = "ssh"
	DockerExec TransportKind = "docker-exec"
)

func ParseTransportKind(s string) (TransportKind, error) {
	switch kind := TransportKind(strings.ToLower(s)); kind {
	case SSH, DockerExec:
		return kind, nil
	default:
		return "", fmt.Errorf("unknown transport '%s' (ssh, docker-exec)", s)
	}
}

// Transport executes commands on exactly one node.
type Transport interface {
	Kind() TransportKind
	// Start launches cmd and returns as soon as it is running. Output is
	// written to stdout and stderr until the returned Execution completes.
	Start(ctx context.Context, cmd Command, stdout, stderr io.Writer) (Execution, error)
	// SendFile copies a local file to remotePath, owned by user, creating
	// the parent directory when missing.
	SendFile(ctx context.Context, localPath, remotePath, user string) error
	Close() error
}

// Execution is a running command.
type Execution interface {
	// Wait blocks until the command exits and returns its exit code. The
	// error is only set when the exit code could not be obtained.
	Wait() (int, error)
}

type execFunc func() (int, error)

func (f execFunc) Wait() (int, error) {
	return f()
}

// runQuiet runs an auxiliary command, turning a non-zero exit into an error
// that quotes its stderr.
func runQuiet(ctx context.Context, t Transport, cmd Command) error {
	var stdout, stderr bytes.Buffer
	execution, err := t.Start(ctx, cmd, &stdout, &stderr)
	if err != nil {
		return err
	}

	code, err := execution.Wait()
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("'%s' exited with status %d: %s", cmd.Line(), code, strings.TrimSpace(stderr.String()))
	}
	return nil
}
