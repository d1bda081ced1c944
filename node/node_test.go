package node

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// localTransport runs commands with the local bash, which makes the exit
// code and stream semantics of Node observable without a remote host.
type localTransport struct {
	started []Command
}

func (t *localTransport) Kind() TransportKind { return "local" }

func (t *localTransport) Start(ctx context.Context, cmd Command, stdout, stderr io.Writer) (Execution, error) {
	t.started = append(t.started, cmd)

	c := exec.CommandContext(ctx, "bash", "-c", cmd.Line())
	c.Env = append(os.Environ(), "USER="+cmd.User)
	c.Stdin = cmd.Stdin
	c.Stdout = stdout
	c.Stderr = stderr
	if err := c.Start(); err != nil {
		return nil, err
	}

	return execFunc(func() (int, error) {
		err := c.Wait()
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return 0, err
	}), nil
}

func (t *localTransport) SendFile(ctx context.Context, localPath, remotePath, _ string) error {
	if err := os.MkdirAll(filepath.Dir(remotePath), 0o755); err != nil {
		return err
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	return os.WriteFile(remotePath, data, 0o644)
}

func (t *localTransport) Close() error { return nil }

func testNode(t *testing.T) (*Node, *bytes.Buffer) {
	t.Helper()
	logs := &bytes.Buffer{}
	return New(Config{
		Name:           "master-0",
		PublicAddress:  netip.MustParseAddr("10.0.0.1"),
		PrivateAddress: netip.MustParseAddr("172.17.0.2"),
		Transport:      &localTransport{},
		Logger:         slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
	}), logs
}

func TestRun_Success(t *testing.T) {
	n, _ := testNode(t)

	result, err := n.RunAsRoot(context.Background(), []string{"echo", "$USER"}, RunOptions{})

	require.NoError(t, err)
	assert.Equal(t, 0, result.ReturnCode)
	assert.Equal(t, "root\n", string(result.Stdout))
	assert.Empty(t, result.Stderr)
}

func TestRun_UnknownCommand(t *testing.T) {
	n, logs := testNode(t)

	_, err := n.RunAsRoot(context.Background(), []string{"unset_command"}, RunOptions{})

	var execErr *CommandExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, 127, execErr.ReturnCode)
	assert.Empty(t, execErr.Stdout)
	assert.Contains(t, string(execErr.Stderr), "command not found")
	assert.NotContains(t, logs.String(), "unset_command")
}

func TestRun_UnknownCommandLiveLogging(t *testing.T) {
	n, logs := testNode(t)

	_, err := n.RunAsRoot(context.Background(), []string{"unset_command"}, RunOptions{LogOutputLive: true})

	var execErr *CommandExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, 127, execErr.ReturnCode)
	assert.Empty(t, execErr.Stderr)
	assert.Contains(t, string(execErr.Stdout), "command not found")
	assert.Contains(t, logs.String(), "level=DEBUG")
	assert.Contains(t, logs.String(), "unset_command: command not found")
}

func TestRun_SeparateStreams(t *testing.T) {
	n, _ := testNode(t)

	result, err := n.Run(context.Background(), []string{"echo out && echo err >&2"}, RunOptions{})

	require.NoError(t, err)
	assert.Equal(t, "out\n", string(result.Stdout))
	assert.Equal(t, "err\n", string(result.Stderr))
}

func TestRun_MergedStreamsWhenLive(t *testing.T) {
	n, _ := testNode(t)

	result, err := n.Run(context.Background(), []string{"echo err >&2"}, RunOptions{LogOutputLive: true})

	require.NoError(t, err)
	assert.Equal(t, "err\n", string(result.Stdout))
	assert.Empty(t, result.Stderr)
}

func TestRun_EnvironmentAndShell(t *testing.T) {
	n, _ := testNode(t)
	target := filepath.Join(t.TempDir(), "out")

	_, err := n.Run(context.Background(), []string{"echo", "$GREETING", ">", target}, RunOptions{
		Env:   map[string]string{"GREETING": "hello world"},
		Shell: true,
	})

	require.NoError(t, err)
	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "hello world\n", string(data))
}

func TestRun_DefaultUser(t *testing.T) {
	n, _ := testNode(t)
	transport := n.transport.(*localTransport)

	_, err := n.Run(context.Background(), []string{"true"}, RunOptions{})
	require.NoError(t, err)
	_, err = n.Run(context.Background(), []string{"true"}, RunOptions{User: "testuser"})
	require.NoError(t, err)

	assert.Equal(t, RootUser, transport.started[0].User)
	assert.Equal(t, "testuser", transport.started[1].User)
}

func TestPopen_NamedPipe(t *testing.T) {
	n, _ := testNode(t)
	pipe := filepath.Join(t.TempDir(), "pipe")

	reader, err := n.Popen(context.Background(), []string{"(mkfifo", pipe, "|", "true)&&", "(cat", pipe + ")"}, PopenOptions{User: "testuser"})
	require.NoError(t, err)
	writer, err := n.Popen(context.Background(), []string{"(mkfifo", pipe, "|", "true)&&", "(echo", "foo", ">", pipe + ")"}, PopenOptions{User: "testuser"})
	require.NoError(t, err)

	stdout, _, err := reader.Communicate()
	require.NoError(t, err)
	code1, exited1 := reader.Poll()

	_, _, err = writer.Communicate()
	require.NoError(t, err)
	code2, exited2 := writer.Poll()

	assert.Equal(t, "foo\n", string(stdout))
	assert.True(t, exited1)
	assert.True(t, exited2)
	assert.Equal(t, 0, code1)
	assert.Equal(t, 0, code2)
}

func TestPopen_PollWhileRunning(t *testing.T) {
	n, _ := testNode(t)
	release := filepath.Join(t.TempDir(), "release")

	process, err := n.Popen(context.Background(), []string{"while [ ! -f " + release + " ]; do sleep 0.01; done; exit 3"}, PopenOptions{})
	require.NoError(t, err)

	_, exited := process.Poll()
	assert.False(t, exited)

	require.NoError(t, os.WriteFile(release, nil, 0o644))
	_, err = process.Wait()

	var execErr *CommandExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, 3, execErr.ReturnCode)
}

func TestSendFile(t *testing.T) {
	n, _ := testNode(t)
	local := filepath.Join(t.TempDir(), "ip-detect")
	require.NoError(t, os.WriteFile(local, []byte("#!/bin/sh"), 0o755))
	remote := filepath.Join(t.TempDir(), "genconf", "ip-detect")

	require.NoError(t, n.SendFile(context.Background(), local, remote, SendFileOptions{}))

	data, err := os.ReadFile(remote)
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh", string(data))
}

func TestSendFile_MissingLocalFile(t *testing.T) {
	n, _ := testNode(t)

	err := n.SendFile(context.Background(), "/does/not/exist", "/genconf/ip-detect", SendFileOptions{})

	var transferErr *TransferError
	require.ErrorAs(t, err, &transferErr)
	assert.Equal(t, "/genconf/ip-detect", transferErr.RemotePath)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
