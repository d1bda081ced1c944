package docker

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/client"
	"github.com/gammadia/minidcos/cluster"
	"github.com/gammadia/minidcos/node"
	"github.com/gammadia/minidcos/platform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scenarioImage has bash and stays up on sleep, which is all the scenarios
// need from a node.
const scenarioImage = "debian:bookworm-slim"

// daemonBackend connects to the local Docker daemon, skipping the test when
// there is none.
func daemonBackend(t *testing.T) *Backend {
	t.Helper()
	if testing.Short() {
		t.Skip("needs a Docker daemon")
	}

	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	require.NoError(t, err)
	t.Cleanup(func() { _ = docker.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := docker.Ping(ctx); err != nil {
		t.Skipf("no Docker daemon: %v", err)
	}

	b, err := New(docker, Config{
		Image:       scenarioImage,
		Command:     []string{"sleep", "infinity"},
		NamePrefix:  "minidcos-test",
		IPDetectDir: t.TempDir(),
	})
	require.NoError(t, err)
	if err := b.ensureImage(context.Background()); err != nil {
		t.Skipf("scenario image unavailable: %v", err)
	}
	return b
}

// oneMaster creates a one-master cluster that is destroyed with the test.
func oneMaster(t *testing.T, b *Backend) *node.Node {
	t.Helper()
	ctx := context.Background()

	c, err := cluster.Create(ctx, b, cluster.Options{
		Masters:       1,
		Variant:       platform.Community,
		WorkspaceBase: t.TempDir(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, c.Destroy(context.WithoutCancel(ctx))) })

	require.Len(t, c.Masters(), 1)
	assert.Empty(t, c.Agents())
	assert.Empty(t, c.PublicAgents())
	return c.Masters()[0]
}

func TestScenario_RunAsRoot(t *testing.T) {
	master := oneMaster(t, daemonBackend(t))
	ctx := context.Background()

	result, err := master.RunAsRoot(ctx, []string{"echo", "$USER"}, node.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, result.ReturnCode)
	assert.Equal(t, "root", strings.TrimSpace(string(result.Stdout)))
	assert.Empty(t, result.Stderr)

	_, err = master.RunAsRoot(ctx, []string{"unknown-minidcos-command"}, node.RunOptions{})
	var execErr *node.CommandExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, 127, execErr.ReturnCode)
	assert.Contains(t, string(execErr.Stderr), "command not found")

	_, err = master.RunAsRoot(ctx, []string{"unknown-minidcos-command"}, node.RunOptions{LogOutputLive: true})
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, 127, execErr.ReturnCode)
	assert.Contains(t, string(execErr.Stdout), "command not found")
}

func TestScenario_PopenThroughNamedPipe(t *testing.T) {
	master := oneMaster(t, daemonBackend(t))
	ctx := context.Background()
	pipe := "/tmp/minidcos-pipe"

	reader, err := master.Popen(ctx, []string{
		"while", "[", "!", "-p", pipe, "];", "do", "sleep", "0.1;", "done;", "cat", pipe,
	}, node.PopenOptions{User: node.RootUser, Shell: true})
	require.NoError(t, err)
	writer, err := master.Popen(ctx, []string{"mkfifo", pipe, "&&", "echo", "foo", ">", pipe}, node.PopenOptions{User: node.RootUser, Shell: true})
	require.NoError(t, err)

	written, err := writer.Wait()
	require.NoError(t, err)
	assert.Equal(t, 0, written.ReturnCode)

	read, err := reader.Wait()
	require.NoError(t, err)
	assert.Equal(t, 0, read.ReturnCode)
	assert.Equal(t, "foo\n", string(read.Stdout))
}

func TestScenario_DiscoverAndDestroy(t *testing.T) {
	b := daemonBackend(t)
	ctx := context.Background()

	c, err := cluster.Create(ctx, b, cluster.Options{Masters: 1, Variant: platform.Enterprise, WorkspaceBase: t.TempDir()})
	require.NoError(t, err)

	discovered, err := cluster.Discover(ctx, b, c.ID())
	require.NoError(t, err)
	assert.Equal(t, platform.Enterprise, discovered.Variant())
	assert.Equal(t, c.Masters()[0].PrivateAddress(), discovered.Masters()[0].PrivateAddress())

	require.NoError(t, c.Destroy(ctx))
	_, err = cluster.Discover(ctx, b, c.ID())
	assert.Error(t, err)
}
