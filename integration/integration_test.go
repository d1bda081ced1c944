package integration

import (
	"archive/tar"
	"context"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/gammadia/minidcos/backend"
	"github.com/gammadia/minidcos/cluster"
	"github.com/gammadia/minidcos/node"
	"github.com/gammadia/minidcos/platform"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type exitCode int

func (c exitCode) Wait() (int, error) { return int(c), nil }

// masterTransport answers the python lookup and records commands and the
// entries of every archive sent.
type masterTransport struct {
	mu sync.Mutex

	commands []string
	archives map[string][]string
	failOn   string
}

func newMasterTransport() *masterTransport {
	return &masterTransport{archives: map[string][]string{}}
}

func (t *masterTransport) Kind() node.TransportKind { return node.DockerExec }
func (t *masterTransport) Close() error             { return nil }

func (t *masterTransport) Start(_ context.Context, cmd node.Command, stdout, _ io.Writer) (node.Execution, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	line := cmd.Line()
	t.commands = append(t.commands, line)
	if t.failOn != "" && strings.Contains(line, t.failOn) {
		return exitCode(2), nil
	}
	if strings.Contains(line, "ls "+NodePythonLibDir) {
		_, _ = io.WriteString(stdout, "python3.6\n")
	}
	return exitCode(0), nil
}

func (t *masterTransport) SendFile(_ context.Context, localPath, remotePath, _ string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer file.Close()
	compressed, err := gzip.NewReader(file)
	if err != nil {
		return err
	}
	archive := tar.NewReader(compressed)

	var names []string
	for {
		header, err := archive.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		names = append(names, header.Name)
	}
	sort.Strings(names)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.archives[remotePath] = names
	return nil
}

func (t *masterTransport) ran(fragment string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, line := range t.commands {
		if strings.Contains(line, fragment) {
			return true
		}
	}
	return false
}

// extracted lists the archive entries extracted into remoteDir.
func (t *masterTransport) extracted(remoteDir string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, line := range t.commands {
		if !strings.Contains(line, "-C "+remoteDir+" ") {
			continue
		}
		for remote, names := range t.archives {
			if strings.Contains(line, "tar -xzf "+remote) {
				return names
			}
		}
	}
	return nil
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newCheckout(t *testing.T, variant platform.Variant) string {
	dir := t.TempDir()
	tests := filepath.Join(dir, "packages", "dcos-integration-test", "extra")
	writeFile(t, filepath.Join(tests, "test_a.py"), "def test_a(): pass\n")
	writeFile(t, filepath.Join(tests, "sub", "test_b.py"), "def test_b(): pass\n")
	writeFile(t, filepath.Join(tests, "stale.pyc"), "")
	writeFile(t, filepath.Join(tests, "__pycache__", "test_a.cpython-36.pyc"), "")
	writeFile(t, filepath.Join(dir, "packages", "bootstrap", "extra", "dcos_internal_utils", "utils.py"), "\n")
	if variant == platform.Enterprise {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "packages", "bouncer"), 0o755))
	}
	return dir
}

func newCluster(variant platform.Variant, masters ...*masterTransport) *cluster.Cluster {
	nodes := &backend.Nodes{}
	for i, transport := range masters {
		nodes.Add(backend.RoleMaster, node.New(node.Config{
			PrivateAddress: netip.AddrFrom4([4]byte{10, 0, 0, byte(i + 1)}),
			Transport:      transport,
		}))
	}
	nodes.Add(backend.RoleAgent, node.New(node.Config{PrivateAddress: netip.MustParseAddr("10.0.1.1"), Transport: newMasterTransport()}))
	nodes.Add(backend.RoleAgent, node.New(node.Config{PrivateAddress: netip.MustParseAddr("10.0.1.2"), Transport: newMasterTransport()}))
	nodes.Add(backend.RolePublicAgent, node.New(node.Config{PrivateAddress: netip.MustParseAddr("10.0.2.1"), Transport: newMasterTransport()}))
	return cluster.FromNodes("default", nil, variant, "", nodes)
}

func TestCheckoutVariant(t *testing.T) {
	variant, err := CheckoutVariant(newCheckout(t, platform.Community))
	require.NoError(t, err)
	assert.Equal(t, platform.Community, variant)

	variant, err = CheckoutVariant(newCheckout(t, platform.Enterprise))
	require.NoError(t, err)
	assert.Equal(t, platform.Enterprise, variant)

	dir := t.TempDir()
	_, err = CheckoutVariant(dir)
	var notCheckout *NotACheckoutError
	require.ErrorAs(t, err, &notCheckout)
	assert.Equal(t, dir, notCheckout.Dir)
}

func TestSyncCheckout_MatchingVariant(t *testing.T) {
	first, second := newMasterTransport(), newMasterTransport()
	c := newCluster(platform.Community, first, second)

	require.NoError(t, SyncCheckout(context.Background(), c, newCheckout(t, platform.Community), nil))

	for _, master := range []*masterTransport{first, second} {
		assert.Equal(t, []string{"sub/", "sub/test_b.py", "test_a.py"}, master.extracted(NodeTestDir))
		assert.Equal(t, []string{"utils.py"}, master.extracted("/opt/mesosphere/lib/python3.6/site-packages/dcos_internal_utils"))
		assert.True(t, master.ran("mkdir -p "+NodeTestDir))
	}
	assert.True(t, first.ran("ls "+NodePythonLibDir))
	assert.False(t, second.ran("ls "+NodePythonLibDir))
}

func TestSyncCheckout_OpenSourceTestsOnEnterprise(t *testing.T) {
	master := newMasterTransport()
	c := newCluster(platform.Enterprise, master)

	require.NoError(t, SyncCheckout(context.Background(), c, newCheckout(t, platform.Community), nil))

	assert.Equal(t, []string{"sub/", "sub/test_b.py", "test_a.py"}, master.extracted(OpenSourceTestsDir))
	assert.False(t, master.ran("ls "+NodePythonLibDir))
	assert.False(t, master.ran("dcos_internal_utils"))
}

func TestSyncCheckout_EnterpriseTestsOnCommunity(t *testing.T) {
	master := newMasterTransport()
	c := newCluster(platform.Community, master)

	require.NoError(t, SyncCheckout(context.Background(), c, newCheckout(t, platform.Enterprise), nil))

	assert.NotEmpty(t, master.extracted(NodeTestDir))
	assert.False(t, master.ran("dcos_internal_utils"))
}

func TestSyncCheckout_NotACheckout(t *testing.T) {
	master := newMasterTransport()
	c := newCluster(platform.Community, master)

	err := SyncCheckout(context.Background(), c, t.TempDir(), nil)

	assert.ErrorAs(t, err, new(*NotACheckoutError))
	assert.Empty(t, master.commands)
	assert.Empty(t, master.archives)
}

func TestSyncCheckout_ExtractionFailure(t *testing.T) {
	master := newMasterTransport()
	master.failOn = "tar -xzf"
	c := newCluster(platform.Community, master)

	err := SyncCheckout(context.Background(), c, newCheckout(t, platform.Community), nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to extract into '"+NodeTestDir+"'")
}

func TestEnvironment(t *testing.T) {
	c := newCluster(platform.Enterprise, newMasterTransport(), newMasterTransport())

	env := Environment(c, c.Masters()[1])

	assert.Equal(t, "10.0.0.1,10.0.0.2", env["MASTER_HOSTS"])
	assert.Equal(t, "10.0.1.1,10.0.1.2", env["SLAVE_HOSTS"])
	assert.Equal(t, "10.0.2.1", env["PUBLIC_SLAVE_HOSTS"])
	assert.Equal(t, "http://10.0.0.2", env["DCOS_DNS_ADDRESS"])
	assert.Equal(t, "true", env["DCOS_ENTERPRISE"])
	assert.Equal(t, "true", env["PYTHONDONTWRITEBYTECODE"])
}

func TestCommand(t *testing.T) {
	assert.Equal(t,
		[]string{"source", "/opt/mesosphere/environment.export", "&&", "cd", NodeTestDir, "&&", "pytest", "-k", "test_a"},
		Command([]string{"pytest", "-k", "test_a"}),
	)
}

func TestMergeEnv(t *testing.T) {
	merged := MergeEnv(LoginEnvironment("admin", "admin"), map[string]string{LoginPasswordEnv: "secret", "A": "1"}, nil)

	assert.Equal(t, map[string]string{LoginUsernameEnv: "admin", LoginPasswordEnv: "secret", "A": "1"}, merged)
}
