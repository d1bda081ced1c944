package cloud

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"testing"

	"github.com/gammadia/minidcos/backend"
	"github.com/gammadia/minidcos/keys"
	"github.com/gammadia/minidcos/node"
	"github.com/gammadia/minidcos/platform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCompute struct {
	mu sync.Mutex

	keys      map[string]string
	instances map[string]Instance
	launched  int

	launchErr func(options LaunchOptions) error
}

func newFakeCompute() *fakeCompute {
	return &fakeCompute{keys: map[string]string{}, instances: map[string]Instance{}}
}

func (f *fakeCompute) Provider() string { return "fake" }

func (f *fakeCompute) ImportKey(_ context.Context, name, authorizedKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys[name] = authorizedKey
	return nil
}

func (f *fakeCompute) DeleteKey(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.keys, name)
	return nil
}

func (f *fakeCompute) Launch(_ context.Context, options LaunchOptions) (Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.keys[options.KeyName]; !ok {
		return Instance{}, fmt.Errorf("unknown key pair %s", options.KeyName)
	}
	if f.launchErr != nil {
		if err := f.launchErr(options); err != nil {
			return Instance{}, err
		}
	}
	f.launched++
	instance := Instance{
		ID:             fmt.Sprintf("i-%d", f.launched),
		Name:           options.Name,
		PublicAddress:  netip.MustParseAddr(fmt.Sprintf("54.0.0.%d", f.launched)),
		PrivateAddress: netip.MustParseAddr(fmt.Sprintf("10.0.0.%d", 50-f.launched)),
		Tags:           options.Tags,
	}
	f.instances[instance.ID] = instance
	return instance, nil
}

func (f *fakeCompute) List(_ context.Context, key, value string) ([]Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var list []Instance
	for _, instance := range f.instances {
		if actual, ok := instance.Tags[key]; ok && (value == "" || actual == value) {
			list = append(list, instance)
		}
	}
	return list, nil
}

func (f *fakeCompute) Terminate(_ context.Context, instances []Instance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, instance := range instances {
		delete(f.instances, instance.ID)
	}
	return nil
}

func testSpec(t *testing.T, clusterID string, masters, agents, publicAgents int) backend.Spec {
	t.Helper()
	pair, err := keys.WriteInto(t.TempDir())
	require.NoError(t, err)
	return backend.Spec{
		Masters:      masters,
		Agents:       agents,
		PublicAgents: publicAgents,
		Labels: backend.ClusterLabels{
			ClusterID:    clusterID,
			WorkspaceDir: "/tmp/" + clusterID,
			Variant:      platform.Enterprise,
		},
		PublicKeyPath:  pair.PublicKeyPath,
		PrivateKeyPath: pair.PrivateKeyPath,
	}
}

func newTestBackend(t *testing.T, compute Compute, config Config) *Backend {
	t.Helper()
	config.Compute = compute
	config.IPDetectDir = t.TempDir()
	b, err := New(config)
	require.NoError(t, err)
	return b
}

func TestDefaultSSHUser(t *testing.T) {
	for distribution, user := range map[Distribution]string{
		CentOS7:    "centos",
		CoreOS:     "core",
		Ubuntu1604: "ubuntu",
		RHEL7:      "ec2-user",
	} {
		actual, err := DefaultSSHUser(distribution)
		require.NoError(t, err)
		assert.Equal(t, user, actual)
	}

	_, err := DefaultSSHUser("windows")
	assert.Error(t, err)
}

func TestCreate_TagsInstancesAtLaunch(t *testing.T) {
	compute := newFakeCompute()
	b := newTestBackend(t, compute, Config{Distribution: CoreOS, Tags: map[string]string{"owner": "ci"}})

	nodes, err := b.Create(context.Background(), testSpec(t, "default", 1, 1, 1))
	require.NoError(t, err)

	assert.Len(t, nodes.All(), 3)
	assert.Equal(t, "core", nodes.Masters[0].DefaultUser())
	assert.Equal(t, node.SSH, nodes.Masters[0].TransportKind())
	require.Len(t, compute.keys, 1)

	for _, instance := range compute.instances {
		assert.Equal(t, "ci", instance.Tags["owner"])
		assert.Equal(t, "default", instance.Tags[backend.LabelClusterID])
		assert.Equal(t, "enterprise", instance.Tags[backend.LabelVariant])
		assert.Equal(t, "core", instance.Tags[backend.LabelSSHUser])
		assert.True(t, strings.HasPrefix(instance.Tags[backend.LabelKeyName], "dcos-e2e-default-"))
	}
}

func TestCreate_FailureTerminatesAndDeletesKey(t *testing.T) {
	compute := newFakeCompute()
	compute.launchErr = func(options LaunchOptions) error {
		if options.Tags[backend.LabelRole] == "agent" {
			return errors.New("InsufficientInstanceCapacity")
		}
		return nil
	}
	b := newTestBackend(t, compute, Config{})

	_, err := b.Create(context.Background(), testSpec(t, "default", 1, 1, 0))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "InsufficientInstanceCapacity")
	assert.Empty(t, compute.instances)
	assert.Empty(t, compute.keys)
}

func TestDestroy_OnlyTouchesOneCluster(t *testing.T) {
	compute := newFakeCompute()
	b := newTestBackend(t, compute, Config{})
	_, err := b.Create(context.Background(), testSpec(t, "one", 1, 0, 0))
	require.NoError(t, err)
	_, err = b.Create(context.Background(), testSpec(t, "two", 1, 1, 0))
	require.NoError(t, err)

	require.NoError(t, b.Destroy(context.Background(), "two"))
	require.NoError(t, b.Destroy(context.Background(), "two"))

	assert.Len(t, compute.instances, 1)
	assert.Len(t, compute.keys, 1)

	labels, err := b.NodeLabels(context.Background())
	require.NoError(t, err)
	require.Len(t, labels, 1)
	assert.Equal(t, "one", labels[0].ClusterID())
}

func TestClusterNodes_UsesRecordedUserAndKey(t *testing.T) {
	compute := newFakeCompute()
	b := newTestBackend(t, compute, Config{SSHUser: "admin"})
	_, err := b.Create(context.Background(), testSpec(t, "default", 1, 2, 0))
	require.NoError(t, err)

	other := newTestBackend(t, compute, Config{Distribution: Ubuntu1604})
	nodes, labels, err := other.ClusterNodes(context.Background(), "default")

	require.NoError(t, err)
	assert.Len(t, nodes.Masters, 1)
	assert.Len(t, nodes.Agents, 2)
	assert.Equal(t, "admin", nodes.Agents[0].DefaultUser())
	assert.Equal(t, "/tmp/default/ssh/id_rsa", nodes.Agents[0].SSHKeyPath())
	assert.True(t, nodes.Agents[0].PrivateAddress().Less(nodes.Agents[1].PrivateAddress()))
	assert.Equal(t, "default", labels.ClusterID())
}

// listedCompute returns a fixed instance list, in order.
type listedCompute struct {
	*fakeCompute
	listed []Instance
}

func (l *listedCompute) List(context.Context, string, string) ([]Instance, error) {
	return l.listed, nil
}

func TestClusterNodes_LabelsOfFirstMaster(t *testing.T) {
	instance := func(id string, role backend.Role, address string) Instance {
		tags := backend.ClusterLabels{ClusterID: "default", Variant: platform.Community}.ForRole(role)
		tags["test.instance"] = id
		return Instance{ID: id, PrivateAddress: netip.MustParseAddr(address), Tags: tags}
	}
	compute := &listedCompute{fakeCompute: newFakeCompute(), listed: []Instance{
		instance("agent", backend.RoleAgent, "10.0.0.1"),
		instance("first", backend.RoleMaster, "10.0.0.3"),
		instance("second", backend.RoleMaster, "10.0.0.2"),
	}}
	b := newTestBackend(t, compute, Config{})

	nodes, labels, err := b.ClusterNodes(context.Background(), "default")

	require.NoError(t, err)
	assert.Len(t, nodes.Masters, 2)
	assert.Equal(t, "first", labels["test.instance"])
}
