package vagrant

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/gammadia/minidcos/backend"
	"github.com/gammadia/minidcos/keys"
	"github.com/gammadia/minidcos/platform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeVM struct {
	uuid        string
	name        string
	description string
	state       string
	address     string
}

// fakeRunner emulates vagrant and VBoxManage over an in-memory VM list.
type fakeRunner struct {
	mu sync.Mutex

	vms      []*fakeVM
	commands []string
	upErr    error
}

var (
	vbName        = regexp.MustCompile(`vb\.name = "([^"]+)"`)
	vbDescription = regexp.MustCompile(`"--description", "([^"]+)"`)
)

func (f *fakeRunner) Run(_ context.Context, dir, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	command := strings.Join(append([]string{name}, args...), " ")
	f.commands = append(f.commands, command)

	switch {
	case command == "vagrant up":
		content, err := os.ReadFile(filepath.Join(dir, "Vagrantfile"))
		if err != nil {
			return nil, err
		}
		names := vbName.FindAllStringSubmatch(string(content), -1)
		descriptions := vbDescription.FindAllStringSubmatch(string(content), -1)
		for i := range names {
			f.vms = append(f.vms, &fakeVM{
				uuid:        fmt.Sprintf("0000-%04d", len(f.vms)),
				name:        names[i][1],
				description: descriptions[i][1],
				state:       "running",
				address:     fmt.Sprintf("172.28.128.%d", 200-len(f.vms)),
			})
		}
		return nil, f.upErr

	case command == "vagrant destroy -f":
		f.vms = nil
		return nil, nil

	case command == "VBoxManage list vms":
		var out strings.Builder
		out.WriteString("\"unrelated\" {ffff-0001}\n")
		for _, vm := range f.vms {
			fmt.Fprintf(&out, "%q {%s}\n", vm.name, vm.uuid)
		}
		return []byte(out.String()), nil

	case strings.HasPrefix(command, "VBoxManage showvminfo ffff-0001"):
		return []byte("name=\"unrelated\"\nVMState=\"poweroff\"\n"), nil

	case strings.HasPrefix(command, "VBoxManage showvminfo"):
		vm := f.find(args[1])
		if vm == nil {
			return nil, errors.New("no such vm")
		}
		return []byte(fmt.Sprintf("name=%q\ndescription=%q\nVMState=%q\n", vm.name, vm.description, vm.state)), nil

	case strings.HasPrefix(command, "VBoxManage guestproperty get"):
		if vm := f.find(args[2]); vm != nil {
			return []byte("Value: " + vm.address + "\n"), nil
		}
		return []byte("No value set!\n"), nil

	case strings.HasPrefix(command, "VBoxManage unregistervm"):
		f.vms = rejectVM(f.vms, args[1])
		return nil, nil
	}
	return nil, nil
}

func (f *fakeRunner) find(uuid string) *fakeVM {
	for _, vm := range f.vms {
		if vm.uuid == uuid {
			return vm
		}
	}
	return nil
}

func rejectVM(vms []*fakeVM, uuid string) []*fakeVM {
	var kept []*fakeVM
	for _, vm := range vms {
		if vm.uuid != uuid {
			kept = append(kept, vm)
		}
	}
	return kept
}

func testSpec(t *testing.T, masters, agents int) backend.Spec {
	t.Helper()
	workspace := t.TempDir()
	pair, err := keys.WriteInto(filepath.Join(workspace, backend.SSHDir))
	require.NoError(t, err)
	return backend.Spec{
		Masters: masters,
		Agents:  agents,
		Labels: backend.ClusterLabels{
			ClusterID:    "default",
			WorkspaceDir: workspace,
			Variant:      platform.Community,
		},
		PublicKeyPath:  pair.PublicKeyPath,
		PrivateKeyPath: pair.PrivateKeyPath,
	}
}

func newTestBackend(t *testing.T, runner Runner) *Backend {
	t.Helper()
	b, err := New(Config{Runner: runner, IPDetectDir: t.TempDir()})
	require.NoError(t, err)
	return b
}

func TestCreate_RendersVagrantfileAndDiscoversMachines(t *testing.T) {
	runner := &fakeRunner{}
	b := newTestBackend(t, runner)
	spec := testSpec(t, 1, 2)

	nodes, err := b.Create(context.Background(), spec)
	require.NoError(t, err)

	assert.Len(t, nodes.Masters, 1)
	assert.Len(t, nodes.Agents, 2)
	assert.Equal(t, LoginUser, nodes.Masters[0].DefaultUser())
	assert.Equal(t, filepath.Join(spec.Labels.WorkspaceDir, "ssh", "id_rsa"), nodes.Masters[0].SSHKeyPath())
	assert.True(t, nodes.Agents[0].PrivateAddress().Less(nodes.Agents[1].PrivateAddress()))

	content, err := os.ReadFile(filepath.Join(spec.Labels.WorkspaceDir, "vagrant", "Vagrantfile"))
	require.NoError(t, err)
	assert.Contains(t, string(content), `config.vm.box = "mesosphere/dcos-centos-virtualbox"`)
	assert.Contains(t, string(content), `vb.name = "dcos-e2e-default-agent-1"`)
	assert.Contains(t, string(content), "authorized_keys")
}

func TestCreate_FailureDestroysMachines(t *testing.T) {
	runner := &fakeRunner{upErr: errors.New("VirtualBox error")}
	b := newTestBackend(t, runner)

	_, err := b.Create(context.Background(), testSpec(t, 1, 0))

	require.Error(t, err)
	assert.Empty(t, runner.vms)
	assert.Contains(t, runner.commands, "vagrant destroy -f")
}

func TestDestroy_UnregistersLeftovers(t *testing.T) {
	runner := &fakeRunner{}
	b := newTestBackend(t, runner)
	spec := testSpec(t, 1, 1)
	_, err := b.Create(context.Background(), spec)
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(spec.Labels.WorkspaceDir))

	require.NoError(t, b.Destroy(context.Background(), "default"))
	assert.Empty(t, runner.vms)
	assert.NotContains(t, runner.commands, "vagrant destroy -f")

	require.NoError(t, b.Destroy(context.Background(), "default"))
}

func TestNodeLabels_IgnoresForeignMachines(t *testing.T) {
	runner := &fakeRunner{}
	b := newTestBackend(t, runner)
	_, err := b.Create(context.Background(), testSpec(t, 1, 0))
	require.NoError(t, err)

	labels, err := b.NodeLabels(context.Background())

	require.NoError(t, err)
	require.Len(t, labels, 1)
	assert.Equal(t, "default", labels[0].ClusterID())
	assert.Equal(t, "master", labels[0][backend.LabelRole])
}

func TestParseMachineReadable(t *testing.T) {
	properties := parseMachineReadable("name=\"vm one\"\n\"storagecontrollername0\"=\"IDE\"\nmemory=6144\n")

	assert.Equal(t, "vm one", properties["name"])
	assert.Equal(t, "IDE", properties["storagecontrollername0"])
	assert.Equal(t, "6144", properties["memory"])
}
