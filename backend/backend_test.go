package backend

import (
	"net/netip"
	"os"
	"testing"

	"github.com/gammadia/minidcos/node"
	"github.com/gammadia/minidcos/platform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClusterLabelsForRole(t *testing.T) {
	labels := ClusterLabels{
		ClusterID:    "default",
		WorkspaceDir: "/tmp/ws",
		Variant:      platform.Enterprise,
		Extra:        map[string]string{LabelSSHUser: "centos", LabelRole: "overridden"},
	}.ForRole(RolePublicAgent)

	assert.Equal(t, Labels{
		LabelClusterID:    "default",
		LabelWorkspaceDir: "/tmp/ws",
		LabelVariant:      "enterprise",
		LabelRole:         "public-agent",
		LabelSSHUser:      "centos",
	}, labels)

	role, err := labels.Role()
	require.NoError(t, err)
	assert.Equal(t, RolePublicAgent, role)

	variant, err := labels.Variant()
	require.NoError(t, err)
	assert.Equal(t, platform.Enterprise, variant)
}

func TestNodesSortByPrivateAddress(t *testing.T) {
	mk := func(addr string) *node.Node {
		return node.New(node.Config{PrivateAddress: netip.MustParseAddr(addr)})
	}
	nodes := &Nodes{}
	nodes.Add(RoleMaster, mk("172.17.0.10"), mk("172.17.0.9"))
	nodes.Add(RoleAgent, mk("172.17.0.3"))

	nodes.Sort()

	assert.Equal(t, "172.17.0.9", nodes.Masters[0].PrivateAddress().String())
	assert.Len(t, nodes.All(), 3)
	assert.Len(t, nodes.Role(RoleAgent), 1)
	assert.Empty(t, nodes.Role(RolePublicAgent))
}

func TestWriteIPDetect(t *testing.T) {
	for _, kind := range []Kind{KindDocker, KindCloud, KindVagrant} {
		path, err := WriteIPDetect(kind, t.TempDir())
		require.NoError(t, err)

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), "#!/usr/bin/env bash")
	}

	_, err := WriteIPDetect("mainframe", t.TempDir())
	assert.Error(t, err)
}

func TestLabelPicker(t *testing.T) {
	tests := []struct {
		name    string
		offered []Role
		want    int
	}{
		{"first master wins", []Role{RoleMaster, RoleMaster}, 0},
		{"master replaces agent", []Role{RoleAgent, RoleMaster, RoleMaster}, 1},
		{"first node without master", []Role{RolePublicAgent, RoleAgent}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var picker LabelPicker
			for i, role := range tt.offered {
				picker.Offer(role, Labels{"index": string(rune('0' + i))})
			}
			assert.Equal(t, string(rune('0'+tt.want)), picker.Labels()["index"])
		})
	}

	var empty LabelPicker
	assert.Nil(t, empty.Labels())
}
