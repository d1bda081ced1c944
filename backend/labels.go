package backend

import (
	"fmt"
	"maps"
	"path/filepath"

	"github.com/gammadia/minidcos/keys"
	"github.com/gammadia/minidcos/platform"
)

// Label keys written on every node. Discovery relies on these exact strings.
const (
	LabelClusterID    = "dcos_e2e.cluster_id"
	LabelWorkspaceDir = "dcos_e2e.workspace_dir"
	LabelVariant      = "dcos_e2e.variant"
	LabelRole         = "dcos_e2e.node_type"

	// Cloud nodes also record how to reach and clean them up.
	LabelSSHUser = "dcos_e2e.ssh_user"
	LabelKeyName = "dcos_e2e.key_name"
)

type Role string

const (
	RoleMaster      Role = "master"
	RoleAgent       Role = "agent"
	RolePublicAgent Role = "public-agent"
)

// Roles lists every role in the order nodes are presented.
var Roles = []Role{RoleMaster, RoleAgent, RolePublicAgent}

func ParseRole(s string) (Role, error) {
	switch role := Role(s); role {
	case RoleMaster, RoleAgent, RolePublicAgent:
		return role, nil
	default:
		return "", fmt.Errorf("unknown node role '%s'", s)
	}
}

// Labels is the metadata attached to a node.
type Labels map[string]string

func (l Labels) ClusterID() string    { return l[LabelClusterID] }
func (l Labels) WorkspaceDir() string { return l[LabelWorkspaceDir] }

// SSHDir is where the cluster key pair lives inside a workspace.
const SSHDir = "ssh"

// PrivateKeyPath is the cluster private key recorded by the workspace label.
func (l Labels) PrivateKeyPath() string {
	return filepath.Join(l.WorkspaceDir(), SSHDir, keys.PrivateKeyFile)
}

func (l Labels) Role() (Role, error) {
	return ParseRole(l[LabelRole])
}

func (l Labels) Variant() (platform.Variant, error) {
	return platform.ParseVariant(l[LabelVariant])
}

// ClusterLabels are the labels shared by every node of a cluster.
type ClusterLabels struct {
	ClusterID    string
	WorkspaceDir string
	Variant      platform.Variant
	// Extra labels are written alongside the fixed ones.
	Extra map[string]string
}

// ForRole returns the complete label set of a node with the given role.
func (c ClusterLabels) ForRole(role Role) Labels {
	labels := Labels{}
	maps.Copy(labels, c.Extra)
	labels[LabelClusterID] = c.ClusterID
	labels[LabelWorkspaceDir] = c.WorkspaceDir
	labels[LabelVariant] = c.Variant.String()
	labels[LabelRole] = string(role)
	return labels
}

// LabelPicker chooses the labels reported for a discovered cluster: those of
// the first master offered, or of the first node until a master shows up.
type LabelPicker struct {
	labels Labels
	master bool
}

func (p *LabelPicker) Offer(role Role, labels Labels) {
	if p.master {
		return
	}
	if p.labels == nil || role == RoleMaster {
		p.labels = labels
		p.master = role == RoleMaster
	}
}

func (p *LabelPicker) Labels() Labels {
	return p.labels
}
