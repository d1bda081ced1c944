package backend

import (
	"context"
	"fmt"
	"net/netip"
	"slices"

	"github.com/gammadia/minidcos/node"
)

// Kind names one of the three provisioning substrates.
type Kind string

const (
	KindDocker  Kind = "docker"
	KindCloud   Kind = "cloud"
	KindVagrant Kind = "vagrant"
)

// Spec is what a backend is asked to create for one cluster.
type Spec struct {
	Masters      int
	Agents       int
	PublicAgents int

	Labels ClusterLabels

	// Key pair authorized on every node for the SSH transport.
	PublicKeyPath  string
	PrivateKeyPath string
}

func (s Spec) Count(role Role) int {
	switch role {
	case RoleMaster:
		return s.Masters
	case RoleAgent:
		return s.Agents
	case RolePublicAgent:
		return s.PublicAgents
	default:
		return 0
	}
}

// Nodes groups the nodes of one cluster by role.
type Nodes struct {
	Masters      []*node.Node
	Agents       []*node.Node
	PublicAgents []*node.Node
}

func (n *Nodes) Role(role Role) []*node.Node {
	switch role {
	case RoleMaster:
		return n.Masters
	case RoleAgent:
		return n.Agents
	case RolePublicAgent:
		return n.PublicAgents
	default:
		return nil
	}
}

func (n *Nodes) Add(role Role, nodes ...*node.Node) {
	switch role {
	case RoleMaster:
		n.Masters = append(n.Masters, nodes...)
	case RoleAgent:
		n.Agents = append(n.Agents, nodes...)
	case RolePublicAgent:
		n.PublicAgents = append(n.PublicAgents, nodes...)
	}
}

// All returns masters, then agents, then public agents.
func (n *Nodes) All() []*node.Node {
	return slices.Concat(n.Masters, n.Agents, n.PublicAgents)
}

// Sort orders every role by private address, which makes node references
// such as "master_0" stable across calls.
func (n *Nodes) Sort() {
	for _, nodes := range [][]*node.Node{n.Masters, n.Agents, n.PublicAgents} {
		slices.SortFunc(nodes, func(a, b *node.Node) int {
			return a.PrivateAddress().Compare(b.PrivateAddress())
		})
	}
}

// NodeLister exposes the labels of every node carrying a cluster id.
type NodeLister interface {
	NodeLabels(ctx context.Context) ([]Labels, error)
}

// Backend provisions and destroys cluster nodes on one substrate. Node
// metadata written at creation time is the only cluster state there is.
type Backend interface {
	NodeLister

	Kind() Kind
	// Create provisions the nodes of spec and labels them atomically. On
	// failure, whatever was created for the cluster id is destroyed.
	Create(ctx context.Context, spec Spec) (*Nodes, error)
	// Destroy removes every node of the cluster. Destroying a cluster that
	// does not exist is not an error.
	Destroy(ctx context.Context, clusterID string) error
	// ClusterNodes rebuilds node handles of an existing cluster from its
	// labels. The returned labels are those of its first master.
	ClusterNodes(ctx context.Context, clusterID string) (*Nodes, Labels, error)
	// IPDetectPath is the ip-detect script suitable for nodes of this backend.
	IPDetectPath() string
}

// ParseAddr parses a node address, accepting an empty string as "no address".
func ParseAddr(s string) (netip.Addr, error) {
	if s == "" {
		return netip.Addr{}, nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("invalid node address '%s': %w", s, err)
	}
	return addr, nil
}
