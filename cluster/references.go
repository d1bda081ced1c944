package cluster

import (
	"fmt"
	"strings"

	"github.com/gammadia/minidcos/backend"
	"github.com/gammadia/minidcos/node"
)

// Reference names a node as "<role>_<index>", in private address order.
type Reference struct {
	Name string
	Role backend.Role
	Node *node.Node
}

func referenceName(role backend.Role, index int) string {
	return fmt.Sprintf("%s_%d", strings.ReplaceAll(string(role), "-", "_"), index)
}

// References lists every node with its reference, masters first.
func (c *Cluster) References() []Reference {
	var references []Reference
	for _, role := range backend.Roles {
		for i, n := range c.nodes.Role(role) {
			references = append(references, Reference{Name: referenceName(role, i), Role: role, Node: n})
		}
	}
	return references
}

// Lookup finds a node by reference, public or private address, or backend
// node name.
func (c *Cluster) Lookup(ref string) (*node.Node, error) {
	for _, reference := range c.References() {
		n := reference.Node
		switch {
		case reference.Name == ref,
			n.PrivateAddress().IsValid() && n.PrivateAddress().String() == ref,
			n.PublicAddress().IsValid() && n.PublicAddress().String() == ref,
			n.Name() != "" && n.Name() == ref:
			return n, nil
		}
	}
	return nil, fmt.Errorf("no node '%s' in cluster '%s'", ref, c.id)
}
