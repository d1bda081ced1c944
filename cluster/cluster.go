package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"

	"github.com/gammadia/minidcos/backend"
	"github.com/gammadia/minidcos/internal/workspace"
	"github.com/gammadia/minidcos/keys"
	"github.com/gammadia/minidcos/node"
	"github.com/gammadia/minidcos/platform"
	"github.com/gammadia/minidcos/registry"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

type Options struct {
	// ClusterID defaults to a random id.
	ClusterID    string
	Masters      int
	Agents       int
	PublicAgents int
	// Variant is recorded on every node and cannot change afterwards, so it
	// must already be resolved (see installer.ResolveVariant).
	Variant platform.Variant
	// WorkspaceBase is the directory the cluster workspace is created in.
	WorkspaceBase string
	// KeepNodes leaves the nodes running when Run returns.
	KeepNodes   bool
	ExtraLabels map[string]string
	Logger      *slog.Logger
}

// Cluster is a set of nodes created together on one backend.
type Cluster struct {
	id        string
	backend   backend.Backend
	variant   platform.Variant
	workspace *workspace.Dir
	nodes     *backend.Nodes

	log *slog.Logger
}

// Create provisions a new cluster. The workspace is removed again when the
// backend fails.
func Create(ctx context.Context, b backend.Backend, options Options) (*Cluster, error) {
	id := lo.Ternary(options.ClusterID != "", options.ClusterID, uuid.NewString())
	logger := lo.Ternary(options.Logger != nil, options.Logger, slog.Default()).With("cluster", id)

	if err := registry.ValidateClusterID(id); err != nil {
		return nil, err
	}
	if options.Masters < 1 {
		return nil, fmt.Errorf("a cluster needs at least one master")
	}
	if options.Agents < 0 || options.PublicAgents < 0 {
		return nil, fmt.Errorf("node counts cannot be negative")
	}
	if !options.Variant.Resolved() {
		return nil, fmt.Errorf("cluster variant must be %s or %s, got '%s'", platform.Community, platform.Enterprise, options.Variant)
	}
	if err := registry.RequireUnique(ctx, b, id); err != nil {
		return nil, err
	}

	ws, err := workspace.New(options.WorkspaceBase)
	if err != nil {
		return nil, err
	}

	pair, err := keys.WriteInto(ws.HostPath(backend.SSHDir))
	if err != nil {
		_ = ws.Remove()
		return nil, err
	}

	logger.Info("Creating cluster", "backend", b.Kind(), "masters", options.Masters, "agents", options.Agents, "publicAgents", options.PublicAgents)
	nodes, err := b.Create(ctx, backend.Spec{
		Masters:      options.Masters,
		Agents:       options.Agents,
		PublicAgents: options.PublicAgents,
		Labels: backend.ClusterLabels{
			ClusterID:    id,
			WorkspaceDir: ws.Root(),
			Variant:      options.Variant,
			Extra:        maps.Clone(options.ExtraLabels),
		},
		PublicKeyPath:  pair.PublicKeyPath,
		PrivateKeyPath: pair.PrivateKeyPath,
	})
	if err != nil {
		if removeErr := ws.Remove(); removeErr != nil {
			logger.Warn("Failed to remove workspace", "workspace", ws.Root(), "error", removeErr)
		}
		return nil, fmt.Errorf("failed to create cluster '%s': %w", id, err)
	}

	return &Cluster{
		id:        id,
		backend:   b,
		variant:   options.Variant,
		workspace: ws,
		nodes:     nodes,
		log:       logger,
	}, nil
}

// Run creates a cluster, calls fn with it and destroys the cluster however fn
// exits, unless options.KeepNodes is set. A panic in fn is re-raised after
// the cluster is destroyed.
func Run(ctx context.Context, b backend.Backend, options Options, fn func(ctx context.Context, c *Cluster) error) (err error) {
	c, err := Create(ctx, b, options)
	if err != nil {
		return err
	}

	defer func() {
		recovered := recover()
		if options.KeepNodes {
			c.log.Info("Keeping cluster nodes", "workspace", c.WorkspaceDir())
			c.Close()
		} else if destroyErr := c.Destroy(context.WithoutCancel(ctx)); destroyErr != nil {
			err = errors.Join(err, destroyErr)
		}
		if recovered != nil {
			panic(recovered)
		}
	}()

	return fn(ctx, c)
}

// FromNodes wraps nodes that already exist. Nothing is created.
func FromNodes(id string, b backend.Backend, variant platform.Variant, workspaceDir string, nodes *backend.Nodes) *Cluster {
	c := &Cluster{
		id:      id,
		backend: b,
		variant: variant,
		nodes:   nodes,
		log:     slog.Default().With("cluster", id),
	}
	if workspaceDir != "" {
		c.workspace = workspace.Open(workspaceDir)
	}
	nodes.Sort()
	return c
}

// Discover rebuilds an existing cluster from the labels of its nodes.
func Discover(ctx context.Context, b backend.Backend, id string) (*Cluster, error) {
	if err := registry.RequireExists(ctx, b, id); err != nil {
		return nil, err
	}

	nodes, labels, err := b.ClusterNodes(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to discover nodes of cluster '%s': %w", id, err)
	}
	variant, err := labels.Variant()
	if err != nil {
		return nil, fmt.Errorf("cluster '%s': %w", id, err)
	}
	return FromNodes(id, b, variant, labels.WorkspaceDir(), nodes), nil
}

func (c *Cluster) ID() string                 { return c.id }
func (c *Cluster) Backend() backend.Backend   { return c.backend }
func (c *Cluster) Variant() platform.Variant  { return c.variant }
func (c *Cluster) Masters() []*node.Node      { return c.nodes.Masters }
func (c *Cluster) Agents() []*node.Node       { return c.nodes.Agents }
func (c *Cluster) PublicAgents() []*node.Node { return c.nodes.PublicAgents }
func (c *Cluster) Nodes() []*node.Node        { return c.nodes.All() }

// Workspace is nil for clusters wrapped without a workspace directory.
func (c *Cluster) Workspace() workspace.FS {
	if c.workspace == nil {
		return nil
	}
	return c.workspace
}

func (c *Cluster) WorkspaceDir() string {
	if c.workspace == nil {
		return ""
	}
	return c.workspace.Root()
}

// SetVariant records the variant once the installer resolved it.
func (c *Cluster) SetVariant(variant platform.Variant) {
	c.variant = variant
}

// Close releases node connections without touching the nodes.
func (c *Cluster) Close() {
	for _, n := range c.nodes.All() {
		if err := n.Close(); err != nil {
			c.log.Debug("Failed to close node connection", "node", n, "error", err)
		}
	}
}

// Destroy removes every node of the cluster and its workspace.
func (c *Cluster) Destroy(ctx context.Context) error {
	c.log.Info("Destroying cluster")
	c.Close()

	if err := c.backend.Destroy(ctx, c.id); err != nil {
		return fmt.Errorf("failed to destroy cluster '%s': %w", c.id, err)
	}
	if c.workspace != nil {
		if err := c.workspace.Remove(); err != nil {
			return fmt.Errorf("failed to remove workspace of cluster '%s': %w", c.id, err)
		}
	}
	return nil
}
