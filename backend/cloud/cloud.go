package cloud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/netip"
	"sync"

	"github.com/gammadia/minidcos/backend"
	"github.com/gammadia/minidcos/keys"
	"github.com/gammadia/minidcos/namegen"
	"github.com/gammadia/minidcos/node"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

// Instance is a virtual machine as reported by a compute driver.
type Instance struct {
	ID             string
	Name           string
	PublicAddress  netip.Addr
	PrivateAddress netip.Addr
	Tags           map[string]string
}

type LaunchOptions struct {
	Name    string
	KeyName string
	Tags    map[string]string
}

// Compute is the provider specific part of the cloud backend.
type Compute interface {
	Provider() string
	ImportKey(ctx context.Context, name, authorizedKey string) error
	// DeleteKey removes a key pair. A missing key is not an error.
	DeleteKey(ctx context.Context, name string) error
	// Launch starts one instance carrying tags and waits until it has addresses.
	Launch(ctx context.Context, options LaunchOptions) (Instance, error)
	// List returns live instances tagged with key, with any value when value is empty.
	List(ctx context.Context, key, value string) ([]Instance, error)
	Terminate(ctx context.Context, instances []Instance) error
}

type Distribution string

const (
	CentOS7    Distribution = "centos-7"
	CoreOS     Distribution = "coreos"
	Ubuntu1604 Distribution = "ubuntu-16.04"
	RHEL7      Distribution = "rhel-7"
)

// DefaultSSHUser is the login user of the stock images of a distribution.
func DefaultSSHUser(distribution Distribution) (string, error) {
	switch distribution {
	case CentOS7:
		return "centos", nil
	case CoreOS:
		return "core", nil
	case Ubuntu1604:
		return "ubuntu", nil
	case RHEL7:
		return "ec2-user", nil
	default:
		return "", fmt.Errorf("unsupported linux distribution '%s'", distribution)
	}
}

type Config struct {
	Compute      Compute
	Distribution Distribution
	// SSHUser overrides the distribution login user.
	SSHUser string
	// Tags are added to every instance besides the cluster labels.
	Tags          map[string]string
	EnableSELinux bool

	IPDetectDir string
	Logger      *slog.Logger
}

// Backend runs cluster nodes as cloud instances reached over SSH.
type Backend struct {
	compute      Compute
	config       Config
	sshUser      string
	ipDetectPath string
	log          *slog.Logger
}

// Backend implements backend.Backend
var _ backend.Backend = (*Backend)(nil)

func New(config Config) (*Backend, error) {
	if config.Compute == nil {
		return nil, fmt.Errorf("a compute driver is required")
	}

	sshUser := config.SSHUser
	if sshUser == "" {
		var err error
		if sshUser, err = DefaultSSHUser(lo.Ternary(config.Distribution != "", config.Distribution, CentOS7)); err != nil {
			return nil, err
		}
	}

	ipDetectPath, err := backend.WriteIPDetect(backend.KindCloud, config.IPDetectDir)
	if err != nil {
		return nil, err
	}

	logger := lo.Ternary(config.Logger != nil, config.Logger, slog.Default())
	return &Backend{
		compute:      config.Compute,
		config:       config,
		sshUser:      sshUser,
		ipDetectPath: ipDetectPath,
		log:          logger.With("backend", backend.KindCloud, "provider", config.Compute.Provider()),
	}, nil
}

func (b *Backend) Kind() backend.Kind {
	return backend.KindCloud
}

func (b *Backend) IPDetectPath() string {
	return b.ipDetectPath
}

func (b *Backend) Provider() string {
	return b.compute.Provider()
}

func (b *Backend) Create(ctx context.Context, spec backend.Spec) (nodes *backend.Nodes, err error) {
	clusterID := spec.Labels.ClusterID
	log := b.log.With("cluster", clusterID)

	authorizedKey, err := keys.AuthorizedKey(spec.PublicKeyPath)
	if err != nil {
		return nil, err
	}

	keyName := namegen.Name("dcos-e2e", clusterID)
	if err := b.compute.ImportKey(ctx, keyName, authorizedKey); err != nil {
		return nil, fmt.Errorf("failed to import key pair '%s': %w", keyName, err)
	}

	defer func() {
		if err != nil {
			log.Warn("Cluster creation failed, terminating created instances", "error", err)
			cleanupCtx := context.WithoutCancel(ctx)
			tryTo(log, "destroy cluster", func() error { return b.Destroy(cleanupCtx, clusterID) })
			tryTo(log, "delete key pair", func() error { return b.compute.DeleteKey(cleanupCtx, keyName) })
		}
	}()

	nodes = &backend.Nodes{}
	var mutex sync.Mutex

	group, groupCtx := errgroup.WithContext(ctx)
	for _, role := range backend.Roles {
		for i := 0; i < spec.Count(role); i++ {
			tags := maps.Clone(b.config.Tags)
			if tags == nil {
				tags = map[string]string{}
			}
			maps.Copy(tags, spec.Labels.ForRole(role))
			tags[backend.LabelSSHUser] = b.sshUser
			tags[backend.LabelKeyName] = keyName

			options := LaunchOptions{
				Name:    fmt.Sprintf("dcos-e2e-%s-%s-%d", clusterID, role, i),
				KeyName: keyName,
				Tags:    tags,
			}
			group.Go(func() error {
				instance, err := b.compute.Launch(groupCtx, options)
				if err != nil {
					return fmt.Errorf("failed to launch instance '%s': %w", options.Name, err)
				}
				n := b.newNode(instance, b.sshUser, spec.PrivateKeyPath)
				if b.config.EnableSELinux {
					if _, err := n.RunAsRoot(groupCtx, []string{"setenforce", "1"}, node.RunOptions{}); err != nil {
						return fmt.Errorf("failed to enable SELinux enforcing on '%s': %w", options.Name, err)
					}
				}

				mutex.Lock()
				defer mutex.Unlock()
				nodes.Add(role, n)
				return nil
			})
		}
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	nodes.Sort()
	log.Info("Launched cluster instances", "masters", spec.Masters, "agents", spec.Agents, "publicAgents", spec.PublicAgents)
	return nodes, nil
}

func (b *Backend) newNode(instance Instance, sshUser, privateKeyPath string) *node.Node {
	address := lo.Ternary(instance.PublicAddress.IsValid(), instance.PublicAddress, instance.PrivateAddress)
	return node.New(node.Config{
		Name:           instance.Name,
		PublicAddress:  instance.PublicAddress,
		PrivateAddress: instance.PrivateAddress,
		DefaultUser:    sshUser,
		SSHKeyPath:     privateKeyPath,
		Transport: node.NewSSHTransport(node.SSHConfig{
			Address:        address.String(),
			User:           sshUser,
			PrivateKeyPath: privateKeyPath,
			Logger:         b.log,
		}),
		Logger: b.log,
	})
}

func (b *Backend) Destroy(ctx context.Context, clusterID string) error {
	instances, err := b.compute.List(ctx, backend.LabelClusterID, clusterID)
	if err != nil {
		return fmt.Errorf("failed to list instances of cluster '%s': %w", clusterID, err)
	}
	if len(instances) == 0 {
		return nil
	}

	if err := b.compute.Terminate(ctx, instances); err != nil {
		return fmt.Errorf("failed to terminate instances of cluster '%s': %w", clusterID, err)
	}

	var errs []error
	keyNames := lo.Uniq(lo.FilterMap(instances, func(i Instance, _ int) (string, bool) {
		return i.Tags[backend.LabelKeyName], i.Tags[backend.LabelKeyName] != ""
	}))
	for _, keyName := range keyNames {
		if err := b.compute.DeleteKey(ctx, keyName); err != nil {
			errs = append(errs, fmt.Errorf("failed to delete key pair '%s': %w", keyName, err))
		}
	}

	b.log.Info("Terminated cluster instances", "cluster", clusterID, "count", len(instances))
	return errors.Join(errs...)
}

func (b *Backend) ClusterNodes(ctx context.Context, clusterID string) (*backend.Nodes, backend.Labels, error) {
	instances, err := b.compute.List(ctx, backend.LabelClusterID, clusterID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list instances of cluster '%s': %w", clusterID, err)
	}

	nodes := &backend.Nodes{}
	var picker backend.LabelPicker
	for _, instance := range instances {
		instanceLabels := backend.Labels(instance.Tags)
		role, err := instanceLabels.Role()
		if err != nil {
			return nil, nil, fmt.Errorf("instance '%s': %w", instance.ID, err)
		}
		sshUser := lo.Ternary(instance.Tags[backend.LabelSSHUser] != "", instance.Tags[backend.LabelSSHUser], b.sshUser)

		nodes.Add(role, b.newNode(instance, sshUser, instanceLabels.PrivateKeyPath()))
		picker.Offer(role, instanceLabels)
	}
	nodes.Sort()
	return nodes, picker.Labels(), nil
}

func (b *Backend) NodeLabels(ctx context.Context) ([]backend.Labels, error) {
	instances, err := b.compute.List(ctx, backend.LabelClusterID, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	return lo.Map(instances, func(i Instance, _ int) backend.Labels {
		return backend.Labels(i.Tags)
	}), nil
}

func tryTo(log *slog.Logger, what string, fn func() error) {
	if err := fn(); err != nil {
		log.Error("Failed to "+what, "error", err)
	}
}
