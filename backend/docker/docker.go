package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/alessio/shellescape"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/gammadia/minidcos/backend"
	"github.com/gammadia/minidcos/internal/retry"
	"github.com/gammadia/minidcos/keys"
	"github.com/gammadia/minidcos/namegen"
	"github.com/gammadia/minidcos/node"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

// DockerClient abstracts the Docker SDK methods used by the backend,
// enabling mock-based testing without a real Docker daemon.
type DockerClient interface {
	node.ExecClient

	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	Ping(ctx context.Context) (types.Ping, error)
}

type Config struct {
	Image string
	// Command replaces the image command. DC/OS node images run their init
	// and leave it empty.
	Command []string
	// Network the containers are attached to. Empty uses the default bridge.
	Network   string
	Transport node.TransportKind
	// NamePrefix starts every container name.
	NamePrefix string

	// Mounts are added to every container, RoleMounts to containers of one role.
	Mounts     []mount.Mount
	RoleMounts map[backend.Role][]mount.Mount
	// OneMasterHostPortMap publishes ports of the first master on the host.
	OneMasterHostPortMap nat.PortMap

	// IPDetectDir receives the bundled ip-detect script.
	IPDetectDir string
	Logger      *slog.Logger
}

// Backend runs cluster nodes as privileged containers.
type Backend struct {
	docker       DockerClient
	config       Config
	ipDetectPath string
	log          *slog.Logger
}

// Backend implements backend.Backend
var _ backend.Backend = (*Backend)(nil)

func New(docker DockerClient, config Config) (*Backend, error) {
	if config.Image == "" {
		return nil, fmt.Errorf("a node image is required")
	}
	config.Transport = lo.Ternary(config.Transport != "", config.Transport, node.DockerExec)
	config.NamePrefix = lo.Ternary(config.NamePrefix != "", config.NamePrefix, "dcos-e2e")

	ipDetectPath, err := backend.WriteIPDetect(backend.KindDocker, config.IPDetectDir)
	if err != nil {
		return nil, err
	}

	logger := lo.Ternary(config.Logger != nil, config.Logger, slog.Default())
	return &Backend{
		docker:       docker,
		config:       config,
		ipDetectPath: ipDetectPath,
		log:          logger.With("backend", backend.KindDocker),
	}, nil
}

// NewFromEnv connects to the Docker daemon configured by the DOCKER_* environment.
func NewFromEnv(config Config) (*Backend, error) {
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize docker client: %w", err)
	}
	return New(docker, config)
}

func (b *Backend) Kind() backend.Kind {
	return backend.KindDocker
}

func (b *Backend) IPDetectPath() string {
	return b.ipDetectPath
}

// Client exposes the Docker client, for diagnostics.
func (b *Backend) Client() DockerClient {
	return b.docker
}

func (b *Backend) Create(ctx context.Context, spec backend.Spec) (nodes *backend.Nodes, err error) {
	clusterID := spec.Labels.ClusterID
	log := b.log.With("cluster", clusterID)

	defer func() {
		if err != nil {
			log.Warn("Cluster creation failed, removing created containers", "error", err)
			if cleanupErr := b.Destroy(context.WithoutCancel(ctx), clusterID); cleanupErr != nil {
				log.Error("Failed to remove containers", "error", cleanupErr)
			}
		}
	}()

	if err := b.ensureImage(ctx); err != nil {
		return nil, err
	}

	authorizedKey, err := keys.AuthorizedKey(spec.PublicKeyPath)
	if err != nil {
		return nil, err
	}

	nodes = &backend.Nodes{}
	var mutex sync.Mutex

	group, groupCtx := errgroup.WithContext(ctx)
	for _, role := range backend.Roles {
		for i := 0; i < spec.Count(role); i++ {
			publishPorts := role == backend.RoleMaster && i == 0
			group.Go(func() error {
				n, err := b.createNode(groupCtx, spec, role, publishPorts, authorizedKey)
				if err != nil {
					return err
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
	log.Info("Created cluster containers", "masters", spec.Masters, "agents", spec.Agents, "publicAgents", spec.PublicAgents)
	return nodes, nil
}

func (b *Backend) createNode(ctx context.Context, spec backend.Spec, role backend.Role, publishPorts bool, authorizedKey string) (*node.Node, error) {
	name := namegen.Name(b.config.NamePrefix, spec.Labels.ClusterID, string(role))
	log := b.log.With("cluster", spec.Labels.ClusterID, "container", name)

	config := &container.Config{
		Image:    b.config.Image,
		Cmd:      b.config.Command,
		Hostname: name,
		Labels:   spec.Labels.ForRole(role),
	}
	hostConfig := &container.HostConfig{
		Privileged: true,
		Mounts:     slices.Concat(b.config.Mounts, b.config.RoleMounts[role]),
		Tmpfs: map[string]string{
			"/run": "rw,exec,nosuid,size=2097152k",
			"/tmp": "rw,exec,nosuid,size=2097152k",
		},
	}
	if publishPorts && len(b.config.OneMasterHostPortMap) > 0 {
		hostConfig.PortBindings = b.config.OneMasterHostPortMap
		config.ExposedPorts = nat.PortSet{}
		for port := range b.config.OneMasterHostPortMap {
			config.ExposedPorts[port] = struct{}{}
		}
	}
	var networking *network.NetworkingConfig
	if b.config.Network != "" {
		networking = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				b.config.Network: {},
			},
		}
	}

	resp, err := retry.RetryResult(ctx, 3, func() (container.CreateResponse, error) {
		return b.docker.ContainerCreate(ctx, config, hostConfig, networking, nil, name)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create docker container '%s': %w", name, err)
	}

	if err := retry.Retry(ctx, 3, func() error {
		return b.docker.ContainerStart(ctx, resp.ID, container.StartOptions{})
	}); err != nil {
		return nil, fmt.Errorf("failed to start docker container '%s': %w", name, err)
	}

	inspect, err := retry.RetryResult(ctx, 3, func() (container.InspectResponse, error) {
		return b.docker.ContainerInspect(ctx, resp.ID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to inspect docker container '%s': %w", name, err)
	}
	if inspect.NetworkSettings == nil {
		return nil, fmt.Errorf("docker container '%s' has no network settings", name)
	}
	address, err := b.address(inspect.NetworkSettings.Networks)
	if err != nil {
		return nil, fmt.Errorf("docker container '%s': %w", name, err)
	}

	// The key is authorized through docker exec, which needs no prior credentials
	bootstrap := node.New(node.Config{
		PrivateAddress: address,
		Transport:      node.NewDockerExecTransport(b.docker, resp.ID),
		Logger:         log,
	})
	authorize := []string{
		"mkdir -p /root/.ssh",
		"&& echo " + shellescape.Quote(authorizedKey) + " >> /root/.ssh/authorized_keys",
		"&& chmod 700 /root/.ssh && chmod 600 /root/.ssh/authorized_keys",
	}
	if _, err := bootstrap.RunAsRoot(ctx, authorize, node.RunOptions{}); err != nil {
		return nil, fmt.Errorf("failed to authorize SSH key on '%s': %w", name, err)
	}

	log.Debug("Container ready", "address", address)
	return b.newNode(name, resp.ID, address, spec.PrivateKeyPath), nil
}

func (b *Backend) newNode(name, containerID string, address netip.Addr, privateKeyPath string) *node.Node {
	var transport node.Transport = node.NewDockerExecTransport(b.docker, containerID)
	if b.config.Transport == node.SSH {
		transport = node.NewSSHTransport(node.SSHConfig{
			Address:        address.String(),
			User:           node.RootUser,
			PrivateKeyPath: privateKeyPath,
			Logger:         b.log,
		})
	}

	return node.New(node.Config{
		Name:           name,
		PublicAddress:  address,
		PrivateAddress: address,
		DefaultUser:    node.RootUser,
		SSHKeyPath:     privateKeyPath,
		Transport:      transport,
		Logger:         b.log,
	})
}

// address picks the container address on the configured network, or on the
// first network by name when none is configured.
func (b *Backend) address(networks map[string]*network.EndpointSettings) (netip.Addr, error) {
	names := lo.Keys(networks)
	sort.Strings(names)
	if b.config.Network != "" {
		names = []string{b.config.Network}
	}

	for _, name := range names {
		if settings := networks[name]; settings != nil && settings.IPAddress != "" {
			return backend.ParseAddr(settings.IPAddress)
		}
	}
	return netip.Addr{}, fmt.Errorf("no IPv4 address found")
}

func (b *Backend) ensureImage(ctx context.Context) error {
	list, err := retry.RetryResult(ctx, 3, func() ([]image.Summary, error) {
		return b.docker.ImageList(ctx, image.ListOptions{
			Filters: filters.NewArgs(filters.Arg("reference", b.config.Image)),
		})
	})
	if err != nil {
		return fmt.Errorf("failed to list docker images: %w", err)
	}
	if len(list) > 0 {
		b.log.Debug("Node image already present", "image", b.config.Image)
		return nil
	}

	b.log.Info("Pulling node image", "image", b.config.Image)
	reader, err := retry.RetryResult(ctx, 4, func() (io.ReadCloser, error) {
		return b.docker.ImagePull(ctx, b.config.Image, image.PullOptions{})
	})
	if err != nil {
		return fmt.Errorf("failed to pull docker image '%s': %w", b.config.Image, err)
	}
	defer reader.Close()
	_, _ = io.Copy(io.Discard, reader)
	return nil
}

func (b *Backend) containers(ctx context.Context, all bool, labelFilters ...string) ([]container.Summary, error) {
	args := filters.NewArgs()
	for _, f := range labelFilters {
		args.Add("label", f)
	}

	containers, err := retry.RetryResult(ctx, 3, func() ([]container.Summary, error) {
		return b.docker.ContainerList(ctx, container.ListOptions{All: all, Filters: args})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	return containers, nil
}

func (b *Backend) Destroy(ctx context.Context, clusterID string) error {
	containers, err := b.containers(ctx, true, backend.LabelClusterID+"="+clusterID)
	if err != nil {
		return err
	}

	var errs []error
	for _, c := range containers {
		if err := retry.Retry(ctx, 3, func() error {
			return b.docker.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})
		}); err != nil {
			errs = append(errs, fmt.Errorf("failed to remove container '%s': %w", c.ID, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to destroy cluster '%s': %w", clusterID, errors.Join(errs...))
	}

	if len(containers) > 0 {
		b.log.Info("Removed cluster containers", "cluster", clusterID, "count", len(containers))
	}
	return nil
}

func (b *Backend) ClusterNodes(ctx context.Context, clusterID string) (*backend.Nodes, backend.Labels, error) {
	containers, err := b.containers(ctx, false, backend.LabelClusterID+"="+clusterID)
	if err != nil {
		return nil, nil, err
	}

	nodes := &backend.Nodes{}
	var picker backend.LabelPicker
	for _, c := range containers {
		containerLabels := backend.Labels(c.Labels)
		role, err := containerLabels.Role()
		if err != nil {
			return nil, nil, fmt.Errorf("container '%s': %w", c.ID, err)
		}
		if c.NetworkSettings == nil {
			return nil, nil, fmt.Errorf("container '%s' has no network settings", c.ID)
		}
		address, err := b.address(c.NetworkSettings.Networks)
		if err != nil {
			return nil, nil, fmt.Errorf("container '%s': %w", c.ID, err)
		}

		name := strings.TrimPrefix(lo.FirstOr(c.Names, c.ID), "/")
		nodes.Add(role, b.newNode(name, c.ID, address, containerLabels.PrivateKeyPath()))
		picker.Offer(role, containerLabels)
	}
	nodes.Sort()
	return nodes, picker.Labels(), nil
}

func (b *Backend) NodeLabels(ctx context.Context) ([]backend.Labels, error) {
	containers, err := b.containers(ctx, true, backend.LabelClusterID)
	if err != nil {
		return nil, err
	}
	return lo.Map(containers, func(c container.Summary, _ int) backend.Labels {
		return backend.Labels(c.Labels)
	}), nil
}

// Ping checks that the Docker daemon answers.
func (b *Backend) Ping(ctx context.Context) error {
	_, err := b.docker.Ping(ctx)
	return err
}

// MountsFromSpecs parses docker style volume specifications
// ("source:target[:ro|rw]") into bind mounts.
func MountsFromSpecs(specs []string) ([]mount.Mount, error) {
	mounts := make([]mount.Mount, 0, len(specs))
	for _, spec := range specs {
		parts := strings.Split(spec, ":")
		if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid volume '%s', expected 'source:target[:ro|rw]'", spec)
		}
		mode := "rw"
		if len(parts) == 3 {
			mode = parts[2]
		}
		if mode != "rw" && mode != "ro" {
			return nil, fmt.Errorf("invalid volume '%s': unknown mode '%s', expected 'ro' or 'rw'", spec, mode)
		}
		source, err := filepath.Abs(parts[0])
		if err != nil {
			return nil, fmt.Errorf("invalid volume source '%s': %w", parts[0], err)
		}
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   source,
			Target:   parts[1],
			ReadOnly: mode == "ro",
		})
	}
	return mounts, nil
}
