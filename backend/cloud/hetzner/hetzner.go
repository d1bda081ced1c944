package hetzner

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/gammadia/minidcos/backend/cloud"
	"github.com/hetznercloud/hcloud-go/v2/hcloud"
	"github.com/samber/lo"
)

// ErrActionFailed indicates that a Hetzner action did not succeed.
var ErrActionFailed = errors.New("hetzner action failed")

type Config struct {
	Token      string
	ServerType string
	Image      string
	Location   string
	// ActionTimeout bounds the wait on each Hetzner action.
	ActionTimeout time.Duration
}

// Compute drives Hetzner Cloud servers.
type Compute struct {
	client *hcloud.Client
	config Config
}

// Compute implements cloud.Compute
var _ cloud.Compute = (*Compute)(nil)

func New(config Config) (*Compute, error) {
	if config.Token == "" {
		return nil, fmt.Errorf("a Hetzner Cloud API token is required")
	}
	return NewWithClient(hcloud.NewClient(hcloud.WithToken(config.Token)), config), nil
}

func NewWithClient(client *hcloud.Client, config Config) *Compute {
	config.ServerType = lo.Ternary(config.ServerType != "", config.ServerType, "cx42")
	config.Image = lo.Ternary(config.Image != "", config.Image, "centos-stream-9")
	config.Location = lo.Ternary(config.Location != "", config.Location, "fsn1")
	config.ActionTimeout = lo.Ternary(config.ActionTimeout > 0, config.ActionTimeout, 5*time.Minute)
	return &Compute{client: client, config: config}
}

func (c *Compute) Provider() string {
	return "hetzner"
}

func (c *Compute) ImportKey(ctx context.Context, name, authorizedKey string) error {
	_, _, err := c.client.SSHKey.Create(ctx, hcloud.SSHKeyCreateOpts{Name: name, PublicKey: authorizedKey})
	if err != nil {
		return fmt.Errorf("failed to create SSH key %s: %w", name, err)
	}
	return nil
}

func (c *Compute) DeleteKey(ctx context.Context, name string) error {
	key, _, err := c.client.SSHKey.GetByName(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to get SSH key %s: %w", name, err)
	}
	if key == nil {
		return nil
	}
	if _, err := c.client.SSHKey.Delete(ctx, key); err != nil && !hcloud.IsError(err, hcloud.ErrorCodeNotFound) {
		return fmt.Errorf("failed to delete SSH key %s: %w", name, err)
	}
	return nil
}

func (c *Compute) Launch(ctx context.Context, options cloud.LaunchOptions) (cloud.Instance, error) {
	key, _, err := c.client.SSHKey.GetByName(ctx, options.KeyName)
	if err != nil {
		return cloud.Instance{}, fmt.Errorf("failed to get SSH key %s: %w", options.KeyName, err)
	}
	if key == nil {
		return cloud.Instance{}, fmt.Errorf("SSH key %s does not exist", options.KeyName)
	}

	result, _, err := c.client.Server.Create(ctx, hcloud.ServerCreateOpts{
		Name:             options.Name,
		Labels:           encodeLabels(options.Tags),
		ServerType:       &hcloud.ServerType{Name: c.config.ServerType},
		Image:            &hcloud.Image{Name: c.config.Image},
		Location:         &hcloud.Location{Name: c.config.Location},
		SSHKeys:          []*hcloud.SSHKey{{ID: key.ID}},
		StartAfterCreate: hcloud.Ptr(true),
	})
	if err != nil {
		return cloud.Instance{}, fmt.Errorf("failed to create server %s: %w", options.Name, err)
	}

	for _, action := range append([]*hcloud.Action{result.Action}, result.NextActions...) {
		if err := c.waitForAction(ctx, action); err != nil {
			return cloud.Instance{}, fmt.Errorf("failed waiting for server %s creation: %w", options.Name, err)
		}
	}

	server, _, err := c.client.Server.GetByID(ctx, result.Server.ID)
	if err != nil {
		return cloud.Instance{}, fmt.Errorf("failed to get server %s: %w", options.Name, err)
	}
	if server == nil {
		return cloud.Instance{}, fmt.Errorf("server %s disappeared while starting", options.Name)
	}
	return toInstance(server)
}

func (c *Compute) List(ctx context.Context, key, value string) ([]cloud.Instance, error) {
	// Encoded values cannot be selected server side
	selector := key
	if value != "" {
		selector = ""
		if encoded := encodeLabels(map[string]string{key: value}); encoded[key] == value {
			selector = key + "=" + value
		}
	}

	servers, err := c.client.Server.AllWithOpts(ctx, hcloud.ServerListOpts{
		ListOpts: hcloud.ListOpts{LabelSelector: selector},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}

	var instances []cloud.Instance
	for _, server := range servers {
		instance, err := toInstance(server)
		if err != nil {
			return nil, err
		}
		if actual, ok := instance.Tags[key]; !ok || (value != "" && actual != value) {
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

func (c *Compute) Terminate(ctx context.Context, instances []cloud.Instance) error {
	var errs []error
	for _, instance := range instances {
		var id int64
		if _, err := fmt.Sscan(instance.ID, &id); err != nil {
			errs = append(errs, fmt.Errorf("invalid server id '%s': %w", instance.ID, err))
			continue
		}

		result, _, err := c.client.Server.DeleteWithResult(ctx, &hcloud.Server{ID: id})
		if hcloud.IsError(err, hcloud.ErrorCodeNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to delete server %s: %w", instance.Name, err))
			continue
		}
		if err := c.waitForAction(ctx, result.Action); err != nil {
			errs = append(errs, fmt.Errorf("failed waiting for server %s deletion: %w", instance.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Compute) waitForAction(ctx context.Context, action *hcloud.Action) error {
	if action == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.ActionTimeout)
	defer cancel()

	_, errChan := c.client.Action.WatchProgress(ctx, action)
	if err := <-errChan; err != nil {
		return fmt.Errorf("%w: %w", ErrActionFailed, err)
	}
	return nil
}

func toInstance(server *hcloud.Server) (cloud.Instance, error) {
	tags, err := decodeLabels(server.Labels)
	if err != nil {
		return cloud.Instance{}, fmt.Errorf("server %s: %w", server.Name, err)
	}

	public := toAddr(server.PublicNet.IPv4.IP)
	private := public
	for _, network := range server.PrivateNet {
		if addr := toAddr(network.IP); addr.IsValid() {
			private = addr
			break
		}
	}

	return cloud.Instance{
		ID:             fmt.Sprint(server.ID),
		Name:           server.Name,
		PublicAddress:  public,
		PrivateAddress: private,
		Tags:           tags,
	}, nil
}

func toAddr(ip net.IP) netip.Addr {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}
	}
	return addr.Unmap()
}
