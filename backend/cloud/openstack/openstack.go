package openstack

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"sort"
	"time"

	"github.com/gammadia/minidcos/backend/cloud"
	"github.com/gophercloud/gophercloud"
	"github.com/gophercloud/gophercloud/openstack"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/extensions/keypairs"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/servers"
	"github.com/samber/lo"
)

type Config struct {
	Image          string
	Flavor         string
	Networks       []servers.Network
	SecurityGroups []string
	// WaitTimeout bounds the wait for a server to become ACTIVE.
	WaitTimeout time.Duration
}

// Compute drives OpenStack servers.
type Compute struct {
	client *gophercloud.ServiceClient
	config Config
}

// Compute implements cloud.Compute
var _ cloud.Compute = (*Compute)(nil)

// New authenticates with the OS_* environment variables.
func New(config Config) (*Compute, error) {
	opts, err := openstack.AuthOptionsFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to get auth options from env: %w", err)
	}

	provider, err := openstack.AuthenticatedClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to get authenticated client: %w", err)
	}

	client, err := openstack.NewComputeV2(provider, gophercloud.EndpointOpts{
		Region: os.Getenv("OS_REGION_NAME"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get compute client: %w", err)
	}

	return NewWithClient(client, config), nil
}

func NewWithClient(client *gophercloud.ServiceClient, config Config) *Compute {
	config.WaitTimeout = lo.Ternary(config.WaitTimeout > 0, config.WaitTimeout, 5*time.Minute)
	return &Compute{client: client, config: config}
}

func (c *Compute) Provider() string {
	return "openstack"
}

func (c *Compute) ImportKey(_ context.Context, name, authorizedKey string) error {
	_, err := keypairs.Create(c.client, keypairs.CreateOpts{Name: name, PublicKey: authorizedKey}).Extract()
	return err
}

func (c *Compute) DeleteKey(_ context.Context, name string) error {
	err := keypairs.Delete(c.client, name, nil).ExtractErr()
	if isNotFound(err) {
		return nil
	}
	return err
}

func (c *Compute) Launch(_ context.Context, options cloud.LaunchOptions) (cloud.Instance, error) {
	server, err := servers.Create(c.client, keypairs.CreateOptsExt{
		CreateOptsBuilder: servers.CreateOpts{
			Name:           options.Name,
			ImageRef:       c.config.Image,
			FlavorRef:      c.config.Flavor,
			Networks:       c.config.Networks,
			SecurityGroups: c.config.SecurityGroups,
			Metadata:       options.Tags,
		},
		KeyName: options.KeyName,
	}).Extract()
	if err != nil {
		return cloud.Instance{}, fmt.Errorf("failed to create server '%s': %w", options.Name, err)
	}

	if err := servers.WaitForStatus(c.client, server.ID, "ACTIVE", int(c.config.WaitTimeout.Seconds())); err != nil {
		return cloud.Instance{}, fmt.Errorf("failed while waiting for server '%s' to become ready after %s: %w", options.Name, c.config.WaitTimeout, err)
	}

	server, err = servers.Get(c.client, server.ID).Extract()
	if err != nil {
		return cloud.Instance{}, fmt.Errorf("failed to get server '%s': %w", options.Name, err)
	}
	return toInstance(*server)
}

func (c *Compute) List(_ context.Context, key, value string) ([]cloud.Instance, error) {
	pages, err := servers.List(c.client, servers.ListOpts{}).AllPages()
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}
	all, err := servers.ExtractServers(pages)
	if err != nil {
		return nil, fmt.Errorf("failed to extract servers: %w", err)
	}

	var instances []cloud.Instance
	for _, server := range all {
		actual, ok := server.Metadata[key]
		if !ok || (value != "" && actual != value) || server.Status == "DELETED" || server.Status == "SOFT_DELETED" {
			continue
		}
		instance, err := toInstance(server)
		if err != nil {
			return nil, err
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

func (c *Compute) Terminate(_ context.Context, instances []cloud.Instance) error {
	var errs []error
	for _, instance := range instances {
		if err := servers.Delete(c.client, instance.ID).ExtractErr(); err != nil && !isNotFound(err) {
			errs = append(errs, fmt.Errorf("failed to delete server '%s': %w", instance.Name, err))
		}
	}
	return errors.Join(errs...)
}

func toInstance(server servers.Server) (cloud.Instance, error) {
	fixed, floating, err := addresses(server.Addresses)
	if err != nil {
		return cloud.Instance{}, fmt.Errorf("server '%s': %w", server.Name, err)
	}
	if !fixed.IsValid() {
		return cloud.Instance{}, fmt.Errorf("failed to find IPv4 address for server '%s'", server.Name)
	}

	return cloud.Instance{
		ID:             server.ID,
		Name:           server.Name,
		PublicAddress:  lo.Ternary(floating.IsValid(), floating, fixed),
		PrivateAddress: fixed,
		Tags:           server.Metadata,
	}, nil
}

// addresses picks the first fixed and floating IPv4 address of a server,
// visiting networks by name.
func addresses(networks map[string]any) (fixed, floating netip.Addr, err error) {
	names := lo.Keys(networks)
	sort.Strings(names)

	for _, name := range names {
		entries, _ := networks[name].([]any)
		for _, entry := range entries {
			address, _ := entry.(map[string]any)
			if version, _ := address["version"].(float64); version != 4 {
				continue
			}
			raw, _ := address["addr"].(string)
			addr, parseErr := netip.ParseAddr(raw)
			if parseErr != nil {
				return netip.Addr{}, netip.Addr{}, fmt.Errorf("invalid address '%s': %w", raw, parseErr)
			}

			if kind, _ := address["OS-EXT-IPS:type"].(string); kind == "floating" {
				if !floating.IsValid() {
					floating = addr
				}
			} else if !fixed.IsValid() {
				fixed = addr
			}
		}
	}
	return fixed, floating, nil
}

func isNotFound(err error) bool {
	var notFound gophercloud.ErrDefault404
	return errors.As(err, &notFound)
}
