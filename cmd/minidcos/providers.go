package main

import (
	"context"
	"os"
	"strings"

	"github.com/docker/docker/api/types/mount"
	"github.com/docker/go-connections/nat"
	"github.com/gammadia/minidcos/backend"
	"github.com/gammadia/minidcos/backend/cloud"
	"github.com/gammadia/minidcos/backend/cloud/ec2"
	"github.com/gammadia/minidcos/backend/cloud/hetzner"
	"github.com/gammadia/minidcos/backend/cloud/openstack"
	"github.com/gammadia/minidcos/backend/docker"
	"github.com/gammadia/minidcos/backend/vagrant"
	"github.com/gammadia/minidcos/cmd/minidcos/flags"
	"github.com/gammadia/minidcos/cmd/minidcos/log"
	"github.com/gammadia/minidcos/doctor"
	"github.com/gammadia/minidcos/node"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/servers"
	"github.com/samber/lo"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// provider is one backend command group.
type provider struct {
	name     string
	short    string
	addFlags func(fs *flag.FlagSet)
	open     func(ctx context.Context) (backend.Backend, error)
	checks   func(ctx context.Context) []doctor.Check
}

var providers = []*provider{
	{
		name:  "docker",
		short: "Manage DC/OS clusters running in Docker containers",
		addFlags: func(fs *flag.FlagSet) {
			fs.String(flags.DockerImage, "mesosphere/dcos-e2e:centos-7", "image of the node containers, with systemd as entrypoint")
			fs.String(flags.DockerNetwork, "", "Docker network the containers are attached to (default bridge)")
			fs.String(flags.Transport, string(node.DockerExec), "how commands reach the nodes (docker-exec, ssh)")
			fs.String(flags.DockerContainerNamespace, "dcos-e2e", "prefix of every container name")
			fs.StringArray(flags.DockerVolume, nil, "bind mount on every node, as <host path>:<container path>[:ro]")
			fs.StringArray(flags.DockerMasterVolume, nil, "bind mount on master nodes")
			fs.StringArray(flags.DockerAgentVolume, nil, "bind mount on agent nodes")
			fs.StringArray(flags.DockerPublicAgentVolume, nil, "bind mount on public agent nodes")
			fs.StringArray(flags.DockerOneMasterPortMap, nil, "publish a port of one master, as <host port>:<container port>")
		},
		open: func(context.Context) (backend.Backend, error) {
			return openDocker()
		},
		checks: func(context.Context) []doctor.Check {
			checks := []doctor.Check{
				doctor.Binary("ssh", doctor.Warning, "to log in to nodes over SSH"),
			}
			if b, err := openDocker(); err == nil {
				checks = append(checks, doctor.DockerDaemon(b))
			} else {
				checks = append(checks, failedCheck("docker client", err))
			}
			return checks
		},
	},
	{
		name:  "aws",
		short: "Manage DC/OS clusters on AWS EC2",
		addFlags: func(fs *flag.FlagSet) {
			addCloudFlags(fs)
			fs.String(flags.AWSRegion, "", "AWS region (default from the AWS configuration)")
			fs.String(flags.AWSAMI, "", "AMI of the nodes, it must match --linux-distribution")
			fs.String(flags.AWSInstanceType, "m5.xlarge", "EC2 instance type")
			fs.String(flags.AWSSubnet, "", "subnet the instances are launched in")
			fs.StringSlice(flags.AWSSecurityGroups, nil, "security groups of the instances")
		},
		open: func(ctx context.Context) (backend.Backend, error) {
			compute, err := ec2.New(ctx, ec2.Config{
				Region:           viper.GetString(flags.AWSRegion),
				AMI:              viper.GetString(flags.AWSAMI),
				InstanceType:     viper.GetString(flags.AWSInstanceType),
				SubnetID:         viper.GetString(flags.AWSSubnet),
				SecurityGroupIDs: viper.GetStringSlice(flags.AWSSecurityGroups),
			})
			if err != nil {
				return nil, err
			}
			return openCloud(compute)
		},
		checks: func(context.Context) []doctor.Check {
			return []doctor.Check{
				doctor.AWSCredentials(viper.GetString(flags.AWSRegion)),
				doctor.Binary("ssh", doctor.Warning, "to log in to nodes over SSH"),
			}
		},
	},
	{
		name:  "openstack",
		short: "Manage DC/OS clusters on OpenStack",
		addFlags: func(fs *flag.FlagSet) {
			addCloudFlags(fs)
			fs.String(flags.OpenstackImage, "", "image of the nodes")
			fs.String(flags.OpenstackFlavor, "", "flavor of the nodes")
			fs.StringSlice(flags.OpenstackNetworks, nil, "networks attached to the nodes")
			fs.StringSlice(flags.OpenstackSecurityGroups, nil, "security groups of the nodes")
		},
		open: func(context.Context) (backend.Backend, error) {
			compute, err := openstack.New(openstack.Config{
				Image:  viper.GetString(flags.OpenstackImage),
				Flavor: viper.GetString(flags.OpenstackFlavor),
				Networks: lo.Map(viper.GetStringSlice(flags.OpenstackNetworks), func(network string, _ int) servers.Network {
					return servers.Network{UUID: network}
				}),
				SecurityGroups: viper.GetStringSlice(flags.OpenstackSecurityGroups),
			})
			if err != nil {
				return nil, err
			}
			return openCloud(compute)
		},
		checks: func(context.Context) []doctor.Check {
			return []doctor.Check{
				doctor.OpenStackCredentials(),
				doctor.Binary("ssh", doctor.Warning, "to log in to nodes over SSH"),
			}
		},
	},
	{
		name:  "hetzner",
		short: "Manage DC/OS clusters on Hetzner Cloud",
		addFlags: func(fs *flag.FlagSet) {
			addCloudFlags(fs)
			fs.String(flags.HetznerToken, os.Getenv("HCLOUD_TOKEN"), "Hetzner Cloud API token")
			fs.String(flags.HetznerServerType, "cx42", "server type of the nodes")
			fs.String(flags.HetznerImage, "centos-stream-9", "image of the nodes")
			fs.String(flags.HetznerLocation, "fsn1", "location of the nodes")
		},
		open: func(context.Context) (backend.Backend, error) {
			compute, err := hetzner.New(hetzner.Config{
				Token:      viper.GetString(flags.HetznerToken),
				ServerType: viper.GetString(flags.HetznerServerType),
				Image:      viper.GetString(flags.HetznerImage),
				Location:   viper.GetString(flags.HetznerLocation),
			})
			if err != nil {
				return nil, err
			}
			return openCloud(compute)
		},
		checks: func(context.Context) []doctor.Check {
			return []doctor.Check{
				doctor.HetznerCredentials(viper.GetString(flags.HetznerToken)),
				doctor.Binary("ssh", doctor.Warning, "to log in to nodes over SSH"),
			}
		},
	},
	{
		name:  "vagrant",
		short: "Manage DC/OS clusters on VirtualBox machines created by Vagrant",
		addFlags: func(fs *flag.FlagSet) {
			fs.String(flags.VagrantBox, "mesosphere/dcos-centos-virtualbox", "Vagrant box of the nodes")
			fs.String(flags.VagrantBoxVersion, "", "version of the Vagrant box")
			fs.Int(flags.VagrantMemory, 6144, "memory of each node in MiB")
			fs.Int(flags.VagrantCPUs, 2, "CPUs of each node")
		},
		open: func(context.Context) (backend.Backend, error) {
			return vagrant.New(vagrant.Config{
				Box:        viper.GetString(flags.VagrantBox),
				BoxVersion: viper.GetString(flags.VagrantBoxVersion),
				Memory:     viper.GetInt(flags.VagrantMemory),
				CPUs:       viper.GetInt(flags.VagrantCPUs),
				Logger:     log.With("backend", "vagrant"),
			})
		},
		checks: func(context.Context) []doctor.Check {
			return []doctor.Check{
				doctor.Binary("vagrant", doctor.Error, "to create the virtual machines"),
				doctor.Binary("VBoxManage", doctor.Error, "to discover the virtual machines"),
				doctor.VagrantPlugin(&vagrant.ExecRunner{Logger: log.Base}, "vagrant-vbguest", "to keep VirtualBox guest additions in sync"),
			}
		},
	},
}

func openDocker() (*docker.Backend, error) {
	transport, err := node.ParseTransportKind(viper.GetString(flags.Transport))
	if err != nil {
		return nil, err
	}

	mounts := map[string][]string{
		flags.DockerVolume:            viper.GetStringSlice(flags.DockerVolume),
		flags.DockerMasterVolume:      viper.GetStringSlice(flags.DockerMasterVolume),
		flags.DockerAgentVolume:       viper.GetStringSlice(flags.DockerAgentVolume),
		flags.DockerPublicAgentVolume: viper.GetStringSlice(flags.DockerPublicAgentVolume),
	}
	parsed := map[string][]mount.Mount{}
	for key, specs := range mounts {
		if parsed[key], err = docker.MountsFromSpecs(specs); err != nil {
			return nil, err
		}
	}

	_, ports, err := nat.ParsePortSpecs(viper.GetStringSlice(flags.DockerOneMasterPortMap))
	if err != nil {
		return nil, err
	}

	return docker.NewFromEnv(docker.Config{
		Image:      viper.GetString(flags.DockerImage),
		Network:    viper.GetString(flags.DockerNetwork),
		Transport:  transport,
		NamePrefix: viper.GetString(flags.DockerContainerNamespace),
		Mounts:     parsed[flags.DockerVolume],
		RoleMounts: map[backend.Role][]mount.Mount{
			backend.RoleMaster:      parsed[flags.DockerMasterVolume],
			backend.RoleAgent:       parsed[flags.DockerAgentVolume],
			backend.RolePublicAgent: parsed[flags.DockerPublicAgentVolume],
		},
		OneMasterHostPortMap: ports,
		Logger:               log.With("backend", "docker"),
	})
}

func addCloudFlags(fs *flag.FlagSet) {
	fs.String(flags.LinuxDistribution, string(cloud.CentOS7), "Linux distribution of the node image (centos-7, coreos, ubuntu-16.04, rhel-7)")
	fs.String(flags.SSHUser, "", "login user of the nodes (default depends on the distribution)")
	fs.StringArray(flags.CustomTag, nil, "tag added to every node, as <key>=<value>")
	fs.Bool(flags.EnableSELinux, false, "set SELinux to enforcing on every node")
}

func openCloud(compute cloud.Compute) (backend.Backend, error) {
	return cloud.New(cloud.Config{
		Compute:       compute,
		Distribution:  cloud.Distribution(viper.GetString(flags.LinuxDistribution)),
		SSHUser:       viper.GetString(flags.SSHUser),
		Tags:          keyValues(viper.GetStringSlice(flags.CustomTag)),
		EnableSELinux: viper.GetBool(flags.EnableSELinux),
		Logger:        log.With("backend", "cloud"),
	})
}

// keyValues parses "<key>=<value>" items.
func keyValues(items []string) map[string]string {
	return lo.SliceToMap(items, func(item string) (key, value string) { key, value, _ = strings.Cut(item, "="); return })
}

func failedCheck(name string, err error) doctor.Check {
	return doctor.Check{Name: name, Run: func(context.Context) doctor.Result { return doctor.Failed("%v", err) }}
}
