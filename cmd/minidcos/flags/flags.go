package flags

import (
	"strings"

	"github.com/samber/lo"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	LogFormat = "log-format"
	LogLevel  = "log-level"
	LogSource = "log-source"
	Verbose   = "verbose"

	// Cluster
	ClusterID     = "cluster-id"
	Masters       = "masters"
	Agents        = "agents"
	PublicAgents  = "public-agents"
	Variant       = "variant"
	WorkspaceDir  = "workspace-dir"
	ExtraConfig   = "extra-config"
	LicenseKey    = "license-key"
	SecurityMode  = "security-mode"
	GenconfDir    = "genconf-dir"
	CopyToMaster  = "copy-to-master"
	WaitForDCOS   = "wait-for-dcos"
	Transport     = "transport"
	Node          = "node"
	SkipHTTPCheck = "skip-http-checks"
	Username      = "superuser-username"
	Password      = "superuser-password"
	WaitTimeout   = "wait-timeout"
	Env           = "env"
	User          = "user"
	Shell         = "shell"
	Output        = "output"
	SyncDir       = "sync-dir"
	TestEnv       = "test-env"
	LoginUsername = "dcos-login-uname"
	LoginPassword = "dcos-login-pw"

	// Docker
	DockerImage              = "docker-image"
	DockerNetwork            = "network"
	DockerVolume             = "custom-volume"
	DockerMasterVolume       = "custom-master-volume"
	DockerAgentVolume        = "custom-agent-volume"
	DockerPublicAgentVolume  = "custom-public-agent-volume"
	DockerOneMasterPortMap   = "one-master-host-port-map"
	DockerContainerNamespace = "container-name-prefix"

	// Cloud
	LinuxDistribution = "linux-distribution"
	SSHUser           = "ssh-user"
	CustomTag         = "custom-tag"
	EnableSELinux     = "enable-selinux-enforcing"

	AWSRegion         = "aws-region"
	AWSAMI            = "aws-ami"
	AWSInstanceType   = "aws-instance-type"
	AWSSubnet         = "aws-subnet-id"
	AWSSecurityGroups = "aws-security-groups"

	OpenstackImage          = "openstack-image"
	OpenstackFlavor         = "openstack-flavor"
	OpenstackNetworks       = "openstack-networks"
	OpenstackSecurityGroups = "openstack-security-groups"

	HetznerToken      = "hetzner-token"
	HetznerServerType = "hetzner-server-type"
	HetznerImage      = "hetzner-image"
	HetznerLocation   = "hetzner-location"

	// Vagrant
	VagrantBox        = "vagrant-box"
	VagrantBoxVersion = "vagrant-box-version"
	VagrantMemory     = "vagrant-memory"
	VagrantCPUs       = "vagrant-cpus"
)

// AddLogging declares the logging flags shared by every command.
func AddLogging(flags *flag.FlagSet) {
	flags.String(LogFormat, "text", "log format (json, text)")
	flags.String(LogLevel, "WARN", "minimum log level")
	flags.Bool(LogSource, false, "add source code location to logs")
	flags.BoolP(Verbose, "v", false, "log at debug level, including remote command output")
}

// Bind makes the flags of the running command readable through viper, which
// also looks them up as MINIDCOS_* environment variables.
func Bind(flags *flag.FlagSet) {
	viper.SetEnvPrefix("minidcos")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	lo.Must0(viper.BindPFlags(flags))
}
