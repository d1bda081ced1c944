package integration

import (
	"maps"
	"net/netip"
	"strings"

	"github.com/gammadia/minidcos/cluster"
	"github.com/gammadia/minidcos/node"
	"github.com/gammadia/minidcos/platform"
	"github.com/samber/lo"
)

// Login environment read by the integration tests and the DC/OS CLI.
const (
	LoginUsernameEnv = "DCOS_LOGIN_UNAME"
	LoginPasswordEnv = "DCOS_LOGIN_PW"
)

const environmentExport = "/opt/mesosphere/environment.export"

// LoginEnvironment holds the superuser credentials commands log in with.
func LoginEnvironment(username, password string) map[string]string {
	return map[string]string{
		LoginUsernameEnv: username,
		LoginPasswordEnv: password,
	}
}

// Environment is what the integration tests expect to find when they run
// on host.
func Environment(c *cluster.Cluster, host *node.Node) map[string]string {
	return map[string]string{
		"MASTER_HOSTS":            hosts(c.Masters()),
		"SLAVE_HOSTS":             hosts(c.Agents()),
		"PUBLIC_SLAVE_HOSTS":      hosts(c.PublicAgents()),
		"DCOS_DNS_ADDRESS":        "http://" + addressOf(host).String(),
		"DCOS_ENTERPRISE":         lo.Ternary(c.Variant() == platform.Enterprise, "true", "false"),
		"PYTHONUNBUFFERED":        "true",
		"PYTHONDONTWRITEBYTECODE": "true",
	}
}

// Command runs args from the integration test directory, with the DC/OS
// environment sourced. It must run through a shell.
func Command(args []string) []string {
	return append([]string{"source", environmentExport, "&&", "cd", NodeTestDir, "&&"}, args...)
}

// MergeEnv layers environments, later ones winning.
func MergeEnv(envs ...map[string]string) map[string]string {
	merged := map[string]string{}
	for _, env := range envs {
		maps.Copy(merged, env)
	}
	return merged
}

func hosts(nodes []*node.Node) string {
	return strings.Join(lo.Map(nodes, func(n *node.Node, _ int) string { return addressOf(n).String() }), ",")
}

func addressOf(n *node.Node) netip.Addr {
	return lo.Ternary(n.PrivateAddress().IsValid(), n.PrivateAddress(), n.PublicAddress())
}
