package installer

import (
	"fmt"
	"maps"
	"net/netip"
	"os"
	"strings"

	"github.com/gammadia/minidcos/cluster"
	"github.com/gammadia/minidcos/node"
	"github.com/gammadia/minidcos/platform"
	"github.com/mitchellh/go-homedir"
	"github.com/samber/lo"
)

// LicenseKeyPathEnv names a file holding the enterprise license, used when
// neither the configuration nor the caller provide one.
const LicenseKeyPathEnv = "DCOS_LICENSE_KEY_PATH"

// Configuration keys with a special meaning to the orchestrator.
const (
	KeyLicense               = "license_key_contents"
	KeySecurity              = "security"
	KeySuperuserUsername     = "superuser_username"
	KeySuperuserPasswordHash = "superuser_password_hash"
	KeyFaultDomainEnabled    = "fault_domain_enabled"
)

const (
	DefaultSuperuserUsername = "admin"
	DefaultSuperuserPassword = "admin"
	// sha512-crypt of DefaultSuperuserPassword.
	defaultSuperuserPasswordHash = "$6$rounds=656000$5hVo9bKXfWRg1OCd$3X2U4hI6RYvKFqm6hXtEeqnH2xE3XUJYiiQ/ykKlDXUie/0B6cuCZEfLe.dN/7jF5mx/vSkoLE5d1Zno20Z7Q0"
)

// BaseConfig is the configuration every installation starts from: static
// master discovery over the private addresses of c.
func BaseConfig(c *cluster.Cluster, bootstrapURL string) map[string]any {
	addresses := func(nodes []*node.Node) []string {
		return lo.Map(nodes, func(n *node.Node, _ int) string { return addressOf(n).String() })
	}

	return map[string]any{
		"cluster_name":              "DCOS",
		"bootstrap_url":             bootstrapURL,
		"exhibitor_storage_backend": "static",
		"master_discovery":          "static",
		"resolvers":                 []string{"8.8.8.8"},
		"master_list":               addresses(c.Masters()),
		"agent_list":                addresses(c.Agents()),
		"public_agent_list":         addresses(c.PublicAgents()),
	}
}

// VariantDefaults returns the keys a variant needs on top of the base
// configuration.
func VariantDefaults(variant platform.Variant) map[string]any {
	if variant != platform.Enterprise {
		return map[string]any{}
	}
	return map[string]any{
		KeySuperuserUsername:     DefaultSuperuserUsername,
		KeySuperuserPasswordHash: defaultSuperuserPasswordHash,
		KeyFaultDomainEnabled:    false,
	}
}

// MergeConfig layers the configuration sources, later ones winning: base,
// variant defaults, security mode, license and finally the caller's own keys.
// Empty security and license values are left out.
func MergeConfig(base map[string]any, variant platform.Variant, security, license string, caller map[string]any) map[string]any {
	merged := maps.Clone(base)
	if merged == nil {
		merged = map[string]any{}
	}
	maps.Copy(merged, VariantDefaults(variant))
	if security != "" {
		merged[KeySecurity] = security
	}
	if license != "" {
		merged[KeyLicense] = license
	}
	maps.Copy(merged, caller)
	return merged
}

// ResolveLicense finds the license content. The first source that is set
// wins: the license key of config, the file at path, the file named by
// LicenseKeyPathEnv. ok is false when none is set.
func ResolveLicense(config map[string]any, path string) (license string, ok bool, err error) {
	if value, found := config[KeyLicense]; found {
		return fmt.Sprint(value), true, nil
	}

	if path == "" {
		path = os.Getenv(LicenseKeyPathEnv)
	}
	if path == "" {
		return "", false, nil
	}

	path, err = homedir.Expand(path)
	if err != nil {
		return "", false, fmt.Errorf("failed to expand license path: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false, fmt.Errorf("failed to read license key: %w", err)
	}
	return strings.TrimSpace(string(data)), true, nil
}

func addressOf(n *node.Node) netip.Addr {
	return lo.Ternary(n.PrivateAddress().IsValid(), n.PrivateAddress(), n.PublicAddress())
}
