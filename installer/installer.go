// Package installer installs DC/OS on the nodes of a cluster from a local
// installer script.
package installer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/gammadia/minidcos/backend"
	"github.com/gammadia/minidcos/cluster"
	"github.com/gammadia/minidcos/internal/workspace"
	"github.com/gammadia/minidcos/node"
	"github.com/gammadia/minidcos/platform"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

// Staging locations on the bootstrap node.
const (
	RemoteInstallerPath = "/dcos_generate_config.sh"
	RemoteConfigPath    = GenconfDir + "/config.yaml"
	RemoteIPDetectPath  = GenconfDir + "/ip-detect"
	remoteServeDir      = GenconfDir + "/serve"
	remoteServerPIDPath = GenconfDir + "/bootstrap-server.pid"
)

const DefaultBootstrapPort = 10080

// Options tune an installation.
type Options struct {
	// Variant of the installer. Auto inspects the installer first.
	Variant   platform.Variant
	Inspector Inspector
	// Security mode of an enterprise cluster, such as "strict". Empty keeps
	// the installer default.
	Security string
	// LicenseKeyPath is consulted when the configuration has no license.
	LicenseKeyPath string
	// Doctor is the command name offered when the installation fails.
	Doctor string
	// WorkspaceBase hosts scratch files for clusters without a workspace.
	WorkspaceBase string
	BootstrapPort int
	Logger        *slog.Logger
}

// InstallationError is returned when the installer exited with a non-zero
// code. The cluster has been destroyed by then.
type InstallationError struct {
	ReturnCode int
	Stdout     []byte
	Stderr     []byte
	Doctor     string
}

func (e *InstallationError) Error() string {
	return strings.TrimSpace(fmt.Sprintf("DC/OS installation failed with exit code %d. %s", e.ReturnCode, troubleshooting(e.Doctor)))
}

// InstallFromPath installs DC/OS from the installer at installerPath. The
// configuration is generated on the bootstrap node, the first master by
// private address, which then serves the install script to every node.
// genconfFiles with a relative remote path are placed inside GenconfDir.
func InstallFromPath(ctx context.Context, c *cluster.Cluster, installerPath string, config map[string]any, ipDetectPath string, genconfFiles []FileCopy, options Options) error {
	logger := lo.Ternary(options.Logger != nil, options.Logger, slog.Default()).With("cluster", c.ID())
	port := lo.Ternary(options.BootstrapPort > 0, options.BootstrapPort, DefaultBootstrapPort)
	if ipDetectPath == "" {
		ipDetectPath = c.Backend().IPDetectPath()
	}
	if len(c.Masters()) == 0 {
		return fmt.Errorf("cluster '%s' has no master to bootstrap from", c.ID())
	}

	variant, err := ResolveVariant(ctx, lo.Ternary(options.Variant != "", options.Variant, c.Variant()), installerPath, options.Inspector, options.WorkspaceBase, options.Doctor)
	if err != nil {
		return err
	}
	c.SetVariant(variant)

	license := ""
	if variant == platform.Enterprise {
		if license, _, err = ResolveLicense(config, options.LicenseKeyPath); err != nil {
			return err
		}
	}

	bootstrap := c.Masters()[0]
	bootstrapURL := fmt.Sprintf("http://%s:%d", addressOf(bootstrap), port)
	merged := MergeConfig(BaseConfig(c, bootstrapURL), variant, options.Security, license, config)

	logger.Info("Staging installer", "bootstrap", bootstrap, "variant", variant)
	if err := stage(ctx, c, bootstrap, installerPath, merged, ipDetectPath, genconfFiles, options.WorkspaceBase); err != nil {
		return err
	}

	installErr := install(ctx, c, bootstrap, port, logger)
	var commandErr *node.CommandExecutionError
	if !errors.As(installErr, &commandErr) {
		return installErr
	}

	logger.Error("DC/OS installation failed, destroying cluster", "code", commandErr.ReturnCode)
	failure := &InstallationError{
		ReturnCode: commandErr.ReturnCode,
		Stdout:     commandErr.Stdout,
		Stderr:     commandErr.Stderr,
		Doctor:     options.Doctor,
	}
	if err := c.Destroy(context.WithoutCancel(ctx)); err != nil {
		return errors.Join(failure, err)
	}
	return failure
}

// stage copies everything the installer reads onto the bootstrap node. The
// configuration is rendered in the cluster workspace first.
func stage(ctx context.Context, c *cluster.Cluster, bootstrap *node.Node, installerPath string, config map[string]any, ipDetectPath string, genconfFiles []FileCopy, workspaceBase string) error {
	rendered, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to render installer configuration: %w", err)
	}

	ws := c.Workspace()
	if ws == nil {
		scratch, err := workspace.New(workspaceBase)
		if err != nil {
			return err
		}
		defer func() { _ = scratch.Remove() }()
		ws = scratch
	}
	genconf := ws.Scope("genconf")
	if err := genconf.WriteFile("config.yaml", rendered, 0o644); err != nil {
		return err
	}

	files := []FileCopy{
		{Local: installerPath, Remote: RemoteInstallerPath},
		{Local: genconf.HostPath("config.yaml"), Remote: RemoteConfigPath},
		{Local: ipDetectPath, Remote: RemoteIPDetectPath},
	}
	for _, file := range genconfFiles {
		files = append(files, FileCopy{Local: file.Local, Remote: genconfRemote(file.Remote)})
	}
	return sendAll(ctx, bootstrap, files)
}

// install generates the node packages on the bootstrap node, serves them
// and runs the install script of every node concurrently.
func install(ctx context.Context, c *cluster.Cluster, bootstrap *node.Node, port int, logger *slog.Logger) error {
	logger.Info("Generating DC/OS configuration")
	_, err := bootstrap.RunAsRoot(ctx, []string{"cd", "/", "&&", "bash", path.Base(RemoteInstallerPath), "--genconf"}, node.RunOptions{Shell: true, LogOutputLive: true})
	if err != nil {
		return err
	}

	server, err := bootstrap.Popen(ctx, []string{serveCommand(port)}, node.PopenOptions{User: node.RootUser, Shell: true})
	if err != nil {
		return fmt.Errorf("failed to start bootstrap server: %w", err)
	}
	defer stopServer(context.WithoutCancel(ctx), bootstrap, server, logger)

	if err := awaitServer(ctx, bootstrap, server, port); err != nil {
		return err
	}

	installScript := fmt.Sprintf("http://%s:%d/dcos_install.sh", addressOf(bootstrap), port)
	type running struct {
		node    *node.Node
		process *node.Process
	}
	var processes []running
	for _, role := range backend.Roles {
		for _, n := range nodesOf(c, role) {
			logger.Info("Installing DC/OS", "node", n, "role", role)
			process, err := n.Popen(ctx, []string{
				"curl", "--fail", "--silent", "--show-error", "--retry", "30", "--retry-connrefused", "--retry-delay", "1",
				"--output", "/dcos_install.sh", installScript,
				"&&", "bash", "/dcos_install.sh", "--no-block-dcos-setup", installRole(role),
			}, node.PopenOptions{User: node.RootUser, Shell: true})
			if err != nil {
				return fmt.Errorf("failed to start DC/OS installation on node %s: %w", n, err)
			}
			processes = append(processes, running{node: n, process: process})
		}
	}

	var failures []error
	for _, r := range processes {
		if _, err := r.process.Wait(); err != nil {
			logger.Error("DC/OS installation failed on node", "node", r.node, "error", err)
			failures = append(failures, err)
		}
	}

	if code, exited := server.Poll(); exited {
		logger.Warn("Bootstrap server exited early", "code", code)
	}
	return errors.Join(failures...)
}

// serveCommand serves the generated packages with whichever python the
// bootstrap node has. The shell records its pid, which exec hands over to the
// server.
func serveCommand(port int) string {
	return fmt.Sprintf(
		"cd %s && echo $$ > %s && if command -v python3 >/dev/null 2>&1; then exec python3 -m http.server %d; else exec python -m SimpleHTTPServer %d; fi",
		remoteServeDir, remoteServerPIDPath, port, port,
	)
}

// awaitServer returns once the bootstrap server answers locally, so that no
// node install starts against a server that never came up.
func awaitServer(ctx context.Context, bootstrap *node.Node, server *node.Process, port int) error {
	_, err := bootstrap.RunAsRoot(ctx, []string{
		"curl", "--fail", "--silent", "--show-error", "--retry", "30", "--retry-connrefused", "--retry-delay", "1",
		"--output", "/dev/null", fmt.Sprintf("http://localhost:%d/dcos_install.sh", port),
	}, node.RunOptions{})
	if err == nil {
		return nil
	}
	if code, exited := server.Poll(); exited {
		return fmt.Errorf("bootstrap server exited with code %d: %w", code, err)
	}
	return fmt.Errorf("bootstrap server is not serving on port %d: %w", port, err)
}

func stopServer(ctx context.Context, bootstrap *node.Node, server *node.Process, logger *slog.Logger) {
	_, err := bootstrap.RunAsRoot(ctx, []string{"kill", "$(cat " + remoteServerPIDPath + ")", "&&", "rm", "-f", remoteServerPIDPath}, node.RunOptions{Shell: true})
	if err != nil {
		code, exited := server.Poll()
		logger.Warn("Failed to stop bootstrap server", "error", err, "exited", exited, "code", code)
	}
}

func nodesOf(c *cluster.Cluster, role backend.Role) []*node.Node {
	switch role {
	case backend.RoleMaster:
		return c.Masters()
	case backend.RoleAgent:
		return c.Agents()
	default:
		return c.PublicAgents()
	}
}

// installRole is the role argument of dcos_install.sh.
func installRole(role backend.Role) string {
	switch role {
	case backend.RoleAgent:
		return "slave"
	case backend.RolePublicAgent:
		return "slave_public"
	default:
		return "master"
	}
}
