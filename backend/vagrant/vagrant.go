package vagrant

import (
	"context"
	"embed"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"text/template"

	"github.com/alessio/shellescape"
	"github.com/gammadia/minidcos/backend"
	"github.com/gammadia/minidcos/keys"
	"github.com/gammadia/minidcos/node"
	sprig "github.com/go-task/slim-sprig/v3"
	"github.com/samber/lo"
)

const (
	// LoginUser is the account every box ships with.
	LoginUser = "vagrant"

	descriptionPrefix = "dcos_e2e:"
	addressProperty   = "/VirtualBox/GuestInfo/Net/1/V4/IP"
	vagrantDir        = "vagrant"
)

//go:embed templates/Vagrantfile.tmpl
var templates embed.FS

var vagrantfile = template.Must(template.New("Vagrantfile.tmpl").
	Funcs(sprig.TxtFuncMap()).
	Funcs(template.FuncMap{
		"json": func(v any) (string, error) {
			buf, err := json.Marshal(v)
			return string(buf), err
		},
	}).
	ParseFS(templates, "templates/Vagrantfile.tmpl"))

var vmLine = regexp.MustCompile(`^"(.*)" \{([0-9a-fA-F-]+)\}$`)

type Config struct {
	Box        string
	BoxVersion string
	// Memory is in MiB.
	Memory int
	CPUs   int

	Runner      Runner
	IPDetectDir string
	Logger      *slog.Logger
}

// Backend runs cluster nodes as VirtualBox machines managed by Vagrant.
// Cluster labels are stored in the VM description.
type Backend struct {
	runner       Runner
	config       Config
	ipDetectPath string
	log          *slog.Logger
}

// Backend implements backend.Backend
var _ backend.Backend = (*Backend)(nil)

func New(config Config) (*Backend, error) {
	config.Box = lo.Ternary(config.Box != "", config.Box, "mesosphere/dcos-centos-virtualbox")
	config.Memory = lo.Ternary(config.Memory > 0, config.Memory, 6144)
	config.CPUs = lo.Ternary(config.CPUs > 0, config.CPUs, 2)

	ipDetectPath, err := backend.WriteIPDetect(backend.KindVagrant, config.IPDetectDir)
	if err != nil {
		return nil, err
	}

	logger := lo.Ternary(config.Logger != nil, config.Logger, slog.Default()).With("backend", backend.KindVagrant)
	runner := config.Runner
	if runner == nil {
		runner = &ExecRunner{Logger: logger}
	}

	return &Backend{
		runner:       runner,
		config:       config,
		ipDetectPath: ipDetectPath,
		log:          logger,
	}, nil
}

func (b *Backend) Kind() backend.Kind {
	return backend.KindVagrant
}

func (b *Backend) IPDetectPath() string {
	return b.ipDetectPath
}

type machine struct {
	Name   string
	Labels backend.Labels
}

type vagrantfileData struct {
	ClusterID  string
	Box        string
	BoxVersion string
	Memory     int
	CPUs       int
	Provision  string
	Machines   []machine
}

func (b *Backend) Create(ctx context.Context, spec backend.Spec) (nodes *backend.Nodes, err error) {
	clusterID := spec.Labels.ClusterID
	log := b.log.With("cluster", clusterID)

	if spec.Labels.WorkspaceDir == "" {
		return nil, fmt.Errorf("a workspace directory is required to hold the Vagrantfile")
	}
	dir := filepath.Join(spec.Labels.WorkspaceDir, vagrantDir)

	authorizedKey, err := keys.AuthorizedKey(spec.PublicKeyPath)
	if err != nil {
		return nil, err
	}

	data := vagrantfileData{
		ClusterID:  clusterID,
		Box:        b.config.Box,
		BoxVersion: b.config.BoxVersion,
		Memory:     b.config.Memory,
		CPUs:       b.config.CPUs,
		Provision:  provisionScript(authorizedKey),
	}
	for _, role := range backend.Roles {
		for i := 0; i < spec.Count(role); i++ {
			data.Machines = append(data.Machines, machine{
				Name:   fmt.Sprintf("dcos-e2e-%s-%s-%d", clusterID, role, i),
				Labels: spec.Labels.ForRole(role),
			})
		}
	}
	if err := writeVagrantfile(dir, data); err != nil {
		return nil, err
	}

	defer func() {
		if err != nil {
			log.Warn("Cluster creation failed, destroying created machines", "error", err)
			if cleanupErr := b.Destroy(context.WithoutCancel(ctx), clusterID); cleanupErr != nil {
				log.Error("Failed to destroy machines", "error", cleanupErr)
			}
		}
	}()

	log.Info("Starting virtual machines", "count", len(data.Machines))
	if _, err := b.runner.Run(ctx, dir, "vagrant", "up"); err != nil {
		return nil, fmt.Errorf("failed to start virtual machines: %w", err)
	}

	nodes, _, err = b.ClusterNodes(ctx, clusterID)
	if err != nil {
		return nil, err
	}
	for _, role := range backend.Roles {
		if got, want := len(nodes.Role(role)), spec.Count(role); got != want {
			return nil, fmt.Errorf("expected %d %s machines, found %d", want, role, got)
		}
	}
	return nodes, nil
}

func writeVagrantfile(dir string, data vagrantfileData) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create vagrant directory: %w", err)
	}

	var content strings.Builder
	if err := vagrantfile.Execute(&content, data); err != nil {
		return fmt.Errorf("failed to render Vagrantfile: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "Vagrantfile"), []byte(content.String()), 0o644); err != nil {
		return fmt.Errorf("failed to write Vagrantfile: %w", err)
	}
	return nil
}

// provisionScript authorizes the cluster key for the login user and root.
func provisionScript(authorizedKey string) string {
	var script strings.Builder
	for _, home := range []string{"/home/" + LoginUser, "/root"} {
		user := lo.Ternary(home == "/root", node.RootUser, LoginUser)
		fmt.Fprintf(&script, "mkdir -p %[1]s/.ssh\necho %[2]s >> %[1]s/.ssh/authorized_keys\nchown -R %[3]s: %[1]s/.ssh\nchmod 700 %[1]s/.ssh\n",
			home, shellescape.Quote(authorizedKey), user)
	}
	return script.String()
}

type vm struct {
	uuid    string
	name    string
	running bool
	labels  backend.Labels
}

// machines lists the VirtualBox machines carrying cluster labels.
func (b *Backend) machines(ctx context.Context) ([]vm, error) {
	output, err := b.runner.Run(ctx, "", "VBoxManage", "list", "vms")
	if err != nil {
		return nil, fmt.Errorf("failed to list virtual machines: %w", err)
	}

	var vms []vm
	for _, line := range strings.Split(string(output), "\n") {
		match := vmLine.FindStringSubmatch(strings.TrimSpace(line))
		if match == nil {
			continue
		}

		info, err := b.runner.Run(ctx, "", "VBoxManage", "showvminfo", match[2], "--machinereadable")
		if err != nil {
			// The machine may have been removed since it was listed
			b.log.Debug("Skipping virtual machine", "vm", match[1], "error", err)
			continue
		}
		properties := parseMachineReadable(string(info))

		labels, ok, err := decodeDescription(properties["description"])
		if err != nil {
			return nil, fmt.Errorf("virtual machine '%s': %w", match[1], err)
		}
		if !ok {
			continue
		}
		vms = append(vms, vm{
			uuid:    match[2],
			name:    match[1],
			running: properties["VMState"] == "running",
			labels:  labels,
		})
	}
	return vms, nil
}

func parseMachineReadable(info string) map[string]string {
	properties := map[string]string{}
	for _, line := range strings.Split(info, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		if unquoted, err := strconv.Unquote(value); err == nil {
			value = unquoted
		}
		properties[strings.Trim(key, `"`)] = value
	}
	return properties
}

func decodeDescription(description string) (backend.Labels, bool, error) {
	encoded, ok := strings.CutPrefix(description, descriptionPrefix)
	if !ok {
		return nil, false, nil
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, false, fmt.Errorf("invalid label description: %w", err)
	}
	var labels backend.Labels
	if err := json.Unmarshal(data, &labels); err != nil {
		return nil, false, fmt.Errorf("invalid label description: %w", err)
	}
	return labels, labels.ClusterID() != "", nil
}

func (b *Backend) address(ctx context.Context, uuid string) (netip.Addr, error) {
	output, err := b.runner.Run(ctx, "", "VBoxManage", "guestproperty", "get", uuid, addressProperty)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("failed to read guest address: %w", err)
	}
	value, ok := strings.CutPrefix(strings.TrimSpace(string(output)), "Value: ")
	if !ok {
		return netip.Addr{}, fmt.Errorf("guest address not reported yet")
	}
	return netip.ParseAddr(value)
}

func (b *Backend) Destroy(ctx context.Context, clusterID string) error {
	vms, err := b.machines(ctx)
	if err != nil {
		return err
	}
	vms = lo.Filter(vms, func(v vm, _ int) bool { return v.labels.ClusterID() == clusterID })
	if len(vms) == 0 {
		return nil
	}

	dirs := lo.Uniq(lo.Map(vms, func(v vm, _ int) string {
		return filepath.Join(v.labels.WorkspaceDir(), vagrantDir)
	}))
	for _, dir := range dirs {
		if _, err := os.Stat(filepath.Join(dir, "Vagrantfile")); err != nil {
			continue
		}
		if _, err := b.runner.Run(ctx, dir, "vagrant", "destroy", "-f"); err != nil {
			b.log.Warn("Vagrant failed to destroy machines, unregistering them", "cluster", clusterID, "error", err)
		}
	}

	// Whatever vagrant left behind is removed from VirtualBox directly
	remaining, err := b.machines(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, v := range remaining {
		if v.labels.ClusterID() != clusterID {
			continue
		}
		if v.running {
			_, _ = b.runner.Run(ctx, "", "VBoxManage", "controlvm", v.uuid, "poweroff")
		}
		if _, err := b.runner.Run(ctx, "", "VBoxManage", "unregistervm", v.uuid, "--delete"); err != nil {
			errs = append(errs, fmt.Errorf("failed to delete virtual machine '%s': %w", v.name, err))
		}
	}

	b.log.Info("Destroyed cluster machines", "cluster", clusterID, "count", len(vms))
	return errors.Join(errs...)
}

func (b *Backend) ClusterNodes(ctx context.Context, clusterID string) (*backend.Nodes, backend.Labels, error) {
	vms, err := b.machines(ctx)
	if err != nil {
		return nil, nil, err
	}

	nodes := &backend.Nodes{}
	var picker backend.LabelPicker
	for _, v := range vms {
		if v.labels.ClusterID() != clusterID || !v.running {
			continue
		}
		role, err := v.labels.Role()
		if err != nil {
			return nil, nil, fmt.Errorf("virtual machine '%s': %w", v.name, err)
		}
		address, err := b.address(ctx, v.uuid)
		if err != nil {
			return nil, nil, fmt.Errorf("virtual machine '%s': %w", v.name, err)
		}

		keyPath := v.labels.PrivateKeyPath()
		nodes.Add(role, node.New(node.Config{
			Name:           v.name,
			PublicAddress:  address,
			PrivateAddress: address,
			DefaultUser:    LoginUser,
			SSHKeyPath:     keyPath,
			Transport: node.NewSSHTransport(node.SSHConfig{
				Address:        address.String(),
				User:           LoginUser,
				PrivateKeyPath: keyPath,
				Logger:         b.log,
			}),
			Logger: b.log,
		}))
		picker.Offer(role, v.labels)
	}
	nodes.Sort()
	return nodes, picker.Labels(), nil
}

func (b *Backend) NodeLabels(ctx context.Context) ([]backend.Labels, error) {
	vms, err := b.machines(ctx)
	if err != nil {
		return nil, err
	}
	return lo.Map(vms, func(v vm, _ int) backend.Labels { return v.labels }), nil
}
