package node

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"os"

	"github.com/samber/lo"
)

// Config describes a node at construction time. The transport is fixed for
// the lifetime of the node.
type Config struct {
	// Name is the backend's identifier of the node: container name, instance
	// id or virtual machine name.
	Name           string
	PublicAddress  netip.Addr
	PrivateAddress netip.Addr
	// DefaultUser runs commands that do not ask for a specific user.
	DefaultUser string
	SSHKeyPath  string
	Transport   Transport
	Logger      *slog.Logger
}

// Node is a single member of a cluster.
type Node struct {
	name           string
	publicAddress  netip.Addr
	privateAddress netip.Addr
	defaultUser    string
	sshKeyPath     string
	transport      Transport

	log *slog.Logger
}

func New(config Config) *Node {
	logger := lo.Ternary(config.Logger != nil, config.Logger, slog.Default())
	return &Node{
		name:           config.Name,
		publicAddress:  config.PublicAddress,
		privateAddress: config.PrivateAddress,
		defaultUser:    lo.Ternary(config.DefaultUser != "", config.DefaultUser, RootUser),
		sshKeyPath:     config.SSHKeyPath,
		transport:      config.Transport,
		log:            logger.With("node", config.PrivateAddress.String()),
	}
}

func (n *Node) Name() string                 { return n.name }
func (n *Node) PublicAddress() netip.Addr    { return n.publicAddress }
func (n *Node) PrivateAddress() netip.Addr   { return n.privateAddress }
func (n *Node) DefaultUser() string          { return n.defaultUser }
func (n *Node) SSHKeyPath() string           { return n.sshKeyPath }
func (n *Node) TransportKind() TransportKind { return n.transport.Kind() }

func (n *Node) String() string {
	return fmt.Sprintf("%s (%s)", n.privateAddress, n.publicAddress)
}

type RunOptions struct {
	User  string
	Env   map[string]string
	Shell bool
	// LogOutputLive merges stderr into stdout and logs every output line at
	// debug level as it arrives.
	LogOutputLive bool
}

// Run executes args on the node and blocks until they exit. A non-zero exit
// code is reported as a *CommandExecutionError.
func (n *Node) Run(ctx context.Context, args []string, options RunOptions) (*Result, error) {
	cmd := n.command(args, options.User, options.Env, options.Shell)

	var stdout, stderr buffer
	var outWriter, errWriter io.Writer = &stdout, &stderr
	if options.LogOutputLive {
		n.log.Debug("Running command", "cmd", cmd.Line(), "user", cmd.User)

		live := &lineLogger{log: n.log}
		defer live.Flush()
		merged := &syncWriter{w: io.MultiWriter(&stdout, live)}
		outWriter, errWriter = merged, merged
	}

	execution, err := n.transport.Start(ctx, cmd, outWriter, errWriter)
	if err != nil {
		return nil, fmt.Errorf("failed to start command on node %s: %w", n, err)
	}

	code, err := execution.Wait()
	if err != nil {
		return nil, fmt.Errorf("failed while waiting for command on node %s: %w", n, err)
	}

	if code != 0 {
		return nil, &CommandExecutionError{
			Args:       args,
			ReturnCode: code,
			Stdout:     stdout.Bytes(),
			Stderr:     stderr.Bytes(),
		}
	}

	return &Result{ReturnCode: code, Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, nil
}

// RunAsRoot is Run as the root user.
func (n *Node) RunAsRoot(ctx context.Context, args []string, options RunOptions) (*Result, error) {
	options.User = RootUser
	return n.Run(ctx, args, options)
}

type PopenOptions struct {
	User  string
	Env   map[string]string
	Shell bool
}

// Popen starts args on the node and returns without waiting for them.
func (n *Node) Popen(ctx context.Context, args []string, options PopenOptions) (*Process, error) {
	cmd := n.command(args, options.User, options.Env, options.Shell)

	process := &Process{args: args, done: make(chan struct{})}
	execution, err := n.transport.Start(ctx, cmd, &process.stdout, &process.stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to start command on node %s: %w", n, err)
	}

	go process.wait(execution)
	return process, nil
}

type SendFileOptions struct {
	// User owns the copied file. Defaults to the node's default user.
	User string
}

// SendFile copies a local file to the node. Any failure, including a missing
// local file, is reported as a *TransferError.
func (n *Node) SendFile(ctx context.Context, localPath, remotePath string, options SendFileOptions) error {
	fail := func(err error) error {
		return &TransferError{LocalPath: localPath, RemotePath: remotePath, Node: n.String(), Err: err}
	}

	if info, err := os.Stat(localPath); err != nil {
		return fail(err)
	} else if info.IsDir() {
		return fail(fmt.Errorf("'%s' is a directory", localPath))
	}

	user := lo.Ternary(options.User != "", options.User, n.defaultUser)
	n.log.Debug("Sending file", "local", localPath, "remote", remotePath, "user", user)
	if err := n.transport.SendFile(ctx, localPath, remotePath, user); err != nil {
		return fail(err)
	}
	return nil
}

// Close releases the node's transport connection.
func (n *Node) Close() error {
	return n.transport.Close()
}

func (n *Node) command(args []string, user string, env map[string]string, shell bool) Command {
	return Command{
		Args:  args,
		User:  lo.Ternary(user != "", user, n.defaultUser),
		Env:   env,
		Shell: shell,
	}
}
