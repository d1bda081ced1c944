package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path"
	"sync"
	"time"

	"github.com/alessio/shellescape"
	"github.com/gammadia/minidcos/internal/retry"
	"github.com/gammadia/minidcos/keys"
	"github.com/samber/lo"
	"golang.org/x/crypto/ssh"
)

type SSHConfig struct {
	// Address is "host" or "host:port".
	Address        string
	User           string
	PrivateKeyPath string

	DialAttempts int
	DialTimeout  time.Duration
	Logger       *slog.Logger
}

// SSHTransport runs commands over one SSH connection, dialed on first use.
type SSHTransport struct {
	config SSHConfig
	log    *slog.Logger

	mutex  sync.Mutex
	client *ssh.Client
}

// SSHTransport implements Transport
var _ Transport = (*SSHTransport)(nil)

func NewSSHTransport(config SSHConfig) *SSHTransport {
	if _, _, err := net.SplitHostPort(config.Address); err != nil {
		config.Address = net.JoinHostPort(config.Address, "22")
	}
	config.User = lo.Ternary(config.User != "", config.User, RootUser)
	config.DialAttempts = lo.Ternary(config.DialAttempts > 0, config.DialAttempts, 8)
	config.DialTimeout = lo.Ternary(config.DialTimeout > 0, config.DialTimeout, 10*time.Second)

	logger := lo.Ternary(config.Logger != nil, config.Logger, slog.Default())
	return &SSHTransport{
		config: config,
		log:    logger.With("transport", SSH, "address", config.Address),
	}
}

func (t *SSHTransport) Kind() TransportKind {
	return SSH
}

func (t *SSHTransport) connect(ctx context.Context) (*ssh.Client, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.client != nil {
		return t.client, nil
	}

	signer, err := keys.Signer(t.config.PrivateKeyPath)
	if err != nil {
		return nil, err
	}

	policy := retry.Policy{
		Attempts: t.config.DialAttempts,
		Base:     time.Second,
		Max:      10 * time.Second,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			t.log.Debug("Connection to node refused, retrying", "attempt", attempt, "wait", wait, "error", err)
		},
	}
	t.client, err = retry.Result(ctx, policy, func(int) (*ssh.Client, error) {
		return ssh.Dial("tcp", t.config.Address, &ssh.ClientConfig{
			User:            t.config.User,
			Timeout:         t.config.DialTimeout,
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Auth: []ssh.AuthMethod{
				ssh.PublicKeys(signer),
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to '%s' after %d attempts: %w", t.config.Address, t.config.DialAttempts, err)
	}
	return t.client, nil
}

// remoteLine wraps the command so that it runs as cmd.User, switching user
// through sudo when it differs from the login user.
func (t *SSHTransport) remoteLine(cmd Command) string {
	line := shellescape.Quote(cmd.Line())
	if cmd.User == "" || cmd.User == t.config.User {
		return "bash -c " + line
	}
	return fmt.Sprintf("sudo -u %s -H -- bash -c %s", shellescape.Quote(cmd.User), line)
}

func (t *SSHTransport) Start(ctx context.Context, cmd Command, stdout, stderr io.Writer) (Execution, error) {
	client, err := t.connect(ctx)
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create SSH session: %w", err)
	}

	session.Stdin = cmd.Stdin
	session.Stdout = stdout
	session.Stderr = stderr
	if err := session.Start(t.remoteLine(cmd)); err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("failed to start SSH command: %w", err)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = session.Close()
	})

	return execFunc(func() (int, error) {
		defer stop()
		defer session.Close()

		err := session.Wait()
		if ctx.Err() != nil {
			return -1, ctx.Err()
		}

		var exitErr *ssh.ExitError
		switch {
		case err == nil:
			return 0, nil
		case errors.As(err, &exitErr):
			return exitErr.ExitStatus(), nil
		default:
			return -1, fmt.Errorf("SSH session ended without exit status: %w", err)
		}
	}), nil
}

func (t *SSHTransport) SendFile(ctx context.Context, localPath, remotePath, user string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer file.Close()

	mkdir := Command{Args: []string{"mkdir", "-p", shellescape.Quote(path.Dir(remotePath))}, User: user}
	if err := runQuiet(ctx, t, mkdir); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}

	write := Command{Args: []string{"cat", ">", shellescape.Quote(remotePath)}, User: user, Stdin: file}
	if err := runQuiet(ctx, t, write); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

func (t *SSHTransport) Close() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.client == nil {
		return nil
	}
	err := t.client.Close()
	t.client = nil
	return err
}
