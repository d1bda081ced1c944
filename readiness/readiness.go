// Package readiness waits until DC/OS is up on a cluster. It never destroys
// nodes: a cluster that does not become ready is left for inspection.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gammadia/minidcos/cluster"
	"github.com/gammadia/minidcos/internal/retry"
	"github.com/gammadia/minidcos/node"
	"github.com/samber/lo"
	goretry "github.com/siderolabs/go-retry/retry"
)

type State string

const (
	Pending           State = "PENDING"
	ConnectivityCheck State = "CONNECTIVITY_CHECK"
	ServiceCheck      State = "SERVICE_CHECK"
	Ready             State = "READY"
	Failed            State = "FAILED"
)

const (
	DefaultConnectivityAttempts = 30
	DefaultConnectivityBackoff  = time.Second
	DefaultTimeout              = time.Hour
	DefaultPollInterval         = 5 * time.Second
)

type Options struct {
	// ConnectivityAttempts bounds the tries to run a command on each node.
	ConnectivityAttempts int
	// ConnectivityBackoff is the first delay between two tries; it doubles
	// after each failure up to 30 seconds.
	ConnectivityBackoff time.Duration
	// Timeout bounds the service check. It is compared with the elapsed time
	// between checks, an in-flight check always completes.
	Timeout      time.Duration
	PollInterval time.Duration
	// SkipServiceCheck reaches Ready after the connectivity check.
	SkipServiceCheck bool
	// HealthChecker defaults to an HTTPHealthChecker for the variant of the cluster.
	HealthChecker HealthChecker
	// Superuser credentials of an enterprise cluster.
	Username string
	Password string
	// Doctor is the command name offered when the cluster is not ready.
	Doctor string
	// OnTransition observes every state change.
	OnTransition func(from, to State)
	Logger       *slog.Logger
}

// DefaultOptions waits up to an hour, probing every five seconds.
func DefaultOptions() Options {
	return Options{
		ConnectivityAttempts: DefaultConnectivityAttempts,
		ConnectivityBackoff:  DefaultConnectivityBackoff,
		Timeout:              DefaultTimeout,
		PollInterval:         DefaultPollInterval,
	}
}

// ReadinessTimeoutError is returned when a check did not pass in time. State
// is the check that failed.
type ReadinessTimeoutError struct {
	State  State
	Doctor string
	Err    error
}

func (e *ReadinessTimeoutError) Error() string {
	message := fmt.Sprintf("Waiting for DC/OS to start timed out during %s: %v.", strings.ToLower(strings.ReplaceAll(string(e.State), "_", " ")), e.Err)
	if e.Doctor != "" {
		message += fmt.Sprintf(" Try %q for troubleshooting help.", e.Doctor)
	}
	return message
}

func (e *ReadinessTimeoutError) Unwrap() error {
	return e.Err
}

// Waiter drives one cluster through the readiness checks.
type Waiter struct {
	options Options

	mu    sync.Mutex
	state State

	log *slog.Logger
}

// NewWaiter rejects options that would never give up.
func NewWaiter(options Options) (*Waiter, error) {
	if options.ConnectivityAttempts <= 0 {
		return nil, fmt.Errorf("connectivity attempts must be positive, got %d", options.ConnectivityAttempts)
	}
	if options.Timeout <= 0 && !options.SkipServiceCheck {
		return nil, fmt.Errorf("readiness timeout must be positive, got %s", options.Timeout)
	}
	if options.PollInterval <= 0 {
		options.PollInterval = DefaultPollInterval
	}

	return &Waiter{
		options: options,
		state:   Pending,
		log:     lo.Ternary(options.Logger != nil, options.Logger, slog.Default()),
	}, nil
}

func (w *Waiter) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Waiter) transition(to State) {
	w.mu.Lock()
	from := w.state
	w.state = to
	w.mu.Unlock()

	w.log.Debug("Readiness state changed", "from", from, "to", to)
	if w.options.OnTransition != nil {
		w.options.OnTransition(from, to)
	}
}

func (w *Waiter) fail(state State, err error) error {
	w.transition(Failed)
	return &ReadinessTimeoutError{State: state, Doctor: w.options.Doctor, Err: err}
}

// Wait blocks until c is ready or a check fails.
func (w *Waiter) Wait(ctx context.Context, c *cluster.Cluster) error {
	if state := w.State(); state != Pending {
		return fmt.Errorf("waiter already used, it is in state %s", state)
	}
	logger := w.log.With("cluster", c.ID())

	w.transition(ConnectivityCheck)
	logger.Info("Waiting for nodes to accept commands", "nodes", len(c.Nodes()))
	if err := w.checkConnectivity(ctx, c.Nodes()); err != nil {
		return w.fail(ConnectivityCheck, err)
	}

	if !w.options.SkipServiceCheck {
		w.transition(ServiceCheck)
		logger.Info("Waiting for DC/OS services", "timeout", w.options.Timeout)
		if err := w.checkServices(ctx, c); err != nil {
			return w.fail(ServiceCheck, err)
		}
	}

	w.transition(Ready)
	logger.Info("Cluster is ready")
	return nil
}

func (w *Waiter) checkConnectivity(ctx context.Context, nodes []*node.Node) error {
	policy := retry.Policy{
		Attempts: w.options.ConnectivityAttempts,
		Base:     w.options.ConnectivityBackoff,
		Max:      30 * time.Second,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			w.log.Debug("Node not reachable yet", "attempt", attempt, "wait", wait, "error", err)
		},
	}

	for _, n := range nodes {
		err := policy.Do(ctx, func(int) error {
			_, err := n.Run(ctx, []string{"true"}, node.RunOptions{})
			return err
		})
		if err != nil {
			return fmt.Errorf("node %s is not reachable: %w", n, err)
		}
	}
	return nil
}

func (w *Waiter) checkServices(ctx context.Context, c *cluster.Cluster) error {
	checker := w.options.HealthChecker
	if checker == nil {
		checker = NewHTTPHealthChecker(c.Variant(), w.options.Username, w.options.Password)
	}

	var last error
	err := goretry.Constant(w.options.Timeout, goretry.WithUnits(w.options.PollInterval)).Retry(func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := checker.CheckHealth(ctx, c); err != nil {
			last = err
			return goretry.ExpectedError(err)
		}
		return nil
	})
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil && last != nil {
		return errors.Join(err, last)
	}
	return err
}
