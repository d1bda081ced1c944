// Package doctor diagnoses common problems of the host a backend runs on.
package doctor

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/fatih/color"
)

type Level int

const (
	OK Level = iota
	Warning
	Error
)

func (l Level) String() string {
	switch l {
	case OK:
		return "ok"
	case Warning:
		return "warning"
	default:
		return "error"
	}
}

type Result struct {
	Level   Level
	Message string
}

func Passed(msg string, args ...any) Result {
	return Result{Level: OK, Message: fmt.Sprintf(msg, args...)}
}

func Warned(msg string, args ...any) Result {
	return Result{Level: Warning, Message: fmt.Sprintf(msg, args...)}
}

func Failed(msg string, args ...any) Result {
	return Result{Level: Error, Message: fmt.Sprintf(msg, args...)}
}

// Check is one diagnostic. Run must not panic and reports problems through
// its Result only.
type Check struct {
	Name string
	Run  func(ctx context.Context) Result
}

// Run executes every check, prints one line per check to w and returns the
// most severe level seen.
func Run(ctx context.Context, w io.Writer, checks []Check) Level {
	worst := OK
	for _, check := range checks {
		result := check.Run(ctx)
		worst = max(worst, result.Level)

		var symbol string
		switch result.Level {
		case OK:
			symbol = color.HiGreenString("✓")
		case Warning:
			symbol = color.HiYellowString("!")
		default:
			symbol = color.HiRedString("✗")
		}
		fmt.Fprintf(w, "%s %s: %s\n", symbol, check.Name, result.Message)
	}
	return worst
}

// Binary checks that an executable is on the PATH. A missing binary is
// reported at level.
func Binary(name string, level Level, purpose string) Check {
	return Check{
		Name: name,
		Run: func(context.Context) Result {
			path, err := exec.LookPath(name)
			if err != nil {
				return Result{Level: level, Message: fmt.Sprintf("'%s' is not on the PATH, it is needed %s", name, purpose)}
			}
			return Passed("found at %s", path)
		},
	}
}

// Pinger is anything that can tell whether a daemon answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

func DockerDaemon(docker Pinger) Check {
	return Check{
		Name: "docker daemon",
		Run: func(ctx context.Context) Result {
			if err := docker.Ping(ctx); err != nil {
				return Failed("cannot reach the Docker daemon: %v", err)
			}
			return Passed("reachable")
		},
	}
}

// Runner runs a local command and returns its standard output.
type Runner interface {
	Run(ctx context.Context, dir, name string, args ...string) ([]byte, error)
}

// VagrantPlugin warns when a Vagrant plugin is not installed.
func VagrantPlugin(runner Runner, plugin, purpose string) Check {
	return Check{
		Name: "vagrant plugin " + plugin,
		Run: func(ctx context.Context) Result {
			out, err := runner.Run(ctx, "", "vagrant", "plugin", "list")
			if err != nil {
				return Warned("cannot list Vagrant plugins: %v", err)
			}
			for _, line := range strings.Split(string(out), "\n") {
				if strings.HasPrefix(strings.TrimSpace(line), plugin+" ") || strings.TrimSpace(line) == plugin {
					return Passed("installed")
				}
			}
			return Warned("not installed, run 'vagrant plugin install %s' %s", plugin, purpose)
		},
	}
}

// Credentials checks that a loader finds usable credentials.
func Credentials(provider string, load func(ctx context.Context) error) Check {
	return Check{
		Name: provider + " credentials",
		Run: func(ctx context.Context) Result {
			if err := load(ctx); err != nil {
				return Failed("no usable credentials: %v", err)
			}
			return Passed("found")
		},
	}
}
