package node

import (
	"io"
	"sort"
	"strings"

	"github.com/alessio/shellescape"
	"github.com/samber/lo"
)

// RootUser is the privileged account used by RunAsRoot.
const RootUser = "root"

// Command is a command line to execute on a node. Every transport renders it
// with Line and hands the result to bash, so both transports observe the same
// quoting, environment and exit codes.
type Command struct {
	// Args are joined with spaces, shell syntax in them is interpreted.
	Args []string
	// User runs the command. Transports fall back to their login user when empty.
	User string
	Env  map[string]string
	// Shell wraps the joined arguments in an explicit "bash -c" so that
	// redirections and pipes apply to the command line as a whole.
	Shell bool
	// Stdin, when set, is streamed to the command's standard input.
	Stdin io.Reader
}

// Line renders the command as a single bash command line.
func (c Command) Line() string {
	line := strings.Join(c.Args, " ")
	if c.Shell {
		line = "bash -c " + shellescape.Quote(line)
	}
	if len(c.Env) == 0 {
		return line
	}

	keys := lo.Keys(c.Env)
	sort.Strings(keys)
	exports := lo.Map(keys, func(key string, _ int) string {
		return "export " + key + "=" + shellescape.Quote(c.Env[key])
	})
	return strings.Join(append(exports, line), " && ")
}

func (c Command) String() string {
	return c.Line()
}

func homeOf(user string) string {
	if user == RootUser {
		return "/root"
	}
	return "/home/" + user
}
