package main

import (
	"errors"

	"github.com/gammadia/minidcos/cluster"
	"github.com/gammadia/minidcos/cmd/minidcos/flags"
	"github.com/gammadia/minidcos/installer"
	"github.com/gammadia/minidcos/integration"
	"github.com/gammadia/minidcos/node"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func (p *provider) runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [flags] -- COMMAND [ARG...]",
		Short: "Run a command on a cluster node",
		Long: `Run a command on a cluster node.

The node is a reference such as master_0 or public_agent_1 (see "inspect"),
one of its IP addresses or its backend name.

The DCOS_LOGIN_UNAME and DCOS_LOGIN_PW variables are always set. With
--test-env the command runs from the integration test directory, in the
environment the integration tests expect, so that "pytest" runs them.`,
		Args: cobra.MinimumNArgs(1),

		RunE: func(cmd *cobra.Command, args []string) error {
			syncDirs, err := checkoutDirs(viper.GetStringSlice(flags.SyncDir))
			if err != nil {
				return err
			}

			c, err := p.discover(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			n, err := c.Lookup(viper.GetString(flags.Node))
			if err != nil {
				return err
			}

			if err := syncCheckouts(cmd, c, syncDirs); err != nil {
				return err
			}

			args, options := runInvocation(c, n, args, readRunSettings())
			result, err := n.Run(cmd.Context(), args, options)
			var execErr *node.CommandExecutionError
			switch {
			case errors.As(err, &execErr):
				_, _ = cmd.OutOrStdout().Write(execErr.Stdout)
				_, _ = cmd.ErrOrStderr().Write(execErr.Stderr)
				return err
			case err != nil:
				return err
			}

			_, _ = cmd.OutOrStdout().Write(result.Stdout)
			_, _ = cmd.ErrOrStderr().Write(result.Stderr)
			return nil
		},
	}

	fs := cmd.Flags()
	addClusterIDFlag(fs)
	fs.String(flags.Node, "master_0", "node the command runs on")
	fs.String(flags.User, "", "user the command runs as (default the login user of the node)")
	fs.StringArray(flags.Env, nil, "environment variable of the command, as <key>=<value>")
	fs.Bool(flags.Shell, false, "run the command through a shell, so that quoting and globbing apply")
	fs.StringArray(flags.SyncDir, nil, "DC/OS checkout synced to the masters before the command runs, may be repeated")
	fs.Bool(flags.TestEnv, false, "run the command in the integration test environment")
	fs.String(flags.LoginUsername, installer.DefaultSuperuserUsername, "value of DCOS_LOGIN_UNAME")
	fs.String(flags.LoginPassword, installer.DefaultSuperuserPassword, "value of DCOS_LOGIN_PW")
	return cmd
}

// runSettings are the flags of "run" that shape the command line.
type runSettings struct {
	User          string
	Shell         bool
	Env           map[string]string
	TestEnv       bool
	LoginUsername string
	LoginPassword string
}

func readRunSettings() runSettings {
	return runSettings{
		User:          viper.GetString(flags.User),
		Shell:         viper.GetBool(flags.Shell),
		Env:           keyValues(viper.GetStringSlice(flags.Env)),
		TestEnv:       viper.GetBool(flags.TestEnv),
		LoginUsername: viper.GetString(flags.LoginUsername),
		LoginPassword: viper.GetString(flags.LoginPassword),
	}
}

// runInvocation builds the command line and options of "run" on host. The
// caller's environment wins over the login and test environments.
func runInvocation(c *cluster.Cluster, host *node.Node, args []string, settings runSettings) ([]string, node.RunOptions) {
	env := integration.LoginEnvironment(settings.LoginUsername, settings.LoginPassword)
	options := node.RunOptions{User: settings.User, Shell: settings.Shell}
	if settings.TestEnv {
		env = integration.MergeEnv(env, integration.Environment(c, host))
		args = integration.Command(args)
		options.Shell = true
	}
	options.Env = integration.MergeEnv(env, settings.Env)
	return args, options
}
