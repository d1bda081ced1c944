package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/gammadia/minidcos/cmd/minidcos/flags"
	"github.com/gammadia/minidcos/cmd/minidcos/log"
	"github.com/gammadia/minidcos/installer"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Versioning information set at build time
var version = "dev"

var minidcosCmd = &cobra.Command{
	Use:     "minidcos",
	Short:   "Create and manage DC/OS clusters for testing.",
	Version: version,

	SilenceUsage:  true,
	SilenceErrors: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		flags.Bind(cmd.Flags())
		return log.Init()
	},
}

func init() {
	flags.AddLogging(minidcosCmd.PersistentFlags())
	for _, p := range providers {
		minidcosCmd.AddCommand(p.command())
	}
}

func (p *provider) command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   p.name,
		Short: p.short,
	}
	p.addFlags(cmd.PersistentFlags())

	cmd.AddCommand(p.createCmd())
	cmd.AddCommand(p.destroyCmd())
	cmd.AddCommand(p.destroyListCmd())
	cmd.AddCommand(p.doctorCmd())
	cmd.AddCommand(p.inspectCmd())
	cmd.AddCommand(p.listCmd())
	cmd.AddCommand(p.runCmd())
	cmd.AddCommand(p.sendFileCmd())
	cmd.AddCommand(p.syncCmd())
	cmd.AddCommand(p.waitCmd())
	return cmd
}

// doctorCommand is the command line offered when something goes wrong.
func (p *provider) doctorCommand() string {
	return fmt.Sprintf("%s %s doctor", minidcosCmd.Name(), p.name)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	minidcosCmd.SetOut(os.Stdout)
	if err := minidcosCmd.ExecuteContext(ctx); err != nil {
		var installErr *installer.InstallationError
		if errors.As(err, &installErr) && viper.GetBool(flags.Verbose) {
			_, _ = os.Stderr.Write(installErr.Stdout)
			_, _ = os.Stderr.Write(installErr.Stderr)
		}
		lo.Must(fmt.Fprintln(os.Stderr, color.HiRedString(fmt.Sprint(err))))
		os.Exit(1)
	}
}
