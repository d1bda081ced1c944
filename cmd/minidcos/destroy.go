package main

import (
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/gammadia/minidcos/cluster"
	"github.com/gammadia/minidcos/cmd/minidcos/ui"
	"github.com/gammadia/minidcos/registry"
	"github.com/spf13/cobra"
)

func (p *provider) destroyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "destroy",
		Short: "Destroy a cluster",
		Args:  cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := p.discover(cmd)
			if err != nil {
				return err
			}

			spinner := ui.NewSpinner(fmt.Sprintf("Destroying cluster %q", c.ID()))
			if err := c.Destroy(cmd.Context()); err != nil {
				spinner.Fail()
				return err
			}
			spinner.Success(fmt.Sprintf("Cluster %q destroyed", c.ID()))
			return nil
		},
	}

	addClusterIDFlag(cmd.Flags())
	return cmd
}

func (p *provider) destroyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "destroy-list [CLUSTER_ID...]",
		Short: "Destroy clusters",
		Long:  "Destroy every cluster given. Unknown cluster ids are reported and skipped.",
		Args:  cobra.ArbitraryArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := p.open(cmd.Context())
			if err != nil {
				return err
			}

			var errs []error
			for _, id := range args {
				c, err := cluster.Discover(cmd.Context(), b, id)
				var notFound *registry.ClusterNotFoundError
				if errors.As(err, &notFound) {
					cmd.PrintErrln(color.HiYellowString("%s", notFound))
					continue
				}
				if err != nil {
					errs = append(errs, err)
					continue
				}

				spinner := ui.NewSpinner(fmt.Sprintf("Destroying cluster %q", id))
				if err := c.Destroy(cmd.Context()); err != nil {
					spinner.Fail()
					errs = append(errs, err)
					continue
				}
				spinner.Success(fmt.Sprintf("Cluster %q destroyed", id))
			}
			return errors.Join(errs...)
		},
	}
}
