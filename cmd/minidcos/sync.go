package main

import (
	"cmp"
	"fmt"
	"os"

	"github.com/gammadia/minidcos/cluster"
	"github.com/gammadia/minidcos/cmd/minidcos/log"
	"github.com/gammadia/minidcos/cmd/minidcos/ui"
	"github.com/gammadia/minidcos/integration"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
)

func (p *provider) syncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync [flags] [DCOS_CHECKOUT_DIR]",
		Short: "Sync the integration tests of a DC/OS checkout to the masters",
		Long: `Sync the integration tests of a DC/OS checkout to every master node.

The bootstrap utilities are synced too when the checkout builds the variant of
the cluster. Open source tests synced onto an enterprise cluster are placed in
their own directory. The checkout defaults to $DCOS_CHECKOUT_DIR, then to the
current directory.`,
		Args: cobra.MaximumNArgs(1),

		RunE: func(cmd *cobra.Command, args []string) error {
			dir := cmp.Or(os.Getenv(integration.CheckoutEnv), ".")
			if len(args) > 0 {
				dir = args[0]
			}
			dirs, err := checkoutDirs([]string{dir})
			if err != nil {
				return err
			}

			c, err := p.discover(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			return syncCheckouts(cmd, c, dirs)
		},
	}

	addClusterIDFlag(cmd.Flags())
	return cmd
}

// checkoutDirs expands dirs and makes sure each is a DC/OS checkout, before
// any cluster is looked up.
func checkoutDirs(dirs []string) ([]string, error) {
	expanded := make([]string, 0, len(dirs))
	for _, dir := range dirs {
		dir, err := homedir.Expand(dir)
		if err != nil {
			return nil, err
		}
		if _, err := integration.CheckoutVariant(dir); err != nil {
			return nil, err
		}
		expanded = append(expanded, dir)
	}
	return expanded, nil
}

func syncCheckouts(cmd *cobra.Command, c *cluster.Cluster, dirs []string) error {
	for _, dir := range dirs {
		spinner := ui.NewSpinner(fmt.Sprintf("Syncing %s to %d master(s)", dir, len(c.Masters())))
		if err := integration.SyncCheckout(cmd.Context(), c, dir, log.Base); err != nil {
			spinner.Fail()
			return err
		}
		spinner.Success(fmt.Sprintf("Synced %s", dir))
	}
	return nil
}
