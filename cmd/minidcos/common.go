package main

import (
	"fmt"
	"os"

	"github.com/gammadia/minidcos/cluster"
	"github.com/gammadia/minidcos/cmd/minidcos/flags"
	"github.com/gammadia/minidcos/cmd/minidcos/log"
	"github.com/gammadia/minidcos/cmd/minidcos/ui"
	"github.com/gammadia/minidcos/platform"
	"github.com/gammadia/minidcos/readiness"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

func addClusterIDFlag(fs *flag.FlagSet) {
	fs.StringP(flags.ClusterID, "c", "default", "the id of the cluster")
}

func addWaitFlags(fs *flag.FlagSet) {
	fs.String(flags.Username, "admin", "superuser username of an enterprise cluster")
	fs.String(flags.Password, "admin", "superuser password of an enterprise cluster")
	fs.Bool(flags.SkipHTTPCheck, false, "only wait until every node accepts commands")
	fs.Duration(flags.WaitTimeout, readiness.DefaultTimeout, "how long to wait for DC/OS services")
}

// discover rebuilds the cluster named by the cluster-id flag.
func (p *provider) discover(cmd *cobra.Command) (*cluster.Cluster, error) {
	b, err := p.open(cmd.Context())
	if err != nil {
		return nil, err
	}
	return cluster.Discover(cmd.Context(), b, viper.GetString(flags.ClusterID))
}

// readExtraConfig reads a YAML mapping of installer configuration.
func readExtraConfig(path string) (map[string]any, error) {
	config := map[string]any{}
	if path == "" {
		return config, nil
	}

	path, err := homedir.Expand(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read extra config: %w", err)
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse extra config '%s': %w", path, err)
	}
	return config, nil
}

// wait blocks until DC/OS is ready on c, showing progress on a spinner.
func (p *provider) wait(cmd *cobra.Command, c *cluster.Cluster) error {
	cmd.PrintErrln("A cluster may take some time to be ready.")
	cmd.PrintErrf("If you are concerned that this is hanging, try %q to diagnose common issues.\n", p.doctorCommand())
	if c.Variant() != platform.Enterprise {
		cmd.PrintErrln("If you cancel this command while it is running, you may not be able to log in. To resolve that, run this command again.")
	}

	spinner := ui.NewSpinner("Waiting for DC/OS")
	options := readiness.DefaultOptions()
	options.Timeout = viper.GetDuration(flags.WaitTimeout)
	options.SkipServiceCheck = viper.GetBool(flags.SkipHTTPCheck)
	options.Username = viper.GetString(flags.Username)
	options.Password = viper.GetString(flags.Password)
	options.Doctor = p.doctorCommand()
	options.Logger = log.Base
	options.OnTransition = func(_, to readiness.State) {
		spinner.UpdateMessage(fmt.Sprintf("Waiting for DC/OS (%s)", to))
	}

	waiter, err := readiness.NewWaiter(options)
	if err != nil {
		spinner.Fail()
		return err
	}

	if err := waiter.Wait(cmd.Context(), c); err != nil {
		spinner.Fail("Waiting for DC/OS to start timed out.")
		return err
	}
	spinner.Success("DC/OS is ready")
	return nil
}
