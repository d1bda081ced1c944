package main

import (
	"github.com/spf13/cobra"
)

func (p *provider) waitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wait",
		Short: "Wait for DC/OS to become ready",
		Args:  cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := p.discover(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			return p.wait(cmd, c)
		},
	}

	fs := cmd.Flags()
	addClusterIDFlag(fs)
	addWaitFlags(fs)
	return cmd
}
