package main

import (
	"fmt"

	"github.com/gammadia/minidcos/cmd/minidcos/flags"
	"github.com/gammadia/minidcos/cmd/minidcos/ui"
	"github.com/gammadia/minidcos/node"
	"github.com/mitchellh/go-homedir"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

func (p *provider) sendFileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send-file LOCAL REMOTE",
		Short: "Copy a file to cluster nodes",
		Args:  cobra.ExactArgs(2),

		RunE: func(cmd *cobra.Command, args []string) error {
			localPath, err := homedir.Expand(args[0])
			if err != nil {
				return err
			}

			c, err := p.discover(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			targets := c.Masters()
			if refs := viper.GetStringSlice(flags.Node); len(refs) > 0 {
				targets = make([]*node.Node, 0, len(refs))
				for _, ref := range refs {
					n, err := c.Lookup(ref)
					if err != nil {
						return err
					}
					targets = append(targets, n)
				}
			}
			targets = lo.Uniq(targets)

			spinner := ui.NewSpinner(fmt.Sprintf("Copying %s to %d node(s)", localPath, len(targets)))
			g, ctx := errgroup.WithContext(cmd.Context())
			for _, n := range targets {
				g.Go(func() error {
					return n.SendFile(ctx, localPath, args[1], node.SendFileOptions{User: viper.GetString(flags.User)})
				})
			}
			if err := g.Wait(); err != nil {
				spinner.Fail()
				return err
			}
			spinner.Success(fmt.Sprintf("Copied %s to %d node(s)", localPath, len(targets)))
			return nil
		},
	}

	fs := cmd.Flags()
	addClusterIDFlag(fs)
	fs.StringArray(flags.Node, nil, "node the file is copied to, may be repeated (default every master)")
	fs.String(flags.User, "", "user owning the remote file (default the login user of the node)")
	return cmd
}
