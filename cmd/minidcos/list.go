package main

import (
	"github.com/gammadia/minidcos/registry"
	"github.com/spf13/cobra"
)

func (p *provider) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List cluster ids",
		Args:  cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := p.open(cmd.Context())
			if err != nil {
				return err
			}

			ids, err := registry.SortedClusterIDs(cmd.Context(), b)
			if err != nil {
				return err
			}
			for _, id := range ids {
				cmd.Println(id)
			}
			return nil
		},
	}
}
