package main

import (
	"errors"

	"github.com/gammadia/minidcos/doctor"
	"github.com/spf13/cobra"
)

func (p *provider) doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose common issues which stop clusters from working",
		Args:  cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			if doctor.Run(cmd.Context(), cmd.OutOrStdout(), p.checks(cmd.Context())) == doctor.Error {
				return errors.New("some checks failed, clusters are unlikely to work")
			}
			return nil
		},
	}
}
