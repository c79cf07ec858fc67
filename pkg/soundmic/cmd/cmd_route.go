package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/MixyLabs/soundmic/pkg/soundmic/directory"
)

func routeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:     "route <index>",
		Short:   "Record an application from the virtual microphone",
		Example: "  soundmic sources\n  soundmic route 42",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := directory.ParseIndex(args[0])
			if err != nil {
				return fmt.Errorf("invalid source index %q: %w", args[0], err)
			}

			h, err := newHeadless(opts)
			if err != nil {
				return err
			}

			if err := h.Route(cmd.Context(), index); err != nil {
				return fmt.Errorf("route source %d: %w", index, err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Source %d now records from %s\n", index, h.Config().VirtualMic.SourceName)

			return nil
		},
	}
}
