package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func unloadCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "unload",
		Short: "Remove every virtual microphone module left on the sound server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, err := newHeadless(opts)
			if err != nil {
				return err
			}

			n, err := h.Unload(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Unloaded %d modules\n", n)

			return nil
		},
	}
}
