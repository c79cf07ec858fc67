package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func sourcesCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "List applications that are recording audio",
		Long: `List applications that are recording audio.

The index in the first column can be passed to "soundmic route".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, err := newHeadless(opts)
			if err != nil {
				return err
			}

			sources := h.Core().ListRoutableSources(cmd.Context())
			if len(sources) == 0 {
				fmt.Fprintln(cmd.ErrOrStderr(), "No application is recording audio.")
				return nil
			}

			for _, source := range sources {
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\n", source.Index, source.Label)
			}

			return nil
		},
	}
}
