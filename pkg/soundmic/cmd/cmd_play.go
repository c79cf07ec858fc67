package main

import (
	"github.com/spf13/cobra"
)

func playCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "play <file>...",
		Short: "Play sound files into a temporary virtual microphone",
		Long: `Play sound files into a temporary virtual microphone.

The virtual microphone is built, every file plays at once and it is torn
down when the last one ends. This can't run next to the daemon.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := newHeadless(opts)
			if err != nil {
				return err
			}

			return h.PlayAll(cmd.Context(), args)
		},
	}
}
