package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/MixyLabs/soundmic/pkg/soundmic"
)

var (
	gitCommit  string
	versionTag string
	buildType  string
)

type options struct {
	verbose    bool
	configPath string
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	opts := &options{}

	rootCmd := &cobra.Command{
		Use:           "soundmic",
		Short:         "Play sounds into a virtual microphone",
		Version:       versionString(),
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(opts)
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "show verbose logs (useful for debugging pads)")
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", soundmic.DefaultConfigPath, "path to the configuration file")

	rootCmd.AddCommand(sourcesCmd(opts))
	rootCmd.AddCommand(routeCmd(opts))
	rootCmd.AddCommand(playCmd(opts))
	rootCmd.AddCommand(unloadCmd(opts))

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionString() string {
	if buildType == "" || (versionTag == "" && gitCommit == "") {
		return "dev"
	}

	identifier := gitCommit
	if versionTag != "" {
		identifier = versionTag
	}

	return fmt.Sprintf("%s-%s", buildType, identifier)
}

func newLogger(opts *options) (*zap.SugaredLogger, error) {
	logger, err := soundmic.NewLogger(buildType, opts.verbose)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}

	named := logger.Named("main")
	named.Debug("Created logger")

	named.Infow("Version info",
		"gitCommit", gitCommit,
		"versionTag", versionTag,
		"buildType", buildType)

	if opts.verbose {
		named.Debug("Verbose flag provided, all log messages will be shown")
	}

	return logger, nil
}

func runDaemon(opts *options) error {
	logger, err := newLogger(opts)
	if err != nil {
		return err
	}

	named := logger.Named("main")

	s, err := soundmic.NewSoundMic(logger, opts.configPath, opts.verbose)
	if err != nil {
		named.Fatalw("Failed to create soundmic object", "error", err)
	}

	if version := versionString(); version != "dev" {
		s.SetVersion("Version " + version)
	}

	if err = s.Initialize(); err != nil {
		named.Fatalw("Failed to initialize soundmic", "error", err)
	}

	return nil
}

func newHeadless(opts *options) (*soundmic.Headless, error) {
	logger, err := newLogger(opts)
	if err != nil {
		return nil, err
	}

	return soundmic.NewHeadless(logger, opts.configPath)
}
