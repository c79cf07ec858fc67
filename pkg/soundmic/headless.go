package soundmic

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/MixyLabs/soundmic/pkg/soundmic/directory"
	"github.com/MixyLabs/soundmic/pkg/soundmic/util"
	"github.com/MixyLabs/soundmic/pkg/soundmic/vmic"
)

// logNotifier reports through the logger only, for one-shot commands.
type logNotifier struct {
	logger *zap.SugaredLogger
}

func (n logNotifier) Notify(title string, message string) {
	n.logger.Infow(title, "message", message)
}

func (n logNotifier) Alert(title string, message string) {
	n.logger.Errorw(title, "message", message)
}

// Headless gives one-shot commands the audio core without the daemon's
// tray, watchers and background loops.
type Headless struct {
	logger *zap.SugaredLogger
	config Config
	dir    *directory.Directory
	core   *AudioCore
}

// NewHeadless loads the config at configPath and prepares the selected backend.
func NewHeadless(logger *zap.SugaredLogger, configPath string, opts ...directory.Option) (*Headless, error) {
	logger = logger.Named("headless")

	configMan, err := NewConfig(logger, logNotifier{logger: logger}, configPath)
	if err != nil {
		return nil, fmt.Errorf("create new Config: %w", err)
	}

	if err := configMan.Load(); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	config := configMan.Current()
	dir := directory.New(logger, opts...)

	backend, err := SelectBackend(logger, dir, config)
	if err != nil {
		return nil, fmt.Errorf("select backend: %w", err)
	}

	return &Headless{
		logger: logger,
		config: config,
		dir:    dir,
		core:   NewAudioCore(logger, backend, config),
	}, nil
}

// Config returns the loaded configuration.
func (h *Headless) Config() Config {
	return h.config
}

// Core returns the audio core.
func (h *Headless) Core() *AudioCore {
	return h.core
}

// Route moves a recording stream onto the virtual microphone built by a
// running daemon.
func (h *Headless) Route(ctx context.Context, index uint32) error {
	if h.core.Backend() != backendPulse {
		return vmic.ErrRoutingUnsupported
	}

	return h.dir.MoveStream(ctx, directory.KindSourceOutput, index, h.config.VirtualMic.SourceName)
}

// Unload removes every module carrying one of the virtual microphone labels
// and returns how many went away.
func (h *Headless) Unload(ctx context.Context) (int, error) {
	total := 0

	for _, label := range vmic.Labels() {
		n, err := h.dir.UnloadModulesMatching(ctx, label)
		total += n
		if err != nil {
			return total, fmt.Errorf("unload %s modules: %w", label, err)
		}
	}

	return total, nil
}

// PlayAll builds the virtual microphone, plays every file at once, waits for
// them to finish and tears it down again. It refuses to run next to a daemon.
func (h *Headless) PlayAll(ctx context.Context, paths []string) error {
	if err := util.CreateMutex(appName); err != nil {
		return fmt.Errorf("claim instance mutex: %w", err)
	}

	if err := h.core.Create(ctx); err != nil {
		return err
	}

	defer func() {
		teardown, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()

		if err := h.core.Destroy(teardown); err != nil {
			h.logger.Warnw("Failed to tear down virtual microphone", "error", err)
		}
	}()

	started := 0
	for _, path := range paths {
		id, err := h.core.Play(path)
		if err != nil {
			h.logger.Warnw("Skipping sound", "path", path, "error", err)
			continue
		}

		h.logger.Infow("Playing", "id", id, "path", path)
		started++
	}

	if started == 0 {
		return fmt.Errorf("none of %d files could be played", len(paths))
	}

	return h.wait(ctx)
}

func (h *Headless) wait(ctx context.Context) error {
	ticker := time.NewTicker(h.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.core.StopAll()
			return ctx.Err()

		case <-ticker.C:
			h.core.TickAndReap()
			if h.core.Active() == 0 {
				return nil
			}
		}
	}
}
