// Package soundmic is a soundboard daemon: it builds a virtual microphone,
// mixes sound files into it on demand and keeps the chosen application's
// recording stream routed to it.
package soundmic

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/MixyLabs/soundmic/pkg/soundmic/directory"
	"github.com/MixyLabs/soundmic/pkg/soundmic/library"
	"github.com/MixyLabs/soundmic/pkg/soundmic/pads"
	"github.com/MixyLabs/soundmic/pkg/soundmic/util"
	"github.com/MixyLabs/soundmic/pkg/soundmic/vmic"
)

const teardownTimeout = 5 * time.Second

// SoundMic is the main entity managing all subcomponents
type SoundMic struct {
	logger    *zap.SugaredLogger
	notifier  Notifier
	configMan *ConfigManager
	dir       *directory.Directory
	core      *AudioCore

	mu         sync.Mutex
	library    *library.Library
	padMapping pads.Mapping

	libraryReset chan struct{}
	soundsUpdate chan []string

	runningWithTray bool
	stopChannel     chan bool
	version         string
	verbose         bool
}

// NewSoundMic creates the daemon reading its configuration from configPath
func NewSoundMic(logger *zap.SugaredLogger, configPath string, verbose bool) (*SoundMic, error) {
	logger = logger.Named("soundmic")

	notifier, err := NewToastNotifier(logger)
	if err != nil {
		logger.Errorw("Failed to create ToastNotifier", "error", err)
		return nil, fmt.Errorf("create new ToastNotifier: %w", err)
	}

	config, err := NewConfig(logger, notifier, configPath)
	if err != nil {
		logger.Errorw("Failed to create Config", "error", err)
		return nil, fmt.Errorf("create new Config: %w", err)
	}

	s := &SoundMic{
		logger:       logger,
		notifier:     notifier,
		configMan:    config,
		dir:          directory.New(logger),
		libraryReset: make(chan struct{}, 1),
		soundsUpdate: make(chan []string, 1),
		stopChannel:  make(chan bool, 1),
		verbose:      verbose,
	}

	logger.Debug("Created soundmic instance")

	return s, nil
}

// Initialize sets up components and starts to run in the background
func (s *SoundMic) Initialize() error {
	s.logger.Debug("Initializing")

	if err := s.configMan.Load(); err != nil {
		s.logger.Errorw("Failed to load config during initialization", "error", err)
		return fmt.Errorf("load config during init: %w", err)
	}

	if err := util.CreateMutex(appName); err != nil {
		s.logger.Errorw("Failed to claim single instance mutex", "error", err)
		if errors.Is(err, util.ErrAlreadyRunning) {
			s.notifier.Notify("soundmic is already running", "Look for its icon in the tray.")
		}
		return fmt.Errorf("claim instance mutex: %w", err)
	}

	config := s.configMan.Current()

	backend, err := SelectBackend(s.logger, s.dir, config)
	if err != nil {
		s.logger.Errorw("Failed to select backend", "error", err)
		return fmt.Errorf("select backend: %w", err)
	}

	s.core = NewAudioCore(s.logger, backend, config)

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	if err := s.core.Create(ctx); err != nil {
		if errors.Is(err, vmic.ErrDriverMissing) {
			s.notifier.Alert("Virtual audio driver missing", vmic.ErrDriverMissing.Error())
			return fmt.Errorf("init virtual microphone: %w", err)
		}

		// everything else can be retried from the tray
		s.logger.Warnw("Failed to create virtual microphone", "error", err)
		s.notifier.Notify("Virtual microphone unavailable", "Use \"Reload virtual microphone\" to try again.")
	}

	s.applyConfig(config)
	s.setupInterruptHandler()

	if config.DisableTray {
		s.logger.Debugw("Running without tray icon", "reason", "disabled in config")

		// run in main thread while waiting on ctrl+C
		s.run()
	} else {
		s.runningWithTray = true
		s.initializeTray(s.run)
	}

	return nil
}

// SetVersion causes soundmic to add a version string to its tray menu if called before Initialize
func (s *SoundMic) SetVersion(version string) {
	s.version = version
}

// Verbose returns a boolean indicating whether soundmic is running in verbose mode
func (s *SoundMic) Verbose() bool {
	return s.verbose
}

func (s *SoundMic) setupInterruptHandler() {
	interruptChannel := util.SetupCloseHandler()

	go func() {
		signal := <-interruptChannel
		s.logger.Debugw("Interrupted", "signal", signal)
		s.signalStop()
	}()
}

// applyConfig swaps in the parts of the config that can change at runtime.
// Virtual microphone settings take effect on the next reload.
func (s *SoundMic) applyConfig(config Config) {
	lib := library.New(s.logger, config.Sounds.Directories, config.Sounds.Extensions)
	mapping := config.PadMapping(s.logger)

	s.mu.Lock()
	replaced := s.library != nil
	s.library = lib
	s.padMapping = mapping
	s.mu.Unlock()

	if !replaced {
		return
	}

	select {
	case s.libraryReset <- struct{}{}:
	default:
	}
}

func (s *SoundMic) currentLibrary() *library.Library {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.library
}

func (s *SoundMic) run() {
	defer s.recoverFromPanic()

	s.logger.Info("Run loop starting")

	config := s.configMan.Current()

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)

	go s.configMan.WatchConfigFileChanges()

	g.Go(func() error {
		defer s.recoverFromPanic()
		return s.reapLoop(gctx, config.TickInterval)
	})

	g.Go(func() error {
		defer s.recoverFromPanic()
		return s.core.Routing().Run(gctx, config.PollInterval, s.streamEvents(gctx))
	})

	g.Go(func() error {
		defer s.recoverFromPanic()
		return s.watchLibrary(gctx)
	})

	g.Go(func() error {
		defer s.recoverFromPanic()
		return s.watchConfig(gctx)
	})

	if config.BLEPads {
		g.Go(func() error {
			defer s.recoverFromPanic()
			return s.runPads(gctx)
		})
	}

	// wait until gracefully stopped
	<-s.stopChannel
	s.logger.Debug("Stop channel signaled, terminating")

	cancel()
	if err := g.Wait(); err != nil {
		s.logger.Warnw("Background task failed", "error", err)
	}

	if err := s.stop(); err != nil {
		s.logger.Warnw("Failed to stop soundmic", "error", err)
		os.Exit(1)
	} else {
		os.Exit(0)
	}
}

func (s *SoundMic) reapLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if reaped := s.core.TickAndReap(); reaped > 0 {
				s.logger.Debugw("Reaped finished sounds", "count", reaped, "active", s.core.Active())
			}
		}
	}
}

// streamEvents returns a channel waking the routing loop when applications
// start or stop recording, or nil where only polling is available.
func (s *SoundMic) streamEvents(ctx context.Context) <-chan struct{} {
	if s.core.Backend() != backendPulse {
		return nil
	}

	events, err := directory.WatchStreams(ctx, s.logger)
	if err != nil {
		s.logger.Debugw("Stream events unavailable, polling only", "error", err)
		return nil
	}

	return events
}

func (s *SoundMic) watchLibrary(ctx context.Context) error {
	for {
		lib := s.currentLibrary()

		watchCtx, cancel := context.WithCancel(ctx)
		changes, err := lib.Watch(watchCtx)
		if err != nil {
			s.logger.Warnw("Failed to watch sound directories", "error", err)
		}

		s.publishSounds(lib.Scan())

	inner:
		for {
			select {
			case <-ctx.Done():
				cancel()
				return nil

			case <-s.libraryReset:
				break inner

			case _, ok := <-changes:
				if !ok {
					changes = nil
					continue
				}
				s.publishSounds(lib.Scan())
			}
		}

		cancel()
	}
}

func (s *SoundMic) publishSounds(sounds []string) {
	s.logger.Debugw("Sound library updated", "count", len(sounds))

	// keep only the latest listing
	select {
	case <-s.soundsUpdate:
	default:
	}
	s.soundsUpdate <- sounds
}

func (s *SoundMic) watchConfig(ctx context.Context) error {
	changes := s.configMan.SubscribeToChanges()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changes:
			s.logger.Debug("Applying reloaded config")
			s.applyConfig(s.configMan.Current())
		}
	}
}

func (s *SoundMic) runPads(ctx context.Context) error {
	bio := pads.NewBLEIO(s.logger)
	events := bio.Subscribe()

	if err := bio.Start(ctx); err != nil {
		s.logger.Warnw("Failed to start pad controller", "error", err)
		s.notifier.Notify("Pad controller unavailable", "Is bluetooth turned on?")
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event := <-events:
			s.mu.Lock()
			path, ok := s.padMapping.Sound(event)
			s.mu.Unlock()

			if !ok {
				s.logger.Debugw("No sound mapped to pad", "pad", event.Pad)
				continue
			}

			if _, err := s.core.Play(path); err != nil {
				s.logger.Warnw("Failed to play pad sound", "pad", event.Pad, "path", path, "error", err)
			}
		}
	}
}

func (s *SoundMic) reload() {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	if err := s.core.Reload(ctx); err != nil {
		s.logger.Warnw("Failed to reload virtual microphone", "error", err)

		if errors.Is(err, vmic.ErrDriverMissing) {
			s.notifier.Alert("Virtual audio driver missing", vmic.ErrDriverMissing.Error())
			return
		}

		s.notifier.Notify("Couldn't rebuild the virtual microphone", "Please check soundmic's logs for more details.")
		return
	}

	s.logger.Info("Reloaded virtual microphone")
}

func (s *SoundMic) signalStop() {
	s.logger.Debug("Signalling stop channel")

	select {
	case s.stopChannel <- true:
	default:
	}
}

func (s *SoundMic) stop() error {
	s.logger.Info("Stopping")

	s.configMan.StopWatchingConfigFile()

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	if err := s.core.Destroy(ctx); err != nil {
		s.logger.Errorw("Failed to destroy virtual microphone", "error", err)
		return fmt.Errorf("destroy virtual microphone: %w", err)
	}

	if s.runningWithTray {
		s.stopTray()
	}

	// attempt to sync on exit - this won't necessarily work but can't harm
	_ = s.logger.Sync()

	return nil
}
