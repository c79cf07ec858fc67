package soundmic

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"go.uber.org/zap"

	"github.com/MixyLabs/soundmic/pkg/soundmic/directory"
	"github.com/MixyLabs/soundmic/pkg/soundmic/playback"
	"github.com/MixyLabs/soundmic/pkg/soundmic/routing"
	"github.com/MixyLabs/soundmic/pkg/soundmic/vmic"
)

const appName = "soundmic"

// errPactlMissing is returned when the pulse backend is requested without pactl on PATH.
var errPactlMissing = errors.New("pulse backend requested but pactl was not found")

// AudioCore ties the virtual microphone, the playing sounds and the source
// routing together. It is what the tray, the CLI and the pads talk to.
type AudioCore struct {
	logger  *zap.SugaredLogger
	manager *vmic.Manager
	tracker *playback.Tracker
	routing *routing.Loop
}

// NewAudioCore creates the core on top of backend. Nothing is built until Create.
func NewAudioCore(logger *zap.SugaredLogger, backend vmic.Backend, config Config) *AudioCore {
	logger = logger.Named("core")

	manager := vmic.NewManager(logger, backend)

	core := &AudioCore{
		logger:  logger,
		manager: manager,
		tracker: playback.NewTracker(logger, manager, config.ReapTolerance),
		routing: routing.New(logger, manager, config.PollInterval),
	}

	logger.Debugw("Created audio core instance", "backend", backend.Name())

	return core
}

// SelectBackend builds the backend named in config. "auto" picks the sound
// server when pactl is around, the virtual cable bridge on Windows and the
// default output everywhere else.
func SelectBackend(logger *zap.SugaredLogger, dir *directory.Directory, config Config) (vmic.Backend, error) {
	name := config.Backend
	if name == backendAuto {
		switch {
		case directory.Available():
			name = backendPulse
		case runtime.GOOS == "windows":
			name = backendBridge
		default:
			name = backendFallback
		}

		logger.Debugw("Picked backend automatically", "backend", name)
	}

	switch name {
	case backendPulse:
		if !directory.Available() {
			return nil, errPactlMissing
		}

		streams := vmic.NewPulseStreams(logger, appName, config.VirtualMic.StreamName, config.SampleRate)

		return vmic.NewServerBackend(logger, dir, streams, vmic.ServerConfig{
			SinkName:          config.VirtualMic.SinkName,
			SourceName:        config.VirtualMic.SourceName,
			IncludeMicrophone: config.VirtualMic.IncludeMicrophone,
			MonitorPlayback:   config.VirtualMic.MonitorPlayback,
			LoopbackLatencyMS: config.VirtualMic.LoopbackLatencyMS,
			StreamName:        config.VirtualMic.StreamName,
			SampleRate:        config.SampleRate,
		}), nil

	case backendBridge:
		return vmic.NewBridgeBackend(logger, vmic.BridgeConfig{
			CablePatterns:     config.Bridge.CablePatterns,
			SampleRate:        config.SampleRate,
			RingSeconds:       config.Bridge.RingSeconds,
			IncludeMicrophone: config.VirtualMic.IncludeMicrophone,
			MonitorPlayback:   config.VirtualMic.MonitorPlayback,
		}), nil

	case backendFallback:
		return vmic.NewFallbackBackend(logger, config.SampleRate), nil
	}

	return nil, fmt.Errorf("unknown backend %q", name)
}

// Backend names the backend in use.
func (c *AudioCore) Backend() string {
	return c.manager.Backend()
}

// Routing exposes the source selection loop so it can be run.
func (c *AudioCore) Routing() *routing.Loop {
	return c.routing
}

// Create builds the virtual microphone.
func (c *AudioCore) Create(ctx context.Context) error {
	if err := c.manager.Create(ctx); err != nil {
		return fmt.Errorf("create virtual microphone: %w", err)
	}

	c.routing.Invalidate()

	return nil
}

// Reload stops every sound and rebuilds the virtual microphone.
func (c *AudioCore) Reload(ctx context.Context) error {
	c.stopSessions()

	if err := c.manager.Reload(ctx); err != nil {
		return fmt.Errorf("reload virtual microphone: %w", err)
	}

	c.routing.Invalidate()

	return nil
}

// Destroy stops every sound and tears the virtual microphone down.
func (c *AudioCore) Destroy(ctx context.Context) error {
	c.stopSessions()

	if err := c.manager.Destroy(ctx); err != nil {
		return fmt.Errorf("destroy virtual microphone: %w", err)
	}

	return nil
}

func (c *AudioCore) stopSessions() {
	c.tracker.StopAll()

	if reaped := c.tracker.TickAndReap(); reaped > 0 {
		c.logger.Debugw("Released sounds", "count", reaped)
	}
}

// ListRoutableSources returns the applications currently recording audio.
func (c *AudioCore) ListRoutableSources(ctx context.Context) []directory.Source {
	return c.manager.ListSources(ctx)
}

// ApplyRouting makes the source with index the one feeding the virtual microphone.
func (c *AudioCore) ApplyRouting(ctx context.Context, index uint32) error {
	return c.routing.Select(ctx, index)
}

// Play starts a sound and returns its session id.
func (c *AudioCore) Play(path string) (uint64, error) {
	return c.tracker.Play(path)
}

// Pause pauses a session.
func (c *AudioCore) Pause(id uint64) error {
	return c.tracker.Pause(id)
}

// Resume resumes a paused session.
func (c *AudioCore) Resume(id uint64) error {
	return c.tracker.Resume(id)
}

// Stop stops a session; it is released on the next TickAndReap.
func (c *AudioCore) Stop(id uint64) error {
	return c.tracker.Stop(id)
}

// StopAll stops every session.
func (c *AudioCore) StopAll() {
	c.tracker.StopAll()
}

// TickAndReap releases finished and stopped sessions and returns how many.
func (c *AudioCore) TickAndReap() int {
	return c.tracker.TickAndReap()
}

// Active returns the number of live sessions.
func (c *AudioCore) Active() int {
	return c.tracker.Active()
}

// Sessions returns a snapshot of the live sessions.
func (c *AudioCore) Sessions() []playback.Session {
	return c.tracker.Sessions()
}
