package vmic

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/MixyLabs/soundmic/pkg/soundmic/directory"
)

// labels embedded into every module the server backend loads; destroy finds
// the graph again by these, including graphs left behind by a crashed run
const (
	sinkLabel            = "Virtual_Microphone"
	sourceLabel          = "Virtual_Mic_Source"
	micLoopbackLabel     = "Soundmic_Mic_Loopback"
	monitorLoopbackLabel = "Soundmic_Monitor_Loopback"

	propMediaName = "media.name"
)

// Labels returns every label the server backend embeds into its modules.
func Labels() []string {
	return []string{sinkLabel, sourceLabel, micLoopbackLabel, monitorLoopbackLabel}
}

// ServerConfig describes the device graph built on a sound server.
type ServerConfig struct {
	SinkName          string
	SourceName        string
	IncludeMicrophone bool
	MonitorPlayback   bool
	LoopbackLatencyMS int
	StreamName        string
	SampleRate        int
}

// StreamOpener opens a playback stream on a sound server sink that renders out.
type StreamOpener interface {
	OpenStream(sink string, out *Output) (io.Closer, error)
}

// ServerBackend builds the virtual microphone from sound server modules:
// a null sink, a remap source exposing its monitor, and optional loopbacks.
type ServerBackend struct {
	logger  *zap.SugaredLogger
	dir     *directory.Directory
	streams StreamOpener
	config  ServerConfig

	stream io.Closer
}

// NewServerBackend creates a server-mediated backend.
func NewServerBackend(logger *zap.SugaredLogger, dir *directory.Directory, streams StreamOpener, config ServerConfig) *ServerBackend {
	return &ServerBackend{
		logger:  logger.Named("server_backend"),
		dir:     dir,
		streams: streams,
		config:  config,
	}
}

// Name implements Backend.
func (b *ServerBackend) Name() string {
	return "pulse"
}

func (b *ServerBackend) modules() []directory.Module {
	latency := "latency_msec=" + strconv.Itoa(b.config.LoopbackLatencyMS)

	modules := []directory.Module{
		{
			Name: "module-null-sink",
			Args: []string{
				"sink_name=" + b.config.SinkName,
				"sink_properties=device.description=" + sinkLabel,
			},
		},
		{
			Name: "module-remap-source",
			Args: []string{
				"master=" + b.config.SinkName + ".monitor",
				"source_name=" + b.config.SourceName,
				"source_properties=device.description=" + sourceLabel,
			},
		},
	}

	if b.config.IncludeMicrophone {
		// no source argument: the default microphone
		modules = append(modules, directory.Module{
			Name: "module-loopback",
			Args: []string{
				"sink=" + b.config.SinkName,
				latency,
				"source_dont_move=true",
				"sink_input_properties=" + propMediaName + "=" + micLoopbackLabel,
				"source_output_properties=" + propMediaName + "=" + micLoopbackLabel,
			},
		})
	}

	if b.config.MonitorPlayback {
		// no sink argument: the default speakers
		modules = append(modules, directory.Module{
			Name: "module-loopback",
			Args: []string{
				"source=" + b.config.SinkName + ".monitor",
				latency,
				"source_dont_move=true",
				"sink_input_properties=" + propMediaName + "=" + monitorLoopbackLabel,
				"source_output_properties=" + propMediaName + "=" + monitorLoopbackLabel,
			},
		})
	}

	return modules
}

// Create implements Backend. Any failing command rolls back everything
// loaded so far and fails the whole creation.
func (b *ServerBackend) Create(ctx context.Context) ([]*Output, error) {
	if err := b.sweep(ctx); err != nil {
		return nil, fmt.Errorf("remove stale virtual microphone: %w", err)
	}

	var loaded []uint32
	rollback := func(cause error) error {
		for i := len(loaded) - 1; i >= 0; i-- {
			if err := b.dir.UnloadModule(ctx, loaded[i]); err != nil {
				b.logger.Warnw("Failed to unload module during rollback", "id", loaded[i], "error", err)
			}
		}

		// catch anything a failed command created before reporting failure
		if err := b.sweep(ctx); err != nil {
			b.logger.Warnw("Failed to sweep modules during rollback", "error", err)
			return errors.Join(cause, err)
		}

		return cause
	}

	for _, module := range b.modules() {
		id, err := b.dir.LoadModule(ctx, module)
		if err != nil {
			return nil, rollback(err)
		}
		loaded = append(loaded, id)
	}

	if err := b.dir.SetVolume(ctx, directory.KindSink, b.config.SinkName, 100); err != nil {
		return nil, rollback(err)
	}
	if err := b.dir.SetVolume(ctx, directory.KindSource, b.config.SourceName, 100); err != nil {
		return nil, rollback(err)
	}

	out := NewOutput(b.config.SinkName, b.config.SampleRate)

	stream, err := b.streams.OpenStream(b.config.SinkName, out)
	if err != nil {
		out.Close()
		return nil, rollback(fmt.Errorf("open playback stream on %s: %w", b.config.SinkName, err))
	}
	b.stream = stream

	b.routeOwnStream(ctx)

	b.logger.Debugw("Built virtual microphone graph", "modules", len(loaded))

	return []*Output{out}, nil
}

// routeOwnStream moves our playback stream onto the virtual sink in case the
// server placed it elsewhere.
func (b *ServerBackend) routeOwnStream(ctx context.Context) {
	for _, record := range b.dir.List(ctx, directory.KindSinkInput, directory.NodeNameIs(b.config.StreamName)) {
		if err := b.dir.MoveStream(ctx, directory.KindSinkInput, record.Index, b.config.SinkName); err != nil {
			b.logger.Warnw("Failed to move playback stream onto virtual sink", "index", record.Index, "error", err)
		}
	}
}

// Destroy implements Backend.
func (b *ServerBackend) Destroy(ctx context.Context) error {
	var errs []error

	if b.stream != nil {
		if err := b.stream.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close playback stream: %w", err))
		}
		b.stream = nil
	}

	if err := b.sweep(ctx); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// sweep unloads every module carrying one of our labels.
func (b *ServerBackend) sweep(ctx context.Context) error {
	total := 0

	for _, label := range Labels() {
		n, err := b.dir.UnloadModulesMatching(ctx, label)
		total += n
		if err != nil {
			return fmt.Errorf("unload modules labelled %s: %w", label, err)
		}
	}

	if total > 0 {
		b.logger.Debugw("Unloaded virtual microphone modules", "count", total)
	}

	return nil
}

// ListSources implements Backend. Our own loopbacks are not offered.
func (b *ServerBackend) ListSources(ctx context.Context) []directory.Source {
	return b.dir.ListOutputs(ctx, notOwnLoopback)
}

func notOwnLoopback(record directory.Record) bool {
	media := record.Properties[propMediaName]
	return !strings.Contains(media, micLoopbackLabel) && !strings.Contains(media, monitorLoopbackLabel)
}

// RouteSource implements Backend.
func (b *ServerBackend) RouteSource(ctx context.Context, index uint32) error {
	return b.dir.MoveStream(ctx, directory.KindSourceOutput, index, b.config.SourceName)
}
