package vmic

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/gen2brain/malgo"
	"go.uber.org/zap"

	"github.com/MixyLabs/soundmic/pkg/soundmic/directory"
	"github.com/MixyLabs/soundmic/pkg/soundmic/ringbuf"
)

// BridgeConfig describes the callback-bridge graph.
type BridgeConfig struct {
	CablePatterns     []string
	SampleRate        int
	RingSeconds       float64
	IncludeMicrophone bool
	MonitorPlayback   bool
}

// BridgeBackend feeds a virtual cable driver's playback end directly from
// audio callbacks: the default microphone reaches it through a ring buffer
// and sounds are mixed ahead into a second one. Other applications record
// from the cable's capture end.
type BridgeBackend struct {
	logger *zap.SugaredLogger
	config BridgeConfig

	ctx     *malgo.AllocatedContext
	devices deviceSet
	mixes   mixAheads
	ring    *ringbuf.Ring
}

// NewBridgeBackend creates a callback-bridge backend.
func NewBridgeBackend(logger *zap.SugaredLogger, config BridgeConfig) *BridgeBackend {
	return &BridgeBackend{
		logger: logger.Named("bridge_backend"),
		config: config,
	}
}

// Name implements Backend.
func (b *BridgeBackend) Name() string {
	return "bridge"
}

// Create implements Backend.
func (b *BridgeBackend) Create(_ context.Context) ([]*Output, error) {
	ctx, err := initAudioContext()
	if err != nil {
		return nil, err
	}

	var cable malgo.DeviceInfo
	patterns, err := resolveCablePatterns(b.logger, directory.ListEndpoints, b.config.CablePatterns)
	if err == nil {
		cable, err = findDevice(ctx, malgo.Playback, patterns)
	}
	if err != nil {
		freeAudioContext(ctx)

		if errors.Is(err, ErrDriverMissing) {
			b.logger.Errorw("No virtual cable device found", "patterns", b.config.CablePatterns)
		}

		return nil, err
	}

	cableName := cable.Name()
	b.logger.Infow("Found virtual cable", "device", cableName)

	if err := directory.SetEndpointVolume(b.logger, cableName, 100); err != nil {
		if !errors.Is(err, directory.ErrUnsupported) {
			b.logger.Warnw("Failed to set virtual cable volume", "device", cableName, "error", err)
		}
	}

	var (
		devices deviceSet
		mixes   mixAheads
	)
	fail := func(err error) ([]*Output, error) {
		devices.release()
		mixes.close()
		freeAudioContext(ctx)
		return nil, err
	}

	cableOut := NewOutput(cableName, b.config.SampleRate)
	outputs := []*Output{cableOut}

	cableMix, mixConsumer := newMixAhead(cableOut, b.config.SampleRate)
	mixes = append(mixes, cableMix)

	ring := ringbuf.ForDuration(b.config.SampleRate, 2, b.config.RingSeconds)
	producer, consumer := ring.Split()

	if b.config.IncludeMicrophone {
		mic, err := openDevice(ctx, malgo.Capture, nil, b.config.SampleRate, 1, producer.CaptureProc(2))
		if err != nil {
			return fail(fmt.Errorf("open microphone: %w", err))
		}
		devices = append(devices, mic)
	}

	renderProc := bridgeRenderProc(consumer, mixConsumer, periodSamples(b.config.SampleRate))
	render, err := openDevice(ctx, malgo.Playback, &cable.ID, b.config.SampleRate, 2, renderProc)
	if err != nil {
		return fail(fmt.Errorf("open virtual cable %s: %w", cableName, err))
	}
	devices = append(devices, render)

	if b.config.MonitorPlayback {
		speakersOut := NewOutput("default", b.config.SampleRate)
		speakersMix, speakersConsumer := newMixAhead(speakersOut, b.config.SampleRate)
		mixes = append(mixes, speakersMix)

		speakers, err := openDevice(ctx, malgo.Playback, nil, b.config.SampleRate, 2, speakersConsumer.RenderProc())
		if err != nil {
			return fail(fmt.Errorf("open speakers: %w", err))
		}
		devices = append(devices, speakers)
		outputs = append(outputs, speakersOut)
	}

	mixes.start()
	if err := devices.start(); err != nil {
		return fail(err)
	}

	b.ctx = ctx
	b.devices = devices
	b.mixes = mixes
	b.ring = ring

	return outputs, nil
}

// resolveCablePatterns narrows patterns to the friendly name of the first
// active render endpoint they match, so the device scan picks exactly the
// cable's playback end. Without an endpoint list the patterns are kept.
func resolveCablePatterns(logger *zap.SugaredLogger,
	list func(*zap.SugaredLogger) ([]directory.Endpoint, error), patterns []string) ([]string, error) {
	endpoints, err := list(logger)
	if err != nil {
		if !errors.Is(err, directory.ErrUnsupported) {
			logger.Warnw("Failed to list audio endpoints, matching devices by name", "error", err)
		}
		return patterns, nil
	}

	var names []string
	for _, endpoint := range endpoints {
		if !endpoint.Capture {
			names = append(names, endpoint.FriendlyName)
		}
	}

	idx, ok := matchDevice(names, patterns)
	if !ok {
		return nil, ErrDriverMissing
	}

	logger.Debugw("Resolved virtual cable endpoint", "endpoint", names[idx])

	return []string{names[idx]}, nil
}

// bridgeRenderProc sums the captured microphone and the rendered sound mix
// into the cable's render buffer, at most chunk samples at a time. It never
// blocks or allocates.
func bridgeRenderProc(mic, mix *ringbuf.Consumer, chunk int) malgo.DataProc {
	micBuf := make([]float32, chunk)
	mixBuf := make([]float32, chunk)

	return func(output, _ []byte, _ uint32) {
		total := len(output) / 4

		for offset := 0; offset < total; offset += chunk {
			n := min(chunk, total-offset)
			micSamples, mixSamples := micBuf[:n], mixBuf[:n]

			mic.Fill(micSamples)
			mix.Fill(mixSamples)

			for i := range micSamples {
				sample := clamp(float64(micSamples[i]) + float64(mixSamples[i]))
				binary.LittleEndian.PutUint32(output[(offset+i)*4:], math.Float32bits(sample))
			}
		}
	}
}

// Destroy implements Backend.
func (b *BridgeBackend) Destroy(_ context.Context) error {
	if b.ctx == nil {
		return nil
	}

	b.devices.release()
	b.mixes.close()
	freeAudioContext(b.ctx)

	if b.ring != nil {
		b.logger.Debugw("Released virtual cable bridge",
			"droppedSamples", b.ring.Dropped(), "underruns", b.ring.Underruns(),
			"mixUnderruns", b.mixes.underruns())
	}

	b.ctx = nil
	b.devices = nil
	b.mixes = nil
	b.ring = nil

	return nil
}

// ListSources implements Backend. Application streams cannot be selected
// through the cable, so there is nothing to offer.
func (b *BridgeBackend) ListSources(_ context.Context) []directory.Source {
	return nil
}

// RouteSource implements Backend as a no-op.
func (b *BridgeBackend) RouteSource(_ context.Context, index uint32) error {
	b.logger.Debugw("Ignoring routing request, not available with a virtual cable", "index", index)
	return nil
}
