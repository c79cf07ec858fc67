package vmic

import (
	"context"
	"fmt"

	"github.com/gen2brain/malgo"
	"go.uber.org/zap"

	"github.com/MixyLabs/soundmic/pkg/soundmic/directory"
)

// FallbackBackend plays sounds on the default output device only. Other
// applications cannot record them; it exists so the soundboard still works
// where no virtual device can be built.
type FallbackBackend struct {
	logger     *zap.SugaredLogger
	sampleRate int

	ctx     *malgo.AllocatedContext
	devices deviceSet
	mix     *mixAhead
}

// NewFallbackBackend creates the degraded default-output backend.
func NewFallbackBackend(logger *zap.SugaredLogger, sampleRate int) *FallbackBackend {
	return &FallbackBackend{
		logger:     logger.Named("fallback_backend"),
		sampleRate: sampleRate,
	}
}

// Name implements Backend.
func (b *FallbackBackend) Name() string {
	return "fallback"
}

// Create implements Backend.
func (b *FallbackBackend) Create(_ context.Context) ([]*Output, error) {
	b.logger.Warn("No virtual microphone available on this system, sounds will only play on the default output")

	ctx, err := initAudioContext()
	if err != nil {
		return nil, err
	}

	out := NewOutput("default", b.sampleRate)
	mix, consumer := newMixAhead(out, b.sampleRate)

	device, err := openDevice(ctx, malgo.Playback, nil, b.sampleRate, 2, consumer.RenderProc())
	if err != nil {
		freeAudioContext(ctx)
		return nil, fmt.Errorf("open default output: %w", err)
	}

	mix.start()
	devices := deviceSet{device}
	if err := devices.start(); err != nil {
		devices.release()
		mix.close()
		freeAudioContext(ctx)
		return nil, err
	}

	b.ctx = ctx
	b.devices = devices
	b.mix = mix

	return []*Output{out}, nil
}

// Destroy implements Backend.
func (b *FallbackBackend) Destroy(_ context.Context) error {
	if b.ctx == nil {
		return nil
	}

	b.devices.release()
	b.mix.close()
	freeAudioContext(b.ctx)

	b.ctx = nil
	b.devices = nil
	b.mix = nil

	return nil
}

// ListSources implements Backend.
func (b *FallbackBackend) ListSources(_ context.Context) []directory.Source {
	return nil
}

// RouteSource implements Backend.
func (b *FallbackBackend) RouteSource(_ context.Context, _ uint32) error {
	return ErrRoutingUnsupported
}
