package vmic

import (
	"fmt"
	"io"

	"github.com/jfreymuth/pulse"
	"github.com/jfreymuth/pulse/proto"
	"go.uber.org/zap"
)

const playbackLatencySeconds = 0.05

// PulseStreams opens playback streams over the native PulseAudio protocol.
type PulseStreams struct {
	logger     *zap.SugaredLogger
	appName    string
	streamName string
	sampleRate int
}

// NewPulseStreams creates a stream opener. Streams carry streamName as their
// node.name so they can be found in sink-input listings.
func NewPulseStreams(logger *zap.SugaredLogger, appName, streamName string, sampleRate int) *PulseStreams {
	return &PulseStreams{
		logger:     logger.Named("pulse_streams"),
		appName:    appName,
		streamName: streamName,
		sampleRate: sampleRate,
	}
}

type pulseStream struct {
	client *pulse.Client
	stream *pulse.PlaybackStream
}

func (s *pulseStream) Close() error {
	s.stream.Stop()
	s.stream.Close()
	s.client.Close()

	return nil
}

// OpenStream implements StreamOpener.
func (p *PulseStreams) OpenStream(sinkName string, out *Output) (io.Closer, error) {
	client, err := pulse.NewClient(pulse.ClientApplicationName(p.appName))
	if err != nil {
		p.logger.Warnw("Failed to establish PulseAudio connection", "error", err)
		return nil, fmt.Errorf("establish PulseAudio connection: %w", err)
	}

	sink, err := client.SinkByID(sinkName)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("find sink %s: %w", sinkName, err)
	}

	reader := pulse.Float32Reader(func(buf []float32) (int, error) {
		out.Fill(buf)
		return len(buf), nil
	})

	stream, err := client.NewPlayback(reader,
		pulse.PlaybackSink(sink),
		pulse.PlaybackStereo,
		pulse.PlaybackSampleRate(p.sampleRate),
		pulse.PlaybackLatency(playbackLatencySeconds),
		pulse.PlaybackMediaName(p.streamName),
		pulse.PlaybackRawOption(func(request *proto.CreatePlaybackStream) {
			if request.Properties == nil {
				request.Properties = proto.PropList{}
			}
			request.Properties["node.name"] = proto.PropListString(p.streamName)
		}),
	)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("create playback stream: %w", err)
	}

	stream.Start()

	p.logger.Debugw("Opened playback stream", "sink", sinkName, "name", p.streamName)

	return &pulseStream{client: client, stream: stream}, nil
}
