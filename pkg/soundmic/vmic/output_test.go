package vmic

import (
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/MixyLabs/soundmic/pkg/soundmic/ringbuf"
)

// constStreamer yields remaining frames of a constant value on both channels.
type constStreamer struct {
	value     float64
	remaining int
}

func (c *constStreamer) Stream(samples [][2]float64) (int, bool) {
	if c.remaining == 0 {
		return 0, false
	}

	n := min(len(samples), c.remaining)
	for i := range samples[:n] {
		samples[i] = [2]float64{c.value, c.value}
	}
	c.remaining -= n

	return n, true
}

func (c *constStreamer) Err() error {
	return nil
}

func TestOutput_MixesVoices(t *testing.T) {
	t.Parallel()

	out := NewOutput("test", 1000)

	if _, err := out.Attach(&constStreamer{value: 0.25, remaining: 10_000}); err != nil {
		t.Fatalf("Attach() unexpected error: %v", err)
	}
	if _, err := out.Attach(&constStreamer{value: 0.5, remaining: 10_000}); err != nil {
		t.Fatalf("Attach() unexpected error: %v", err)
	}

	buf := make([]float32, 2*100)
	out.Fill(buf)

	for i, sample := range buf {
		if sample != 0.75 {
			t.Fatalf("sample %d = %v, want 0.75", i, sample)
		}
	}
}

func TestOutput_ClampsMix(t *testing.T) {
	t.Parallel()

	out := NewOutput("test", 1000)
	_, _ = out.Attach(&constStreamer{value: 0.75, remaining: 100})
	_, _ = out.Attach(&constStreamer{value: 0.75, remaining: 100})

	buf := make([]float32, 2*10)
	out.Fill(buf)

	if buf[0] != 1 {
		t.Errorf("clipped sample = %v, want 1", buf[0])
	}
}

func TestOutput_EmptyMixIsSilence(t *testing.T) {
	t.Parallel()

	out := NewOutput("test", 48000)

	buf := []float32{1, 1, 1, 1}
	out.Fill(buf)

	for i, sample := range buf {
		if sample != 0 {
			t.Errorf("sample %d = %v, want silence", i, sample)
		}
	}
}

func TestVoice_ElapsedFollowsRenderedFrames(t *testing.T) {
	t.Parallel()

	out := NewOutput("test", 1000)
	voice, err := out.Attach(&constStreamer{value: 0.1, remaining: 2000})
	if err != nil {
		t.Fatalf("Attach() unexpected error: %v", err)
	}

	out.Fill(make([]float32, 2*500))
	if got := voice.Elapsed(); got != 500*time.Millisecond {
		t.Errorf("Elapsed() = %v, want 500ms", got)
	}

	voice.Pause()
	if !voice.Paused() {
		t.Error("Paused() = false after Pause")
	}

	out.Fill(make([]float32, 2*500))
	if got := voice.Elapsed(); got != 500*time.Millisecond {
		t.Errorf("Elapsed() while paused = %v, want 500ms", got)
	}

	voice.Resume()
	out.Fill(make([]float32, 2*250))
	if got := voice.Elapsed(); got != 750*time.Millisecond {
		t.Errorf("Elapsed() after resume = %v, want 750ms", got)
	}
}

func TestVoice_DoneWhenDrained(t *testing.T) {
	t.Parallel()

	out := NewOutput("test", 1000)
	voice, _ := out.Attach(&constStreamer{value: 0.1, remaining: 300})

	out.Fill(make([]float32, 2*1000))

	if !voice.Done() {
		t.Error("Done() = false after the streamer drained")
	}
	if got := voice.Elapsed(); got != 300*time.Millisecond {
		t.Errorf("Elapsed() = %v, want 300ms", got)
	}
	if got := out.Voices(); got != 0 {
		t.Errorf("Voices() = %d, want 0", got)
	}
}

func TestVoice_StopSilencesImmediately(t *testing.T) {
	t.Parallel()

	out := NewOutput("test", 1000)
	voice, _ := out.Attach(&constStreamer{value: 0.5, remaining: 10_000})

	voice.Stop()

	buf := make([]float32, 2*10)
	out.Fill(buf)

	if buf[0] != 0 {
		t.Errorf("sample after Stop = %v, want silence", buf[0])
	}
	if !voice.Done() {
		t.Error("Done() = false after Stop")
	}
}

func TestOutput_CloseInvalidatesVoices(t *testing.T) {
	t.Parallel()

	out := NewOutput("test", 1000)
	voice, _ := out.Attach(&constStreamer{value: 0.5, remaining: 10_000})

	out.Close()

	if !voice.Done() {
		t.Error("voice not done after Close")
	}
	if _, err := out.Attach(&constStreamer{value: 0.5, remaining: 1}); !errors.Is(err, ErrOutputClosed) {
		t.Errorf("Attach() after Close error = %v, want ErrOutputClosed", err)
	}

	buf := []float32{1, 1}
	out.Fill(buf)
	if buf[0] != 0 || buf[1] != 0 {
		t.Errorf("Fill() after Close = %v, want silence", buf)
	}
}

func TestBridgeRenderProc_SumsMicrophoneAndMix(t *testing.T) {
	t.Parallel()

	micProducer, mic := ringbuf.New(16).Split()
	for i := 0; i < 4; i++ {
		micProducer.Push(0.25)
	}
	mixProducer, mix := ringbuf.New(16).Split()
	mixProducer.Write([]float32{0.5, 0.5, 0.5, 0.5, 0.5, 0.5, 0.5, 0.5})

	// chunk smaller than the callback to cover the split path
	proc := bridgeRenderProc(mic, mix, 3)

	const frames = 4
	buf := make([]byte, frames*2*4)
	proc(buf, nil, frames)

	want := []float32{0.75, 0.75, 0.75, 0.75, 0.5, 0.5, 0.5, 0.5}
	for i, w := range want {
		got := math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
		if got != w {
			t.Errorf("sample %d = %v, want %v", i, got, w)
		}
	}
}

func TestBridgeRenderProc_NotSilencedByVoiceQueries(t *testing.T) {
	t.Parallel()

	const (
		sampleRate = 48000
		callbacks  = 5000
	)

	out := NewOutput("cable", sampleRate)
	voice, err := out.Attach(&constStreamer{value: 0.25, remaining: callbacks * sampleRate})
	if err != nil {
		t.Fatalf("Attach() unexpected error: %v", err)
	}

	mixer, mix := newMixAhead(out, sampleRate)
	_, mic := ringbuf.New(16).Split()
	period := periodSamples(sampleRate)
	proc := bridgeRenderProc(mic, mix, period)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_ = voice.Elapsed()
				_ = voice.Paused()
			}
		}
	}()
	defer func() {
		close(stop)
		wg.Wait()
	}()

	buf := make([]byte, period*4)
	silent := 0
	for i := 0; i < callbacks; i++ {
		mixer.topUp()
		proc(buf, nil, uint32(period/2))

		for j := 0; j < period; j++ {
			if math.Float32frombits(binary.LittleEndian.Uint32(buf[j*4:])) != 0.25 {
				silent++
				break
			}
		}
	}

	if silent != 0 {
		t.Errorf("%d of %d callbacks were missing the mix", silent, callbacks)
	}
}

func TestMixAhead_TopUpKeepsTarget(t *testing.T) {
	t.Parallel()

	const sampleRate = 1000
	out := NewOutput("cable", sampleRate)
	_, _ = out.Attach(&constStreamer{value: 0.5, remaining: 10_000})

	mixer, mix := newMixAhead(out, sampleRate)
	period := periodSamples(sampleRate)

	if got, want := mixer.topUp(), mixAheadPeriods*period; got != want {
		t.Fatalf("first topUp() = %d, want %d", got, want)
	}
	if got := mixer.topUp(); got != 0 {
		t.Errorf("topUp() on a full ring = %d, want 0", got)
	}

	buf := make([]float32, period)
	mix.Fill(buf)
	if got := mixer.topUp(); got != period {
		t.Errorf("topUp() after one period was read = %d, want %d", got, period)
	}
	if buf[0] != 0.5 {
		t.Errorf("rendered sample = %v, want 0.5", buf[0])
	}
}

func TestMixAhead_CloseWithoutStart(t *testing.T) {
	t.Parallel()

	mixer, _ := newMixAhead(NewOutput("cable", 1000), 1000)
	mixer.close()
	mixer.close()
}

func TestMixAhead_StartedRendersUntilClosed(t *testing.T) {
	t.Parallel()

	const sampleRate = 1000
	out := NewOutput("cable", sampleRate)
	voice, _ := out.Attach(&constStreamer{value: 0.5, remaining: 10_000})

	mixer, _ := newMixAhead(out, sampleRate)
	mixer.start()
	mixer.close()

	if got, want := voice.Elapsed(), out.SampleRate().D(mixAheadPeriods*periodSamples(sampleRate)/2); got < want {
		t.Errorf("Elapsed() after start = %v, want at least %v", got, want)
	}
}

func TestMatchDevice(t *testing.T) {
	t.Parallel()

	names := []string{"Speakers (Realtek Audio)", "CABLE Input (VB-Audio Virtual Cable)", "Headphones"}

	tests := []struct {
		name     string
		patterns []string
		want     int
		wantOK   bool
	}{
		{name: "exact pattern", patterns: []string{"CABLE Input"}, want: 1, wantOK: true},
		{name: "case insensitive", patterns: []string{"vb-audio"}, want: 1, wantOK: true},
		{name: "first matching name wins", patterns: []string{"headphones", "cable"}, want: 1, wantOK: true},
		{name: "no match", patterns: []string{"VoiceMeeter"}, want: -1},
		{name: "empty pattern ignored", patterns: []string{""}, want: -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, ok := matchDevice(names, tt.patterns)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("matchDevice() = (%d, %v), want (%d, %v)", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}
