package vmic

import (
	"sync"
	"time"

	"github.com/gopxl/beep/v2"
)

// maxFillFrames bounds the frames mixed per step of a Fill.
const maxFillFrames = 4096

// Output is an open output stream handle. Every voice attached to it is summed
// into the samples the owning device pulls through Fill.
//
// Closing an Output (on destroy or reload) invalidates every voice attached to it.
type Output struct {
	name       string
	sampleRate beep.SampleRate

	mu     sync.Mutex
	mixer  beep.Mixer
	voices map[*Voice]struct{}
	closed bool
	frames [][2]float64
}

// NewOutput creates a stereo output running at sampleRate.
func NewOutput(name string, sampleRate int) *Output {
	return &Output{
		name:       name,
		sampleRate: beep.SampleRate(sampleRate),
		voices:     make(map[*Voice]struct{}),
		frames:     make([][2]float64, maxFillFrames),
	}
}

// Name returns the device the output is bound to.
func (o *Output) Name() string {
	return o.name
}

// SampleRate returns the output's sample rate.
func (o *Output) SampleRate() beep.SampleRate {
	return o.sampleRate
}

// Attach adds a streamer to the mix and starts playing it immediately.
// The streamer must already run at the output's sample rate.
func (o *Output) Attach(s beep.Streamer) (*Voice, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return nil, ErrOutputClosed
	}

	v := &Voice{out: o}
	v.ctrl = &beep.Ctrl{Streamer: &countingStreamer{voice: v, s: s}}

	o.voices[v] = struct{}{}
	o.mixer.Add(v.ctrl)

	return v, nil
}

// Voices returns the number of voices still attached.
func (o *Output) Voices() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	return len(o.voices)
}

// Close silences and detaches every voice. Further Attach calls fail.
func (o *Output) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return
	}

	o.closed = true
	o.mixer.Clear()

	for v := range o.voices {
		v.done = true
		v.ctrl.Streamer = nil
	}
	clear(o.voices)
}

// Fill writes len(dst)/2 interleaved stereo frames of the current mix into dst.
func (o *Output) Fill(dst []float32) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.fillLocked(dst)
}

func (o *Output) fillLocked(dst []float32) {
	if o.closed {
		clear(dst)
		return
	}

	for len(dst) >= 2 {
		frames := o.frames[:min(len(dst)/2, len(o.frames))]

		clear(frames)
		n, _ := o.mixer.Stream(frames)
		clear(frames[n:])

		for i, frame := range frames {
			dst[2*i] = clamp(frame[0])
			dst[2*i+1] = clamp(frame[1])
		}
		dst = dst[2*len(frames):]
	}
	if len(dst) == 1 {
		dst[0] = 0
	}

	for v := range o.voices {
		if v.done {
			delete(o.voices, v)
		}
	}
}

func clamp(x float64) float32 {
	switch {
	case x > 1:
		return 1
	case x < -1:
		return -1
	default:
		return float32(x)
	}
}

// Voice is one mixing connection on an Output: a single sound summed into it.
// It does not own the Output.
type Voice struct {
	out  *Output
	ctrl *beep.Ctrl

	// guarded by out.mu
	frames int
	done   bool
}

// Pause silences the voice without losing its position.
func (v *Voice) Pause() {
	v.out.mu.Lock()
	defer v.out.mu.Unlock()

	v.ctrl.Paused = true
}

// Resume continues a paused voice.
func (v *Voice) Resume() {
	v.out.mu.Lock()
	defer v.out.mu.Unlock()

	v.ctrl.Paused = false
}

// Paused reports whether the voice is paused.
func (v *Voice) Paused() bool {
	v.out.mu.Lock()
	defer v.out.mu.Unlock()

	return v.ctrl.Paused
}

// Stop detaches the voice from the mix. It is silent from the next Fill on.
func (v *Voice) Stop() {
	v.out.mu.Lock()
	defer v.out.mu.Unlock()

	v.ctrl.Streamer = nil
	v.done = true
	delete(v.out.voices, v)
}

// Elapsed returns how much of the voice has been rendered.
func (v *Voice) Elapsed() time.Duration {
	v.out.mu.Lock()
	defer v.out.mu.Unlock()

	return v.out.sampleRate.D(v.frames)
}

// Done reports whether the voice ran out of audio or was stopped.
func (v *Voice) Done() bool {
	v.out.mu.Lock()
	defer v.out.mu.Unlock()

	return v.done
}

type countingStreamer struct {
	voice *Voice
	s     beep.Streamer
}

func (c *countingStreamer) Stream(samples [][2]float64) (int, bool) {
	n, ok := c.s.Stream(samples)
	c.voice.frames += n
	if !ok || n < len(samples) {
		c.voice.done = true
	}

	return n, ok
}

func (c *countingStreamer) Err() error {
	return c.s.Err()
}
