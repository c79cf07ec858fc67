// Package ringbuf implements the bounded single-producer/single-consumer sample
// queue that connects a real-time capture callback to a real-time render callback.
//
// Neither side ever blocks or takes a lock: a full queue drops the newest sample
// and an empty queue yields silence.
package ringbuf

import (
	"encoding/binary"
	"math"
	"sync/atomic"
)

// Ring is a fixed-capacity float32 queue. Exactly one goroutine may push and
// exactly one goroutine may pop; use Split to hand out the two ends.
type Ring struct {
	buf []float32

	// monotonic counters, slot = counter % len(buf)
	head atomic.Uint64 // next read, owned by the consumer
	tail atomic.Uint64 // next write, owned by the producer

	dropped   atomic.Uint64
	underruns atomic.Uint64
}

// New allocates a ring holding exactly capacity samples.
func New(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}

	return &Ring{buf: make([]float32, capacity)}
}

// ForDuration sizes a ring for the given number of seconds of interleaved audio.
func ForDuration(sampleRate, channels int, seconds float64) *Ring {
	return New(int(math.Ceil(float64(sampleRate*channels) * seconds)))
}

// Cap returns the ring's capacity in samples.
func (r *Ring) Cap() int {
	return len(r.buf)
}

// Len returns the number of queued samples. It is only a snapshot when called
// concurrently with Push or Pop, but always within [0, Cap].
func (r *Ring) Len() int {
	// head first: tail only grows, so tail >= head holds for the loaded pair
	head := r.head.Load()
	tail := r.tail.Load()

	n := tail - head
	if tail < head {
		n = 0
	}

	return int(min(n, uint64(len(r.buf))))
}

// Dropped returns how many samples were discarded because the ring was full.
func (r *Ring) Dropped() uint64 {
	return r.dropped.Load()
}

// Underruns returns how many samples were replaced by silence because the ring was empty.
func (r *Ring) Underruns() uint64 {
	return r.underruns.Load()
}

// Push appends a sample. On a full ring the sample is dropped and false is returned.
func (r *Ring) Push(sample float32) bool {
	tail := r.tail.Load()
	if tail-r.head.Load() >= uint64(len(r.buf)) {
		r.dropped.Add(1)
		return false
	}

	r.buf[tail%uint64(len(r.buf))] = sample
	r.tail.Store(tail + 1)

	return true
}

// Pop removes the oldest sample. On an empty ring it returns 0 and false.
func (r *Ring) Pop() (float32, bool) {
	head := r.head.Load()
	if head == r.tail.Load() {
		r.underruns.Add(1)
		return 0, false
	}

	sample := r.buf[head%uint64(len(r.buf))]
	r.head.Store(head + 1)

	return sample, true
}

// Split returns the producer and consumer ends of the ring.
func (r *Ring) Split() (*Producer, *Consumer) {
	return &Producer{ring: r}, &Consumer{ring: r}
}

// Producer is the write end of a Ring.
type Producer struct {
	ring *Ring
}

// Push appends a sample, dropping it when the ring is full.
func (p *Producer) Push(sample float32) bool {
	return p.ring.Push(sample)
}

// Write pushes samples in order until the ring is full and returns how many
// were queued. The rest are dropped.
func (p *Producer) Write(samples []float32) int {
	for i, sample := range samples {
		if !p.ring.Push(sample) {
			p.ring.dropped.Add(uint64(len(samples) - i - 1))
			return i
		}
	}

	return len(samples)
}

// CaptureProc consumes little-endian float32 capture frames and pushes every
// sample once per output channel, up-mixing mono capture to stereo output.
// Its signature matches a malgo data callback.
func (p *Producer) CaptureProc(upmix int) func(_, input []byte, frames uint32) {
	if upmix < 1 {
		upmix = 1
	}

	return func(_, input []byte, frames uint32) {
		n := len(input) / 4
		for i := 0; i < n; i++ {
			sample := math.Float32frombits(binary.LittleEndian.Uint32(input[i*4:]))
			for c := 0; c < upmix; c++ {
				p.ring.Push(sample)
			}
		}
	}
}

// Consumer is the read end of a Ring.
type Consumer struct {
	ring *Ring
}

// Pop removes the oldest sample, returning silence when the ring is empty.
func (c *Consumer) Pop() (float32, bool) {
	return c.ring.Pop()
}

// Fill pops len(dst) samples into dst, writing zeros for every missing sample.
// It returns the number of real samples written.
func (c *Consumer) Fill(dst []float32) int {
	got := 0
	for i := range dst {
		sample, ok := c.ring.Pop()
		if ok {
			got++
		}
		dst[i] = sample
	}

	return got
}

// RenderProc fills little-endian float32 render buffers from the ring.
// Its signature matches a malgo data callback.
func (c *Consumer) RenderProc() func(output, _ []byte, frames uint32) {
	return func(output, _ []byte, frames uint32) {
		n := len(output) / 4
		for i := 0; i < n; i++ {
			sample, _ := c.ring.Pop()
			binary.LittleEndian.PutUint32(output[i*4:], math.Float32bits(sample))
		}
	}
}
