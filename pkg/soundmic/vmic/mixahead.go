package vmic

import (
	"sync"
	"time"

	"github.com/MixyLabs/soundmic/pkg/soundmic/ringbuf"
)

const (
	// mixAheadPeriods is how many device periods are kept rendered in advance.
	mixAheadPeriods = 3
	ringPeriods     = 2 * mixAheadPeriods
)

// periodSamples returns the interleaved stereo samples in one device period.
func periodSamples(sampleRate int) int {
	return 2 * sampleRate * periodSizeMS / 1000
}

// mixAhead renders an Output into a ring buffer from a regular goroutine.
// Device callbacks read the ring and never touch the Output's lock, so voices
// are observed up to mixAheadPeriods ahead of what is audible.
type mixAhead struct {
	out      *Output
	ring     *ringbuf.Ring
	producer *ringbuf.Producer
	target   int
	chunk    []float32

	started  bool
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// newMixAhead returns the renderer and the consumer end a callback reads from.
func newMixAhead(out *Output, sampleRate int) (*mixAhead, *ringbuf.Consumer) {
	period := periodSamples(sampleRate)
	ring := ringbuf.New(ringPeriods * period)
	producer, consumer := ring.Split()

	return &mixAhead{
		out:      out,
		ring:     ring,
		producer: producer,
		target:   mixAheadPeriods * period,
		chunk:    make([]float32, period),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, consumer
}

// topUp renders whole periods until the ring holds at least the target and
// returns how many samples it queued.
func (m *mixAhead) topUp() int {
	queued := 0
	for m.ring.Len() < m.target {
		m.out.Fill(m.chunk)
		queued += m.producer.Write(m.chunk)
	}

	return queued
}

// start primes the ring and keeps it topped up until close.
func (m *mixAhead) start() {
	m.topUp()
	m.started = true

	go func() {
		defer close(m.done)

		ticker := time.NewTicker(periodSizeMS * time.Millisecond / 2)
		defer ticker.Stop()

		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				m.topUp()
			}
		}
	}()
}

// close stops rendering. It is safe on a mixAhead that never started.
func (m *mixAhead) close() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})

	if m.started {
		<-m.done
	}
}

type mixAheads []*mixAhead

func (ms mixAheads) start() {
	for _, m := range ms {
		m.start()
	}
}

func (ms mixAheads) close() {
	for _, m := range ms {
		m.close()
	}
}

// underruns sums the callback reads that found no rendered mix.
func (ms mixAheads) underruns() uint64 {
	var total uint64
	for _, m := range ms {
		total += m.ring.Underruns()
	}

	return total
}
