package ringbuf

import (
	"encoding/binary"
	"math"
	"sync"
	"testing"
)

func TestRing_PushBeyondCapacityDropsNewest(t *testing.T) {
	t.Parallel()

	const capacity = 8
	r := New(capacity)

	for i := 0; i < capacity+1; i++ {
		r.Push(float32(i))
	}

	if got := r.Len(); got != capacity {
		t.Fatalf("Len() = %d, want %d", got, capacity)
	}
	if got := r.Dropped(); got != 1 {
		t.Errorf("Dropped() = %d, want 1", got)
	}

	for i := 0; i < capacity; i++ {
		sample, ok := r.Pop()
		if !ok {
			t.Fatalf("Pop() #%d reported empty ring", i)
		}
		if sample != float32(i) {
			t.Errorf("Pop() #%d = %v, want %v", i, sample, float32(i))
		}
	}
}

func TestRing_PopEmptyYieldsSilence(t *testing.T) {
	t.Parallel()

	r := New(4)

	sample, ok := r.Pop()
	if ok {
		t.Error("Pop() on empty ring reported a sample")
	}
	if sample != 0 {
		t.Errorf("Pop() on empty ring = %v, want 0", sample)
	}
	if got := r.Underruns(); got != 1 {
		t.Errorf("Underruns() = %d, want 1", got)
	}
}

func TestRing_WrapsAround(t *testing.T) {
	t.Parallel()

	r := New(3)
	for round := 0; round < 10; round++ {
		if !r.Push(float32(round)) {
			t.Fatalf("Push() round %d failed on a ring with room", round)
		}
		sample, ok := r.Pop()
		if !ok || sample != float32(round) {
			t.Fatalf("Pop() round %d = (%v, %v), want (%v, true)", round, sample, ok, float32(round))
		}
	}
}

func TestForDuration(t *testing.T) {
	t.Parallel()

	r := ForDuration(48_000, 2, 1)
	if got := r.Cap(); got != 96_000 {
		t.Errorf("Cap() = %d, want 96000", got)
	}
}

func TestConsumer_FillPadsWithZeros(t *testing.T) {
	t.Parallel()

	p, c := New(4).Split()
	p.Push(0.5)
	p.Push(-0.5)

	dst := []float32{9, 9, 9, 9}
	got := c.Fill(dst)

	if got != 2 {
		t.Errorf("Fill() = %d, want 2", got)
	}
	want := []float32{0.5, -0.5, 0, 0}
	for i := range want {
		if dst[i] != want[i] {
			t.Errorf("dst[%d] = %v, want %v", i, dst[i], want[i])
		}
	}
}

func TestCaptureProc_UpmixesMonoToStereo(t *testing.T) {
	t.Parallel()

	p, c := New(16).Split()

	input := make([]byte, 3*4)
	for i, v := range []float32{0.1, 0.2, 0.3} {
		binary.LittleEndian.PutUint32(input[i*4:], math.Float32bits(v))
	}

	p.CaptureProc(2)(nil, input, 3)

	dst := make([]float32, 6)
	if got := c.Fill(dst); got != 6 {
		t.Fatalf("Fill() = %d, want 6", got)
	}
	want := []float32{0.1, 0.1, 0.2, 0.2, 0.3, 0.3}
	for i := range want {
		if dst[i] != want[i] {
			t.Errorf("dst[%d] = %v, want %v", i, dst[i], want[i])
		}
	}
}

func TestRenderProc_WritesSilenceOnUnderrun(t *testing.T) {
	t.Parallel()

	p, c := New(4).Split()
	p.Push(0.25)

	output := make([]byte, 2*4)
	for i := range output {
		output[i] = 0xff
	}
	c.RenderProc()(output, nil, 1)

	first := math.Float32frombits(binary.LittleEndian.Uint32(output[0:]))
	second := math.Float32frombits(binary.LittleEndian.Uint32(output[4:]))
	if first != 0.25 {
		t.Errorf("first sample = %v, want 0.25", first)
	}
	if second != 0 {
		t.Errorf("second sample = %v, want 0", second)
	}
}

func TestRing_ConcurrentProducerConsumerKeepsOrder(t *testing.T) {
	t.Parallel()

	const total = 100_000
	p, c := New(256).Split()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= total; {
			if p.Push(float32(i)) {
				i++
			}
		}
	}()

	last := float32(0)
	for received := 0; received < total; {
		sample, ok := c.Pop()
		if !ok {
			continue
		}
		if sample != last+1 {
			t.Fatalf("received %v after %v, want %v", sample, last, last+1)
		}
		last = sample
		received++
	}

	wg.Wait()
}

func TestRing_LenStaysInRangeUnderConcurrency(t *testing.T) {
	t.Parallel()

	const total = 200_000
	r := New(64)
	p, c := r.Split()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < total; {
			if p.Push(1) {
				i++
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < total; {
			if _, ok := c.Pop(); ok {
				i++
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	for {
		select {
		case <-done:
			return
		default:
		}
		if n := r.Len(); n < 0 || n > r.Cap() {
			t.Fatalf("Len() = %d, want within [0, %d]", n, r.Cap())
		}
	}
}

func TestProducer_WriteStopsWhenFull(t *testing.T) {
	t.Parallel()

	r := New(4)
	p, c := r.Split()

	if got := p.Write([]float32{1, 2, 3}); got != 3 {
		t.Fatalf("Write() = %d, want 3", got)
	}
	if got := p.Write([]float32{4, 5, 6}); got != 1 {
		t.Fatalf("Write() = %d, want 1", got)
	}
	if got := r.Dropped(); got != 2 {
		t.Errorf("Dropped() = %d, want 2", got)
	}

	out := make([]float32, 4)
	c.Fill(out)
	for i, want := range []float32{1, 2, 3, 4} {
		if out[i] != want {
			t.Errorf("sample %d = %v, want %v", i, out[i], want)
		}
	}
}
