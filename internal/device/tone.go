// Package device provides headless collaborators for the pipeline: a tone
// source, a simulated echo room and a discard sink. They let the loop run
// without audio hardware, paced like a device when Realtime is set.
//
// The PortAudio-backed capture and playback live in package pa.
package device

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"anc/internal/frame"
	"anc/internal/pipeline"

	"golang.org/x/time/rate"
)

// pacer releases one frame per frame period.
type pacer struct {
	lim *rate.Limiter
}

func (p *pacer) wait(ctx context.Context, sampleRate, n int) error {
	if p.lim == nil {
		if sampleRate <= 0 {
			return fmt.Errorf("device: sample rate %d must be positive", sampleRate)
		}
		period := time.Duration(n) * time.Second / time.Duration(sampleRate)
		p.lim = rate.NewLimiter(rate.Every(period), 1)
	}
	if err := p.lim.Wait(ctx); err != nil {
		return fmt.Errorf("device: %w: %v", pipeline.ErrTimeout, err)
	}
	return nil
}

// Tone is a Source that produces a sine with optional uniform noise.
type Tone struct {
	SampleRate int
	Frequency  float64 // Hz
	Amplitude  float64 // fraction of full scale
	Noise      float64 // noise amplitude, fraction of full scale
	Realtime   bool
	Seed       uint64

	mu    sync.Mutex
	pos   uint64
	rng   *rand.Rand
	pace  pacer
	buf   []float64
	reads int
}

// NewTone returns a real-time paced sine source.
func NewTone(sampleRate int, frequency, amplitude float64) *Tone {
	return &Tone{SampleRate: sampleRate, Frequency: frequency, Amplitude: amplitude, Realtime: true}
}

func (t *Tone) Start(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rng = rand.New(rand.NewPCG(t.Seed, t.Seed^0x9e3779b97f4a7c15))
	return nil
}

// ReadFrame fills dst with the next len(dst) samples.
func (t *Tone) ReadFrame(ctx context.Context, dst []int16) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Realtime {
		if err := t.pace.wait(ctx, t.SampleRate, len(dst)); err != nil {
			return err
		}
	}
	t.buf = t.fill(t.buf, len(dst))
	for i, v := range t.buf {
		dst[i] = frame.Quantize(v*frame.FullScale, frame.ClipSaturate)
	}
	t.reads++
	return nil
}

// fill appends n normalized samples to buf[:0] and advances the phase.
func (t *Tone) fill(buf []float64, n int) []float64 {
	buf = buf[:0]
	if t.rng == nil {
		t.rng = rand.New(rand.NewPCG(t.Seed, t.Seed^0x9e3779b97f4a7c15))
	}
	w := 2 * math.Pi * t.Frequency / float64(t.SampleRate)
	for range n {
		v := t.Amplitude * math.Sin(w*float64(t.pos))
		if t.Noise > 0 {
			v += t.Noise * (2*t.rng.Float64() - 1)
		}
		buf = append(buf, v)
		t.pos++
	}
	return buf
}

// Reads returns the number of frames delivered.
func (t *Tone) Reads() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reads
}

func (t *Tone) Close() error { return nil }

var _ pipeline.Source = (*Tone)(nil)
