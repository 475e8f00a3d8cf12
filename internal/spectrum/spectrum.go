// Package spectrum computes magnitude spectra of monitored frames for
// display. It is a consumer of the monitor port and never runs on the
// processing path.
package spectrum

import (
	"fmt"
	"math"
	"math/bits"
	"sync"

	"anc/internal/frame"
	"anc/internal/monitor"

	algofft "github.com/MeKo-Christian/algo-fft"
	"github.com/cwbudde/algo-dsp/dsp/window"
	"github.com/cwbudde/algo-vecmath"
)

// Floor is the level reported for empty bins, in dBFS.
const Floor = -130.0

// Analyzer transforms frames of a fixed length with a periodic Hann window.
// Frames shorter than the FFT size are zero padded. It is safe for
// concurrent use.
type Analyzer struct {
	frameSize  int
	fftSize    int
	sampleRate int
	win        []float64
	winGain    float64

	mu   sync.Mutex
	plan *algofft.Plan[complex128]
	in   []complex128
	out  []complex128
	re   []float64
	im   []float64
	x    []float64
}

// New returns an Analyzer for frames of frameSize samples at sampleRate.
func New(frameSize, sampleRate int) (*Analyzer, error) {
	if frameSize <= 0 {
		return nil, fmt.Errorf("spectrum: frame size %d must be positive", frameSize)
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("spectrum: sample rate %d must be positive", sampleRate)
	}
	n := nextPow2(frameSize)
	plan, err := algofft.NewPlan64(n)
	if err != nil {
		return nil, fmt.Errorf("spectrum: fft plan: %w", err)
	}

	win, err := window.Hann(frameSize, window.WithPeriodic())
	if err != nil {
		return nil, fmt.Errorf("spectrum: hann window: %w", err)
	}
	sum := vecmath.Sum(win)
	if sum <= 0 {
		// A one-sample periodic Hann window is all zero.
		clear(win)
		win[0], sum = 1, 1
	}

	bins := n/2 + 1
	return &Analyzer{
		frameSize:  frameSize,
		fftSize:    n,
		sampleRate: sampleRate,
		win:        win,
		winGain:    sum,
		plan:       plan,
		in:         make([]complex128, n),
		out:        make([]complex128, n),
		re:         make([]float64, bins),
		im:         make([]float64, bins),
		x:          make([]float64, frameSize),
	}, nil
}

func nextPow2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}

// Bins returns the number of one-sided bins, FFT size / 2 + 1.
func (a *Analyzer) Bins() int { return a.fftSize/2 + 1 }

// FFTSize returns the transform length.
func (a *Analyzer) FFTSize() int { return a.fftSize }

// Frequency returns the centre frequency of bin k in Hz.
func (a *Analyzer) Frequency(k int) float64 {
	return float64(k) * float64(a.sampleRate) / float64(a.fftSize)
}

// Frequencies returns the centre frequency of every bin.
func (a *Analyzer) Frequencies() []float64 {
	out := make([]float64, a.Bins())
	for k := range out {
		out[k] = a.Frequency(k)
	}
	return out
}

// Magnitudes returns the one-sided amplitude spectrum of f in normalized
// units: a full-scale sine centred on a bin reads 1.0 at that bin.
func (a *Analyzer) Magnitudes(f frame.Buffer) ([]float64, error) {
	if f.Len() != a.frameSize {
		return nil, fmt.Errorf("spectrum: frame has %d samples, want %d: %w", f.Len(), a.frameSize, frame.ErrLength)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.x = f.Floats(a.x)
	vecmath.MulBlockInPlace(a.x, a.win)
	for i, v := range a.x {
		a.in[i] = complex(v, 0)
	}
	clear(a.in[a.frameSize:])
	if err := a.plan.Forward(a.out, a.in); err != nil {
		return nil, fmt.Errorf("spectrum: forward fft: %w", err)
	}

	for k := range a.re {
		a.re[k] = real(a.out[k])
		a.im[k] = imag(a.out[k])
	}
	mags := make([]float64, len(a.re))
	vecmath.Magnitude(mags, a.re, a.im)
	vecmath.ScaleBlock(mags, mags, 2/a.winGain)
	// DC and Nyquist have no mirror image.
	mags[0] /= 2
	mags[len(mags)-1] /= 2
	return mags, nil
}

// Decibels converts magnitudes to dBFS in place, clamping at Floor.
func Decibels(mags []float64) []float64 {
	for i, m := range mags {
		if m <= 0 {
			mags[i] = Floor
			continue
		}
		mags[i] = max(20*math.Log10(m), Floor)
	}
	return mags
}

// Peak returns the index of the largest magnitude, ignoring DC.
func Peak(mags []float64) int {
	if len(mags) < 2 {
		return 0
	}
	best := 1
	for k := 2; k < len(mags); k++ {
		if mags[k] > mags[best] {
			best = k
		}
	}
	return best
}

// Spectra holds the dBFS spectra of one monitored cycle.
type Spectra struct {
	Seq         uint64    `json:"seq"`
	Frequencies []float64 `json:"frequencies"`
	Input       []float64 `json:"input"`
	Estimate    []float64 `json:"estimate"`
	Residual    []float64 `json:"residual"`
}

// Triple computes the spectra of every frame in t.
func (a *Analyzer) Triple(t monitor.Triple) (Spectra, error) {
	s := Spectra{Seq: t.Seq, Frequencies: a.Frequencies()}
	for _, c := range []struct {
		dst *[]float64
		f   frame.Buffer
	}{
		{&s.Input, t.Input},
		{&s.Estimate, t.Estimate},
		{&s.Residual, t.Residual},
	} {
		m, err := a.Magnitudes(c.f)
		if err != nil {
			return Spectra{}, err
		}
		*c.dst = Decibels(m)
	}
	return s, nil
}
