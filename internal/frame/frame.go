// Package frame defines the fixed-length block of signed 16-bit samples that
// every pipeline stage exchanges, plus the gain stage that scales it.
//
// A Buffer is immutable once built: constructors copy their input and
// accessors copy their output, so a Buffer can be handed to the monitoring
// consumer while the next cycle is already running.
package frame

import (
	"errors"
	"math"
)

const (
	// MinSample and MaxSample bound a 16-bit PCM sample.
	MinSample = math.MinInt16
	MaxSample = math.MaxInt16

	// FullScale converts between int16 samples and normalized floats in
	// [-1, 1). Float samples are int16 / FullScale.
	FullScale = 32768.0
)

// ErrLength is returned when a frame has the wrong number of samples.
var ErrLength = errors.New("frame: wrong frame length")

// Buffer is one audio frame. The zero value is an empty frame.
type Buffer struct {
	samples []int16
}

// New returns a Buffer holding a copy of samples.
func New(samples []int16) Buffer {
	s := make([]int16, len(samples))
	copy(s, samples)
	return Buffer{samples: s}
}

// Zero returns a silent frame of n samples.
func Zero(n int) Buffer {
	return Buffer{samples: make([]int16, n)}
}

// FromFloats quantizes normalized float samples into a new Buffer using
// policy. Values outside [-1, 1) are clipped, never wrapped.
func FromFloats(src []float64, policy ClipPolicy) Buffer {
	s := make([]int16, len(src))
	for i, v := range src {
		s[i] = Quantize(v*FullScale, policy)
	}
	return Buffer{samples: s}
}

// Len returns the number of samples.
func (b Buffer) Len() int { return len(b.samples) }

// Empty reports whether the frame holds no samples.
func (b Buffer) Empty() bool { return len(b.samples) == 0 }

// At returns sample i.
func (b Buffer) At(i int) int16 { return b.samples[i] }

// Samples returns a copy of the samples.
func (b Buffer) Samples() []int16 {
	out := make([]int16, len(b.samples))
	copy(out, b.samples)
	return out
}

// CopyTo copies the samples into dst and returns the number copied.
func (b Buffer) CopyTo(dst []int16) int {
	return copy(dst, b.samples)
}

// Floats writes the normalized samples into dst, growing it when needed, and
// returns the filled slice.
func (b Buffer) Floats(dst []float64) []float64 {
	if cap(dst) < len(b.samples) {
		dst = make([]float64, len(b.samples))
	}
	dst = dst[:len(b.samples)]
	for i, s := range b.samples {
		dst[i] = float64(s) / FullScale
	}
	return dst
}

// Energy returns the sum of squared normalized samples.
func (b Buffer) Energy() float64 {
	var sum float64
	for _, s := range b.samples {
		v := float64(s) / FullScale
		sum += v * v
	}
	return sum
}

// Power returns the mean squared normalized sample, the "average input
// power" used by the LMS stability bound.
func (b Buffer) Power() float64 {
	if len(b.samples) == 0 {
		return 0
	}
	return b.Energy() / float64(len(b.samples))
}

// RMS returns the root-mean-square level in normalized units.
func (b Buffer) RMS() float64 {
	return math.Sqrt(b.Power())
}

// Equal reports whether both frames hold the same samples.
func (b Buffer) Equal(o Buffer) bool {
	if len(b.samples) != len(o.samples) {
		return false
	}
	for i, s := range b.samples {
		if o.samples[i] != s {
			return false
		}
	}
	return true
}
