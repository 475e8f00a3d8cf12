// Package lms implements the adaptive FIR filter that estimates the
// interference component of a captured frame and subtracts it.
//
// For every sample n of a frame the engine computes
//
//	y[n] = Σ_k w[k]·x[n−k]        estimate (k = 0..L−1)
//	e[n] = d[n] − y[n]            residual
//	w[k] ← w[k] + μ·e[n]·x[n−k]   LMS update
//
// sample by sample, so the estimate for sample n already uses the update
// from sample n−1. x is the filter input prefixed with the L−1 samples of
// history carried from the previous frame; d is the desired signal and
// defaults to x.
//
// Samples are processed in normalized units (int16 / 32768), so the average
// power P of a frame lies in [0, 1]. Plain LMS converges when
//
//	0 < μ < 2 / (L·P)
//
// (see StabilityBound). The engine does not enforce the bound; a diverging
// filter is caught by the numeric guard instead, which refuses to commit
// non-finite coefficients and returns a *NumericAnomalyError. With
// Config.Normalized the step is divided by the instantaneous input energy
// (NLMS) and the bound becomes 0 < μ < 2 independent of signal level.
//
// An Engine is not safe for concurrent use. The pipeline owns it and calls
// it from a single goroutine.
package lms

import (
	"fmt"
	"math"

	"anc/internal/config"
	"anc/internal/frame"

	"github.com/cwbudde/algo-vecmath"
)

// minPower is the reference energy below which the normalized update is
// skipped, so silence never divides by zero.
const minPower = 1e-10

// Config describes an Engine.
type Config struct {
	FrameSize  int
	Taps       int
	Step       float64
	Normalized bool
	// Clip quantizes the estimate and residual back to int16.
	Clip frame.ClipPolicy
	// Initial coefficients in tap order (w[0] first). Nil means all zero.
	Initial []float64
}

// FromConfig builds the engine Config from the pipeline configuration.
func FromConfig(c config.Config) Config {
	return Config{
		FrameSize:  c.FrameSize,
		Taps:       c.FilterTaps,
		Step:       c.LearningRate,
		Normalized: c.Normalized,
		Clip:       c.Clip,
	}
}

// Result is the output of one Process call.
type Result struct {
	// Estimate is the interference the filter predicted for the frame.
	Estimate frame.Buffer
	// Residual is the cleaned frame, desired minus estimate.
	Residual frame.Buffer
}

// NumericAnomalyError reports a non-finite value produced by a cycle. The
// cycle that produced it is not committed.
type NumericAnomalyError struct {
	Where string // "coefficient", "residual" or "history"
	Index int
	Value float64
}

func (e *NumericAnomalyError) Error() string {
	return fmt.Sprintf("lms: non-finite %s at index %d (%v): filter diverged", e.Where, e.Index, e.Value)
}

// Engine is an LMS adaptive FIR filter with fixed frame size and tap count.
type Engine struct {
	frameSize  int
	taps       int
	step       float64
	normalized bool
	clip       frame.ClipPolicy
	initial    []float64

	// rev holds the coefficients in reverse tap order, rev[j] = w[L−1−j],
	// so that the window ext[n:n+L] lines up with it element for element.
	rev     []float64
	history []float64 // last L−1 filter inputs, oldest first

	ext  []float64 // history followed by the current input
	next []float64 // coefficients being updated this cycle
	tmp  []float64
	des  []float64
	y    []float64
	e    []float64
}

// New validates cfg and returns an Engine with its initial coefficients and
// an all-zero history.
func New(cfg Config) (*Engine, error) {
	if cfg.Taps <= 0 {
		return nil, &config.ConfigError{Field: "filter_taps", Value: cfg.Taps, Reason: "must be positive"}
	}
	if cfg.FrameSize <= 0 {
		return nil, &config.ConfigError{Field: "frame_size", Value: cfg.FrameSize, Reason: "must be positive"}
	}
	if err := config.CheckStep(cfg.Step); err != nil {
		return nil, err
	}
	if cfg.Initial != nil && len(cfg.Initial) != cfg.Taps {
		return nil, &config.ConfigError{Field: "initial_weights", Value: len(cfg.Initial), Reason: fmt.Sprintf("need %d coefficients", cfg.Taps)}
	}
	if i, ok := firstNonFinite(cfg.Initial); ok {
		return nil, &config.ConfigError{Field: "initial_weights", Value: cfg.Initial[i], Reason: "must be finite"}
	}

	e := &Engine{
		frameSize:  cfg.FrameSize,
		taps:       cfg.Taps,
		step:       cfg.Step,
		normalized: cfg.Normalized,
		clip:       cfg.Clip,
		initial:    make([]float64, cfg.Taps),
		rev:        make([]float64, cfg.Taps),
		history:    make([]float64, cfg.Taps-1),
		ext:        make([]float64, cfg.Taps-1+cfg.FrameSize),
		next:       make([]float64, cfg.Taps),
		tmp:        make([]float64, cfg.Taps),
		des:        make([]float64, cfg.FrameSize),
		y:          make([]float64, cfg.FrameSize),
		e:          make([]float64, cfg.FrameSize),
	}
	copy(e.initial, cfg.Initial)
	e.Reset()
	return e, nil
}

// FrameSize returns N.
func (e *Engine) FrameSize() int { return e.frameSize }

// Taps returns L.
func (e *Engine) Taps() int { return e.taps }

// Step returns the learning rate μ.
func (e *Engine) Step() float64 { return e.step }

// Normalized reports whether the engine runs NLMS.
func (e *Engine) Normalized() bool { return e.normalized }

// Weights returns a copy of the coefficients in tap order.
func (e *Engine) Weights() []float64 {
	w := make([]float64, e.taps)
	for k := range w {
		w[k] = e.rev[e.taps-1-k]
	}
	return w
}

// Reset restores the initial coefficients and clears the input history.
func (e *Engine) Reset() {
	for k, w := range e.initial {
		e.rev[e.taps-1-k] = w
	}
	clear(e.history)
}

// Process runs one cycle: estimate, residual and adaptation on the same
// frame. desired may be empty, in which case the input is also the desired
// signal. The coefficients and history are committed only when the whole
// cycle stays finite.
func (e *Engine) Process(input, desired frame.Buffer) (Result, error) {
	if input.Len() != e.frameSize {
		return Result{}, fmt.Errorf("lms: input has %d samples, want %d: %w", input.Len(), e.frameSize, frame.ErrLength)
	}
	L, N := e.taps, e.frameSize

	copy(e.ext, e.history)
	input.Floats(e.ext[L-1:])
	if desired.Empty() {
		copy(e.des, e.ext[L-1:])
	} else {
		if desired.Len() != N {
			return Result{}, fmt.Errorf("lms: desired has %d samples, want %d: %w", desired.Len(), N, frame.ErrLength)
		}
		desired.Floats(e.des)
	}
	copy(e.next, e.rev)

	adapt := e.step != 0
	var power float64
	if e.normalized {
		power = vecmath.DotProduct(e.ext[:L], e.ext[:L])
	}

	for n := range N {
		win := e.ext[n : n+L]
		if e.normalized && n > 0 {
			in, out := e.ext[n+L-1], e.ext[n-1]
			power += in*in - out*out
			if power < 0 {
				power = 0
			}
		}

		y := vecmath.DotProduct(e.next, win)
		err := e.des[n] - y
		e.y[n] = y
		e.e[n] = err

		if !adapt {
			continue
		}
		g := e.step * err
		if e.normalized {
			if power <= minPower {
				continue
			}
			g /= power
		}
		vecmath.ScaleBlock(e.tmp, win, g)
		vecmath.AddBlockInPlace(e.next, e.tmp)
	}

	if i, ok := firstNonFinite(e.next); ok {
		return Result{}, &NumericAnomalyError{Where: "coefficient", Index: L - 1 - i, Value: e.next[i]}
	}
	if i, ok := firstNonFinite(e.e); ok {
		return Result{}, &NumericAnomalyError{Where: "residual", Index: i, Value: e.e[i]}
	}

	copy(e.rev, e.next)
	copy(e.history, e.ext[N:])

	return Result{
		Estimate: frame.FromFloats(e.y, e.clip),
		Residual: frame.FromFloats(e.e, e.clip),
	}, nil
}

// Estimate returns the convolution of the current coefficients with the
// carried history followed by input. It does not adapt or change any state.
func (e *Engine) Estimate(input frame.Buffer) (frame.Buffer, error) {
	if input.Len() != e.frameSize {
		return frame.Buffer{}, fmt.Errorf("lms: input has %d samples, want %d: %w", input.Len(), e.frameSize, frame.ErrLength)
	}
	L, N := e.taps, e.frameSize
	ext := make([]float64, L-1+N)
	copy(ext, e.history)
	input.Floats(ext[L-1:])

	y := make([]float64, N)
	for n := range y {
		y[n] = vecmath.DotProduct(e.rev, ext[n:n+L])
	}
	return frame.FromFloats(y, e.clip), nil
}

func firstNonFinite(v []float64) (int, bool) {
	for i, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return i, true
		}
	}
	return 0, false
}
