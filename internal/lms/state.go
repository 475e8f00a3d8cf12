package lms

import (
	"fmt"
	"math"

	"anc/internal/frame"
)

// State is a saved copy of an Engine's filter state.
type State struct {
	// Weights in tap order.
	Weights []float64 `json:"weights"`
	// History holds the last L−1 filter inputs, oldest first, in
	// normalized units.
	History []float64 `json:"history"`
}

// Snapshot returns a deep copy of the coefficients and input history.
func (e *Engine) Snapshot() State {
	h := make([]float64, len(e.history))
	copy(h, e.history)
	return State{Weights: e.Weights(), History: h}
}

// Restore replaces the filter state with s. The next Process call behaves
// exactly as it did when s was taken.
func (e *Engine) Restore(s State) error {
	if len(s.Weights) != e.taps {
		return fmt.Errorf("lms: restore: %d weights, want %d", len(s.Weights), e.taps)
	}
	if len(s.History) != e.taps-1 {
		return fmt.Errorf("lms: restore: %d history samples, want %d", len(s.History), e.taps-1)
	}
	if i, ok := firstNonFinite(s.Weights); ok {
		return &NumericAnomalyError{Where: "coefficient", Index: i, Value: s.Weights[i]}
	}
	if i, ok := firstNonFinite(s.History); ok {
		return &NumericAnomalyError{Where: "history", Index: i, Value: s.History[i]}
	}
	for k, w := range s.Weights {
		e.rev[e.taps-1-k] = w
	}
	copy(e.history, s.History)
	return nil
}

// StabilityBound returns 2/(taps·power), the largest learning rate for which
// plain LMS converges on a signal of the given average normalized power. It
// returns +Inf for silent input.
func StabilityBound(taps int, power float64) float64 {
	if taps <= 0 || power <= 0 {
		return math.Inf(1)
	}
	return 2 / (float64(taps) * power)
}

// WithinBound reports whether the engine's μ is below the plain-LMS bound
// for frame b. NLMS engines are always within bound when μ < 2.
func (e *Engine) WithinBound(b frame.Buffer) bool {
	if e.normalized {
		return e.step < 2
	}
	return e.step < StabilityBound(e.taps, b.Power())
}
