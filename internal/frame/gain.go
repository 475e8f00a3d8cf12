package frame

import (
	"fmt"
	"math"
	"strings"
)

// ClipPolicy decides what happens to a scaled sample that leaves the 16-bit
// range.
type ClipPolicy int

const (
	// ClipSaturate clamps to [MinSample, MaxSample].
	ClipSaturate ClipPolicy = iota
	// ClipSoft is linear up to softKnee of full scale and compresses the
	// remainder with tanh, so the output approaches but never exceeds full
	// scale.
	ClipSoft
)

// softKnee is the fraction of full scale where ClipSoft starts compressing.
const softKnee = 0.5

// ParseClipPolicy converts "saturate" or "soft" to a ClipPolicy.
func ParseClipPolicy(s string) (ClipPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "saturate", "hard":
		return ClipSaturate, nil
	case "soft":
		return ClipSoft, nil
	default:
		return ClipSaturate, fmt.Errorf("frame: unknown clip policy %q", s)
	}
}

func (p ClipPolicy) String() string {
	switch p {
	case ClipSaturate:
		return "saturate"
	case ClipSoft:
		return "soft"
	default:
		return fmt.Sprintf("ClipPolicy(%d)", int(p))
	}
}

// Valid reports whether p is a known policy.
func (p ClipPolicy) Valid() bool {
	return p == ClipSaturate || p == ClipSoft
}

// MarshalText implements encoding.TextMarshaler.
func (p ClipPolicy) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("frame: invalid clip policy %d", int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *ClipPolicy) UnmarshalText(text []byte) error {
	v, err := ParseClipPolicy(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Quantize rounds v (in sample units) to the nearest integer and brings it
// into the 16-bit range using policy. NaN maps to silence.
func Quantize(v float64, policy ClipPolicy) int16 {
	if math.IsNaN(v) {
		return 0
	}
	if policy == ClipSoft {
		v = softClip(v)
	}
	r := math.Round(v)
	if r > MaxSample {
		return MaxSample
	}
	if r < MinSample {
		return MinSample
	}
	return int16(r)
}

// softClip maps v (sample units) through a knee-plus-tanh curve that keeps
// |v| ≤ MaxSample.
func softClip(v float64) float64 {
	knee := softKnee * MaxSample
	a := math.Abs(v)
	if a <= knee {
		return v
	}
	headroom := MaxSample - knee
	out := knee + headroom*math.Tanh((a-knee)/headroom)
	return math.Copysign(out, v)
}

// Amplify returns a new frame whose samples are clip(b[i]·factor). It never
// fails for a well-formed frame.
func Amplify(b Buffer, factor float64, policy ClipPolicy) Buffer {
	out := make([]int16, len(b.samples))
	for i, s := range b.samples {
		out[i] = Quantize(float64(s)*factor, policy)
	}
	return Buffer{samples: out}
}

// Gain is the gain stage of the pipeline: a fixed factor and clip policy.
type Gain struct {
	Factor float64
	Policy ClipPolicy
}

// Apply amplifies b. Saturating at unity gain is the identity, so b is
// returned as is; the soft policy still shapes the signal at unity gain.
func (g Gain) Apply(b Buffer) Buffer {
	if g.Factor == 1 && g.Policy == ClipSaturate {
		return b
	}
	return Amplify(b, g.Factor, g.Policy)
}
