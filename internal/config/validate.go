package config

import (
	"fmt"
	"math"
)

// ConfigError reports an invalid construction-time setting. A pipeline that
// fails validation never starts.
type ConfigError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s=%v: %s", e.Field, e.Value, e.Reason)
}

// Validate checks every field the pipeline depends on and returns the first
// problem as a *ConfigError.
func (c Config) Validate() error {
	switch {
	case c.SampleRate <= 0:
		return &ConfigError{Field: "sample_rate", Value: c.SampleRate, Reason: "must be positive"}
	case c.FrameSize <= 0:
		return &ConfigError{Field: "frame_size", Value: c.FrameSize, Reason: "must be positive"}
	case c.FilterTaps <= 0:
		return &ConfigError{Field: "filter_taps", Value: c.FilterTaps, Reason: "must be positive"}
	}
	if err := CheckStep(c.LearningRate); err != nil {
		return err
	}
	if c.Normalized && c.LearningRate >= 2 {
		return &ConfigError{Field: "learning_rate", Value: c.LearningRate, Reason: "normalized LMS requires 0 <= mu < 2"}
	}
	if math.IsNaN(c.Gain) || math.IsInf(c.Gain, 0) || c.Gain <= 0 {
		return &ConfigError{Field: "gain", Value: c.Gain, Reason: "must be finite and positive"}
	}
	if !c.Clip.Valid() {
		return &ConfigError{Field: "clip", Value: c.Clip, Reason: "unknown clip policy"}
	}
	switch c.Reference {
	case "", ReferenceSelf, ReferencePlayback:
	default:
		return &ConfigError{Field: "reference", Value: c.Reference, Reason: `must be "self" or "playback"`}
	}
	if c.ReferenceDelay < 0 {
		return &ConfigError{Field: "reference_delay", Value: c.ReferenceDelay, Reason: "must not be negative"}
	}
	for _, d := range []struct {
		name string
		v    Duration
	}{
		{"read_timeout", c.ReadTimeout},
		{"write_timeout", c.WriteTimeout},
		{"drain_timeout", c.DrainTimeout},
		{"retry_backoff", c.RetryBackoff},
	} {
		if d.v.Duration < 0 {
			return &ConfigError{Field: d.name, Value: d.v, Reason: "must not be negative"}
		}
	}
	if c.QueueDepth < 0 {
		return &ConfigError{Field: "queue_depth", Value: c.QueueDepth, Reason: "must not be negative"}
	}
	return nil
}

// CheckStep validates an LMS learning rate: finite and not negative. Zero is
// allowed and freezes the filter.
func CheckStep(mu float64) error {
	if math.IsNaN(mu) || math.IsInf(mu, 0) {
		return &ConfigError{Field: "learning_rate", Value: mu, Reason: "must be finite"}
	}
	if mu < 0 {
		return &ConfigError{Field: "learning_rate", Value: mu, Reason: "must not be negative"}
	}
	return nil
}
