// Package config holds the pipeline configuration: sample rate, frame and
// filter sizes, learning rate, gain staging and the timing bounds of the
// streaming loop. Settings persist as JSON (or YAML, by file extension) at
// os.UserConfigDir()/anc/config.json.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"anc/internal/frame"

	"gopkg.in/yaml.v3"
)

// Reference selects the signal the adaptive filter treats as its input.
type Reference string

const (
	// ReferenceSelf drives the filter with the amplified capture and uses the
	// same frame as the desired signal.
	ReferenceSelf Reference = "self"
	// ReferencePlayback drives the filter with the audio the playback device
	// accepted (the far end), delayed by ReferenceDelay samples, and uses the
	// capture as the desired signal.
	ReferencePlayback Reference = "playback"
)

// Config holds every construction-time setting of the pipeline.
type Config struct {
	SampleRate   int              `json:"sample_rate" yaml:"sample_rate"`
	FrameSize    int              `json:"frame_size" yaml:"frame_size"`
	FilterTaps   int              `json:"filter_taps" yaml:"filter_taps"`
	LearningRate float64          `json:"learning_rate" yaml:"learning_rate"`
	Normalized   bool             `json:"normalized" yaml:"normalized"`
	Gain         float64          `json:"gain" yaml:"gain"`
	Clip         frame.ClipPolicy `json:"clip" yaml:"clip"`
	Reference    Reference        `json:"reference" yaml:"reference"`
	// ReferenceDelay is the bulk delay in samples between playback and the
	// echo reaching the capture, covering output and input latency. The
	// filter taps model the room response within that window.
	ReferenceDelay int `json:"reference_delay" yaml:"reference_delay"`

	// Zero durations are derived from the frame period by Resolved.
	ReadTimeout  Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout Duration `json:"write_timeout" yaml:"write_timeout"`
	DrainTimeout Duration `json:"drain_timeout" yaml:"drain_timeout"`
	RetryBackoff Duration `json:"retry_backoff" yaml:"retry_backoff"`
	QueueDepth   int      `json:"queue_depth" yaml:"queue_depth"`

	InputDeviceID  int    `json:"input_device_id" yaml:"input_device_id"`
	OutputDeviceID int    `json:"output_device_id" yaml:"output_device_id"`
	MonitorAddr    string `json:"monitor_addr" yaml:"monitor_addr"`
}

// Default returns a Config populated with sensible defaults: 1024-sample
// frames at 44.1 kHz, a 1024-tap filter, μ = 0.01 and a gain of 2.
func Default() Config {
	return Config{
		SampleRate:     44100,
		FrameSize:      1024,
		FilterTaps:     1024,
		LearningRate:   0.01,
		Gain:           2,
		Clip:           frame.ClipSaturate,
		Reference:      ReferencePlayback,
		QueueDepth:     2,
		InputDeviceID:  -1,
		OutputDeviceID: -1,
		MonitorAddr:    "127.0.0.1:8090",
	}
}

// FramePeriod is the wall-clock duration of one frame.
func (c Config) FramePeriod() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(c.FrameSize) * time.Second / time.Duration(c.SampleRate)
}

// Resolved returns a copy of c with unset timing fields derived from the
// frame period: read 4 periods, write 2, drain 8, retry backoff half a period.
func (c Config) Resolved() Config {
	p := c.FramePeriod()
	if c.ReadTimeout.Duration <= 0 {
		c.ReadTimeout.Duration = 4 * p
	}
	if c.WriteTimeout.Duration <= 0 {
		c.WriteTimeout.Duration = 2 * p
	}
	if c.DrainTimeout.Duration <= 0 {
		c.DrainTimeout.Duration = 8 * p
	}
	if c.RetryBackoff.Duration <= 0 {
		c.RetryBackoff.Duration = p / 2
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 2
	}
	if c.Reference == "" {
		c.Reference = ReferencePlayback
	}
	return c
}

// Path returns the absolute path to the default config file.
func Path() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "anc", "config.json"), nil
}

// Load reads the default config file. If the file is missing or unreadable,
// the default config is returned; it never fails.
func Load() Config {
	path, err := Path()
	if err != nil {
		return Default()
	}
	cfg, err := LoadFile(path)
	if err != nil {
		return Default()
	}
	return cfg
}

// Save writes cfg to the default config file, creating the directory if
// needed.
func Save(cfg Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	return SaveFile(path, cfg)
}

// LoadFile reads a config file. Fields missing from the file keep their
// default values. Files ending in .yaml or .yml are parsed as YAML, anything
// else as JSON.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	if isYAML(path) {
		err = yaml.Unmarshal(data, &cfg)
	} else {
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// SaveFile writes cfg to path in the format implied by its extension.
func SaveFile(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// Duration is a time.Duration that encodes as text ("40ms") in JSON and YAML.
type Duration struct {
	time.Duration
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. An empty string is zero.
func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}
