package main

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"anc/internal/config"
	"anc/internal/device/pa"
	"anc/internal/frame"
	"anc/internal/monitor"
	"anc/internal/pipeline"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "anc "+Version+"\n", out)
}

func TestConfigInitShowPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "anc.yaml")

	out, err := execute(t, "--config", path, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, path)

	_, err = execute(t, "--config", path, "config", "init")
	assert.ErrorContains(t, err, "already exists")

	out, err = execute(t, "--config", path, "config", "path")
	require.NoError(t, err)
	assert.Equal(t, path+"\n", out)

	out, err = execute(t, "--config", path, "config", "show")
	require.NoError(t, err)
	var shown config.Config
	require.NoError(t, yaml.Unmarshal([]byte(out), &shown))
	assert.Equal(t, config.Default(), shown)
}

func TestRunFlagsOverrideConfig(t *testing.T) {
	cmd := newRunCmd(&globalOptions{})
	require.NoError(t, cmd.ParseFlags([]string{
		"--taps", "64", "--mu", "0", "--clip", "soft", "--reference", "self", "--monitor", "",
		"--reference-delay", "64",
	}))
	o := &runOptions{}
	// Read the parsed values back through the flag set.
	o.taps, _ = cmd.Flags().GetInt("taps")
	o.mu, _ = cmd.Flags().GetFloat64("mu")
	o.clip, _ = cmd.Flags().GetString("clip")
	o.reference, _ = cmd.Flags().GetString("reference")
	o.monitorAddr, _ = cmd.Flags().GetString("monitor")
	o.refDelay, _ = cmd.Flags().GetInt("reference-delay")
	o.source = sourceTone

	cfg := config.Default()
	require.NoError(t, o.apply(cmd.Flags(), &cfg))
	assert.Equal(t, 64, cfg.FilterTaps)
	assert.Zero(t, cfg.LearningRate)
	assert.Equal(t, frame.ClipSoft, cfg.Clip)
	assert.Equal(t, config.ReferenceSelf, cfg.Reference)
	assert.Empty(t, cfg.MonitorAddr)
	assert.Equal(t, 64, cfg.ReferenceDelay)
	assert.Equal(t, config.Default().FrameSize, cfg.FrameSize, "unset flags keep file values")
	require.NoError(t, cfg.Validate())
}

func TestRunRejectsBadFlags(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())
	_, err := execute(t, "run", "--source", "radio", "--monitor", "")
	assert.ErrorContains(t, err, "unknown source")

	var ce *config.ConfigError
	_, err = execute(t, "run", "--source", "tone", "--taps", "0", "--monitor", "")
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "filter_taps", ce.Field)

	_, err = execute(t, "run", "--source", "tone", "--clip", "fold", "--monitor", "")
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "clip", ce.Field)
}

func TestRunToneForDuration(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())
	_, err := execute(t, "run",
		"--source", "tone",
		"--sample-rate", "8000",
		"--frame-size", "256",
		"--taps", "32",
		"--monitor", "",
		"--duration", "150ms",
	)
	require.NoError(t, err)
}

func TestRunSaveWritesConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "anc.json")
	_, err := execute(t, "--config", path, "run",
		"--source", "room",
		"--sample-rate", "8000",
		"--frame-size", "128",
		"--taps", "16",
		"--monitor", "",
		"--duration", "50ms",
		"--save",
	)
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `"frame_size": 128`))
}

func TestPrintDevices(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printDevices(&buf, nil, false))
	assert.Equal(t, "No audio devices found.\n", buf.String())

	buf.Reset()
	devices := []pa.Device{
		{ID: 0, Name: "Built-in Microphone", MaxInputChannels: 2, DefaultSampleRate: 44100, DefaultInput: true},
		{ID: 1, Name: "Built-in Output", MaxOutputChannels: 2, DefaultSampleRate: 44100, DefaultOutput: true},
	}
	require.NoError(t, printDevices(&buf, devices, false))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], "Built-in Microphone")
	assert.True(t, strings.HasSuffix(lines[1], "in"))
	assert.True(t, strings.HasSuffix(lines[2], "out"))

	buf.Reset()
	require.NoError(t, printDevices(&buf, devices, true))
	assert.Contains(t, buf.String(), `"default_output": true`)
}

func TestNewMonitor(t *testing.T) {
	port := monitor.NewPort()
	reg := prometheus.NewRegistry()
	stats := pipelineStats{}

	cfg := config.Default()
	cfg.MonitorAddr = ""
	srv, err := newMonitor(cfg, port, stats, reg, slog.Default())
	require.NoError(t, err)
	assert.Nil(t, srv)

	cfg.MonitorAddr = "127.0.0.1:0"
	cfg.FrameSize = 0
	_, err = newMonitor(cfg, port, stats, reg, slog.Default())
	assert.ErrorContains(t, err, "monitor")

	cfg.FrameSize = 256
	srv, err = newMonitor(cfg, port, stats, reg, slog.Default())
	require.NoError(t, err)
	assert.NotNil(t, srv)
}

type pipelineStats struct{}

func (pipelineStats) Stats() pipeline.Stats { return pipeline.Stats{} }

func TestRunToneWithMonitor(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())
	_, err := execute(t, "run",
		"--source", "tone",
		"--sample-rate", "8000",
		"--frame-size", "256",
		"--taps", "32",
		"--monitor", "127.0.0.1:0",
		"--duration", "100ms",
	)
	require.NoError(t, err)
}
