package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"anc/internal/config"
	"anc/internal/device"
	"anc/internal/device/pa"
	"anc/internal/frame"
	"anc/internal/httpapi"
	"anc/internal/metrics"
	"anc/internal/monitor"
	"anc/internal/pipeline"
	"anc/internal/spectrum"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

// Collaborator sets selectable with --source.
const (
	sourceDevice = "device"
	sourceTone   = "tone"
	sourceRoom   = "room"
)

// roomPath is the echo impulse response of the simulated room: a short
// delay followed by a decaying reflection.
var roomPath = []float64{0, 0, 0, 0.6, 0.25, -0.1, 0.05}

type globalOptions struct {
	configPath string
	debug      bool
}

type runOptions struct {
	sampleRate   int
	frameSize    int
	taps         int
	mu           float64
	normalized   bool
	gain         float64
	clip         string
	reference    string
	refDelay     int
	queueDepth   int
	inputDevice  int
	outputDevice int
	monitorAddr  string

	source   string
	toneFreq float64
	duration time.Duration
	save     bool
}

func newRootCmd() *cobra.Command {
	g := &globalOptions{}
	root := &cobra.Command{
		Use:           "anc",
		Short:         "Real-time adaptive interference cancellation",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			setupLogging(cmd.ErrOrStderr(), g.debug)
		},
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "config file (.json, .yaml or .yml; default "+defaultConfigPath()+")")
	root.PersistentFlags().BoolVar(&g.debug, "debug", false, "Enable debug logging (auto-enabled for dev builds)")

	root.AddCommand(newRunCmd(g), newDevicesCmd(), newConfigCmd(g), newVersionCmd())
	return root
}

func defaultConfigPath() string {
	path, err := config.Path()
	if err != nil {
		return "<user config dir>/anc/config.json"
	}
	return path
}

// loadConfig reads the explicit config file, or the default one. A missing
// file yields the defaults.
func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Load(), nil
	}
	cfg, err := config.LoadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	if err != nil {
		return config.Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

func newRunCmd(g *globalOptions) *cobra.Command {
	o := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the capture, filter and playback loop until interrupted",
		Long: `Run starts the streaming loop. Each frame is captured, amplified, passed
through the adaptive filter and the residual is played back. A monitoring API
is served on --monitor unless it is empty.

Sources:
  device  PortAudio input and output devices (see "anc devices")
  tone    a paced sine generator, output discarded
  room    a simulated room whose speaker echoes back into its microphone`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(g.configPath)
			if err != nil {
				return err
			}
			if err := o.apply(cmd.Flags(), &cfg); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if o.save {
				if err := saveConfig(g.configPath, cfg); err != nil {
					return err
				}
			}
			return runPipeline(cmd.Context(), slog.Default(), cfg, o)
		},
	}

	d := config.Default()
	f := cmd.Flags()
	f.IntVar(&o.sampleRate, "sample-rate", d.SampleRate, "sample rate in Hz")
	f.IntVar(&o.frameSize, "frame-size", d.FrameSize, "samples per frame")
	f.IntVar(&o.taps, "taps", d.FilterTaps, "adaptive filter length")
	f.Float64Var(&o.mu, "mu", d.LearningRate, "LMS learning rate")
	f.BoolVar(&o.normalized, "normalized", d.Normalized, "use normalized LMS")
	f.Float64Var(&o.gain, "gain", d.Gain, "amplification factor")
	f.StringVar(&o.clip, "clip", d.Clip.String(), "clip policy: saturate or soft")
	f.StringVar(&o.reference, "reference", string(d.Reference), "filter reference: self or playback")
	f.IntVar(&o.refDelay, "reference-delay", d.ReferenceDelay, "bulk playback to capture delay in samples")
	f.IntVar(&o.queueDepth, "queue-depth", d.QueueDepth, "playback queue depth in frames")
	f.IntVar(&o.inputDevice, "input-device", d.InputDeviceID, "input device id (-1 for default)")
	f.IntVar(&o.outputDevice, "output-device", d.OutputDeviceID, "output device id (-1 for default)")
	f.StringVar(&o.monitorAddr, "monitor", d.MonitorAddr, "monitoring API listen address (empty disables)")
	f.StringVar(&o.source, "source", sourceDevice, "collaborators: device, tone or room")
	f.Float64Var(&o.toneFreq, "tone-freq", 440, "tone frequency in Hz for the tone and room sources")
	f.DurationVar(&o.duration, "duration", 0, "stop after this long (0 runs until interrupted)")
	f.BoolVar(&o.save, "save", false, "write the effective configuration back to the config file")
	return cmd
}

// apply copies every explicitly set flag over cfg.
func (o *runOptions) apply(f *pflag.FlagSet, cfg *config.Config) error {
	set := f.Changed
	if set("sample-rate") {
		cfg.SampleRate = o.sampleRate
	}
	if set("frame-size") {
		cfg.FrameSize = o.frameSize
	}
	if set("taps") {
		cfg.FilterTaps = o.taps
	}
	if set("mu") {
		cfg.LearningRate = o.mu
	}
	if set("normalized") {
		cfg.Normalized = o.normalized
	}
	if set("gain") {
		cfg.Gain = o.gain
	}
	if set("clip") {
		p, err := frame.ParseClipPolicy(o.clip)
		if err != nil {
			return &config.ConfigError{Field: "clip", Value: o.clip, Reason: err.Error()}
		}
		cfg.Clip = p
	}
	if set("reference") {
		cfg.Reference = config.Reference(o.reference)
	}
	if set("reference-delay") {
		cfg.ReferenceDelay = o.refDelay
	}
	if set("queue-depth") {
		cfg.QueueDepth = o.queueDepth
	}
	if set("input-device") {
		cfg.InputDeviceID = o.inputDevice
	}
	if set("output-device") {
		cfg.OutputDeviceID = o.outputDevice
	}
	if set("monitor") {
		cfg.MonitorAddr = o.monitorAddr
	}
	switch o.source {
	case sourceDevice, sourceTone, sourceRoom:
	default:
		return fmt.Errorf("unknown source %q (want device, tone or room)", o.source)
	}
	return nil
}

func saveConfig(path string, cfg config.Config) error {
	if path == "" {
		return config.Save(cfg)
	}
	return config.SaveFile(path, cfg)
}

// collaborators builds the source and sink for o.source. The returned
// release function must be called after the pipeline has stopped.
func collaborators(cfg config.Config, o *runOptions, log *slog.Logger) (pipeline.Source, pipeline.Sink, func(), error) {
	switch o.source {
	case sourceTone:
		tone := device.NewTone(cfg.SampleRate, o.toneFreq, 0.5)
		return tone, &device.Discard{SampleRate: cfg.SampleRate, Realtime: true}, func() {}, nil
	case sourceRoom:
		near := &device.Tone{SampleRate: cfg.SampleRate, Frequency: o.toneFreq, Amplitude: 0.25, Noise: 0.01}
		room := device.NewRoom(roomPath, near)
		room.Realtime = true
		room.SampleRate = cfg.SampleRate
		return room.Mic(), room.Speaker(), func() {}, nil
	default:
		terminate, err := pa.Init()
		if err != nil {
			return nil, nil, nil, err
		}
		release := func() {
			if err := terminate(); err != nil {
				log.Error("terminate portaudio", "err", err)
			}
		}
		capture := pa.NewCapture(cfg.InputDeviceID, cfg.SampleRate, cfg.FrameSize, log)
		playback := pa.NewPlayback(cfg.OutputDeviceID, cfg.SampleRate, cfg.FrameSize, log)
		return capture, playback, release, nil
	}
}

func runPipeline(parent context.Context, log *slog.Logger, cfg config.Config, o *runOptions) error {
	src, sink, release, err := collaborators(cfg, o, log)
	if err != nil {
		return err
	}
	defer release()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	port := monitor.NewPort()
	p, err := pipeline.New(cfg, src, sink,
		pipeline.WithLogger(log),
		pipeline.WithMetrics(metrics.New(reg)),
		pipeline.WithMonitor(port),
	)
	if err != nil {
		return err
	}

	// Everything that can fail is built before the pipeline goroutine starts.
	srv, err := newMonitor(cfg, port, p, reg, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	eg, gctx := errgroup.WithContext(runCtx)
	eg.Go(func() error {
		defer cancelRun()
		return p.Run(gctx)
	})
	if srv != nil {
		eg.Go(func() error { return srv.Run(gctx, cfg.MonitorAddr) })
	}
	if o.duration > 0 {
		eg.Go(func() error {
			t := time.NewTimer(o.duration)
			defer t.Stop()
			select {
			case <-t.C:
				log.Info("duration elapsed, stopping", "duration", o.duration)
				p.Stop()
			case <-gctx.Done():
			}
			return nil
		})
	}

	err = eg.Wait()
	stats := p.Stats()
	log.Info("run finished",
		"cycles", stats.Cycles,
		"underruns", stats.Underruns,
		"dropped_frames", stats.DroppedFrames,
		"retries", stats.Retries,
		"erle_db", fmt.Sprintf("%.1f", stats.ERLE),
	)
	return err
}

// newMonitor builds the monitoring server, or returns nil when the monitor
// address is empty.
func newMonitor(cfg config.Config, port *monitor.Port, stats httpapi.StatsSource, reg prometheus.Gatherer, log *slog.Logger) (*httpapi.Server, error) {
	if cfg.MonitorAddr == "" {
		return nil, nil
	}
	analyzer, err := spectrum.New(cfg.FrameSize, cfg.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("monitor: %w", err)
	}
	return httpapi.New(port, stats,
		httpapi.WithAnalyzer(analyzer),
		httpapi.WithGatherer(reg),
		httpapi.WithLogger(log),
	), nil
}

func newDevicesCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List audio devices and their ids",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			terminate, err := pa.Init()
			if err != nil {
				return err
			}
			defer terminate()
			devices, err := pa.ListDevices()
			if err != nil {
				return err
			}
			return printDevices(cmd.OutOrStdout(), devices, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printDevices(w io.Writer, devices []pa.Device, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(devices)
	}
	if len(devices) == 0 {
		_, err := fmt.Fprintln(w, "No audio devices found.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tIN\tOUT\tRATE\tDEFAULT")
	for _, d := range devices {
		def := ""
		switch {
		case d.DefaultInput && d.DefaultOutput:
			def = "in,out"
		case d.DefaultInput:
			def = "in"
		case d.DefaultOutput:
			def = "out"
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%.0f\t%s\n",
			d.ID, d.Name, d.MaxInputChannels, d.MaxOutputChannels, d.DefaultSampleRate, def)
	}
	return tw.Flush()
}

func newConfigCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or initialize the configuration file",
	}

	var asJSON bool
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(g.configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(cfg)
			}
			enc := yaml.NewEncoder(out)
			if err := enc.Encode(cfg); err != nil {
				return err
			}
			return enc.Close()
		},
	}
	show.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of YAML")

	path := &cobra.Command{
		Use:   "path",
		Short: "Print the config file location",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p := g.configPath
			if p == "" {
				var err error
				if p, err = config.Path(); err != nil {
					return err
				}
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), p)
			return err
		},
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p := g.configPath
			if p == "" {
				var err error
				if p, err = config.Path(); err != nil {
					return err
				}
			}
			if _, err := os.Stat(p); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", p)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			if err := config.SaveFile(p, config.Default()); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", p)
			return err
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	cmd.AddCommand(show, path, initCmd)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "anc %s\n", Version)
		},
	}
}
