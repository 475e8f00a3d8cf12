// Package pipeline runs the capture → gain → adaptive filter → playback loop.
//
// A Pipeline owns its Source and Sink for the length of one Run. Each cycle
// it reads a frame, amplifies it, lets the LMS engine estimate and subtract
// the interference, hands the residual to a playback goroutine through a
// bounded queue and publishes the (input, estimate, residual) triple on the
// monitor port. Processing of cycle n+1 never begins before cycle n's
// residual has been handed off (or dropped under backpressure).
//
// Lifecycle: Idle → Running → Draining → Stopped. Stop is cooperative and
// takes effect at the next cycle boundary. A fatal error skips Draining.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"anc/internal/config"
	"anc/internal/frame"
	"anc/internal/lms"
	"anc/internal/metrics"
	"anc/internal/monitor"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Source delivers captured frames. ReadFrame fills dst with exactly
// len(dst) samples or returns an error; it must honor ctx.
type Source interface {
	Start(ctx context.Context) error
	ReadFrame(ctx context.Context, dst []int16) error
	Close() error
}

// Sink accepts processed frames. WriteFrame must honor ctx.
type Sink interface {
	Start(ctx context.Context) error
	WriteFrame(ctx context.Context, samples []int16) error
	Close() error
}

// Flusher is implemented by sinks that buffer output internally. Flush is
// called once after the playback queue has drained.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// WithMetrics attaches a Prometheus collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(p *Pipeline) { p.metrics = c }
}

// WithMonitor publishes cycle triples on port instead of a private one.
func WithMonitor(port *monitor.Port) Option {
	return func(p *Pipeline) { p.port = port }
}

// WithStateHook registers fn to be called on every state transition. It runs
// on the goroutine that called Run and must not block.
func WithStateHook(fn func(State)) Option {
	return func(p *Pipeline) { p.onState = fn }
}

// WithUnderrunHook registers fn to be called for every underrun. It runs on
// the processing goroutine and must not block.
func WithUnderrunHook(fn func(Underrun)) Option {
	return func(p *Pipeline) { p.onUnderrun = fn }
}

// farEndSlack is how many frames beyond the playback queue the far-end
// reference keeps before discarding the oldest.
const farEndSlack = 8

// Pipeline is a single-use streaming loop.
type Pipeline struct {
	cfg     config.Config
	src     Source
	sink    Sink
	gain    frame.Gain
	engine  *lms.Engine
	port    *monitor.Port
	metrics *metrics.Collector
	log     *slog.Logger
	session string

	onState    func(State)
	onUnderrun func(Underrun)

	started  atomic.Bool
	state    atomic.Int32
	stopCh   chan struct{}
	stopOnce sync.Once

	out     chan frame.Buffer
	playErr chan error
	readBuf []int16
	refBuf  []int16
	far     *farEnd

	cycles    atomic.Uint64
	underruns atomic.Uint64
	dropped   atomic.Uint64
	retries   atomic.Uint64
	played    atomic.Uint64
	erle      atomic.Uint64 // math.Float64bits of the last ERLE in dB

	underrunLog     rate.Sometimes
	writerAbandoned atomic.Bool
}

// New validates cfg and builds a Pipeline around src and sink. Invalid
// configuration is reported as a *config.ConfigError before any device is
// touched.
func New(cfg config.Config, src Source, sink Sink, opts ...Option) (*Pipeline, error) {
	if src == nil {
		return nil, &config.ConfigError{Field: "source", Value: nil, Reason: "must not be nil"}
	}
	if sink == nil {
		return nil, &config.ConfigError{Field: "sink", Value: nil, Reason: "must not be nil"}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.Resolved()

	engine, err := lms.New(lms.FromConfig(cfg))
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		cfg:         cfg,
		src:         src,
		sink:        sink,
		gain:        frame.Gain{Factor: cfg.Gain, Policy: cfg.Clip},
		engine:      engine,
		session:     uuid.NewString(),
		stopCh:      make(chan struct{}),
		out:         make(chan frame.Buffer, cfg.QueueDepth),
		playErr:     make(chan error, 1),
		readBuf:     make([]int16, cfg.FrameSize),
		refBuf:      make([]int16, cfg.FrameSize),
		far:         newFarEnd(cfg.ReferenceDelay, (cfg.QueueDepth+farEndSlack)*cfg.FrameSize),
		underrunLog: rate.Sometimes{First: 1, Interval: time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	if p.port == nil {
		p.port = monitor.NewPort()
	}
	p.log = p.log.With("session", p.session)
	return p, nil
}

// Monitor returns the port on which cycle triples are published.
func (p *Pipeline) Monitor() *monitor.Port { return p.port }

// Session returns the unique id of this pipeline instance.
func (p *Pipeline) Session() string { return p.session }

// Config returns the resolved configuration.
func (p *Pipeline) Config() config.Config { return p.cfg }

// State returns the current lifecycle state.
func (p *Pipeline) State() State { return State(p.state.Load()) }

// Stop requests a graceful stop. It returns immediately; the loop finishes
// the cycle in progress, drains playback and releases both devices before
// Run returns. Stop is safe to call more than once and from any goroutine.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

// Stats returns a snapshot of the counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Session:       p.session,
		State:         p.State(),
		Cycles:        p.cycles.Load(),
		Underruns:     p.underruns.Load(),
		DroppedFrames: p.dropped.Load(),
		Retries:       p.retries.Load(),
		Played:        p.played.Load(),
		ERLE:          p.lastERLE(),

		WriterAbandoned: p.writerAbandoned.Load(),
	}
}

// Run starts both devices and processes frames until Stop is called, ctx is
// cancelled or a fatal error occurs. A graceful stop returns nil. Run may be
// called only once.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	if err := p.src.Start(ctx); err != nil {
		p.metrics.DeviceError(StageCapture)
		p.setState(Stopped)
		return &DeviceError{Stage: StageCapture, Op: "start", Err: err}
	}
	if err := p.sink.Start(ctx); err != nil {
		p.metrics.DeviceError(StagePlayback)
		closeErr := p.src.Close()
		p.setState(Stopped)
		return errors.Join(&DeviceError{Stage: StagePlayback, Op: "start", Err: err}, closeErr)
	}
	p.setState(Running)
	p.log.Info("pipeline started",
		"sample_rate", p.cfg.SampleRate,
		"frame_size", p.cfg.FrameSize,
		"taps", p.cfg.FilterTaps,
		"step", p.cfg.LearningRate,
		"normalized", p.cfg.Normalized,
		"reference", p.cfg.Reference,
		"reference_delay", p.cfg.ReferenceDelay,
	)

	// The writer outlives ctx cancellation so queued frames can drain.
	wctx, cancelWriter := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWriter()
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		p.playbackLoop(wctx)
	}()

	runErr := p.loop(ctx)
	if runErr == nil {
		p.setState(Draining)
		p.drain(writerDone, cancelWriter)
		select {
		case err := <-p.playErr:
			runErr = p.playbackFailure(err)
		default:
		}
	} else {
		p.stopWriter(writerDone, cancelWriter)
	}

	closeErr := p.closeAll()
	p.setState(Stopped)

	stats := p.Stats()
	if runErr != nil {
		p.log.Error("pipeline stopped", "err", runErr, "cycles", stats.Cycles, "underruns", stats.Underruns)
	} else {
		p.log.Info("pipeline stopped", "cycles", stats.Cycles, "underruns", stats.Underruns, "retries", stats.Retries)
	}
	return errors.Join(runErr, closeErr)
}

func (p *Pipeline) loop(ctx context.Context) error {
	for seq := uint64(1); ; seq++ {
		select {
		case err := <-p.playErr:
			return p.playbackFailure(err)
		default:
		}
		select {
		case <-p.stopCh:
			return nil
		case <-ctx.Done():
			return nil
		default:
		}
		if err := p.cycle(ctx, seq); err != nil {
			return err
		}
	}
}

func (p *Pipeline) playbackFailure(err error) error {
	p.metrics.DeviceError(StagePlayback)
	return &DeviceError{Stage: StagePlayback, Op: "write", Cycle: p.cycles.Load(), Err: err}
}

func (p *Pipeline) setState(s State) {
	prev := State(p.state.Swap(int32(s)))
	if prev == s {
		return
	}
	p.log.Debug("pipeline state", "from", prev, "to", s)
	p.metrics.State(int(s))
	if p.onState != nil {
		p.onState(s)
	}
}

// closeAll releases both collaborators exactly once.
func (p *Pipeline) closeAll() error {
	var errs []error
	cycle := p.cycles.Load()
	if err := p.src.Close(); err != nil {
		errs = append(errs, &DeviceError{Stage: StageCapture, Op: "close", Cycle: cycle, Err: err})
	}
	if err := p.sink.Close(); err != nil {
		errs = append(errs, &DeviceError{Stage: StagePlayback, Op: "close", Cycle: cycle, Err: err})
	}
	return errors.Join(errs...)
}

// drain closes the playback queue and waits for the writer to empty it,
// bounded by the drain timeout. Frames still queued when it expires are
// discarded.
func (p *Pipeline) drain(writerDone <-chan struct{}, cancelWriter context.CancelFunc) {
	pending := len(p.out)
	close(p.out)

	timeout := p.cfg.DrainTimeout.Duration
	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-writerDone:
		p.log.Debug("playback drained", "frames", pending)
	case <-t.C:
		p.log.Warn("playback drain timed out, discarding queued frames",
			"timeout", timeout, "pending", len(p.out))
		p.stopWriter(writerDone, cancelWriter)
		return
	}

	f, ok := p.sink.(Flusher)
	if !ok {
		return
	}
	fctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := f.Flush(fctx); err != nil {
		p.log.Warn("flush playback", "err", err)
	}
}

// stopWriter cancels the playback goroutine and waits for it for at most
// one write timeout. A sink that ignores cancellation is abandoned; closing
// it afterwards is what releases a real device blocked in a write.
func (p *Pipeline) stopWriter(writerDone <-chan struct{}, cancelWriter context.CancelFunc) {
	cancelWriter()
	grace := p.cfg.WriteTimeout.Duration
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-writerDone:
	case <-t.C:
		p.writerAbandoned.Store(true)
		p.log.Warn("playback writer ignored cancellation, abandoning it", "grace", grace)
	}
}

// stageErr annotates a failure inside the processing path.
func stageErr(stage string, cycle uint64, err error) error {
	return fmt.Errorf("pipeline: %s at cycle %d: %w", stage, cycle, err)
}
