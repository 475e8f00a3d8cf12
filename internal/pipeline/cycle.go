package pipeline

import (
	"context"
	"math"
	"time"

	"anc/internal/config"
	"anc/internal/frame"
	"anc/internal/monitor"
)

// maxERLE caps the reported enhancement when the residual is silent.
const maxERLE = 120.0

// cycle runs one acquire → gain → filter → emit → publish step.
func (p *Pipeline) cycle(ctx context.Context, seq uint64) error {
	if err := p.acquire(ctx, seq); err != nil {
		p.metrics.DeviceError(StageCapture)
		return err
	}
	start := time.Now()

	input := p.gain.Apply(frame.New(p.readBuf))
	ref, desired := input, frame.Buffer{}
	if p.cfg.Reference == config.ReferencePlayback {
		p.far.next(p.refBuf)
		ref, desired = frame.New(p.refBuf), input
	}
	res, err := p.engine.Process(ref, desired)
	if err != nil {
		return stageErr(StageFilter, seq, err)
	}
	elapsed := time.Since(start)

	p.emit(seq, res.Residual)

	p.port.Publish(monitor.Triple{
		Seq:      seq,
		At:       start,
		Input:    input,
		Estimate: res.Estimate,
		Residual: res.Residual,
	})

	erle := ERLE(input, res.Residual)
	p.erle.Store(math.Float64bits(erle))
	p.cycles.Store(seq)
	p.metrics.Cycle(elapsed.Seconds(), erle, res.Residual.RMS())
	return nil
}

// acquire fills readBuf. A transient failure is retried once after the
// configured backoff; anything else is fatal.
func (p *Pipeline) acquire(ctx context.Context, seq uint64) error {
	err := p.read(ctx)
	if err == nil {
		return nil
	}
	if !IsTransient(err) {
		return &DeviceError{Stage: StageCapture, Op: "read", Cycle: seq, Err: err}
	}

	backoff := p.cfg.RetryBackoff.Duration
	p.retries.Add(1)
	p.metrics.Retry(StageCapture)
	p.log.Warn("capture transient, retrying", "cycle", seq, "backoff", backoff, "err", err)
	time.Sleep(backoff)

	if err := p.read(ctx); err != nil {
		return &DeviceError{Stage: StageCapture, Op: "read", Cycle: seq, Err: err}
	}
	return nil
}

// read performs one bounded capture. Cancellation of ctx does not abort a
// read in flight; stop is observed at the cycle boundary.
func (p *Pipeline) read(ctx context.Context) error {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.ReadTimeout.Duration)
	defer cancel()
	return p.src.ReadFrame(rctx, p.readBuf)
}

// emit hands f to the playback goroutine. If the queue stays full past the
// write timeout, the oldest queued frame is dropped to make room and the
// cycle is counted as an underrun.
func (p *Pipeline) emit(seq uint64, f frame.Buffer) {
	select {
	case p.out <- f:
		return
	default:
	}

	t := time.NewTimer(p.cfg.WriteTimeout.Duration)
	defer t.Stop()
	select {
	case p.out <- f:
		return
	case <-t.C:
	}

	dropped := 0
	select {
	case <-p.out:
		dropped++
	default:
	}
	select {
	case p.out <- f:
	default:
		dropped++
	}
	p.underrun(seq, dropped)
}

func (p *Pipeline) underrun(seq uint64, dropped int) {
	total := p.underruns.Add(1)
	p.dropped.Add(uint64(dropped))
	p.metrics.Underrun(dropped)
	p.underrunLog.Do(func() {
		p.log.Warn("playback underrun", "cycle", seq, "dropped", dropped, "total", total)
	})
	if p.onUnderrun != nil {
		p.onUnderrun(Underrun{Cycle: seq, Dropped: dropped, At: time.Now()})
	}
}

// playbackLoop writes queued frames to the sink until the queue is closed
// and empty or ctx is cancelled. A fatal write error is reported on playErr.
func (p *Pipeline) playbackLoop(ctx context.Context) {
	buf := make([]int16, p.cfg.FrameSize)
	for {
		// A cancelled writer must not touch the sink again, even when
		// frames are still queued.
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case f, ok := <-p.out:
			if !ok {
				return
			}
			n := f.CopyTo(buf)
			if err := p.write(ctx, buf[:n]); err != nil {
				if ctx.Err() != nil {
					return
				}
				select {
				case p.playErr <- err:
				default:
				}
				return
			}
			p.far.feed(buf[:n])
			p.played.Add(1)
		}
	}
}

func (p *Pipeline) write(ctx context.Context, samples []int16) error {
	err := p.sink.WriteFrame(ctx, samples)
	if err == nil || ctx.Err() != nil || !IsTransient(err) {
		return err
	}

	backoff := p.cfg.RetryBackoff.Duration
	p.retries.Add(1)
	p.metrics.Retry(StagePlayback)
	p.log.Warn("playback transient, retrying", "backoff", backoff, "err", err)

	t := time.NewTimer(backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}
	return p.sink.WriteFrame(ctx, samples)
}

func (p *Pipeline) lastERLE() float64 {
	return math.Float64frombits(p.erle.Load())
}

// ERLE returns the echo return loss enhancement 10·log10(E_in/E_res) in dB.
// A silent input yields 0 and a silent residual is capped at 120 dB.
func ERLE(input, residual frame.Buffer) float64 {
	in := input.Energy()
	if in == 0 {
		return 0
	}
	res := residual.Energy()
	if res == 0 {
		return maxERLE
	}
	return math.Min(10*math.Log10(in/res), maxERLE)
}
