package device

import (
	"context"
	"sync"

	"anc/internal/frame"
	"anc/internal/pipeline"
)

// Discard is a Sink that drops every frame, remembering only the last one.
type Discard struct {
	SampleRate int
	Realtime   bool

	mu      sync.Mutex
	frames  int
	flushes int
	last    frame.Buffer
	pace    pacer
}

func (d *Discard) Start(context.Context) error { return nil }

func (d *Discard) WriteFrame(ctx context.Context, samples []int16) error {
	if d.Realtime {
		if err := d.pace.wait(ctx, d.SampleRate, len(samples)); err != nil {
			return err
		}
	}
	d.mu.Lock()
	d.frames++
	d.last = frame.New(samples)
	d.mu.Unlock()
	return nil
}

func (d *Discard) Flush(context.Context) error {
	d.mu.Lock()
	d.flushes++
	d.mu.Unlock()
	return nil
}

// Frames returns the number of frames written.
func (d *Discard) Frames() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frames
}

// Last returns the most recent frame written.
func (d *Discard) Last() frame.Buffer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

func (d *Discard) Close() error { return nil }

var (
	_ pipeline.Sink    = (*Discard)(nil)
	_ pipeline.Flusher = (*Discard)(nil)
)
