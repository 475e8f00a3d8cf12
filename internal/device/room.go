package device

import (
	"context"
	"sync"

	"anc/internal/frame"
	"anc/internal/pipeline"

	"github.com/cwbudde/algo-vecmath"
)

// maxQueued bounds the speaker backlog in frames; older audio is discarded.
const maxQueued = 8

// Room simulates an acoustic echo path. Audio written to the Speaker is
// convolved with Path and added to the near-end signal read from the Mic,
// so the far end leaks into the capture the way a loudspeaker does.
type Room struct {
	Path []float64 // impulse response in tap order, Path[0] is the direct sound
	Near *Tone     // near-end talker, owned by the room; nil means silence

	// Realtime paces both sides at one frame per period of SampleRate.
	Realtime   bool
	SampleRate int

	mu      sync.Mutex
	pending []float64 // played but not yet heard
	hist    []float64 // last len(Path)-1 heard far-end samples
	ext     []float64
	acc     []float64
	tmp     []float64
	near    []float64
	written int
	mic     pacer // used only by the capture goroutine
	speaker pacer // used only by the playback goroutine
}

// NewRoom returns a Room with the given echo impulse response.
func NewRoom(path []float64, near *Tone) *Room {
	return &Room{Path: append([]float64(nil), path...), Near: near}
}

// Mic returns the room's capture side.
func (r *Room) Mic() *Mic { return &Mic{room: r} }

// Speaker returns the room's playback side.
func (r *Room) Speaker() *Speaker { return &Speaker{room: r} }

// hear returns n samples of near end plus echo, in normalized units.
func (r *Room) hear(n int) []float64 {
	L := max(len(r.Path), 1)
	if len(r.hist) != L-1 {
		r.hist = make([]float64, L-1)
	}
	r.ext = append(r.ext[:0], r.hist...)
	take := min(n, len(r.pending))
	r.ext = append(r.ext, r.pending[:take]...)
	for range n - take {
		r.ext = append(r.ext, 0)
	}
	r.pending = r.pending[take:]

	r.acc = grow(r.acc, n)
	r.tmp = grow(r.tmp, n)
	if r.Near != nil {
		r.near = r.Near.fill(r.near, n)
		copy(r.acc, r.near)
	} else {
		clear(r.acc)
	}
	// y[i] = Σ_k h[k]·far[i-k]
	for k, h := range r.Path {
		if h == 0 {
			continue
		}
		off := L - 1 - k
		vecmath.ScaleBlock(r.tmp, r.ext[off:off+n], h)
		vecmath.AddBlockInPlace(r.acc, r.tmp)
	}
	copy(r.hist, r.ext[n:])
	return r.acc
}

func grow(b []float64, n int) []float64 {
	if cap(b) < n {
		return make([]float64, n)
	}
	return b[:n]
}

// Mic is the capture side of a Room.
type Mic struct {
	room *Room
}

func (m *Mic) Start(context.Context) error { return nil }

func (m *Mic) ReadFrame(ctx context.Context, dst []int16) error {
	r := m.room
	if r.Realtime {
		if err := r.mic.wait(ctx, r.SampleRate, len(dst)); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, v := range r.hear(len(dst)) {
		dst[i] = frame.Quantize(v*frame.FullScale, frame.ClipSaturate)
	}
	return nil
}

func (m *Mic) Close() error { return nil }

// Speaker is the playback side of a Room.
type Speaker struct {
	room *Room
}

func (s *Speaker) Start(context.Context) error { return nil }

func (s *Speaker) WriteFrame(ctx context.Context, samples []int16) error {
	r := s.room
	if r.Realtime {
		if err := r.speaker.wait(ctx, r.SampleRate, len(samples)); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range samples {
		r.pending = append(r.pending, float64(v)/frame.FullScale)
	}
	if limit := maxQueued * len(samples); len(r.pending) > limit {
		r.pending = r.pending[len(r.pending)-limit:]
	}
	r.written++
	return nil
}

// Written returns the number of frames played into the room.
func (s *Speaker) Written() int {
	s.room.mu.Lock()
	defer s.room.mu.Unlock()
	return s.room.written
}

func (s *Speaker) Close() error { return nil }

var (
	_ pipeline.Source = (*Mic)(nil)
	_ pipeline.Sink   = (*Speaker)(nil)
)
