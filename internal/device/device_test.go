package device

import (
	"context"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"anc/internal/config"
	"anc/internal/pipeline"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToneIsPeriodic(t *testing.T) {
	tone := &Tone{SampleRate: 8000, Frequency: 500, Amplitude: 0.5}
	require.NoError(t, tone.Start(context.Background()))

	buf := make([]int16, 32)
	require.NoError(t, tone.ReadFrame(context.Background(), buf))
	assert.Equal(t, int16(0), buf[0])
	assert.Equal(t, int16(16384), buf[4])
	assert.Equal(t, int16(-16384), buf[12])
	assert.Equal(t, buf[:16], buf[16:], "500 Hz at 8 kHz repeats every 16 samples")
	assert.Equal(t, 1, tone.Reads())
}

func TestToneNoiseIsSeeded(t *testing.T) {
	read := func() []int16 {
		tone := &Tone{SampleRate: 8000, Frequency: 0, Noise: 0.1, Seed: 7}
		require.NoError(t, tone.Start(context.Background()))
		buf := make([]int16, 64)
		require.NoError(t, tone.ReadFrame(context.Background(), buf))
		return buf
	}
	a, b := read(), read()
	assert.Equal(t, a, b)
	for _, v := range a {
		assert.LessOrEqual(t, math.Abs(float64(v)), 0.1*32768+1)
	}
}

func TestTonePacingHonorsDeadline(t *testing.T) {
	tone := NewTone(100, 1, 0.5)
	require.NoError(t, tone.Start(context.Background()))
	buf := make([]int16, 100) // one second per frame

	require.NoError(t, tone.ReadFrame(context.Background(), buf))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := tone.ReadFrame(ctx, buf)
	assert.ErrorIs(t, err, pipeline.ErrTimeout)
	assert.True(t, pipeline.IsTransient(err))
}

func TestRoomEcho(t *testing.T) {
	room := NewRoom([]float64{0, 0.5}, nil)
	mic, spk := room.Mic(), room.Speaker()
	ctx := context.Background()

	require.NoError(t, spk.WriteFrame(ctx, []int16{16384, 16384, 16384, 16384}))
	assert.Equal(t, 1, spk.Written())

	got := make([]int16, 4)
	require.NoError(t, mic.ReadFrame(ctx, got))
	assert.Equal(t, []int16{0, 8192, 8192, 8192}, got)

	// The tail of the last frame is still ringing.
	require.NoError(t, mic.ReadFrame(ctx, got))
	assert.Equal(t, []int16{8192, 0, 0, 0}, got)
}

func TestRoomAddsNearEnd(t *testing.T) {
	near := &Tone{SampleRate: 8000, Frequency: 500, Amplitude: 0.25}
	room := NewRoom([]float64{1}, near)
	mic := room.Mic()

	got := make([]int16, 16)
	require.NoError(t, mic.ReadFrame(context.Background(), got))
	assert.Equal(t, int16(8192), got[4])
}

func TestRoomBacklogIsBounded(t *testing.T) {
	room := NewRoom([]float64{1}, nil)
	spk := room.Speaker()
	for i := range 20 {
		require.NoError(t, spk.WriteFrame(context.Background(), []int16{int16(i), int16(i)}))
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	assert.Len(t, room.pending, maxQueued*2)
	assert.Equal(t, float64(19)/32768, room.pending[len(room.pending)-1])
}

func TestDiscard(t *testing.T) {
	d := &Discard{}
	require.NoError(t, d.WriteFrame(context.Background(), []int16{1, 2}))
	require.NoError(t, d.WriteFrame(context.Background(), []int16{3, 4}))
	require.NoError(t, d.Flush(context.Background()))
	assert.Equal(t, 2, d.Frames())
	assert.Equal(t, []int16{3, 4}, d.Last().Samples())
}

// TestPipelineCancelsTone runs the whole loop headlessly: the filter learns
// a pure tone in self-reference mode until the residual is negligible.
func TestPipelineCancelsTone(t *testing.T) {
	cfg := config.Default()
	cfg.SampleRate = 8000
	cfg.FrameSize = 256
	cfg.FilterTaps = 32
	cfg.LearningRate = 0.01
	cfg.Gain = 1
	cfg.Reference = config.ReferenceSelf

	src := &stopAfter{Tone: &Tone{SampleRate: cfg.SampleRate, Frequency: 500, Amplitude: 0.5}, n: 200}
	sink := &Discard{}
	p, err := pipeline.New(cfg, src, sink,
		pipeline.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	src.stop = p.Stop

	require.NoError(t, p.Run(context.Background()))
	stats := p.Stats()
	assert.Equal(t, uint64(200), stats.Cycles)
	assert.Greater(t, stats.ERLE, 20.0)
	assert.Equal(t, 200, sink.Frames())
}

// stopAfter calls stop once n frames have been read.
type stopAfter struct {
	*Tone
	n    int
	stop func()
}

func (s *stopAfter) ReadFrame(ctx context.Context, dst []int16) error {
	if err := s.Tone.ReadFrame(ctx, dst); err != nil {
		return err
	}
	if s.Tone.Reads() == s.n {
		s.stop()
	}
	return nil
}

// TestPipelineCancelsRoomEcho runs the default playback reference against a
// simulated room. The near end is white noise, so the only thing the filter
// can remove is the echo of its own output; once converged the residual is
// the near end alone.
func TestPipelineCancelsRoomEcho(t *testing.T) {
	cfg := config.Default()
	require.Equal(t, config.ReferencePlayback, cfg.Reference)
	cfg.SampleRate = 8000
	cfg.FrameSize = 128
	cfg.FilterTaps = 8
	cfg.LearningRate = 0.1
	cfg.Normalized = true
	cfg.Gain = 1
	cfg.ReadTimeout.Duration = 2 * time.Second
	cfg.WriteTimeout.Duration = time.Second

	const (
		cycles = 300
		tail   = 50
		noise  = 0.1
	)
	near := &Tone{SampleRate: cfg.SampleRate, Noise: noise, Seed: 3}
	room := NewRoom([]float64{0, 0, 0.6, 0.2, -0.1}, near)
	spk := &recordingSpeaker{Speaker: room.Speaker()}
	mic := &lockstepMic{Mic: room.Mic(), n: cycles}

	p, err := pipeline.New(cfg, mic, spk,
		pipeline.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	mic.p = p

	require.NoError(t, p.Run(context.Background()))
	require.Equal(t, uint64(cycles), p.Stats().Cycles)
	require.Zero(t, p.Stats().Underruns)

	nearPower := noise * noise / 3
	in := meanPower(mic.power[cycles-tail:])
	res := meanPower(spk.powers()[cycles-tail:])
	assert.Less(t, res, 1.15*nearPower, "residual should be the near end alone")
	assert.Greater(t, in, 1.25*res, "echo should be removed from the capture")
}

// lockstepMic reads frame k only after the pipeline played k frames, so the
// room hears exactly the audio the filter used as its reference.
type lockstepMic struct {
	*Mic
	p     *pipeline.Pipeline
	n     int
	reads int
	power []float64
}

func (m *lockstepMic) ReadFrame(ctx context.Context, dst []int16) error {
	for m.p.Stats().Played < uint64(m.reads) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Microsecond):
		}
	}
	if err := m.Mic.ReadFrame(ctx, dst); err != nil {
		return err
	}
	m.reads++
	m.power = append(m.power, framePower(dst))
	if m.reads == m.n {
		m.p.Stop()
	}
	return nil
}

// recordingSpeaker keeps the power of every frame played into the room.
type recordingSpeaker struct {
	*Speaker
	mu    sync.Mutex
	power []float64
}

func (s *recordingSpeaker) WriteFrame(ctx context.Context, samples []int16) error {
	if err := s.Speaker.WriteFrame(ctx, samples); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.power = append(s.power, framePower(samples))
	return nil
}

func (s *recordingSpeaker) powers() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float64(nil), s.power...)
}

func framePower(samples []int16) float64 {
	var sum float64
	for _, v := range samples {
		x := float64(v) / 32768
		sum += x * x
	}
	return sum / float64(len(samples))
}

func meanPower(p []float64) float64 {
	var sum float64
	for _, v := range p {
		sum += v
	}
	return sum / float64(len(p))
}
