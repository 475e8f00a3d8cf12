// Package pa implements the pipeline's capture and playback collaborators on
// PortAudio blocking streams: mono, 16-bit, one frame per buffer.
//
// Init must be called once before any stream is opened and the returned
// function called after every stream is closed.
package pa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"anc/internal/pipeline"

	"github.com/gordonklaus/portaudio"
)

const channels = 1

// Init initializes PortAudio and returns its terminate function.
func Init() (terminate func() error, err error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}
	return portaudio.Terminate, nil
}

// Device describes one PortAudio device.
type Device struct {
	ID                int     `json:"id"`
	Name              string  `json:"name"`
	HostAPI           string  `json:"host_api"`
	MaxInputChannels  int     `json:"max_input_channels"`
	MaxOutputChannels int     `json:"max_output_channels"`
	DefaultSampleRate float64 `json:"default_sample_rate"`
	DefaultInput      bool    `json:"default_input"`
	DefaultOutput     bool    `json:"default_output"`
}

// ListDevices returns every device PortAudio reports. IDs are the indices
// accepted by Config.InputDeviceID and Config.OutputDeviceID.
func ListDevices() ([]Device, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defIn, _ := portaudio.DefaultInputDevice()
	defOut, _ := portaudio.DefaultOutputDevice()

	out := make([]Device, 0, len(devices))
	for i, d := range devices {
		dev := Device{
			ID:                i,
			Name:              d.Name,
			MaxInputChannels:  d.MaxInputChannels,
			MaxOutputChannels: d.MaxOutputChannels,
			DefaultSampleRate: d.DefaultSampleRate,
			DefaultInput:      sameDevice(d, defIn),
			DefaultOutput:     sameDevice(d, defOut),
		}
		if d.HostApi != nil {
			dev.HostAPI = d.HostApi.Name
		}
		out = append(out, dev)
	}
	return out, nil
}

func sameDevice(a, b *portaudio.DeviceInfo) bool {
	if a == nil || b == nil || a.Name != b.Name {
		return false
	}
	if a.HostApi == nil || b.HostApi == nil {
		return a.HostApi == b.HostApi
	}
	return a.HostApi.Name == b.HostApi.Name
}

// resolveDevice returns the device at idx if valid, otherwise calls fallback.
func resolveDevice(idx int, fallback func() (*portaudio.DeviceInfo, error)) (*portaudio.DeviceInfo, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	if idx >= 0 && idx < len(devices) {
		return devices[idx], nil
	}
	return fallback()
}

// classify maps PortAudio stream conditions onto the pipeline's error
// taxonomy: over- and underflows are transient, everything else is not.
func classify(op string, err error) error {
	if errors.Is(err, portaudio.InputOverflowed) || errors.Is(err, portaudio.OutputUnderflowed) {
		return fmt.Errorf("%s: %w: %w", op, pipeline.ErrTransient, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

type captured struct {
	samples []int16
	err     error
}

// Capture reads frames from an input device. A pump goroutine performs the
// blocking reads so ReadFrame can honor its context deadline.
type Capture struct {
	DeviceID   int
	SampleRate int
	FrameSize  int
	Log        *slog.Logger

	mu     sync.Mutex
	stream *portaudio.Stream
	frames chan captured
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCapture returns a Capture for the device at id, or the default input
// device when id is negative.
func NewCapture(id, sampleRate, frameSize int, log *slog.Logger) *Capture {
	if log == nil {
		log = slog.Default()
	}
	return &Capture{DeviceID: id, SampleRate: sampleRate, FrameSize: frameSize, Log: log}
}

// Start opens and starts the input stream.
func (c *Capture) Start(context.Context) error {
	dev, err := resolveDevice(c.DeviceID, portaudio.DefaultInputDevice)
	if err != nil {
		return fmt.Errorf("resolve input device: %w", err)
	}
	buf := make([]int16, c.FrameSize)
	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: channels,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(c.SampleRate),
		FramesPerBuffer: c.FrameSize,
	}
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return fmt.Errorf("open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("start input stream: %w", err)
	}

	c.mu.Lock()
	c.stream = stream
	c.frames = make(chan captured, 4)
	c.stopCh = make(chan struct{})
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.pump(stream, buf)
	}()
	c.Log.Info("capture started", "device", dev.Name, "sample_rate", c.SampleRate, "frame_size", c.FrameSize)
	return nil
}

func (c *Capture) pump(stream *portaudio.Stream, buf []int16) {
	for {
		err := stream.Read()
		var out captured
		switch {
		case err == nil:
			out.samples = append([]int16(nil), buf...)
		case errors.Is(err, portaudio.InputOverflowed):
			// The buffer still holds a full frame; the pipeline decides
			// whether to keep it.
			out.samples = append([]int16(nil), buf...)
			out.err = classify("capture read", err)
		default:
			out.err = classify("capture read", err)
		}
		select {
		case c.frames <- out:
		case <-c.stopCh:
			return
		}
		if out.samples == nil {
			return
		}
	}
}

// ReadFrame copies the next captured frame into dst. If no frame arrives
// before ctx is done, it returns pipeline.ErrTimeout.
func (c *Capture) ReadFrame(ctx context.Context, dst []int16) error {
	select {
	case f := <-c.frames:
		if f.err != nil {
			return f.err
		}
		if len(f.samples) != len(dst) {
			return fmt.Errorf("capture read: got %d samples, want %d", len(f.samples), len(dst))
		}
		copy(dst, f.samples)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("capture read: %w: %w", pipeline.ErrTimeout, ctx.Err())
	}
}

// Close stops the stream, waits for the pump to exit and frees the stream.
//
// Pa_StopStream unblocks a pending Pa_ReadStream. The pump must be gone
// before Pa_CloseStream frees the native object.
func (c *Capture) Close() error {
	c.mu.Lock()
	stream := c.stream
	c.stream = nil
	c.mu.Unlock()
	if stream == nil {
		return nil
	}
	close(c.stopCh)
	stopErr := stream.Stop()
	c.wg.Wait()
	closeErr := stream.Close()
	c.Log.Info("capture stopped")
	return errors.Join(stopErr, closeErr)
}

// Playback writes frames to an output device.
type Playback struct {
	DeviceID   int
	SampleRate int
	FrameSize  int
	Log        *slog.Logger

	mu     sync.Mutex
	stream *portaudio.Stream
	buf    []int16
}

// NewPlayback returns a Playback for the device at id, or the default output
// device when id is negative.
func NewPlayback(id, sampleRate, frameSize int, log *slog.Logger) *Playback {
	if log == nil {
		log = slog.Default()
	}
	return &Playback{DeviceID: id, SampleRate: sampleRate, FrameSize: frameSize, Log: log}
}

// Start opens and starts the output stream.
func (p *Playback) Start(context.Context) error {
	dev, err := resolveDevice(p.DeviceID, portaudio.DefaultOutputDevice)
	if err != nil {
		return fmt.Errorf("resolve output device: %w", err)
	}
	buf := make([]int16, p.FrameSize)
	params := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: channels,
			Latency:  dev.DefaultLowOutputLatency,
		},
		SampleRate:      float64(p.SampleRate),
		FramesPerBuffer: p.FrameSize,
	}
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return fmt.Errorf("open output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("start output stream: %w", err)
	}

	p.mu.Lock()
	p.stream = stream
	p.buf = buf
	p.mu.Unlock()
	p.Log.Info("playback started", "device", dev.Name, "sample_rate", p.SampleRate, "frame_size", p.FrameSize)
	return nil
}

// WriteFrame blocks until the device has accepted samples. Cancelling ctx
// aborts the stream, which unblocks the write; the stream is unusable after.
func (p *Playback) WriteFrame(ctx context.Context, samples []int16) error {
	p.mu.Lock()
	stream, buf := p.stream, p.buf
	p.mu.Unlock()
	if stream == nil {
		return errors.New("playback write: stream not started")
	}

	n := copy(buf, samples)
	clear(buf[n:])

	stop := context.AfterFunc(ctx, func() { _ = stream.Abort() })
	defer stop()
	if err := stream.Write(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return classify("playback write", err)
	}
	return nil
}

// Close stops and frees the output stream. Stop lets buffered audio play out.
func (p *Playback) Close() error {
	p.mu.Lock()
	stream := p.stream
	p.stream = nil
	p.mu.Unlock()
	if stream == nil {
		return nil
	}
	stopErr := stream.Stop()
	closeErr := stream.Close()
	p.Log.Info("playback stopped")
	return errors.Join(stopErr, closeErr)
}

var (
	_ pipeline.Source = (*Capture)(nil)
	_ pipeline.Sink   = (*Playback)(nil)
)
