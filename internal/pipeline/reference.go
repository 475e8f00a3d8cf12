package pipeline

import "sync"

// farEnd is the playback reference shared by the writer and the processing
// loop. The writer feeds every frame the sink accepted; the loop consumes
// the samples in the order they were played, never closer than delay
// samples to the newest one, and reads silence while it has caught up. It
// mirrors a device that plays out continuously, emits silence on underflow
// and needs delay samples for the sound to come back into the capture.
type farEnd struct {
	mu      sync.Mutex
	delay   int64
	ring    []int16
	written int64 // samples fed so far
	read    int64 // next sample to consume
}

func newFarEnd(delay, capacity int) *farEnd {
	return &farEnd{
		delay: int64(delay),
		ring:  make([]int16, delay+capacity),
	}
}

// feed records samples that reached the playback device.
func (f *farEnd) feed(samples []int16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := int64(len(f.ring))
	for _, s := range samples {
		f.ring[f.written%n] = s
		f.written++
	}
}

// next fills dst with the following len(dst) reference samples.
func (f *farEnd) next(dst []int16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := int64(len(f.ring))
	// Samples older than the ring were overwritten; skip them.
	if f.written-f.read > n {
		f.read = f.written - n
	}
	audible := f.written - f.delay
	for i := range dst {
		if f.read >= audible {
			dst[i] = 0
			continue
		}
		dst[i] = f.ring[f.read%n]
		f.read++
	}
}

// pending reports how many fed samples have not been consumed.
func (f *farEnd) pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int(f.written - f.read)
}
