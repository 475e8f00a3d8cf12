package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Stage names used in errors, logs and metrics.
const (
	StageCapture  = "capture"
	StagePlayback = "playback"
	StageFilter   = "filter"
)

var (
	// ErrTimeout is returned by a collaborator whose blocking call ran out of
	// time. It is treated as transient.
	ErrTimeout = errors.New("pipeline: device timeout")
	// ErrTransient marks a device condition worth one retry, such as an
	// input overflow.
	ErrTransient = errors.New("pipeline: transient device condition")
	// ErrAlreadyStarted is returned by a second call to Run.
	ErrAlreadyStarted = errors.New("pipeline: already started")
)

// IsTransient reports whether err warrants a single bounded retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded)
}

// DeviceError is a capture or playback failure. It is fatal: the pipeline
// stops and returns it from Run.
type DeviceError struct {
	Stage string // StageCapture or StagePlayback
	Op    string // "start", "read", "write" or "close"
	Cycle uint64 // cycle in which the failure surfaced, 0 before the first
	Err   error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("pipeline: %s %s failed at cycle %d: %v", e.Stage, e.Op, e.Cycle, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// Underrun describes a cycle in which playback could not keep pace and
// queued output had to be discarded. It is a warning, not an error.
type Underrun struct {
	Cycle   uint64
	Dropped int
	At      time.Time
}
