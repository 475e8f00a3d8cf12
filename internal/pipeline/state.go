package pipeline

import "fmt"

// State is the lifecycle state of a Pipeline.
type State int32

const (
	Idle State = iota
	Running
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Stats is a point-in-time view of the pipeline counters.
type Stats struct {
	Session       string  `json:"session"`
	State         State   `json:"state"`
	Cycles        uint64  `json:"cycles"`
	Underruns     uint64  `json:"underruns"`
	DroppedFrames uint64  `json:"dropped_frames"`
	Retries       uint64  `json:"retries"`
	Played        uint64  `json:"played"` // frames the sink accepted
	ERLE          float64 `json:"erle_db"`
	// WriterAbandoned is set when the sink ignored cancellation on shutdown.
	WriterAbandoned bool `json:"writer_abandoned,omitempty"`
}
