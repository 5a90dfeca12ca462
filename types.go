package videostream

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BBowdon00/hydroponic-monitor/modules/video-stream/internal/framebus"
	"github.com/BBowdon00/hydroponic-monitor/modules/video-stream/internal/framestats"
)

// Frame is one accepted JPEG payload with its session metadata.
type Frame = framebus.Frame

// Phase is the coarse connection/playback status exposed to observers.
type Phase int

const (
	// PhaseIdle is the initial phase and the phase after Disconnect or a
	// clean end of stream.
	PhaseIdle Phase = iota
	// PhaseConnecting means a session is opening the transport.
	PhaseConnecting
	// PhaseBuffering means response headers were accepted and the first frame
	// is awaited.
	PhaseBuffering
	// PhasePlaying means frames are flowing.
	PhasePlaying
	// PhaseError means the last session failed. Not terminal.
	PhaseError
)

// String returns the lower-case phase name.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnecting:
		return "connecting"
	case PhaseBuffering:
		return "buffering"
	case PhasePlaying:
		return "playing"
	case PhaseError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText encodes the phase by name.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText decodes a phase name.
func (p *Phase) UnmarshalText(text []byte) error {
	v, err := ParsePhase(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// ParsePhase returns the phase named s.
func ParsePhase(s string) (Phase, error) {
	for ph := PhaseIdle; ph <= PhaseError; ph++ {
		if ph.String() == s {
			return ph, nil
		}
	}
	return PhaseIdle, fmt.Errorf("unknown phase %q", s)
}

// Active reports whether a session is in flight.
func (p Phase) Active() bool {
	return p == PhaseConnecting || p == PhaseBuffering || p == PhasePlaying
}

// Resolution is a frame size in pixels.
type Resolution struct {
	Width  int `json:"width" yaml:"width" msgpack:"width"`
	Height int `json:"height" yaml:"height" msgpack:"height"`
}

// DefaultResolution is reported until the first frame reveals its size.
var DefaultResolution = Resolution{Width: 640, Height: 480}

// IsZero reports whether both dimensions are unset.
func (r Resolution) IsZero() bool {
	return r.Width == 0 && r.Height == 0
}

// String formats the resolution as WIDTHxHEIGHT.
func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// ParseResolution parses WIDTHxHEIGHT, e.g. "1280x720".
func ParseResolution(s string) (Resolution, error) {
	w, h, ok := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "x")
	if !ok {
		return Resolution{}, fmt.Errorf("videostream: invalid resolution %q (want WIDTHxHEIGHT)", s)
	}
	width, err := strconv.Atoi(w)
	if err != nil || width <= 0 {
		return Resolution{}, fmt.Errorf("videostream: invalid width in resolution %q", s)
	}
	height, err := strconv.Atoi(h)
	if err != nil || height <= 0 {
		return Resolution{}, fmt.Errorf("videostream: invalid height in resolution %q", s)
	}
	return Resolution{Width: width, Height: height}, nil
}

// StopReason records why the last session ended.
type StopReason string

const (
	StopNone        StopReason = ""
	StopDisconnect  StopReason = "disconnect"
	StopStreamEnded StopReason = "stream-ended"
	StopError       StopReason = "error"
)

// Status is a snapshot of the controller's observable state.
type Status struct {
	Phase Phase  `json:"phase"`
	URL   string `json:"url"`
	// Resolution is DefaultResolution until frame dimensions are known.
	Resolution      Resolution `json:"resolution"`
	ResolutionKnown bool       `json:"resolution_known"`
	// LastError is empty unless the last session failed.
	LastError string `json:"last_error,omitempty"`
	// HasAttempted is set by the first Connect. Cosmetic only.
	HasAttempted bool       `json:"has_attempted"`
	SessionID    string     `json:"session_id,omitempty"`
	Generation   uint64     `json:"generation"`
	StopReason   StopReason `json:"stop_reason,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Stats contains counters accumulated over the controller's lifetime.
type Stats struct {
	// Frames is the total number of accepted frames.
	Frames uint64 `json:"frames"`
	// Bytes is the total payload size of accepted frames.
	Bytes uint64 `json:"bytes"`
	// Sessions is the number of sessions started.
	Sessions uint64 `json:"sessions"`
	// Errors is the number of sessions that ended in the Error phase.
	Errors uint64 `json:"errors"`
	// SessionFrames counts frames of the current session.
	SessionFrames uint64 `json:"session_frames"`
	// LastFrameAt is zero until the first frame.
	LastFrameAt time.Time `json:"last_frame_at"`
	// Cadence is computed over the most recent frame arrivals.
	Cadence framestats.Stats `json:"cadence"`
}

// EventKind enumerates session lifecycle events.
type EventKind int

const (
	EventStreamStarted EventKind = iota + 1
	EventFrame
	EventStreamEnded
	EventStreamError
)

func (k EventKind) String() string {
	switch k {
	case EventStreamStarted:
		return "stream-started"
	case EventFrame:
		return "frame"
	case EventStreamEnded:
		return "stream-ended"
	case EventStreamError:
		return "stream-error"
	default:
		return "unknown"
	}
}

// Event is emitted by a Session. Generation ties it to the session that
// produced it so stale events can be dropped.
type Event struct {
	Kind       EventKind
	Generation uint64
	SessionID  string
	// ContentType is the response Content-Type on EventStreamStarted.
	ContentType string
	// Frame is set on EventFrame.
	Frame Frame
	// Err is set on EventStreamError.
	Err error
}
