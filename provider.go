package videostream

import (
	"bytes"
	"image/jpeg"
	"time"

	"github.com/BBowdon00/hydroponic-monitor/modules/video-stream/internal/transport"
)

// Transport opens the byte stream behind a URL.
//
// Implementations must guarantee:
//   - Open honours ctx cancellation, including for reads on the returned body
//   - Body.Read returns io.EOF on a clean server close and any other error on
//     failure, so closures and failures stay distinguishable
type Transport = transport.Transport

// Response is an opened stream.
type Response = transport.Response

// ResolutionProbe extracts frame dimensions from a payload without decoding
// pixels. ok is false when the dimensions cannot be determined.
type ResolutionProbe func(data []byte) (r Resolution, ok bool)

// JPEGResolution reads the dimensions from the JPEG SOF header.
func JPEGResolution(data []byte) (Resolution, bool) {
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	if err != nil || cfg.Width <= 0 || cfg.Height <= 0 {
		return Resolution{}, false
	}
	return Resolution{Width: cfg.Width, Height: cfg.Height}, true
}

// MetricsRecorder receives controller telemetry. Calls are made from the
// controller's event loop and must not block.
type MetricsRecorder interface {
	PhaseChanged(phase string)
	SessionStarted()
	FrameAccepted(size int)
	SessionFailed(kind string)
}

// ReconnectRecorder receives supervisor telemetry.
type ReconnectRecorder interface {
	ReconnectScheduled(delay time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) PhaseChanged(string)              {}
func (noopMetrics) SessionStarted()                  {}
func (noopMetrics) FrameAccepted(int)                {}
func (noopMetrics) SessionFailed(string)             {}
func (noopMetrics) ReconnectScheduled(time.Duration) {}

// UserAgent is sent by the default transport.
const UserAgent = "videostream/1"

func newDefaultTransport() Transport {
	return transport.NewHTTP(transport.DefaultDialTimeout, UserAgent)
}
