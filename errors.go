package videostream

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/BBowdon00/hydroponic-monitor/modules/video-stream/internal/multipart"
)

var (
	// ErrControllerClosed is returned by commands issued after Close.
	ErrControllerClosed = errors.New("videostream: controller closed")
	// ErrNoURL is returned by Connect when no stream URL is configured.
	ErrNoURL = errors.New("videostream: no stream URL configured")
)

// ErrorKind classifies stream failures for logs and metrics. Recovery does
// not depend on the kind: every failure maps to PhaseError.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// KindUnsupportedContentType: non-multipart response or missing boundary.
	KindUnsupportedContentType
	// KindMalformedPartHeader: missing, invalid or oversized Content-Length.
	KindMalformedPartHeader
	// KindTransport: socket or HTTP failure.
	KindTransport
	// KindConnectTimeout: no first frame within the connect window.
	KindConnectTimeout
	// KindBufferOverflow: the parser buffer exceeded its cap.
	KindBufferOverflow
)

// String returns the metric label for the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindUnsupportedContentType:
		return "unsupported_content_type"
	case KindMalformedPartHeader:
		return "malformed_part_header"
	case KindTransport:
		return "transport"
	case KindConnectTimeout:
		return "connect_timeout"
	case KindBufferOverflow:
		return "buffer_overflow"
	default:
		return "unknown"
	}
}

// StreamError is the single failure type observers see. The message is
// Err's message; Kind is diagnostic.
type StreamError struct {
	Kind ErrorKind
	Err  error
}

func (e *StreamError) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Err.Error()
}

func (e *StreamError) Unwrap() error { return e.Err }

// newStreamError wraps err, classifying it unless kind is given.
func newStreamError(kind ErrorKind, err error) *StreamError {
	var se *StreamError
	if errors.As(err, &se) {
		return se
	}
	if kind == KindUnknown {
		kind = ClassifyError(err)
	}
	return &StreamError{Kind: kind, Err: err}
}

// ClassifyError maps err to an ErrorKind.
//
// Typed errors are checked first; anything else falls back to message
// heuristics, which catch wrapped transport errors from third-party clients.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}

	var se *StreamError
	if errors.As(err, &se) {
		return se.Kind
	}

	switch {
	case errors.Is(err, multipart.ErrUnsupportedContentType):
		return KindUnsupportedContentType
	case errors.Is(err, multipart.ErrMalformedPartHeader):
		return KindMalformedPartHeader
	case errors.Is(err, multipart.ErrBufferOverflow):
		return KindBufferOverflow
	case errors.Is(err, context.DeadlineExceeded):
		return KindConnectTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindConnectTimeout
		}
		return KindTransport
	}

	if containsTransportKeywords(strings.ToLower(err.Error())) {
		return KindTransport
	}
	return KindUnknown
}

func containsTransportKeywords(msg string) bool {
	keywords := []string{
		"connection",
		"unreachable",
		"network",
		"dns",
		"no such host",
		"socket",
		"tcp",
		"eof",
		"broken pipe",
		"http status",
	}
	for _, kw := range keywords {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}
