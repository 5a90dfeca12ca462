package videostream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/BBowdon00/hydroponic-monitor/modules/video-stream/internal/multipart"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, KindUnknown},
		{"stream error keeps kind", &StreamError{Kind: KindConnectTimeout, Err: errors.New("x")}, KindConnectTimeout},
		{"unsupported content type", fmt.Errorf("%w: text/plain", multipart.ErrUnsupportedContentType), KindUnsupportedContentType},
		{"malformed header", fmt.Errorf("wrap: %w", multipart.ErrMalformedPartHeader), KindMalformedPartHeader},
		{"buffer overflow", multipart.ErrBufferOverflow, KindBufferOverflow},
		{"deadline", context.DeadlineExceeded, KindConnectTimeout},
		{"net op error", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("refused")}, KindTransport},
		{"dns", &net.DNSError{Err: "no such host", Name: "cam", IsTimeout: false}, KindTransport},
		{"dns timeout", &net.DNSError{Err: "timeout", Name: "cam", IsTimeout: true}, KindConnectTimeout},
		{"message heuristic", errors.New("read: connection reset by peer"), KindTransport},
		{"unclassified", errors.New("something odd"), KindUnknown},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ClassifyError(tc.err))
		})
	}
}

func TestStreamError(t *testing.T) {
	inner := fmt.Errorf("%w: missing Content-Length", multipart.ErrMalformedPartHeader)
	err := newStreamError(KindUnknown, inner)

	assert.Equal(t, KindMalformedPartHeader, err.Kind)
	assert.Equal(t, inner.Error(), err.Error())
	assert.ErrorIs(t, err, multipart.ErrMalformedPartHeader)

	// Already classified errors pass through unchanged.
	assert.Same(t, err, newStreamError(KindTransport, fmt.Errorf("again: %w", err)))

	assert.Equal(t, "connect_timeout", (&StreamError{Kind: KindConnectTimeout}).Error())
}
