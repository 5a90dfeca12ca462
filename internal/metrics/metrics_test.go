package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_Phase(t *testing.T) {
	r := New(false)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.phase.WithLabelValues("idle")))
	assert.Equal(t, 0, testutil.CollectAndCount(r.transitions))

	r.PhaseChanged("connecting")
	r.PhaseChanged("playing")

	assert.Equal(t, 0.0, testutil.ToFloat64(r.phase.WithLabelValues("idle")))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.phase.WithLabelValues("connecting")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.phase.WithLabelValues("playing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.transitions.WithLabelValues("playing")))
}

func TestRecorder_Counters(t *testing.T) {
	r := New(false)

	r.SessionStarted()
	r.FrameAccepted(5)
	r.FrameAccepted(10)
	r.SessionFailed("connect_timeout")
	r.SessionFailed("connect_timeout")
	r.ReconnectScheduled(5 * time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.sessions))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.frames))
	assert.Equal(t, 15.0, testutil.ToFloat64(r.frameBytes))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.failures.WithLabelValues("connect_timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.reconnects))

	expected := `
# HELP videostream_sessions_total Total number of stream sessions started
# TYPE videostream_sessions_total counter
videostream_sessions_total 1
`
	require.NoError(t, testutil.GatherAndCompare(r.Registry(), strings.NewReader(expected), "videostream_sessions_total"))
}

func TestRecorder_Handler(t *testing.T) {
	r := New(true)
	r.FrameAccepted(1024)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "videostream_frames_total 1")
	assert.Contains(t, string(body), "go_goroutines")
}
