package videostream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

const (
	testBoundary = "testboundary"
	testURL      = "http://camera.local/stream"
	waitFor      = 2 * time.Second
	tick         = 5 * time.Millisecond
)

var (
	testContentType = "multipart/x-mixed-replace; boundary=" + testBoundary
	frameA          = []byte{0xFF, 0xD8, 0x01, 0xFF, 0xD9}
	frameB          = []byte{0xFF, 0xD8, 0x02, 0xFF, 0xD9}
)

func mjpegPart(body []byte) []byte {
	head := fmt.Sprintf("--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", testBoundary, len(body))
	out := append([]byte(head), body...)
	return append(out, "\r\n"...)
}

func mjpegEnd() []byte {
	return []byte("--" + testBoundary + "--\r\n")
}

// fakeStream is one opened response; the test writes the body.
type fakeStream struct {
	url string
	w   *io.PipeWriter
}

// write pushes b to the session. It returns the pipe error, which is
// io.ErrClosedPipe once the session has closed the body.
func (s *fakeStream) write(tb testing.TB, b []byte) error {
	tb.Helper()
	errCh := make(chan error, 1)
	go func() {
		_, err := s.w.Write(b)
		errCh <- err
	}()
	select {
	case err := <-errCh:
		return err
	case <-time.After(waitFor):
		tb.Fatal("body write blocked")
		return nil
	}
}

func (s *fakeStream) close() { _ = s.w.Close() }

// fakeTransport serves pipe-backed responses.
type fakeTransport struct {
	mu          sync.Mutex
	status      int
	contentType string
	openErr     error
	// gate, when set, delays Open regardless of ctx, simulating a response
	// that arrives after the session was stopped.
	gate chan struct{}
	// block makes Open wait for ctx cancellation.
	block bool

	opens   atomic.Int32
	streams chan *fakeStream
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		status:      http.StatusOK,
		contentType: testContentType,
		streams:     make(chan *fakeStream, 32),
	}
}

func (t *fakeTransport) set(fn func(t *fakeTransport)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(t)
}

func (t *fakeTransport) Open(ctx context.Context, url string) (*Response, error) {
	t.opens.Add(1)

	t.mu.Lock()
	status, ct, openErr, gate, block := t.status, t.contentType, t.openErr, t.gate, t.block
	t.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if gate != nil {
		<-gate
	}
	if openErr != nil {
		return nil, openErr
	}

	pr, pw := io.Pipe()
	t.streams <- &fakeStream{url: url, w: pw}

	h := make(http.Header)
	h.Set("Content-Type", ct)
	return &Response{StatusCode: status, Header: h, Body: pr}, nil
}

func (t *fakeTransport) next(tb testing.TB) *fakeStream {
	tb.Helper()
	select {
	case s := <-t.streams:
		return s
	case <-time.After(waitFor):
		tb.Fatal("no stream opened")
		return nil
	}
}

// recordingMetrics captures controller and supervisor telemetry.
type recordingMetrics struct {
	mu       sync.Mutex
	phases   []string
	failures []string
	sessions int
	frames   int
	delays   []time.Duration
}

func (m *recordingMetrics) PhaseChanged(phase string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phases = append(m.phases, phase)
}

func (m *recordingMetrics) SessionStarted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions++
}

func (m *recordingMetrics) FrameAccepted(int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames++
}

func (m *recordingMetrics) SessionFailed(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, kind)
}

func (m *recordingMetrics) ReconnectScheduled(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delays = append(m.delays, d)
}

func (m *recordingMetrics) Phases() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.phases...)
}

func (m *recordingMetrics) Failures() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.failures...)
}

func (m *recordingMetrics) Delays() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Duration(nil), m.delays...)
}

type testEnv struct {
	ctrl    *Controller
	tr      *fakeTransport
	clock   *clock.Mock
	metrics *recordingMetrics
}

func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()
	env := &testEnv{
		tr:      newFakeTransport(),
		clock:   clock.NewMock(),
		metrics: &recordingMetrics{},
	}
	cfg := Config{
		URL:       testURL,
		Transport: env.tr,
		Clock:     env.clock,
		Metrics:   env.metrics,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}

	ctrl, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctrl.Close() })
	env.ctrl = ctrl
	return env
}

func (e *testEnv) waitPhase(t *testing.T, want Phase) {
	t.Helper()
	require.Eventually(t, func() bool {
		return e.ctrl.Status().Phase == want
	}, waitFor, tick, "phase never became %s (is %s)", want, e.ctrl.Status().Phase)
}

// play connects and delivers one frame.
func (e *testEnv) play(t *testing.T) *fakeStream {
	t.Helper()
	require.NoError(t, e.ctrl.Connect())
	s := e.tr.next(t)
	require.NoError(t, s.write(t, mjpegPart(frameA)))
	e.waitPhase(t, PhasePlaying)
	return s
}
