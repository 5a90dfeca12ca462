package videostream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/BBowdon00/hydroponic-monitor/modules/video-stream/internal/multipart"
)

// DefaultReadChunkBytes is the transport read size.
const DefaultReadChunkBytes = 32 << 10

// EventSink receives session events. It must return false once ctx is done
// so that a stopping session never blocks.
type EventSink func(ctx context.Context, ev Event) bool

// SessionConfig holds the collaborators of a Session.
type SessionConfig struct {
	Transport Transport
	Clock     clock.Clock
	// Probe defaults to JPEGResolution.
	Probe          ResolutionProbe
	ReadChunkBytes int
	MaxFrameBytes  int
}

// Session owns exactly one transport attempt. It feeds the response body to
// a multipart parser and reports the outcome as events:
//
//	EventStreamStarted, EventFrame*, then at most one of EventStreamEnded or
//	EventStreamError.
//
// A stopped session emits nothing further.
type Session struct {
	id         string
	generation uint64
	cfg        SessionConfig
	parser     *multipart.Parser
	sink       EventSink

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	stopped bool
	body    io.Closer

	seq atomic.Uint64
}

// NewSession returns an unstarted session tagged with generation.
func NewSession(cfg SessionConfig, generation uint64, sink EventSink) *Session {
	if cfg.Transport == nil {
		cfg.Transport = newDefaultTransport()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Probe == nil {
		cfg.Probe = JPEGResolution
	}
	if cfg.ReadChunkBytes <= 0 {
		cfg.ReadChunkBytes = DefaultReadChunkBytes
	}
	return &Session{
		id:         uuid.NewString(),
		generation: generation,
		cfg:        cfg,
		parser:     multipart.NewParser(multipart.Options{MaxFrameSize: cfg.MaxFrameBytes}),
		sink:       sink,
		done:       make(chan struct{}),
	}
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Generation returns the controller generation the session was created for.
func (s *Session) Generation() uint64 { return s.generation }

// Done is closed when the session goroutine has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Start opens url in a background goroutine and returns immediately.
// Start must be called at most once.
func (s *Session) Start(ctx context.Context, url string) {
	s.ctx, s.cancel = context.WithCancel(ctx)

	slog.Debug("videostream: session starting",
		"session_id", s.id,
		"generation", s.generation,
		"url", url,
	)

	go s.run(url)
}

// Stop cancels the transport and discards the parser. When Stop returns no
// further events are delivered, even if bytes are still in flight.
// Idempotent.
func (s *Session) Stop() {
	if s.cancel != nil {
		s.cancel()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	if s.body != nil {
		_ = s.body.Close()
	}

	slog.Debug("videostream: session stopped",
		"session_id", s.id,
		"generation", s.generation,
		"frames", s.seq.Load(),
	)
}

func (s *Session) run(url string) {
	defer close(s.done)

	resp, err := s.cfg.Transport.Open(s.ctx, url)
	if err != nil {
		if s.ctx.Err() == nil {
			s.fail(newStreamError(KindTransport, err))
		}
		return
	}
	if !s.attach(resp.Body) {
		_ = resp.Body.Close()
		return
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		s.fail(&StreamError{
			Kind: KindTransport,
			Err:  fmt.Errorf("unexpected HTTP status %d %s", resp.StatusCode, http.StatusText(resp.StatusCode)),
		})
		return
	}

	contentType := resp.Header.Get("Content-Type")
	if err := s.parser.OnHeadersReceived(contentType); err != nil {
		s.fail(newStreamError(KindUnsupportedContentType, err))
		return
	}
	if !s.emit(Event{Kind: EventStreamStarted, ContentType: contentType}) {
		return
	}

	slog.Info("videostream: stream started",
		"session_id", s.id,
		"generation", s.generation,
		"boundary", s.parser.Boundary(),
	)

	s.pump(resp.Body)
}

// pump feeds body chunks to the parser until the stream ends, fails or the
// session is stopped.
func (s *Session) pump(body io.Reader) {
	buf := make([]byte, s.cfg.ReadChunkBytes)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			parts, err := s.parser.Feed(buf[:n])
			for _, part := range parts {
				if !s.emitFrame(part) {
					return
				}
			}
			if errors.Is(err, multipart.ErrStreamEnded) {
				s.end()
				return
			}
			if err != nil {
				s.fail(newStreamError(KindUnknown, err))
				return
			}
		}

		switch {
		case readErr == nil:
		case errors.Is(readErr, io.EOF):
			// A server close without the terminal boundary still ends the stream.
			s.end()
			return
		default:
			if s.ctx.Err() == nil {
				s.fail(newStreamError(KindTransport, fmt.Errorf("read stream: %w", readErr)))
			}
			return
		}
	}
}

func (s *Session) emitFrame(part multipart.Part) bool {
	frame := Frame{
		Seq:         s.seq.Add(1),
		SessionID:   s.id,
		Generation:  s.generation,
		Timestamp:   s.cfg.Clock.Now(),
		ContentType: part.Header.Get("Content-Type"),
		Data:        part.Body,
	}
	if res, ok := s.cfg.Probe(part.Body); ok {
		frame.Width, frame.Height = res.Width, res.Height
	}
	return s.emit(Event{Kind: EventFrame, Frame: frame})
}

func (s *Session) end() {
	slog.Info("videostream: stream ended",
		"session_id", s.id,
		"generation", s.generation,
		"frames", s.seq.Load(),
	)
	s.emit(Event{Kind: EventStreamEnded})
}

func (s *Session) fail(err *StreamError) {
	slog.Warn("videostream: session failed",
		"session_id", s.id,
		"generation", s.generation,
		"kind", err.Kind.String(),
		"error", err,
	)
	s.emit(Event{Kind: EventStreamError, Err: err})
}

// attach records body so Stop can close it. It reports false if the session
// was stopped while the transport was opening.
func (s *Session) attach(body io.Closer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.body = body
	return true
}

// emit delivers ev unless the session has been stopped. The lock is held
// across delivery so Stop cannot return while an event is in flight.
func (s *Session) emit(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	ev.Generation = s.generation
	ev.SessionID = s.id
	return s.sink(s.ctx, ev)
}
