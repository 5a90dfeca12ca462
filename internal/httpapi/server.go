// Package httpapi exposes a controller to browsers and operators: status,
// the latest frame, an MJPEG re-stream, a websocket feed and control
// endpoints.
package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	videostream "github.com/BBowdon00/hydroponic-monitor/modules/video-stream"
	"github.com/BBowdon00/hydroponic-monitor/modules/video-stream/internal/framebus"
)

// StreamController is the part of *videostream.Controller the API drives.
type StreamController interface {
	Status() videostream.Status
	Stats() videostream.Stats
	Watch(ctx context.Context) <-chan videostream.Status
	Frames() *framebus.Bus
	LatestFrame() (videostream.Frame, bool)
	Connect() error
	Disconnect() error
	Refresh() error
	Start(url string) error
}

// Options configures a Server.
type Options struct {
	// Addr is the listen address for Run.
	Addr string
	// MaxFPS caps frames per second per /ws and /stream.mjpeg client. Zero
	// disables the cap.
	MaxFPS float64
	// Metrics, when set, is served on /metrics.
	Metrics http.Handler
	// ShutdownTimeout bounds graceful shutdown in Run (default: 5s).
	ShutdownTimeout time.Duration
}

// Server serves the HTTP surface for one controller.
type Server struct {
	ctrl     StreamController
	opts     Options
	started  time.Time
	upgrader websocket.Upgrader
	clients  atomic.Uint64
	handler  http.Handler
}

// New builds a Server. Routes are registered immediately.
func New(ctrl StreamController, opts Options) *Server {
	s := &Server{
		ctrl:    ctrl,
		opts:    opts,
		started: time.Now(),
		upgrader: websocket.Upgrader{
			// The UI is served from the same device; any origin on the LAN may watch.
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 64 << 10,
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleLiveness)
	mux.HandleFunc("GET /readiness", s.handleReadiness)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("POST /api/connect", s.handleConnect)
	mux.HandleFunc("POST /api/disconnect", s.handleDisconnect)
	mux.HandleFunc("POST /api/refresh", s.handleRefresh)
	mux.HandleFunc("POST /api/url", s.handleSetURL)
	mux.HandleFunc("GET /frame.jpg", s.handleFrame)
	mux.HandleFunc("GET /stream.mjpeg", s.handleMJPEG)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}
	s.handler = logRequests(mux)
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves on opts.Addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		// No WriteTimeout: /stream.mjpeg and /ws are long-lived.
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	slog.Info("httpapi: starting server",
		"addr", s.opts.Addr,
		"max_fps", s.opts.MaxFPS,
		"metrics", s.opts.Metrics != nil,
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("httpapi: listen: %w", err)
	case <-ctx.Done():
	}

	timeout := s.opts.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	slog.Info("httpapi: shutting down gracefully", "timeout", timeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("httpapi: shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("httpapi: listen: %w", err)
	}
	slog.Info("httpapi: server stopped")
	return nil
}

func (s *Server) nextClientID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, s.clients.Add(1))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("httpapi: encode response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack is required by the websocket upgrader.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("httpapi: response writer cannot be hijacked")
	}
	r.code = http.StatusSwitchingProtocols
	return h.Hijack()
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Debug("httpapi: request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.code,
			"duration", time.Since(start),
		)
	})
}
