package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	videostream "github.com/BBowdon00/hydroponic-monitor/modules/video-stream"
	"github.com/BBowdon00/hydroponic-monitor/modules/video-stream/internal/framebus"
)

const (
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	defaultImgType = "image/jpeg"
)

// StatusMessage is the text frame /ws sends on every status change. Frames
// follow as binary messages holding the JPEG bytes.
type StatusMessage struct {
	Type   string             `json:"type"` // "status"
	Status videostream.Status `json:"status"`
}

func (s *Server) limiter() *rate.Limiter {
	if s.opts.MaxFPS <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(s.opts.MaxFPS), 1)
}

func frameType(f videostream.Frame) string {
	if f.ContentType == "" {
		return defaultImgType
	}
	return f.ContentType
}

// handleFrame serves the latest frame, or 404 before the first one.
func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	f, ok := s.ctrl.LatestFrame()
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("no frame available"))
		return
	}
	h := w.Header()
	h.Set("Content-Type", frameType(f))
	h.Set("Content-Length", strconv.Itoa(len(f.Data)))
	h.Set("Cache-Control", "no-store")
	h.Set("X-Frame-Session", f.SessionID)
	h.Set("X-Frame-Seq", strconv.FormatUint(f.Seq, 10))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(f.Data)
}

// handleMJPEG re-serves accepted frames as multipart/x-mixed-replace, one
// part per frame, dropping frames the client cannot keep up with.
func (s *Server) handleMJPEG(w http.ResponseWriter, r *http.Request) {
	id := s.nextClientID("mjpeg")
	bus := s.ctrl.Frames()
	recv, err := bus.SubscribeLatest(id)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	defer func() { _ = bus.Unsubscribe(id) }()

	mw := multipart.NewWriter(w)
	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+mw.Boundary())
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		slog.Debug("httpapi: flush unsupported", "client", id, "error", err)
	}

	slog.Info("httpapi: mjpeg client connected", "client", id, "remote", r.RemoteAddr)
	ctx := r.Context()
	lim := s.limiter()
	for {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				break
			}
		}
		f, err := recv.Receive(ctx)
		if err != nil {
			break
		}
		if err := writePart(mw, f); err != nil {
			slog.Debug("httpapi: mjpeg write failed", "client", id, "error", err)
			break
		}
		if err := rc.Flush(); err != nil {
			break
		}
	}
	slog.Info("httpapi: mjpeg client disconnected", "client", id)
}

func writePart(mw *multipart.Writer, f videostream.Frame) error {
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Type", frameType(f))
	hdr.Set("Content-Length", strconv.Itoa(len(f.Data)))
	part, err := mw.CreatePart(hdr)
	if err != nil {
		return fmt.Errorf("create part: %w", err)
	}
	if _, err := part.Write(f.Data); err != nil {
		return fmt.Errorf("write part: %w", err)
	}
	return nil
}

// handleWebSocket pushes status changes as JSON text messages and frames as
// binary messages until the client goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("httpapi: websocket upgrade failed", "error", err)
		return
	}
	id := s.nextClientID("ws")
	defer func() {
		if err := conn.Close(); err != nil {
			slog.Debug("httpapi: websocket close failed", "client", id, "error", err)
		}
	}()

	bus := s.ctrl.Frames()
	recv, err := bus.SubscribeLatest(id)
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(writeWait))
		return
	}
	defer func() { _ = bus.Unsubscribe(id) }()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	slog.Info("httpapi: websocket client connected", "client", id, "remote", conn.RemoteAddr().String())

	go s.readPump(ctx, cancel, conn, id)
	frames := s.framePump(ctx, recv)
	statuses := s.ctrl.Watch(ctx)
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("httpapi: websocket client disconnected", "client", id)
			return
		case st, ok := <-statuses:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "controller closed"),
					time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(StatusMessage{Type: "status", Status: st}); err != nil {
				return
			}
		case f, ok := <-frames:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.BinaryMessage, f.Data); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// readPump drains client messages so control frames are processed and
// cancels ctx when the connection drops.
func (s *Server) readPump(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, id string) {
	defer cancel()
	conn.SetReadLimit(maxControlBody)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("httpapi: websocket closed unexpectedly", "client", id, "error", err)
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// framePump moves frames from recv to a channel at the configured rate. The
// channel is closed when ctx is done or the bus shuts down.
func (s *Server) framePump(ctx context.Context, recv *framebus.Receiver) <-chan videostream.Frame {
	out := make(chan videostream.Frame)
	lim := s.limiter()
	go func() {
		defer close(out)
		for {
			if lim != nil {
				if err := lim.Wait(ctx); err != nil {
					return
				}
			}
			f, err := recv.Receive(ctx)
			if err != nil {
				return
			}
			select {
			case out <- f:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
