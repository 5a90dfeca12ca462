package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	videostream "github.com/BBowdon00/hydroponic-monitor/modules/video-stream"
	"github.com/BBowdon00/hydroponic-monitor/modules/video-stream/internal/config"
)

const maxControlBody = 4 << 10

type urlRequest struct {
	URL string `json:"url"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	s.command(w, "connect", s.ctrl.Connect)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.command(w, "disconnect", s.ctrl.Disconnect)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.command(w, "refresh", s.ctrl.Refresh)
}

func (s *Server) handleSetURL(w http.ResponseWriter, r *http.Request) {
	var req urlRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxControlBody))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if err := config.ValidateStreamURL(req.URL); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.command(w, "set_url", func() error { return s.ctrl.Start(req.URL) })
}

// command runs fn and answers with the resulting status. Phase changes are
// asynchronous; clients follow them on /ws or by polling /api/status.
func (s *Server) command(w http.ResponseWriter, name string, fn func() error) {
	if err := fn(); err != nil {
		code := http.StatusInternalServerError
		switch {
		case errors.Is(err, videostream.ErrNoURL):
			code = http.StatusConflict
		case videostream.IsClosed(err):
			code = http.StatusServiceUnavailable
		}
		slog.Warn("httpapi: command failed", "command", name, "error", err)
		writeError(w, code, err)
		return
	}
	slog.Info("httpapi: command accepted", "command", name)
	writeJSON(w, http.StatusAccepted, s.ctrl.Status())
}
