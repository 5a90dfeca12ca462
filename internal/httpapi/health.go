package httpapi

import (
	"net/http"
	"time"

	videostream "github.com/BBowdon00/hydroponic-monitor/modules/video-stream"
	"github.com/BBowdon00/hydroponic-monitor/modules/video-stream/internal/framebus"
)

// Readiness is the /readiness body.
type Readiness struct {
	Status        string            `json:"status"` // "ready", "not_ready"
	Phase         videostream.Phase `json:"phase"`
	LastError     string            `json:"last_error,omitempty"`
	UptimeSeconds int64             `json:"uptime_seconds"`
}

// StatsResponse is the /api/stats body.
type StatsResponse struct {
	Stream videostream.Stats `json:"stream"`
	Bus    framebus.Stats    `json:"bus"`
}

// handleLiveness returns 200 while the process can serve requests.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "alive",
		"uptime": int64(time.Since(s.started).Seconds()),
	})
}

// handleReadiness returns 200 only while a stream is flowing or about to.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	st := s.ctrl.Status()
	body := Readiness{
		Status:        "ready",
		Phase:         st.Phase,
		LastError:     st.LastError,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	}

	code := http.StatusOK
	if st.Phase != videostream.PhasePlaying && st.Phase != videostream.PhaseBuffering {
		body.Status = "not_ready"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, body)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatsResponse{
		Stream: s.ctrl.Stats(),
		Bus:    s.ctrl.Frames().Stats(),
	})
}
