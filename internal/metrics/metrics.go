// Package metrics exports stream telemetry to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "videostream"

// Phases lists every phase label, so the phase gauge always exposes a full set.
var Phases = []string{"idle", "connecting", "buffering", "playing", "error"}

// Recorder implements the controller and supervisor metric hooks.
type Recorder struct {
	registry *prometheus.Registry

	phase          *prometheus.GaugeVec
	transitions    *prometheus.CounterVec
	sessions       prometheus.Counter
	frames         prometheus.Counter
	frameBytes     prometheus.Counter
	frameSize      prometheus.Histogram
	failures       *prometheus.CounterVec
	reconnects     prometheus.Counter
	reconnectDelay prometheus.Histogram
}

// New returns a recorder registered on a fresh registry, optionally with Go
// runtime and process collectors.
func New(withRuntime bool) *Recorder {
	reg := prometheus.NewRegistry()
	if withRuntime {
		reg.MustRegister(collectors.NewGoCollector())
		reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	return NewWithRegistry(reg)
}

// NewWithRegistry registers the stream metrics on reg.
func NewWithRegistry(reg *prometheus.Registry) *Recorder {
	r := &Recorder{
		registry: reg,
		phase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "phase",
			Help:      "Current connection phase (1 for the active phase, 0 otherwise)",
		}, []string{"phase"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phase_transitions_total",
			Help:      "Total number of transitions into each phase",
		}, []string{"phase"}),
		sessions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of stream sessions started",
		}),
		frames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Total number of frames accepted",
		}),
		frameBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_bytes_total",
			Help:      "Total payload bytes of accepted frames",
		}),
		frameSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "frame_size_bytes",
			Help:      "Histogram of accepted frame sizes",
			Buckets:   prometheus.ExponentialBuckets(4<<10, 2, 10), // 4KiB .. 2MiB
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_failures_total",
			Help:      "Total number of failed sessions by error kind",
		}, []string{"kind"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_scheduled_total",
			Help:      "Total number of automatic reconnects scheduled",
		}),
		reconnectDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconnect_delay_seconds",
			Help:      "Histogram of scheduled reconnect delays",
			Buckets:   []float64{1, 5, 10, 30, 60, 120},
		}),
	}

	reg.MustRegister(
		r.phase, r.transitions, r.sessions, r.frames, r.frameBytes,
		r.frameSize, r.failures, r.reconnects, r.reconnectDelay,
	)
	r.setPhase("idle")
	return r
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// PhaseChanged marks phase as the active one.
func (r *Recorder) PhaseChanged(phase string) {
	r.setPhase(phase)
	r.transitions.WithLabelValues(phase).Inc()
}

func (r *Recorder) setPhase(phase string) {
	for _, p := range Phases {
		v := 0.0
		if p == phase {
			v = 1
		}
		r.phase.WithLabelValues(p).Set(v)
	}
}

func (r *Recorder) SessionStarted() {
	r.sessions.Inc()
}

func (r *Recorder) FrameAccepted(size int) {
	r.frames.Inc()
	r.frameBytes.Add(float64(size))
	r.frameSize.Observe(float64(size))
}

func (r *Recorder) SessionFailed(kind string) {
	r.failures.WithLabelValues(kind).Inc()
}

func (r *Recorder) ReconnectScheduled(delay time.Duration) {
	r.reconnects.Inc()
	r.reconnectDelay.Observe(delay.Seconds())
}
