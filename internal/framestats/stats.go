// Package framestats measures frame cadence (FPS and jitter) over a sliding
// window of arrival timestamps.
package framestats

import (
	"math"
	"sync"
	"time"
)

const (
	// DefaultWindowSize is the number of arrival timestamps kept.
	DefaultWindowSize = 120

	// fpsStabilityThreshold: stable if FPS stddev < 15% of mean FPS.
	fpsStabilityThreshold = 0.15
	// jitterStabilityThreshold: stable if mean jitter < 20% of the expected
	// inter-frame interval.
	jitterStabilityThreshold = 0.20
)

// Stats summarises frame cadence.
type Stats struct {
	Frames       int           `json:"frames"`
	Duration     time.Duration `json:"duration"`
	FPSMean      float64       `json:"fps_mean"`
	FPSStdDev    float64       `json:"fps_stddev"`
	FPSMin       float64       `json:"fps_min"`
	FPSMax       float64       `json:"fps_max"`
	JitterMean   float64       `json:"jitter_mean_s"`
	JitterStdDev float64       `json:"jitter_stddev_s"`
	JitterMax    float64       `json:"jitter_max_s"`
	IsStable     bool          `json:"stable"`
}

// Calculate derives cadence statistics from ordered arrival times.
//
// Mean FPS is measured over the span between the first and last arrival, so
// the result does not depend on when the caller samples.
func Calculate(times []time.Time) Stats {
	n := len(times)
	if n < 2 {
		return Stats{Frames: n}
	}

	span := times[n-1].Sub(times[0])
	stats := Stats{Frames: n, Duration: span}
	if span <= 0 {
		return stats
	}
	stats.FPSMean = float64(n-1) / span.Seconds()

	instantaneous := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		if interval := times[i].Sub(times[i-1]).Seconds(); interval > 0 {
			instantaneous = append(instantaneous, 1.0/interval)
		}
	}
	if len(instantaneous) == 0 {
		return stats
	}

	stats.FPSMin, stats.FPSMax = instantaneous[0], instantaneous[0]
	var sumSquares float64
	for _, fps := range instantaneous {
		stats.FPSMin = math.Min(stats.FPSMin, fps)
		stats.FPSMax = math.Max(stats.FPSMax, fps)
		diff := fps - stats.FPSMean
		sumSquares += diff * diff
	}
	stats.FPSStdDev = math.Sqrt(sumSquares / float64(len(instantaneous)))

	expected := 1.0 / stats.FPSMean
	jitters := make([]float64, 0, n-1)
	var jitterSum float64
	for i := 1; i < n; i++ {
		j := math.Abs(times[i].Sub(times[i-1]).Seconds() - expected)
		jitters = append(jitters, j)
		jitterSum += j
		stats.JitterMax = math.Max(stats.JitterMax, j)
	}
	stats.JitterMean = jitterSum / float64(len(jitters))

	var jitterSquares float64
	for _, j := range jitters {
		diff := j - stats.JitterMean
		jitterSquares += diff * diff
	}
	stats.JitterStdDev = math.Sqrt(jitterSquares / float64(len(jitters)))

	stats.IsStable = stats.FPSStdDev < stats.FPSMean*fpsStabilityThreshold &&
		stats.JitterMean < expected*jitterStabilityThreshold
	return stats
}

// Window is a bounded ring of frame arrival times. It is safe for concurrent
// use.
type Window struct {
	mu    sync.Mutex
	times []time.Time
	next  int
	count int
}

// NewWindow returns a window holding up to size timestamps.
func NewWindow(size int) *Window {
	if size < 2 {
		size = DefaultWindowSize
	}
	return &Window{times: make([]time.Time, size)}
}

// Add records one arrival.
func (w *Window) Add(at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.times[w.next] = at
	w.next = (w.next + 1) % len(w.times)
	if w.count < len(w.times) {
		w.count++
	}
}

// Reset forgets all arrivals.
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.next = 0
	w.count = 0
}

// Len returns the number of arrivals held.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Stats computes cadence over the held arrivals in arrival order.
func (w *Window) Stats() Stats {
	w.mu.Lock()
	ordered := make([]time.Time, 0, w.count)
	start := (w.next - w.count + len(w.times)) % len(w.times)
	for i := 0; i < w.count; i++ {
		ordered = append(ordered, w.times[(start+i)%len(w.times)])
	}
	w.mu.Unlock()

	return Calculate(ordered)
}
