package videostream

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	cbackoff "github.com/cenkalti/backoff/v5"

	"github.com/BBowdon00/hydroponic-monitor/modules/video-stream/internal/backoff"
)

// SupervisorConfig configures automatic reconnection.
type SupervisorConfig struct {
	// BackOff defaults to the elapsed-time ladder (5s, 10s, 30s, 60s).
	BackOff cbackoff.BackOff
	Clock   clock.Clock
	Metrics ReconnectRecorder
}

// Supervisor reconnects a Controller after failures.
//
// Retries are scheduled on PhaseError and on an Idle caused by the stream
// ending. PhasePlaying resets the backoff; a user Disconnect cancels any
// pending retry. The controller itself never retries.
type Supervisor struct {
	ctrl    *Controller
	backoff cbackoff.BackOff
	clock   clock.Clock
	metrics ReconnectRecorder

	reconnects atomic.Uint64
}

// NewSupervisor returns a supervisor for ctrl. Call Run to start it.
func NewSupervisor(ctrl *Controller, cfg SupervisorConfig) *Supervisor {
	if cfg.Clock == nil {
		cfg.Clock = ctrl.clock
	}
	if cfg.BackOff == nil {
		cfg.BackOff = backoff.NewLadder(cfg.Clock, nil, 0)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	return &Supervisor{
		ctrl:    ctrl,
		backoff: cfg.BackOff,
		clock:   cfg.Clock,
		metrics: cfg.Metrics,
	}
}

// Reconnects returns the number of reconnect attempts made.
func (s *Supervisor) Reconnects() uint64 {
	return s.reconnects.Load()
}

// Run watches the controller until ctx is done or the controller closes.
func (s *Supervisor) Run(ctx context.Context) error {
	statuses := s.ctrl.Watch(ctx)

	var (
		timer     *clock.Timer
		retry     <-chan time.Time
		scheduled uint64 // generation the pending retry belongs to
	)
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
		}
		timer, retry = nil, nil
	}
	defer stopTimer()

	schedule := func(generation uint64) bool {
		delay := s.backoff.NextBackOff()
		if delay == cbackoff.Stop {
			slog.Error("supervisor: backoff exhausted, giving up")
			return false
		}
		timer = s.clock.Timer(delay)
		retry = timer.C
		scheduled = generation
		s.metrics.ReconnectScheduled(delay)
		slog.Warn("supervisor: retrying connection",
			"delay", delay,
			"generation", generation,
			"reconnects", s.reconnects.Load(),
		)
		return true
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("supervisor: context cancelled, stopping reconnection")
			return ctx.Err()

		case st, ok := <-statuses:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return ErrControllerClosed
			}

			switch {
			case st.Phase == PhasePlaying:
				if retry != nil {
					stopTimer()
				}
				s.backoff.Reset()
			case st.Phase == PhaseIdle && st.StopReason == StopDisconnect:
				if retry != nil {
					slog.Info("supervisor: disconnect requested, pending retry cancelled")
					stopTimer()
				}
				s.backoff.Reset()
			case st.Phase == PhaseError,
				st.Phase == PhaseIdle && st.StopReason == StopStreamEnded:
				if retry != nil && scheduled == st.Generation {
					continue
				}
				stopTimer()
				schedule(st.Generation)
			}

		case <-retry:
			timer, retry = nil, nil
			s.reconnects.Add(1)

			err := s.ctrl.Connect()
			switch {
			case err == nil:
				slog.Info("supervisor: reconnect attempt started",
					"attempt", s.reconnects.Load(),
				)
			case errors.Is(err, ErrControllerClosed):
				return err
			default:
				// Nothing new will be published; try again later.
				slog.Error("supervisor: reconnect failed", "error", err)
				schedule(scheduled)
			}
		}
	}
}
