package videostream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/BBowdon00/hydroponic-monitor/modules/video-stream/internal/framebus"
	"github.com/BBowdon00/hydroponic-monitor/modules/video-stream/internal/framestats"
)

const (
	// DefaultConnectTimeout bounds Connecting plus Buffering.
	DefaultConnectTimeout = 10 * time.Second
	// DefaultRefreshDelay separates the disconnect and connect of a Refresh.
	DefaultRefreshDelay = 500 * time.Millisecond

	stopTimeout    = 3 * time.Second
	eventQueueSize = 64
)

// Config contains controller settings and collaborators. Zero values select
// defaults.
type Config struct {
	// URL is the stream URL. It may be empty until Start or SetURL.
	URL            string
	ConnectTimeout time.Duration
	RefreshDelay   time.Duration
	ReadChunkBytes int
	MaxFrameBytes  int
	// KnownResolution, when set, marks frame dimensions as known so a started
	// stream goes straight to Playing.
	KnownResolution Resolution
	// StatsWindow is the number of frame arrivals used for cadence stats.
	StatsWindow int

	Transport Transport
	Clock     clock.Clock
	Probe     ResolutionProbe
	Metrics   MetricsRecorder
}

type commandKind int

const (
	cmdConnect commandKind = iota
	cmdStart
	cmdSetURL
	cmdDisconnect
	cmdRefresh
)

type command struct {
	kind  commandKind
	url   string
	reply chan error
}

type timerKind int

const (
	timerConnect timerKind = iota
	timerRefresh
)

type timerFired struct {
	kind       timerKind
	generation uint64
	token      uint64
}

// Controller drives the connection phase state machine for one stream.
//
// All transitions are computed on a single goroutine that owns the current
// session. Commands, session events and timer expirations reach it as
// messages; events tagged with a superseded generation are dropped.
type Controller struct {
	cfg     Config
	clock   clock.Clock
	metrics MetricsRecorder
	bus     *framebus.Bus

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	loopDone chan struct{}

	commands chan command
	events   chan Event
	timers   chan timerFired

	// Owned by the loop goroutine.
	phase         Phase
	url           string
	generation    uint64
	session       *Session
	resolution    Resolution
	resKnown      bool
	lastError     string
	hasAttempted  bool
	stopReason    StopReason
	sessionFailed bool
	timeout       *clock.Timer
	timeoutToken  uint64
	refresh       *clock.Timer
	refreshToken  uint64

	statusMu    sync.RWMutex
	status      Status
	watchers    map[int]chan Status
	nextWatcher int
	closed      bool

	statsMu sync.Mutex
	stats   Stats
	window  *framestats.Window
}

// New validates cfg and starts the controller in PhaseIdle.
func New(cfg Config) (*Controller, error) {
	if cfg.ConnectTimeout < 0 {
		return nil, fmt.Errorf("videostream: invalid connect timeout %v", cfg.ConnectTimeout)
	}
	if cfg.RefreshDelay < 0 {
		return nil, fmt.Errorf("videostream: invalid refresh delay %v", cfg.RefreshDelay)
	}
	if cfg.MaxFrameBytes < 0 || cfg.ReadChunkBytes < 0 {
		return nil, fmt.Errorf("videostream: size limits must not be negative")
	}
	if cfg.KnownResolution.Width < 0 || cfg.KnownResolution.Height < 0 {
		return nil, fmt.Errorf("videostream: invalid resolution %v", cfg.KnownResolution)
	}

	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.RefreshDelay == 0 {
		cfg.RefreshDelay = DefaultRefreshDelay
	}
	if cfg.StatsWindow <= 0 {
		cfg.StatsWindow = framestats.DefaultWindowSize
	}
	if cfg.Transport == nil {
		cfg.Transport = newDefaultTransport()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}

	c := &Controller{
		cfg:      cfg,
		clock:    cfg.Clock,
		metrics:  cfg.Metrics,
		bus:      framebus.New(),
		loopDone: make(chan struct{}),
		commands: make(chan command),
		events:   make(chan Event, eventQueueSize),
		timers:   make(chan timerFired, 4),
		url:      cfg.URL,
		watchers: make(map[int]chan Status),
		window:   framestats.NewWindow(cfg.StatsWindow),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.resetResolution()
	c.publish()

	c.wg.Add(1)
	go c.run()

	slog.Info("videostream: controller created",
		"url", cfg.URL,
		"connect_timeout", cfg.ConnectTimeout,
		"refresh_delay", cfg.RefreshDelay,
		"known_resolution", cfg.KnownResolution.String(),
	)
	return c, nil
}

// Connect starts a session for the configured URL. It is a no-op while a
// session is already Connecting, Buffering or Playing.
func (c *Controller) Connect() error { return c.do(cmdConnect, "") }

// Start sets the URL and connects. A different URL supersedes any active
// session; the same URL behaves like Connect.
func (c *Controller) Start(url string) error { return c.do(cmdStart, url) }

// SetURL changes the stream URL. An active session is superseded by one for
// the new URL; otherwise the URL is used by the next Connect.
func (c *Controller) SetURL(url string) error { return c.do(cmdSetURL, url) }

// Disconnect stops the active session and returns to Idle. Safe in any
// phase.
func (c *Controller) Disconnect() error { return c.do(cmdDisconnect, "") }

// Refresh disconnects and reconnects after the refresh delay. Only applies
// while Playing.
func (c *Controller) Refresh() error { return c.do(cmdRefresh, "") }

// Status returns the current status snapshot.
func (c *Controller) Status() Status {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.status
}

// Watch returns a channel holding the latest status. Intermediate statuses
// are replaced if the reader falls behind. The current status is delivered
// immediately. The channel is closed when ctx is done or the controller is
// closed.
func (c *Controller) Watch(ctx context.Context) <-chan Status {
	ch := make(chan Status, 1)

	c.statusMu.Lock()
	if c.closed {
		c.statusMu.Unlock()
		close(ch)
		return ch
	}
	id := c.nextWatcher
	c.nextWatcher++
	c.watchers[id] = ch
	ch <- c.status
	c.statusMu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-c.loopDone:
		}
		c.statusMu.Lock()
		defer c.statusMu.Unlock()
		if w, ok := c.watchers[id]; ok {
			delete(c.watchers, id)
			close(w)
		}
	}()
	return ch
}

// Frames returns the bus accepted frames are published on.
func (c *Controller) Frames() *framebus.Bus { return c.bus }

// LatestFrame returns the most recent frame of the current or last session.
func (c *Controller) LatestFrame() (Frame, bool) { return c.bus.Latest() }

// Stats returns lifetime counters and the cadence of recent frames.
func (c *Controller) Stats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	out := c.stats
	out.Cadence = c.window.Stats()
	return out
}

// Close stops the active session and the event loop, waiting up to 3
// seconds. Idempotent.
func (c *Controller) Close() error {
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Debug("videostream: controller closed")
		return nil
	case <-time.After(stopTimeout):
		slog.Warn("videostream: stop timeout exceeded, some goroutines may still be running")
		return fmt.Errorf("videostream: stop timeout exceeded")
	}
}

func (c *Controller) do(kind commandKind, url string) error {
	reply := make(chan error, 1)
	select {
	case c.commands <- command{kind: kind, url: url, reply: reply}:
	case <-c.loopDone:
		return ErrControllerClosed
	}
	select {
	case err := <-reply:
		return err
	case <-c.loopDone:
		return ErrControllerClosed
	}
}

func (c *Controller) run() {
	defer c.wg.Done()
	defer close(c.loopDone)

	for {
		select {
		case <-c.ctx.Done():
			c.shutdown()
			return
		case cmd := <-c.commands:
			cmd.reply <- c.handleCommand(cmd)
		case ev := <-c.events:
			c.handleEvent(ev)
		case t := <-c.timers:
			c.handleTimer(t)
		}
	}
}

func (c *Controller) handleCommand(cmd command) error {
	switch cmd.kind {
	case cmdConnect:
		return c.connect()
	case cmdStart:
		return c.start(cmd.url, true)
	case cmdSetURL:
		return c.start(cmd.url, false)
	case cmdDisconnect:
		c.disconnect()
		return nil
	case cmdRefresh:
		c.refreshSession()
		return nil
	default:
		return fmt.Errorf("videostream: unknown command %d", cmd.kind)
	}
}

func (c *Controller) start(url string, connect bool) error {
	changed := url != "" && url != c.url
	if url != "" {
		c.url = url
	}

	if changed && c.phase.Active() {
		slog.Info("videostream: url changed, superseding session",
			"url", c.url,
			"generation", c.generation,
		)
		c.cancelTimeout()
		c.stopSession()
		c.phase = PhaseIdle
		c.resetResolution()
		return c.connect()
	}
	if connect {
		return c.connect()
	}
	c.publish()
	return nil
}

func (c *Controller) connect() error {
	if c.phase.Active() {
		return nil
	}
	if c.url == "" {
		return ErrNoURL
	}

	c.cancelRefresh()
	c.generation++
	c.hasAttempted = true
	c.lastError = ""
	c.stopReason = StopNone
	c.sessionFailed = false

	s := NewSession(SessionConfig{
		Transport:      c.cfg.Transport,
		Clock:          c.clock,
		Probe:          c.cfg.Probe,
		ReadChunkBytes: c.cfg.ReadChunkBytes,
		MaxFrameBytes:  c.cfg.MaxFrameBytes,
	}, c.generation, c.deliver)
	c.session = s

	c.statsMu.Lock()
	c.stats.Sessions++
	c.stats.SessionFrames = 0
	c.window.Reset()
	c.statsMu.Unlock()

	c.metrics.SessionStarted()
	c.armTimeout()

	c.wg.Add(1)
	s.Start(c.ctx, c.url)
	go func() {
		defer c.wg.Done()
		<-s.Done()
	}()

	slog.Info("videostream: connecting",
		"url", c.url,
		"session_id", s.ID(),
		"generation", c.generation,
	)
	c.setPhase(PhaseConnecting)
	return nil
}

func (c *Controller) disconnect() {
	c.cancelRefresh()
	c.cancelTimeout()
	wasActive := c.session != nil
	c.stopSession()

	c.stopReason = StopDisconnect
	c.sessionFailed = false
	c.resetResolution()
	c.bus.ClearLatest()

	if wasActive {
		slog.Info("videostream: disconnected", "generation", c.generation)
	}
	c.setPhase(PhaseIdle)
}

func (c *Controller) refreshSession() {
	if c.phase != PhasePlaying {
		return
	}
	c.disconnect()

	token := c.refreshToken
	c.refresh = c.clock.AfterFunc(c.cfg.RefreshDelay, func() {
		c.fire(timerFired{kind: timerRefresh, token: token})
	})
	slog.Info("videostream: refresh scheduled", "delay", c.cfg.RefreshDelay)
}

func (c *Controller) handleEvent(ev Event) {
	if c.session == nil || ev.Generation != c.generation {
		slog.Debug("videostream: dropping stale event",
			"kind", ev.Kind.String(),
			"event_generation", ev.Generation,
			"generation", c.generation,
		)
		return
	}

	switch ev.Kind {
	case EventStreamStarted:
		if c.phase != PhaseConnecting {
			return
		}
		if c.resKnown {
			c.cancelTimeout()
			c.setPhase(PhasePlaying)
			return
		}
		// Same window again for the first frame.
		c.armTimeout()
		c.setPhase(PhaseBuffering)
	case EventFrame:
		c.acceptFrame(ev.Frame)
	case EventStreamEnded:
		c.endSession()
	case EventStreamError:
		c.failSession(ev.Err)
	}
}

func (c *Controller) handleTimer(t timerFired) {
	switch t.kind {
	case timerConnect:
		if t.generation != c.generation || t.token != c.timeoutToken {
			return
		}
		if c.phase != PhaseConnecting && c.phase != PhaseBuffering {
			return
		}
		c.timeout = nil
		c.failSession(&StreamError{
			Kind: KindConnectTimeout,
			Err:  fmt.Errorf("connection timeout after %s", c.cfg.ConnectTimeout),
		})
	case timerRefresh:
		if t.token != c.refreshToken {
			return
		}
		c.refresh = nil
		if err := c.connect(); err != nil {
			slog.Warn("videostream: refresh reconnect failed", "error", err)
		}
	}
}

func (c *Controller) acceptFrame(f Frame) {
	resChanged := false
	if f.Width > 0 && f.Height > 0 {
		r := Resolution{Width: f.Width, Height: f.Height}
		resChanged = !c.resKnown || r != c.resolution
		c.resolution = r
		c.resKnown = true
	}

	c.statsMu.Lock()
	c.stats.Frames++
	c.stats.SessionFrames++
	c.stats.Bytes += uint64(len(f.Data))
	c.stats.LastFrameAt = f.Timestamp
	c.window.Add(f.Timestamp)
	c.statsMu.Unlock()

	c.bus.Publish(f)
	c.metrics.FrameAccepted(len(f.Data))

	switch c.phase {
	case PhaseConnecting, PhaseBuffering:
		c.cancelTimeout()
		slog.Info("videostream: first frame received",
			"session_id", f.SessionID,
			"size_bytes", len(f.Data),
			"resolution", c.resolution.String(),
			"resolution_known", c.resKnown,
		)
		c.setPhase(PhasePlaying)
	default:
		if resChanged {
			c.publish()
		}
	}
}

func (c *Controller) endSession() {
	c.cancelTimeout()
	c.stopSession()
	c.stopReason = StopStreamEnded
	if c.sessionFailed {
		c.setPhase(PhaseError)
		return
	}
	c.setPhase(PhaseIdle)
}

func (c *Controller) failSession(err error) {
	if c.phase == PhaseIdle {
		return
	}
	c.cancelTimeout()
	c.stopSession()

	msg := "stream error"
	if err != nil && err.Error() != "" {
		msg = err.Error()
	}
	kind := ClassifyError(err)

	c.lastError = msg
	c.sessionFailed = true
	c.stopReason = StopError

	c.statsMu.Lock()
	c.stats.Errors++
	c.statsMu.Unlock()
	c.metrics.SessionFailed(kind.String())

	slog.Warn("videostream: stream error",
		"url", c.url,
		"generation", c.generation,
		"kind", kind.String(),
		"error", msg,
	)
	c.setPhase(PhaseError)
}

func (c *Controller) stopSession() {
	if c.session == nil {
		return
	}
	c.session.Stop()
	c.session = nil
}

func (c *Controller) resetResolution() {
	if !c.cfg.KnownResolution.IsZero() {
		c.resolution = c.cfg.KnownResolution
		c.resKnown = true
		return
	}
	c.resolution = DefaultResolution
	c.resKnown = false
}

func (c *Controller) armTimeout() {
	c.cancelTimeout()
	gen, token := c.generation, c.timeoutToken
	c.timeout = c.clock.AfterFunc(c.cfg.ConnectTimeout, func() {
		c.fire(timerFired{kind: timerConnect, generation: gen, token: token})
	})
}

// cancelTimeout stops the connect timer and invalidates any expiry already
// queued.
func (c *Controller) cancelTimeout() {
	if c.timeout != nil {
		c.timeout.Stop()
		c.timeout = nil
	}
	c.timeoutToken++
}

func (c *Controller) cancelRefresh() {
	if c.refresh != nil {
		c.refresh.Stop()
		c.refresh = nil
	}
	c.refreshToken++
}

func (c *Controller) fire(t timerFired) {
	select {
	case c.timers <- t:
	case <-c.ctx.Done():
	}
}

// deliver is the EventSink handed to sessions.
func (c *Controller) deliver(ctx context.Context, ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Controller) setPhase(p Phase) {
	if p != c.phase {
		slog.Debug("videostream: phase transition",
			"from", c.phase.String(),
			"to", p.String(),
			"generation", c.generation,
		)
		c.metrics.PhaseChanged(p.String())
	}
	c.phase = p
	c.publish()
}

// publish snapshots loop state and notifies watchers if it changed.
func (c *Controller) publish() {
	next := Status{
		Phase:           c.phase,
		URL:             c.url,
		Resolution:      c.resolution,
		ResolutionKnown: c.resKnown,
		LastError:       c.lastError,
		HasAttempted:    c.hasAttempted,
		Generation:      c.generation,
		StopReason:      c.stopReason,
	}
	if c.session != nil {
		next.SessionID = c.session.ID()
	}

	c.statusMu.Lock()
	defer c.statusMu.Unlock()

	prev := c.status
	prev.UpdatedAt = time.Time{}
	if prev == next && !c.status.UpdatedAt.IsZero() {
		return
	}
	next.UpdatedAt = c.clock.Now()
	c.status = next

	for _, w := range c.watchers {
		offer(w, next)
	}
}

// offer replaces any unread status in ch with st.
func offer(ch chan Status, st Status) {
	select {
	case ch <- st:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- st:
	default:
	}
}

func (c *Controller) shutdown() {
	c.cancelRefresh()
	c.cancelTimeout()
	c.stopSession()

	c.statusMu.Lock()
	c.closed = true
	for id, w := range c.watchers {
		delete(c.watchers, id)
		close(w)
	}
	c.statusMu.Unlock()

	c.bus.Close()
	slog.Info("videostream: controller stopped",
		"generation", c.generation,
		"phase", c.phase.String(),
	)
}

// IsClosed reports whether err means the controller has been closed.
func IsClosed(err error) bool {
	return errors.Is(err, ErrControllerClosed)
}
