// Package videostream ingests an MJPEG camera feed served as an HTTP
// multipart/x-mixed-replace body and exposes it as discrete JPEG frames plus a
// supervised connection phase.
//
// # Quick Start
//
//	ctrl, err := videostream.New(videostream.Config{
//	    URL: "http://192.168.1.50:8080/stream.mjpeg",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer ctrl.Close()
//
//	// Optional: reconnect automatically with 5s/10s/30s/60s backoff.
//	sup := videostream.NewSupervisor(ctrl, videostream.SupervisorConfig{})
//	go sup.Run(ctx)
//
//	if err := ctrl.Connect(); err != nil {
//	    log.Fatal(err)
//	}
//
//	display, _ := ctrl.Frames().SubscribeLatest("display")
//	for {
//	    frame, err := display.Receive(ctx)
//	    if err != nil {
//	        return
//	    }
//	    render(frame.Data)
//	}
//
// # Phases
//
//	Idle ──Connect──▶ Connecting ──StreamStarted──▶ Buffering ──first frame──▶ Playing
//	                      │                             │                         │
//	                      └──────── error / timeout ────┴───────── error ─────────┴──▶ Error
//
// Error is not terminal: Connect from Error starts a new session. A clean end
// of stream returns to Idle. Disconnect returns to Idle from any phase and
// resets the resolution. Refresh while Playing disconnects and reconnects
// after 500ms.
//
// The connect timeout (10s by default) covers Connecting and, once the
// response headers are in, the wait for the first frame.
//
// # Sessions and generations
//
// Every Connect creates a Session tagged with a new generation. Session events
// reach the controller through a channel and are applied on a single
// goroutine; an event whose generation is not current is dropped. A stopped
// session delivers nothing further, so a late frame from an aborted
// connection can never reach observers.
//
// # Observing
//
//   - Status: snapshot of phase, URL, resolution, last error
//   - Watch: latest-value status channel
//   - Frames: frame bus with drop-new channel and drop-old latest subscribers
//   - LatestFrame, Stats
//
// # Errors
//
// Failures are reported as *StreamError. Kind classifies the cause for logs
// and metrics; observers only see the message, and every kind leads to
// PhaseError.
package videostream
