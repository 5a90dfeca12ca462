package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	videostream "github.com/BBowdon00/hydroponic-monitor/modules/video-stream"
	"github.com/BBowdon00/hydroponic-monitor/modules/video-stream/internal/config"
)

type probeOptions struct {
	URL     string
	Frames  int
	Timeout time.Duration
	Debug   bool
}

var probeFlags probeOptions

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Connect once and report the stream's frames, size and cadence",
	Example: `  videostream probe --url http://192.168.1.50:8080/stream
  videostream probe --url http://cam.local/mjpeg --frames 50 --timeout 30s`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		closer, err := setupLogging(config.LogConfig{Level: "warn", Format: "text"}, probeFlags.Debug)
		if err != nil {
			return err
		}
		defer closer.Close()
		return runProbe(cmd.Context(), probeFlags, cmd.OutOrStdout())
	},
}

func init() {
	probeCmd.Flags().StringVar(&probeFlags.URL, "url", "", "MJPEG stream URL (required)")
	probeCmd.Flags().IntVar(&probeFlags.Frames, "frames", 10, "Frames to receive before reporting")
	probeCmd.Flags().DurationVar(&probeFlags.Timeout, "timeout", 20*time.Second, "Overall probe deadline")
	probeCmd.Flags().BoolVar(&probeFlags.Debug, "debug", false, "Enable debug logging")
	_ = probeCmd.MarkFlagRequired("url")
	rootCmd.AddCommand(probeCmd)
}

// runProbe connects without reconnection, prints one line per frame and a
// cadence summary, and fails if the stream errors or ends early.
func runProbe(ctx context.Context, opts probeOptions, out io.Writer) error {
	if err := config.ValidateStreamURL(opts.URL); err != nil {
		return err
	}
	if opts.Frames <= 0 {
		return errors.New("--frames must be > 0")
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	ctrl, err := videostream.New(videostream.Config{URL: opts.URL, StatsWindow: opts.Frames})
	if err != nil {
		return err
	}
	defer ctrl.Close()

	frames := make(chan videostream.Frame, opts.Frames)
	if err := ctrl.Frames().Subscribe("probe", frames); err != nil {
		return err
	}
	statuses := ctrl.Watch(ctx)

	fmt.Fprintf(out, "Probing %s\n", opts.URL)
	if err := ctrl.Connect(); err != nil {
		return err
	}

	start := time.Now()
	received := 0
	for received < opts.Frames {
		select {
		case <-ctx.Done():
			return fmt.Errorf("probe timed out after %s with %d/%d frames (phase %s)",
				opts.Timeout, received, opts.Frames, ctrl.Status().Phase)
		case st, ok := <-statuses:
			if !ok {
				if ctx.Err() != nil {
					statuses = nil
					continue
				}
				return videostream.ErrControllerClosed
			}
			fmt.Fprintf(out, "  phase: %s\n", st.Phase)
			switch {
			case st.Phase == videostream.PhaseError:
				return fmt.Errorf("stream failed: %s", st.LastError)
			case st.Phase == videostream.PhaseIdle && st.StopReason == videostream.StopStreamEnded:
				return fmt.Errorf("stream ended after %d/%d frames", received, opts.Frames)
			}
		case f := <-frames:
			received++
			dims := "unknown size"
			if f.Width > 0 {
				dims = fmt.Sprintf("%dx%d", f.Width, f.Height)
			}
			fmt.Fprintf(out, "  frame %d: %d bytes, %s, +%s\n",
				received, len(f.Data), dims, f.Timestamp.Sub(start).Round(time.Millisecond))
		}
	}

	st := ctrl.Status()
	stats := ctrl.Stats()
	c := stats.Cadence
	fmt.Fprintf(out, "\nResult\n")
	fmt.Fprintf(out, "  Resolution: %s (known: %v)\n", st.Resolution, st.ResolutionKnown)
	fmt.Fprintf(out, "  Frames:     %d (%d bytes)\n", stats.Frames, stats.Bytes)
	fmt.Fprintf(out, "  FPS:        %.2f mean, %.2f stddev, %.1f-%.1f range\n", c.FPSMean, c.FPSStdDev, c.FPSMin, c.FPSMax)
	fmt.Fprintf(out, "  Jitter:     %.3fs mean, %.3fs max\n", c.JitterMean, c.JitterMax)
	fmt.Fprintf(out, "  Stable:     %v\n", c.IsStable)
	return nil
}
