package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	cbackoff "github.com/cenkalti/backoff/v5"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	videostream "github.com/BBowdon00/hydroponic-monitor/modules/video-stream"
	"github.com/BBowdon00/hydroponic-monitor/modules/video-stream/internal/backoff"
	"github.com/BBowdon00/hydroponic-monitor/modules/video-stream/internal/config"
	"github.com/BBowdon00/hydroponic-monitor/modules/video-stream/internal/control"
	"github.com/BBowdon00/hydroponic-monitor/modules/video-stream/internal/emitter"
	"github.com/BBowdon00/hydroponic-monitor/modules/video-stream/internal/httpapi"
	"github.com/BBowdon00/hydroponic-monitor/modules/video-stream/internal/metrics"
)

const defaultConfigPath = "config/videostream.yaml"

var serveFlags struct {
	configPath string
	debug      bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the stream controller with its HTTP and MQTT surfaces",
	Long: `Serve loads the configuration, connects to the camera (when
stream.auto_connect is set) and keeps the connection alive with the reconnect
supervisor. The UI API listens on http.listen; MQTT status and control run
when mqtt.enabled is set.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&serveFlags.configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	serveCmd.Flags().BoolVar(&serveFlags.debug, "debug", false, "Enable debug logging")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(serveFlags.configPath)
	if err != nil {
		return err
	}

	closer, err := setupLogging(cfg.Log, serveFlags.debug)
	if err != nil {
		return err
	}
	defer closer.Close()

	slog.Info("starting videostream service",
		"version", version,
		"config", serveFlags.configPath,
		"instance_id", cfg.InstanceID,
		"debug", serveFlags.debug,
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg)
}

// controllerConfig maps the stream section onto the controller.
func controllerConfig(s config.StreamConfig, rec videostream.MetricsRecorder) (videostream.Config, error) {
	out := videostream.Config{
		URL:            s.URL,
		ConnectTimeout: s.ConnectTimeout,
		RefreshDelay:   s.RefreshDelay,
		ReadChunkBytes: s.ReadChunkBytes,
		MaxFrameBytes:  s.MaxFrameBytes,
		Metrics:        rec,
	}
	if s.KnownResolution != "" {
		res, err := videostream.ParseResolution(s.KnownResolution)
		if err != nil {
			return out, fmt.Errorf("stream.known_resolution: %w", err)
		}
		out.KnownResolution = res
	}
	return out, nil
}

func newBackOff(r config.ReconnectConfig) cbackoff.BackOff {
	if r.Strategy == config.StrategyExponential {
		return backoff.NewExponential(r.InitialInterval, r.MaxInterval)
	}
	return nil // supervisor default: the ladder
}

func serve(ctx context.Context, cfg *config.Config) error {
	rec := metrics.New(true)

	ccfg, err := controllerConfig(cfg.Stream, rec)
	if err != nil {
		return err
	}
	ctrl, err := videostream.New(ccfg)
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	defer func() {
		if err := ctrl.Close(); err != nil && !videostream.IsClosed(err) {
			slog.Error("controller close failed", "error", err)
		}
	}()

	g, ctx := errgroup.WithContext(ctx)

	apiOpts := httpapi.Options{
		Addr:            cfg.HTTP.Listen,
		MaxFPS:          cfg.HTTP.MaxUIFPS,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}
	if cfg.HTTP.EnableMetrics {
		apiOpts.Metrics = rec.Handler()
	}
	api := httpapi.New(ctrl, apiOpts)
	g.Go(func() error { return api.Run(ctx) })

	if cfg.Reconnect.Enabled {
		sup := videostream.NewSupervisor(ctrl, videostream.SupervisorConfig{
			BackOff: newBackOff(cfg.Reconnect),
			Metrics: rec,
		})
		g.Go(func() error { return sup.Run(ctx) })
	}

	if cfg.MQTT.Enabled {
		client, err := emitter.Connect(ctx, cfg.MQTT, cfg.InstanceID)
		if err != nil {
			// The stream and the UI work without a broker.
			slog.Error("mqtt unavailable, continuing without status and control", "error", err)
		} else {
			defer client.Disconnect(250)

			em := emitter.NewStatusEmitter(client, cfg.MQTT, cfg.InstanceID)
			g.Go(func() error { return em.Run(ctx, ctrl.Watch(ctx)) })

			handler := control.NewHandler(cfg.MQTT, client, ctrl)
			if err := handler.Start(ctx); err != nil {
				slog.Error("control plane unavailable", "error", err)
			} else {
				defer handler.Stop()
			}
		}
	}

	if cfg.Stream.AutoConnect {
		if err := ctrl.Connect(); err != nil {
			slog.Error("initial connect failed", "error", err)
		}
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("videostream service stopped successfully")
	return nil
}
