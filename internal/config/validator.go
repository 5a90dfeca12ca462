package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	videostream "github.com/BBowdon00/hydroponic-monitor/modules/video-stream"
)

const (
	StrategyLadder      = "ladder"
	StrategyExponential = "exponential"

	EncodingJSON    = "json"
	EncodingMsgpack = "msgpack"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks the configuration and fills derived defaults
func Validate(cfg *Config) error {
	// Validate instance_id
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = Default().ShutdownTimeout
	}

	if err := validateStream(&cfg.Stream); err != nil {
		return fmt.Errorf("stream: %w", err)
	}
	if err := validateReconnect(&cfg.Reconnect); err != nil {
		return fmt.Errorf("reconnect: %w", err)
	}

	if cfg.HTTP.MaxUIFPS < 0 {
		return fmt.Errorf("http.max_ui_fps must be >= 0")
	}

	if err := validateMQTT(cfg); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error")
	}
	switch cfg.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json")
	}

	return nil
}

func validateStream(s *StreamConfig) error {
	if s.URL != "" {
		if err := ValidateStreamURL(s.URL); err != nil {
			return err
		}
	}
	if s.AutoConnect && s.URL == "" {
		return fmt.Errorf("url is required when auto_connect is set")
	}
	if s.ConnectTimeout < 0 || s.RefreshDelay < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	if s.ReadChunkBytes < 0 || s.MaxFrameBytes < 0 {
		return fmt.Errorf("sizes must not be negative")
	}
	if s.KnownResolution != "" {
		if _, err := videostream.ParseResolution(s.KnownResolution); err != nil {
			return err
		}
	}
	return nil
}

func validateReconnect(r *ReconnectConfig) error {
	if r.Strategy == "" {
		r.Strategy = StrategyLadder
	}
	switch r.Strategy {
	case StrategyLadder:
	case StrategyExponential:
		if r.InitialInterval <= 0 || r.MaxInterval < r.InitialInterval {
			return fmt.Errorf("exponential strategy needs 0 < initial_interval <= max_interval")
		}
	default:
		return fmt.Errorf("unknown strategy %q (want %s or %s)", r.Strategy, StrategyLadder, StrategyExponential)
	}
	return nil
}

func validateMQTT(cfg *Config) error {
	m := &cfg.MQTT
	if !m.Enabled {
		return nil
	}
	if m.Broker == "" {
		return fmt.Errorf("broker is required")
	}
	if m.QoS > 2 {
		return fmt.Errorf("qos must be 0, 1 or 2")
	}
	switch m.Encoding {
	case "":
		m.Encoding = EncodingJSON
	case EncodingJSON, EncodingMsgpack:
	default:
		return fmt.Errorf("encoding must be %s or %s", EncodingJSON, EncodingMsgpack)
	}

	// Set default topics if not provided
	if m.ClientID == "" {
		m.ClientID = cfg.InstanceID
	}
	if m.Topics.Status == "" {
		m.Topics.Status = fmt.Sprintf("videostream/%s/status", cfg.InstanceID)
	}
	if m.Topics.Control == "" {
		m.Topics.Control = fmt.Sprintf("videostream/%s/control", cfg.InstanceID)
	}
	if m.Topics.Response == "" {
		m.Topics.Response = fmt.Sprintf("videostream/%s/control/response", cfg.InstanceID)
	}
	return nil
}

// ValidateStreamURL accepts absolute http and https URLs.
func ValidateStreamURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url must include a host")
	}
	return nil
}
