package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete videostream configuration
type Config struct {
	InstanceID      string          `yaml:"instance_id"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"` // Graceful shutdown budget (default: 5s)
	Stream          StreamConfig    `yaml:"stream"`
	Reconnect       ReconnectConfig `yaml:"reconnect"`
	HTTP            HTTPConfig      `yaml:"http"`
	MQTT            MQTTConfig      `yaml:"mqtt"`
	Log             LogConfig       `yaml:"log"`
}

// StreamConfig contains camera stream settings
type StreamConfig struct {
	URL            string        `yaml:"url"`
	AutoConnect    bool          `yaml:"auto_connect"`     // Connect on startup
	ConnectTimeout time.Duration `yaml:"connect_timeout"`  // Connecting + Buffering window (default: 10s)
	RefreshDelay   time.Duration `yaml:"refresh_delay"`    // Gap between refresh disconnect and connect (default: 500ms)
	ReadChunkBytes int           `yaml:"read_chunk_bytes"` // Transport read size
	MaxFrameBytes  int           `yaml:"max_frame_bytes"`  // Largest accepted Content-Length (default: 8MiB)
	// KnownResolution (WIDTHxHEIGHT) skips Buffering when set.
	KnownResolution string `yaml:"known_resolution"`
}

// ReconnectConfig contains automatic reconnection settings
type ReconnectConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Strategy        string        `yaml:"strategy"`         // ladder, exponential
	InitialInterval time.Duration `yaml:"initial_interval"` // exponential only
	MaxInterval     time.Duration `yaml:"max_interval"`     // exponential only
}

// HTTPConfig contains the UI/API server settings
type HTTPConfig struct {
	Listen        string  `yaml:"listen"`
	MaxUIFPS      float64 `yaml:"max_ui_fps"` // Per-client frame rate cap for /ws and /stream.mjpeg (0 = unlimited)
	EnableMetrics bool    `yaml:"enable_metrics"`
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Enabled  bool       `yaml:"enabled"`
	Broker   string     `yaml:"broker"`
	ClientID string     `yaml:"client_id"`
	Topics   MQTTTopics `yaml:"topics"`
	QoS      byte       `yaml:"qos"`
	Encoding string     `yaml:"encoding"` // json, msgpack
}

// MQTTTopics contains topic names
type MQTTTopics struct {
	Status   string `yaml:"status"`
	Control  string `yaml:"control"`
	Response string `yaml:"response"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level      string `yaml:"level"`  // debug, info, warn, error
	Format     string `yaml:"format"` // text, json
	File       string `yaml:"file"`   // Empty logs to stderr
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	return &Config{
		InstanceID:      "videostream",
		ShutdownTimeout: 5 * time.Second,
		Stream: StreamConfig{
			AutoConnect:    true,
			ConnectTimeout: 10 * time.Second,
			RefreshDelay:   500 * time.Millisecond,
			ReadChunkBytes: 32 << 10,
			MaxFrameBytes:  8 << 20,
		},
		Reconnect: ReconnectConfig{
			Enabled:         true,
			Strategy:        StrategyLadder,
			InitialInterval: 5 * time.Second,
			MaxInterval:     60 * time.Second,
		},
		HTTP: HTTPConfig{
			Listen:        ":8090",
			MaxUIFPS:      15,
			EnableMetrics: true,
		},
		MQTT: MQTTConfig{
			Broker:   "tcp://localhost:1883",
			QoS:      1,
			Encoding: EncodingJSON,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load reads and parses a YAML configuration file over the defaults
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
