package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "videostream.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
instance_id: greenhouse-cam
stream:
  url: http://camera.local:8080/stream
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "greenhouse-cam", cfg.InstanceID)
	assert.Equal(t, "http://camera.local:8080/stream", cfg.Stream.URL)
	assert.True(t, cfg.Stream.AutoConnect)
	assert.Equal(t, 10*time.Second, cfg.Stream.ConnectTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Stream.RefreshDelay)
	assert.Equal(t, 8<<20, cfg.Stream.MaxFrameBytes)
	assert.True(t, cfg.Reconnect.Enabled)
	assert.Equal(t, StrategyLadder, cfg.Reconnect.Strategy)
	assert.Equal(t, ":8090", cfg.HTTP.Listen)
	assert.False(t, cfg.MQTT.Enabled)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_Overrides(t *testing.T) {
	path := writeConfig(t, `
instance_id: cam-2
shutdown_timeout: 2s
stream:
  url: https://cam-2.local/mjpeg
  connect_timeout: 4s
  refresh_delay: 250ms
  known_resolution: 1280x720
reconnect:
  strategy: exponential
  initial_interval: 1s
  max_interval: 20s
http:
  listen: 127.0.0.1:9000
  max_ui_fps: 5
mqtt:
  enabled: true
  broker: tcp://broker:1883
  encoding: msgpack
log:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 4*time.Second, cfg.Stream.ConnectTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Stream.RefreshDelay)
	assert.Equal(t, "1280x720", cfg.Stream.KnownResolution)
	assert.Equal(t, StrategyExponential, cfg.Reconnect.Strategy)
	assert.Equal(t, 20*time.Second, cfg.Reconnect.MaxInterval)
	assert.Equal(t, 5.0, cfg.HTTP.MaxUIFPS)
	assert.Equal(t, EncodingMsgpack, cfg.MQTT.Encoding)
	assert.Equal(t, "json", cfg.Log.Format)

	// Derived MQTT defaults follow the instance id.
	assert.Equal(t, "cam-2", cfg.MQTT.ClientID)
	assert.Equal(t, "videostream/cam-2/status", cfg.MQTT.Topics.Status)
	assert.Equal(t, "videostream/cam-2/control", cfg.MQTT.Topics.Control)
	assert.Equal(t, "videostream/cam-2/control/response", cfg.MQTT.Topics.Response)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestParse_Malformed(t *testing.T) {
	_, err := Parse([]byte("stream: [unclosed"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config")
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad instance id", func(c *Config) { c.InstanceID = "Cam_1" }, "instance_id must match"},
		{"empty instance id", func(c *Config) { c.InstanceID = "" }, "instance_id is required"},
		{"autoconnect without url", func(c *Config) { c.Stream.URL = "" }, "url is required"},
		{"bad scheme", func(c *Config) { c.Stream.URL = "rtsp://cam/stream" }, "scheme must be http or https"},
		{"no host", func(c *Config) { c.Stream.URL = "http:///stream" }, "must include a host"},
		{"negative timeout", func(c *Config) { c.Stream.ConnectTimeout = -time.Second }, "durations must not be negative"},
		{"negative size", func(c *Config) { c.Stream.MaxFrameBytes = -1 }, "sizes must not be negative"},
		{"bad resolution", func(c *Config) { c.Stream.KnownResolution = "wide" }, "stream:"},
		{"unknown strategy", func(c *Config) { c.Reconnect.Strategy = "linear" }, "unknown strategy"},
		{"exponential bounds", func(c *Config) {
			c.Reconnect.Strategy = StrategyExponential
			c.Reconnect.MaxInterval = time.Second
		}, "initial_interval <= max_interval"},
		{"negative fps", func(c *Config) { c.HTTP.MaxUIFPS = -1 }, "max_ui_fps"},
		{"mqtt without broker", func(c *Config) {
			c.MQTT.Enabled = true
			c.MQTT.Broker = ""
		}, "broker is required"},
		{"mqtt qos", func(c *Config) {
			c.MQTT.Enabled = true
			c.MQTT.QoS = 3
		}, "qos"},
		{"mqtt encoding", func(c *Config) {
			c.MQTT.Enabled = true
			c.MQTT.Encoding = "xml"
		}, "encoding"},
		{"log level", func(c *Config) { c.Log.Level = "trace" }, "log.level"},
		{"log format", func(c *Config) { c.Log.Format = "logfmt" }, "log.format"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			cfg.Stream.URL = "http://camera.local/stream"
			tc.mutate(cfg)

			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestValidate_NoURLWithoutAutoConnect(t *testing.T) {
	cfg := Default()
	cfg.Stream.AutoConnect = false
	require.NoError(t, Validate(cfg))
}

func TestValidate_FillsShutdownTimeout(t *testing.T) {
	cfg := Default()
	cfg.Stream.URL = "http://camera.local/stream"
	cfg.ShutdownTimeout = 0
	cfg.Reconnect.Strategy = ""

	require.NoError(t, Validate(cfg))
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, StrategyLadder, cfg.Reconnect.Strategy)
}
