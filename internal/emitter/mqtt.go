// Package emitter publishes controller status to an MQTT broker.
package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"

	videostream "github.com/BBowdon00/hydroponic-monitor/modules/video-stream"
	"github.com/BBowdon00/hydroponic-monitor/modules/video-stream/internal/config"
)

const publishTimeout = 2 * time.Second

// StatusPayload is the retained message on the status topic.
type StatusPayload struct {
	InstanceID      string    `json:"instance_id" msgpack:"instance_id"`
	Online          bool      `json:"online" msgpack:"online"`
	Phase           string    `json:"phase,omitempty" msgpack:"phase,omitempty"`
	URL             string    `json:"url,omitempty" msgpack:"url,omitempty"`
	Width           int       `json:"width,omitempty" msgpack:"width,omitempty"`
	Height          int       `json:"height,omitempty" msgpack:"height,omitempty"`
	ResolutionKnown bool      `json:"resolution_known" msgpack:"resolution_known"`
	LastError       string    `json:"last_error,omitempty" msgpack:"last_error,omitempty"`
	SessionID       string    `json:"session_id,omitempty" msgpack:"session_id,omitempty"`
	Generation      uint64    `json:"generation" msgpack:"generation"`
	StopReason      string    `json:"stop_reason,omitempty" msgpack:"stop_reason,omitempty"`
	Timestamp       time.Time `json:"timestamp" msgpack:"timestamp"`
}

// NewStatusPayload converts a controller status for publication.
func NewStatusPayload(instanceID string, st videostream.Status) StatusPayload {
	return StatusPayload{
		InstanceID:      instanceID,
		Online:          true,
		Phase:           st.Phase.String(),
		URL:             st.URL,
		Width:           st.Resolution.Width,
		Height:          st.Resolution.Height,
		ResolutionKnown: st.ResolutionKnown,
		LastError:       st.LastError,
		SessionID:       st.SessionID,
		Generation:      st.Generation,
		StopReason:      string(st.StopReason),
		Timestamp:       st.UpdatedAt,
	}
}

// Encode marshals v as JSON or msgpack.
func Encode(encoding string, v any) ([]byte, error) {
	switch encoding {
	case "", config.EncodingJSON:
		return json.Marshal(v)
	case config.EncodingMsgpack:
		return msgpack.Marshal(v)
	default:
		return nil, fmt.Errorf("unknown encoding %q", encoding)
	}
}

// Decode is the inverse of Encode.
func Decode(encoding string, data []byte, v any) error {
	switch encoding {
	case "", config.EncodingJSON:
		return json.Unmarshal(data, v)
	case config.EncodingMsgpack:
		return msgpack.Unmarshal(data, v)
	default:
		return fmt.Errorf("unknown encoding %q", encoding)
	}
}

// Connect dials the broker. The client reconnects on its own afterwards and
// the broker marks the instance offline through the last will if the
// connection drops.
func Connect(ctx context.Context, cfg config.MQTTConfig, instanceID string) (mqtt.Client, error) {
	will, err := Encode(cfg.Encoding, StatusPayload{InstanceID: instanceID, Online: false})
	if err != nil {
		return nil, fmt.Errorf("failed to encode last will: %w", err)
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetBinaryWill(cfg.Topics.Status, will, cfg.QoS, true)

	opts.OnConnect = func(c mqtt.Client) {
		slog.Info("mqtt connection established",
			"broker", cfg.Broker,
			"client_id", cfg.ClientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		slog.Warn("mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", cfg.Broker,
			"max_retry_interval", "30s")
	}

	client := mqtt.NewClient(opts)
	slog.Info("connecting to mqtt broker", "broker", cfg.Broker)

	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connection cancelled: %w", ctx.Err())
	case <-time.After(5 * time.Second):
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}
	return client, nil
}

// StatusEmitter publishes retained status messages.
type StatusEmitter struct {
	client     mqtt.Client
	topic      string
	qos        byte
	encoding   string
	instanceID string

	mu        sync.RWMutex
	published uint64
	errors    uint64
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool   `json:"connected"`
	Published uint64 `json:"published"`
	Errors    uint64 `json:"errors"`
}

// NewStatusEmitter creates an emitter publishing on cfg.Topics.Status.
func NewStatusEmitter(client mqtt.Client, cfg config.MQTTConfig, instanceID string) *StatusEmitter {
	return &StatusEmitter{
		client:     client,
		topic:      cfg.Topics.Status,
		qos:        cfg.QoS,
		encoding:   cfg.Encoding,
		instanceID: instanceID,
	}
}

// Publish sends one status as a retained message.
func (e *StatusEmitter) Publish(st videostream.Status) error {
	return e.publish(NewStatusPayload(e.instanceID, st))
}

func (e *StatusEmitter) publish(p StatusPayload) error {
	if !e.client.IsConnected() {
		e.failed()
		return fmt.Errorf("mqtt not connected")
	}

	payload, err := Encode(e.encoding, p)
	if err != nil {
		e.failed()
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	token := e.client.Publish(e.topic, e.qos, true, payload)
	if !token.WaitTimeout(publishTimeout) {
		e.failed()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.failed()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published++
	e.mu.Unlock()

	slog.Debug("status published",
		"topic", e.topic,
		"phase", p.Phase,
		"online", p.Online,
		"size", len(payload),
	)
	return nil
}

func (e *StatusEmitter) failed() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}

// Run publishes every status received until ctx is done or statuses is
// closed. On a clean stop the instance is marked offline. Publish failures
// are logged; the next status supersedes the lost one.
func (e *StatusEmitter) Run(ctx context.Context, statuses <-chan videostream.Status) error {
	defer func() {
		if err := e.publish(StatusPayload{InstanceID: e.instanceID, Online: false, Timestamp: time.Now()}); err != nil {
			slog.Debug("offline status not published", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case st, ok := <-statuses:
			if !ok {
				return nil
			}
			if err := e.Publish(st); err != nil {
				slog.Warn("status publish failed", "phase", st.Phase.String(), "error", err)
			}
		}
	}
}

// Stats returns emitter statistics
func (e *StatusEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Stats{
		Connected: e.client.IsConnected(),
		Published: e.published,
		Errors:    e.errors,
	}
}
