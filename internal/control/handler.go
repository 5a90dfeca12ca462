// Package control accepts stream commands over MQTT.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	videostream "github.com/BBowdon00/hydroponic-monitor/modules/video-stream"
	"github.com/BBowdon00/hydroponic-monitor/modules/video-stream/internal/config"
)

// Command represents a control plane command
type Command struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params,omitempty"`
}

// Response represents a command response
type Response struct {
	CommandAck string         `json:"command_ack"`
	Status     string         `json:"status"` // "success", "error"
	Data       map[string]any `json:"data,omitempty"`
	Error      string         `json:"error,omitempty"`
	Timestamp  string         `json:"timestamp"`
}

// StreamController is the part of *videostream.Controller commands drive.
type StreamController interface {
	Connect() error
	Disconnect() error
	Refresh() error
	Start(url string) error
	Status() videostream.Status
}

// Handler handles control plane commands
type Handler struct {
	cfg      config.MQTTConfig
	client   mqtt.Client
	ctrl     StreamController
	commands chan Command
}

// NewHandler creates a new control plane handler
func NewHandler(cfg config.MQTTConfig, client mqtt.Client, ctrl StreamController) *Handler {
	return &Handler{
		cfg:      cfg,
		client:   client,
		ctrl:     ctrl,
		commands: make(chan Command, 10),
	}
}

// Start subscribes to the control topic and processes commands until ctx is
// done.
func (h *Handler) Start(ctx context.Context) error {
	topic := h.cfg.Topics.Control
	slog.Info("subscribing to control plane", "topic", topic, "qos", h.cfg.QoS)

	token := h.client.Subscribe(topic, h.cfg.QoS, h.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control plane subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control plane subscription failed: %w", err)
	}

	slog.Info("control plane handler started")
	go h.processCommands(ctx)
	return nil
}

// Stop unsubscribes from the control topic.
func (h *Handler) Stop() error {
	if h.client != nil && h.client.IsConnected() {
		token := h.client.Unsubscribe(h.cfg.Topics.Control)
		if !token.WaitTimeout(2 * time.Second) {
			return fmt.Errorf("control plane unsubscribe timeout")
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("control plane unsubscribe failed: %w", err)
		}
	}
	slog.Info("control plane handler stopped")
	return nil
}

// messageHandler is called when a control message is received
func (h *Handler) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		slog.Error("failed to parse control command", "error", err)
		h.sendResponse(Response{
			CommandAck: "unknown",
			Status:     "error",
			Error:      "invalid JSON",
		})
		return
	}

	slog.Info("control command received", "command", cmd.Command)

	select {
	case h.commands <- cmd:
	default:
		slog.Warn("command queue full, dropping command", "command", cmd.Command)
	}
}

func (h *Handler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-h.commands:
			h.sendResponse(h.Handle(cmd))
		}
	}
}

// Handle executes one command and returns its response.
func (h *Handler) Handle(cmd Command) Response {
	resp := Response{CommandAck: cmd.Command}

	var err error
	switch cmd.Command {
	case "get_status":
	case "connect":
		err = h.ctrl.Connect()
	case "disconnect":
		err = h.ctrl.Disconnect()
	case "refresh":
		err = h.ctrl.Refresh()
	case "set_url":
		url, ok := cmd.Params["url"].(string)
		if !ok {
			err = errors.New("missing or invalid 'url' parameter (expected string)")
			break
		}
		if err = config.ValidateStreamURL(url); err != nil {
			break
		}
		err = h.ctrl.Start(url)
	default:
		err = fmt.Errorf("unknown command: %s", cmd.Command)
	}

	if err != nil {
		resp.Status = "error"
		resp.Error = err.Error()
		return resp
	}

	resp.Status = "success"
	resp.Data = map[string]any{"status": h.ctrl.Status()}
	return resp
}

// sendResponse publishes resp on the response topic.
func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal response", "error", err)
		return
	}

	token := h.client.Publish(h.cfg.Topics.Response, h.cfg.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		slog.Error("response publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		slog.Error("response publish failed", "error", err)
		return
	}

	slog.Debug("control response sent",
		"command", resp.CommandAck,
		"status", resp.Status,
	)
}
