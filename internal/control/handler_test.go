package control

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	videostream "github.com/BBowdon00/hydroponic-monitor/modules/video-stream"
	"github.com/BBowdon00/hydroponic-monitor/modules/video-stream/internal/config"
)

type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (doneToken) Error() error { return nil }

type fakeMessage struct {
	mqtt.Message
	payload []byte
}

func (m fakeMessage) Payload() []byte { return m.payload }

type fakeClient struct {
	mqtt.Client

	mu        sync.Mutex
	handler   mqtt.MessageHandler
	topic     string
	responses [][]byte
}

func (c *fakeClient) IsConnected() bool { return true }

func (c *fakeClient) Subscribe(topic string, qos byte, cb mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topic = topic
	c.handler = cb
	return doneToken{}
}

func (c *fakeClient) Unsubscribe(topics ...string) mqtt.Token { return doneToken{} }

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append(c.responses, payload.([]byte))
	return doneToken{}
}

func (c *fakeClient) deliver(payload string) {
	c.mu.Lock()
	cb := c.handler
	c.mu.Unlock()
	cb(c, fakeMessage{payload: []byte(payload)})
}

func (c *fakeClient) Responses() []Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Response, 0, len(c.responses))
	for _, raw := range c.responses {
		var r Response
		if err := json.Unmarshal(raw, &r); err == nil {
			out = append(out, r)
		}
	}
	return out
}

type fakeController struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeController) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.err
}

func (f *fakeController) Connect() error         { return f.record("connect") }
func (f *fakeController) Disconnect() error      { return f.record("disconnect") }
func (f *fakeController) Refresh() error         { return f.record("refresh") }
func (f *fakeController) Start(url string) error { return f.record("start " + url) }
func (f *fakeController) Status() videostream.Status {
	return videostream.Status{Phase: videostream.PhaseConnecting}
}

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		QoS: 1,
		Topics: config.MQTTTopics{
			Control:  "videostream/cam/control",
			Response: "videostream/cam/control/response",
		},
	}
}

func TestHandle(t *testing.T) {
	tests := []struct {
		name      string
		cmd       Command
		ctrlErr   error
		wantState string
		wantErr   string
		wantCall  string
	}{
		{name: "get_status", cmd: Command{Command: "get_status"}, wantState: "success"},
		{name: "connect", cmd: Command{Command: "connect"}, wantState: "success", wantCall: "connect"},
		{name: "disconnect", cmd: Command{Command: "disconnect"}, wantState: "success", wantCall: "disconnect"},
		{name: "refresh", cmd: Command{Command: "refresh"}, wantState: "success", wantCall: "refresh"},
		{
			name:      "set_url",
			cmd:       Command{Command: "set_url", Params: map[string]any{"url": "http://cam.local/stream"}},
			wantState: "success",
			wantCall:  "start http://cam.local/stream",
		},
		{
			name:      "set_url missing param",
			cmd:       Command{Command: "set_url"},
			wantState: "error",
			wantErr:   "missing or invalid 'url'",
		},
		{
			name:      "set_url bad scheme",
			cmd:       Command{Command: "set_url", Params: map[string]any{"url": "rtsp://cam/stream"}},
			wantState: "error",
			wantErr:   "scheme must be http or https",
		},
		{
			name:      "connect without url",
			cmd:       Command{Command: "connect"},
			ctrlErr:   videostream.ErrNoURL,
			wantState: "error",
			wantErr:   videostream.ErrNoURL.Error(),
			wantCall:  "connect",
		},
		{name: "unknown", cmd: Command{Command: "reboot"}, wantState: "error", wantErr: "unknown command: reboot"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctrl := &fakeController{err: tc.ctrlErr}
			h := NewHandler(testConfig(), &fakeClient{}, ctrl)

			resp := h.Handle(tc.cmd)
			assert.Equal(t, tc.cmd.Command, resp.CommandAck)
			assert.Equal(t, tc.wantState, resp.Status)
			if tc.wantErr != "" {
				assert.Contains(t, resp.Error, tc.wantErr)
				assert.Nil(t, resp.Data)
			} else {
				st, ok := resp.Data["status"].(videostream.Status)
				require.True(t, ok)
				assert.Equal(t, videostream.PhaseConnecting, st.Phase)
			}
			if tc.wantCall != "" {
				assert.Equal(t, []string{tc.wantCall}, ctrl.calls)
			} else {
				assert.Empty(t, ctrl.calls)
			}
		})
	}
}

func TestHandler_RoundTrip(t *testing.T) {
	client := &fakeClient{}
	ctrl := &fakeController{}
	h := NewHandler(testConfig(), client, ctrl)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.Start(ctx))
	assert.Equal(t, "videostream/cam/control", client.topic)

	client.deliver(`{"command":"refresh"}`)
	client.deliver(`{not json`)

	require.Eventually(t, func() bool { return len(client.Responses()) == 2 }, 2*time.Second, 5*time.Millisecond)

	var acks []string
	for _, r := range client.Responses() {
		acks = append(acks, r.CommandAck+":"+r.Status)
		assert.NotEmpty(t, r.Timestamp)
	}
	assert.ElementsMatch(t, []string{"refresh:success", "unknown:error"}, acks)

	// Status travels as JSON on the wire.
	for _, r := range client.Responses() {
		if r.CommandAck == "refresh" {
			st, ok := r.Data["status"].(map[string]any)
			require.True(t, ok)
			assert.Equal(t, "connecting", st["phase"])
		}
	}
	require.NoError(t, h.Stop())
}

func TestHandle_ControllerClosed(t *testing.T) {
	ctrl := &fakeController{err: videostream.ErrControllerClosed}
	h := NewHandler(testConfig(), &fakeClient{}, ctrl)

	resp := h.Handle(Command{Command: "disconnect"})
	assert.Equal(t, "error", resp.Status)
	assert.True(t, errors.Is(ctrl.err, videostream.ErrControllerClosed))
	assert.Equal(t, videostream.ErrControllerClosed.Error(), resp.Error)
}
