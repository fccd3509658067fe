package control

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/clsferguson/proximeter/internal/types"
)

type fakeToken struct{}

func (fakeToken) Wait() bool                     { return true }
func (fakeToken) WaitTimeout(time.Duration) bool { return true }
func (fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (fakeToken) Error() error { return nil }

// fakeClient records published acks. Only the methods the handler calls are
// implemented; the embedded interface covers the rest.
type fakeClient struct {
	mqtt.Client

	mu       sync.Mutex
	payloads [][]byte
	topics   []string
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics = append(c.topics, topic)
	c.payloads = append(c.payloads, payload.([]byte))
	return fakeToken{}
}

func (c *fakeClient) Subscribe(topic string, qos byte, cb mqtt.MessageHandler) mqtt.Token {
	return fakeToken{}
}

func (c *fakeClient) Unsubscribe(topics ...string) mqtt.Token { return fakeToken{} }
func (c *fakeClient) IsConnected() bool                       { return true }

func (c *fakeClient) lastAck(t *testing.T) Response {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.payloads) == 0 {
		t.Fatal("no ack published")
	}
	var resp Response
	if err := json.Unmarshal(c.payloads[len(c.payloads)-1], &resp); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	return resp
}

func newTestHandler(cb Callbacks) (*Handler, *fakeClient) {
	client := &fakeClient{}
	h := NewHandler(client, "proximeter/lab-1/control", 1, cb, zerolog.Nop())
	return h, client
}

func TestGetStatusCommand(t *testing.T) {
	h, client := newTestHandler(Callbacks{
		OnGetStatus: func() map[string]interface{} {
			return map[string]interface{}{"streams": 2}
		},
	})

	h.handle(context.Background(), Command{Command: "get_status"})

	resp := client.lastAck(t)
	if resp.Status != "success" || resp.CommandAck != "get_status" {
		t.Fatalf("ack = %+v", resp)
	}
	if resp.Data["streams"] != float64(2) {
		t.Errorf("data = %v", resp.Data)
	}
}

func TestPauseResumeTrackState(t *testing.T) {
	var paused, resumed bool
	h, client := newTestHandler(Callbacks{
		OnPause:  func() error { paused = true; return nil },
		OnResume: func() error { resumed = true; return nil },
	})

	h.handle(context.Background(), Command{Command: "pause"})
	if !paused || !h.Paused() {
		t.Fatal("pause not applied")
	}
	if resp := client.lastAck(t); resp.Data["inference_active"] != false {
		t.Errorf("pause ack = %+v", resp)
	}

	h.handle(context.Background(), Command{Command: "resume"})
	if !resumed || h.Paused() {
		t.Fatal("resume not applied")
	}
}

func TestSwitchModelDecodesParams(t *testing.T) {
	var got types.ModelHandle
	h, client := newTestHandler(Callbacks{
		OnSwitchModel: func(_ context.Context, handle types.ModelHandle) error {
			got = handle
			return nil
		},
	})

	h.handle(context.Background(), Command{
		Command: "switch_model",
		Params: map[string]interface{}{
			"id": "yolov8s", "path": "/models/yolov8s.onnx",
			"input_size": 640, "backend": "cuda",
		},
	})

	if resp := client.lastAck(t); resp.Status != "success" {
		t.Fatalf("ack = %+v", resp)
	}
	if got.ID != "yolov8s" || got.InputSize != 640 || got.Backend != "cuda" {
		t.Errorf("handle = %+v", got)
	}
}

func TestSwitchModelRejectsIncomplete(t *testing.T) {
	h, client := newTestHandler(Callbacks{
		OnSwitchModel: func(context.Context, types.ModelHandle) error {
			t.Fatal("callback must not run for invalid params")
			return nil
		},
	})

	h.handle(context.Background(), Command{
		Command: "switch_model",
		Params:  map[string]interface{}{"id": "yolov8s"},
	})

	if resp := client.lastAck(t); resp.Status != "error" {
		t.Fatalf("ack = %+v", resp)
	}
}

func TestUpdateStreamValidates(t *testing.T) {
	var got types.StreamConfig
	h, client := newTestHandler(Callbacks{
		OnUpdateStream: func(cfg types.StreamConfig) error { got = cfg; return nil },
	})

	h.handle(context.Background(), Command{
		Command: "update_stream",
		Params: map[string]interface{}{
			"id": "cam2", "rtsp_url": "rtsp://cam2/stream",
			"target_fps": 4, "enabled": true,
		},
	})
	if resp := client.lastAck(t); resp.Status != "success" {
		t.Fatalf("ack = %+v", resp)
	}
	if got.ID != "cam2" || got.TargetFPS != 4 {
		t.Errorf("snapshot = %+v", got)
	}

	// Over the rate cap: rejected before the callback runs.
	h.handle(context.Background(), Command{
		Command: "update_stream",
		Params: map[string]interface{}{
			"id": "cam3", "rtsp_url": "rtsp://cam3/stream", "target_fps": 30,
		},
	})
	if resp := client.lastAck(t); resp.Status != "error" {
		t.Fatalf("ack = %+v", resp)
	}
	if got.ID == "cam3" {
		t.Error("invalid stream reached callback")
	}
}

func TestRemoveStreamRequiresID(t *testing.T) {
	var removed string
	h, client := newTestHandler(Callbacks{
		OnRemoveStream: func(id string) error { removed = id; return nil },
	})

	h.handle(context.Background(), Command{Command: "remove_stream", Params: map[string]interface{}{}})
	if resp := client.lastAck(t); resp.Status != "error" {
		t.Fatalf("ack = %+v", resp)
	}

	h.handle(context.Background(), Command{
		Command: "remove_stream",
		Params:  map[string]interface{}{"stream_id": "cam1"},
	})
	if resp := client.lastAck(t); resp.Status != "success" {
		t.Fatalf("ack = %+v", resp)
	}
	if removed != "cam1" {
		t.Errorf("removed = %q", removed)
	}
}

func TestUnknownCommand(t *testing.T) {
	h, client := newTestHandler(Callbacks{})
	h.handle(context.Background(), Command{Command: "reboot_universe"})
	if resp := client.lastAck(t); resp.Status != "error" {
		t.Fatalf("ack = %+v", resp)
	}
}
