// Package control implements the MQTT control plane: a JSON command topic
// and an acknowledgment topic for remote operation of the daemon.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-viper/mapstructure/v2"
	"github.com/rs/zerolog"

	"github.com/clsferguson/proximeter/internal/config"
	"github.com/clsferguson/proximeter/internal/types"
)

// Command is a control plane request.
type Command struct {
	Command string                 `json:"command"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// Response acknowledges a command.
type Response struct {
	CommandAck string                 `json:"command_ack"`
	Status     string                 `json:"status"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Callbacks wires commands to the rest of the daemon. Nil callbacks answer
// "not implemented".
type Callbacks struct {
	OnGetStatus    func() map[string]interface{}
	OnPause        func() error
	OnResume       func() error
	OnSwitchModel  func(ctx context.Context, handle types.ModelHandle) error
	OnUpdateStream func(cfg types.StreamConfig) error
	OnRemoveStream func(id string) error
	OnShutdown     func() error
}

// Handler subscribes to the control topic and dispatches commands serially.
type Handler struct {
	log    zerolog.Logger
	client mqtt.Client

	controlTopic string
	ackTopic     string
	qos          byte

	commands  chan Command
	callbacks Callbacks

	mu     sync.Mutex
	paused bool
}

// NewHandler creates a control plane handler. Call Start to subscribe.
func NewHandler(client mqtt.Client, controlTopic string, qos byte, cb Callbacks, log zerolog.Logger) *Handler {
	return &Handler{
		log:          log.With().Str("component", "control").Logger(),
		client:       client,
		controlTopic: controlTopic,
		ackTopic:     controlTopic + "/ack",
		qos:          qos,
		commands:     make(chan Command, 10),
		callbacks:    cb,
	}
}

// Start subscribes to the control topic and launches the dispatch loop.
func (h *Handler) Start(ctx context.Context) error {
	token := h.client.Subscribe(h.controlTopic, h.qos, h.onMessage)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control subscription timeout on %s", h.controlTopic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control subscription failed: %w", err)
	}

	h.log.Info().Str("topic", h.controlTopic).Msg("control plane listening")
	go h.dispatch(ctx)
	return nil
}

// Stop unsubscribes and stops the dispatch loop.
func (h *Handler) Stop() {
	if h.client != nil && h.client.IsConnected() {
		h.client.Unsubscribe(h.controlTopic).Wait()
	}
	close(h.commands)
}

// Paused reports whether inference has been paused via the control plane.
func (h *Handler) Paused() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.paused
}

func (h *Handler) onMessage(_ mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		h.log.Error().Err(err).Msg("unparseable control command")
		h.respond(Response{CommandAck: "unknown", Status: "error", Error: "invalid JSON"})
		return
	}

	select {
	case h.commands <- cmd:
	default:
		h.log.Warn().Str("command", cmd.Command).Msg("command queue full, dropping")
	}
}

func (h *Handler) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-h.commands:
			if !ok {
				return
			}
			h.handle(ctx, cmd)
		}
	}
}

func (h *Handler) handle(ctx context.Context, cmd Command) {
	h.log.Info().Str("command", cmd.Command).Msg("control command")

	resp := Response{CommandAck: cmd.Command, Status: "success"}

	switch cmd.Command {
	case "get_status":
		if h.callbacks.OnGetStatus == nil {
			resp = errResponse(cmd, "get_status not implemented")
			break
		}
		resp.Data = h.callbacks.OnGetStatus()

	case "pause":
		if h.callbacks.OnPause == nil {
			resp = errResponse(cmd, "pause not implemented")
			break
		}
		if err := h.callbacks.OnPause(); err != nil {
			resp = errResponse(cmd, err.Error())
			break
		}
		h.mu.Lock()
		h.paused = true
		h.mu.Unlock()
		resp.Data = map[string]interface{}{"inference_active": false}

	case "resume":
		if h.callbacks.OnResume == nil {
			resp = errResponse(cmd, "resume not implemented")
			break
		}
		if err := h.callbacks.OnResume(); err != nil {
			resp = errResponse(cmd, err.Error())
			break
		}
		h.mu.Lock()
		h.paused = false
		h.mu.Unlock()
		resp.Data = map[string]interface{}{"inference_active": true}

	case "switch_model":
		if h.callbacks.OnSwitchModel == nil {
			resp = errResponse(cmd, "switch_model not implemented")
			break
		}
		var handle types.ModelHandle
		if err := mapstructure.Decode(cmd.Params, &handle); err != nil {
			resp = errResponse(cmd, fmt.Sprintf("invalid model params: %v", err))
			break
		}
		if handle.ID == "" || handle.Path == "" {
			resp = errResponse(cmd, "model id and path are required")
			break
		}
		if err := h.callbacks.OnSwitchModel(ctx, handle); err != nil {
			resp = errResponse(cmd, err.Error())
			break
		}
		resp.Data = map[string]interface{}{"model_id": handle.ID}

	case "update_stream":
		if h.callbacks.OnUpdateStream == nil {
			resp = errResponse(cmd, "update_stream not implemented")
			break
		}
		var sc config.StreamConfig
		if err := mapstructure.Decode(cmd.Params, &sc); err != nil {
			resp = errResponse(cmd, fmt.Sprintf("invalid stream params: %v", err))
			break
		}
		if err := validateStreamParams(&sc); err != nil {
			resp = errResponse(cmd, err.Error())
			break
		}
		if err := h.callbacks.OnUpdateStream(sc.Snapshot()); err != nil {
			resp = errResponse(cmd, err.Error())
			break
		}
		resp.Data = map[string]interface{}{"stream_id": sc.ID}

	case "remove_stream":
		if h.callbacks.OnRemoveStream == nil {
			resp = errResponse(cmd, "remove_stream not implemented")
			break
		}
		id, ok := cmd.Params["stream_id"].(string)
		if !ok || id == "" {
			resp = errResponse(cmd, "missing 'stream_id' parameter")
			break
		}
		if err := h.callbacks.OnRemoveStream(id); err != nil {
			resp = errResponse(cmd, err.Error())
			break
		}
		resp.Data = map[string]interface{}{"stream_id": id, "removed": true}

	case "shutdown":
		if h.callbacks.OnShutdown == nil {
			resp = errResponse(cmd, "shutdown not implemented")
			break
		}
		h.log.Warn().Msg("shutdown requested via control plane")
		resp.Data = map[string]interface{}{"shutdown_initiated": true}
		// Ack first, then shut down, so the caller sees the response.
		h.respond(resp)
		go func() {
			time.Sleep(500 * time.Millisecond)
			if err := h.callbacks.OnShutdown(); err != nil {
				h.log.Error().Err(err).Msg("shutdown callback failed")
			}
		}()
		return

	default:
		resp = errResponse(cmd, fmt.Sprintf("unknown command: %s", cmd.Command))
	}

	h.respond(resp)
}

func errResponse(cmd Command, msg string) Response {
	return Response{CommandAck: cmd.Command, Status: "error", Error: msg}
}

func (h *Handler) respond(resp Response) {
	resp.Timestamp = time.Now().UTC()

	payload, err := json.Marshal(resp)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to marshal ack")
		return
	}

	token := h.client.Publish(h.ackTopic, h.qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		h.log.Error().Msg("ack publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		h.log.Error().Err(err).Msg("ack publish failed")
	}
}

// validateStreamParams applies the same constraints as the config loader to
// a stream delivered over the control plane.
func validateStreamParams(s *config.StreamConfig) error {
	tmp := &config.Config{
		InstanceID: "control",
		Model:      config.ModelConfig{ID: "m", Path: "p", Command: []string{"c"}},
		Streams:    []config.StreamConfig{*s},
	}
	if err := config.Validate(tmp); err != nil {
		return err
	}
	*s = tmp.Streams[0]
	return nil
}
