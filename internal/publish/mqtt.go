package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/clsferguson/proximeter/internal/metrics"
	"github.com/clsferguson/proximeter/internal/types"
)

// MQTTConfig configures the optional broker sink.
type MQTTConfig struct {
	Broker     string
	ClientID   string
	EventTopic string // events go to {EventTopic}/{stream_id}
	QoS        byte
	Buffer     int
}

// MQTTSink delivers score events to a broker, best effort. Enqueue never
// blocks: events queue into a bounded channel drained by Run, and the oldest
// is shed when the broker falls behind. A broker outage is logged and
// retried by paho's auto-reconnect; it never stalls SSE delivery or scoring.
type MQTTSink struct {
	cfg    MQTTConfig
	log    zerolog.Logger
	met    *metrics.Collector
	client mqtt.Client

	queue     chan types.ScoreEvent
	connected atomic.Bool
	published atomic.Uint64
	errors    atomic.Uint64
}

// NewMQTTSink creates the sink. Connect before Run.
func NewMQTTSink(cfg MQTTConfig, log zerolog.Logger, met *metrics.Collector) *MQTTSink {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	return &MQTTSink{
		cfg:   cfg,
		log:   log.With().Str("component", "mqtt").Logger(),
		met:   met,
		queue: make(chan types.ScoreEvent, cfg.Buffer),
	}
}

// Connect establishes the broker session with auto-reconnect. A failed
// first connect is not fatal: paho keeps retrying in the background.
func (s *MQTTSink) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.cfg.Broker)
	opts.SetClientID(s.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		s.connected.Store(true)
		s.log.Info().Str("broker", s.cfg.Broker).Msg("mqtt connected")
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		s.connected.Store(false)
		s.log.Warn().Err(err).Msg("mqtt connection lost, auto-reconnecting")
	}

	s.client = mqtt.NewClient(opts)

	token := s.client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		s.log.Warn().Str("broker", s.cfg.Broker).Msg("mqtt connect pending, continuing in background")
		return nil
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	s.connected.Store(true)
	return nil
}

// Client exposes the broker session for the control plane.
func (s *MQTTSink) Client() mqtt.Client {
	return s.client
}

// Connected reports broker reachability.
func (s *MQTTSink) Connected() bool {
	return s.connected.Load()
}

// Enqueue queues one event for delivery without blocking.
func (s *MQTTSink) Enqueue(ev types.ScoreEvent) {
	select {
	case s.queue <- ev:
		return
	default:
	}
	// Queue full: shed the oldest event, keep the freshest.
	select {
	case <-s.queue:
		s.met.EventsDropped.WithLabelValues("mqtt").Inc()
	default:
	}
	select {
	case s.queue <- ev:
	default:
		s.met.EventsDropped.WithLabelValues("mqtt").Inc()
	}
}

// Run drains the queue until ctx is done. Blocks; call from a goroutine.
func (s *MQTTSink) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.queue:
			s.publish(ev)
		}
	}
}

func (s *MQTTSink) publish(ev types.ScoreEvent) {
	if !s.connected.Load() {
		s.errors.Add(1)
		s.met.EventsDropped.WithLabelValues("mqtt").Inc()
		return
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		s.errors.Add(1)
		s.log.Error().Err(err).Msg("failed to marshal score event")
		return
	}

	topic := fmt.Sprintf("%s/%s", s.cfg.EventTopic, ev.StreamID)
	token := s.client.Publish(topic, s.cfg.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		s.errors.Add(1)
		s.log.Warn().Str("topic", topic).Msg("mqtt publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		s.errors.Add(1)
		s.log.Warn().Err(err).Str("topic", topic).Msg("mqtt publish failed")
		return
	}

	s.published.Add(1)
	s.met.EventsPublished.WithLabelValues("mqtt").Inc()
}

// Stats returns delivery counters.
func (s *MQTTSink) Stats() (published, errors uint64) {
	return s.published.Load(), s.errors.Load()
}

// Disconnect closes the broker session.
func (s *MQTTSink) Disconnect() {
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(250)
		s.log.Info().Msg("mqtt disconnected")
	}
	s.connected.Store(false)
}
