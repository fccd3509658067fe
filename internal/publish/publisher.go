// Package publish fans score events out to subscribers.
//
// Publish is fire-and-forget: the scoring pipeline never waits on a slow
// subscriber or an unreachable broker. Every sink holds its own bounded
// buffer and sheds the oldest events when it falls behind.
package publish

import (
	"github.com/rs/zerolog"

	"github.com/clsferguson/proximeter/internal/metrics"
	"github.com/clsferguson/proximeter/internal/types"
)

// Publisher fans events out to the SSE broadcaster and, when configured,
// an MQTT sink.
type Publisher struct {
	log  zerolog.Logger
	met  *metrics.Collector
	sse  *Broadcaster
	mqtt *MQTTSink // nil when the sink is disabled
}

// New creates a publisher. mqtt may be nil.
func New(sse *Broadcaster, mqtt *MQTTSink, log zerolog.Logger, met *metrics.Collector) *Publisher {
	return &Publisher{
		log:  log.With().Str("component", "publisher").Logger(),
		met:  met,
		sse:  sse,
		mqtt: mqtt,
	}
}

// Publish delivers one event to every sink. Never blocks.
func (p *Publisher) Publish(ev types.ScoreEvent) {
	p.sse.Broadcast(ev)
	p.met.EventsPublished.WithLabelValues("sse").Inc()

	if p.mqtt != nil {
		p.mqtt.Enqueue(ev)
	}
}

// Broadcaster returns the SSE fan-out for the HTTP surface.
func (p *Publisher) Broadcaster() *Broadcaster {
	return p.sse
}
