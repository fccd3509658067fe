// Package metrics exposes pipeline counters and gauges for Prometheus scrape.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all pipeline metrics. Counters are mutated only by the
// owning component; the external collector reads them via /metrics.
type Collector struct {
	registry *prometheus.Registry

	FramesProcessed *prometheus.CounterVec
	FramesSkipped   *prometheus.CounterVec
	InferenceTime   prometheus.Histogram
	QueueDepth      prometheus.Gauge
	StreamUp        *prometheus.GaugeVec
	EventsPublished *prometheus.CounterVec
	EventsDropped   *prometheus.CounterVec
	SSESubscribers  prometheus.Gauge
	ModelInfo       *prometheus.GaugeVec
	Reconnects      *prometheus.CounterVec
}

// Skip reasons for the frames_skipped counter.
const (
	SkipReasonRateCap  = "rate_cap"
	SkipReasonDeadline = "deadline"
	SkipReasonEvicted  = "evicted"
	SkipReasonEngine   = "engine_down"
	SkipReasonDecode   = "decode"
)

// New creates a collector with its own registry.
func New() *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.FramesProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "proximeter_frames_processed_total",
		Help: "Frames fully scored, per stream",
	}, []string{"stream_id"})

	c.FramesSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "proximeter_frames_skipped_total",
		Help: "Frames shed by the backpressure policy, per stream and reason",
	}, []string{"stream_id", "reason"})

	c.InferenceTime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "proximeter_inference_duration_seconds",
		Help:    "Wall time of one inference call",
		Buckets: []float64{.01, .025, .05, .1, .2, .4, .8, 1.6},
	})

	c.QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "proximeter_inference_queue_depth",
		Help: "Pending requests across all stream mailboxes",
	})

	c.StreamUp = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "proximeter_stream_up",
		Help: "1 while the stream supervisor is in Running state",
	}, []string{"stream_id"})

	c.EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "proximeter_events_published_total",
		Help: "Score events delivered, per sink",
	}, []string{"sink"})

	c.EventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "proximeter_events_dropped_total",
		Help: "Score events shed by slow sinks, per sink",
	}, []string{"sink"})

	c.SSESubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "proximeter_sse_subscribers",
		Help: "Currently connected SSE subscribers",
	})

	c.ModelInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "proximeter_model_info",
		Help: "1 for the active model handle",
	}, []string{"model_id", "backend"})

	c.Reconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "proximeter_stream_reconnects_total",
		Help: "Reconnect attempts per stream",
	}, []string{"stream_id"})

	c.registry.MustRegister(
		c.FramesProcessed, c.FramesSkipped, c.InferenceTime, c.QueueDepth,
		c.StreamUp, c.EventsPublished, c.EventsDropped, c.SSESubscribers,
		c.ModelInfo, c.Reconnects,
	)
	return c
}

// Registry returns the underlying registry for the /metrics handler.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
