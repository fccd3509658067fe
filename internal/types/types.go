package types

import (
	"time"
)

// Frame is a single decoded video frame. Created by the stream source,
// consumed exactly once by the inference engine, then released. Data is
// RGB24, row-major. Data must not be modified after the frame is published.
type Frame struct {
	// StreamID identifies the originating stream
	StreamID string
	// Seq is the monotonic per-stream sequence number
	Seq uint64
	// Timestamp is when the frame was decoded
	Timestamp time.Time
	// Width in pixels
	Width int
	// Height in pixels
	Height int
	// Data contains the raw pixel buffer (RGB24)
	Data []byte
	// TraceID is a unique identifier for tracing a frame across the pipeline
	TraceID string
}

// Detection is one detected object in one frame. Ephemeral: produced by the
// inference backend, consumed by the zone scorer, then discarded.
type Detection struct {
	ClassID    int     `json:"class_id"`
	ClassName  string  `json:"class"`
	Confidence float64 `json:"confidence"`
	Box        BBox    `json:"box"`
}

// BBox is a bounding box in pixel space.
type BBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Center returns the center point of the box.
func (b BBox) Center() Point {
	return Point{X: b.X + b.W/2, Y: b.Y + b.H/2}
}

// Area returns the box area in square pixels.
func (b BBox) Area() float64 {
	return b.W * b.H
}

// MetricSet selects which metrics a zone computes.
type MetricSet struct {
	Distance    bool `json:"distance" mapstructure:"distance"`
	Coordinates bool `json:"coordinates" mapstructure:"coordinates"`
	Size        bool `json:"size" mapstructure:"size"`
}

// Zone is a user-defined polygon region within a camera frame. The polygon is
// validated (simple, >= 3 points) by the configuration collaborator before it
// reaches the pipeline.
type Zone struct {
	ID      string    `json:"id" mapstructure:"id"`
	Polygon []Point   `json:"polygon" mapstructure:"polygon"`
	Target  *Point    `json:"target,omitempty" mapstructure:"target"`
	Metrics MetricSet `json:"metrics" mapstructure:"metrics"`
}

// StreamConfig is the read-only per-stream snapshot held by a running
// supervisor. Updates arrive as whole-snapshot replacements and are applied
// atomically at the next frame boundary.
type StreamConfig struct {
	ID            string   `json:"id" mapstructure:"id"`
	RTSPURL       string   `json:"rtsp_url" mapstructure:"rtsp_url"`
	TargetFPS     float64  `json:"target_fps" mapstructure:"target_fps"`
	Enabled       bool     `json:"enabled" mapstructure:"enabled"`
	Width         int      `json:"width" mapstructure:"width"`
	Height        int      `json:"height" mapstructure:"height"`
	Zones         []Zone   `json:"zones" mapstructure:"zones"`
	EnabledLabels []string `json:"enabled_labels" mapstructure:"enabled_labels"`
	MinConfidence float64  `json:"min_confidence" mapstructure:"min_confidence"`
}

// FrameBudget is the maximum time allowed to process one frame at the
// configured target FPS. It doubles as the inference request deadline.
func (c StreamConfig) FrameBudget() time.Duration {
	if c.TargetFPS <= 0 {
		return time.Second
	}
	return time.Duration(float64(time.Second) / c.TargetFPS)
}

// LabelEnabled reports whether a class name is in the allow-list. An empty
// allow-list enables nothing.
func (c StreamConfig) LabelEnabled(class string) bool {
	for _, l := range c.EnabledLabels {
		if l == class {
			return true
		}
	}
	return false
}

// ModelHandle is an opaque reference to one loadable detection model.
// Exactly one handle is active process-wide; it is swapped, never mutated.
type ModelHandle struct {
	ID        string `json:"id" mapstructure:"id"`
	Path      string `json:"path" mapstructure:"path"`
	InputSize int    `json:"input_size" mapstructure:"input_size"`
	Backend   string `json:"backend" mapstructure:"backend"`
}

// ScoreEvent is one scored object-in-zone observation. It is the only value
// that crosses the pipeline boundary outward and is immutable once built.
type ScoreEvent struct {
	Timestamp   time.Time `json:"timestamp"`
	StreamID    string    `json:"stream_id"`
	ZoneID      string    `json:"zone_id"`
	FrameSeq    uint64    `json:"frame_seq"`
	ObjectClass string    `json:"object_class"`
	Confidence  float64   `json:"confidence"`
	Distance    *float64  `json:"distance,omitempty"`
	Coordinates *Point    `json:"coordinates,omitempty"`
	Size        *float64  `json:"size,omitempty"`
}
