// Package scorer turns raw detections into zone score events.
//
// Zone membership is decided by the bounding-box center point only. A large
// object whose box straddles two zones without its center in either scores
// nothing: center membership is authoritative, a known limitation.
package scorer

import (
	"time"

	"github.com/clsferguson/proximeter/internal/types"
)

// FrameInfo carries the frame context needed for normalization.
type FrameInfo struct {
	Seq       uint64
	Timestamp time.Time
	Width     int
	Height    int
}

// Score filters detections against the stream snapshot and computes the
// enabled metrics per matching zone. Pure: same inputs, same events.
//
// Per detection: reject unlisted labels, reject confidence strictly below
// the threshold (equal passes), test the bbox center against every zone.
// Overlapping zones score independently; one event per matching zone.
func Score(cfg types.StreamConfig, frame FrameInfo, detections []types.Detection) []types.ScoreEvent {
	var events []types.ScoreEvent

	fw := float64(frame.Width)
	fh := float64(frame.Height)

	for _, det := range detections {
		if !cfg.LabelEnabled(det.ClassName) {
			continue
		}
		if det.Confidence < cfg.MinConfidence {
			continue
		}

		center := det.Box.Center()
		for _, zone := range cfg.Zones {
			if !zone.Contains(center) {
				continue
			}

			ev := types.ScoreEvent{
				Timestamp:   frame.Timestamp,
				StreamID:    cfg.ID,
				ZoneID:      zone.ID,
				FrameSeq:    frame.Seq,
				ObjectClass: det.ClassName,
				Confidence:  det.Confidence,
			}

			if zone.Metrics.Distance && zone.Target != nil {
				d := center.DistanceTo(*zone.Target)
				ev.Distance = &d
			}
			if zone.Metrics.Coordinates && fw > 0 && fh > 0 {
				ev.Coordinates = &types.Point{X: center.X / fw, Y: center.Y / fh}
			}
			if zone.Metrics.Size && fw > 0 && fh > 0 {
				s := det.Box.Area() / (fw * fh)
				ev.Size = &s
			}

			events = append(events, ev)
		}
	}
	return events
}
