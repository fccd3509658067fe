package scorer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clsferguson/proximeter/internal/types"
)

func squareZone(id string) types.Zone {
	return types.Zone{
		ID: id,
		Polygon: []types.Point{
			{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 10, Y: 10}, {X: 0, Y: 10},
		},
		Target:  &types.Point{X: 5, Y: 5},
		Metrics: types.MetricSet{Distance: true, Coordinates: true, Size: true},
	}
}

func testConfig() types.StreamConfig {
	return types.StreamConfig{
		ID:            "cam1",
		Zones:         []types.Zone{squareZone("door")},
		EnabledLabels: []string{"person"},
		MinConfidence: 0.5,
	}
}

func frame10x10() FrameInfo {
	return FrameInfo{Seq: 1, Timestamp: time.Unix(1000, 0), Width: 10, Height: 10}
}

func TestScenarioSquareZoneMetrics(t *testing.T) {
	// Zone [0,0]-[10,10], target (5,5), bbox centered at (5,0) in a 10x10
	// frame: distance 5.0, normalized coordinates (0.5, 0.0), size area/100.
	det := types.Detection{
		ClassName:  "person",
		Confidence: 0.8,
		Box:        types.BBox{X: 4, Y: -1, W: 2, H: 2}, // center (5,0)
	}

	events := Score(testConfig(), frame10x10(), []types.Detection{det})
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, "door", ev.ZoneID)
	assert.Equal(t, "cam1", ev.StreamID)
	require.NotNil(t, ev.Distance)
	assert.InDelta(t, 5.0, *ev.Distance, 1e-9)
	require.NotNil(t, ev.Coordinates)
	assert.InDelta(t, 0.5, ev.Coordinates.X, 1e-9)
	assert.InDelta(t, 0.0, ev.Coordinates.Y, 1e-9)
	require.NotNil(t, ev.Size)
	assert.InDelta(t, 4.0/100.0, *ev.Size, 1e-9)
}

func TestLabelAllowList(t *testing.T) {
	dets := []types.Detection{
		{ClassName: "person", Confidence: 0.8, Box: types.BBox{X: 4, Y: 4, W: 2, H: 2}},
		{ClassName: "car", Confidence: 0.9, Box: types.BBox{X: 4, Y: 4, W: 2, H: 2}},
	}
	events := Score(testConfig(), frame10x10(), dets)
	require.Len(t, events, 1)
	assert.Equal(t, "person", events[0].ObjectClass)
}

func TestConfidenceThresholdIsInclusive(t *testing.T) {
	cfg := testConfig()

	atThreshold := types.Detection{ClassName: "person", Confidence: 0.5, Box: types.BBox{X: 4, Y: 4, W: 2, H: 2}}
	below := types.Detection{ClassName: "person", Confidence: 0.5 - 1e-9, Box: types.BBox{X: 4, Y: 4, W: 2, H: 2}}

	assert.Len(t, Score(cfg, frame10x10(), []types.Detection{atThreshold}), 1,
		"confidence equal to the threshold must pass")
	assert.Empty(t, Score(cfg, frame10x10(), []types.Detection{below}),
		"confidence below the threshold must be rejected")
}

func TestCenterOnZoneEdgeIsInside(t *testing.T) {
	det := types.Detection{
		ClassName:  "person",
		Confidence: 0.8,
		Box:        types.BBox{X: 9, Y: 4, W: 2, H: 2}, // center (10,5), on right edge
	}
	events := Score(testConfig(), frame10x10(), []types.Detection{det})
	assert.Len(t, events, 1, "a center exactly on the edge counts as inside")
}

func TestCenterOutsideAllZonesScoresNothing(t *testing.T) {
	det := types.Detection{
		ClassName:  "person",
		Confidence: 0.8,
		Box:        types.BBox{X: 14, Y: 4, W: 2, H: 2}, // center (15,5)
	}
	assert.Empty(t, Score(testConfig(), frame10x10(), []types.Detection{det}))
}

func TestOverlappingZonesScoreIndependently(t *testing.T) {
	cfg := testConfig()
	second := squareZone("hallway")
	cfg.Zones = append(cfg.Zones, second)

	det := types.Detection{ClassName: "person", Confidence: 0.8, Box: types.BBox{X: 4, Y: 4, W: 2, H: 2}}
	events := Score(cfg, frame10x10(), []types.Detection{det})
	require.Len(t, events, 2)
	assert.NotEqual(t, events[0].ZoneID, events[1].ZoneID)
}

func TestMetricsFollowZoneEnablement(t *testing.T) {
	cfg := testConfig()
	cfg.Zones[0].Metrics = types.MetricSet{Coordinates: true}

	det := types.Detection{ClassName: "person", Confidence: 0.8, Box: types.BBox{X: 4, Y: 4, W: 2, H: 2}}
	events := Score(cfg, frame10x10(), []types.Detection{det})
	require.Len(t, events, 1)
	assert.Nil(t, events[0].Distance)
	assert.Nil(t, events[0].Size)
	assert.NotNil(t, events[0].Coordinates)
}

func TestDistanceSkippedWithoutTarget(t *testing.T) {
	cfg := testConfig()
	cfg.Zones[0].Target = nil

	det := types.Detection{ClassName: "person", Confidence: 0.8, Box: types.BBox{X: 4, Y: 4, W: 2, H: 2}}
	events := Score(cfg, frame10x10(), []types.Detection{det})
	require.Len(t, events, 1)
	assert.Nil(t, events[0].Distance)
}

func TestScoringIsIdempotent(t *testing.T) {
	cfg := testConfig()
	dets := []types.Detection{
		{ClassName: "person", Confidence: 0.8, Box: types.BBox{X: 4, Y: 4, W: 2, H: 2}},
		{ClassName: "person", Confidence: 0.6, Box: types.BBox{X: 1, Y: 1, W: 2, H: 2}},
	}

	first := Score(cfg, frame10x10(), dets)
	second := Score(cfg, frame10x10(), dets)
	assert.Equal(t, first, second)
}
