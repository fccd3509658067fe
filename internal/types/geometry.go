package types

import "math"

// Point is a 2-D point. For polygons and targets it is in the same pixel
// coordinate space as the frame; for normalized coordinates it is in
// [0,1]x[0,1].
type Point struct {
	X float64 `json:"x" mapstructure:"x"`
	Y float64 `json:"y" mapstructure:"y"`
}

// DistanceTo returns the Euclidean distance to another point.
func (p Point) DistanceTo(q Point) float64 {
	return math.Hypot(p.X-q.X, p.Y-q.Y)
}

const onEdgeEpsilon = 1e-9

// Contains reports whether p lies inside the zone polygon. Points exactly on
// an edge or vertex count as inside.
func (z Zone) Contains(p Point) bool {
	n := len(z.Polygon)
	if n < 3 {
		return false
	}

	// Boundary check first: ray casting is unreliable exactly on edges.
	for i := 0; i < n; i++ {
		if onSegment(p, z.Polygon[i], z.Polygon[(i+1)%n]) {
			return true
		}
	}

	// Standard even-odd ray cast.
	inside := false
	j := n - 1
	for i := 0; i < n; i++ {
		a, b := z.Polygon[i], z.Polygon[j]
		if (a.Y > p.Y) != (b.Y > p.Y) {
			x := (b.X-a.X)*(p.Y-a.Y)/(b.Y-a.Y) + a.X
			if p.X < x {
				inside = !inside
			}
		}
		j = i
	}
	return inside
}

// onSegment reports whether p lies on the segment ab.
func onSegment(p, a, b Point) bool {
	cross := (b.X-a.X)*(p.Y-a.Y) - (b.Y-a.Y)*(p.X-a.X)
	if math.Abs(cross) > onEdgeEpsilon*math.Max(1, math.Max(math.Abs(b.X-a.X), math.Abs(b.Y-a.Y))) {
		return false
	}
	if p.X < math.Min(a.X, b.X)-onEdgeEpsilon || p.X > math.Max(a.X, b.X)+onEdgeEpsilon {
		return false
	}
	if p.Y < math.Min(a.Y, b.Y)-onEdgeEpsilon || p.Y > math.Max(a.Y, b.Y)+onEdgeEpsilon {
		return false
	}
	return true
}
