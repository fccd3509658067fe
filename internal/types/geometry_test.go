package types

import "testing"

func TestContainsSquare(t *testing.T) {
	z := Zone{Polygon: []Point{{0, 0}, {10, 0}, {10, 10}, {0, 10}}}

	cases := []struct {
		name string
		p    Point
		want bool
	}{
		{"center", Point{5, 5}, true},
		{"outside right", Point{11, 5}, false},
		{"outside diagonal", Point{-1, -1}, false},
		{"on bottom edge", Point{5, 0}, true},
		{"on right edge", Point{10, 5}, true},
		{"vertex", Point{0, 0}, true},
		{"vertex far", Point{10, 10}, true},
		{"just inside", Point{9.999, 9.999}, true},
		{"just outside", Point{10.001, 5}, false},
	}
	for _, tc := range cases {
		if got := z.Contains(tc.p); got != tc.want {
			t.Errorf("%s: Contains(%v) = %v, want %v", tc.name, tc.p, got, tc.want)
		}
	}
}

func TestContainsConcavePolygon(t *testing.T) {
	// L-shape: the notch at the top right is outside.
	z := Zone{Polygon: []Point{
		{0, 0}, {10, 0}, {10, 5}, {5, 5}, {5, 10}, {0, 10},
	}}

	if !z.Contains(Point{2, 8}) {
		t.Error("point in the vertical arm should be inside")
	}
	if !z.Contains(Point{8, 2}) {
		t.Error("point in the horizontal arm should be inside")
	}
	if z.Contains(Point{8, 8}) {
		t.Error("point in the notch should be outside")
	}
}

func TestContainsTriangle(t *testing.T) {
	z := Zone{Polygon: []Point{{0, 0}, {10, 0}, {5, 10}}}
	if !z.Contains(Point{5, 3}) {
		t.Error("centroid-ish point should be inside")
	}
	if z.Contains(Point{1, 9}) {
		t.Error("point outside the hypotenuse should be outside")
	}
	if !z.Contains(Point{5, 0}) {
		t.Error("point on the base edge should be inside")
	}
}

func TestContainsDegeneratePolygon(t *testing.T) {
	z := Zone{Polygon: []Point{{0, 0}, {10, 10}}}
	if z.Contains(Point{5, 5}) {
		t.Error("a two-point polygon contains nothing")
	}
}

func TestDistanceTo(t *testing.T) {
	if d := (Point{0, 0}).DistanceTo(Point{3, 4}); d != 5 {
		t.Errorf("expected 5, got %v", d)
	}
}

func TestBBoxCenterArea(t *testing.T) {
	b := BBox{X: 4, Y: -1, W: 2, H: 2}
	c := b.Center()
	if c.X != 5 || c.Y != 0 {
		t.Errorf("center = %v, want (5,0)", c)
	}
	if b.Area() != 4 {
		t.Errorf("area = %v, want 4", b.Area())
	}
}

func TestFrameBudget(t *testing.T) {
	c := StreamConfig{TargetFPS: 5}
	if got := c.FrameBudget().Milliseconds(); got != 200 {
		t.Errorf("budget at 5fps = %dms, want 200ms", got)
	}
	c.TargetFPS = 0
	if c.FrameBudget() <= 0 {
		t.Error("zero fps must still yield a positive budget")
	}
}
