package geometry

import (
	"fmt"
	"math"
)

// Point is a zero-extent Shape.
type Point struct {
	Coords []float64
}

// NewPoint copies coords into a new Point.
func NewPoint(coords ...float64) Point {
	return Point{Coords: cloneCoords(coords)}
}

func (p Point) Dimension() int { return len(p.Coords) }

func (p Point) MBR() Region {
	return Region{Low: cloneCoords(p.Coords), High: cloneCoords(p.Coords)}
}

func (p Point) ContainsPoint(q Point) bool {
	return coordsEqual(p.Coords, q.Coords)
}

// Contains is true only for shapes that collapse onto the point itself.
func (p Point) Contains(other Shape) bool {
	return p.MBR().Contains(other) && other.MBR().Contains(p)
}

func (p Point) Intersects(other Shape) bool {
	return other.MBR().ContainsPoint(p)
}

func (p Point) Area() float64 { return 0 }

func (p Point) Center() Point { return p }

func (p Point) MinimumDistance(other Shape) float64 {
	return p.MBR().MinimumDistance(other)
}

// Distance is the Euclidean distance between two points.
func (p Point) Distance(q Point) float64 {
	if len(p.Coords) != len(q.Coords) {
		return math.Inf(1)
	}
	sum := 0.0
	for i := range p.Coords {
		d := p.Coords[i] - q.Coords[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

func (p Point) Equal(other Shape) bool {
	o, ok := other.(Point)
	return ok && coordsEqual(p.Coords, o.Coords)
}

func (p Point) String() string {
	return fmt.Sprintf("Point(%s)", formatCoords(p.Coords))
}
