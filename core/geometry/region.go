// Package geometry provides the axis-aligned bounding shapes used as keys by the
// spatial index: n-dimensional regions and points.
package geometry

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// Epsilon is the tolerance used for every coordinate comparison. Bounds closer than
// Epsilon are treated as equal so that shapes sitting exactly on a grid line are not
// missed by a neighbouring cell.
const Epsilon = 1.192092896e-7

var (
	ErrInvalidRegion     = errors.New("invalid region")
	ErrDimensionMismatch = errors.New("dimension mismatch")
)

// Shape is the contract shared by every spatial key. All operations are pure.
type Shape interface {
	Dimension() int
	// MBR returns the minimum bounding region of the shape.
	MBR() Region
	ContainsPoint(p Point) bool
	Contains(other Shape) bool
	Intersects(other Shape) bool
	Area() float64
	Center() Point
	// MinimumDistance is the Euclidean distance between the closest points of the two
	// shapes, zero when they intersect.
	MinimumDistance(other Shape) float64
	Equal(other Shape) bool
	String() string
}

// Region is an axis-aligned bounding extent in N dimensions.
// Invariant: len(Low) == len(High) and Low[i] <= High[i].
type Region struct {
	Low  []float64
	High []float64
}

// NewRegion validates the bounds and returns a Region holding its own copies of them.
func NewRegion(low, high []float64) (Region, error) {
	r := Region{Low: low, High: high}
	if err := r.Validate(); err != nil {
		return Region{}, err
	}
	return Region{Low: cloneCoords(low), High: cloneCoords(high)}, nil
}

// Validate checks the Region invariant. Regions built as literals skip NewRegion
// and are only checked here.
func (r Region) Validate() error {
	if len(r.Low) == 0 {
		return fmt.Errorf("%w: region needs at least one dimension", ErrInvalidRegion)
	}
	if len(r.Low) != len(r.High) {
		return fmt.Errorf("%w: low has %d coordinates, high has %d", ErrDimensionMismatch, len(r.Low), len(r.High))
	}
	for i := range r.Low {
		if math.IsNaN(r.Low[i]) || math.IsNaN(r.High[i]) {
			return fmt.Errorf("%w: NaN coordinate in dimension %d", ErrInvalidRegion, i)
		}
		if r.Low[i] > r.High[i] {
			return fmt.Errorf("%w: low %g > high %g in dimension %d", ErrInvalidRegion, r.Low[i], r.High[i], i)
		}
	}
	return nil
}

// Dimension returns the number of axes of the region.
func (r Region) Dimension() int { return len(r.Low) }

// MBR returns the region itself.
func (r Region) MBR() Region { return r }

// IsEmpty reports whether the region was never initialised.
func (r Region) IsEmpty() bool { return len(r.Low) == 0 }

// ContainsPoint checks whether p lies inside the region, borders included.
func (r Region) ContainsPoint(p Point) bool {
	if len(p.Coords) != r.Dimension() {
		return false
	}
	for i, c := range p.Coords {
		if r.Low[i] > c+Epsilon || c > r.High[i]+Epsilon {
			return false
		}
	}
	return true
}

// Contains checks whether the region fully contains the bounding region of other.
func (r Region) Contains(other Shape) bool {
	o := other.MBR()
	if o.Dimension() != r.Dimension() {
		return false
	}
	for i := range r.Low {
		if r.Low[i] > o.Low[i]+Epsilon || o.High[i] > r.High[i]+Epsilon {
			return false
		}
	}
	return true
}

// Intersects checks whether the two regions share at least one point.
func (r Region) Intersects(other Shape) bool {
	o := other.MBR()
	if o.Dimension() != r.Dimension() {
		return false
	}
	for i := range r.Low {
		if r.Low[i] > o.High[i]+Epsilon || o.Low[i] > r.High[i]+Epsilon {
			return false
		}
	}
	return true
}

// Union returns the minimum bounding region enclosing both shapes.
func (r Region) Union(other Shape) Region {
	o := other.MBR()
	if r.IsEmpty() {
		return Region{Low: cloneCoords(o.Low), High: cloneCoords(o.High)}
	}
	if o.Dimension() != r.Dimension() {
		return r
	}
	u := Region{Low: make([]float64, r.Dimension()), High: make([]float64, r.Dimension())}
	for i := range r.Low {
		u.Low[i] = math.Min(r.Low[i], o.Low[i])
		u.High[i] = math.Max(r.High[i], o.High[i])
	}
	return u
}

// Intersection returns the overlap of the two regions. ok is false when they are disjoint.
func (r Region) Intersection(other Shape) (Region, bool) {
	if !r.Intersects(other) {
		return Region{}, false
	}
	o := other.MBR()
	in := Region{Low: make([]float64, r.Dimension()), High: make([]float64, r.Dimension())}
	for i := range r.Low {
		in.Low[i] = math.Max(r.Low[i], o.Low[i])
		in.High[i] = math.Min(r.High[i], o.High[i])
		if in.Low[i] > in.High[i] {
			// Touching within Epsilon.
			in.High[i] = in.Low[i]
		}
	}
	return in, true
}

// Area returns the n-dimensional volume of the region.
func (r Region) Area() float64 {
	if r.IsEmpty() {
		return 0
	}
	area := 1.0
	for i := range r.Low {
		area *= r.High[i] - r.Low[i]
	}
	return area
}

// Extent returns the length of the region along dimension d.
func (r Region) Extent(d int) float64 { return r.High[d] - r.Low[d] }

// Center returns the centroid of the region.
func (r Region) Center() Point {
	c := make([]float64, r.Dimension())
	for i := range r.Low {
		c[i] = (r.Low[i] + r.High[i]) / 2
	}
	return Point{Coords: c}
}

// MinimumDistance returns the distance between the closest points of the two shapes.
func (r Region) MinimumDistance(other Shape) float64 {
	o := other.MBR()
	if o.Dimension() != r.Dimension() {
		return math.Inf(1)
	}
	sum := 0.0
	for i := range r.Low {
		gap := 0.0
		if o.Low[i] > r.High[i] {
			gap = o.Low[i] - r.High[i]
		} else if r.Low[i] > o.High[i] {
			gap = r.Low[i] - o.High[i]
		}
		sum += gap * gap
	}
	return math.Sqrt(sum)
}

// Equal compares two regions coordinate by coordinate.
func (r Region) Equal(other Shape) bool {
	o, ok := other.(Region)
	if !ok {
		return false
	}
	return coordsEqual(r.Low, o.Low) && coordsEqual(r.High, o.High)
}

func (r Region) String() string {
	return fmt.Sprintf("Region(%s, %s)", formatCoords(r.Low), formatCoords(r.High))
}

func coordsEqual(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if math.Abs(a[i]-b[i]) > Epsilon {
			return false
		}
	}
	return true
}

func cloneCoords(c []float64) []float64 {
	out := make([]float64, len(c))
	copy(out, c)
	return out
}

func formatCoords(c []float64) string {
	parts := make([]string, len(c))
	for i, v := range c {
		parts[i] = fmt.Sprintf("%g", v)
	}
	return "[" + strings.Join(parts, " ") + "]"
}
