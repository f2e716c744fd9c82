package coverage

import (
	"encoding/binary"
	"math"
	"slices"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/sushant-115/gojogrid/core/geometry"
)

// Coverage is a raster of samples laid over an envelope, row by row. Coverages are
// treated as immutable once handed to a cache.
type Coverage struct {
	Name     string
	Envelope geometry.Region
	Width    int
	Height   int
	Samples  []float64
}

// SampleAt returns the sample of the cell containing p, or false when p lies outside
// the envelope.
func (c *Coverage) SampleAt(p geometry.Point) (float64, bool) {
	if c.Width <= 0 || c.Height <= 0 || c.Envelope.Dimension() != 2 || !c.Envelope.ContainsPoint(p) {
		return 0, false
	}
	if c.Envelope.Extent(0) == 0 || c.Envelope.Extent(1) == 0 {
		return 0, false
	}
	col := int(float64(c.Width) * (p.Coords[0] - c.Envelope.Low[0]) / c.Envelope.Extent(0))
	row := int(float64(c.Height) * (p.Coords[1] - c.Envelope.Low[1]) / c.Envelope.Extent(1))
	col, row = min(max(col, 0), c.Width-1), min(max(row, 0), c.Height-1)
	i := row*c.Width + col
	if i >= len(c.Samples) {
		return 0, false
	}
	return c.Samples[i], true
}

// CoverageEquivalence compares coverages field by field. Coordinates and samples
// are compared exactly so that equal coverages always hash alike.
type CoverageEquivalence struct{}

func (CoverageEquivalence) Hash(c *Coverage) uint64 {
	d := xxhash.New()
	var buf [8]byte
	putFloats := func(fs []float64) {
		binary.LittleEndian.PutUint64(buf[:], uint64(len(fs)))
		_, _ = d.Write(buf[:])
		for _, f := range fs {
			binary.LittleEndian.PutUint64(buf[:], math.Float64bits(f))
			_, _ = d.Write(buf[:])
		}
	}
	_, _ = d.WriteString(c.Name)
	binary.LittleEndian.PutUint32(buf[:4], uint32(c.Width))
	binary.LittleEndian.PutUint32(buf[4:], uint32(c.Height))
	_, _ = d.Write(buf[:])
	putFloats(c.Envelope.Low)
	putFloats(c.Envelope.High)
	putFloats(c.Samples)
	return d.Sum64()
}

func (CoverageEquivalence) Equal(a, b *Coverage) bool {
	return a.Name == b.Name &&
		a.Width == b.Width &&
		a.Height == b.Height &&
		bitsEqual(a.Envelope.Low, b.Envelope.Low) &&
		bitsEqual(a.Envelope.High, b.Envelope.High) &&
		bitsEqual(a.Samples, b.Samples)
}

// bitsEqual matches Hash: NaN equals NaN and 0 differs from -0.
func bitsEqual(a, b []float64) bool {
	return slices.EqualFunc(a, b, func(x, y float64) bool {
		return math.Float64bits(x) == math.Float64bits(y)
	})
}

var defaultCache = sync.OnceValue(func() *Cache[Coverage] {
	return New[Coverage](CoverageEquivalence{})
})

// Default returns the process-wide coverage cache. It lives until the process exits
// and must not be closed.
func Default() *Cache[Coverage] { return defaultCache() }
