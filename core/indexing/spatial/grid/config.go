package grid

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/sushant-115/gojogrid/core/geometry"
	"github.com/sushant-115/gojogrid/core/indexing/spatial"
	storage "github.com/sushant-115/gojogrid/core/storage_engine"
)

// IndexType is the SpatialIndex.Type tag of the grid.
const IndexType = "grid"

// Property keys understood by the grid.
const (
	KeyCapacity        = "Grid.Capacity"
	KeyUniverseLow     = "Grid.UniverseLow"
	KeyUniverseHigh    = "Grid.UniverseHigh"
	KeyCells           = "Grid.Cells"
	KeyEvictEmptyNodes = "Grid.EvictEmptyNodes"
)

const (
	DefaultCapacity = 100
	// MaxCells bounds the number of cells a grid may have.
	MaxCells = 1 << 20
)

// Config is the typed form of the grid properties.
type Config struct {
	// ID names the index instance. A random UUID is used when empty.
	ID       string
	Universe geometry.Region
	// Capacity is the number of buckets the universe is split into. The actual
	// cell count is rounded up per dimension.
	Capacity int
	// Cells, when set, fixes the number of cells per dimension and overrides
	// Capacity.
	Cells []int
	// EvictEmptyNodes removes a cell node from storage once its last entry is
	// deleted. By default emptied nodes are kept.
	EvictEmptyNodes bool
	// PayloadCodec names a built-in codec (see storage.LookupCodec).
	PayloadCodec string
}

// ConfigFromProperties parses the SpatialIndex.* and Grid.* keys of props.
func ConfigFromProperties(props storage.PropertySet) (Config, error) {
	if t := props.String(spatial.KeyIndexType, IndexType); t != IndexType {
		return Config{}, fmt.Errorf("%w: %q", spatial.ErrUnsupportedIndex, t)
	}
	cfg := Config{
		ID:           props.String(spatial.KeyIndexID, ""),
		PayloadCodec: props.String(spatial.KeyPayloadCodec, ""),
	}
	low, ok, err := props.Floats(KeyUniverseLow)
	if err != nil {
		return Config{}, err
	}
	if !ok {
		return Config{}, fmt.Errorf("%w: %s is required", storage.ErrInvalidConfiguration, KeyUniverseLow)
	}
	high, ok, err := props.Floats(KeyUniverseHigh)
	if err != nil {
		return Config{}, err
	}
	if !ok {
		return Config{}, fmt.Errorf("%w: %s is required", storage.ErrInvalidConfiguration, KeyUniverseHigh)
	}
	if cfg.Universe, err = geometry.NewRegion(low, high); err != nil {
		return Config{}, fmt.Errorf("%w: universe: %v", storage.ErrInvalidConfiguration, err)
	}
	if cfg.Capacity, err = props.Int(KeyCapacity, DefaultCapacity); err != nil {
		return Config{}, err
	}
	if cells, ok, err := props.Floats(KeyCells); err != nil {
		return Config{}, err
	} else if ok {
		cfg.Cells = make([]int, len(cells))
		for i, c := range cells {
			if c != math.Trunc(c) {
				return Config{}, fmt.Errorf("%w: %s must hold integers", storage.ErrInvalidConfiguration, KeyCells)
			}
			cfg.Cells[i] = int(c)
		}
	}
	if cfg.EvictEmptyNodes, err = props.Bool(KeyEvictEmptyNodes, false); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.Universe.IsEmpty() {
		return fmt.Errorf("%w: grid universe is not set", storage.ErrInvalidConfiguration)
	}
	if c.Capacity < 1 || c.Capacity > MaxCells {
		return fmt.Errorf("%w: capacity %d is outside [1, %d]", storage.ErrInvalidConfiguration, c.Capacity, MaxCells)
	}
	if c.Cells != nil {
		if len(c.Cells) != c.Universe.Dimension() {
			return fmt.Errorf("%w: %d cell counts for a %d dimensional universe", storage.ErrInvalidConfiguration, len(c.Cells), c.Universe.Dimension())
		}
		total := 1
		for _, n := range c.Cells {
			if n < 1 {
				return fmt.Errorf("%w: cell count %d must be positive", storage.ErrInvalidConfiguration, n)
			}
			total *= n
			if total > MaxCells {
				return fmt.Errorf("%w: more than %d cells", storage.ErrInvalidConfiguration, MaxCells)
			}
		}
	}
	if _, err := storage.LookupCodec(c.PayloadCodec); err != nil {
		return err
	}
	return nil
}

// Properties is the inverse of ConfigFromProperties.
func (c Config) Properties() storage.PropertySet {
	props := storage.PropertySet{
		spatial.KeyIndexType: IndexType,
		KeyCapacity:          strconv.Itoa(c.Capacity),
		KeyEvictEmptyNodes:   strconv.FormatBool(c.EvictEmptyNodes),
	}
	if c.ID != "" {
		props[spatial.KeyIndexID] = c.ID
	}
	if c.PayloadCodec != "" {
		props[spatial.KeyPayloadCodec] = c.PayloadCodec
	}
	props.SetFloats(KeyUniverseLow, c.Universe.Low)
	props.SetFloats(KeyUniverseHigh, c.Universe.High)
	if c.Cells != nil {
		cells := make([]float64, len(c.Cells))
		for i, n := range c.Cells {
			cells[i] = float64(n)
		}
		props.SetFloats(KeyCells, cells)
	}
	return props
}

// layout maps coordinates to cells. Cells tile the universe exactly: cell i of
// dimension d spans [low + i*width, low + (i+1)*width].
type layout struct {
	universe geometry.Region
	cells    []int
	width    []float64
}

// newLayout splits the universe into roughly capacity cells of equal side length.
// Dimensions with no extent get a single cell.
func newLayout(universe geometry.Region, capacity int, fixed []int) layout {
	dims := universe.Dimension()
	l := layout{universe: universe, cells: make([]int, dims), width: make([]float64, dims)}
	if fixed != nil {
		copy(l.cells, fixed)
	} else {
		volume, active := 1.0, 0
		for d := 0; d < dims; d++ {
			if e := universe.Extent(d); e > geometry.Epsilon {
				volume *= e
				active++
			}
		}
		side := math.Pow(volume/float64(capacity), 1/float64(max(active, 1)))
		for d := 0; d < dims; d++ {
			l.cells[d] = 1
			if e := universe.Extent(d); e > geometry.Epsilon {
				l.cells[d] = max(1, int(math.Ceil(e/side-1e-9)))
			}
		}
		// Rounding up in every dimension can overshoot; shrink the widest first.
		for l.numCells() > MaxCells {
			widest := 0
			for d := range l.cells {
				if l.cells[d] > l.cells[widest] {
					widest = d
				}
			}
			l.cells[widest] = max(1, l.cells[widest]/2)
		}
	}
	for d := 0; d < dims; d++ {
		l.width[d] = universe.Extent(d) / float64(l.cells[d])
	}
	return l
}

func (l layout) numCells() int {
	n := 1
	for _, c := range l.cells {
		n *= c
	}
	return n
}

func (l layout) indexOf(d int, c float64) int {
	if l.width[d] <= 0 {
		return 0
	}
	i := int(math.Floor((c - l.universe.Low[d]) / l.width[d]))
	return min(max(i, 0), l.cells[d]-1)
}

// span returns the inclusive cell ranges overlapping r, widened by Epsilon so a
// shape on a grid line lands in both neighbours. ok is false when r misses the
// universe entirely.
func (l layout) span(r geometry.Region) (lo, hi []int, ok bool) {
	dims := len(l.cells)
	lo, hi = make([]int, dims), make([]int, dims)
	for d := 0; d < dims; d++ {
		if r.High[d] < l.universe.Low[d]-geometry.Epsilon || r.Low[d] > l.universe.High[d]+geometry.Epsilon {
			return nil, nil, false
		}
		lo[d] = l.indexOf(d, r.Low[d]-geometry.Epsilon)
		hi[d] = l.indexOf(d, r.High[d]+geometry.Epsilon)
	}
	return lo, hi, true
}

func (l layout) cellRegion(idx []int) geometry.Region {
	dims := len(l.cells)
	low, high := make([]float64, dims), make([]float64, dims)
	for d := 0; d < dims; d++ {
		low[d] = l.universe.Low[d] + float64(idx[d])*l.width[d]
		high[d] = low[d] + l.width[d]
		if idx[d] == l.cells[d]-1 {
			high[d] = l.universe.High[d]
		}
	}
	return geometry.Region{Low: low, High: high}
}

// forEach calls fn for every cell in [lo, hi], last dimension varying fastest.
// The slice passed to fn is reused between calls.
func (l layout) forEach(lo, hi []int, fn func(idx []int) error) error {
	idx := append([]int(nil), lo...)
	for {
		if err := fn(idx); err != nil {
			return err
		}
		d := len(idx) - 1
		for ; d >= 0; d-- {
			if idx[d] < hi[d] {
				idx[d]++
				break
			}
			idx[d] = lo[d]
		}
		if d < 0 {
			return nil
		}
	}
}

func (l layout) all(fn func(idx []int) error) error {
	hi := make([]int, len(l.cells))
	for d, c := range l.cells {
		hi[d] = c - 1
	}
	return l.forEach(make([]int, len(l.cells)), hi, fn)
}

const (
	rootKey    = "root"
	cellPrefix = "cell:"
)

func cellKey(idx []int) string {
	var b strings.Builder
	b.WriteString(cellPrefix)
	for d, i := range idx {
		if d > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(i))
	}
	return b.String()
}

func parseCellKey(key string) ([]int, bool) {
	rest, ok := strings.CutPrefix(key, cellPrefix)
	if !ok || rest == "" {
		return nil, false
	}
	parts := strings.Split(rest, ",")
	idx := make([]int, len(parts))
	for d, p := range parts {
		i, err := strconv.Atoi(p)
		if err != nil || i < 0 {
			return nil, false
		}
		idx[d] = i
	}
	return idx, true
}
