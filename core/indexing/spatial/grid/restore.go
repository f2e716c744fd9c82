package grid

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/sushant-115/gojogrid/core/geometry"
	"github.com/sushant-115/gojogrid/core/indexing/spatial"
	storage "github.com/sushant-115/gojogrid/core/storage_engine"
	"go.uber.org/zap"
)

// InitializeFromStorage rebuilds a grid from whatever st holds. The universe and
// cell layout come from the root metadata when present and are otherwise derived
// from the stored cell nodes. Counters are always recomputed from the nodes.
//
// Without a root, cells past the last materialized one in each dimension cannot be
// recovered and the universe shrinks to the materialized extent.
func InitializeFromStorage(st storage.Storage, opts ...Option) (*Index, error) {
	if st == nil {
		return nil, fmt.Errorf("%w: storage is required", storage.ErrInvalidConfiguration)
	}
	nodes, err := scanNodes(st)
	if err != nil {
		return nil, err
	}
	var meta *storage.RootMeta
	for _, n := range nodes {
		if n.ID.Key() == rootKey && n.Meta != nil {
			meta = n.Meta
		}
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: storage holds no grid nodes", storage.ErrInvalidConfiguration)
	}

	var cfg Config
	if meta != nil {
		if meta.IndexType != IndexType {
			return nil, fmt.Errorf("%w: storage holds a %q index", spatial.ErrUnsupportedIndex, meta.IndexType)
		}
		cfg = Config{
			ID:           meta.IndexID,
			Universe:     meta.Universe,
			Capacity:     max(meta.Capacity, 1),
			Cells:        meta.Cells,
			PayloadCodec: meta.PayloadCodec,
		}
	} else {
		derived, err := deriveConfig(nodes)
		if err != nil {
			return nil, err
		}
		cfg = derived
	}

	idx, err := New(cfg, st, opts...)
	if err != nil {
		return nil, err
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.recount(nodes, meta)
	if err := idx.writeRootMeta(context.Background()); err != nil {
		return nil, err
	}
	idx.logger.Info("grid rebuilt from storage",
		zap.Bool("had_metadata", meta != nil),
		zap.Ints("cells", idx.layout.cells),
		zap.Uint64("entries", idx.numData.Load()),
		zap.Uint64("nodes", idx.numNodes.Load()))
	return idx, nil
}

func scanNodes(st storage.Storage) ([]*storage.Node, error) {
	var nodes []*storage.Node
	if err := st.Scan(func(n *storage.Node) error {
		nodes = append(nodes, n)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to scan storage: %w", err)
	}
	return nodes, nil
}

// recount sets the counters from the stored nodes. Cell writes are committed
// before the root metadata is, so meta may lag behind them after a crash. The
// next sequence number is raised past every stored one.
func (idx *Index) recount(nodes []*storage.Node, meta *storage.RootMeta) {
	seqs := make(map[uint64]struct{})
	var maxSeq uint64
	numNodes := uint64(0)
	rootInsertions := uint64(0)
	hasRoot := false
	for _, n := range nodes {
		numNodes++
		if n.ID.Key() == rootKey {
			hasRoot = true
		}
		for _, e := range n.Entries {
			if _, dup := seqs[e.Seq]; !dup && n.ID.Key() == rootKey {
				rootInsertions++
			}
			seqs[e.Seq] = struct{}{}
			maxSeq = max(maxSeq, e.Seq)
		}
	}
	if !hasRoot {
		// New just created it.
		numNodes++
	}
	if meta != nil {
		rootInsertions = max(rootInsertions, meta.RootInsertions)
	}
	idx.numData.Store(uint64(len(seqs)))
	idx.numNodes.Store(numNodes)
	idx.rootInsertions.Store(rootInsertions)
	if len(seqs) > 0 {
		idx.nextSeq = max(idx.nextSeq, maxSeq+1)
	}
}

// deriveConfig reconstructs the layout from cell keys and cell regions. The origin
// is a cell's low corner minus its index times its width.
func deriveConfig(nodes []*storage.Node) (Config, error) {
	dims := -1
	var cells []int
	var low, high []float64
	for _, n := range nodes {
		idx, ok := parseCellKey(n.ID.Key())
		if !ok {
			continue
		}
		r := n.ID.Region()
		if dims < 0 {
			dims = len(idx)
			cells = make([]int, dims)
			low, high = make([]float64, dims), make([]float64, dims)
			for d := range low {
				low[d], high[d] = math.Inf(1), math.Inf(-1)
			}
		}
		if len(idx) != dims || r.Dimension() != dims {
			return Config{}, fmt.Errorf("%w: cell %s does not match a %d dimensional grid", storage.ErrInvalidConfiguration, n.ID.Key(), dims)
		}
		for d := 0; d < dims; d++ {
			cells[d] = max(cells[d], idx[d]+1)
			low[d] = min(low[d], r.Low[d]-float64(idx[d])*r.Extent(d))
			high[d] = max(high[d], r.High[d])
		}
	}
	if dims < 0 {
		return Config{}, fmt.Errorf("%w: storage holds neither grid metadata nor cells", storage.ErrInvalidConfiguration)
	}
	universe, err := geometry.NewRegion(low, high)
	if err != nil {
		return Config{}, fmt.Errorf("%w: derived universe: %v", storage.ErrInvalidConfiguration, err)
	}
	total := 1
	for _, c := range cells {
		total *= c
	}
	return Config{Universe: universe, Capacity: min(total, MaxCells), Cells: cells}, nil
}

func (idx *Index) writeRootMeta(ctx context.Context) error {
	root, err := idx.readNode(ctx, idx.rootID)
	if err != nil {
		return err
	}
	if root == nil {
		root = storage.NewNode(idx.rootID, rootLevel)
	}
	return idx.writeNode(ctx, root)
}

// Validate scans the storage and checks the structural invariants of the grid:
// root entries are exactly those not inside the universe, every cell entry is
// replicated into each cell it overlaps and nowhere else, sequence numbers are
// below the next one to hand out, and the counters match the stored nodes.
func (idx *Index) Validate() error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if idx.closed {
		return spatial.ErrIndexClosed
	}

	var problems []string
	report := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}
	replicas := make(map[uint64]int)
	expected := make(map[uint64]int)
	nodes := uint64(0)
	err := idx.store.Scan(func(n *storage.Node) error {
		nodes++
		key := n.ID.Key()
		if key == rootKey {
			if n.Level != rootLevel {
				report("root has level %d", n.Level)
			}
			for _, e := range n.Entries {
				if idx.cfg.Universe.Contains(e.Shape.MBR()) {
					report("root holds entry %d which is inside the universe", e.Seq)
				}
				replicas[e.Seq]++
				expected[e.Seq] = 1
				idx.checkSeq(e, report)
			}
			return nil
		}
		cell, ok := parseCellKey(key)
		if !ok || len(cell) != len(idx.layout.cells) {
			report("unexpected node %q", key)
			return nil
		}
		for d, i := range cell {
			if i >= idx.layout.cells[d] {
				report("cell %s is outside the %v grid", key, idx.layout.cells)
				return nil
			}
		}
		region := idx.layout.cellRegion(cell)
		for _, e := range n.Entries {
			mbr := e.Shape.MBR()
			if !idx.cfg.Universe.Contains(mbr) {
				report("cell %s holds entry %d which is not inside the universe", key, e.Seq)
			} else if !region.Intersects(mbr) {
				report("cell %s holds entry %d which does not overlap it", key, e.Seq)
			}
			replicas[e.Seq]++
			if _, seen := expected[e.Seq]; !seen {
				expected[e.Seq] = idx.spanSize(mbr)
			}
			idx.checkSeq(e, report)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scan storage: %w", err)
	}

	for seq, got := range replicas {
		if want := expected[seq]; got != want {
			report("entry %d has %d replicas, want %d", seq, got, want)
		}
	}
	if n := uint64(len(replicas)); n != idx.numData.Load() {
		report("storage holds %d entries, counter says %d", n, idx.numData.Load())
	}
	if nodes != idx.numNodes.Load() {
		report("storage holds %d nodes, counter says %d", nodes, idx.numNodes.Load())
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", spatial.ErrInvalidIndex, strings.Join(problems, "; "))
	}
	return nil
}

func (idx *Index) checkSeq(e storage.Entry, report func(string, ...any)) {
	if e.Seq >= idx.nextSeq {
		report("entry sequence %d is not below next sequence %d", e.Seq, idx.nextSeq)
	}
}

func (idx *Index) spanSize(mbr geometry.Region) int {
	lo, hi, ok := idx.layout.span(mbr)
	if !ok {
		return 0
	}
	n := 1
	for d := range lo {
		n *= hi[d] - lo[d] + 1
	}
	return n
}

// IsIndexValid is Validate reduced to a boolean. Failures are logged.
func (idx *Index) IsIndexValid() bool {
	if err := idx.Validate(); err != nil {
		idx.logger.Warn("grid index is invalid", zap.Error(err))
		return false
	}
	return true
}
