// Package grid implements a flat grid SpatialIndex. The universe is split into
// equal cells; every cell is a storage node holding the entries whose bounding
// region overlaps it. Entries that do not fit inside the universe live in the
// root node, which also carries the index metadata.
package grid

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sushant-115/gojogrid/core/geometry"
	"github.com/sushant-115/gojogrid/core/indexing/spatial"
	storage "github.com/sushant-115/gojogrid/core/storage_engine"
	internaltelemetry "github.com/sushant-115/gojogrid/internal/telemetry"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

const (
	rootLevel = 1
	cellLevel = 0
)

type nodeOp int

const (
	opRead nodeOp = iota
	opWrite
	opDelete
)

// Index is the grid SpatialIndex. Mutations take the write lock and queries the
// read lock, so one Index is safe for concurrent use.
type Index struct {
	mu     sync.RWMutex
	cfg    Config
	layout layout
	store  storage.Storage
	codec  storage.Codec
	rootID storage.NodeID
	closed bool

	// nextSeq is guarded by mu.
	nextSeq        uint64
	numData        atomic.Uint64
	numNodes       atomic.Uint64
	reads          atomic.Uint64
	writes         atomic.Uint64
	deletes        atomic.Uint64
	rootInsertions atomic.Uint64

	cmdMu    sync.RWMutex
	commands [3][]spatial.NodeCommand

	logger  *zap.Logger
	tracer  trace.Tracer
	meter   metric.Meter
	metrics *internaltelemetry.IndexMetrics
}

var (
	_ spatial.SpatialIndex = (*Index)(nil)
	_ storage.Parent       = (*Index)(nil)
)

type Option func(*Index)

func WithLogger(logger *zap.Logger) Option {
	return func(idx *Index) {
		if logger != nil {
			idx.logger = logger
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(idx *Index) {
		if tracer != nil {
			idx.tracer = tracer
		}
	}
}

// WithMeter registers the index instruments on meter.
func WithMeter(meter metric.Meter) Option {
	return func(idx *Index) { idx.meter = meter }
}

// WithPayloadCodec sets the codec persistent storages use for payloads. It takes
// precedence over Config.PayloadCodec.
func WithPayloadCodec(codec storage.Codec) Option {
	return func(idx *Index) { idx.codec = codec }
}

// New creates a grid over st. When st already holds a grid root the index is
// restored from it (warm restart) and its metadata must agree with cfg.
func New(cfg Config, st storage.Storage, opts ...Option) (*Index, error) {
	if st == nil {
		return nil, fmt.Errorf("%w: storage is required", storage.ErrInvalidConfiguration)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	adoptID := cfg.ID == ""
	if adoptID {
		cfg.ID = uuid.NewString()
	}
	codec, _ := storage.LookupCodec(cfg.PayloadCodec)
	idx := &Index{
		cfg:    cfg,
		layout: newLayout(cfg.Universe, cfg.Capacity, cfg.Cells),
		store:  st,
		codec:  codec,
		logger: zap.NewNop(),
		tracer: nooptrace.NewTracerProvider().Tracer(""),
	}
	for _, opt := range opts {
		opt(idx)
	}
	if idx.meter != nil {
		m, err := internaltelemetry.NewIndexMetrics(idx.meter)
		if err != nil {
			return nil, fmt.Errorf("failed to create index metrics: %w", err)
		}
		idx.metrics = m
	} else {
		idx.metrics = internaltelemetry.NoopIndexMetrics()
	}
	base := idx.logger.Named("grid")
	idx.logger = base.With(zap.String("index_id", cfg.ID))

	st.SetParent(idx)
	idx.rootID = st.FindUniqueInstance(storage.NewNodeID(rootKey, cfg.Universe))
	root, err := st.Get(idx.rootID)
	if err != nil {
		return nil, fmt.Errorf("failed to load grid root: %w", err)
	}
	if root == nil {
		root = storage.NewNode(idx.rootID, rootLevel)
		idx.numNodes.Store(1)
		root.Meta = idx.meta()
		if err := st.Put(root); err != nil {
			return nil, fmt.Errorf("failed to store grid root: %w", err)
		}
		idx.logger.Info("created grid index",
			zap.Stringer("universe", cfg.Universe),
			zap.Ints("cells", idx.layout.cells),
			zap.String("storage", st.PropertySet()[storage.KeyStorageType]))
		return idx, nil
	}
	if err := idx.restore(root.Meta, adoptID); err != nil {
		return nil, err
	}
	nodes, err := scanNodes(st)
	if err != nil {
		return nil, err
	}
	idx.recount(nodes, root.Meta)
	idx.logger = base.With(zap.String("index_id", idx.cfg.ID))
	idx.logger.Info("restored grid index",
		zap.Uint64("entries", idx.numData.Load()),
		zap.Uint64("nodes", idx.numNodes.Load()))
	return idx, nil
}

// Open builds the index described by props over st. It is the warm-restart entry
// point: props is what PropertySet returned before the index was closed.
func Open(props storage.PropertySet, st storage.Storage, opts ...Option) (*Index, error) {
	cfg, err := ConfigFromProperties(props)
	if err != nil {
		return nil, err
	}
	return New(cfg, st, opts...)
}

// restore checks meta against the configuration and loads its counters. A
// stored id replaces a generated one.
func (idx *Index) restore(meta *storage.RootMeta, adoptID bool) error {
	if meta == nil {
		return fmt.Errorf("%w: root node carries no grid metadata", storage.ErrInvalidConfiguration)
	}
	if meta.IndexType != IndexType {
		return fmt.Errorf("%w: storage holds a %q index", spatial.ErrUnsupportedIndex, meta.IndexType)
	}
	if !meta.Universe.Equal(idx.cfg.Universe) {
		return fmt.Errorf("%w: stored universe %s differs from configured %s", storage.ErrInvalidConfiguration, meta.Universe, idx.cfg.Universe)
	}
	if !slices.Equal(meta.Cells, idx.layout.cells) {
		return fmt.Errorf("%w: stored grid shape %v differs from configured %v", storage.ErrInvalidConfiguration, meta.Cells, idx.layout.cells)
	}
	if adoptID && meta.IndexID != "" {
		idx.cfg.ID = meta.IndexID
	}
	if idx.cfg.PayloadCodec == "" && meta.PayloadCodec != "" {
		idx.cfg.PayloadCodec = meta.PayloadCodec
		if idx.codec == nil {
			idx.codec, _ = storage.LookupCodec(meta.PayloadCodec)
		}
	}
	idx.nextSeq = meta.NextSeq
	idx.numData.Store(meta.NumberOfData)
	idx.numNodes.Store(max(meta.NumberOfNodes, 1))
	idx.rootInsertions.Store(meta.RootInsertions)
	return nil
}

func (idx *Index) meta() *storage.RootMeta {
	return &storage.RootMeta{
		IndexType:      IndexType,
		IndexID:        idx.cfg.ID,
		PayloadCodec:   idx.cfg.PayloadCodec,
		Universe:       idx.cfg.Universe,
		Cells:          append([]int(nil), idx.layout.cells...),
		Capacity:       idx.cfg.Capacity,
		NumberOfData:   idx.numData.Load(),
		NumberOfNodes:  idx.numNodes.Load(),
		RootInsertions: idx.rootInsertions.Load(),
		NextSeq:        idx.nextSeq,
	}
}

// IndexID implements storage.Parent.
func (idx *Index) IndexID() string { return idx.cfg.ID }

// PayloadCodec implements storage.Parent.
func (idx *Index) PayloadCodec() storage.Codec { return idx.codec }

// Universe returns the region covered by the grid cells.
func (idx *Index) Universe() geometry.Region { return idx.cfg.Universe }

// Cells returns the number of cells per dimension.
func (idx *Index) Cells() []int { return append([]int(nil), idx.layout.cells...) }

func (idx *Index) RootID() storage.NodeID { return idx.rootID }

// Children lists every cell of the grid below the root. Cells have no children.
func (idx *Index) Children(id storage.NodeID) []storage.NodeID {
	if id == nil || id.Key() != rootKey {
		return nil
	}
	out := make([]storage.NodeID, 0, idx.layout.numCells())
	_ = idx.layout.all(func(cell []int) error {
		out = append(out, idx.cellID(cell))
		return nil
	})
	return out
}

func (idx *Index) cellID(cell []int) storage.NodeID {
	return idx.store.FindUniqueInstance(storage.NewNodeID(cellKey(cell), idx.layout.cellRegion(cell)))
}

func levelOf(id storage.NodeID) int {
	if id.Key() == rootKey {
		return rootLevel
	}
	return cellLevel
}

func (idx *Index) checkShape(shape geometry.Shape) error {
	if shape == nil {
		return fmt.Errorf("%w: nil shape", spatial.ErrInvalidArgument)
	}
	if shape.Dimension() != idx.cfg.Universe.Dimension() {
		return fmt.Errorf("%w: shape has %d dimensions, grid has %d", geometry.ErrDimensionMismatch, shape.Dimension(), idx.cfg.Universe.Dimension())
	}
	return shape.MBR().Validate()
}

// targets returns the nodes an entry with this shape is stored in. inRoot is set
// for shapes that are not fully inside the universe.
func (idx *Index) targets(shape geometry.Shape) (ids []storage.NodeID, inRoot bool) {
	mbr := shape.MBR()
	if !idx.cfg.Universe.Contains(mbr) {
		return []storage.NodeID{idx.rootID}, true
	}
	lo, hi, _ := idx.layout.span(mbr)
	_ = idx.layout.forEach(lo, hi, func(cell []int) error {
		ids = append(ids, idx.cellID(cell))
		return nil
	})
	return ids, false
}

func (idx *Index) AddWriteNodeCommand(c spatial.NodeCommand)  { idx.addCommand(opWrite, c) }
func (idx *Index) AddReadNodeCommand(c spatial.NodeCommand)   { idx.addCommand(opRead, c) }
func (idx *Index) AddDeleteNodeCommand(c spatial.NodeCommand) { idx.addCommand(opDelete, c) }

func (idx *Index) addCommand(op nodeOp, c spatial.NodeCommand) {
	idx.cmdMu.Lock()
	idx.commands[op] = append(idx.commands[op], c)
	idx.cmdMu.Unlock()
}

func (idx *Index) runCommands(op nodeOp, id storage.NodeID, n *storage.Node) {
	idx.cmdMu.RLock()
	cmds := idx.commands[op]
	idx.cmdMu.RUnlock()
	for _, c := range cmds {
		c.Execute(id, n)
	}
}

func (idx *Index) readNode(ctx context.Context, id storage.NodeID) (*storage.Node, error) {
	idx.runCommands(opRead, id, nil)
	n, err := idx.store.Get(id)
	idx.reads.Add(1)
	idx.metrics.NodeReadsCounter.Add(ctx, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to read node %s: %w", id.Key(), err)
	}
	return n, nil
}

func (idx *Index) writeNode(ctx context.Context, n *storage.Node) error {
	if n.ID.Key() == rootKey {
		n.Meta = idx.meta()
	}
	idx.runCommands(opWrite, n.ID, n)
	if err := idx.store.Put(n); err != nil {
		return fmt.Errorf("failed to write node %s: %w", n.ID.Key(), err)
	}
	idx.writes.Add(1)
	idx.metrics.NodeWritesCounter.Add(ctx, 1)
	return nil
}

func (idx *Index) removeNode(ctx context.Context, n *storage.Node) error {
	idx.runCommands(opDelete, n.ID, n)
	if err := idx.store.Remove(n.ID); err != nil {
		return fmt.Errorf("failed to remove node %s: %w", n.ID.Key(), err)
	}
	idx.deletes.Add(1)
	idx.metrics.NodeDeletesCounter.Add(ctx, 1)
	return nil
}

func (idx *Index) countOp(ctx context.Context, op string) {
	idx.metrics.OperationsCounter.Add(ctx, 1, metric.WithAttributes(
		internaltelemetry.AttrOperation.String(op),
		internaltelemetry.AttrIndexID.String(idx.cfg.ID),
	))
}

// InsertData inserts payload with id 0.
func (idx *Index) InsertData(payload any, shape geometry.Shape) error {
	return idx.InsertDataWithID(0, payload, shape)
}

// InsertDataWithID stores the entry in every cell its bounding region overlaps.
// Inserting an entry equal in id, shape and payload to a stored one is a no-op.
func (idx *Index) InsertDataWithID(id int64, payload any, shape geometry.Shape) error {
	if err := idx.checkShape(shape); err != nil {
		return err
	}
	ctx := context.Background()
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.closed {
		return spatial.ErrIndexClosed
	}
	idx.countOp(ctx, "insert")

	e := storage.Entry{ID: id, Shape: shape, Payload: payload}
	ids, inRoot := idx.targets(shape)
	nodes := make([]*storage.Node, 0, len(ids))
	created := make([]bool, 0, len(ids))
	for _, nid := range ids {
		n, err := idx.readNode(ctx, nid)
		if err != nil {
			return err
		}
		isNew := n == nil
		if isNew {
			n = storage.NewNode(nid, levelOf(nid))
		} else if n.IndexOf(e) >= 0 {
			// Every replica carries the entry, so one hit means all of them do.
			return nil
		}
		nodes = append(nodes, n)
		created = append(created, isNew)
	}

	e.Seq = idx.nextSeq
	idx.nextSeq++
	for i, n := range nodes {
		n.Entries = append(n.Entries, e)
		if err := idx.writeNode(ctx, n); err != nil {
			return err
		}
		if created[i] {
			idx.numNodes.Add(1)
		}
	}
	idx.numData.Add(1)
	if inRoot {
		idx.rootInsertions.Add(1)
	}
	idx.metrics.EntriesUpDownCounter.Add(ctx, 1)
	return nil
}

// DeleteData removes the first entry whose shape and payload equal the arguments,
// from every node holding a replica of it.
func (idx *Index) DeleteData(payload any, shape geometry.Shape) (bool, error) {
	if err := idx.checkShape(shape); err != nil {
		return false, err
	}
	ctx := context.Background()
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.closed {
		return false, spatial.ErrIndexClosed
	}
	idx.countOp(ctx, "delete")

	ids, _ := idx.targets(shape)
	found := false
	var seq uint64
	for _, nid := range ids {
		n, err := idx.readNode(ctx, nid)
		if err != nil {
			return found, err
		}
		if n == nil {
			continue
		}
		pos := -1
		for i, e := range n.Entries {
			if (found && e.Seq == seq) || (!found && e.Shape.Equal(shape) && storage.PayloadEqual(e.Payload, payload)) {
				pos = i
				break
			}
		}
		if pos < 0 {
			continue
		}
		if !found {
			found, seq = true, n.Entries[pos].Seq
			idx.numData.Add(^uint64(0))
			idx.metrics.EntriesUpDownCounter.Add(ctx, -1)
		}
		n.RemoveAt(pos)
		if n.IsEmpty() && idx.cfg.EvictEmptyNodes && n.ID.Key() != rootKey {
			if err := idx.removeNode(ctx, n); err != nil {
				return found, err
			}
			idx.numNodes.Add(^uint64(0))
			continue
		}
		if err := idx.writeNode(ctx, n); err != nil {
			return found, err
		}
	}
	return found, nil
}

// Flush stores the index metadata in the root node and flushes the storage.
func (idx *Index) Flush() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.closed {
		return spatial.ErrIndexClosed
	}
	return idx.flushLocked(context.Background())
}

func (idx *Index) flushLocked(ctx context.Context) error {
	idx.countOp(ctx, "flush")
	root, err := idx.readNode(ctx, idx.rootID)
	if err != nil {
		return err
	}
	if root == nil {
		root = storage.NewNode(idx.rootID, rootLevel)
	}
	if err := idx.writeNode(ctx, root); err != nil {
		return err
	}
	if err := idx.store.Flush(); err != nil {
		return fmt.Errorf("failed to flush storage: %w", err)
	}
	idx.logger.Debug("grid flushed", zap.Uint64("entries", idx.numData.Load()), zap.Uint64("next_seq", idx.nextSeq))
	return nil
}

func (idx *Index) Statistics() spatial.Statistics {
	return spatial.Statistics{
		NumberOfData:   idx.numData.Load(),
		NumberOfNodes:  idx.numNodes.Load(),
		Reads:          idx.reads.Load(),
		Writes:         idx.writes.Load(),
		Deletes:        idx.deletes.Load(),
		RootInsertions: idx.rootInsertions.Load(),
		Dimension:      idx.cfg.Universe.Dimension(),
	}
}

// PropertySet returns the grid and storage properties. Together with the same
// storage they are enough to reopen the index.
func (idx *Index) PropertySet() storage.PropertySet {
	props := idx.cfg.Properties()
	return props.Merge(idx.store.PropertySet())
}

// Storage returns the backing storage.
func (idx *Index) Storage() storage.Storage { return idx.store }

// Close flushes the index and closes its storage. Closing twice is a no-op.
func (idx *Index) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.closed {
		return nil
	}
	flushErr := idx.flushLocked(context.Background())
	closeErr := idx.store.Close()
	idx.closed = true
	if flushErr != nil {
		return flushErr
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close storage: %w", closeErr)
	}
	idx.logger.Info("grid index closed")
	return nil
}

