package grid

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sushant-115/gojogrid/core/geometry"
	"github.com/sushant-115/gojogrid/core/indexing/spatial"
	storage "github.com/sushant-115/gojogrid/core/storage_engine"
	internaltelemetry "github.com/sushant-115/gojogrid/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// startQuery opens the query span and returns the function that ends it.
func (idx *Index) startQuery(ctx context.Context, kind string, attrs ...attribute.KeyValue) (context.Context, func(err *error)) {
	start := time.Now()
	attrs = append(attrs, internaltelemetry.AttrIndexID.String(idx.cfg.ID))
	ctx, span := idx.tracer.Start(ctx, "grid."+kind, trace.WithAttributes(attrs...))
	return ctx, func(err *error) {
		if *err != nil {
			span.RecordError(*err)
			span.SetStatus(codes.Error, (*err).Error())
		}
		span.End()
		op := metric.WithAttributes(internaltelemetry.AttrOperation.String(kind), internaltelemetry.AttrIndexID.String(idx.cfg.ID))
		idx.metrics.OperationsCounter.Add(ctx, 1, op)
		idx.metrics.QueryLatencyHistogram.Record(ctx, float64(time.Since(start).Microseconds())/1000, op)
	}
}

// ContainmentQuery visits every entry whose shape lies inside query.
func (idx *Index) ContainmentQuery(ctx context.Context, query geometry.Shape, v spatial.Visitor) (err error) {
	ctx, end := idx.startQuery(ctx, "containment_query")
	defer end(&err)
	return idx.rangeQuery(ctx, query, v, func(e storage.Entry) bool { return query.Contains(e.Shape) })
}

// IntersectionQuery visits every entry whose shape intersects query.
func (idx *Index) IntersectionQuery(ctx context.Context, query geometry.Shape, v spatial.Visitor) (err error) {
	ctx, end := idx.startQuery(ctx, "intersection_query")
	defer end(&err)
	return idx.rangeQuery(ctx, query, v, func(e storage.Entry) bool { return query.Intersects(e.Shape) })
}

// PointLocationQuery visits every entry whose shape contains p.
func (idx *Index) PointLocationQuery(ctx context.Context, p geometry.Point, v spatial.Visitor) (err error) {
	ctx, end := idx.startQuery(ctx, "point_query")
	defer end(&err)
	return idx.rangeQuery(ctx, p, v, func(e storage.Entry) bool { return e.Shape.ContainsPoint(p) })
}

func (idx *Index) rangeQuery(ctx context.Context, query geometry.Shape, v spatial.Visitor, match func(storage.Entry) bool) error {
	if err := idx.checkShape(query); err != nil {
		return err
	}
	if v == nil {
		return fmt.Errorf("%w: nil visitor", spatial.ErrInvalidArgument)
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if idx.closed {
		return spatial.ErrIndexClosed
	}

	seen := make(map[uint64]struct{})
	err := idx.visitCandidates(ctx, query.MBR(), func(n *storage.Node) error {
		v.VisitNode(n)
		if !v.IsDataVisitor() {
			return nil
		}
		for _, e := range n.Entries {
			if _, dup := seen[e.Seq]; dup {
				continue
			}
			seen[e.Seq] = struct{}{}
			if !match(e) {
				continue
			}
			if err := v.VisitData(e); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, spatial.ErrStopVisit) {
		return nil
	}
	return err
}

// visitCandidates loads the root and then every cell overlapping mbr, in cell
// order, and passes the nodes that exist to fn.
func (idx *Index) visitCandidates(ctx context.Context, mbr geometry.Region, fn func(n *storage.Node) error) error {
	visit := func(id storage.NodeID) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := idx.readNode(ctx, id)
		if err != nil || n == nil {
			return err
		}
		return fn(n)
	}
	if err := visit(idx.rootID); err != nil {
		return err
	}
	lo, hi, ok := idx.layout.span(mbr)
	if !ok {
		return nil
	}
	return idx.layout.forEach(lo, hi, func(cell []int) error {
		return visit(idx.cellID(cell))
	})
}

type neighbor struct {
	dist float64
	e    storage.Entry
}

func closer(a, b neighbor) bool {
	return a.dist < b.dist || (a.dist == b.dist && a.e.Seq < b.e.Seq)
}

// NearestNeighborQuery visits the k entries closest to query, nearest first. Ties
// are broken by insertion order. With the default comparator, cells are read in
// increasing distance and the search stops once k entries are strictly closer
// than the next cell. A custom comparator reads every cell.
func (idx *Index) NearestNeighborQuery(ctx context.Context, k int, query geometry.Shape, v spatial.Visitor, cmp spatial.NearestNeighborComparator) (err error) {
	ctx, end := idx.startQuery(ctx, "nearest_neighbor_query", attribute.Int("k", k))
	defer end(&err)
	if k <= 0 {
		return fmt.Errorf("%w: k must be positive, got %d", spatial.ErrInvalidArgument, k)
	}
	if err := idx.checkShape(query); err != nil {
		return err
	}
	if v == nil {
		return fmt.Errorf("%w: nil visitor", spatial.ErrInvalidArgument)
	}
	prune := cmp == nil
	if cmp == nil {
		cmp = spatial.MinimumDistanceComparator{}
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if idx.closed {
		return spatial.ErrIndexClosed
	}

	best := make([]neighbor, 0, k)
	seen := make(map[uint64]struct{})
	consider := func(id storage.NodeID) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := idx.readNode(ctx, id)
		if err != nil || n == nil {
			return err
		}
		v.VisitNode(n)
		for _, e := range n.Entries {
			if _, dup := seen[e.Seq]; dup {
				continue
			}
			seen[e.Seq] = struct{}{}
			c := neighbor{dist: cmp.Distance(query, e), e: e}
			if len(best) == k && !closer(c, best[k-1]) {
				continue
			}
			pos := sort.Search(len(best), func(i int) bool { return closer(c, best[i]) })
			if len(best) < k {
				best = append(best, neighbor{})
			}
			copy(best[pos+1:], best[pos:len(best)-1])
			best[pos] = c
		}
		return nil
	}

	// Root entries can be anywhere.
	if err := consider(idx.rootID); err != nil {
		return err
	}

	type cellDist struct {
		dist float64
		cell []int
	}
	cells := make([]cellDist, 0, idx.layout.numCells())
	_ = idx.layout.all(func(cell []int) error {
		r := idx.layout.cellRegion(cell)
		cells = append(cells, cellDist{dist: query.MinimumDistance(r), cell: append([]int(nil), cell...)})
		return nil
	})
	sort.SliceStable(cells, func(i, j int) bool { return cells[i].dist < cells[j].dist })
	for _, c := range cells {
		if prune && len(best) == k && best[k-1].dist < c.dist {
			break
		}
		if err := consider(idx.cellID(c.cell)); err != nil {
			return err
		}
	}

	if !v.IsDataVisitor() {
		return nil
	}
	for _, nb := range best {
		if err := v.VisitData(nb.e); err != nil {
			if errors.Is(err, spatial.ErrStopVisit) {
				return nil
			}
			return err
		}
	}
	return nil
}

// QueryStrategy fetches the root and then every node the strategy asks for.
// Nodes that were never materialized are handed over empty.
func (idx *Index) QueryStrategy(ctx context.Context, s spatial.QueryStrategy) (err error) {
	ctx, end := idx.startQuery(ctx, "strategy_query")
	defer end(&err)
	if s == nil {
		return fmt.Errorf("%w: nil strategy", spatial.ErrInvalidArgument)
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if idx.closed {
		return spatial.ErrIndexClosed
	}

	id := idx.rootID
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := idx.readNode(ctx, id)
		if err != nil {
			return err
		}
		if n == nil {
			n = storage.NewNode(id, levelOf(id))
		}
		next, ok := s.Next(idx, n)
		if !ok || next == nil {
			return nil
		}
		id = idx.store.FindUniqueInstance(next)
	}
}
