// Package spatial defines the contract shared by spatial indexes: the index
// interface itself, the visitor and query strategy callbacks used to stream
// results, node command hooks and the property keys that select an index type.
package spatial

import (
	"context"
	"errors"

	"github.com/sushant-115/gojogrid/core/geometry"
	storage "github.com/sushant-115/gojogrid/core/storage_engine"
)

// Property keys shared by every index type.
const (
	KeyIndexType    = "SpatialIndex.Type"
	KeyIndexID      = "SpatialIndex.ID"
	KeyPayloadCodec = "SpatialIndex.PayloadCodec"
)

var (
	// ErrStopVisit may be returned by a Visitor to end a query early. The query
	// then returns nil.
	ErrStopVisit        = errors.New("stop visit")
	ErrUnsupportedIndex = errors.New("unsupported spatial index type")
	ErrIndexClosed      = errors.New("spatial index is closed")
	ErrInvalidIndex     = errors.New("spatial index is inconsistent")
	ErrInvalidArgument  = errors.New("invalid argument")
)

// Visitor receives query results as they are found.
type Visitor interface {
	// VisitNode is called for every node a query loads from storage.
	VisitNode(n *storage.Node)
	// VisitData is called once per matching entry. Returning ErrStopVisit ends the
	// query; any other error aborts it and is returned to the caller.
	VisitData(e storage.Entry) error
	// IsDataVisitor reports whether VisitData should be called at all.
	IsDataVisitor() bool
}

// VisitorFunc adapts a function to a data-only Visitor.
type VisitorFunc func(e storage.Entry) error

func (f VisitorFunc) VisitNode(*storage.Node)         {}
func (f VisitorFunc) VisitData(e storage.Entry) error { return f(e) }
func (f VisitorFunc) IsDataVisitor() bool             { return true }

// Collector is a Visitor that keeps every entry it is given.
type Collector struct {
	Entries []storage.Entry
	Nodes   int
}

func (c *Collector) VisitNode(*storage.Node) { c.Nodes++ }

func (c *Collector) VisitData(e storage.Entry) error {
	c.Entries = append(c.Entries, e)
	return nil
}

func (c *Collector) IsDataVisitor() bool { return true }

// Payloads returns the payloads of the collected entries in visit order.
func (c *Collector) Payloads() []any {
	out := make([]any, len(c.Entries))
	for i, e := range c.Entries {
		out[i] = e.Payload
	}
	return out
}

// Navigator exposes the node structure of an index to a QueryStrategy.
type Navigator interface {
	RootID() storage.NodeID
	// Children returns the identifiers of the nodes below id, materialized or not.
	Children(id storage.NodeID) []storage.NodeID
}

// QueryStrategy drives a custom traversal. The index fetches the root first and
// then whatever node Next asks for, until Next returns false. Nodes passed to Next
// are copies; changing them has no effect on the index.
type QueryStrategy interface {
	Next(nav Navigator, current *storage.Node) (next storage.NodeID, ok bool)
}

// QueryStrategyFunc adapts a function to a QueryStrategy.
type QueryStrategyFunc func(nav Navigator, current *storage.Node) (storage.NodeID, bool)

func (f QueryStrategyFunc) Next(nav Navigator, current *storage.Node) (storage.NodeID, bool) {
	return f(nav, current)
}

// LevelOrderStrategy walks the whole index breadth first and hands every node to
// Visit. Returning false from Visit stops the walk.
type LevelOrderStrategy struct {
	Visit func(n *storage.Node) bool
	queue []storage.NodeID
}

func (s *LevelOrderStrategy) Next(nav Navigator, current *storage.Node) (storage.NodeID, bool) {
	if s.Visit != nil && !s.Visit(current) {
		return nil, false
	}
	s.queue = append(s.queue, nav.Children(current.ID)...)
	if len(s.queue) == 0 {
		return nil, false
	}
	next := s.queue[0]
	s.queue = s.queue[1:]
	return next, true
}

// NodeCommand is run immediately before a node is read, written or deleted. n is
// nil for reads. Commands may be called concurrently.
type NodeCommand interface {
	Execute(id storage.NodeID, n *storage.Node)
}

type NodeCommandFunc func(id storage.NodeID, n *storage.Node)

func (f NodeCommandFunc) Execute(id storage.NodeID, n *storage.Node) { f(id, n) }

// NearestNeighborComparator measures how far an entry is from the query shape.
type NearestNeighborComparator interface {
	Distance(query geometry.Shape, e storage.Entry) float64
}

// MinimumDistanceComparator ranks entries by the distance between the closest
// points of the query and the entry's shape.
type MinimumDistanceComparator struct{}

func (MinimumDistanceComparator) Distance(query geometry.Shape, e storage.Entry) float64 {
	return query.MinimumDistance(e.Shape)
}

// Statistics are counters kept in memory by the index. Reading them never touches
// storage.
type Statistics struct {
	NumberOfData   uint64
	NumberOfNodes  uint64
	Reads          uint64
	Writes         uint64
	Deletes        uint64
	RootInsertions uint64
	Dimension      int
}

// SpatialIndex stores (id, shape, payload) entries and answers spatial queries over
// them. Queries hold a read lock for their whole run, so a Visitor must not call
// back into mutating methods of the same index.
type SpatialIndex interface {
	Navigator

	InsertData(payload any, shape geometry.Shape) error
	InsertDataWithID(id int64, payload any, shape geometry.Shape) error
	// DeleteData removes the first entry matching payload and shape and reports
	// whether one was found.
	DeleteData(payload any, shape geometry.Shape) (bool, error)

	ContainmentQuery(ctx context.Context, query geometry.Shape, v Visitor) error
	IntersectionQuery(ctx context.Context, query geometry.Shape, v Visitor) error
	PointLocationQuery(ctx context.Context, p geometry.Point, v Visitor) error
	// NearestNeighborQuery visits the k entries closest to query in increasing
	// distance. A nil comparator means MinimumDistanceComparator.
	NearestNeighborQuery(ctx context.Context, k int, query geometry.Shape, v Visitor, cmp NearestNeighborComparator) error
	QueryStrategy(ctx context.Context, s QueryStrategy) error

	AddWriteNodeCommand(c NodeCommand)
	AddReadNodeCommand(c NodeCommand)
	AddDeleteNodeCommand(c NodeCommand)

	Flush() error
	Statistics() Statistics
	IsIndexValid() bool
	Validate() error
	PropertySet() storage.PropertySet
	Close() error
}
