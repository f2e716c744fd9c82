package storage

import (
	"reflect"

	"github.com/sushant-115/gojogrid/core/geometry"
)

// Entry is one (id, shape, payload) record held by a node.
type Entry struct {
	// ID is caller supplied and distinguishes otherwise identical shapes.
	ID      int64
	Shape   geometry.Shape
	Payload any
	// Seq is assigned by the index at insert time. Every replica of one logical
	// entry carries the same Seq.
	Seq uint64
}

// Matches reports whether e holds the same id, shape and payload as other.
func (e Entry) Matches(other Entry) bool {
	return e.ID == other.ID && e.Shape.Equal(other.Shape) && PayloadEqual(e.Payload, other.Payload)
}

// payloadEqualer lets payload types define their own equality.
type payloadEqualer interface {
	Equal(other any) bool
}

// PayloadEqual compares two payloads with their Equal method when they have one and
// reflect.DeepEqual otherwise.
func PayloadEqual(a, b any) bool {
	if eq, ok := a.(payloadEqualer); ok {
		return eq.Equal(b)
	}
	return reflect.DeepEqual(a, b)
}

// RootMeta is the index metadata carried by the root node only.
type RootMeta struct {
	IndexType      string
	IndexID        string
	// PayloadCodec is the name of the codec payloads were written with.
	PayloadCodec   string
	Universe       geometry.Region
	Cells          []int
	Capacity       int
	NumberOfData   uint64
	NumberOfNodes  uint64
	RootInsertions uint64
	NextSeq        uint64
}

// Node is a storage bucket: a region, a level and the entries stored in it.
// Nodes are plain data; anything that needs index configuration receives it as an
// argument.
type Node struct {
	ID      NodeID
	Level   int
	Entries []Entry
	Meta    *RootMeta
}

// NewNode creates an empty node for id.
func NewNode(id NodeID, level int) *Node {
	return &Node{ID: id, Level: level}
}

// MBR returns the region of the node's identifier.
func (n *Node) MBR() geometry.Region { return n.ID.Region() }

// IsEmpty reports whether the node holds no entries.
func (n *Node) IsEmpty() bool { return len(n.Entries) == 0 }

// IndexOf returns the position of the first entry matching e, or -1.
func (n *Node) IndexOf(e Entry) int {
	for i := range n.Entries {
		if n.Entries[i].Matches(e) {
			return i
		}
	}
	return -1
}

// RemoveAt deletes the entry at position i, preserving order.
func (n *Node) RemoveAt(i int) {
	n.Entries = append(n.Entries[:i], n.Entries[i+1:]...)
}

// Clone copies the node structure. Payloads and shapes are shared.
func (n *Node) Clone() *Node {
	c := &Node{ID: n.ID, Level: n.Level}
	if len(n.Entries) > 0 {
		c.Entries = make([]Entry, len(n.Entries))
		copy(c.Entries, n.Entries)
	}
	if n.Meta != nil {
		m := *n.Meta
		m.Cells = append([]int(nil), n.Meta.Cells...)
		c.Meta = &m
	}
	return c
}
