package storage

import (
	"sync"
	"sync/atomic"

	"github.com/sushant-115/gojogrid/core/geometry"
)

// NodeID identifies a stored node by its region and a logical key.
//
// Two identifiers are equal when their keys are equal. Identifiers never hold a
// reference to the node they name, so a node can be passivated to disk while its
// identifier stays in memory.
type NodeID interface {
	Region() geometry.Region
	// Key is the logical equality key. It must be the same before and after a
	// flush / reload round trip.
	Key() string
	IsValid() bool
	SetValid(valid bool)
}

// BaseNodeID is the identifier used by every storage kind. Backends that need more
// key material embed it.
type BaseNodeID struct {
	key    string
	region geometry.Region
	valid  atomic.Bool
}

// NewNodeID creates an identifier. It starts out invalid until its node is stored.
func NewNodeID(key string, region geometry.Region) *BaseNodeID {
	return &BaseNodeID{key: key, region: region}
}

func (id *BaseNodeID) Region() geometry.Region { return id.region }
func (id *BaseNodeID) Key() string             { return id.key }
func (id *BaseNodeID) IsValid() bool           { return id.valid.Load() }
func (id *BaseNodeID) SetValid(valid bool)     { id.valid.Store(valid) }
func (id *BaseNodeID) String() string          { return id.key }

// SameID compares two identifiers by key. A nil identifier only equals nil.
func SameID(a, b NodeID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Key() == b.Key()
}

// Interner is the canonical-identifier table behind FindUniqueInstance. The first
// identifier seen for a key becomes canonical; later equal candidates resolve to it.
type Interner struct {
	mu  sync.Mutex
	ids map[string]NodeID
}

func NewInterner() *Interner {
	return &Interner{ids: make(map[string]NodeID)}
}

// Intern returns the canonical identifier equal to id, registering id if none exists.
func (in *Interner) Intern(id NodeID) NodeID {
	in.mu.Lock()
	defer in.mu.Unlock()
	if canonical, ok := in.ids[id.Key()]; ok {
		return canonical
	}
	in.ids[id.Key()] = id
	return id
}

// Lookup returns the canonical identifier for key, if any.
func (in *Interner) Lookup(key string) (NodeID, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	id, ok := in.ids[key]
	return id, ok
}

// Forget drops key from the table.
func (in *Interner) Forget(key string) {
	in.mu.Lock()
	delete(in.ids, key)
	in.mu.Unlock()
}

// Reset marks every canonical identifier invalid and empties the table.
func (in *Interner) Reset() {
	in.mu.Lock()
	for _, id := range in.ids {
		id.SetValid(false)
	}
	in.ids = make(map[string]NodeID)
	in.mu.Unlock()
}
