// Package storage defines the node storage contract used by the spatial index,
// the node wire format shared by persistent backends, and the backend registry.
package storage

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Storage is the authoritative NodeID -> Node mapping of one index instance.
//
// Get returns (nil, nil) when the node does not exist; callers treat that as "not
// materialized yet". I/O failures wrap ErrIO. Implementations are safe for
// concurrent use.
type Storage interface {
	// Put upserts n under its own identifier.
	Put(n *Node) error
	Get(id NodeID) (*Node, error)
	// Remove deletes the node; removing a missing node is a no-op.
	Remove(id NodeID) error
	// Clear drops every node but keeps the configuration.
	Clear() error
	// Flush forces buffered writes to durable backing.
	Flush() error
	// FindUniqueInstance returns the canonical identifier equal to id, registering
	// id as canonical when none exists yet.
	FindUniqueInstance(id NodeID) NodeID
	// PropertySet returns enough configuration to reopen this storage.
	PropertySet() PropertySet
	SetParent(p Parent)
	// Scan calls fn once per stored node, in no particular order.
	Scan(fn func(n *Node) error) error
	Close() error
}

// Parent is the owning index as seen by its storage.
type Parent interface {
	IndexID() string
	PayloadCodec() Codec
}

// Factory opens a storage from its property set.
type Factory func(props PropertySet, logger *zap.Logger) (Storage, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a storage kind available to Open. It panics on a duplicate kind.
func Register(kind string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[kind]; dup {
		panic("storage: Register called twice for kind " + kind)
	}
	registry[kind] = f
}

// Kinds lists the registered storage kinds.
func Kinds() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	kinds := make([]string, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Open builds the storage named by the Storage.Type property.
func Open(props PropertySet, logger *zap.Logger) (Storage, error) {
	kind, ok := props[KeyStorageType]
	if !ok || kind == "" {
		return nil, fmt.Errorf("%w: missing %s", ErrInvalidConfiguration, KeyStorageType)
	}
	registryMu.RLock()
	f, ok := registry[kind]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedStorage, kind)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return f(props, logger)
}

// CodecOf returns the payload codec of p, or nil when p is unset.
func CodecOf(p Parent) Codec {
	if p == nil {
		return nil
	}
	return p.PayloadCodec()
}
