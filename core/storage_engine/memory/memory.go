// Package memory provides a map-backed Storage. Payloads are kept as-is and never
// serialized, so any payload type works.
package memory

import (
	"sync"

	storage "github.com/sushant-115/gojogrid/core/storage_engine"
	"go.uber.org/zap"
)

// Kind is the Storage.Type tag of this backend.
const Kind = "memory"

func init() {
	storage.Register(Kind, func(_ storage.PropertySet, logger *zap.Logger) (storage.Storage, error) {
		return New(logger), nil
	})
}

// Storage keeps nodes in a map keyed by NodeID.Key. Nodes are cloned on the way in
// and out so callers never alias stored state.
type Storage struct {
	mu       sync.RWMutex
	nodes    map[string]*storage.Node
	interner *storage.Interner
	parent   storage.Parent
	logger   *zap.Logger
}

var _ storage.Storage = (*Storage)(nil)

func New(logger *zap.Logger) *Storage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Storage{
		nodes:    make(map[string]*storage.Node),
		interner: storage.NewInterner(),
		logger:   logger.Named("memory_storage"),
	}
}

func (s *Storage) Put(n *storage.Node) error {
	c := n.Clone()
	c.ID = s.interner.Intern(n.ID)
	s.mu.Lock()
	s.nodes[c.ID.Key()] = c
	s.mu.Unlock()
	c.ID.SetValid(true)
	return nil
}

func (s *Storage) Get(id storage.NodeID) (*storage.Node, error) {
	s.mu.RLock()
	n, ok := s.nodes[id.Key()]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return n.Clone(), nil
}

func (s *Storage) Remove(id storage.NodeID) error {
	s.mu.Lock()
	n, ok := s.nodes[id.Key()]
	delete(s.nodes, id.Key())
	s.mu.Unlock()
	if ok {
		n.ID.SetValid(false)
		s.interner.Forget(id.Key())
	}
	return nil
}

func (s *Storage) Clear() error {
	s.mu.Lock()
	for _, n := range s.nodes {
		n.ID.SetValid(false)
	}
	s.nodes = make(map[string]*storage.Node)
	s.mu.Unlock()
	s.interner.Reset()
	return nil
}

// Flush is a no-op.
func (s *Storage) Flush() error { return nil }

func (s *Storage) FindUniqueInstance(id storage.NodeID) storage.NodeID {
	return s.interner.Intern(id)
}

func (s *Storage) PropertySet() storage.PropertySet {
	return storage.PropertySet{storage.KeyStorageType: Kind}
}

func (s *Storage) SetParent(p storage.Parent) {
	s.mu.Lock()
	s.parent = p
	s.mu.Unlock()
	if p != nil {
		s.logger = s.logger.With(zap.String("index_id", p.IndexID()))
	}
}

func (s *Storage) Scan(fn func(n *storage.Node) error) error {
	s.mu.RLock()
	snapshot := make([]*storage.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		snapshot = append(snapshot, n.Clone())
	}
	s.mu.RUnlock()
	for _, n := range snapshot {
		if err := fn(n); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of stored nodes.
func (s *Storage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

func (s *Storage) Close() error {
	s.logger.Debug("memory storage closed", zap.Int("nodes", s.Len()))
	return nil
}
