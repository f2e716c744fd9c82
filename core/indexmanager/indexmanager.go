// Package indexmanager keeps a set of named spatial indexes open and remembers how
// to reopen them. The catalog is a YAML file mapping each name to the PropertySet
// the index reported when it was created.
package indexmanager

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/sushant-115/gojogrid/core/indexing/spatial"
	"github.com/sushant-115/gojogrid/core/indexing/spatial/factory"
	"github.com/sushant-115/gojogrid/core/indexing/spatial/grid"
	storage "github.com/sushant-115/gojogrid/core/storage_engine"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var (
	ErrIndexExists   = errors.New("index already exists")
	ErrIndexNotFound = errors.New("index not found")
	ErrInvalidName   = errors.New("invalid index name")
	ErrManagerClosed = errors.New("index manager is closed")
)

type catalog struct {
	Indexes map[string]storage.PropertySet `yaml:"indexes"`
}

// Manager owns every index it opens and closes them all on Close.
type Manager struct {
	mu      sync.RWMutex
	indexes map[string]spatial.SpatialIndex
	props   map[string]storage.PropertySet
	closed  bool

	catalogPath string
	indexOpts   []grid.Option
	logger      *zap.Logger
}

type Option func(*Manager)

func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithCatalog persists the catalog at path. Without it the manager forgets its
// indexes on Close.
func WithCatalog(path string) Option {
	return func(m *Manager) { m.catalogPath = path }
}

// WithIndexOptions passes opts to every index the manager opens.
func WithIndexOptions(opts ...grid.Option) Option {
	return func(m *Manager) { m.indexOpts = append(m.indexOpts, opts...) }
}

// New creates a manager and reopens every index listed in the catalog. Indexes on
// memory storage come back empty.
func New(opts ...Option) (*Manager, error) {
	m := &Manager{
		indexes: make(map[string]spatial.SpatialIndex),
		props:   make(map[string]storage.PropertySet),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("index_manager")
	if m.catalogPath == "" {
		return m, nil
	}

	cat, err := readCatalog(m.catalogPath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(cat.Indexes))
	for name := range cat.Indexes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		props := cat.Indexes[name]
		idx, err := factory.CreateInstance(props, m.logger, m.indexOpts...)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("failed to reopen index %q: %w", name, err), m.Close())
		}
		m.indexes[name] = idx
		m.props[name] = props
		m.logger.Info("Reopened index", zap.String("name", name), zap.Uint64("entries", idx.Statistics().NumberOfData))
	}
	return m, nil
}

func readCatalog(path string) (catalog, error) {
	var cat catalog
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cat, nil
	}
	if err != nil {
		return cat, fmt.Errorf("%w: failed to read catalog %s: %v", storage.ErrIO, path, err)
	}
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return cat, fmt.Errorf("%w: catalog %s: %v", storage.ErrInvalidConfiguration, path, err)
	}
	return cat, nil
}

// saveLocked writes the catalog through a temporary file. Called with mu held.
func (m *Manager) saveLocked() error {
	if m.catalogPath == "" {
		return nil
	}
	data, err := yaml.Marshal(catalog{Indexes: m.props})
	if err != nil {
		return fmt.Errorf("%w: failed to encode catalog: %v", storage.ErrSerialization, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(m.catalogPath), filepath.Base(m.catalogPath)+".*")
	if err != nil {
		return fmt.Errorf("%w: %v", storage.ErrIO, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: failed to write catalog: %v", storage.ErrIO, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrIO, err)
	}
	if err := os.Rename(tmp.Name(), m.catalogPath); err != nil {
		return fmt.Errorf("%w: failed to replace catalog: %v", storage.ErrIO, err)
	}
	return nil
}

// Create builds a new index from props and records it under name. The index ID
// defaults to name.
func (m *Manager) Create(name string, props storage.PropertySet) (spatial.SpatialIndex, error) {
	if name == "" {
		return nil, ErrInvalidName
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	if _, ok := m.indexes[name]; ok {
		return nil, fmt.Errorf("%w: %q", ErrIndexExists, name)
	}

	props = props.Clone()
	if props[spatial.KeyIndexID] == "" {
		props[spatial.KeyIndexID] = name
	}
	idx, err := factory.CreateInstance(props, m.logger, m.indexOpts...)
	if err != nil {
		return nil, err
	}
	m.indexes[name] = idx
	m.props[name] = idx.PropertySet()
	if err := m.saveLocked(); err != nil {
		delete(m.indexes, name)
		delete(m.props, name)
		return nil, errors.Join(err, idx.Close())
	}
	m.logger.Info("Created index", zap.String("name", name), zap.String("storage", props[storage.KeyStorageType]))
	return idx, nil
}

func (m *Manager) Get(name string) (spatial.SpatialIndex, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	idx, ok := m.indexes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrIndexNotFound, name)
	}
	return idx, nil
}

// Drop closes the index and removes it from the catalog. Its storage is left in
// place.
func (m *Manager) Drop(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	idx, ok := m.indexes[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrIndexNotFound, name)
	}
	delete(m.indexes, name)
	delete(m.props, name)
	err := errors.Join(idx.Close(), m.saveLocked())
	m.logger.Info("Dropped index", zap.String("name", name), zap.Error(err))
	return err
}

// Names returns the managed index names in sorted order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.indexes))
	for name := range m.indexes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Properties returns a copy of the catalog entry for name.
func (m *Manager) Properties(name string) (storage.PropertySet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	props, ok := m.props[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrIndexNotFound, name)
	}
	return props.Clone(), nil
}

// Close closes every index. It is safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	var errs []error
	for name, idx := range m.indexes {
		if err := idx.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close index %q: %w", name, err))
		}
	}
	m.indexes = nil
	return errors.Join(errs...)
}
