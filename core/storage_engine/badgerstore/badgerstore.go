// Package badgerstore provides a Storage backed by BadgerDB. It can run fully in
// memory, which makes it a serializing stand-in for the memory storage in tests.
package badgerstore

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	storage "github.com/sushant-115/gojogrid/core/storage_engine"
	"go.uber.org/zap"
)

// Kind is the Storage.Type tag of this backend.
const Kind = "badger"

// DefaultGCDiscardRatio is the garbage ratio above which the value log is rewritten.
const DefaultGCDiscardRatio = 0.5

// keyPrefix keeps node keys apart from anything else sharing the database.
var keyPrefix = []byte("node/")

func init() {
	storage.Register(Kind, func(props storage.PropertySet, logger *zap.Logger) (storage.Storage, error) {
		cfg, err := ConfigFromProperties(props)
		if err != nil {
			return nil, err
		}
		return Open(cfg, logger)
	})
}

type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path       string
	InMemory   bool
	SyncWrites bool
	// GCInterval enables a value log GC runner. Zero disables it.
	GCInterval time.Duration
}

func ConfigFromProperties(props storage.PropertySet) (Config, error) {
	var cfg Config
	var err error
	cfg.Path = props.String(storage.KeyStoragePath, "")
	if cfg.InMemory, err = props.Bool(storage.KeyInMemory, false); err != nil {
		return Config{}, err
	}
	if cfg.SyncWrites, err = props.Bool(storage.KeySyncWrites, false); err != nil {
		return Config{}, err
	}
	if cfg.GCInterval, err = props.Duration(storage.KeyGCInterval, 0); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if !c.InMemory && c.Path == "" {
		return fmt.Errorf("%w: %s is required unless %s is set", storage.ErrInvalidConfiguration, storage.KeyStoragePath, storage.KeyInMemory)
	}
	if c.GCInterval < 0 {
		return fmt.Errorf("%w: negative GC interval", storage.ErrInvalidConfiguration)
	}
	return nil
}

func (c Config) Properties() storage.PropertySet {
	props := storage.PropertySet{
		storage.KeyStorageType: Kind,
		storage.KeyInMemory:    strconv.FormatBool(c.InMemory),
		storage.KeySyncWrites:  strconv.FormatBool(c.SyncWrites),
	}
	if c.Path != "" {
		props[storage.KeyStoragePath] = c.Path
	}
	if c.GCInterval > 0 {
		props[storage.KeyGCInterval] = c.GCInterval.String()
	}
	return props
}

// zapLogger adapts zap to badger.Logger.
type zapLogger struct {
	s *zap.SugaredLogger
}

func (l zapLogger) Errorf(format string, args ...interface{})   { l.s.Errorf(format, args...) }
func (l zapLogger) Warningf(format string, args ...interface{}) { l.s.Warnf(format, args...) }
func (l zapLogger) Infof(format string, args ...interface{})    { l.s.Debugf(format, args...) }
func (l zapLogger) Debugf(format string, args ...interface{})   { l.s.Debugf(format, args...) }

type Storage struct {
	mu       sync.RWMutex
	db       *badger.DB
	cfg      Config
	gc       *gcRunner
	interner *storage.Interner
	parent   storage.Parent
	logger   *zap.Logger
}

var _ storage.Storage = (*Storage)(nil)

// Open opens the database described by cfg and starts the GC runner when
// configured.
func Open(cfg Config, logger *zap.Logger) (*Storage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("badger_storage")

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("%w: creating database directory %s: %v", storage.ErrIO, cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
		logger = logger.With(zap.String("path", cfg.Path))
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(zapLogger{s: logger.Sugar()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: opening badger database: %v", storage.ErrIO, err)
	}
	s := &Storage{
		db:       db,
		cfg:      cfg,
		interner: storage.NewInterner(),
		logger:   logger,
	}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.gc = newGCRunner(db, cfg.GCInterval, DefaultGCDiscardRatio, logger)
		s.gc.start()
	}
	logger.Info("badger storage opened", zap.Bool("in_memory", cfg.InMemory))
	return s, nil
}

func nodeKey(key string) []byte {
	return append(append([]byte(nil), keyPrefix...), key...)
}

func (s *Storage) codec() storage.Codec {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return storage.CodecOf(s.parent)
}

func (s *Storage) Put(n *storage.Node) error {
	data, err := storage.EncodeNode(n, s.codec())
	if err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(nodeKey(n.ID.Key()), data)
	})
	if err != nil {
		return s.wrap("put", n.ID.Key(), err)
	}
	s.interner.Intern(n.ID).SetValid(true)
	return nil
}

func (s *Storage) Get(id storage.NodeID) (*storage.Node, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(nodeKey(id.Key()))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, s.wrap("get", id.Key(), err)
	}
	return s.decode(data)
}

func (s *Storage) decode(data []byte) (*storage.Node, error) {
	n, err := storage.DecodeNode(data, s.codec())
	if err != nil {
		return nil, err
	}
	n.ID = s.interner.Intern(n.ID)
	n.ID.SetValid(true)
	return n, nil
}

func (s *Storage) Remove(id storage.NodeID) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(nodeKey(id.Key()))
	})
	if err != nil {
		return s.wrap("remove", id.Key(), err)
	}
	if canonical, ok := s.interner.Lookup(id.Key()); ok {
		canonical.SetValid(false)
	}
	id.SetValid(false)
	s.interner.Forget(id.Key())
	return nil
}

func (s *Storage) Clear() error {
	if err := s.db.DropPrefix(keyPrefix); err != nil {
		return s.wrap("clear", string(keyPrefix), err)
	}
	s.interner.Reset()
	return nil
}

// Flush syncs the value log. A no-op for in-memory databases.
func (s *Storage) Flush() error {
	if s.cfg.InMemory {
		return nil
	}
	if err := s.db.Sync(); err != nil {
		return s.wrap("sync", s.cfg.Path, err)
	}
	return nil
}

func (s *Storage) FindUniqueInstance(id storage.NodeID) storage.NodeID {
	return s.interner.Intern(id)
}

func (s *Storage) PropertySet() storage.PropertySet { return s.cfg.Properties() }

func (s *Storage) SetParent(p storage.Parent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parent = p
	if p != nil {
		s.logger = s.logger.With(zap.String("index_id", p.IndexID()))
	}
}

// Scan iterates node records in key order. Values are decoded inside the read
// transaction but fn runs after it has been released.
func (s *Storage) Scan(fn func(n *storage.Node) error) error {
	var blobs [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = keyPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			blobs = append(blobs, data)
		}
		return nil
	})
	if err != nil {
		return s.wrap("scan", string(keyPrefix), err)
	}
	for _, data := range blobs {
		n, err := s.decode(data)
		if err != nil {
			return err
		}
		if err := fn(n); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of stored nodes.
func (s *Storage) Len() int {
	n := 0
	_ = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = keyPrefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n
}

// Close stops the GC runner and closes the database. Closing twice is a no-op.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db.IsClosed() {
		return nil
	}
	if s.gc != nil {
		s.gc.stop()
	}
	if err := s.db.Close(); err != nil {
		return s.wrap("close", s.cfg.Path, err)
	}
	s.logger.Debug("badger storage closed")
	return nil
}

func (s *Storage) wrap(op, key string, err error) error {
	if errors.Is(err, badger.ErrDBClosed) {
		return fmt.Errorf("%w: %s %s", storage.ErrStorageClosed, op, key)
	}
	return fmt.Errorf("%w: badger %s %s: %v", storage.ErrIO, op, key, err)
}
