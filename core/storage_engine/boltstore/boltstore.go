// Package boltstore provides a Storage backed by a bbolt file. Every Put and Remove
// commits its own transaction, so stored nodes are durable as soon as the call
// returns.
package boltstore

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sushant-115/gojogrid/core/geometry"
	storage "github.com/sushant-115/gojogrid/core/storage_engine"
	"go.etcd.io/bbolt"
	berrors "go.etcd.io/bbolt/errors"
	"go.uber.org/zap"
)

// Kind is the Storage.Type tag of this backend.
const Kind = "bolt"

const (
	DefaultBucket = "nodes"
	openTimeout   = time.Second
)

func init() {
	storage.Register(Kind, func(props storage.PropertySet, logger *zap.Logger) (storage.Storage, error) {
		path := props.String(storage.KeyStoragePath, "")
		if path == "" {
			return nil, fmt.Errorf("%w: %s is required for bolt storage", storage.ErrInvalidConfiguration, storage.KeyStoragePath)
		}
		return Open(path, props.String(storage.KeyBucket, DefaultBucket), logger)
	})
}

type Storage struct {
	mu       sync.RWMutex
	db       *bbolt.DB
	path     string
	bucket   []byte
	interner *storage.Interner
	parent   storage.Parent
	logger   *zap.Logger
}

var _ storage.Storage = (*Storage)(nil)

// Open opens or creates the bbolt file at path and makes sure bucket exists.
func Open(path, bucket string, logger *zap.Logger) (*Storage, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if bucket == "" {
		bucket = DefaultBucket
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("%w: creating directory for %s: %v", storage.ErrIO, path, err)
	}
	db, err := bbolt.Open(path, 0o666, &bbolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("%w: opening bolt file %s: %v", storage.ErrIO, path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucket))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: creating bucket %s: %v", storage.ErrIO, bucket, err)
	}
	logger = logger.Named("bolt_storage").With(zap.String("path", path))
	logger.Info("bolt storage opened", zap.String("bucket", bucket))
	return &Storage{
		db:       db,
		path:     path,
		bucket:   []byte(bucket),
		interner: storage.NewInterner(),
		logger:   logger,
	}, nil
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
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(s.bucket).Put([]byte(n.ID.Key()), data)
	})
	if err != nil {
		return s.wrap("put", n.ID.Key(), err)
	}
	s.interner.Intern(n.ID).SetValid(true)
	return nil
}

func (s *Storage) Get(id storage.NodeID) (*storage.Node, error) {
	var data []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		// Values are only valid for the life of the transaction.
		data = bytes.Clone(tx.Bucket(s.bucket).Get([]byte(id.Key())))
		return nil
	})
	if err != nil {
		return nil, s.wrap("get", id.Key(), err)
	}
	if data == nil {
		return nil, nil
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
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(s.bucket).Delete([]byte(id.Key()))
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

// Clear drops and recreates the node bucket.
func (s *Storage) Clear() error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(s.bucket); err != nil {
			return err
		}
		_, err := tx.CreateBucket(s.bucket)
		return err
	})
	if err != nil {
		return s.wrap("clear", string(s.bucket), err)
	}
	s.interner.Reset()
	return nil
}

// Flush fsyncs the file. Committed transactions are already on disk unless the
// database was opened with NoSync.
func (s *Storage) Flush() error {
	if err := s.db.Sync(); err != nil {
		return s.wrap("sync", s.path, err)
	}
	return nil
}

func (s *Storage) FindUniqueInstance(id storage.NodeID) storage.NodeID {
	return s.interner.Intern(id)
}

func (s *Storage) PropertySet() storage.PropertySet {
	return storage.PropertySet{
		storage.KeyStorageType: Kind,
		storage.KeyStoragePath: s.path,
		storage.KeyBucket:      string(s.bucket),
	}
}

func (s *Storage) SetParent(p storage.Parent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parent = p
	if p != nil {
		s.logger = s.logger.With(zap.String("index_id", p.IndexID()))
	}
}

// Scan collects the keys in one read transaction and loads each node separately,
// so fn may write to the storage.
func (s *Storage) Scan(fn func(n *storage.Node) error) error {
	var keys [][]byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(s.bucket).ForEach(func(k, _ []byte) error {
			keys = append(keys, bytes.Clone(k))
			return nil
		})
	})
	if err != nil {
		return s.wrap("scan", string(s.bucket), err)
	}
	for _, k := range keys {
		n, err := s.Get(storage.NewNodeID(string(k), geometry.Region{}))
		if err != nil {
			return err
		}
		if n == nil {
			continue
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
	_ = s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(s.bucket).Stats().KeyN
		return nil
	})
	return n
}

func (s *Storage) Close() error {
	if err := s.db.Close(); err != nil {
		return s.wrap("close", s.path, err)
	}
	s.logger.Debug("bolt storage closed")
	return nil
}

func (s *Storage) wrap(op, key string, err error) error {
	if errors.Is(err, berrors.ErrDatabaseNotOpen) {
		return fmt.Errorf("%w: %s %s", storage.ErrStorageClosed, op, key)
	}
	return fmt.Errorf("%w: bolt %s %s: %v", storage.ErrIO, op, key, err)
}
