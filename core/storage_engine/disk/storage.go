// Package disk implements a paged, file-backed Storage.
//
// Each node is serialized into a record that is chained across fixed-size pages.
// Pages are cached in an LRU buffer pool and written back lazily, so data is only
// durable after Flush. Flush also persists the key directory and the free page list
// and then points the file header at the new directory.
package disk

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	storage "github.com/sushant-115/gojogrid/core/storage_engine"
	"go.uber.org/zap"
)

// Kind is the Storage.Type tag of this backend.
const Kind = "disk"

func init() {
	storage.Register(Kind, func(props storage.PropertySet, logger *zap.Logger) (storage.Storage, error) {
		cfg, err := ConfigFromProperties(props)
		if err != nil {
			return nil, err
		}
		return Open(cfg, logger)
	})
}

// PageNodeID is the identifier handed out by the disk storage. The start page of
// the node's record is transient and never part of equality.
type PageNodeID struct {
	*storage.BaseNodeID
	startPage atomic.Uint64
}

// StartPage returns the first page of the node's record as of the last Put or Get.
func (id *PageNodeID) StartPage() PageID { return PageID(id.startPage.Load()) }

// Storage is the disk-backed storage.Storage.
type Storage struct {
	mu     sync.Mutex
	cfg    Config
	dm     *DiskManager
	pool   *BufferPool
	header *FileHeader

	// directory maps node keys to the first page of their record.
	directory map[string]PageID
	dirPages  []PageID
	// free pages may be reused right away. pendingFree pages are still referenced
	// by the on-disk directory and become reusable after the next Flush.
	free        []PageID
	pendingFree []PageID

	interner *storage.Interner
	parent   storage.Parent
	logger   *zap.Logger
	closed   bool
}

var _ storage.Storage = (*Storage)(nil)

// Open opens or creates the storage file described by cfg.
func Open(cfg Config, logger *zap.Logger) (*Storage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("disk_storage").With(zap.String("path", cfg.Path))

	dm := NewDiskManager(cfg.Path, cfg.PageSize, logger)
	header, err := dm.OpenOrCreateFile()
	if err != nil {
		return nil, err
	}
	s := &Storage{
		cfg:       cfg,
		dm:        dm,
		pool:      NewBufferPool(cfg.BufferPoolSize, dm, cfg.FlushRateBytes, logger),
		header:    header,
		directory: make(map[string]PageID),
		interner:  storage.NewInterner(),
		logger:    logger,
	}
	if header.DirectoryPageID != InvalidPageID {
		if err := s.loadDirectory(header.DirectoryPageID); err != nil {
			_ = dm.Close()
			return nil, fmt.Errorf("failed to load directory: %w", err)
		}
	}
	logger.Info("disk storage opened", zap.Int("nodes", len(s.directory)), zap.Int("free_pages", len(s.free)))
	return s, nil
}

func (s *Storage) Put(n *storage.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrStorageClosed
	}

	data, err := storage.EncodeNode(n, storage.CodecOf(s.parent))
	if err != nil {
		return err
	}
	blob := s.encodeRecord(data)
	pages, err := s.allocate(s.pagesFor(len(blob)))
	if err != nil {
		return err
	}
	if err := s.writeChain(blob, pages); err != nil {
		s.free = append(s.free, pages...)
		return fmt.Errorf("failed to write node %s: %w", n.ID.Key(), err)
	}

	key := n.ID.Key()
	if old, ok := s.directory[key]; ok {
		s.releaseChain(old)
	}
	s.directory[key] = pages[0]
	if id, ok := s.interner.Intern(n.ID).(*PageNodeID); ok {
		id.startPage.Store(uint64(pages[0]))
	}
	return nil
}

func (s *Storage) Get(id storage.NodeID) (*storage.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, storage.ErrStorageClosed
	}
	start, ok := s.directory[id.Key()]
	if !ok {
		return nil, nil
	}
	return s.loadNode(start)
}

func (s *Storage) loadNode(start PageID) (*storage.Node, error) {
	blob, _, err := s.readChain(start)
	if err != nil {
		return nil, err
	}
	data, err := decodeRecord(blob, start)
	if err != nil {
		return nil, err
	}
	n, err := storage.DecodeNode(data, storage.CodecOf(s.parent))
	if err != nil {
		return nil, err
	}
	candidate := &PageNodeID{BaseNodeID: n.ID.(*storage.BaseNodeID)}
	candidate.startPage.Store(uint64(start))
	n.ID = s.interner.Intern(candidate)
	return n, nil
}

func (s *Storage) Remove(id storage.NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrStorageClosed
	}
	start, ok := s.directory[id.Key()]
	if !ok {
		return nil
	}
	s.releaseChain(start)
	delete(s.directory, id.Key())
	if canonical, ok := s.interner.Lookup(id.Key()); ok {
		canonical.SetValid(false)
	}
	id.SetValid(false)
	s.interner.Forget(id.Key())
	return nil
}

func (s *Storage) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrStorageClosed
	}
	for key, start := range s.directory {
		s.releaseChain(start)
		if id, ok := s.interner.Lookup(key); ok {
			id.SetValid(false)
		}
	}
	s.directory = make(map[string]PageID)
	s.interner.Reset()
	return nil
}

// Flush writes the directory, writes back every dirty page and updates the header.
// Identifiers of stored nodes are marked valid once it succeeds.
func (s *Storage) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrStorageClosed
	}
	return s.flushLocked(context.Background())
}

func (s *Storage) flushLocked(ctx context.Context) error {
	oldDir := s.dirPages
	// Upper bound: reserving pages below can only shrink the free list.
	bound := recordHeaderSize + s.directorySize(len(s.free)+len(s.pendingFree)+len(oldDir))
	pages, err := s.allocate(s.pagesFor(bound))
	if err != nil {
		return err
	}
	newFree := make([]PageID, 0, len(s.free)+len(s.pendingFree)+len(oldDir))
	newFree = append(newFree, s.free...)
	newFree = append(newFree, s.pendingFree...)
	newFree = append(newFree, oldDir...)

	if err := s.writeChain(frameRecord(s.encodeDirectory(newFree), 0), pages); err != nil {
		s.free = append(s.free, pages...)
		return fmt.Errorf("failed to write directory: %w", err)
	}
	if err := s.pool.FlushAllPages(ctx); err != nil {
		s.free = append(s.free, pages...)
		return fmt.Errorf("failed to flush pages: %w", err)
	}
	s.header.DirectoryPageID = pages[0]
	if err := s.dm.WriteHeader(s.header); err != nil {
		s.free = append(s.free, pages...)
		return err
	}

	for _, p := range oldDir {
		s.pool.DiscardPage(p)
	}
	s.free = newFree
	s.pendingFree = nil
	s.dirPages = pages
	for key := range s.directory {
		if id, ok := s.interner.Lookup(key); ok {
			id.SetValid(true)
		}
	}
	s.logger.Debug("disk storage flushed",
		zap.Int("nodes", len(s.directory)),
		zap.Int("free_pages", len(s.free)),
		zap.Uint64("file_pages", s.dm.NumPages()))
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

// Scan loads nodes one at a time without holding the storage lock while fn runs.
func (s *Storage) Scan(fn func(n *storage.Node) error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return storage.ErrStorageClosed
	}
	keys := make([]string, 0, len(s.directory))
	for k := range s.directory {
		keys = append(keys, k)
	}
	s.mu.Unlock()
	sort.Strings(keys)

	for _, k := range keys {
		s.mu.Lock()
		start, ok := s.directory[k]
		var n *storage.Node
		var err error
		if ok {
			n, err = s.loadNode(start)
		}
		s.mu.Unlock()
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
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.directory)
}

// Close flushes and closes the file. Closing twice is a no-op.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	flushErr := s.flushLocked(context.Background())
	s.pool.Reset()
	closeErr := s.dm.Close()
	s.closed = true
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// allocate hands out n pages, reusing free pages before growing the file.
func (s *Storage) allocate(n int) ([]PageID, error) {
	pages := make([]PageID, 0, n)
	for len(pages) < n && len(s.free) > 0 {
		last := len(s.free) - 1
		pages = append(pages, s.free[last])
		s.free = s.free[:last]
	}
	for len(pages) < n {
		id, err := s.dm.AllocatePage()
		if err != nil {
			s.free = append(s.free, pages...)
			return nil, err
		}
		pages = append(pages, id)
	}
	return pages, nil
}

// releaseChain moves the pages of a record to pendingFree.
func (s *Storage) releaseChain(start PageID) {
	_, pages, err := s.readChain(start)
	if err != nil {
		s.logger.Warn("leaking unreadable page chain", zap.Uint64("start_page", uint64(start)), zap.Error(err))
		return
	}
	for _, p := range pages {
		s.pool.DiscardPage(p)
	}
	s.pendingFree = append(s.pendingFree, pages...)
}

// Directory layout:
//
//	count (uint32) | count * (key length (uint32), key, start page (uint64))
//	free count (uint32) | free count * page (uint64)
func (s *Storage) directorySize(freeCount int) int {
	size := 4 + 4 + 8*freeCount
	for k := range s.directory {
		size += 4 + len(k) + 8
	}
	return size
}

func (s *Storage) encodeDirectory(free []PageID) []byte {
	keys := make([]string, 0, len(s.directory))
	for k := range s.directory {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf := make([]byte, 0, s.directorySize(len(free)))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(keys)))
	for _, k := range keys {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(k)))
		buf = append(buf, k...)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(s.directory[k]))
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(free)))
	for _, p := range free {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(p))
	}
	return buf
}

func (s *Storage) loadDirectory(start PageID) error {
	blob, pages, err := s.readChain(start)
	if err != nil {
		return err
	}
	data, err := decodeRecord(blob, start)
	if err != nil {
		return err
	}
	numPages := s.dm.NumPages()
	r := bytes.NewReader(data)
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return fmt.Errorf("%w: directory header: %v", storage.ErrDeserialization, err)
	}
	for i := uint32(0); i < count; i++ {
		var keyLen uint32
		if err := binary.Read(r, binary.LittleEndian, &keyLen); err != nil {
			return fmt.Errorf("%w: directory entry %d: %v", storage.ErrDeserialization, i, err)
		}
		if int(keyLen) > r.Len() {
			return fmt.Errorf("%w: directory entry %d has key length %d", storage.ErrDeserialization, i, keyLen)
		}
		key := make([]byte, keyLen)
		_, _ = r.Read(key)
		var page uint64
		if err := binary.Read(r, binary.LittleEndian, &page); err != nil {
			return fmt.Errorf("%w: directory entry %d: %v", storage.ErrDeserialization, i, err)
		}
		if page == 0 || page >= numPages {
			return fmt.Errorf("%w: directory entry %q points at page %d", storage.ErrInvalidPageData, key, page)
		}
		s.directory[string(key)] = PageID(page)
	}
	var freeCount uint32
	if err := binary.Read(r, binary.LittleEndian, &freeCount); err != nil {
		return fmt.Errorf("%w: free list header: %v", storage.ErrDeserialization, err)
	}
	if int(freeCount)*8 > r.Len() {
		return fmt.Errorf("%w: free list claims %d pages", storage.ErrDeserialization, freeCount)
	}
	s.free = make([]PageID, freeCount)
	for i := range s.free {
		var page uint64
		_ = binary.Read(r, binary.LittleEndian, &page)
		s.free[i] = PageID(page)
	}
	s.dirPages = pages
	return nil
}
