package disk

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	storage "github.com/sushant-115/gojogrid/core/storage_engine"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// BufferPool caches pages in a fixed number of frames with LRU eviction. Writes are
// held in the pool (write-behind) until the frame is evicted or FlushAllPages runs.
type BufferPool struct {
	diskManager *DiskManager
	poolSize    int
	pages       []*Page
	pageTable   map[PageID]int
	lruList     *list.List // frame indices, most recently used at the front
	mu          sync.Mutex
	pageSize    int
	limiter     *rate.Limiter
	logger      *zap.Logger
}

// NewBufferPool creates a pool of poolSize frames. A positive flushRate limits
// FlushAllPages to that many bytes per second.
func NewBufferPool(poolSize int, diskManager *DiskManager, flushRate int, logger *zap.Logger) *BufferPool {
	bp := &BufferPool{
		diskManager: diskManager,
		poolSize:    poolSize,
		pages:       make([]*Page, poolSize),
		pageTable:   make(map[PageID]int),
		lruList:     list.New(),
		pageSize:    diskManager.PageSize(),
		logger:      logger,
	}
	for i := range bp.pages {
		bp.pages[i] = newPage(bp.pageSize)
	}
	if flushRate > 0 {
		bp.limiter = rate.NewLimiter(rate.Limit(flushRate), max(flushRate, bp.pageSize))
	}
	logger.Debug("buffer pool initialized", zap.Int("pool_size", poolSize), zap.Int("page_size", bp.pageSize))
	return bp
}

// FetchPage returns the pinned frame holding pageID, reading it from disk on a miss.
func (bp *BufferPool) FetchPage(pageID PageID) (*Page, error) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	if frameIdx, ok := bp.pageTable[pageID]; ok {
		page := bp.pages[frameIdx]
		page.pin()
		if page.lruElement != nil {
			bp.lruList.MoveToFront(page.lruElement)
		}
		return page, nil
	}

	frameIdx, err := bp.claimFrameLocked()
	if err != nil {
		return nil, err
	}
	page := bp.pages[frameIdx]
	if err := bp.diskManager.ReadPage(pageID, page.data); err != nil {
		page.reset()
		return nil, fmt.Errorf("failed to read page %d: %w", pageID, err)
	}
	bp.trackLocked(frameIdx, pageID, false)
	return page, nil
}

// NewPage claims a zeroed, pinned, dirty frame for a page id the caller has already
// allocated on disk.
func (bp *BufferPool) NewPage(pageID PageID) (*Page, error) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	if frameIdx, ok := bp.pageTable[pageID]; ok {
		page := bp.pages[frameIdx]
		clear(page.data)
		page.pin()
		page.isDirty = true
		bp.lruList.MoveToFront(page.lruElement)
		return page, nil
	}
	frameIdx, err := bp.claimFrameLocked()
	if err != nil {
		return nil, fmt.Errorf("failed to get frame for new page %d: %w", pageID, err)
	}
	bp.trackLocked(frameIdx, pageID, true)
	return bp.pages[frameIdx], nil
}

// claimFrameLocked returns a free frame, evicting the least recently used unpinned
// page (written back first when dirty) if none is free. Must hold bp.mu.
func (bp *BufferPool) claimFrameLocked() (int, error) {
	for i, page := range bp.pages {
		if page.id == InvalidPageID {
			return i, nil
		}
	}
	for e := bp.lruList.Back(); e != nil; e = e.Prev() {
		frameIdx := e.Value.(int)
		victim := bp.pages[frameIdx]
		if victim.pinCount != 0 {
			continue
		}
		if victim.isDirty {
			if err := bp.diskManager.WritePage(victim.id, victim.data); err != nil {
				return -1, fmt.Errorf("failed to write back victim page %d: %w", victim.id, err)
			}
			bp.logger.Debug("wrote back evicted page", zap.Uint64("page_id", uint64(victim.id)))
		}
		delete(bp.pageTable, victim.id)
		bp.lruList.Remove(e)
		victim.reset()
		return frameIdx, nil
	}
	return -1, storage.ErrBufferPoolFull
}

func (bp *BufferPool) trackLocked(frameIdx int, pageID PageID, dirty bool) {
	page := bp.pages[frameIdx]
	page.id = pageID
	page.pinCount = 1
	page.isDirty = dirty
	page.lruElement = bp.lruList.PushFront(frameIdx)
	bp.pageTable[pageID] = frameIdx
}

// UnpinPage releases one pin on pageID and marks it dirty when isDirty is set.
func (bp *BufferPool) UnpinPage(pageID PageID, isDirty bool) error {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	frameIdx, ok := bp.pageTable[pageID]
	if !ok {
		return fmt.Errorf("%w: page %d not found to unpin", storage.ErrPageNotFound, pageID)
	}
	page := bp.pages[frameIdx]
	if page.pinCount == 0 {
		return fmt.Errorf("cannot unpin page %d with pin count 0", pageID)
	}
	page.unpin()
	if isDirty {
		page.isDirty = true
	}
	return nil
}

// DiscardPage drops pageID from the pool without writing it back. Used for pages
// that were freed and whose contents no longer matter.
func (bp *BufferPool) DiscardPage(pageID PageID) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	frameIdx, ok := bp.pageTable[pageID]
	if !ok {
		return
	}
	page := bp.pages[frameIdx]
	if page.pinCount > 0 {
		bp.logger.Warn("discarding pinned page", zap.Uint64("page_id", uint64(pageID)))
	}
	delete(bp.pageTable, pageID)
	if page.lruElement != nil {
		bp.lruList.Remove(page.lruElement)
	}
	page.reset()
}

// FlushAllPages writes every dirty page back and syncs the file. It returns the
// first error but keeps flushing the remaining pages.
func (bp *BufferPool) FlushAllPages(ctx context.Context) error {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	var firstErr error
	written := 0
	for _, page := range bp.pages {
		if page.id == InvalidPageID || !page.isDirty {
			continue
		}
		if bp.limiter != nil {
			if err := bp.limiter.WaitN(ctx, bp.pageSize); err != nil {
				return fmt.Errorf("flush interrupted: %w", err)
			}
		}
		if err := bp.diskManager.WritePage(page.id, page.data); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			bp.logger.Error("failed to flush page", zap.Uint64("page_id", uint64(page.id)), zap.Error(err))
			continue
		}
		page.isDirty = false
		written++
	}
	if err := bp.diskManager.Sync(); err != nil && firstErr == nil {
		firstErr = err
	}
	bp.logger.Debug("flushed buffer pool", zap.Int("pages_written", written))
	return firstErr
}

// Reset drops every frame without writing anything back.
func (bp *BufferPool) Reset() {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	for _, page := range bp.pages {
		page.reset()
	}
	bp.pageTable = make(map[PageID]int)
	bp.lruList.Init()
}

// DirtyPages returns the number of frames not yet written back.
func (bp *BufferPool) DirtyPages() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	n := 0
	for _, page := range bp.pages {
		if page.id != InvalidPageID && page.isDirty {
			n++
		}
	}
	return n
}
