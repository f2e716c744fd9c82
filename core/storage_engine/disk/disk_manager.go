package disk

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"

	storage "github.com/sushant-115/gojogrid/core/storage_engine"
	"go.uber.org/zap"
)

const (
	fileMagic   uint32 = 0x47524944 // "GRID"
	fileVersion uint32 = 1
)

// FileHeader lives at the start of page 0. All fields have fixed sizes so that
// binary.Read/Write see the same layout.
type FileHeader struct {
	Magic           uint32
	Version         uint32
	PageSize        uint32
	_               uint32
	DirectoryPageID PageID
	NumPages        uint64
}

// DiskManager reads and writes whole pages of the storage file.
type DiskManager struct {
	filePath string
	file     *os.File
	pageSize int
	numPages uint64
	mu       sync.Mutex
	logger   *zap.Logger
}

func NewDiskManager(filePath string, pageSize int, logger *zap.Logger) *DiskManager {
	return &DiskManager{filePath: filePath, pageSize: pageSize, logger: logger}
}

// OpenOrCreateFile opens the file at the configured path, creating and initializing
// it when it does not exist yet.
func (dm *DiskManager) OpenOrCreateFile() (*FileHeader, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	var header FileHeader
	_, statErr := os.Stat(dm.filePath)
	switch {
	case errors.Is(statErr, fs.ErrNotExist):
		file, err := os.OpenFile(dm.filePath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o666)
		if err != nil {
			return nil, fmt.Errorf("%w: creating file %s: %v", storage.ErrIO, dm.filePath, err)
		}
		dm.file = file
		header = FileHeader{
			Magic:           fileMagic,
			Version:         fileVersion,
			PageSize:        uint32(dm.pageSize),
			DirectoryPageID: InvalidPageID,
			NumPages:        1,
		}
		if err := dm.writeHeader(&header); err != nil {
			_ = dm.file.Close()
			_ = os.Remove(dm.filePath)
			return nil, fmt.Errorf("failed to write initial header: %w", err)
		}
		dm.numPages = 1
		dm.logger.Info("created storage file", zap.String("path", dm.filePath), zap.Int("page_size", dm.pageSize))
		return &header, nil

	case statErr == nil:
		file, err := os.OpenFile(dm.filePath, os.O_RDWR, 0o666)
		if err != nil {
			return nil, fmt.Errorf("%w: opening file %s: %v", storage.ErrIO, dm.filePath, err)
		}
		dm.file = file
		if err := dm.readHeader(&header); err != nil {
			dm.closeLocked()
			return nil, fmt.Errorf("failed to read storage header: %w", err)
		}
		if header.Magic != fileMagic {
			dm.closeLocked()
			return nil, fmt.Errorf("%w: %s is not a grid storage file (magic 0x%x)", storage.ErrInvalidPageData, dm.filePath, header.Magic)
		}
		if header.Version != fileVersion {
			dm.closeLocked()
			return nil, fmt.Errorf("%w: unsupported file version %d", storage.ErrInvalidPageData, header.Version)
		}
		if header.PageSize != uint32(dm.pageSize) {
			dm.closeLocked()
			return nil, fmt.Errorf("%w: file page size (%d) does not match configured page size (%d)",
				storage.ErrInvalidConfiguration, header.PageSize, dm.pageSize)
		}
		fi, err := dm.file.Stat()
		if err != nil {
			dm.closeLocked()
			return nil, fmt.Errorf("%w: getting file info: %v", storage.ErrIO, err)
		}
		dm.numPages = max(header.NumPages, uint64(fi.Size())/uint64(dm.pageSize))
		dm.logger.Info("opened storage file", zap.String("path", dm.filePath), zap.Uint64("pages", dm.numPages))
		return &header, nil

	default:
		return nil, fmt.Errorf("%w: stating file %s: %v", storage.ErrIO, dm.filePath, statErr)
	}
}

// WriteHeader replaces the file header and syncs it.
func (dm *DiskManager) WriteHeader(header *FileHeader) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return storage.ErrStorageClosed
	}
	header.NumPages = dm.numPages
	return dm.writeHeader(header)
}

func (dm *DiskManager) writeHeader(header *FileHeader) error {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return fmt.Errorf("%w: serializing header: %v", storage.ErrSerialization, err)
	}
	page := make([]byte, dm.pageSize)
	copy(page, buf.Bytes())
	if _, err := dm.file.WriteAt(page, 0); err != nil {
		return fmt.Errorf("%w: writing header to disk: %v", storage.ErrIO, err)
	}
	if err := dm.file.Sync(); err != nil {
		return fmt.Errorf("%w: syncing header: %v", storage.ErrIO, err)
	}
	return nil
}

func (dm *DiskManager) readHeader(header *FileHeader) error {
	data := make([]byte, binary.Size(header))
	n, err := dm.file.ReadAt(data, 0)
	if err != nil {
		if err == io.EOF && n < len(data) {
			return fmt.Errorf("%w: file is too small to hold a header", storage.ErrInvalidPageData)
		}
		return fmt.Errorf("%w: reading header from disk: %v", storage.ErrIO, err)
	}
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, header); err != nil {
		return fmt.Errorf("%w: deserializing header: %v", storage.ErrDeserialization, err)
	}
	return nil
}

// ReadPage reads a page's data from disk into pageData.
func (dm *DiskManager) ReadPage(pageID PageID, pageData []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return storage.ErrStorageClosed
	}
	if len(pageData) != dm.pageSize {
		return fmt.Errorf("page data buffer size (%d) != disk manager page size (%d)", len(pageData), dm.pageSize)
	}
	if pageID == InvalidPageID || uint64(pageID) >= dm.numPages {
		return fmt.Errorf("%w: page %d (file has %d pages)", storage.ErrPageNotFound, pageID, dm.numPages)
	}
	offset := int64(pageID) * int64(dm.pageSize)
	bytesRead, err := dm.file.ReadAt(pageData, offset)
	if err != nil {
		return fmt.Errorf("%w: reading page %d at offset %d: %v", storage.ErrIO, pageID, offset, err)
	}
	if bytesRead != dm.pageSize {
		return fmt.Errorf("%w: short read for page %d, expected %d, got %d", storage.ErrIO, pageID, dm.pageSize, bytesRead)
	}
	return nil
}

// WritePage writes pageData at pageID. It does not sync; see Sync.
func (dm *DiskManager) WritePage(pageID PageID, pageData []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return storage.ErrStorageClosed
	}
	if len(pageData) != dm.pageSize {
		return fmt.Errorf("page data buffer size (%d) != disk manager page size (%d)", len(pageData), dm.pageSize)
	}
	offset := int64(pageID) * int64(dm.pageSize)
	if _, err := dm.file.WriteAt(pageData, offset); err != nil {
		return fmt.Errorf("%w: writing page %d at offset %d: %v", storage.ErrIO, pageID, offset, err)
	}
	return nil
}

// AllocatePage extends the file by one page and returns its id.
func (dm *DiskManager) AllocatePage() (PageID, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return InvalidPageID, storage.ErrStorageClosed
	}
	newPageID := PageID(dm.numPages)
	offset := int64(newPageID) * int64(dm.pageSize)
	if _, err := dm.file.WriteAt(make([]byte, dm.pageSize), offset); err != nil {
		return InvalidPageID, fmt.Errorf("%w: extending file for new page %d: %v", storage.ErrIO, newPageID, err)
	}
	dm.numPages++
	return newPageID, nil
}

func (dm *DiskManager) NumPages() uint64 {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.numPages
}

func (dm *DiskManager) PageSize() int { return dm.pageSize }

// Sync flushes written pages to stable storage.
func (dm *DiskManager) Sync() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return storage.ErrStorageClosed
	}
	if err := dm.file.Sync(); err != nil {
		return fmt.Errorf("%w: syncing %s: %v", storage.ErrIO, dm.filePath, err)
	}
	return nil
}

// Close syncs and closes the file.
func (dm *DiskManager) Close() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.closeLocked()
}

func (dm *DiskManager) closeLocked() error {
	if dm.file == nil {
		return nil
	}
	if err := dm.file.Sync(); err != nil {
		dm.logger.Warn("error syncing file on close", zap.Error(err))
	}
	err := dm.file.Close()
	dm.file = nil
	if err != nil {
		return fmt.Errorf("%w: closing %s: %v", storage.ErrIO, dm.filePath, err)
	}
	return nil
}
