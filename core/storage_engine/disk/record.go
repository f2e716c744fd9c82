package disk

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/snappy"
	storage "github.com/sushant-115/gojogrid/core/storage_engine"
)

// A record is a byte blob spread over a chain of pages:
//
//	flags (uint8) | checksum (uint64, xxhash of body) | body length (uint32) | body
//
// The body is snappy compressed when flagSnappy is set.
const (
	recordHeaderSize = 13

	flagSnappy uint8 = 1 << 0
)

func (s *Storage) pageCapacity() int { return s.cfg.PageSize - pageHeaderSize }

// encodeRecord frames data, compressing it when configured.
func (s *Storage) encodeRecord(data []byte) []byte {
	if s.cfg.Compression == CompressionSnappy {
		return frameRecord(snappy.Encode(nil, data), flagSnappy)
	}
	return frameRecord(data, 0)
}

func frameRecord(body []byte, flags uint8) []byte {
	out := make([]byte, recordHeaderSize+len(body))
	out[0] = flags
	binary.LittleEndian.PutUint64(out[1:9], xxhash.Sum64(body))
	binary.LittleEndian.PutUint32(out[9:13], uint32(len(body)))
	copy(out[recordHeaderSize:], body)
	return out
}

func decodeRecord(blob []byte, start PageID) ([]byte, error) {
	if len(blob) < recordHeaderSize {
		return nil, fmt.Errorf("%w: record at page %d is truncated", storage.ErrInvalidPageData, start)
	}
	flags := blob[0]
	sum := binary.LittleEndian.Uint64(blob[1:9])
	n := int(binary.LittleEndian.Uint32(blob[9:13]))
	if n != len(blob)-recordHeaderSize {
		return nil, fmt.Errorf("%w: record at page %d claims %d bytes, chain holds %d", storage.ErrInvalidPageData, start, n, len(blob)-recordHeaderSize)
	}
	body := blob[recordHeaderSize:]
	if xxhash.Sum64(body) != sum {
		return nil, fmt.Errorf("%w: record at page %d", storage.ErrChecksumMismatch, start)
	}
	if flags&flagSnappy != 0 {
		decoded, err := snappy.Decode(nil, body)
		if err != nil {
			return nil, fmt.Errorf("%w: decompressing record at page %d: %v", storage.ErrDeserialization, start, err)
		}
		return decoded, nil
	}
	return body, nil
}

// writeChain stores blob across pages, which must hold enough room, and links them.
// Surplus pages are kept in the chain with no data.
func (s *Storage) writeChain(blob []byte, pages []PageID) error {
	capacity := s.pageCapacity()
	for i, pageID := range pages {
		next := InvalidPageID
		if i+1 < len(pages) {
			next = pages[i+1]
		}
		lo := min(i*capacity, len(blob))
		hi := min(lo+capacity, len(blob))
		page, err := s.pool.NewPage(pageID)
		if err != nil {
			return err
		}
		page.setChunk(blob[lo:hi], next)
		if err := s.pool.UnpinPage(pageID, true); err != nil {
			return err
		}
	}
	return nil
}

// readChain concatenates the payloads of the chain starting at start. It also
// returns the page ids of the chain.
func (s *Storage) readChain(start PageID) ([]byte, []PageID, error) {
	var blob []byte
	var pages []PageID
	limit := s.dm.NumPages()
	for pageID := start; pageID != InvalidPageID; {
		if uint64(len(pages)) >= limit {
			return nil, nil, fmt.Errorf("%w: page chain starting at %d does not terminate", storage.ErrInvalidPageData, start)
		}
		page, err := s.pool.FetchPage(pageID)
		if err != nil {
			return nil, nil, err
		}
		if page.DataLength() > s.pageCapacity() {
			_ = s.pool.UnpinPage(pageID, false)
			return nil, nil, fmt.Errorf("%w: page %d claims %d bytes", storage.ErrInvalidPageData, pageID, page.DataLength())
		}
		blob = append(blob, page.Payload()...)
		pages = append(pages, pageID)
		next := page.NextPageID()
		if err := s.pool.UnpinPage(pageID, false); err != nil {
			return nil, nil, err
		}
		pageID = next
	}
	return blob, pages, nil
}

// pagesFor returns how many pages a blob of n bytes occupies.
func (s *Storage) pagesFor(n int) int {
	c := s.pageCapacity()
	return max(1, (n+c-1)/c)
}
