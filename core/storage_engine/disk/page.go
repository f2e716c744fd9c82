package disk

import (
	"container/list"
	"encoding/binary"
)

// PageID is the position of a page in the file. Page 0 holds the file header, so
// InvalidPageID doubles as the end-of-chain marker.
type PageID uint64

const InvalidPageID PageID = 0

// Every data page starts with a small header linking it to the next page of its
// record:
//
//	NextPageID (uint64) | DataLength (uint32) | reserved (uint32)
const pageHeaderSize = 16

// Page is an in-memory frame holding a copy of one disk page.
type Page struct {
	id         PageID
	data       []byte
	pinCount   uint32
	isDirty    bool
	lruElement *list.Element
}

func newPage(size int) *Page {
	return &Page{id: InvalidPageID, data: make([]byte, size)}
}

func (p *Page) reset() {
	p.id = InvalidPageID
	p.pinCount = 0
	p.isDirty = false
	p.lruElement = nil
	clear(p.data)
}

func (p *Page) ID() PageID       { return p.id }
func (p *Page) Data() []byte     { return p.data }
func (p *Page) IsDirty() bool    { return p.isDirty }
func (p *Page) PinCount() uint32 { return p.pinCount }

func (p *Page) pin() { p.pinCount++ }

func (p *Page) unpin() {
	if p.pinCount > 0 {
		p.pinCount--
	}
}

// NextPageID returns the next page of the record chain, or InvalidPageID.
func (p *Page) NextPageID() PageID {
	return PageID(binary.LittleEndian.Uint64(p.data[0:8]))
}

// DataLength is the number of record bytes stored in this page.
func (p *Page) DataLength() int {
	return int(binary.LittleEndian.Uint32(p.data[8:12]))
}

// Payload returns the record bytes held by the page.
func (p *Page) Payload() []byte {
	n := p.DataLength()
	if n > len(p.data)-pageHeaderSize {
		n = len(p.data) - pageHeaderSize
	}
	return p.data[pageHeaderSize : pageHeaderSize+n]
}

// setChunk stores chunk and the link to next. The caller marks the page dirty.
func (p *Page) setChunk(chunk []byte, next PageID) {
	clear(p.data)
	binary.LittleEndian.PutUint64(p.data[0:8], uint64(next))
	binary.LittleEndian.PutUint32(p.data[8:12], uint32(len(chunk)))
	copy(p.data[pageHeaderSize:], chunk)
}
