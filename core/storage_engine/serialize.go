package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/sushant-115/gojogrid/core/geometry"
)

const nodeFormatVersion uint8 = 1

const (
	shapeKindRegion uint8 = 1
	shapeKindPoint  uint8 = 2
)

// maxFieldLength bounds length prefixes read back from disk so a corrupt record
// cannot trigger a huge allocation.
const maxFieldLength = 64 << 20

// EncodeNode serializes a node into a byte slice for persistent storages.
// Format (little endian):
//   - version (uint8)
//   - key length (uint32), key bytes
//   - level (int32)
//   - region: dims (uint32), low coords, high coords (float64 each)
//   - has meta (uint8), followed by the root metadata when set
//   - number of entries (uint32)
//   - for each entry: id (int64), seq (uint64), shape kind (uint8), shape coords,
//     payload length (uint32), payload bytes
func EncodeNode(n *Node, codec Codec) ([]byte, error) {
	w := &encoder{buf: new(bytes.Buffer)}
	w.u8(nodeFormatVersion)
	w.str(n.ID.Key())
	w.i32(int32(n.Level))
	w.region(n.ID.Region())

	if n.Meta != nil {
		w.u8(1)
		w.str(n.Meta.IndexType)
		w.str(n.Meta.IndexID)
		w.str(n.Meta.PayloadCodec)
		w.region(n.Meta.Universe)
		w.u32(uint32(len(n.Meta.Cells)))
		for _, c := range n.Meta.Cells {
			w.i32(int32(c))
		}
		w.i64(int64(n.Meta.Capacity))
		w.u64(n.Meta.NumberOfData)
		w.u64(n.Meta.NumberOfNodes)
		w.u64(n.Meta.RootInsertions)
		w.u64(n.Meta.NextSeq)
	} else {
		w.u8(0)
	}

	w.u32(uint32(len(n.Entries)))
	for i, e := range n.Entries {
		w.i64(e.ID)
		w.u64(e.Seq)
		switch s := e.Shape.(type) {
		case geometry.Region:
			w.u8(shapeKindRegion)
			w.region(s)
		case geometry.Point:
			w.u8(shapeKindPoint)
			w.floats(s.Coords)
		default:
			return nil, fmt.Errorf("%w: entry %d has unsupported shape type %T", ErrSerialization, i, e.Shape)
		}
		if codec == nil {
			return nil, fmt.Errorf("%w: node %s", ErrNoPayloadCodec, n.ID.Key())
		}
		payload, err := codec.Encode(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode payload of entry %d in node %s: %w", i, n.ID.Key(), err)
		}
		w.bytes(payload)
	}
	if w.err != nil {
		return nil, fmt.Errorf("%w: node %s: %v", ErrSerialization, n.ID.Key(), w.err)
	}
	return w.buf.Bytes(), nil
}

// DecodeNode is the inverse of EncodeNode. The returned node carries a fresh
// BaseNodeID; callers intern it through their storage.
func DecodeNode(data []byte, codec Codec) (*Node, error) {
	r := &decoder{r: bytes.NewReader(data)}
	version := r.u8()
	if r.err == nil && version != nodeFormatVersion {
		return nil, fmt.Errorf("%w: unknown node format version %d", ErrDeserialization, version)
	}
	key := r.str()
	level := r.i32()
	region := r.region()
	n := &Node{Level: int(level)}

	if r.u8() == 1 {
		m := &RootMeta{}
		m.IndexType = r.str()
		m.IndexID = r.str()
		m.PayloadCodec = r.str()
		m.Universe = r.region()
		numCells := r.length()
		m.Cells = make([]int, 0, numCells)
		for i := 0; i < numCells && r.err == nil; i++ {
			m.Cells = append(m.Cells, int(r.i32()))
		}
		m.Capacity = int(r.i64())
		m.NumberOfData = r.u64()
		m.NumberOfNodes = r.u64()
		m.RootInsertions = r.u64()
		m.NextSeq = r.u64()
		n.Meta = m
	}

	numEntries := r.length()
	if r.err != nil {
		return nil, fmt.Errorf("%w: node header: %v", ErrDeserialization, r.err)
	}
	n.Entries = make([]Entry, 0, numEntries)
	for i := 0; i < numEntries; i++ {
		var e Entry
		e.ID = r.i64()
		e.Seq = r.u64()
		switch kind := r.u8(); kind {
		case shapeKindRegion:
			e.Shape = r.region()
		case shapeKindPoint:
			e.Shape = geometry.Point{Coords: r.floats()}
		default:
			if r.err == nil {
				return nil, fmt.Errorf("%w: entry %d of node %s has unknown shape kind %d", ErrDeserialization, i, key, kind)
			}
		}
		payload := r.bytes()
		if r.err != nil {
			return nil, fmt.Errorf("%w: entry %d of node %s: %v", ErrDeserialization, i, key, r.err)
		}
		if codec == nil {
			return nil, fmt.Errorf("%w: node %s", ErrNoPayloadCodec, key)
		}
		decoded, err := codec.Decode(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to decode payload of entry %d in node %s: %w", i, key, err)
		}
		e.Payload = decoded
		n.Entries = append(n.Entries, e)
	}
	n.ID = NewNodeID(key, region)
	return n, nil
}

// encoder writes little endian fields and keeps the first error.
type encoder struct {
	buf *bytes.Buffer
	err error
}

func (w *encoder) write(v any) {
	if w.err != nil {
		return
	}
	w.err = binary.Write(w.buf, binary.LittleEndian, v)
}

func (w *encoder) u8(v uint8)   { w.write(v) }
func (w *encoder) u32(v uint32) { w.write(v) }
func (w *encoder) i32(v int32)  { w.write(v) }
func (w *encoder) i64(v int64)  { w.write(v) }
func (w *encoder) u64(v uint64) { w.write(v) }

func (w *encoder) bytes(b []byte) {
	w.u32(uint32(len(b)))
	if w.err == nil {
		_, w.err = w.buf.Write(b)
	}
}

func (w *encoder) str(s string) { w.bytes([]byte(s)) }

func (w *encoder) floats(f []float64) {
	w.u32(uint32(len(f)))
	for _, v := range f {
		w.write(math.Float64bits(v))
	}
}

func (w *encoder) region(r geometry.Region) {
	w.u32(uint32(r.Dimension()))
	for _, v := range r.Low {
		w.write(math.Float64bits(v))
	}
	for _, v := range r.High {
		w.write(math.Float64bits(v))
	}
}

// decoder reads little endian fields and keeps the first error.
type decoder struct {
	r   *bytes.Reader
	err error
}

func (d *decoder) read(v any) {
	if d.err != nil {
		return
	}
	d.err = binary.Read(d.r, binary.LittleEndian, v)
}

func (d *decoder) u8() uint8 {
	var v uint8
	d.read(&v)
	return v
}

func (d *decoder) u32() uint32 {
	var v uint32
	d.read(&v)
	return v
}

func (d *decoder) i32() int32 {
	var v int32
	d.read(&v)
	return v
}

func (d *decoder) i64() int64 {
	var v int64
	d.read(&v)
	return v
}

func (d *decoder) u64() uint64 {
	var v uint64
	d.read(&v)
	return v
}

func (d *decoder) length() int {
	n := d.u32()
	if d.err == nil && n > maxFieldLength {
		d.err = fmt.Errorf("length prefix %d exceeds limit", n)
	}
	if d.err != nil {
		return 0
	}
	return int(n)
}

func (d *decoder) bytes() []byte {
	n := d.length()
	if d.err != nil {
		return nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(d.r, b); err != nil {
		d.err = err
		return nil
	}
	return b
}

func (d *decoder) str() string { return string(d.bytes()) }

func (d *decoder) floats() []float64 {
	n := d.length()
	out := make([]float64, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		var bits uint64
		d.read(&bits)
		out = append(out, math.Float64frombits(bits))
	}
	return out
}

func (d *decoder) region() geometry.Region {
	n := d.length()
	r := geometry.Region{Low: make([]float64, n), High: make([]float64, n)}
	for i := 0; i < n && d.err == nil; i++ {
		var bits uint64
		d.read(&bits)
		r.Low[i] = math.Float64frombits(bits)
	}
	for i := 0; i < n && d.err == nil; i++ {
		var bits uint64
		d.read(&bits)
		r.High[i] = math.Float64frombits(bits)
	}
	return r
}
