package hare

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Page is a fixed size byte buffer with little-endian typed accessors. The
// layout is uninterpreted; views overlay structure on top. Accessors
// bounds-check and panic with ErrIndexOutOfRange on overrun, writes notify
// the owning page reference through the dirty hook.
type Page struct {
	data  []byte
	dirty func()
}

// NewPage returns a zeroed page of the given size.
func NewPage(size int) *Page {
	return &Page{data: make([]byte, size)}
}

func newPageOver(buf []byte, dirty func()) *Page {
	return &Page{data: buf, dirty: dirty}
}

// Size returns the page size in bytes.
func (p *Page) Size() int {
	return len(p.data)
}

func (p *Page) mustRange(offset, width int) {
	if offset < 0 || offset+width > len(p.data) {
		panic(fmt.Errorf("%w: offset %d, width %d, page size %d", ErrIndexOutOfRange, offset, width, len(p.data)))
	}
}

func (p *Page) markDirty() {
	if p.dirty != nil {
		p.dirty()
	}
}

// reset zeroes the page content without touching the dirty hook.
func (p *Page) reset() {
	for i := range p.data {
		p.data[i] = 0
	}
}

func (p *Page) Byte(offset int) byte {
	p.mustRange(offset, 1)
	return p.data[offset]
}

func (p *Page) PutByte(offset int, v byte) {
	p.mustRange(offset, 1)
	p.data[offset] = v
	p.markDirty()
}

func (p *Page) Int16(offset int) int16 {
	return int16(p.Uint16(offset))
}

func (p *Page) PutInt16(offset int, v int16) {
	p.PutUint16(offset, uint16(v))
}

func (p *Page) Uint16(offset int) uint16 {
	p.mustRange(offset, 2)
	return binary.LittleEndian.Uint16(p.data[offset:])
}

func (p *Page) PutUint16(offset int, v uint16) {
	p.mustRange(offset, 2)
	binary.LittleEndian.PutUint16(p.data[offset:], v)
	p.markDirty()
}

func (p *Page) Int32(offset int) int32 {
	return int32(p.Uint32(offset))
}

func (p *Page) PutInt32(offset int, v int32) {
	p.PutUint32(offset, uint32(v))
}

func (p *Page) Uint32(offset int) uint32 {
	p.mustRange(offset, 4)
	return binary.LittleEndian.Uint32(p.data[offset:])
}

func (p *Page) PutUint32(offset int, v uint32) {
	p.mustRange(offset, 4)
	binary.LittleEndian.PutUint32(p.data[offset:], v)
	p.markDirty()
}

func (p *Page) Int64(offset int) int64 {
	return int64(p.Uint64(offset))
}

func (p *Page) PutInt64(offset int, v int64) {
	p.PutUint64(offset, uint64(v))
}

func (p *Page) Uint64(offset int) uint64 {
	p.mustRange(offset, 8)
	return binary.LittleEndian.Uint64(p.data[offset:])
}

func (p *Page) PutUint64(offset int, v uint64) {
	p.mustRange(offset, 8)
	binary.LittleEndian.PutUint64(p.data[offset:], v)
	p.markDirty()
}

func (p *Page) Float32(offset int) float32 {
	return math.Float32frombits(p.Uint32(offset))
}

func (p *Page) PutFloat32(offset int, v float32) {
	p.PutUint32(offset, math.Float32bits(v))
}

func (p *Page) Float64(offset int) float64 {
	return math.Float64frombits(p.Uint64(offset))
}

func (p *Page) PutFloat64(offset int, v float64) {
	p.PutUint64(offset, math.Float64bits(v))
}

// Bytes copies n bytes starting at offset out of the page.
func (p *Page) Bytes(offset, n int) []byte {
	p.mustRange(offset, n)
	out := make([]byte, n)
	copy(out, p.data[offset:offset+n])
	return out
}

// PutBytes copies b into the page at offset.
func (p *Page) PutBytes(offset int, b []byte) {
	p.mustRange(offset, len(b))
	copy(p.data[offset:], b)
	p.markDirty()
}

func (p *Page) Float32s(offset, n int) []float32 {
	p.mustRange(offset, n*4)
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(p.data[offset+i*4:]))
	}
	return out
}

func (p *Page) PutFloat32s(offset int, vs []float32) {
	p.mustRange(offset, len(vs)*4)
	for i, v := range vs {
		binary.LittleEndian.PutUint32(p.data[offset+i*4:], math.Float32bits(v))
	}
	p.markDirty()
}

func (p *Page) Float64s(offset, n int) []float64 {
	p.mustRange(offset, n*8)
	out := make([]float64, n)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(p.data[offset+i*8:]))
	}
	return out
}

func (p *Page) PutFloat64s(offset int, vs []float64) {
	p.mustRange(offset, len(vs)*8)
	for i, v := range vs {
		binary.LittleEndian.PutUint64(p.data[offset+i*8:], math.Float64bits(v))
	}
	p.markDirty()
}

func (p *Page) Int32s(offset, n int) []int32 {
	p.mustRange(offset, n*4)
	out := make([]int32, n)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(p.data[offset+i*4:]))
	}
	return out
}

func (p *Page) PutInt32s(offset int, vs []int32) {
	p.mustRange(offset, len(vs)*4)
	for i, v := range vs {
		binary.LittleEndian.PutUint32(p.data[offset+i*4:], uint32(v))
	}
	p.markDirty()
}

func (p *Page) Int64s(offset, n int) []int64 {
	p.mustRange(offset, n*8)
	out := make([]int64, n)
	for i := range out {
		out[i] = int64(binary.LittleEndian.Uint64(p.data[offset+i*8:]))
	}
	return out
}

func (p *Page) PutInt64s(offset int, vs []int64) {
	p.mustRange(offset, len(vs)*8)
	for i, v := range vs {
		binary.LittleEndian.PutUint64(p.data[offset+i*8:], uint64(v))
	}
	p.markDirty()
}
