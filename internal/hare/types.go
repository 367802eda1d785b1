package hare

import (
	"encoding/binary"
	"math"
)

// LogicalType tags the value type of a column. Together with the logical
// size (vector length, 1 for scalars) it selects a serializer once at
// column open time.
type LogicalType uint32

const (
	TypeByte LogicalType = iota + 1
	TypeShort
	TypeInt
	TypeLong
	TypeFloat
	TypeDouble
	TypeComplex32
	TypeComplex64
	TypeString

	TypeIntVector
	TypeLongVector
	TypeFloatVector
	TypeDoubleVector
)

func (t LogicalType) String() string {
	switch t {
	case TypeByte:
		return "BYTE"
	case TypeShort:
		return "SHORT"
	case TypeInt:
		return "INT"
	case TypeLong:
		return "LONG"
	case TypeFloat:
		return "FLOAT"
	case TypeDouble:
		return "DOUBLE"
	case TypeComplex32:
		return "COMPLEX32"
	case TypeComplex64:
		return "COMPLEX64"
	case TypeString:
		return "STRING"
	case TypeIntVector:
		return "INT_VECTOR"
	case TypeLongVector:
		return "LONG_VECTOR"
	case TypeFloatVector:
		return "FLOAT_VECTOR"
	case TypeDoubleVector:
		return "DOUBLE_VECTOR"
	default:
		return "UNKNOWN"
	}
}

// FixedSerializer reads and writes values of a fixed physical size, both
// directly into pages and into standalone byte slices.
type FixedSerializer[T any] interface {
	Type() LogicalType
	// LogicalSize is the vector length, 1 for scalars.
	LogicalSize() int
	// PhysicalSize is the number of bytes one value occupies.
	PhysicalSize() int

	Write(p *Page, offset int, v T)
	Read(p *Page, offset int) T
	Serialize(v T) []byte
	Deserialize(b []byte) T
}

// VariableSerializer converts values of varying physical size to and from
// byte slices; variable column files store the slices in slotted pages.
type VariableSerializer[T any] interface {
	Type() LogicalType
	LogicalSize() int
	Serialize(v T) []byte
	Deserialize(b []byte) T
}

type byteSerializer struct{}

func NewByteSerializer() FixedSerializer[int8] { return byteSerializer{} }

func (byteSerializer) Type() LogicalType               { return TypeByte }
func (byteSerializer) LogicalSize() int                { return 1 }
func (byteSerializer) PhysicalSize() int               { return 1 }
func (byteSerializer) Write(p *Page, off int, v int8) { p.PutByte(off, byte(v)) }
func (byteSerializer) Read(p *Page, off int) int8      { return int8(p.Byte(off)) }
func (byteSerializer) Serialize(v int8) []byte         { return []byte{byte(v)} }
func (byteSerializer) Deserialize(b []byte) int8       { return int8(b[0]) }

type shortSerializer struct{}

func NewShortSerializer() FixedSerializer[int16] { return shortSerializer{} }

func (shortSerializer) Type() LogicalType              { return TypeShort }
func (shortSerializer) LogicalSize() int               { return 1 }
func (shortSerializer) PhysicalSize() int              { return 2 }
func (shortSerializer) Write(p *Page, off int, v int16) { p.PutInt16(off, v) }
func (shortSerializer) Read(p *Page, off int) int16     { return p.Int16(off) }
func (shortSerializer) Serialize(v int16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, uint16(v))
	return b
}
func (shortSerializer) Deserialize(b []byte) int16 {
	return int16(binary.LittleEndian.Uint16(b))
}

type intSerializer struct{}

func NewIntSerializer() FixedSerializer[int32] { return intSerializer{} }

func (intSerializer) Type() LogicalType              { return TypeInt }
func (intSerializer) LogicalSize() int               { return 1 }
func (intSerializer) PhysicalSize() int              { return 4 }
func (intSerializer) Write(p *Page, off int, v int32) { p.PutInt32(off, v) }
func (intSerializer) Read(p *Page, off int) int32     { return p.Int32(off) }
func (intSerializer) Serialize(v int32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(v))
	return b
}
func (intSerializer) Deserialize(b []byte) int32 {
	return int32(binary.LittleEndian.Uint32(b))
}

type longSerializer struct{}

func NewLongSerializer() FixedSerializer[int64] { return longSerializer{} }

func (longSerializer) Type() LogicalType              { return TypeLong }
func (longSerializer) LogicalSize() int               { return 1 }
func (longSerializer) PhysicalSize() int              { return 8 }
func (longSerializer) Write(p *Page, off int, v int64) { p.PutInt64(off, v) }
func (longSerializer) Read(p *Page, off int) int64     { return p.Int64(off) }
func (longSerializer) Serialize(v int64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(v))
	return b
}
func (longSerializer) Deserialize(b []byte) int64 {
	return int64(binary.LittleEndian.Uint64(b))
}

type floatSerializer struct{}

func NewFloatSerializer() FixedSerializer[float32] { return floatSerializer{} }

func (floatSerializer) Type() LogicalType                 { return TypeFloat }
func (floatSerializer) LogicalSize() int                  { return 1 }
func (floatSerializer) PhysicalSize() int                 { return 4 }
func (floatSerializer) Write(p *Page, off int, v float32) { p.PutFloat32(off, v) }
func (floatSerializer) Read(p *Page, off int) float32     { return p.Float32(off) }
func (floatSerializer) Serialize(v float32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, math.Float32bits(v))
	return b
}
func (floatSerializer) Deserialize(b []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}

type doubleSerializer struct{}

func NewDoubleSerializer() FixedSerializer[float64] { return doubleSerializer{} }

func (doubleSerializer) Type() LogicalType                 { return TypeDouble }
func (doubleSerializer) LogicalSize() int                  { return 1 }
func (doubleSerializer) PhysicalSize() int                 { return 8 }
func (doubleSerializer) Write(p *Page, off int, v float64) { p.PutFloat64(off, v) }
func (doubleSerializer) Read(p *Page, off int) float64     { return p.Float64(off) }
func (doubleSerializer) Serialize(v float64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	return b
}
func (doubleSerializer) Deserialize(b []byte) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(b))
}

type complex32Serializer struct{}

// NewComplex32Serializer handles complex numbers with float32 components.
func NewComplex32Serializer() FixedSerializer[complex64] { return complex32Serializer{} }

func (complex32Serializer) Type() LogicalType { return TypeComplex32 }
func (complex32Serializer) LogicalSize() int  { return 1 }
func (complex32Serializer) PhysicalSize() int { return 8 }
func (complex32Serializer) Write(p *Page, off int, v complex64) {
	p.PutFloat32(off, real(v))
	p.PutFloat32(off+4, imag(v))
}
func (complex32Serializer) Read(p *Page, off int) complex64 {
	return complex(p.Float32(off), p.Float32(off+4))
}
func (complex32Serializer) Serialize(v complex64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint32(b, math.Float32bits(real(v)))
	binary.LittleEndian.PutUint32(b[4:], math.Float32bits(imag(v)))
	return b
}
func (complex32Serializer) Deserialize(b []byte) complex64 {
	return complex(
		math.Float32frombits(binary.LittleEndian.Uint32(b)),
		math.Float32frombits(binary.LittleEndian.Uint32(b[4:])),
	)
}

type complex64Serializer struct{}

// NewComplex64Serializer handles complex numbers with float64 components.
func NewComplex64Serializer() FixedSerializer[complex128] { return complex64Serializer{} }

func (complex64Serializer) Type() LogicalType { return TypeComplex64 }
func (complex64Serializer) LogicalSize() int  { return 1 }
func (complex64Serializer) PhysicalSize() int { return 16 }
func (complex64Serializer) Write(p *Page, off int, v complex128) {
	p.PutFloat64(off, real(v))
	p.PutFloat64(off+8, imag(v))
}
func (complex64Serializer) Read(p *Page, off int) complex128 {
	return complex(p.Float64(off), p.Float64(off+8))
}
func (complex64Serializer) Serialize(v complex128) []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint64(b, math.Float64bits(real(v)))
	binary.LittleEndian.PutUint64(b[8:], math.Float64bits(imag(v)))
	return b
}
func (complex64Serializer) Deserialize(b []byte) complex128 {
	return complex(
		math.Float64frombits(binary.LittleEndian.Uint64(b)),
		math.Float64frombits(binary.LittleEndian.Uint64(b[8:])),
	)
}

type floatVectorSerializer struct {
	dim int
}

// NewFloatVectorSerializer handles float32 vectors of the given dimension.
func NewFloatVectorSerializer(dim int) FixedSerializer[[]float32] {
	return floatVectorSerializer{dim: dim}
}

func (s floatVectorSerializer) Type() LogicalType { return TypeFloatVector }
func (s floatVectorSerializer) LogicalSize() int  { return s.dim }
func (s floatVectorSerializer) PhysicalSize() int { return s.dim * 4 }
func (s floatVectorSerializer) Write(p *Page, off int, v []float32) {
	p.PutFloat32s(off, v)
}
func (s floatVectorSerializer) Read(p *Page, off int) []float32 {
	return p.Float32s(off, s.dim)
}
func (s floatVectorSerializer) Serialize(v []float32) []byte {
	b := make([]byte, s.dim*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(f))
	}
	return b
}
func (s floatVectorSerializer) Deserialize(b []byte) []float32 {
	out := make([]float32, s.dim)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

type doubleVectorSerializer struct {
	dim int
}

// NewDoubleVectorSerializer handles float64 vectors of the given dimension.
func NewDoubleVectorSerializer(dim int) FixedSerializer[[]float64] {
	return doubleVectorSerializer{dim: dim}
}

func (s doubleVectorSerializer) Type() LogicalType { return TypeDoubleVector }
func (s doubleVectorSerializer) LogicalSize() int  { return s.dim }
func (s doubleVectorSerializer) PhysicalSize() int { return s.dim * 8 }
func (s doubleVectorSerializer) Write(p *Page, off int, v []float64) {
	p.PutFloat64s(off, v)
}
func (s doubleVectorSerializer) Read(p *Page, off int) []float64 {
	return p.Float64s(off, s.dim)
}
func (s doubleVectorSerializer) Serialize(v []float64) []byte {
	b := make([]byte, s.dim*8)
	for i, f := range v {
		binary.LittleEndian.PutUint64(b[i*8:], math.Float64bits(f))
	}
	return b
}
func (s doubleVectorSerializer) Deserialize(b []byte) []float64 {
	out := make([]float64, s.dim)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[i*8:]))
	}
	return out
}

type intVectorSerializer struct {
	dim int
}

// NewIntVectorSerializer handles int32 vectors of the given dimension.
func NewIntVectorSerializer(dim int) FixedSerializer[[]int32] {
	return intVectorSerializer{dim: dim}
}

func (s intVectorSerializer) Type() LogicalType { return TypeIntVector }
func (s intVectorSerializer) LogicalSize() int  { return s.dim }
func (s intVectorSerializer) PhysicalSize() int { return s.dim * 4 }
func (s intVectorSerializer) Write(p *Page, off int, v []int32) {
	p.PutInt32s(off, v)
}
func (s intVectorSerializer) Read(p *Page, off int) []int32 {
	return p.Int32s(off, s.dim)
}
func (s intVectorSerializer) Serialize(v []int32) []byte {
	b := make([]byte, s.dim*4)
	for i, n := range v {
		binary.LittleEndian.PutUint32(b[i*4:], uint32(n))
	}
	return b
}
func (s intVectorSerializer) Deserialize(b []byte) []int32 {
	out := make([]int32, s.dim)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

type longVectorSerializer struct {
	dim int
}

// NewLongVectorSerializer handles int64 vectors of the given dimension.
func NewLongVectorSerializer(dim int) FixedSerializer[[]int64] {
	return longVectorSerializer{dim: dim}
}

func (s longVectorSerializer) Type() LogicalType { return TypeLongVector }
func (s longVectorSerializer) LogicalSize() int  { return s.dim }
func (s longVectorSerializer) PhysicalSize() int { return s.dim * 8 }
func (s longVectorSerializer) Write(p *Page, off int, v []int64) {
	p.PutInt64s(off, v)
}
func (s longVectorSerializer) Read(p *Page, off int) []int64 {
	return p.Int64s(off, s.dim)
}
func (s longVectorSerializer) Serialize(v []int64) []byte {
	b := make([]byte, s.dim*8)
	for i, n := range v {
		binary.LittleEndian.PutUint64(b[i*8:], uint64(n))
	}
	return b
}
func (s longVectorSerializer) Deserialize(b []byte) []int64 {
	out := make([]int64, s.dim)
	for i := range out {
		out[i] = int64(binary.LittleEndian.Uint64(b[i*8:]))
	}
	return out
}

type stringSerializer struct{}

// NewStringSerializer handles UTF-8 strings of varying length.
func NewStringSerializer() VariableSerializer[string] { return stringSerializer{} }

func (stringSerializer) Type() LogicalType          { return TypeString }
func (stringSerializer) LogicalSize() int           { return 1 }
func (stringSerializer) Serialize(v string) []byte  { return []byte(v) }
func (stringSerializer) Deserialize(b []byte) string { return string(b) }
