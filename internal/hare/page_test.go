package hare

import (
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPage_RoundTrip(t *testing.T) {
	t.Parallel()

	aPage := NewPage(4096)

	aPage.PutByte(0, 0xAB)
	assert.Equal(t, byte(0xAB), aPage.Byte(0))

	aPage.PutInt16(1, -12345)
	assert.Equal(t, int16(-12345), aPage.Int16(1))

	aPage.PutUint16(3, 54321)
	assert.Equal(t, uint16(54321), aPage.Uint16(3))

	aPage.PutInt32(5, -2000000000)
	assert.Equal(t, int32(-2000000000), aPage.Int32(5))

	aPage.PutInt64(9, -9000000000000000000)
	assert.Equal(t, int64(-9000000000000000000), aPage.Int64(9))

	aPage.PutFloat32(17, 3.5)
	assert.Equal(t, float32(3.5), aPage.Float32(17))

	aPage.PutFloat64(21, -123.456)
	assert.Equal(t, -123.456, aPage.Float64(21))

	aPage.PutBytes(29, []byte("hello"))
	assert.Equal(t, []byte("hello"), aPage.Bytes(29, 5))
}

func TestPage_RoundTripRandom(t *testing.T) {
	t.Parallel()

	aPage := NewPage(1024)
	for i := 0; i < 100; i++ {
		offset := int(gofakeit.IntRange(0, 1024-8))

		i64 := gofakeit.Int64()
		aPage.PutInt64(offset, i64)
		assert.Equal(t, i64, aPage.Int64(offset))

		f64 := gofakeit.Float64()
		aPage.PutFloat64(offset, f64)
		assert.Equal(t, f64, aPage.Float64(offset))
	}
}

func TestPage_RoundTripVectors(t *testing.T) {
	t.Parallel()

	aPage := NewPage(4096)

	floats := make([]float32, 128)
	for i := range floats {
		floats[i] = gofakeit.Float32()
	}
	aPage.PutFloat32s(64, floats)
	assert.Equal(t, floats, aPage.Float32s(64, len(floats)))

	longs := make([]int64, 64)
	for i := range longs {
		longs[i] = gofakeit.Int64()
	}
	aPage.PutInt64s(1024, longs)
	assert.Equal(t, longs, aPage.Int64s(1024, len(longs)))
}

func TestPage_BoundsCheck(t *testing.T) {
	t.Parallel()

	aPage := NewPage(64)

	// Last valid offsets do not panic.
	aPage.PutInt64(56, 1)
	aPage.PutByte(63, 1)

	assert.PanicsWithError(t, "page offset out of range: offset 57, width 8, page size 64", func() {
		aPage.PutInt64(57, 1)
	})
	assert.Panics(t, func() { aPage.Byte(64) })
	assert.Panics(t, func() { aPage.Int32(-1) })
}

func TestPage_DirtyHook(t *testing.T) {
	t.Parallel()

	dirty := false
	aPage := newPageOver(make([]byte, 64), func() { dirty = true })

	_ = aPage.Int64(0)
	assert.False(t, dirty)

	aPage.PutInt64(0, 42)
	assert.True(t, dirty)
}

func TestPageView_TagValidation(t *testing.T) {
	t.Parallel()

	aPage := NewPage(256)
	require.Equal(t, TagUninitialised, aPage.Uint32(0))

	initView(aPage, TagSlotted)
	require.NoError(t, wrapView(aPage, TagSlotted))

	err := wrapView(aPage, TagDirectory)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorruptPage)
}

func TestAddress_Packing(t *testing.T) {
	t.Parallel()

	addr := NewAddress(123456789, 54321)
	assert.Equal(t, PageID(123456789), addr.PageID())
	assert.Equal(t, SlotID(54321), addr.SlotID())

	zero := NewAddress(0, 0)
	assert.Equal(t, Address(0), zero)
}
