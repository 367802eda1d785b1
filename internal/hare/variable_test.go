package hare

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVariableColumn_AppendNullAndSpill(t *testing.T) {
	t.Parallel()

	var (
		ctx  = context.Background()
		path = testPath(t, "strings.hare")
	)
	column, err := CreateVariableColumn(testLogger, path, NewStringSerializer(), true, Options{PageShift: 12})
	require.NoError(t, err)
	defer column.Close()

	writer, err := column.NewWriter(ctx, 0, EvictLRU)
	require.NoError(t, err)
	defer writer.Close(ctx)

	// A value longer than the free space left on the first allocation
	// page forces a fresh one to be attached.
	long := strings.Repeat("x", 4070)

	tid, err := writer.Append(ctx, Some("hello"))
	require.NoError(t, err)
	assert.Equal(t, TupleID(0), tid)

	tid, err = writer.Append(ctx, Null[string]())
	require.NoError(t, err)
	assert.Equal(t, TupleID(1), tid)

	tid, err = writer.Append(ctx, Some(long))
	require.NoError(t, err)
	assert.Equal(t, TupleID(2), tid)

	assert.Equal(t, int64(3), writer.Count())
	assert.Equal(t, TupleID(2), writer.MaxTupleID())

	isNull, err := writer.IsNull(ctx, 1)
	require.NoError(t, err)
	assert.True(t, isNull)

	v, err := writer.Get(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, Some("hello"), v)

	v, err = writer.Get(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, Some(long), v)

	// Page layout: 0 header, 1 directory, 2 first allocation page, 3 the
	// freshly attached one.
	assert.Equal(t, PageID(3), writer.allocPage)

	require.NoError(t, writer.Commit(ctx))
}

func TestVariableColumn_PersistAndReopen(t *testing.T) {
	t.Parallel()

	var (
		ctx  = context.Background()
		path = testPath(t, "persist-var.hare")
	)
	column, err := CreateVariableColumn(testLogger, path, NewStringSerializer(), true, Options{PageShift: 10})
	require.NoError(t, err)

	values := make([]string, 40)
	writer, err := column.NewWriter(ctx, 0, EvictLRU)
	require.NoError(t, err)
	for i := range values {
		values[i] = gofakeit.LetterN(uint(1 + i%17))
		_, err := writer.Append(ctx, Some(values[i]))
		require.NoError(t, err)
	}
	require.NoError(t, writer.Commit(ctx))
	require.NoError(t, writer.Close(ctx))
	require.NoError(t, column.Close())

	reopened, err := OpenVariableColumn(testLogger, path, NewStringSerializer(), Options{})
	require.NoError(t, err)
	defer reopened.Close()

	reader, err := reopened.NewReader(ctx, 0, EvictLRU)
	require.NoError(t, err)
	defer reader.Close(ctx)

	assert.Equal(t, int64(len(values)), reader.Count())
	for i, expected := range values {
		v, err := reader.Get(ctx, TupleID(i))
		require.NoError(t, err)
		assert.Equal(t, Some(expected), v)
	}
}

func TestVariableColumn_DirectorySpill(t *testing.T) {
	t.Parallel()

	var (
		ctx  = context.Background()
		path = testPath(t, "dirspill.hare")
		n    = 0
	)
	column, err := CreateVariableColumn(testLogger, path, NewStringSerializer(), false, Options{PageShift: 10})
	require.NoError(t, err)
	defer column.Close()

	// More entries than one directory page maps, forcing the linked list
	// to grow.
	n = dirCapacity(1024)*2 + 10

	writer, err := column.NewWriter(ctx, 8, EvictLRU)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		tid, err := writer.Append(ctx, Some(fmt.Sprintf("v%04d", i)))
		require.NoError(t, err)
		require.Equal(t, TupleID(i), tid)
	}
	assert.Greater(t, writer.lastDir, firstDirectoryPageID, "directory list grew beyond its first node")
	require.NoError(t, writer.Commit(ctx))
	require.NoError(t, writer.Close(ctx))

	reader, err := column.NewReader(ctx, 8, EvictLRU)
	require.NoError(t, err)
	defer reader.Close(ctx)

	// Random access through the directory walk.
	for _, tid := range []TupleID{0, 1, TupleID(n / 2), TupleID(n - 1)} {
		v, err := reader.Get(ctx, tid)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("v%04d", tid), v.Value)
	}

	// Sequential access through the cursor sees every entry in order.
	cursor, err := reader.Cursor()
	require.NoError(t, err)
	defer cursor.Close()

	count := 0
	for {
		ok, err := cursor.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		assert.Equal(t, TupleID(count), cursor.TupleID())
		count++
	}
	assert.Equal(t, n, count)
}

func TestVariableColumn_UpdateInPlaceAndRelocate(t *testing.T) {
	t.Parallel()

	var (
		ctx  = context.Background()
		path = testPath(t, "update-var.hare")
	)
	column, err := CreateVariableColumn(testLogger, path, NewStringSerializer(), true, Options{PageShift: 12})
	require.NoError(t, err)
	defer column.Close()

	writer, err := column.NewWriter(ctx, 0, EvictLRU)
	require.NoError(t, err)
	defer writer.Close(ctx)

	tid, err := writer.Append(ctx, Some("a rather long initial value"))
	require.NoError(t, err)

	// Shorter value reuses the byte range in place.
	require.NoError(t, writer.Update(ctx, tid, Some("short")))
	v, err := writer.Get(ctx, tid)
	require.NoError(t, err)
	assert.Equal(t, Some("short"), v)

	// Longer value is relocated to a fresh slot.
	long := strings.Repeat("y", 512)
	require.NoError(t, writer.Update(ctx, tid, Some(long)))
	v, err = writer.Get(ctx, tid)
	require.NoError(t, err)
	assert.Equal(t, Some(long), v)

	// Null transition and back.
	require.NoError(t, writer.Update(ctx, tid, Null[string]()))
	isNull, err := writer.IsNull(ctx, tid)
	require.NoError(t, err)
	assert.True(t, isNull)

	require.NoError(t, writer.Update(ctx, tid, Some("back")))
	v, err = writer.Get(ctx, tid)
	require.NoError(t, err)
	assert.Equal(t, Some("back"), v)

	assert.Equal(t, int64(1), writer.Count(), "updates never change the count")
}

func TestVariableColumn_Delete(t *testing.T) {
	t.Parallel()

	var (
		ctx  = context.Background()
		path = testPath(t, "delete-var.hare")
	)
	column, err := CreateVariableColumn(testLogger, path, NewStringSerializer(), false, Options{PageShift: 12})
	require.NoError(t, err)
	defer column.Close()

	writer, err := column.NewWriter(ctx, 0, EvictLRU)
	require.NoError(t, err)
	defer writer.Close(ctx)

	for _, v := range []string{"one", "two", "three"} {
		_, err := writer.Append(ctx, Some(v))
		require.NoError(t, err)
	}

	previous, err := writer.Delete(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, Some("two"), previous)
	assert.Equal(t, int64(2), writer.Count())
	assert.Equal(t, TupleID(2), writer.MaxTupleID())

	_, err = writer.Get(ctx, 1)
	assert.ErrorIs(t, err, ErrEntryDeleted)
	_, err = writer.Delete(ctx, 1)
	assert.ErrorIs(t, err, ErrEntryDeleted)
	err = writer.Update(ctx, 1, Some("resurrect"))
	assert.ErrorIs(t, err, ErrEntryDeleted)
}

func TestVariableColumn_NullRejectedWhenNotNullable(t *testing.T) {
	t.Parallel()

	var (
		ctx  = context.Background()
		path = testPath(t, "notnull-var.hare")
	)
	column, err := CreateVariableColumn(testLogger, path, NewStringSerializer(), false, Options{PageShift: 12})
	require.NoError(t, err)
	defer column.Close()

	writer, err := column.NewWriter(ctx, 0, EvictLRU)
	require.NoError(t, err)
	defer writer.Close(ctx)

	_, err = writer.Append(ctx, Null[string]())
	assert.ErrorIs(t, err, ErrNullValueNotAllowed)
}

func TestVariableColumn_ValueTooLargeForPage(t *testing.T) {
	t.Parallel()

	var (
		ctx  = context.Background()
		path = testPath(t, "toolarge.hare")
	)
	column, err := CreateVariableColumn(testLogger, path, NewStringSerializer(), false, Options{PageShift: 10})
	require.NoError(t, err)
	defer column.Close()

	writer, err := column.NewWriter(ctx, 0, EvictLRU)
	require.NoError(t, err)
	defer writer.Close(ctx)

	_, err = writer.Append(ctx, Some(strings.Repeat("z", 2048)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds the page capacity")
}

func TestVariableColumn_CursorSkipsDeleted(t *testing.T) {
	t.Parallel()

	var (
		ctx  = context.Background()
		path = testPath(t, "cursor-var.hare")
	)
	column, err := CreateVariableColumn(testLogger, path, NewStringSerializer(), false, Options{PageShift: 12})
	require.NoError(t, err)
	defer column.Close()

	writer, err := column.NewWriter(ctx, 0, EvictLRU)
	require.NoError(t, err)
	for i := 0; i < 6; i++ {
		_, err := writer.Append(ctx, Some(fmt.Sprintf("value-%d", i)))
		require.NoError(t, err)
	}
	_, err = writer.Delete(ctx, 0)
	require.NoError(t, err)
	_, err = writer.Delete(ctx, 4)
	require.NoError(t, err)
	require.NoError(t, writer.Commit(ctx))
	require.NoError(t, writer.Close(ctx))

	reader, err := column.NewReader(ctx, 0, EvictLRU)
	require.NoError(t, err)
	defer reader.Close(ctx)

	cursor, err := reader.Cursor()
	require.NoError(t, err)
	defer cursor.Close()

	var values []string
	for {
		ok, err := cursor.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		v, err := cursor.ReadThrough(ctx)
		require.NoError(t, err)
		values = append(values, v.Value)
	}
	assert.Equal(t, []string{"value-1", "value-2", "value-3", "value-5"}, values)
}

func TestVariableColumn_WALRollback(t *testing.T) {
	t.Parallel()

	var (
		ctx  = context.Background()
		path = testPath(t, "wal-var.hare")
		opts = Options{PageShift: 12, Flavor: FlavorWAL}
	)
	column, err := CreateVariableColumn(testLogger, path, NewStringSerializer(), false, opts)
	require.NoError(t, err)
	defer column.Close()

	writer, err := column.NewWriter(ctx, 0, EvictLRU)
	require.NoError(t, err)
	defer writer.Close(ctx)

	_, err = writer.Append(ctx, Some("uncommitted"))
	require.NoError(t, err)
	require.NoError(t, writer.Rollback(ctx))

	assert.Equal(t, int64(0), writer.Count())
	assert.Equal(t, TupleID(-1), writer.MaxTupleID())

	tid, err := writer.Append(ctx, Some("committed"))
	require.NoError(t, err)
	assert.Equal(t, TupleID(0), tid)
	require.NoError(t, writer.Commit(ctx))

	v, err := writer.Get(ctx, tid)
	require.NoError(t, err)
	assert.Equal(t, Some("committed"), v)
}
