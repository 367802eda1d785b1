package hare

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectDiskManager_AllocateUpdateRead(t *testing.T) {
	t.Parallel()

	var (
		ctx  = context.Background()
		path = testPath(t, "direct.hare")
	)
	m, err := OpenDirect(testLogger, path, Options{PageShift: 10})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		pageID, err := m.Allocate(ctx)
		require.NoError(t, err)
		assert.Equal(t, PageID(i), pageID)
	}
	assert.Equal(t, PageID(2), m.MaximumPageID())
	assert.Equal(t, int64(3), m.Allocated())

	aPage := NewPage(m.PageSize())
	fillPattern(aPage, 7)
	require.NoError(t, m.Update(ctx, 1, aPage))

	readBack := NewPage(m.PageSize())
	require.NoError(t, m.Read(ctx, 1, readBack))
	assert.Equal(t, aPage.data, readBack.data)

	// Out of range in both directions.
	err = m.Read(ctx, 3, readBack)
	assert.ErrorIs(t, err, ErrPageOutOfRange)
	err = m.Read(ctx, -1, readBack)
	assert.ErrorIs(t, err, ErrPageOutOfRange)

	require.NoError(t, m.Close())
	assert.ErrorIs(t, m.Close(), ErrClosed)
	assert.ErrorIs(t, m.Read(ctx, 1, readBack), ErrClosed)
}

func TestDirectDiskManager_Persistence(t *testing.T) {
	t.Parallel()

	var (
		ctx  = context.Background()
		path = testPath(t, "persist.hare")
	)
	m, err := OpenDirect(testLogger, path, Options{PageShift: 12})
	require.NoError(t, err)

	pages := make([]*Page, 3)
	for i := range pages {
		_, err := m.Allocate(ctx)
		require.NoError(t, err)
		pages[i] = NewPage(m.PageSize())
		fillPattern(pages[i], byte(10*i+1))
		require.NoError(t, m.Update(ctx, PageID(i), pages[i]))
	}
	require.NoError(t, m.Commit(ctx))
	require.NoError(t, m.Close())

	info, err := ReadFileInfo(path)
	require.NoError(t, err)
	assert.True(t, info.ProperlyClosed)
	assert.False(t, info.Dirty)
	assert.Equal(t, int64(3), info.Allocated)
	assert.Equal(t, PageID(2), info.MaximumPageID)
	require.NoError(t, VerifyFile(path))

	reopened, err := OpenDirect(testLogger, path, Options{})
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, 4096, reopened.PageSize())

	readBack := NewPage(reopened.PageSize())
	for i := range pages {
		require.NoError(t, reopened.Read(ctx, PageID(i), readBack))
		assert.Equal(t, pages[i].data, readBack.data)
	}
}

func TestDirectDiskManager_FreeAndReuse(t *testing.T) {
	t.Parallel()

	var (
		ctx  = context.Background()
		path = testPath(t, "free.hare")
	)
	m, err := OpenDirect(testLogger, path, Options{PageShift: 10})
	require.NoError(t, err)
	defer m.Close()

	for i := 0; i < 4; i++ {
		_, err := m.Allocate(ctx)
		require.NoError(t, err)
	}
	aPage := NewPage(m.PageSize())
	fillPattern(aPage, 42)
	require.NoError(t, m.Update(ctx, 2, aPage))

	require.NoError(t, m.Free(ctx, 2))
	assert.Equal(t, int64(3), m.Allocated())
	// Maximum page id never shrinks on free.
	assert.Equal(t, PageID(3), m.MaximumPageID())

	reused, err := m.Allocate(ctx)
	require.NoError(t, err)
	assert.Equal(t, PageID(2), reused)
	assert.Equal(t, int64(4), m.Allocated())

	// Reused pages come back zeroed.
	readBack := NewPage(m.PageSize())
	require.NoError(t, m.Read(ctx, 2, readBack))
	assert.Equal(t, make([]byte, m.PageSize()), readBack.data)
}

func TestDirectDiskManager_DanglingPages(t *testing.T) {
	t.Parallel()

	var (
		ctx  = context.Background()
		path = testPath(t, "dangling.hare")
	)
	m, err := OpenDirect(testLogger, path, Options{PageShift: 10})
	require.NoError(t, err)
	defer m.Close()

	capacity := m.freeStackCapacity()
	total := capacity + 9
	for i := 0; i < total; i++ {
		_, err := m.Allocate(ctx)
		require.NoError(t, err)
	}
	for i := 0; i < total; i++ {
		require.NoError(t, m.Free(ctx, PageID(i)))
	}
	assert.Equal(t, int64(0), m.Allocated())
	assert.Equal(t, int64(9), m.Dangling())

	// The last pages that still fit the stack are reused in LIFO order;
	// the overflow stays dangling for compaction.
	pageID, err := m.Allocate(ctx)
	require.NoError(t, err)
	assert.Equal(t, PageID(capacity-1), pageID)
	assert.Equal(t, int64(9), m.Dangling())
}

func TestDiskManager_FileLockTimeout(t *testing.T) {
	t.Parallel()

	path := testPath(t, "locked.hare")
	m, err := OpenDirect(testLogger, path, Options{PageShift: 10})
	require.NoError(t, err)
	defer m.Close()

	started := time.Now()
	_, err = OpenDirect(testLogger, path, Options{PageShift: 10, LockTimeout: 100 * time.Millisecond})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFileLockTimeout)
	assert.GreaterOrEqual(t, time.Since(started), 100*time.Millisecond)
}

func TestDirectDiskManager_CorruptionDetection(t *testing.T) {
	t.Parallel()

	var (
		ctx  = context.Background()
		path = testPath(t, "corrupt.hare")
	)
	m, err := OpenDirect(testLogger, path, Options{PageShift: 10})
	require.NoError(t, err)
	_, err = m.Allocate(ctx)
	require.NoError(t, err)
	aPage := NewPage(m.PageSize())
	fillPattern(aPage, 3)
	require.NoError(t, m.Update(ctx, 0, aPage))
	require.NoError(t, m.Close())

	// Simulate a crash: clear the properly-closed flag and damage a data
	// byte behind the checksum's back.
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{1 << flagDirty}, offFlags)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xEE}, 1024+512)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = OpenDirect(testLogger, path, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDataCorruption)
}

func TestDirectDiskManager_UncleanButIntactReopens(t *testing.T) {
	t.Parallel()

	var (
		ctx  = context.Background()
		path = testPath(t, "unclean.hare")
	)
	m, err := OpenDirect(testLogger, path, Options{PageShift: 10})
	require.NoError(t, err)
	_, err = m.Allocate(ctx)
	require.NoError(t, err)
	require.NoError(t, m.Close())

	// Clear the properly-closed flag but leave the data intact: the
	// checksum still matches, the file opens.
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{1 << flagDirty}, offFlags)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := OpenDirect(testLogger, path, Options{})
	require.NoError(t, err)
	require.NoError(t, reopened.Close())
}

func TestDiskManager_ReadN(t *testing.T) {
	t.Parallel()

	var (
		ctx  = context.Background()
		path = testPath(t, "readn.hare")
	)
	m, err := OpenDirect(testLogger, path, Options{PageShift: 10})
	require.NoError(t, err)
	defer m.Close()

	expected := make([]*Page, 4)
	for i := range expected {
		_, err := m.Allocate(ctx)
		require.NoError(t, err)
		expected[i] = NewPage(m.PageSize())
		fillPattern(expected[i], byte(50+i))
		require.NoError(t, m.Update(ctx, PageID(i), expected[i]))
	}

	pages := make([]*Page, 3)
	for i := range pages {
		pages[i] = NewPage(m.PageSize())
	}
	require.NoError(t, m.ReadN(ctx, 1, pages))
	for i := range pages {
		assert.Equal(t, expected[i+1].data, pages[i].data)
	}

	err = m.ReadN(ctx, 2, pages)
	assert.ErrorIs(t, err, ErrPageOutOfRange)
}

func TestWALDiskManager_CommitMatchesDirect(t *testing.T) {
	t.Parallel()

	var (
		ctx        = context.Background()
		directPath = testPath(t, "equiv-direct.hare")
		walPath    = testPath(t, "equiv-wal.hare")
		opts       = Options{PageShift: 10, PreAllocatePages: 1}
	)

	mutate := func(m DiskManager) {
		for i := 0; i < 3; i++ {
			_, err := m.Allocate(ctx)
			require.NoError(t, err)
		}
		aPage := NewPage(m.PageSize())
		fillPattern(aPage, 11)
		require.NoError(t, m.Update(ctx, 1, aPage))
		fillPattern(aPage, 23)
		require.NoError(t, m.Update(ctx, 2, aPage))
		require.NoError(t, m.Free(ctx, 0))
		require.NoError(t, m.Commit(ctx))
	}

	direct, err := OpenDirect(testLogger, directPath, opts)
	require.NoError(t, err)
	mutate(direct)
	require.NoError(t, direct.Close())

	wal, err := OpenWAL(testLogger, walPath, opts)
	require.NoError(t, err)
	mutate(wal)
	require.NoError(t, wal.Close())

	directBytes, err := os.ReadFile(directPath)
	require.NoError(t, err)
	walBytes, err := os.ReadFile(walPath)
	require.NoError(t, err)
	assert.Equal(t, directBytes, walBytes)

	// The sidecar is gone after a successful commit.
	_, err = os.Stat(walPath + ".wal")
	assert.True(t, os.IsNotExist(err))
}

func TestWALDiskManager_ReadsSeeBufferedWrites(t *testing.T) {
	t.Parallel()

	var (
		ctx  = context.Background()
		path = testPath(t, "buffered.hare")
	)
	m, err := OpenWAL(testLogger, path, Options{PageShift: 10})
	require.NoError(t, err)
	defer m.Close()

	pageID, err := m.Allocate(ctx)
	require.NoError(t, err)
	aPage := NewPage(m.PageSize())
	fillPattern(aPage, 99)
	require.NoError(t, m.Update(ctx, pageID, aPage))

	// Before commit the data file is untouched, yet reads through the
	// manager already observe the buffered page.
	readBack := NewPage(m.PageSize())
	require.NoError(t, m.Read(ctx, pageID, readBack))
	assert.Equal(t, aPage.data, readBack.data)

	require.NoError(t, m.Commit(ctx))
	require.NoError(t, m.Read(ctx, pageID, readBack))
	assert.Equal(t, aPage.data, readBack.data)
}

func TestWALDiskManager_Rollback(t *testing.T) {
	t.Parallel()

	var (
		ctx  = context.Background()
		path = testPath(t, "rollback.hare")
	)
	m, err := OpenWAL(testLogger, path, Options{PageShift: 10})
	require.NoError(t, err)
	defer m.Close()

	before, err := os.ReadFile(path)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		pageID, err := m.Allocate(ctx)
		require.NoError(t, err)
		aPage := NewPage(m.PageSize())
		fillPattern(aPage, byte(i+1))
		require.NoError(t, m.Update(ctx, pageID, aPage))
	}
	assert.Equal(t, int64(2), m.Allocated())

	require.NoError(t, m.Rollback(ctx))
	assert.Equal(t, int64(0), m.Allocated())
	assert.Equal(t, PageID(-1), m.MaximumPageID())

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	_, err = os.Stat(path + ".wal")
	assert.True(t, os.IsNotExist(err))
}

func TestWALDiskManager_CrashRecovery(t *testing.T) {
	t.Parallel()

	var (
		ctx  = context.Background()
		path = testPath(t, "recovery.hare")
	)
	m, err := OpenWAL(testLogger, path, Options{PageShift: 10})
	require.NoError(t, err)

	pageID, err := m.Allocate(ctx)
	require.NoError(t, err)
	aPage := NewPage(m.PageSize())
	fillPattern(aPage, 77)
	require.NoError(t, m.Update(ctx, pageID, aPage))

	crashWAL(t, m)
	_, err = os.Stat(path + ".wal")
	require.NoError(t, err, "sidecar must survive the crash")

	reopened, err := OpenWAL(testLogger, path, Options{})
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, int64(1), reopened.Allocated())
	readBack := NewPage(reopened.PageSize())
	require.NoError(t, reopened.Read(ctx, pageID, readBack))
	assert.Equal(t, aPage.data, readBack.data)

	_, err = os.Stat(path + ".wal")
	assert.True(t, os.IsNotExist(err), "sidecar is deleted after replay")
}

func TestWALDiskManager_CrashWithoutSidecarIsCorrupt(t *testing.T) {
	t.Parallel()

	var (
		ctx  = context.Background()
		path = testPath(t, "nosidecar.hare")
	)
	m, err := OpenWAL(testLogger, path, Options{PageShift: 10})
	require.NoError(t, err)
	pageID, err := m.Allocate(ctx)
	require.NoError(t, err)
	aPage := NewPage(m.PageSize())
	fillPattern(aPage, 5)
	require.NoError(t, m.Update(ctx, pageID, aPage))
	require.NoError(t, m.Commit(ctx))
	require.NoError(t, m.Close())

	// Unclean shutdown plus damaged data and no sidecar to replay.
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{1 << flagDirty}, offFlags)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xAA}, 1024+100)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = OpenWAL(testLogger, path, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDataCorruption)
}
