package hare

import (
	"context"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ppanopticon/hare/pkg/bitwise"
)

const (
	fileHeaderSize = 128
	fileVersion    = uint32(1)

	flagProperlyClosed = 0
	flagDirty          = 1

	// Offsets into the 128 byte file header.
	offKind      = 8
	offVersion   = 12
	offPageShift = 16
	offFlags     = 20
	offAllocated = 28
	offDangling  = 36
	offMaxPageID = 44
	offChecksum  = 52

	// The free page stack follows the header on the physical header page.
	freeStackOffset = fileHeaderSize
)

// hareMagic is the identifier "HARE" as four little-endian UTF-16 code units.
var hareMagic = []byte{'H', 0, 'A', 0, 'R', 0, 'E', 0}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// DiskManager maps logical page ids to byte offsets in a single file and
// exposes read, update, allocate, free, commit and rollback on pages. One
// exclusive open per file; the flavor decides whether mutations reach the
// file immediately or through a write-ahead log.
type DiskManager interface {
	// Read fills page with the on-disk bytes of pageID.
	Read(ctx context.Context, pageID PageID, page *Page) error
	// ReadN fills the given pages with len(pages) consecutive pages
	// starting at startPageID in one transfer.
	ReadN(ctx context.Context, startPageID PageID, pages []*Page) error
	// Update durably (at commit, for the WAL flavor) replaces the content
	// of pageID with page.
	Update(ctx context.Context, pageID PageID, page *Page) error
	// Allocate returns a page id popped from the free page stack or newly
	// appended to the file.
	Allocate(ctx context.Context) (PageID, error)
	// Free pushes pageID onto the free page stack; when the stack is full
	// the page becomes dangling instead.
	Free(ctx context.Context, pageID PageID) error
	// Commit atomically applies pending mutations, Rollback discards them.
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	PageSize() int
	MaximumPageID() PageID
	Allocated() int64
	Dangling() int64
	Path() string

	Close() error
}

// fileHeader is the in-memory form of the 128 byte header at the start of
// every HARE file.
type fileHeader struct {
	Kind          FileKind
	Version       uint32
	PageShift     uint32
	Flags         uint64
	Allocated     int64
	Dangling      int64
	MaximumPageID PageID
	Checksum      uint32
}

func (h *fileHeader) properlyClosed() bool {
	return bitwise.IsSet(h.Flags, flagProperlyClosed)
}

func (h *fileHeader) marshal(buf []byte) {
	copy(buf[0:8], hareMagic)
	putUint32(buf, offKind, uint32(h.Kind))
	putUint32(buf, offVersion, h.Version)
	putUint32(buf, offPageShift, h.PageShift)
	putUint64(buf, offFlags, h.Flags)
	putUint64(buf, offAllocated, uint64(h.Allocated))
	putUint64(buf, offDangling, uint64(h.Dangling))
	putUint64(buf, offMaxPageID, uint64(h.MaximumPageID))
	putUint64(buf, offChecksum, uint64(h.Checksum))
}

func (h *fileHeader) unmarshal(buf []byte) error {
	for i, b := range hareMagic {
		if buf[i] != b {
			return fmt.Errorf("%w: bad magic", ErrDataCorruption)
		}
	}
	h.Kind = FileKind(getUint32(buf, offKind))
	h.Version = getUint32(buf, offVersion)
	h.PageShift = getUint32(buf, offPageShift)
	h.Flags = getUint64(buf, offFlags)
	h.Allocated = int64(getUint64(buf, offAllocated))
	h.Dangling = int64(getUint64(buf, offDangling))
	h.MaximumPageID = PageID(getUint64(buf, offMaxPageID))
	h.Checksum = uint32(getUint64(buf, offChecksum))

	if h.Version != fileVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrDataCorruption, h.Version)
	}
	if h.PageShift < MinPageShift || h.PageShift > MaxPageShift {
		return fmt.Errorf("%w: page shift %d outside [%d, %d]", ErrDataCorruption, h.PageShift, MinPageShift, MaxPageShift)
	}
	if h.Allocated < 0 || h.Dangling < 0 {
		return fmt.Errorf("%w: negative page counts", ErrDataCorruption)
	}
	return nil
}

// diskCore carries the state shared by both disk manager flavors: the file,
// its lock, the parsed header and the free page stack mirrored in memory.
type diskCore struct {
	logger   *zap.Logger
	path     string
	file     *os.File
	lock     *fileLock
	pageSize int
	opts     Options

	// mu guards header, free and fileSize. closeMu serialises Close
	// against in-flight I/O: I/O paths take the read side.
	mu       sync.Mutex
	closeMu  sync.RWMutex
	closed   bool
	header   fileHeader
	free     []PageID
	fileSize int64
}

// freeStackCapacity is the number of page ids fitting the header page.
func (c *diskCore) freeStackCapacity() int {
	return (c.pageSize - freeStackOffset - 4) / 8
}

// openCore locks and opens the file, creating and initialising it when
// empty. Recovery and the properly-closed handling are left to the flavors.
func openCore(logger *zap.Logger, path string, kind FileKind, opts Options) (c *diskCore, created bool, err error) {
	opts = opts.normalised()

	lock, err := acquireFileLock(path, opts.LockTimeout)
	if err != nil {
		return nil, false, err
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		lock.release()
		return nil, false, fmt.Errorf("open %q: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		lock.release()
		return nil, false, err
	}

	c = &diskCore{
		logger: logger,
		path:   path,
		file:   file,
		lock:   lock,
		opts:   opts,
	}

	if info.Size() == 0 {
		c.pageSize = 1 << opts.PageShift
		c.header = fileHeader{
			Kind:          kind,
			Version:       fileVersion,
			PageShift:     uint32(opts.PageShift),
			Flags:         bitwise.Set(0, flagProperlyClosed),
			MaximumPageID: -1,
		}
		c.fileSize = int64(c.pageSize)
		if err := c.flushHeaderPage(); err != nil {
			c.teardown()
			return nil, false, err
		}
		logger.Debug("created hare file",
			zap.String("path", path),
			zap.Int("page_size", c.pageSize),
		)
		return c, true, nil
	}

	buf := make([]byte, fileHeaderSize)
	if _, err := file.ReadAt(buf, 0); err != nil {
		c.teardown()
		return nil, false, fmt.Errorf("read header: %w", err)
	}
	if err := c.header.unmarshal(buf); err != nil {
		c.teardown()
		return nil, false, err
	}
	if c.header.Kind != kind {
		c.teardown()
		return nil, false, fmt.Errorf("%w: file kind %d, expected %d", ErrDataCorruption, c.header.Kind, kind)
	}
	c.pageSize = 1 << c.header.PageShift
	c.fileSize = info.Size()

	if err := c.loadFreeStack(); err != nil {
		c.teardown()
		return nil, false, err
	}
	return c, false, nil
}

func (c *diskCore) teardown() {
	c.file.Close()
	c.lock.release()
}

// markOpen flags the file as in use and flushes the header. Any crash from
// here on leaves properly-closed unset, triggering recovery on next open.
func (c *diskCore) markOpen() error {
	c.header.Flags = bitwise.Unset(c.header.Flags, flagProperlyClosed)
	c.header.Flags = bitwise.Set(c.header.Flags, flagDirty)
	if err := c.flushHeaderPage(); err != nil {
		return err
	}
	return c.file.Sync()
}

func (c *diskCore) loadFreeStack() error {
	buf := make([]byte, c.pageSize-freeStackOffset)
	if _, err := c.file.ReadAt(buf, freeStackOffset); err != nil {
		return fmt.Errorf("read free page stack: %w", err)
	}
	n := int(getUint32(buf, 0))
	if n < 0 || n > c.freeStackCapacity() {
		return fmt.Errorf("%w: free page stack count %d", ErrDataCorruption, n)
	}
	c.free = make([]PageID, 0, n)
	for i := 0; i < n; i++ {
		c.free = append(c.free, PageID(getUint64(buf, 4+i*8)))
	}
	return nil
}

// flushHeaderPage writes the physical header page (header + free stack).
func (c *diskCore) flushHeaderPage() error {
	buf := make([]byte, c.pageSize)
	c.header.marshal(buf)
	putUint32(buf[freeStackOffset:], 0, uint32(len(c.free)))
	for i, id := range c.free {
		putUint64(buf[freeStackOffset:], 4+i*8, uint64(id))
	}
	if _, err := c.file.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("write header page: %w", err)
	}
	return nil
}

// pageOffset maps a logical page id to its byte offset in the file. The
// physical header page sits in front of the logical page space.
func (c *diskCore) pageOffset(pageID PageID) int64 {
	return int64(pageID+1) << c.header.PageShift
}

func (c *diskCore) checkRange(pageID PageID, maximum PageID) error {
	if pageID < 0 || pageID > maximum {
		return fmt.Errorf("%w: page %d, maximum %d", ErrPageOutOfRange, pageID, maximum)
	}
	return nil
}

// readPage fills page with the bytes of pageID, zero-filling beyond the
// physical end of file (pre-allocated but never written pages).
func (c *diskCore) readPage(pageID PageID, page *Page) error {
	if page.Size() != c.pageSize {
		return fmt.Errorf("page buffer size %d does not match page size %d", page.Size(), c.pageSize)
	}
	offset := c.pageOffset(pageID)
	if offset >= c.fileSize {
		page.reset()
		return nil
	}
	if _, err := c.file.ReadAt(page.data, offset); err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return fmt.Errorf("read page %d: %w", pageID, err)
	}
	return nil
}

func (c *diskCore) readPages(startPageID PageID, pages []*Page) error {
	if len(pages) == 0 {
		return nil
	}
	buf := make([]byte, len(pages)*c.pageSize)
	offset := c.pageOffset(startPageID)
	if offset < c.fileSize {
		if _, err := c.file.ReadAt(buf, offset); err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			return fmt.Errorf("read %d pages at %d: %w", len(pages), startPageID, err)
		}
	}
	for i, p := range pages {
		if p.Size() != c.pageSize {
			return fmt.Errorf("page buffer size %d does not match page size %d", p.Size(), c.pageSize)
		}
		copy(p.data, buf[i*c.pageSize:])
	}
	return nil
}

func (c *diskCore) writePage(pageID PageID, data []byte) error {
	offset := c.pageOffset(pageID)
	if _, err := c.file.WriteAt(data, offset); err != nil {
		return fmt.Errorf("write page %d: %w", pageID, err)
	}
	if end := offset + int64(c.pageSize); end > c.fileSize {
		c.fileSize = end
	}
	return nil
}

// extendFor grows the file in pre-allocation batches so that pageID fits.
func (c *diskCore) extendFor(pageID PageID) error {
	end := c.pageOffset(pageID) + int64(c.pageSize)
	if end <= c.fileSize {
		return nil
	}
	target := c.pageOffset(pageID+PageID(c.opts.PreAllocatePages)) + int64(c.pageSize)
	zero := make([]byte, c.pageSize)
	if _, err := c.file.WriteAt(zero, target-int64(c.pageSize)); err != nil {
		return fmt.Errorf("pre-allocate to page %d: %w", pageID+PageID(c.opts.PreAllocatePages), err)
	}
	c.fileSize = target
	return nil
}

// allocateLocked pops the free stack or appends a fresh page. Caller holds mu.
func (c *diskCore) allocateLocked() (PageID, bool, error) {
	if n := len(c.free); n > 0 {
		pageID := c.free[n-1]
		c.free = c.free[:n-1]
		c.header.Allocated++
		return pageID, true, nil
	}
	pageID := c.header.MaximumPageID + 1
	if err := c.extendFor(pageID); err != nil {
		return 0, false, err
	}
	c.header.MaximumPageID = pageID
	c.header.Allocated++
	return pageID, false, nil
}

// freeLocked pushes onto the free stack, or marks the page dangling when
// the stack is full. Caller holds mu.
func (c *diskCore) freeLocked(pageID PageID) {
	c.header.Allocated--
	if len(c.free) < c.freeStackCapacity() {
		c.free = append(c.free, pageID)
		return
	}
	c.header.Dangling++
}

// removeFree drops a specific page id from the free stack (WAL replay of a
// reuse allocation). Returns false when the id is not on the stack.
func (c *diskCore) removeFree(pageID PageID) bool {
	for i := len(c.free) - 1; i >= 0; i-- {
		if c.free[i] == pageID {
			c.free = append(c.free[:i], c.free[i+1:]...)
			return true
		}
	}
	return false
}

// computeDataCRC recomputes the CRC32C over all data pages (everything
// after the physical header page).
func (c *diskCore) computeDataCRC() (uint32, error) {
	if _, err := c.file.Seek(int64(c.pageSize), io.SeekStart); err != nil {
		return 0, err
	}
	h := crc32.New(castagnoli)
	if _, err := io.Copy(h, c.file); err != nil {
		return 0, fmt.Errorf("checksum data pages: %w", err)
	}
	return h.Sum32(), nil
}

// verifyCRC fails with ErrDataCorruption when the stored checksum does not
// match the data pages.
func (c *diskCore) verifyCRC() error {
	crc, err := c.computeDataCRC()
	if err != nil {
		return err
	}
	if crc != c.header.Checksum {
		return fmt.Errorf("%w: checksum mismatch, stored %d, computed %d", ErrDataCorruption, c.header.Checksum, crc)
	}
	return nil
}

// closeCore stores a fresh checksum, flags the file properly closed and
// releases the lock.
func (c *diskCore) closeCore() error {
	crc, err := c.computeDataCRC()
	if err != nil {
		c.teardown()
		return err
	}
	c.header.Checksum = crc
	c.header.Flags = bitwise.Set(c.header.Flags, flagProperlyClosed)
	c.header.Flags = bitwise.Unset(c.header.Flags, flagDirty)

	err = c.flushHeaderPage()
	err = multierr.Append(err, c.file.Sync())
	err = multierr.Append(err, c.file.Close())
	err = multierr.Append(err, c.lock.release())
	return err
}

// FileInfo is the parsed header of a HARE file, for inspection tooling.
type FileInfo struct {
	Path           string
	Kind           FileKind
	Version        uint32
	PageShift      uint32
	PageSize       int
	ProperlyClosed bool
	Dirty          bool
	Allocated      int64
	Dangling       int64
	MaximumPageID  PageID
	Checksum       uint32
}

// ReadFileInfo parses the header of a HARE file without locking it.
func ReadFileInfo(path string) (FileInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return FileInfo{}, err
	}
	defer f.Close()

	buf := make([]byte, fileHeaderSize)
	if _, err := io.ReadFull(f, buf); err != nil {
		return FileInfo{}, fmt.Errorf("read header: %w", err)
	}
	var h fileHeader
	if err := h.unmarshal(buf); err != nil {
		return FileInfo{}, err
	}
	return FileInfo{
		Path:           path,
		Kind:           h.Kind,
		Version:        h.Version,
		PageShift:      h.PageShift,
		PageSize:       1 << h.PageShift,
		ProperlyClosed: h.properlyClosed(),
		Dirty:          bitwise.IsSet(h.Flags, flagDirty),
		Allocated:      h.Allocated,
		Dangling:       h.Dangling,
		MaximumPageID:  h.MaximumPageID,
		Checksum:       h.Checksum,
	}, nil
}

// VerifyFile recomputes the data CRC32C of a properly closed file and
// compares it against the stored checksum.
func VerifyFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, fileHeaderSize)
	if _, err := io.ReadFull(f, buf); err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	var h fileHeader
	if err := h.unmarshal(buf); err != nil {
		return err
	}
	if _, err := f.Seek(int64(1)<<h.PageShift, io.SeekStart); err != nil {
		return err
	}
	hash := crc32.New(castagnoli)
	if _, err := io.Copy(hash, f); err != nil {
		return err
	}
	if hash.Sum32() != h.Checksum {
		return fmt.Errorf("%w: checksum mismatch, stored %d, computed %d", ErrDataCorruption, h.Checksum, hash.Sum32())
	}
	return nil
}

func putUint32(buf []byte, offset int, v uint32) {
	buf[offset] = byte(v)
	buf[offset+1] = byte(v >> 8)
	buf[offset+2] = byte(v >> 16)
	buf[offset+3] = byte(v >> 24)
}

func getUint32(buf []byte, offset int) uint32 {
	return uint32(buf[offset]) |
		uint32(buf[offset+1])<<8 |
		uint32(buf[offset+2])<<16 |
		uint32(buf[offset+3])<<24
}

func putUint64(buf []byte, offset int, v uint64) {
	putUint32(buf, offset, uint32(v))
	putUint32(buf, offset+4, uint32(v>>32))
}

func getUint64(buf []byte, offset int) uint64 {
	return uint64(getUint32(buf, offset)) | uint64(getUint32(buf, offset+4))<<32
}
