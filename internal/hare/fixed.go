package hare

import (
	"context"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
)

const (
	// dataPageHeaderSize is the header in front of the cells of a fixed
	// column data page (tag plus padding).
	dataPageHeaderSize = 8

	// Offsets into the fixed column header view (logical page 0).
	colOffType        = 4
	colOffLogicalSize = 8
	colOffEntrySize   = 12
	colOffFlags       = 16
	colOffCount       = 24
	colOffMaxTupleID  = 32

	colFlagNullable = 0
)

// columnMeta mirrors the column header view fields.
type columnMeta struct {
	Type        LogicalType
	LogicalSize uint32
	EntrySize   uint32
	Flags       uint64
	Count       int64
	MaxTupleID  TupleID
}

func (m columnMeta) nullable() bool {
	return m.Flags&(1<<colFlagNullable) != 0
}

func readColumnMeta(p *Page, tag uint32) (columnMeta, error) {
	if err := wrapView(p, tag); err != nil {
		return columnMeta{}, err
	}
	return columnMeta{
		Type:        LogicalType(p.Uint32(colOffType)),
		LogicalSize: p.Uint32(colOffLogicalSize),
		EntrySize:   p.Uint32(colOffEntrySize),
		Flags:       p.Uint64(colOffFlags),
		Count:       p.Int64(colOffCount),
		MaxTupleID:  TupleID(p.Int64(colOffMaxTupleID)),
	}, nil
}

func writeColumnMeta(p *Page, tag uint32, m columnMeta) {
	initView(p, tag)
	p.PutUint32(colOffType, uint32(m.Type))
	p.PutUint32(colOffLogicalSize, m.LogicalSize)
	p.PutUint32(colOffEntrySize, m.EntrySize)
	p.PutUint64(colOffFlags, m.Flags)
	p.PutInt64(colOffCount, m.Count)
	p.PutInt64(colOffMaxTupleID, int64(m.MaxTupleID))
}

// openFlavor opens the disk manager variant the options select.
func openFlavor(logger *zap.Logger, path string, opts Options) (DiskManager, error) {
	if opts.Flavor == FlavorWAL {
		return OpenWAL(logger, path, opts)
	}
	return OpenDirect(logger, path, opts)
}

// FixedColumn is a typed, persistent column whose values all occupy the
// same number of bytes. A tuple id maps to its page and slot by plain
// arithmetic; no directory lookup is involved.
type FixedColumn[T any] struct {
	logger     *zap.Logger
	path       string
	serializer FixedSerializer[T]
	disk       DiskManager
	opts       Options

	nullable     bool
	entrySize    int
	slotsPerPage int

	// latch serialises readers against the single writer: readers take
	// the read side, a writer the write side.
	latch  sync.RWMutex
	mu     sync.Mutex
	closed bool
}

// CreateFixedColumn creates a new fixed length column file at path and
// returns it opened. Fails when the file already exists.
func CreateFixedColumn[T any](logger *zap.Logger, path string, serializer FixedSerializer[T], nullable bool, opts Options) (*FixedColumn[T], error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("column file %q already exists", path)
	}
	disk, err := openFlavor(logger, path, opts)
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	pageID, err := disk.Allocate(ctx)
	if err != nil {
		disk.Close()
		return nil, err
	}
	if pageID != 0 {
		disk.Close()
		return nil, fmt.Errorf("%w: header page allocated as %d", ErrDataCorruption, pageID)
	}

	var flags uint64
	if nullable {
		flags |= 1 << colFlagNullable
	}
	header := NewPage(disk.PageSize())
	writeColumnMeta(header, TagFixedHeader, columnMeta{
		Type:        serializer.Type(),
		LogicalSize: uint32(serializer.LogicalSize()),
		EntrySize:   uint32(serializer.PhysicalSize()),
		Flags:       flags,
		Count:       0,
		MaxTupleID:  -1,
	})
	if err := disk.Update(ctx, 0, header); err != nil {
		disk.Close()
		return nil, err
	}
	if err := disk.Commit(ctx); err != nil {
		disk.Close()
		return nil, err
	}
	logger.Debug("created fixed column",
		zap.String("path", path),
		zap.String("type", serializer.Type().String()),
		zap.Bool("nullable", nullable),
	)
	return newFixedColumn(logger, path, serializer, nullable, disk, opts)
}

// OpenFixedColumn opens an existing fixed length column file, validating
// that the stored type descriptor matches the serializer.
func OpenFixedColumn[T any](logger *zap.Logger, path string, serializer FixedSerializer[T], opts Options) (*FixedColumn[T], error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("column file %q: %w", path, err)
	}
	disk, err := openFlavor(logger, path, opts)
	if err != nil {
		return nil, err
	}
	header := NewPage(disk.PageSize())
	if err := disk.Read(context.Background(), 0, header); err != nil {
		disk.Close()
		return nil, err
	}
	meta, err := readColumnMeta(header, TagFixedHeader)
	if err != nil {
		disk.Close()
		return nil, err
	}
	if meta.Type != serializer.Type() || int(meta.LogicalSize) != serializer.LogicalSize() {
		disk.Close()
		return nil, fmt.Errorf("%w: column is %s(%d), serializer is %s(%d)",
			ErrDataCorruption, meta.Type, meta.LogicalSize, serializer.Type(), serializer.LogicalSize())
	}
	if int(meta.EntrySize) != serializer.PhysicalSize() {
		disk.Close()
		return nil, fmt.Errorf("%w: entry size %d, serializer writes %d", ErrDataCorruption, meta.EntrySize, serializer.PhysicalSize())
	}
	return newFixedColumn(logger, path, serializer, meta.nullable(), disk, opts)
}

func newFixedColumn[T any](logger *zap.Logger, path string, serializer FixedSerializer[T], nullable bool, disk DiskManager, opts Options) (*FixedColumn[T], error) {
	entrySize := serializer.PhysicalSize()
	slots := (disk.PageSize() - dataPageHeaderSize) / (entrySize + 1)
	if slots < 1 {
		disk.Close()
		return nil, fmt.Errorf("entry size %d does not fit a page of %d bytes", entrySize, disk.PageSize())
	}
	return &FixedColumn[T]{
		logger:       logger,
		path:         path,
		serializer:   serializer,
		disk:         disk,
		opts:         opts,
		nullable:     nullable,
		entrySize:    entrySize,
		slotsPerPage: slots,
	}, nil
}

func (c *FixedColumn[T]) Path() string      { return c.path }
func (c *FixedColumn[T]) Type() LogicalType { return c.serializer.Type() }
func (c *FixedColumn[T]) Nullable() bool    { return c.nullable }

// SlotsPerPage reports how many entries one data page holds.
func (c *FixedColumn[T]) SlotsPerPage() int { return c.slotsPerPage }

// locate maps a tuple id to its data page, and the byte offset of its
// flags byte within that page. The value follows the flags byte.
func (c *FixedColumn[T]) locate(tid TupleID) (PageID, int) {
	pageID := PageID(1 + int64(tid)/int64(c.slotsPerPage))
	slot := int(int64(tid) % int64(c.slotsPerPage))
	return pageID, dataPageHeaderSize + slot*(1+c.entrySize)
}

// Close closes the column file and its disk manager. Blocks until all
// readers and any writer finished.
func (c *FixedColumn[T]) Close() error {
	c.latch.Lock()
	defer c.latch.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.closed = true
	return c.disk.Close()
}

func (c *FixedColumn[T]) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
