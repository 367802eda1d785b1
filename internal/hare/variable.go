package hare

import (
	"context"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
)

// Offsets into the variable column header view (logical page 0).
const (
	varOffType        = 4
	varOffLogicalSize = 8
	varOffFlags       = 16
	varOffLastDir     = 24
	varOffAllocPage   = 32
	varOffCount       = 40
	varOffMaxTupleID  = 48
)

// VariableColumn is a typed, persistent column for values of varying
// physical size. Directory pages map tuple ids to addresses; slotted data
// pages hold the payloads.
type VariableColumn[T any] struct {
	logger     *zap.Logger
	path       string
	serializer VariableSerializer[T]
	disk       DiskManager
	opts       Options

	nullable bool

	latch  sync.RWMutex
	mu     sync.Mutex
	closed bool
}

// CreateVariableColumn creates a new variable length column file at path
// and returns it opened. Fails when the file already exists.
func CreateVariableColumn[T any](logger *zap.Logger, path string, serializer VariableSerializer[T], nullable bool, opts Options) (*VariableColumn[T], error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("column file %q already exists", path)
	}
	disk, err := openFlavor(logger, path, opts)
	if err != nil {
		return nil, err
	}
	ctx := context.Background()

	headerID, err := disk.Allocate(ctx)
	if err != nil {
		disk.Close()
		return nil, err
	}
	dirID, err := disk.Allocate(ctx)
	if err != nil {
		disk.Close()
		return nil, err
	}
	if headerID != 0 || dirID != firstDirectoryPageID {
		disk.Close()
		return nil, fmt.Errorf("%w: bootstrap pages allocated as %d, %d", ErrDataCorruption, headerID, dirID)
	}

	var flags uint64
	if nullable {
		flags |= 1 << colFlagNullable
	}
	header := NewPage(disk.PageSize())
	initView(header, TagVariableHeader)
	header.PutUint32(varOffType, uint32(serializer.Type()))
	header.PutUint32(varOffLogicalSize, uint32(serializer.LogicalSize()))
	header.PutUint64(varOffFlags, flags)
	header.PutInt64(varOffLastDir, int64(firstDirectoryPageID))
	header.PutInt64(varOffAllocPage, -1)
	header.PutInt64(varOffCount, 0)
	header.PutInt64(varOffMaxTupleID, -1)
	if err := disk.Update(ctx, headerID, header); err != nil {
		disk.Close()
		return nil, err
	}

	directory := NewPage(disk.PageSize())
	dirInit(directory, -1, 0)
	if err := disk.Update(ctx, dirID, directory); err != nil {
		disk.Close()
		return nil, err
	}
	if err := disk.Commit(ctx); err != nil {
		disk.Close()
		return nil, err
	}
	logger.Debug("created variable column",
		zap.String("path", path),
		zap.String("type", serializer.Type().String()),
		zap.Bool("nullable", nullable),
	)
	return &VariableColumn[T]{
		logger:     logger,
		path:       path,
		serializer: serializer,
		disk:       disk,
		opts:       opts,
		nullable:   nullable,
	}, nil
}

// OpenVariableColumn opens an existing variable length column file,
// validating the stored type descriptor against the serializer.
func OpenVariableColumn[T any](logger *zap.Logger, path string, serializer VariableSerializer[T], opts Options) (*VariableColumn[T], error) {
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
	if err := wrapView(header, TagVariableHeader); err != nil {
		disk.Close()
		return nil, err
	}
	storedType := LogicalType(header.Uint32(varOffType))
	if storedType != serializer.Type() {
		disk.Close()
		return nil, fmt.Errorf("%w: column is %s, serializer is %s", ErrDataCorruption, storedType, serializer.Type())
	}
	nullable := header.Uint64(varOffFlags)&(1<<colFlagNullable) != 0
	return &VariableColumn[T]{
		logger:     logger,
		path:       path,
		serializer: serializer,
		disk:       disk,
		opts:       opts,
		nullable:   nullable,
	}, nil
}

func (c *VariableColumn[T]) Path() string      { return c.path }
func (c *VariableColumn[T]) Type() LogicalType { return c.serializer.Type() }
func (c *VariableColumn[T]) Nullable() bool    { return c.nullable }

// Close closes the column file and its disk manager. Blocks until all
// readers and any writer finished.
func (c *VariableColumn[T]) Close() error {
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

func (c *VariableColumn[T]) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
