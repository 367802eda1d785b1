package hare

import (
	"context"
	"fmt"
)

// FixedReader provides read access to a fixed length column within one
// transaction. It holds a read lock on the column file and obtains pages
// through its own buffer pool; any number of readers may coexist.
type FixedReader[T any] struct {
	column *FixedColumn[T]
	pool   *BufferPool
	header *PageRef
	closed bool
}

// NewReader opens a reader over the column. poolSize <= 0 selects the
// default buffer pool size.
func (c *FixedColumn[T]) NewReader(ctx context.Context, poolSize int, policy EvictionPolicy) (*FixedReader[T], error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	c.latch.RLock()
	pool := NewBufferPool(c.logger, c.disk, poolSize, policy)
	header, err := pool.Get(ctx, 0, PriorityHigh)
	if err != nil {
		pool.Discard()
		c.latch.RUnlock()
		return nil, err
	}
	if err := wrapView(header.Page, TagFixedHeader); err != nil {
		header.Release()
		pool.Discard()
		c.latch.RUnlock()
		return nil, err
	}
	return &FixedReader[T]{column: c, pool: pool, header: header}, nil
}

// Count returns the number of live entries.
func (r *FixedReader[T]) Count() int64 {
	return r.header.Int64(colOffCount)
}

// MaxTupleID returns the highest tuple id ever assigned, -1 when empty.
func (r *FixedReader[T]) MaxTupleID() TupleID {
	return TupleID(r.header.Int64(colOffMaxTupleID))
}

func (r *FixedReader[T]) checkTupleID(tid TupleID) error {
	if tid < 0 || tid > r.MaxTupleID() {
		return fmt.Errorf("%w: tuple %d, maximum %d", ErrTupleIDOutOfRange, tid, r.MaxTupleID())
	}
	return nil
}

// Get returns the value under tid, Null when the entry is null. Fails with
// ErrEntryDeleted for tombstoned entries.
func (r *FixedReader[T]) Get(ctx context.Context, tid TupleID) (Optional[T], error) {
	if r.closed {
		return Null[T](), ErrClosed
	}
	if err := r.checkTupleID(tid); err != nil {
		return Null[T](), err
	}
	pageID, offset := r.column.locate(tid)
	ref, err := r.pool.Get(ctx, pageID, PriorityDefault)
	if err != nil {
		return Null[T](), err
	}
	defer ref.Release()

	ref.RLock()
	defer ref.RUnlock()
	flags := ref.Byte(offset)
	if flags&flagDeleted != 0 {
		return Null[T](), fmt.Errorf("%w: tuple %d", ErrEntryDeleted, tid)
	}
	if flags&flagNull != 0 {
		return Null[T](), nil
	}
	return Some(r.column.serializer.Read(ref.Page, offset+1)), nil
}

func (r *FixedReader[T]) flagsOf(ctx context.Context, tid TupleID) (byte, error) {
	if r.closed {
		return 0, ErrClosed
	}
	if err := r.checkTupleID(tid); err != nil {
		return 0, err
	}
	pageID, offset := r.column.locate(tid)
	ref, err := r.pool.Get(ctx, pageID, PriorityDefault)
	if err != nil {
		return 0, err
	}
	defer ref.Release()
	ref.RLock()
	defer ref.RUnlock()
	return ref.Byte(offset), nil
}

// IsNull reports whether the entry under tid is null.
func (r *FixedReader[T]) IsNull(ctx context.Context, tid TupleID) (bool, error) {
	flags, err := r.flagsOf(ctx, tid)
	if err != nil {
		return false, err
	}
	return flags&flagNull != 0, nil
}

// IsDeleted reports whether the entry under tid carries a tombstone.
func (r *FixedReader[T]) IsDeleted(ctx context.Context, tid TupleID) (bool, error) {
	flags, err := r.flagsOf(ctx, tid)
	if err != nil {
		return false, err
	}
	return flags&flagDeleted != 0, nil
}

// Cursor opens a cursor over all tuple ids of the column.
func (r *FixedReader[T]) Cursor() (*FixedCursor[T], error) {
	return r.CursorRange(0, r.MaxTupleID())
}

// CursorRange opens a cursor over [start, end]. The bounds are fixed at
// construction; appends after that are not observed.
func (r *FixedReader[T]) CursorRange(start, end TupleID) (*FixedCursor[T], error) {
	if r.closed {
		return nil, ErrClosed
	}
	if maximum := r.MaxTupleID(); end > maximum {
		end = maximum
	}
	if start < 0 {
		start = 0
	}
	return &FixedCursor[T]{reader: r, next: start, current: -1, end: end}, nil
}

// Close releases the reader's buffer pool and its hold on the column.
func (r *FixedReader[T]) Close(ctx context.Context) error {
	if r.closed {
		return ErrClosed
	}
	r.closed = true
	r.header.Release()
	err := r.pool.Close(ctx)
	r.column.latch.RUnlock()
	return err
}
