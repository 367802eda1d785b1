package hare

import (
	"context"
	"fmt"
)

// VariableReader provides read access to a variable length column within
// one transaction. It holds a read lock on the column file; any number of
// readers may coexist.
type VariableReader[T any] struct {
	column *VariableColumn[T]
	pool   *BufferPool
	header *PageRef
	closed bool
}

// NewReader opens a reader over the column. poolSize <= 0 selects the
// default buffer pool size.
func (c *VariableColumn[T]) NewReader(ctx context.Context, poolSize int, policy EvictionPolicy) (*VariableReader[T], error) {
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
	if err := wrapView(header.Page, TagVariableHeader); err != nil {
		header.Release()
		pool.Discard()
		c.latch.RUnlock()
		return nil, err
	}
	return &VariableReader[T]{column: c, pool: pool, header: header}, nil
}

// Count returns the number of live entries.
func (r *VariableReader[T]) Count() int64 {
	return r.header.Int64(varOffCount)
}

// MaxTupleID returns the highest tuple id ever assigned, -1 when empty.
func (r *VariableReader[T]) MaxTupleID() TupleID {
	return TupleID(r.header.Int64(varOffMaxTupleID))
}

func (r *VariableReader[T]) lastDirectory() PageID {
	return PageID(r.header.Int64(varOffLastDir))
}

func (r *VariableReader[T]) checkTupleID(tid TupleID) error {
	if tid < 0 || tid > r.MaxTupleID() {
		return fmt.Errorf("%w: tuple %d, maximum %d", ErrTupleIDOutOfRange, tid, r.MaxTupleID())
	}
	return nil
}

// entryOf resolves tid through the directory. Flags and address are
// returned by value, the directory page is released again.
func (r *VariableReader[T]) entryOf(ctx context.Context, tid TupleID) (byte, Address, error) {
	dref, index, err := findDirectoryPage(ctx, r.pool, r.lastDirectory(), tid)
	if err != nil {
		return 0, 0, err
	}
	dref.RLock()
	flags, addr := dirEntry(dref.Page, index)
	dref.RUnlock()
	dref.Release()
	return flags, addr, nil
}

// Get returns the value under tid, Null when the entry is null. Fails with
// ErrEntryDeleted for tombstoned entries.
func (r *VariableReader[T]) Get(ctx context.Context, tid TupleID) (Optional[T], error) {
	if r.closed {
		return Null[T](), ErrClosed
	}
	if err := r.checkTupleID(tid); err != nil {
		return Null[T](), err
	}
	flags, addr, err := r.entryOf(ctx, tid)
	if err != nil {
		return Null[T](), err
	}
	if flags&flagDeleted != 0 {
		return Null[T](), fmt.Errorf("%w: tuple %d", ErrEntryDeleted, tid)
	}
	if flags&flagNull != 0 {
		return Null[T](), nil
	}

	ref, err := r.pool.Get(ctx, addr.PageID(), PriorityDefault)
	if err != nil {
		return Null[T](), err
	}
	defer ref.Release()
	ref.RLock()
	defer ref.RUnlock()
	if err := wrapView(ref.Page, TagSlotted); err != nil {
		return Null[T](), err
	}
	payload := slottedRead(ref.Page, addr.SlotID())
	return Some(r.column.serializer.Deserialize(payload)), nil
}

// IsNull reports whether the entry under tid is null.
func (r *VariableReader[T]) IsNull(ctx context.Context, tid TupleID) (bool, error) {
	if r.closed {
		return false, ErrClosed
	}
	if err := r.checkTupleID(tid); err != nil {
		return false, err
	}
	flags, _, err := r.entryOf(ctx, tid)
	if err != nil {
		return false, err
	}
	return flags&flagNull != 0, nil
}

// IsDeleted reports whether the entry under tid carries a tombstone.
func (r *VariableReader[T]) IsDeleted(ctx context.Context, tid TupleID) (bool, error) {
	if r.closed {
		return false, ErrClosed
	}
	if err := r.checkTupleID(tid); err != nil {
		return false, err
	}
	flags, _, err := r.entryOf(ctx, tid)
	if err != nil {
		return false, err
	}
	return flags&flagDeleted != 0, nil
}

// Cursor opens a cursor over all tuple ids of the column.
func (r *VariableReader[T]) Cursor() (*VariableCursor[T], error) {
	return r.CursorRange(0, r.MaxTupleID())
}

// CursorRange opens a cursor over [start, end]. The bounds are fixed at
// construction; appends after that are not observed.
func (r *VariableReader[T]) CursorRange(start, end TupleID) (*VariableCursor[T], error) {
	if r.closed {
		return nil, ErrClosed
	}
	if maximum := r.MaxTupleID(); end > maximum {
		end = maximum
	}
	if start < 0 {
		start = 0
	}
	return &VariableCursor[T]{reader: r, next: start, current: -1, end: end}, nil
}

// Close releases the reader's buffer pool and its hold on the column.
func (r *VariableReader[T]) Close(ctx context.Context) error {
	if r.closed {
		return ErrClosed
	}
	r.closed = true
	r.header.Release()
	err := r.pool.Close(ctx)
	r.column.latch.RUnlock()
	return err
}
