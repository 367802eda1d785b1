package hare

import (
	"bytes"
	"context"
	"fmt"

	"go.uber.org/zap"
)

// FixedWriter provides write access to a fixed length column. A column
// file has at most one live writer, serialised against all readers through
// the column latch. Every operation is written through to the disk manager
// before it returns; Commit makes the whole transaction durable, Rollback
// (WAL flavor) takes it back.
type FixedWriter[T any] struct {
	column *FixedColumn[T]
	pool   *BufferPool
	header *PageRef

	count  int64
	max    TupleID
	closed bool
}

// NewWriter opens the writer for the column. Blocks until all readers have
// closed.
func (c *FixedColumn[T]) NewWriter(ctx context.Context, poolSize int, policy EvictionPolicy) (*FixedWriter[T], error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	c.latch.Lock()
	w := &FixedWriter[T]{column: c}
	if err := w.bind(ctx, poolSize, policy); err != nil {
		c.latch.Unlock()
		return nil, err
	}
	return w, nil
}

// bind creates the pool, pins the header page and loads the counters.
func (w *FixedWriter[T]) bind(ctx context.Context, poolSize int, policy EvictionPolicy) error {
	pool := NewBufferPool(w.column.logger, w.column.disk, poolSize, policy)
	header, err := pool.Get(ctx, 0, PriorityHigh)
	if err != nil {
		pool.Discard()
		return err
	}
	if err := wrapView(header.Page, TagFixedHeader); err != nil {
		header.Release()
		pool.Discard()
		return err
	}
	w.pool = pool
	w.header = header
	w.count = header.Int64(colOffCount)
	w.max = TupleID(header.Int64(colOffMaxTupleID))
	return nil
}

// Count returns the number of live entries.
func (w *FixedWriter[T]) Count() int64 { return w.count }

// MaxTupleID returns the highest tuple id ever assigned, -1 when empty.
func (w *FixedWriter[T]) MaxTupleID() TupleID { return w.max }

func (w *FixedWriter[T]) checkTupleID(tid TupleID) error {
	if tid < 0 || tid > w.max {
		return fmt.Errorf("%w: tuple %d, maximum %d", ErrTupleIDOutOfRange, tid, w.max)
	}
	return nil
}

func (w *FixedWriter[T]) syncHeader() {
	w.header.Lock()
	w.header.PutInt64(colOffCount, w.count)
	w.header.PutInt64(colOffMaxTupleID, int64(w.max))
	w.header.Unlock()
}

// Get returns the value under tid as the transaction sees it, including
// writes that are not committed yet.
func (w *FixedWriter[T]) Get(ctx context.Context, tid TupleID) (Optional[T], error) {
	if w.closed {
		return Null[T](), ErrClosed
	}
	if err := w.checkTupleID(tid); err != nil {
		return Null[T](), err
	}
	pageID, offset := w.column.locate(tid)
	ref, err := w.pool.Get(ctx, pageID, PriorityDefault)
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
	return Some(w.column.serializer.Read(ref.Page, offset+1)), nil
}

func (w *FixedWriter[T]) flagsOf(ctx context.Context, tid TupleID) (byte, error) {
	if w.closed {
		return 0, ErrClosed
	}
	if err := w.checkTupleID(tid); err != nil {
		return 0, err
	}
	pageID, offset := w.column.locate(tid)
	ref, err := w.pool.Get(ctx, pageID, PriorityDefault)
	if err != nil {
		return 0, err
	}
	defer ref.Release()
	ref.RLock()
	defer ref.RUnlock()
	return ref.Byte(offset), nil
}

// IsNull reports whether the entry under tid is null.
func (w *FixedWriter[T]) IsNull(ctx context.Context, tid TupleID) (bool, error) {
	flags, err := w.flagsOf(ctx, tid)
	if err != nil {
		return false, err
	}
	return flags&flagNull != 0, nil
}

// IsDeleted reports whether the entry under tid carries a tombstone.
func (w *FixedWriter[T]) IsDeleted(ctx context.Context, tid TupleID) (bool, error) {
	flags, err := w.flagsOf(ctx, tid)
	if err != nil {
		return false, err
	}
	return flags&flagDeleted != 0, nil
}

// Append assigns the next tuple id and writes the value. Null values
// require a nullable column.
func (w *FixedWriter[T]) Append(ctx context.Context, v Optional[T]) (TupleID, error) {
	if w.closed {
		return 0, ErrClosed
	}
	if !v.Valid && !w.column.nullable {
		return 0, ErrNullValueNotAllowed
	}
	tid := w.max + 1
	pageID, offset := w.column.locate(tid)

	var (
		ref *PageRef
		err error
	)
	if pageID > w.column.disk.MaximumPageID() {
		ref, err = w.pool.Append(ctx, PriorityDefault)
		if err != nil {
			return 0, err
		}
		if ref.ID() != pageID {
			ref.Release()
			return 0, fmt.Errorf("%w: data page allocated as %d, expected %d", ErrDataCorruption, ref.ID(), pageID)
		}
		ref.Lock()
		initView(ref.Page, TagSlotted)
	} else {
		ref, err = w.pool.Get(ctx, pageID, PriorityDefault)
		if err != nil {
			return 0, err
		}
		ref.Lock()
	}

	var flags byte
	if !v.Valid {
		flags = flagNull
	}
	ref.PutByte(offset, flags)
	if v.Valid {
		w.column.serializer.Write(ref.Page, offset+1, v.Value)
	}
	ref.Unlock()
	ref.Release()

	w.count++
	w.max = tid
	w.syncHeader()
	if err := w.pool.Flush(ctx); err != nil {
		return 0, err
	}
	return tid, nil
}

// Update overwrites the value under tid. The tombstone state is left
// untouched, the null bit follows the new value.
func (w *FixedWriter[T]) Update(ctx context.Context, tid TupleID, v Optional[T]) error {
	if w.closed {
		return ErrClosed
	}
	if err := w.checkTupleID(tid); err != nil {
		return err
	}
	if !v.Valid && !w.column.nullable {
		return ErrNullValueNotAllowed
	}
	pageID, offset := w.column.locate(tid)
	ref, err := w.pool.Get(ctx, pageID, PriorityDefault)
	if err != nil {
		return err
	}
	ref.Lock()
	flags := ref.Byte(offset)
	if flags&flagDeleted != 0 {
		ref.Unlock()
		ref.Release()
		return fmt.Errorf("%w: tuple %d", ErrEntryDeleted, tid)
	}
	if v.Valid {
		ref.PutByte(offset, flags&^flagNull)
		w.column.serializer.Write(ref.Page, offset+1, v.Value)
	} else {
		ref.PutByte(offset, flags|flagNull)
	}
	ref.Unlock()
	ref.Release()
	return w.pool.Flush(ctx)
}

// CompareAndUpdate writes v only when the entry currently holds expected,
// comparing serialized representations under the page write latch. Returns
// whether the write happened.
func (w *FixedWriter[T]) CompareAndUpdate(ctx context.Context, tid TupleID, expected, v Optional[T]) (bool, error) {
	if w.closed {
		return false, ErrClosed
	}
	if err := w.checkTupleID(tid); err != nil {
		return false, err
	}
	if !v.Valid && !w.column.nullable {
		return false, ErrNullValueNotAllowed
	}
	pageID, offset := w.column.locate(tid)
	ref, err := w.pool.Get(ctx, pageID, PriorityDefault)
	if err != nil {
		return false, err
	}
	ref.Lock()
	flags := ref.Byte(offset)
	if flags&flagDeleted != 0 {
		ref.Unlock()
		ref.Release()
		return false, fmt.Errorf("%w: tuple %d", ErrEntryDeleted, tid)
	}
	currentValid := flags&flagNull == 0
	if currentValid != expected.Valid {
		ref.Unlock()
		ref.Release()
		return false, nil
	}
	if currentValid {
		current := ref.Bytes(offset+1, w.column.entrySize)
		if !bytes.Equal(current, w.column.serializer.Serialize(expected.Value)) {
			ref.Unlock()
			ref.Release()
			return false, nil
		}
	}
	if v.Valid {
		ref.PutByte(offset, flags&^flagNull)
		w.column.serializer.Write(ref.Page, offset+1, v.Value)
	} else {
		ref.PutByte(offset, flags|flagNull)
	}
	ref.Unlock()
	ref.Release()
	if err := w.pool.Flush(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Delete sets the tombstone bit and returns the previous value. The tuple
// id is never reused.
func (w *FixedWriter[T]) Delete(ctx context.Context, tid TupleID) (Optional[T], error) {
	if w.closed {
		return Null[T](), ErrClosed
	}
	if err := w.checkTupleID(tid); err != nil {
		return Null[T](), err
	}
	pageID, offset := w.column.locate(tid)
	ref, err := w.pool.Get(ctx, pageID, PriorityDefault)
	if err != nil {
		return Null[T](), err
	}
	ref.Lock()
	flags := ref.Byte(offset)
	if flags&flagDeleted != 0 {
		ref.Unlock()
		ref.Release()
		return Null[T](), fmt.Errorf("%w: tuple %d", ErrEntryDeleted, tid)
	}
	previous := Null[T]()
	if flags&flagNull == 0 {
		previous = Some(w.column.serializer.Read(ref.Page, offset+1))
	}
	ref.PutByte(offset, flags|flagDeleted)
	ref.Unlock()
	ref.Release()

	w.count--
	w.syncHeader()
	if err := w.pool.Flush(ctx); err != nil {
		return Null[T](), err
	}
	return previous, nil
}

// Commit flushes the header page and promotes the transaction through the
// disk manager.
func (w *FixedWriter[T]) Commit(ctx context.Context) error {
	if w.closed {
		return ErrClosed
	}
	w.syncHeader()
	if err := w.pool.Flush(ctx); err != nil {
		return err
	}
	return w.column.disk.Commit(ctx)
}

// Rollback discards the transaction and re-reads the durable state.
func (w *FixedWriter[T]) Rollback(ctx context.Context) error {
	if w.closed {
		return ErrClosed
	}
	w.header.Release()
	w.pool.Discard()
	if err := w.column.disk.Rollback(ctx); err != nil {
		return err
	}
	w.column.logger.Debug("rolled back column writer", zap.String("path", w.column.path))
	return w.bind(ctx, w.pool.Size(), w.pool.queue.policy)
}

// Close releases the writer's resources and its exclusive hold on the
// column. Pending mutations that were not committed stay pending at the
// disk manager level and are discarded when the column closes.
func (w *FixedWriter[T]) Close(ctx context.Context) error {
	if w.closed {
		return ErrClosed
	}
	w.closed = true
	w.header.Release()
	err := w.pool.Close(ctx)
	w.column.latch.Unlock()
	return err
}
