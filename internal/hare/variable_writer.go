package hare

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// VariableWriter provides write access to a variable length column. A
// column file has at most one live writer, serialised against all readers
// through the column latch.
type VariableWriter[T any] struct {
	column *VariableColumn[T]
	pool   *BufferPool
	header *PageRef

	count     int64
	max       TupleID
	lastDir   PageID
	allocPage PageID
	closed    bool
}

// NewWriter opens the writer for the column. Blocks until all readers have
// closed.
func (c *VariableColumn[T]) NewWriter(ctx context.Context, poolSize int, policy EvictionPolicy) (*VariableWriter[T], error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	c.latch.Lock()
	w := &VariableWriter[T]{column: c}
	if err := w.bind(ctx, poolSize, policy); err != nil {
		c.latch.Unlock()
		return nil, err
	}
	return w, nil
}

func (w *VariableWriter[T]) bind(ctx context.Context, poolSize int, policy EvictionPolicy) error {
	pool := NewBufferPool(w.column.logger, w.column.disk, poolSize, policy)
	header, err := pool.Get(ctx, 0, PriorityHigh)
	if err != nil {
		pool.Discard()
		return err
	}
	if err := wrapView(header.Page, TagVariableHeader); err != nil {
		header.Release()
		pool.Discard()
		return err
	}
	w.pool = pool
	w.header = header
	w.count = header.Int64(varOffCount)
	w.max = TupleID(header.Int64(varOffMaxTupleID))
	w.lastDir = PageID(header.Int64(varOffLastDir))
	w.allocPage = PageID(header.Int64(varOffAllocPage))
	return nil
}

// Count returns the number of live entries.
func (w *VariableWriter[T]) Count() int64 { return w.count }

// MaxTupleID returns the highest tuple id ever assigned, -1 when empty.
func (w *VariableWriter[T]) MaxTupleID() TupleID { return w.max }

func (w *VariableWriter[T]) checkTupleID(tid TupleID) error {
	if tid < 0 || tid > w.max {
		return fmt.Errorf("%w: tuple %d, maximum %d", ErrTupleIDOutOfRange, tid, w.max)
	}
	return nil
}

func (w *VariableWriter[T]) syncHeader() {
	w.header.Lock()
	w.header.PutInt64(varOffCount, w.count)
	w.header.PutInt64(varOffMaxTupleID, int64(w.max))
	w.header.PutInt64(varOffLastDir, int64(w.lastDir))
	w.header.PutInt64(varOffAllocPage, int64(w.allocPage))
	w.header.Unlock()
}

// Get returns the value under tid as the transaction sees it, including
// writes that are not committed yet.
func (w *VariableWriter[T]) Get(ctx context.Context, tid TupleID) (Optional[T], error) {
	if w.closed {
		return Null[T](), ErrClosed
	}
	if err := w.checkTupleID(tid); err != nil {
		return Null[T](), err
	}
	dref, index, err := findDirectoryPage(ctx, w.pool, w.lastDir, tid)
	if err != nil {
		return Null[T](), err
	}
	dref.RLock()
	flags, addr := dirEntry(dref.Page, index)
	dref.RUnlock()
	dref.Release()

	if flags&flagDeleted != 0 {
		return Null[T](), fmt.Errorf("%w: tuple %d", ErrEntryDeleted, tid)
	}
	if flags&flagNull != 0 {
		return Null[T](), nil
	}
	ref, err := w.pool.Get(ctx, addr.PageID(), PriorityDefault)
	if err != nil {
		return Null[T](), err
	}
	defer ref.Release()
	ref.RLock()
	defer ref.RUnlock()
	return Some(w.column.serializer.Deserialize(slottedRead(ref.Page, addr.SlotID()))), nil
}

func (w *VariableWriter[T]) flagsOf(ctx context.Context, tid TupleID) (byte, error) {
	if w.closed {
		return 0, ErrClosed
	}
	if err := w.checkTupleID(tid); err != nil {
		return 0, err
	}
	dref, index, err := findDirectoryPage(ctx, w.pool, w.lastDir, tid)
	if err != nil {
		return 0, err
	}
	dref.RLock()
	flags, _ := dirEntry(dref.Page, index)
	dref.RUnlock()
	dref.Release()
	return flags, nil
}

// IsNull reports whether the entry under tid is null.
func (w *VariableWriter[T]) IsNull(ctx context.Context, tid TupleID) (bool, error) {
	flags, err := w.flagsOf(ctx, tid)
	if err != nil {
		return false, err
	}
	return flags&flagNull != 0, nil
}

// IsDeleted reports whether the entry under tid carries a tombstone.
func (w *VariableWriter[T]) IsDeleted(ctx context.Context, tid TupleID) (bool, error) {
	flags, err := w.flagsOf(ctx, tid)
	if err != nil {
		return false, err
	}
	return flags&flagDeleted != 0, nil
}

// placePayload stores payload on the allocation page, attaching a fresh
// slotted page when it does not fit, and returns the value's address.
func (w *VariableWriter[T]) placePayload(ctx context.Context, payload []byte) (Address, error) {
	if len(payload) > slottedMaxPayload(w.pool.pageSize) {
		return 0, fmt.Errorf("value of %d bytes exceeds the page capacity of %d", len(payload), slottedMaxPayload(w.pool.pageSize))
	}
	if w.allocPage >= 0 {
		ref, err := w.pool.Get(ctx, w.allocPage, PriorityDefault)
		if err != nil {
			return 0, err
		}
		ref.Lock()
		if err := wrapView(ref.Page, TagSlotted); err != nil {
			ref.Unlock()
			ref.Release()
			return 0, err
		}
		slot, ok := slottedInsert(ref.Page, payload)
		ref.Unlock()
		if ok {
			addr := NewAddress(ref.ID(), slot)
			ref.Release()
			return addr, nil
		}
		ref.Release()
	}

	ref, err := w.pool.Append(ctx, PriorityDefault)
	if err != nil {
		return 0, err
	}
	ref.Lock()
	slottedInit(ref.Page)
	slot, ok := slottedInsert(ref.Page, payload)
	ref.Unlock()
	if !ok {
		ref.Release()
		return 0, fmt.Errorf("value of %d bytes does not fit a fresh data page", len(payload))
	}
	w.allocPage = ref.ID()
	addr := NewAddress(ref.ID(), slot)
	ref.Release()
	w.column.logger.Debug("attached allocation page",
		zap.Int64("page_id", int64(w.allocPage)),
	)
	return addr, nil
}

// appendDirectoryEntry records the mapping for tid, linking a new
// directory page when the last one is full.
func (w *VariableWriter[T]) appendDirectoryEntry(ctx context.Context, tid TupleID, flags byte, addr Address) error {
	dref, err := w.pool.Get(ctx, w.lastDir, PriorityHigh)
	if err != nil {
		return err
	}
	dref.Lock()
	if err := wrapView(dref.Page, TagDirectory); err != nil {
		dref.Unlock()
		dref.Release()
		return err
	}
	if dirAppendEntry(dref.Page, flags, addr) {
		dref.Unlock()
		dref.Release()
		return nil
	}

	// Last directory page is full, link a new node behind it.
	ndref, err := w.pool.Append(ctx, PriorityHigh)
	if err != nil {
		dref.Unlock()
		dref.Release()
		return err
	}
	ndref.Lock()
	dirInit(ndref.Page, dref.ID(), tid)
	if !dirAppendEntry(ndref.Page, flags, addr) {
		ndref.Unlock()
		dref.Unlock()
		ndref.Release()
		dref.Release()
		return fmt.Errorf("%w: fresh directory page rejected entry", ErrDataCorruption)
	}
	ndref.Unlock()
	dirSetNext(dref.Page, ndref.ID())
	dref.Unlock()

	w.lastDir = ndref.ID()
	w.column.logger.Debug("linked directory page",
		zap.Int64("page_id", int64(w.lastDir)),
		zap.Int64("first_tuple_id", int64(tid)),
	)
	ndref.Release()
	dref.Release()
	return nil
}

// Append assigns the next tuple id and stores the value. Null values
// require a nullable column; they occupy no payload bytes.
func (w *VariableWriter[T]) Append(ctx context.Context, v Optional[T]) (TupleID, error) {
	if w.closed {
		return 0, ErrClosed
	}
	if !v.Valid && !w.column.nullable {
		return 0, ErrNullValueNotAllowed
	}
	tid := w.max + 1

	var (
		flags byte
		addr  Address
	)
	if v.Valid {
		var err error
		addr, err = w.placePayload(ctx, w.column.serializer.Serialize(v.Value))
		if err != nil {
			return 0, err
		}
	} else {
		flags = flagNull
	}
	if err := w.appendDirectoryEntry(ctx, tid, flags, addr); err != nil {
		return 0, err
	}

	w.count++
	w.max = tid
	w.syncHeader()
	if err := w.pool.Flush(ctx); err != nil {
		return 0, err
	}
	return tid, nil
}

// Update overwrites the value under tid, in place when the new payload
// fits the old byte range, through a fresh slot otherwise. The stale byte
// range is not reclaimed until compaction.
func (w *VariableWriter[T]) Update(ctx context.Context, tid TupleID, v Optional[T]) error {
	if w.closed {
		return ErrClosed
	}
	if err := w.checkTupleID(tid); err != nil {
		return err
	}
	if !v.Valid && !w.column.nullable {
		return ErrNullValueNotAllowed
	}

	dref, index, err := findDirectoryPage(ctx, w.pool, w.lastDir, tid)
	if err != nil {
		return err
	}
	defer dref.Release()

	dref.Lock()
	flags, addr := dirEntry(dref.Page, index)
	dref.Unlock()
	if flags&flagDeleted != 0 {
		return fmt.Errorf("%w: tuple %d", ErrEntryDeleted, tid)
	}

	if !v.Valid {
		dref.Lock()
		dirSetEntry(dref.Page, index, flags|flagNull, addr)
		dref.Unlock()
		return w.pool.Flush(ctx)
	}

	payload := w.column.serializer.Serialize(v.Value)
	if flags&flagNull == 0 {
		// Try to reuse the existing byte range.
		ref, err := w.pool.Get(ctx, addr.PageID(), PriorityDefault)
		if err != nil {
			return err
		}
		ref.Lock()
		ok := slottedUpdateInPlace(ref.Page, addr.SlotID(), payload)
		ref.Unlock()
		ref.Release()
		if ok {
			return w.pool.Flush(ctx)
		}
	}

	newAddr, err := w.placePayload(ctx, payload)
	if err != nil {
		return err
	}
	dref.Lock()
	dirSetEntry(dref.Page, index, flags&^flagNull, newAddr)
	dref.Unlock()
	w.syncHeader()
	return w.pool.Flush(ctx)
}

// Delete sets the tombstone in the directory entry and returns the
// previous value. The payload bytes stay behind until compaction.
func (w *VariableWriter[T]) Delete(ctx context.Context, tid TupleID) (Optional[T], error) {
	if w.closed {
		return Null[T](), ErrClosed
	}
	if err := w.checkTupleID(tid); err != nil {
		return Null[T](), err
	}
	dref, index, err := findDirectoryPage(ctx, w.pool, w.lastDir, tid)
	if err != nil {
		return Null[T](), err
	}
	defer dref.Release()

	dref.Lock()
	flags, addr := dirEntry(dref.Page, index)
	if flags&flagDeleted != 0 {
		dref.Unlock()
		return Null[T](), fmt.Errorf("%w: tuple %d", ErrEntryDeleted, tid)
	}
	dirSetEntry(dref.Page, index, flags|flagDeleted, addr)
	dref.Unlock()

	previous := Null[T]()
	if flags&flagNull == 0 {
		ref, err := w.pool.Get(ctx, addr.PageID(), PriorityDefault)
		if err != nil {
			return Null[T](), err
		}
		ref.RLock()
		payload := slottedRead(ref.Page, addr.SlotID())
		ref.RUnlock()
		ref.Release()
		previous = Some(w.column.serializer.Deserialize(payload))
	}

	w.count--
	w.syncHeader()
	if err := w.pool.Flush(ctx); err != nil {
		return Null[T](), err
	}
	return previous, nil
}

// Commit flushes the header page and promotes the transaction through the
// disk manager.
func (w *VariableWriter[T]) Commit(ctx context.Context) error {
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
func (w *VariableWriter[T]) Rollback(ctx context.Context) error {
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
// column.
func (w *VariableWriter[T]) Close(ctx context.Context) error {
	if w.closed {
		return ErrClosed
	}
	w.closed = true
	w.header.Release()
	err := w.pool.Close(ctx)
	w.column.latch.Unlock()
	return err
}
