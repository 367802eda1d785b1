package hare

import "context"

// VariableCursor is a forward-only iterator over the live tuple ids of a
// variable length column. It walks the directory linked list from the
// front, keeping the current node pinned between steps.
type VariableCursor[T any] struct {
	reader  *VariableReader[T]
	dir     *PageRef
	next    TupleID
	current TupleID
	end     TupleID
	closed  bool
}

// advanceDir pins the directory page mapping tid, following next links
// from the currently pinned node (or the first directory page).
func (c *VariableCursor[T]) advanceDir(ctx context.Context, tid TupleID) error {
	if c.dir == nil {
		dref, err := c.reader.pool.Get(ctx, firstDirectoryPageID, PriorityHigh)
		if err != nil {
			return err
		}
		if err := wrapView(dref.Page, TagDirectory); err != nil {
			dref.Release()
			return err
		}
		c.dir = dref
	}
	for tid > dirLastTupleID(c.dir.Page) {
		next := dirNext(c.dir.Page)
		if next < 0 {
			return ErrTupleIDOutOfRange
		}
		dref, err := c.reader.pool.Get(ctx, next, PriorityHigh)
		if err != nil {
			return err
		}
		if err := wrapView(dref.Page, TagDirectory); err != nil {
			dref.Release()
			return err
		}
		c.dir.Release()
		c.dir = dref
	}
	return nil
}

// Next advances to the next live (non-deleted) tuple id. Returns false
// once the range is exhausted.
func (c *VariableCursor[T]) Next(ctx context.Context) (bool, error) {
	if c.closed {
		return false, ErrClosed
	}
	for t := c.next; t <= c.end; t++ {
		if err := c.advanceDir(ctx, t); err != nil {
			return false, err
		}
		index := int(t - dirFirstTupleID(c.dir.Page))
		c.dir.RLock()
		flags, _ := dirEntry(c.dir.Page, index)
		c.dir.RUnlock()
		if flags&flagDeleted != 0 {
			continue
		}
		c.current = t
		c.next = t + 1
		return true, nil
	}
	c.next = c.end + 1
	return false, nil
}

// TupleID returns the tuple id the cursor currently rests on.
func (c *VariableCursor[T]) TupleID() TupleID {
	return c.current
}

// ReadThrough materialises the value under the current tuple id.
func (c *VariableCursor[T]) ReadThrough(ctx context.Context) (Optional[T], error) {
	if c.closed {
		return Null[T](), ErrClosed
	}
	return c.reader.Get(ctx, c.current)
}

// Close invalidates the cursor and unpins its directory page. The
// reader's hold on the column is released by closing the reader itself.
func (c *VariableCursor[T]) Close() {
	if c.closed {
		return
	}
	c.closed = true
	if c.dir != nil {
		c.dir.Release()
		c.dir = nil
	}
}
