package hare

import "context"

// FixedCursor is a forward-only iterator over the live tuple ids of a
// fixed length column, bounded by a range fixed at construction. It
// borrows the read hold of the reader it was opened from; appends after
// construction are not observed.
type FixedCursor[T any] struct {
	reader  *FixedReader[T]
	next    TupleID
	current TupleID
	end     TupleID
	closed  bool
}

// Next advances to the next live (non-deleted) tuple id. Returns false
// once the range is exhausted.
func (c *FixedCursor[T]) Next(ctx context.Context) (bool, error) {
	if c.closed {
		return false, ErrClosed
	}
	for t := c.next; t <= c.end; t++ {
		deleted, err := c.reader.IsDeleted(ctx, t)
		if err != nil {
			return false, err
		}
		if deleted {
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
func (c *FixedCursor[T]) TupleID() TupleID {
	return c.current
}

// ReadThrough materialises the value under the current tuple id.
func (c *FixedCursor[T]) ReadThrough(ctx context.Context) (Optional[T], error) {
	if c.closed {
		return Null[T](), ErrClosed
	}
	return c.reader.Get(ctx, c.current)
}

// Close invalidates the cursor. The reader's hold on the column is
// released by closing the reader itself.
func (c *FixedCursor[T]) Close() {
	c.closed = true
}
