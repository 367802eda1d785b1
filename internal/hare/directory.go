package hare

import (
	"context"
	"fmt"
)

// Directory page layout: a node of the doubly linked list mapping tuple
// ids to addresses for variable length columns. Tuple ids within one page
// are consecutive from firstTupleID.
//
//	[0:4)   page tag (TagDirectory)
//	[4:6)   entry count
//	[8:16)  previous page id (-1 = none)
//	[16:24) next page id (-1 = none)
//	[24:32) first tuple id
//	[32:..) entries of (flags byte, address), 9 bytes each
const (
	dirOffEntryCount   = 4
	dirOffPrevious     = 8
	dirOffNext         = 16
	dirOffFirstTupleID = 24
	dirEntryTable      = 32
	dirEntrySize       = 9

	// firstDirectoryPageID is fixed: the first directory page is created
	// together with the column and never moves.
	firstDirectoryPageID PageID = 1
)

func dirCapacity(pageSize int) int {
	return (pageSize - dirEntryTable) / dirEntrySize
}

// dirInit claims a fresh page as an empty directory node.
func dirInit(p *Page, previous PageID, firstTupleID TupleID) {
	initView(p, TagDirectory)
	p.PutUint16(dirOffEntryCount, 0)
	p.PutInt64(dirOffPrevious, int64(previous))
	p.PutInt64(dirOffNext, -1)
	p.PutInt64(dirOffFirstTupleID, int64(firstTupleID))
}

func dirEntryCount(p *Page) int    { return int(p.Uint16(dirOffEntryCount)) }
func dirPrevious(p *Page) PageID   { return PageID(p.Int64(dirOffPrevious)) }
func dirNext(p *Page) PageID       { return PageID(p.Int64(dirOffNext)) }
func dirSetNext(p *Page, n PageID) { p.PutInt64(dirOffNext, int64(n)) }

func dirFirstTupleID(p *Page) TupleID {
	return TupleID(p.Int64(dirOffFirstTupleID))
}

// dirLastTupleID is the highest tuple id the page currently maps; one less
// than firstTupleID when the page is empty.
func dirLastTupleID(p *Page) TupleID {
	return dirFirstTupleID(p) + TupleID(dirEntryCount(p)) - 1
}

func dirEntry(p *Page, index int) (byte, Address) {
	base := dirEntryTable + index*dirEntrySize
	return p.Byte(base), Address(p.Uint64(base + 1))
}

func dirSetEntry(p *Page, index int, flags byte, addr Address) {
	base := dirEntryTable + index*dirEntrySize
	p.PutByte(base, flags)
	p.PutUint64(base+1, uint64(addr))
}

// dirAppendEntry adds the mapping for the next consecutive tuple id.
// Returns false when the page is full.
func dirAppendEntry(p *Page, flags byte, addr Address) bool {
	count := dirEntryCount(p)
	if count >= dirCapacity(p.Size()) {
		return false
	}
	dirSetEntry(p, count, flags, addr)
	p.PutUint16(dirOffEntryCount, uint16(count+1))
	return true
}

// findDirectoryPage walks the directory list backwards from lastDir until
// it finds the page mapping tid. The returned reference is retained; the
// caller releases it.
func findDirectoryPage(ctx context.Context, pool *BufferPool, lastDir PageID, tid TupleID) (*PageRef, int, error) {
	current := lastDir
	for current >= 0 {
		ref, err := pool.Get(ctx, current, PriorityHigh)
		if err != nil {
			return nil, 0, err
		}
		if err := wrapView(ref.Page, TagDirectory); err != nil {
			ref.Release()
			return nil, 0, err
		}
		first := dirFirstTupleID(ref.Page)
		if tid >= first {
			if tid > dirLastTupleID(ref.Page) {
				ref.Release()
				return nil, 0, fmt.Errorf("%w: tuple %d beyond directory page %d", ErrTupleIDOutOfRange, tid, current)
			}
			return ref, int(tid - first), nil
		}
		previous := dirPrevious(ref.Page)
		ref.Release()
		current = previous
	}
	return nil, 0, fmt.Errorf("%w: tuple %d not mapped by any directory page", ErrTupleIDOutOfRange, tid)
}
