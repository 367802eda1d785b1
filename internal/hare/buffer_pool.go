package hare

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultPoolSize is the default number of page frames a pool keeps in
// memory.
const DefaultPoolSize = 64

// frameWaitInterval is the spin-wait interval when every frame is retained.
const frameWaitInterval = 100 * time.Microsecond

// PageRef is a retained, scope-bound handle on a cached page. It embeds the
// page itself, so the typed accessors work directly on the reference;
// writes through them mark the frame dirty. Content access is serialised
// through the per-reference latch.
type PageRef struct {
	*Page

	pool     *BufferPool
	frame    int
	pageID   PageID
	retain   int32
	dirty    bool
	priority Priority

	lastAccess int64
	enqueuedAt int64
	enqueued   bool

	// latch protects the page content: readers take the read side,
	// writers the write side.
	latch sync.RWMutex
}

// ID returns the page id the reference is currently bound to.
func (r *PageRef) ID() PageID {
	return r.pageID
}

// Lock takes the reference's write latch; writes through the typed
// accessors should happen under it.
func (r *PageRef) Lock() { r.latch.Lock() }

// Unlock releases the write latch.
func (r *PageRef) Unlock() { r.latch.Unlock() }

// RLock takes the reference's read latch.
func (r *PageRef) RLock() { r.latch.RLock() }

// RUnlock releases the read latch.
func (r *PageRef) RUnlock() { r.latch.RUnlock() }

// Release returns the reference to the pool. Convenience for
// pool.Release(ref) on all exit paths.
func (r *PageRef) Release() {
	r.pool.Release(r)
}

// BufferPool caches a bounded number of pages in memory, mediating access
// through page references and flushing dirty frames back through the disk
// manager. Page memory is allocated once as a single arena and frames are
// reused for the pool's lifetime.
type BufferPool struct {
	logger *zap.Logger
	disk   DiskManager

	pageSize int
	arena    []byte
	frames   []*PageRef
	table    map[PageID]*PageRef
	freeList []int
	queue    *evictionQueue

	// mu is the pool-wide latch serialising frame table mutations.
	mu     sync.Mutex
	tick   int64
	closed bool
}

// NewBufferPool creates a pool of size frames over the given disk manager.
func NewBufferPool(logger *zap.Logger, disk DiskManager, size int, policy EvictionPolicy) *BufferPool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	pageSize := disk.PageSize()
	p := &BufferPool{
		logger:   logger,
		disk:     disk,
		pageSize: pageSize,
		arena:    make([]byte, size*pageSize),
		frames:   make([]*PageRef, size),
		table:    make(map[PageID]*PageRef, size),
		freeList: make([]int, 0, size),
		queue:    newEvictionQueue(policy),
	}
	for i := range p.frames {
		ref := &PageRef{pool: p, frame: i, pageID: -1}
		ref.Page = newPageOver(p.arena[i*pageSize:(i+1)*pageSize], func() { ref.dirty = true })
		p.frames[i] = ref
		p.freeList = append(p.freeList, i)
	}
	return p
}

// Size returns the number of frames.
func (p *BufferPool) Size() int {
	return len(p.frames)
}

// Get returns a retained reference to pageID, loading the page from disk on
// a miss. When every frame is retained, Get briefly spin-waits for a frame
// to become evictable.
func (p *BufferPool) Get(ctx context.Context, pageID PageID, priority Priority) (*PageRef, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if ref, ok := p.table[pageID]; ok {
		ref.retain++
		p.tick++
		ref.lastAccess = p.tick
		if ref.priority < priority {
			ref.priority = priority
		}
		p.mu.Unlock()
		return ref, nil
	}

	ref, err := p.claimFrameLocked()
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	// Bind before loading so a concurrent Get for the same page finds the
	// frame; content is protected by the write latch during the load.
	ref.pageID = pageID
	ref.retain = 1
	ref.dirty = false
	ref.priority = priority
	p.tick++
	ref.lastAccess = p.tick
	p.table[pageID] = ref
	ref.latch.Lock()
	p.mu.Unlock()

	err = p.disk.Read(ctx, pageID, ref.Page)
	ref.latch.Unlock()
	if err != nil {
		p.mu.Lock()
		delete(p.table, pageID)
		ref.pageID = -1
		ref.retain = 0
		p.freeList = append(p.freeList, ref.frame)
		p.mu.Unlock()
		return nil, err
	}
	return ref, nil
}

// GetN returns retained references to n consecutive pages starting at
// startPageID. When none of them is cached yet, all n are loaded in a
// single transfer; otherwise the pages are pinned one by one so cached
// (possibly dirty) frames are never clobbered from disk.
func (p *BufferPool) GetN(ctx context.Context, startPageID PageID, n int, priority Priority) ([]*PageRef, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	anyCached := false
	for i := 0; i < n; i++ {
		if _, ok := p.table[startPageID+PageID(i)]; ok {
			anyCached = true
			break
		}
	}
	if anyCached || n > len(p.frames) {
		p.mu.Unlock()
		return p.getNSlow(ctx, startPageID, n, priority)
	}

	// Claim all frames first; the table is only touched once every claim
	// succeeded, so concurrent gets never observe half-bound frames.
	claimed := make([]*PageRef, 0, n)
	unclaim := func() {
		for _, r := range claimed {
			p.freeList = append(p.freeList, r.frame)
		}
	}
	for i := 0; i < n; i++ {
		ref, err := p.claimFrameLocked()
		if err != nil {
			unclaim()
			p.mu.Unlock()
			return nil, err
		}
		claimed = append(claimed, ref)
		// claimFrameLocked may have dropped the pool latch while waiting;
		// if a target page got cached meanwhile, fall back to per-page
		// gets.
		if _, ok := p.table[startPageID+PageID(i)]; ok {
			unclaim()
			p.mu.Unlock()
			return p.getNSlow(ctx, startPageID, n, priority)
		}
	}

	refs := make([]*PageRef, 0, n)
	pages := make([]*Page, 0, n)
	for i, ref := range claimed {
		ref.pageID = startPageID + PageID(i)
		ref.retain = 1
		ref.dirty = false
		ref.priority = priority
		p.tick++
		ref.lastAccess = p.tick
		p.table[ref.pageID] = ref
		refs = append(refs, ref)
		pages = append(pages, ref.Page)
	}
	// Load all frames in one transfer while holding every read latch.
	for _, r := range refs {
		r.latch.RLock()
	}
	p.mu.Unlock()
	err := p.disk.ReadN(ctx, startPageID, pages)
	for _, r := range refs {
		r.latch.RUnlock()
	}
	if err != nil {
		p.mu.Lock()
		for _, r := range refs {
			delete(p.table, r.pageID)
			r.pageID = -1
			r.retain = 0
			p.freeList = append(p.freeList, r.frame)
		}
		p.mu.Unlock()
		return nil, err
	}
	return refs, nil
}

// getNSlow pins n consecutive pages one by one.
func (p *BufferPool) getNSlow(ctx context.Context, startPageID PageID, n int, priority Priority) ([]*PageRef, error) {
	refs := make([]*PageRef, 0, n)
	for i := 0; i < n; i++ {
		ref, err := p.Get(ctx, startPageID+PageID(i), priority)
		if err != nil {
			for _, r := range refs {
				p.Release(r)
			}
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// Append allocates a fresh page through the disk manager and returns a
// retained reference to it.
func (p *BufferPool) Append(ctx context.Context, priority Priority) (*PageRef, error) {
	pageID, err := p.disk.Allocate(ctx)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	ref, err := p.claimFrameLocked()
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	ref.pageID = pageID
	ref.retain = 1
	ref.dirty = false
	ref.priority = priority
	p.tick++
	ref.lastAccess = p.tick
	ref.Page.reset()
	p.table[pageID] = ref
	p.mu.Unlock()
	return ref, nil
}

// claimFrameLocked hands out a free frame, evicting if necessary. Caller
// holds mu; the lock is dropped and re-acquired while spin-waiting.
func (p *BufferPool) claimFrameLocked() (*PageRef, error) {
	for {
		if n := len(p.freeList); n > 0 {
			idx := p.freeList[n-1]
			p.freeList = p.freeList[:n-1]
			return p.frames[idx], nil
		}
		if victim, ok := p.queue.victim(); ok {
			if victim.dirty {
				// Dirty frames are flushed before the frame is reused.
				if err := p.disk.Update(context.Background(), victim.pageID, victim.Page); err != nil {
					// Put the candidate back, the caller sees the error.
					p.queue.offer(victim)
					return nil, fmt.Errorf("flush page %d for eviction: %w", victim.pageID, err)
				}
				victim.dirty = false
			}
			p.logger.Debug("evicted page",
				zap.Int64("page_id", int64(victim.pageID)),
				zap.Int("frame", victim.frame),
			)
			delete(p.table, victim.pageID)
			victim.pageID = -1
			return victim, nil
		}
		// Every frame is retained; wait for a release.
		p.mu.Unlock()
		time.Sleep(frameWaitInterval)
		p.mu.Lock()
		if p.closed {
			return nil, ErrClosed
		}
	}
}

// Release decrements the retain count; at zero the frame becomes an
// eviction candidate.
func (p *BufferPool) Release(ref *PageRef) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ref.retain <= 0 {
		panic(fmt.Errorf("release of page %d with retain count %d", ref.pageID, ref.retain))
	}
	ref.retain--
	if ref.retain == 0 {
		p.queue.offer(ref)
	}
}

// Flush writes all dirty frames through the disk manager.
func (p *BufferPool) Flush(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	return p.flushLocked(ctx)
}

func (p *BufferPool) flushLocked(ctx context.Context) error {
	for _, ref := range p.frames {
		if ref.pageID < 0 || !ref.dirty {
			continue
		}
		ref.latch.RLock()
		err := p.disk.Update(ctx, ref.pageID, ref.Page)
		ref.latch.RUnlock()
		if err != nil {
			return fmt.Errorf("flush page %d: %w", ref.pageID, err)
		}
		ref.dirty = false
	}
	return nil
}

// Discard invalidates the pool without flushing, dropping any dirty
// frames. Used when the enclosing transaction rolls back.
func (p *BufferPool) Discard() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

// Close flushes dirty frames and invalidates the pool. All references must
// have been released.
func (p *BufferPool) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if err := p.flushLocked(ctx); err != nil {
		return err
	}
	p.closed = true
	for _, ref := range p.frames {
		if ref.retain != 0 {
			return fmt.Errorf("buffer pool closed with page %d still retained (%d)", ref.pageID, ref.retain)
		}
	}
	return nil
}
