package hare

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvictionQueue_FIFO(t *testing.T) {
	t.Parallel()

	q := newEvictionQueue(EvictFIFO)
	a := &PageRef{pageID: 1, priority: PriorityDefault}
	b := &PageRef{pageID: 2, priority: PriorityDefault}
	c := &PageRef{pageID: 3, priority: PriorityDefault}
	q.offer(a)
	q.offer(b)
	q.offer(c)

	victim, ok := q.victim()
	assert.True(t, ok)
	assert.Same(t, a, victim)

	victim, ok = q.victim()
	assert.True(t, ok)
	assert.Same(t, b, victim)
}

func TestEvictionQueue_LRU(t *testing.T) {
	t.Parallel()

	q := newEvictionQueue(EvictLRU)
	a := &PageRef{pageID: 1, priority: PriorityDefault, lastAccess: 30}
	b := &PageRef{pageID: 2, priority: PriorityDefault, lastAccess: 10}
	c := &PageRef{pageID: 3, priority: PriorityDefault, lastAccess: 20}
	q.offer(a)
	q.offer(b)
	q.offer(c)

	victim, ok := q.victim()
	assert.True(t, ok)
	assert.Same(t, b, victim, "least recently accessed goes first")

	victim, ok = q.victim()
	assert.True(t, ok)
	assert.Same(t, c, victim)
}

func TestEvictionQueue_PriorityBeatsRecency(t *testing.T) {
	t.Parallel()

	q := newEvictionQueue(EvictLRU)
	header := &PageRef{pageID: 0, priority: PriorityHigh, lastAccess: 1}
	scan := &PageRef{pageID: 7, priority: PriorityLow, lastAccess: 99}
	q.offer(header)
	q.offer(scan)

	victim, ok := q.victim()
	assert.True(t, ok)
	assert.Same(t, scan, victim, "lower priority classes are reused first")
}

func TestEvictionQueue_SkipsRetained(t *testing.T) {
	t.Parallel()

	q := newEvictionQueue(EvictFIFO)
	busy := &PageRef{pageID: 1, retain: 1}
	idle := &PageRef{pageID: 2}
	q.offer(busy)
	q.offer(idle)

	victim, ok := q.victim()
	assert.True(t, ok)
	assert.Same(t, idle, victim)

	// The retained candidate was dropped as stale; nothing is evictable.
	_, ok = q.victim()
	assert.False(t, ok)
	assert.Equal(t, 0, q.len())
}

func TestEvictionQueue_OfferIsIdempotent(t *testing.T) {
	t.Parallel()

	q := newEvictionQueue(EvictFIFO)
	a := &PageRef{pageID: 1}
	q.offer(a)
	q.offer(a)
	assert.Equal(t, 1, q.len())

	q.remove(a)
	assert.Equal(t, 0, q.len())
	_, ok := q.victim()
	assert.False(t, ok)
}
