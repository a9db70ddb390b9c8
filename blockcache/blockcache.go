// Package blockcache defers MADV_DONTNEED on recently-freed buddy blocks.
// Calling madvise immediately on every free invalidates TLB entries and
// zero-fills pages on next touch; short-lived alloc/free churn pays that
// cost needlessly when the same pages are about to be reused. The cache
// keeps a bounded number of freed blocks physically resident, evicting the
// least-recently-freed one (and only then calling madvise) once the ring
// fills up or the page budget is exceeded.
package blockcache

import (
	"github.com/cloudflare/luajit-mm/hostmap"
	"github.com/cloudflare/luajit-mm/pageid"
)

// maxEntries bounds the intrusive LRU ring, mirroring the original
// implementation's fixed-size slot array.
const maxEntries = 64

const invalidSlot = -1

type slot struct {
	leader pageid.Index
	order  int
	next   int
	prev   int
}

// Cache is a bounded LRU over buddy blocks awaiting real reclamation.
// The zero value is not usable; construct with New.
type Cache struct {
	slots        [maxEntries]slot
	head, tail   int
	freeList     int
	byLeader     map[pageid.Index]int
	totalPages   uint32
	maxPages     uint32
	pageSize     int
	pageSizeLog2 int
	base         uintptr
	mapper       hostmap.Mapper
}

// Options configure a Cache.
type Options struct {
	// MaxPages caps the total page count the cache will hold resident
	// before it starts evicting, even if the 64-slot ring has room.
	MaxPages uint32
	// Base, PageSize, PageSizeLog2 and Mapper let the cache translate an
	// evicted block's leader back into a host address range to advise
	// away.
	Base         uintptr
	PageSize     int
	PageSizeLog2 int
	Mapper       hostmap.Mapper
}

// New builds an empty cache. MaxPages of 0 means "unbounded by page count",
// though the 64-entry ring still bounds it in practice.
func New(opts Options) *Cache {
	c := &Cache{
		byLeader:     make(map[pageid.Index]int, maxEntries),
		maxPages:     opts.MaxPages,
		pageSize:     opts.PageSize,
		pageSizeLog2: opts.PageSizeLog2,
		base:         opts.Base,
		mapper:       opts.Mapper,
	}
	for i := range c.slots {
		c.slots[i].next = i + 1
		c.slots[i].prev = i - 1
	}
	c.slots[0].prev = invalidSlot
	c.slots[maxEntries-1].next = invalidSlot
	c.head, c.tail = invalidSlot, invalidSlot
	c.freeList = 0
	return c
}

func (c *Cache) isFull() bool    { return c.freeList == invalidSlot }
func (c *Cache) isEmpty() bool   { return c.head == invalidSlot }
func (c *Cache) Len() int        { return len(c.byLeader) }
func (c *Cache) TotalPages() int { return int(c.totalPages) }

func (c *Cache) append(leader pageid.Index, order int) int {
	i := c.freeList
	c.freeList = c.slots[i].next

	tail := c.tail
	if tail != invalidSlot {
		c.slots[tail].next = i
	} else {
		c.head = i
	}
	c.slots[i].prev = tail
	c.slots[i].next = invalidSlot
	c.tail = i

	c.slots[i].leader = leader
	c.slots[i].order = order
	return i
}

func (c *Cache) unlink(i int) {
	s := &c.slots[i]
	if s.prev != invalidSlot {
		c.slots[s.prev].next = s.next
	} else {
		c.head = s.next
	}
	if s.next != invalidSlot {
		c.slots[s.next].prev = s.prev
	} else {
		c.tail = s.prev
	}
	s.next = c.freeList
	c.freeList = i
}

// Add records that [leader, leader+(1<<order)) has just been freed. If the
// ring is full, the oldest entry is evicted before the new one is added.
// If, after adding, the tracked page total exceeds MaxPages, the oldest
// entries are evicted until it no longer does or only one entry remains.
// Every eviction runs with zap=true, i.e. madvise runs.
func (c *Cache) Add(leader pageid.Index, order int) {
	if c.isFull() {
		c.evictOldest()
	}

	i := c.append(leader, order)
	c.byLeader[leader] = i
	c.totalPages += uint32(1) << uint(order)

	for c.maxPages > 0 && c.totalPages > c.maxPages && c.head != c.tail {
		c.evictOldest()
	}
}

// Remove un-tracks leader without advising its pages away — the buddy core
// is reusing them (a split or a coalesce), not releasing them to the host.
// Matches buddy.Cache's signature exactly so *Cache satisfies it; use
// TryRemove for callers that need to know whether leader was tracked.
func (c *Cache) Remove(leader pageid.Index, order int) {
	c.remove(leader, order, false)
}

// TryRemove behaves like Remove but reports whether leader was tracked.
func (c *Cache) TryRemove(leader pageid.Index, order int) bool {
	return c.remove(leader, order, false)
}

func (c *Cache) remove(leader pageid.Index, order int, zap bool) bool {
	if zap {
		c.madvise(leader, order)
	}

	i, ok := c.byLeader[leader]
	if !ok {
		return false
	}
	delete(c.byLeader, leader)
	c.totalPages -= uint32(1) << uint(order)
	c.unlink(i)
	return true
}

// EvictOldest drops the least-recently-freed entry, if any, advising its
// pages away. It reports whether an entry was evicted.
func (c *Cache) EvictOldest() bool {
	return c.evictOldest()
}

func (c *Cache) evictOldest() bool {
	if c.isEmpty() {
		return false
	}
	s := c.slots[c.head]
	return c.remove(s.leader, s.order, true)
}

func (c *Cache) madvise(leader pageid.Index, order int) {
	if c.mapper == nil {
		return
	}
	addr := c.base + (uintptr(leader) << uint(c.pageSizeLog2))
	length := uintptr(uint32(1)<<uint(order)) << uint(c.pageSizeLog2)
	_ = c.mapper.Madvise(addr, length, hostmap.AdviceDontDump, hostmap.AdviceDontNeed)
}
