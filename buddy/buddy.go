// Package buddy implements the binary-buddy page allocator: the core
// algorithm that divides a chunk's pages into power-of-two blocks, tracks
// free blocks per order, and serves, frees, trims and grows allocations by
// splitting and coalescing those blocks.
//
// The buddy index bookkeeping itself (pagetable.Table, the per-order
// ordindex.Index free lists, the allocated ordindex.Index) never touches
// host memory directly. What happens to a freed block's physical pages is
// entirely delegated to the Cache wired in via SetCache: a bounded LRU
// (blockcache.Cache) to withhold MADV_DONTNEED, or HostAdviseCache below to
// issue it immediately, matching spec.md §4.4's "with the [block] cache
// disabled, every free-block publication eagerly advises DONTNEED."
package buddy

import (
	"math/bits"

	"github.com/pkg/errors"

	"github.com/cloudflare/luajit-mm/hostmap"
	"github.com/cloudflare/luajit-mm/ordindex"
	"github.com/cloudflare/luajit-mm/pageid"
	"github.com/cloudflare/luajit-mm/pagetable"
)

var (
	// ErrNoMemory is returned when no free block is large enough to satisfy
	// an allocation request.
	ErrNoMemory = errors.New("buddy: no free block large enough to satisfy request")
	// ErrInvalidSize is returned for a zero-byte allocation request.
	ErrInvalidSize = errors.New("buddy: allocation size must be greater than zero")
	// ErrNotAllocated is returned when an operation expects idx to be the
	// leader of a currently allocated block and it isn't.
	ErrNotAllocated = errors.New("buddy: page is not the leader of an allocated block")
	// ErrUnsupportedUnmap is returned when an unmap request falls in the
	// interior of an allocated block — neither its leading nor its trailing
	// edge — which this allocator cannot service without relocating data.
	ErrUnsupportedUnmap = errors.New("buddy: unmapping the interior of a block is not supported")
)

// Cache receives notice of blocks entering and leaving the free lists, so a
// caller can defer the actual MADV_DONTNEED behind a bounded LRU instead of
// eagerly reclaiming every freed block.
type Cache interface {
	// Add records that idx now leads a free block of the given order.
	Add(idx pageid.Index, order int)
	// Remove un-records idx, because it is being reused (split apart for a
	// fresh allocation, or merged into a bigger free block) rather than
	// evicted. Implementations must not call MADV_DONTNEED here.
	Remove(idx pageid.Index, order int)
}

// HostAdviseCache is the Cache wired in when the block cache is disabled.
// It skips the LRU entirely: every block Add reports is advised away with
// MADV_DONTNEED|MADV_DONTDUMP immediately, rather than being withheld for
// later reuse, and Remove is a no-op since nothing was ever retained.
type HostAdviseCache struct {
	mapper       hostmap.Mapper
	base         uintptr
	pageSizeLog2 int
}

// NewHostAdviseCache builds a HostAdviseCache over the given chunk's
// address range and geometry.
func NewHostAdviseCache(mapper hostmap.Mapper, base uintptr, pageSizeLog2 int) *HostAdviseCache {
	return &HostAdviseCache{mapper: mapper, base: base, pageSizeLog2: pageSizeLog2}
}

// Add immediately advises away the pages backing the newly-freed block.
func (c *HostAdviseCache) Add(idx pageid.Index, order int) {
	if c.mapper == nil {
		return
	}
	addr := c.base + (uintptr(idx) << uint(c.pageSizeLog2))
	length := uintptr(uint32(1)<<uint(order)) << uint(c.pageSizeLog2)
	_ = c.mapper.Madvise(addr, length, hostmap.AdviceDontDump, hostmap.AdviceDontNeed)
}

// Remove is a no-op: HostAdviseCache never retains bookkeeping to remove.
func (c *HostAdviseCache) Remove(idx pageid.Index, order int) {}

// Buddy is a binary-buddy allocator over a fixed-size run of pages.
type Buddy struct {
	table        *pagetable.Table
	free         []*ordindex.Index // indexed by order, len == maxOrder+1
	allocs       *ordindex.Index
	maxOrder     int
	pageNum      uint32
	adj          pageid.Adjust
	pageSize     int
	pageSizeLog2 int
	cache        Cache
}

// New builds a Buddy over pageNum pages, partitioning them into blocks per
// the bit decomposition of pageNum — smaller blocks first, so the
// frequently churned small allocations land closest to the start of the
// chunk.
func New(pageNum uint32, pageSize, pageSizeLog2 int) *Buddy {
	maxOrder := pageid.MaxOrderFor(pageNum)
	adj := pageid.ComputeAdjust(pageNum, maxOrder)

	b := &Buddy{
		table:        pagetable.New(pageNum),
		free:         make([]*ordindex.Index, maxOrder+1),
		allocs:       ordindex.New(),
		maxOrder:     maxOrder,
		pageNum:      pageNum,
		adj:          adj,
		pageSize:     pageSize,
		pageSizeLog2: pageSizeLog2,
	}
	for i := range b.free {
		b.free[i] = ordindex.New()
	}

	var pageIdx pageid.Index
	for order := 0; order <= maxOrder; order++ {
		bit := uint32(1) << uint(order)
		if pageNum&bit != 0 {
			b.addFreeBlock(pageIdx, order)
			pageIdx = pageIdx.Add(bit)
		}
	}
	return b
}

// SetCache wires c in to receive block lifecycle notifications. Pass nil to
// disable (the default): every freed block is then simply left in the free
// lists with no external bookkeeping.
func (b *Buddy) SetCache(c Cache) { b.cache = c }

// MaxOrder returns the largest block order this allocator can track.
func (b *Buddy) MaxOrder() int { return b.maxOrder }

// PageNum returns the total number of pages under management.
func (b *Buddy) PageNum() uint32 { return b.pageNum }

// Adjust returns the chunk's index-to-id adjustment.
func (b *Buddy) Adjust() pageid.Adjust { return b.adj }

// PageSize returns the host page size in bytes.
func (b *Buddy) PageSize() int { return b.pageSize }

// PageSizeLog2 returns log2(PageSize()).
func (b *Buddy) PageSizeLog2() int { return b.pageSizeLog2 }

func (b *Buddy) addFreeBlock(idx pageid.Index, order int) {
	b.table.SetLeader(idx, order)
	b.table.ResetAllocatedBlock(idx)
	b.free[order].Insert(idx, 0)
}

func (b *Buddy) removeFreeBlock(idx pageid.Index, order int) {
	b.free[order].Delete(idx)
	if b.cache != nil {
		b.cache.Remove(idx, order)
	}
}

func (b *Buddy) addAllocBlock(idx pageid.Index, sz uintptr, order int) {
	b.table.SetLeader(idx, order)
	b.table.SetAllocatedBlock(idx)
	b.allocs.Insert(idx, int64(sz))
}

func (b *Buddy) removeAllocBlock(idx pageid.Index) uintptr {
	sz, ok := b.allocs.Get(idx)
	if !ok {
		panic("buddy: removeAllocBlock called on a non-allocated leader")
	}
	b.allocs.Delete(idx)
	return uintptr(sz)
}

// ceilLog2 returns the smallest k such that 1<<k >= n. n must be > 0 — the
// original C implementation computed this via 31-clz(n), which is
// undefined for n == 0; we reject it outright instead of inheriting that.
func ceilLog2(n uintptr) int {
	if n == 0 {
		panic("buddy: ceilLog2(0) is undefined")
	}
	if n == 1 {
		return 0
	}
	return bits.Len64(uint64(n - 1))
}

// Alloc finds the smallest free block that can hold sz bytes, splitting a
// larger block if necessary, and marks it allocated. It returns the leading
// page index of the new block and the order it was allocated at.
func (b *Buddy) Alloc(sz uintptr) (pageid.Index, int, error) {
	if sz == 0 {
		return 0, 0, ErrInvalidSize
	}

	reqOrder := ceilLog2(sz) - b.pageSizeLog2
	if reqOrder < 0 {
		reqOrder = 0
	}
	if reqOrder > b.maxOrder {
		return 0, 0, ErrNoMemory
	}

	blkOrder := -1
	var blkIdx pageid.Index
	for ord := reqOrder; ord <= b.maxOrder; ord++ {
		if leader, _, ok := b.free[ord].Min(); ok {
			blkIdx, blkOrder = leader, ord
			break
		}
	}
	if blkOrder == -1 {
		return 0, 0, ErrNoMemory
	}

	b.removeFreeBlock(blkIdx, blkOrder)

	bo := blkOrder
	for bo > reqOrder {
		bo--
		split := blkIdx.Add(uint32(1) << uint(bo))
		b.addFreeBlock(split, bo)
	}

	b.addAllocBlock(blkIdx, sz, bo)
	return blkIdx, bo, nil
}

// Free releases the allocated block led by idx, coalescing it with any free
// buddy chain above and below it, and returns the byte length it was last
// recorded at. The fully-coalesced block (and only that final block) is
// reported to the Cache, if one is wired in.
func (b *Buddy) Free(idx pageid.Index) (uintptr, error) {
	if !b.table.IsAllocatedBlock(idx) {
		return 0, ErrNotAllocated
	}

	sz := b.removeAllocBlock(idx)
	order := int(b.table.Order(idx))
	b.table.ResetAllocatedBlock(idx)

	id := b.adj.ToID(idx)
	minID := b.adj.ToID(0)
	for {
		buddyID := id.Buddy(order)
		if buddyID < minID {
			break
		}
		buddyIdx := b.adj.ToIndex(buddyID)
		if uint32(buddyIdx) >= b.pageNum ||
			int(b.table.Order(buddyIdx)) != order ||
			!b.table.IsLeader(buddyIdx) ||
			b.table.IsAllocatedBlock(buddyIdx) {
			break
		}

		b.removeFreeBlock(buddyIdx, order)
		b.table.ResetLeader(buddyIdx)

		if buddyID < id {
			id = buddyID
		}
		order++
	}

	leaderIdx := b.adj.ToIndex(id)
	if leaderIdx != idx {
		b.table.ResetLeader(idx)
	}
	b.addFreeBlock(leaderIdx, order)
	if b.cache != nil {
		b.cache.Add(leaderIdx, order)
	}
	return sz, nil
}

// ExtendAlloc attempts to grow the allocated block led by idx in place, by
// promoting it through successively higher orders as long as the buddy at
// each step is itself free. It reports false (with no error and no state
// change) if the block cannot be grown in place — the caller should then
// fall back to allocating fresh and copying.
func (b *Buddy) ExtendAlloc(idx pageid.Index, newSz uintptr) (bool, error) {
	if !b.table.IsAllocatedBlock(idx) {
		return false, ErrNotAllocated
	}

	order := int(b.table.Order(idx))
	minPages := pagesFor(newSz, b.pageSizeLog2)

	id := b.adj.ToID(idx)
	ord := order
	succ := false
	for ; ord <= b.maxOrder; ord++ {
		if minPages <= uint32(1)<<uint(ord) {
			succ = true
			break
		}

		buddyID := id.Buddy(ord)
		if buddyID < id {
			break
		}
		buddyIdx := b.adj.ToIndex(buddyID)
		if _, ok := b.free[ord].Get(buddyIdx); !ok {
			break
		}
	}

	if !succ || ord == order {
		return false, nil
	}

	for t := order; t < ord; t++ {
		buddyID := id.Buddy(t)
		buddyIdx := b.adj.ToIndex(buddyID)
		b.removeFreeBlock(buddyIdx, t)
		b.table.ResetLeader(buddyIdx)
	}

	b.allocs.SetValue(idx, int64(newSz))
	b.table.SetLeader(idx, ord)
	return true, nil
}

// SetAllocSize overwrites the recorded byte length of the allocated block
// led by idx, without changing its page footprint. Used when a remap
// request shrinks or grows within the same already-reserved pages.
func (b *Buddy) SetAllocSize(idx pageid.Index, newSz uintptr) error {
	if !b.table.IsAllocatedBlock(idx) {
		return ErrNotAllocated
	}
	b.allocs.SetValue(idx, int64(newSz))
	return nil
}

// AllocCount returns the number of currently allocated blocks.
func (b *Buddy) AllocCount() int { return b.allocs.Len() }

// AllocatedSize reports the recorded byte length and order of the
// allocated block led by idx.
func (b *Buddy) AllocatedSize(idx pageid.Index) (sz uintptr, order int, ok bool) {
	v, ok := b.allocs.Get(idx)
	if !ok {
		return 0, 0, false
	}
	return uintptr(v), int(b.table.Order(idx)), true
}

// SearchAllocLE returns the allocated block with the greatest leader <=
// pivot, the one whose range might contain pivot.
func (b *Buddy) SearchAllocLE(pivot pageid.Index) (leader pageid.Index, sz uintptr, ok bool) {
	l, v, ok := b.allocs.SearchLE(pivot)
	return l, uintptr(v), ok
}

// AscendFree visits free block leaders of the given order in increasing
// index order until fn returns false.
func (b *Buddy) AscendFree(order int, fn func(idx pageid.Index) bool) {
	if order < 0 || order >= len(b.free) {
		return
	}
	b.free[order].Ascend(func(leader pageid.Index, _ int64) bool {
		return fn(leader)
	})
}

// AscendAlloc visits allocated blocks in increasing leader order until fn
// returns false.
func (b *Buddy) AscendAlloc(fn func(idx pageid.Index, sz uintptr) bool) {
	b.allocs.Ascend(func(leader pageid.Index, value int64) bool {
		return fn(leader, uintptr(value))
	})
}

// UnmapRange releases the pages covering the caller's byte range
// [umPageIdx, umPageIdx+umSize), which must lie at the very start or very
// end of whatever allocated block currently covers umPageIdx. A request that covers an entire allocated
// block frees it outright; a request that strictly matches neither edge
// returns ErrUnsupportedUnmap.
func (b *Buddy) UnmapRange(umPageIdx pageid.Index, umSize uintptr) error {
	mLeaderIdx, mSize, ok := b.SearchAllocLE(umPageIdx)
	if !ok {
		return ErrNotAllocated
	}

	pageSzLog2 := uint(b.pageSizeLog2)
	pageSz := uintptr(b.pageSize)

	mEnd := (uintptr(mLeaderIdx) << pageSzLog2) + mSize
	umEnd := (uintptr(umPageIdx) << pageSzLog2) + umSize

	mask := ^(pageSz - 1)
	if (umEnd & mask) == (mEnd & mask) {
		umEnd = mEnd
	} else if umEnd > mEnd {
		return ErrNotAllocated
	}

	mEndIdx := pageid.Index(((mEnd + pageSz - 1) >> pageSzLog2) - 1)
	umEndIdx := pageid.Index(((umEnd + pageSz - 1) >> pageSzLog2) - 1)

	if mLeaderIdx == umPageIdx && mEndIdx == umEndIdx {
		_, err := b.Free(mLeaderIdx)
		return err
	}

	order := int(b.table.Order(mLeaderIdx))

	if mLeaderIdx == umPageIdx {
		return b.unmapLowerPart(mLeaderIdx, order, mEndIdx, umEndIdx, mSize)
	}
	if mEndIdx == umEndIdx {
		return b.unmapHigherPart(mLeaderIdx, order, umPageIdx)
	}
	return ErrUnsupportedUnmap
}

// unmapLowerPart trims pages off the front of the block led by mLeaderIdx,
// promoting each discarded leading half to a free block of its own (and,
// once it's no longer worth splitting further, halving the remaining
// trailing allocation down to its new tight fit).
func (b *Buddy) unmapLowerPart(mLeaderIdx pageid.Index, order int, mEndIdx, umEndIdx pageid.Index, mSize uintptr) error {
	newOrd := order
	newIdx := mLeaderIdx
	split := false

	for {
		firstValid := umEndIdx + 1
		halfOrd := newOrd - 1
		if halfOrd < 0 || uint32(newIdx)+uint32(1)<<uint(halfOrd) > uint32(firstValid) {
			break
		}

		split = true
		b.addFreeBlock(newIdx, halfOrd)
		if b.cache != nil {
			b.cache.Add(newIdx, halfOrd)
		}
		newIdx = newIdx.Add(uint32(1) << uint(halfOrd))
		newOrd--
	}

	if !split {
		return ErrUnsupportedUnmap
	}

	b.allocs.Delete(mLeaderIdx)

	allocPageNum := (uint32(1) << uint(order)) - (uint32(newIdx) - uint32(mLeaderIdx))
	dataPageNum := uint32(mEndIdx) - uint32(newIdx) + 1

	for allocPageNum >= 2*dataPageNum {
		newOrd--
		half := newIdx.Add(uint32(1) << uint(newOrd))
		b.addFreeBlock(half, newOrd)
		if b.cache != nil {
			b.cache.Add(half, newOrd)
		}
		allocPageNum >>= 1
	}

	newMapSz := mSize - (uintptr(uint32(newIdx)-uint32(mLeaderIdx)) << uint(b.pageSizeLog2))
	b.addAllocBlock(newIdx, newMapSz, newOrd)
	return nil
}

// unmapHigherPart trims pages off the back of the block led by mLeaderIdx,
// promoting each discarded trailing half to a free block of its own.
func (b *Buddy) unmapHigherPart(mLeaderIdx pageid.Index, order int, umPageIdx pageid.Index) error {
	newOrd := order
	split := false

	for uint32(mLeaderIdx)+uint32(1)<<uint(newOrd-1) >= uint32(umPageIdx) {
		newOrd--
		half := mLeaderIdx.Add(uint32(1) << uint(newOrd))
		b.addFreeBlock(half, newOrd)
		if b.cache != nil {
			b.cache.Add(half, newOrd)
		}
		split = true
	}

	if !split {
		return ErrUnsupportedUnmap
	}

	newSz := uintptr(uint32(umPageIdx)-uint32(mLeaderIdx)) << uint(b.pageSizeLog2)
	b.allocs.SetValue(mLeaderIdx, int64(newSz))
	b.table.SetLeader(mLeaderIdx, newOrd)
	return nil
}

func pagesFor(sz uintptr, pageSizeLog2 int) uint32 {
	return uint32((sz + (uintptr(1)<<uint(pageSizeLog2) - 1)) >> uint(pageSizeLog2))
}
