// Package pageid defines the two integer spaces the buddy allocator moves
// between: a 0-based page Index used for addressing and the page table, and
// a per-chunk-adjusted ID used for buddy XOR arithmetic. Keeping them as
// distinct types means the compiler rejects XOR-ing a raw Index, which is
// the mistake the original C implementation relied on naming conventions
// (page_idx_t vs page_id_t) to avoid.
package pageid

import "math/bits"

// MaxOrder is the largest block order the allocator will track: 2^20 pages
// is enough to span a 4 GiB / 4 KiB-page address space.
const MaxOrder = 20

// Index is a 0-based ordinal of a page inside a chunk.
type Index uint32

// ID is an Index shifted by a chunk's Adjust so that the largest
// naturally-aligned power-of-two block begins at an id that is a multiple
// of its size. Buddy arithmetic (XOR with 1<<order) is only ever valid on
// an ID, never on an Index directly.
type ID uint32

// Adjust converts between Index and ID for a chunk with the given page
// count. The value is (1<<maxOrder) - (pageNum mod (1<<maxOrder)), chosen so
// that the biggest power-of-two block's leading page has an ID that is a
// multiple of its own size.
type Adjust uint32

// ComputeAdjust derives the idx2id adjustment for a chunk of pageNum pages
// whose largest block order is maxOrder.
func ComputeAdjust(pageNum uint32, maxOrder int) Adjust {
	span := uint32(1) << uint(maxOrder)
	return Adjust(span - pageNum%span)
}

// MaxOrderFor returns floor(log2(pageNum)), the largest order a chunk of
// pageNum pages can host.
func MaxOrderFor(pageNum uint32) int {
	if pageNum == 0 {
		return 0
	}
	return bits.Len32(pageNum) - 1
}

// ToID converts idx to an ID using adj.
func (adj Adjust) ToID(idx Index) ID {
	return ID(uint32(idx) + uint32(adj))
}

// ToIndex converts id back to an Index using adj. id must be >= adj.
func (adj Adjust) ToIndex(id ID) Index {
	return Index(uint32(id) - uint32(adj))
}

// Buddy returns the ID of the sibling block of the given order: the other
// half of the order+1 parent block.
func (id ID) Buddy(order int) ID {
	return id ^ ID(uint32(1)<<uint(order))
}

// AlignedTo reports whether id begins a block of the given order, i.e.
// id mod (1<<order) == 0.
func (id ID) AlignedTo(order int) bool {
	mask := ID(uint32(1)<<uint(order)) - 1
	return id&mask == 0
}

// Add returns the index n pages after idx.
func (idx Index) Add(n uint32) Index {
	return Index(uint32(idx) + n)
}
