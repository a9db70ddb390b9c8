// Package pagetable holds the dense, zero-initialized per-page metadata
// array the buddy core consults and mutates on every operation: which pages
// begin a block, which of those blocks are currently allocated, and at what
// order.
package pagetable

import "github.com/cloudflare/luajit-mm/pageid"

// OrderInvalid marks a page record that is not a block leader.
const OrderInvalid int8 = -1

const (
	flagLeader    uint8 = 1 << 0 // this page begins a block
	flagAllocated uint8 = 1 << 1 // this block is presently allocated
)

// Page is the per-page record: the order of the block it leads (meaningless
// unless flagLeader is set) and its leader/allocated bits.
type Page struct {
	order int8
	flags uint8
}

// Table is a dense array of Page records indexed by pageid.Index.
type Table struct {
	pages []Page
}

// New allocates a zero-initialized table for pageNum pages; every entry
// starts as "not a leader" (order == OrderInvalid, flags == 0).
func New(pageNum uint32) *Table {
	pages := make([]Page, pageNum)
	for i := range pages {
		pages[i].order = OrderInvalid
	}
	return &Table{pages: pages}
}

func (t *Table) at(idx pageid.Index) *Page {
	return &t.pages[idx]
}

// Order returns the recorded order of idx's page, or OrderInvalid if idx is
// not a leader.
func (t *Table) Order(idx pageid.Index) int8 {
	return t.at(idx).order
}

// IsLeader reports whether idx begins a block.
func (t *Table) IsLeader(idx pageid.Index) bool {
	return t.at(idx).flags&flagLeader != 0
}

// SetLeader marks idx as a block leader of the given order.
func (t *Table) SetLeader(idx pageid.Index, order int) {
	p := t.at(idx)
	p.order = int8(order)
	p.flags |= flagLeader
}

// ResetLeader clears idx's leader bit and invalidates its order. Only valid
// on a page that is not presently marked allocated.
func (t *Table) ResetLeader(idx pageid.Index) {
	p := t.at(idx)
	if p.flags&flagAllocated != 0 {
		panic("pagetable: reset leader bit on allocated page")
	}
	p.flags &^= flagLeader
	p.order = OrderInvalid
}

// IsAllocatedBlock reports whether idx is a leader with its allocated bit
// set.
func (t *Table) IsAllocatedBlock(idx pageid.Index) bool {
	p := t.at(idx)
	return p.flags&flagLeader != 0 && p.flags&flagAllocated != 0
}

// SetAllocatedBlock marks idx (which must already be a leader) as
// allocated.
func (t *Table) SetAllocatedBlock(idx pageid.Index) {
	p := t.at(idx)
	if p.flags&flagLeader == 0 {
		panic("pagetable: allocated bit set on non-leader page")
	}
	p.flags |= flagAllocated
}

// ResetAllocatedBlock clears idx's allocated bit without touching its
// leader bit.
func (t *Table) ResetAllocatedBlock(idx pageid.Index) {
	p := t.at(idx)
	if p.flags&flagLeader == 0 {
		panic("pagetable: allocated bit cleared on non-leader page")
	}
	p.flags &^= flagAllocated
}

// Len returns the number of pages the table covers.
func (t *Table) Len() int {
	return len(t.pages)
}
