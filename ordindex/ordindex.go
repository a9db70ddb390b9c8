// Package ordindex supplies the ordered-map dependency spec.md assumes is
// available externally: a balanced keyed container over pageid.Index keys
// supporting insert, delete, point lookup, in-order iteration, search_le,
// search_ge and set_value. It is a thin, allocator-domain-specific
// specialization of github.com/google/btree's generic BTreeG.
package ordindex

import (
	"github.com/google/btree"

	"github.com/cloudflare/luajit-mm/pageid"
)

const btreeDegree = 32

// entry is a single (key, value) pair ordered by Leader.
type entry struct {
	Leader pageid.Index
	Value  int64
}

func less(a, b entry) bool {
	return a.Leader < b.Leader
}

// Index is an ordered map from pageid.Index to an int64 value. The free
// indices (one per order) leave Value unused (always zero); the allocated
// index stores the requested byte length there.
type Index struct {
	t *btree.BTreeG[entry]
}

// New returns an empty Index.
func New() *Index {
	return &Index{t: btree.NewG(btreeDegree, less)}
}

// Insert adds leader with the given value. It panics if leader is already
// present — every call site first removes a leader from wherever it
// currently lives before re-inserting it, so a duplicate means an invariant
// was already broken upstream.
func (idx *Index) Insert(leader pageid.Index, value int64) {
	e := entry{Leader: leader, Value: value}
	if old, had := idx.t.ReplaceOrInsert(e); had {
		panic("ordindex: duplicate leader inserted: " + formatDup(leader, old))
	}
}

func formatDup(leader pageid.Index, old entry) string {
	_ = old
	return itoa(int(leader))
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Delete removes leader, returning false if it was not present.
func (idx *Index) Delete(leader pageid.Index) bool {
	_, ok := idx.t.Delete(entry{Leader: leader})
	return ok
}

// Get performs a point lookup.
func (idx *Index) Get(leader pageid.Index) (value int64, ok bool) {
	e, ok := idx.t.Get(entry{Leader: leader})
	return e.Value, ok
}

// SetValue overwrites the value stored at an existing leader. Panics if
// leader is absent.
func (idx *Index) SetValue(leader pageid.Index, value int64) {
	if _, ok := idx.t.Get(entry{Leader: leader}); !ok {
		panic("ordindex: SetValue on absent leader " + itoa(int(leader)))
	}
	idx.t.ReplaceOrInsert(entry{Leader: leader, Value: value})
}

// Len reports the number of entries.
func (idx *Index) Len() int {
	return idx.t.Len()
}

// Min returns the smallest-keyed entry, for the buddy core's
// lowest-address-first-fit policy. ok is false on an empty index.
func (idx *Index) Min() (leader pageid.Index, value int64, ok bool) {
	e, ok := idx.t.Min()
	return e.Leader, e.Value, ok
}

// SearchLE returns the greatest leader <= pivot (search_le).
func (idx *Index) SearchLE(pivot pageid.Index) (leader pageid.Index, value int64, ok bool) {
	idx.t.DescendLessOrEqual(entry{Leader: pivot}, func(e entry) bool {
		leader, value, ok = e.Leader, e.Value, true
		return false // stop after the first (largest <= pivot)
	})
	return
}

// SearchGE returns the smallest leader >= pivot (search_ge).
func (idx *Index) SearchGE(pivot pageid.Index) (leader pageid.Index, value int64, ok bool) {
	idx.t.AscendGreaterOrEqual(entry{Leader: pivot}, func(e entry) bool {
		leader, value, ok = e.Leader, e.Value, true
		return false
	})
	return
}

// Ascend visits entries in increasing key order until fn returns false.
func (idx *Index) Ascend(fn func(leader pageid.Index, value int64) bool) {
	idx.t.Ascend(func(e entry) bool {
		return fn(e.Leader, e.Value)
	})
}
