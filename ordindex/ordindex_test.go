package ordindex

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cloudflare/luajit-mm/pageid"
)

func TestInsertGetDelete(t *testing.T) {
	idx := New()
	idx.Insert(10, 100)
	idx.Insert(20, 200)

	v, ok := idx.Get(10)
	require.True(t, ok)
	require.EqualValues(t, 100, v)

	require.True(t, idx.Delete(10))
	_, ok = idx.Get(10)
	require.False(t, ok)
	require.False(t, idx.Delete(10))

	require.Equal(t, 1, idx.Len())
}

func TestInsertDuplicatePanics(t *testing.T) {
	idx := New()
	idx.Insert(5, 1)
	require.Panics(t, func() {
		idx.Insert(5, 2)
	})
}

func TestSetValueRequiresExisting(t *testing.T) {
	idx := New()
	require.Panics(t, func() {
		idx.SetValue(1, 1)
	})

	idx.Insert(1, 1)
	idx.SetValue(1, 42)
	v, ok := idx.Get(1)
	require.True(t, ok)
	require.EqualValues(t, 42, v)
}

func TestSearchLEAndGE(t *testing.T) {
	idx := New()
	for _, k := range []pageid.Index{5, 10, 15, 20} {
		idx.Insert(k, int64(k)*10)
	}

	leader, value, ok := idx.SearchLE(12)
	require.True(t, ok)
	require.EqualValues(t, 10, leader)
	require.EqualValues(t, 100, value)

	leader, _, ok = idx.SearchLE(4)
	require.False(t, ok)
	require.Zero(t, leader)

	leader, _, ok = idx.SearchLE(20)
	require.True(t, ok)
	require.EqualValues(t, 20, leader)

	leader, value, ok = idx.SearchGE(12)
	require.True(t, ok)
	require.EqualValues(t, 15, leader)
	require.EqualValues(t, 150, value)

	leader, _, ok = idx.SearchGE(21)
	require.False(t, ok)
	require.Zero(t, leader)

	leader, _, ok = idx.SearchGE(5)
	require.True(t, ok)
	require.EqualValues(t, 5, leader)
}

func TestMinAndAscend(t *testing.T) {
	idx := New()
	_, _, ok := idx.Min()
	require.False(t, ok)

	for _, k := range []pageid.Index{30, 10, 20} {
		idx.Insert(k, 0)
	}

	leader, _, ok := idx.Min()
	require.True(t, ok)
	require.EqualValues(t, 10, leader)

	var seen []pageid.Index
	idx.Ascend(func(leader pageid.Index, _ int64) bool {
		seen = append(seen, leader)
		return true
	})
	require.Equal(t, []pageid.Index{10, 20, 30}, seen)
}

func TestAscendEarlyStop(t *testing.T) {
	idx := New()
	for _, k := range []pageid.Index{1, 2, 3, 4} {
		idx.Insert(k, 0)
	}
	var seen []pageid.Index
	idx.Ascend(func(leader pageid.Index, _ int64) bool {
		seen = append(seen, leader)
		return leader < 2
	})
	require.Equal(t, []pageid.Index{1, 2}, seen)
}
