package pagetable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/cloudflare/luajit-mm/pageid"
)

func TestNewTableStartsInvalid(t *testing.T) {
	tbl := New(8)
	require := assert.New(t)
	require.Equal(8, tbl.Len())
	for i := 0; i < 8; i++ {
		idx := pageid.Index(i)
		require.False(tbl.IsLeader(idx))
		require.False(tbl.IsAllocatedBlock(idx))
		require.Equal(OrderInvalid, tbl.Order(idx))
	}
}

func TestLeaderAndAllocatedLifecycle(t *testing.T) {
	tbl := New(8)
	a := assert.New(t)

	tbl.SetLeader(2, 3)
	a.True(tbl.IsLeader(2))
	a.EqualValues(3, tbl.Order(2))
	a.False(tbl.IsAllocatedBlock(2))

	tbl.SetAllocatedBlock(2)
	a.True(tbl.IsAllocatedBlock(2))

	tbl.ResetAllocatedBlock(2)
	a.False(tbl.IsAllocatedBlock(2))
	a.True(tbl.IsLeader(2))

	tbl.ResetLeader(2)
	a.False(tbl.IsLeader(2))
	a.Equal(OrderInvalid, tbl.Order(2))
}

func TestSetAllocatedBlockPanicsOnNonLeader(t *testing.T) {
	tbl := New(4)
	assert.Panics(t, func() {
		tbl.SetAllocatedBlock(1)
	})
}

func TestResetLeaderPanicsWhileAllocated(t *testing.T) {
	tbl := New(4)
	tbl.SetLeader(0, 0)
	tbl.SetAllocatedBlock(0)
	assert.Panics(t, func() {
		tbl.ResetLeader(0)
	})
}
