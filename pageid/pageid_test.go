package pageid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestComputeAdjust mirrors the worked example from page_alloc.c: 11 pages
// split into blocks of 1, 2 and 8 pages at indices 0, 1, 3 has adj == 5.
func TestComputeAdjust(t *testing.T) {
	maxOrder := MaxOrderFor(11)
	require.Equal(t, 3, maxOrder)

	adj := ComputeAdjust(11, maxOrder)
	assert.EqualValues(t, 5, adj)

	assert.EqualValues(t, 5, adj.ToID(0))
	assert.EqualValues(t, 6, adj.ToID(1))
	assert.EqualValues(t, 8, adj.ToID(3))
}

func TestAlignedToAndBuddy(t *testing.T) {
	adj := Adjust(5)
	id := adj.ToID(3) // 8
	assert.True(t, id.AlignedTo(3))
	assert.False(t, id.AlignedTo(4))

	buddy := id.Buddy(3)
	assert.EqualValues(t, 0, buddy)
}

func TestMaxOrderForPowerOfTwo(t *testing.T) {
	assert.Equal(t, 0, MaxOrderFor(1))
	assert.Equal(t, 1, MaxOrderFor(2))
	assert.Equal(t, 4, MaxOrderFor(16))
	assert.Equal(t, 4, MaxOrderFor(31))
	assert.Equal(t, 5, MaxOrderFor(32))
}

func TestIndexAdd(t *testing.T) {
	idx := Index(4)
	assert.EqualValues(t, 12, idx.Add(8))
}
