package mm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cloudflare/luajit-mm/hostmap"
)

func newTestAllocator(t *testing.T, pageNum uint32, opts ...Option) (*Allocator, *hostmap.FakeMapper) {
	t.Helper()
	mapper := hostmap.NewFakeMapper(4096)
	full := append([]Option{
		WithMapper(mapper),
		WithBreakAddr(0x1000),
		WithDebugPageCount(pageNum),
	}, opts...)
	a, err := New(full...)
	require.NoError(t, err)
	require.NotNil(t, a.chunk, "test chunk must have been acquired")
	return a, mapper
}

func TestAllocFreeRoundTrip(t *testing.T) {
	a, _ := newTestAllocator(t, 8)

	p, err := a.Alloc(4096)
	require.NoError(t, err)
	require.NoError(t, a.Free(p))

	// A second allocation of the same size must reuse the coalesced block
	// at the same address -- free(alloc(n)) is a no-op on the index.
	p2, err := a.Alloc(4096)
	require.NoError(t, err)
	require.Equal(t, p, p2)
}

// TestFreeWithoutBlockCacheAdvisesEagerly exercises spec.md §4.4's "with
// the cache disabled, every free-block publication eagerly advises
// DONTNEED" -- the default Config has EnableBlockCache false, so Free must
// reach the host mapper immediately instead of withholding the advise.
func TestFreeWithoutBlockCacheAdvisesEagerly(t *testing.T) {
	a, mapper := newTestAllocator(t, 8)
	require.Empty(t, mapper.Advised())

	p, err := a.Alloc(4096)
	require.NoError(t, err)
	require.NoError(t, a.Free(p))

	require.NotEmpty(t, mapper.Advised(), "freeing with the block cache disabled must advise the page away immediately")
}

func TestUnmapOfWholeMappingIsNoOp(t *testing.T) {
	a, _ := newTestAllocator(t, 8)

	p, err := a.Map(0, 4096, hostmap.ProtRead|hostmap.ProtWrite, hostmap.Flags32Bit, -1, 0)
	require.NoError(t, err)
	require.NoError(t, a.Unmap(p, 4096))

	p2, err := a.Map(0, 4096, hostmap.ProtRead|hostmap.ProtWrite, hostmap.Flags32Bit, -1, 0)
	require.NoError(t, err)
	require.Equal(t, p, p2)
}

func TestRemapSameSizeReturnsSameAddress(t *testing.T) {
	a, _ := newTestAllocator(t, 8)

	p, err := a.Alloc(4096)
	require.NoError(t, err)

	p2, err := a.Remap(p, 4096, 4096, false)
	require.NoError(t, err)
	require.Equal(t, p, p2)
}

func TestMapRejectsBadArguments(t *testing.T) {
	a, _ := newTestAllocator(t, 8)

	_, err := a.Map(0x1234, 4096, hostmap.ProtRead, hostmap.Flags32Bit, -1, 0)
	require.ErrorIs(t, err, ErrInvalidArgument, "non-zero hint must be rejected")

	_, err = a.Map(0, 4096, hostmap.ProtRead, hostmap.Flags32Bit, 3, 0)
	require.ErrorIs(t, err, ErrInvalidArgument, "a real fd must be rejected")

	_, err = a.Map(0, 4096, hostmap.ProtRead, 0, -1, 0)
	require.ErrorIs(t, err, ErrInvalidArgument, "missing the 32-bit-address flag must be rejected")

	_, err = a.Map(0, 0, hostmap.ProtRead, hostmap.Flags32Bit, -1, 0)
	require.ErrorIs(t, err, ErrInvalidArgument, "zero length must be rejected")

	_, err = a.Map(0, 4096, hostmap.ProtRead, hostmap.Flags32Bit|hostmap.FlagsFixed, -1, 0)
	require.ErrorIs(t, err, ErrInvalidArgument, "MAP_FIXED is not supported")
}

// TestExpandAndMove exercises the worked "expand, too big to grow in
// place, copy to a fresh block" scenario: a small allocation surrounded by
// other live allocations can't promote through its buddy, so Remap with
// mayMove must relocate and preserve the bytes.
func TestExpandAndMove(t *testing.T) {
	a, _ := newTestAllocator(t, 16)

	p0, err := a.Alloc(4096)
	require.NoError(t, err)
	// Pin the buddy of p0's eventual order-1 promotion so ExtendAlloc can't
	// grow it in place, forcing Remap onto the move path.
	_, err = a.Alloc(4096)
	require.NoError(t, err)

	view := hostmap.BytesAt(p0, 4096)
	for i := range view {
		view[i] = 0xAB
	}

	newAddr, err := a.Remap(p0, 4096, 3*4096, true)
	require.NoError(t, err)
	require.NotEqual(t, p0, newAddr, "the block must have moved")

	moved := hostmap.BytesAt(newAddr, 4096)
	for i := range moved {
		require.Equal(t, byte(0xAB), moved[i], "byte %d was not preserved across the move", i)
	}

	require.Error(t, a.Free(p0), "the old address must no longer be valid")
	require.NoError(t, a.Free(newAddr))
}

// TestExpandAndMoveWithoutPermissionFails exercises the same forced-move
// situation but with mayMove=false, which must fail outright rather than
// silently succeeding in place.
func TestExpandAndMoveWithoutPermissionFails(t *testing.T) {
	a, _ := newTestAllocator(t, 16)

	p0, err := a.Alloc(4096)
	require.NoError(t, err)
	_, err = a.Alloc(4096)
	require.NoError(t, err)

	_, err = a.Remap(p0, 4096, 3*4096, false)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

// TestShrinkViaRemap exercises the worked "shrink" scenario: a remap to a
// smaller size trims the tail back to the host via UnmapRange and keeps
// the same address.
func TestShrinkViaRemap(t *testing.T) {
	a, _ := newTestAllocator(t, 16)

	p, err := a.Alloc(5*4096 + 123)
	require.NoError(t, err)

	p2, err := a.Remap(p, 5*4096+123, 2*4096+10, false)
	require.NoError(t, err)
	require.Equal(t, p, p2)

	// The trimmed-back pages must now be available to a fresh allocation.
	_, err = a.Alloc(2 * 4096)
	require.NoError(t, err)
}

func TestFreeUnknownPointerFails(t *testing.T) {
	a, _ := newTestAllocator(t, 8)
	err := a.Free(0xdeadbeef)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestCloseRefusesWithLiveAllocationsUnlessForced(t *testing.T) {
	a, _ := newTestAllocator(t, 8)
	_, err := a.Alloc(4096)
	require.NoError(t, err)

	require.NoError(t, a.Close(false))
	require.False(t, a.closed, "a non-forced close with live allocations must be a no-op")

	require.NoError(t, a.Close(true))
	require.True(t, a.closed)
}

func TestSysModeFallsBackToHost(t *testing.T) {
	a, _ := newTestAllocator(t, 8, WithMode(ModeSys))

	p, err := a.Map(0, 4096, hostmap.ProtRead|hostmap.ProtWrite, hostmap.Flags32Bit, -1, 0)
	require.NoError(t, err)
	require.NoError(t, a.Unmap(p, 4096))
}

func TestGetStatusReportsBlocks(t *testing.T) {
	a, _ := newTestAllocator(t, 8)

	_, err := a.Alloc(4096)
	require.NoError(t, err)

	st := a.GetStatus()
	require.EqualValues(t, 8, st.PageNum)
	require.Len(t, st.AllocBlocks, 1)
	require.NotEmpty(t, st.FreeBlocks)
}
