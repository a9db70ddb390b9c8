package blockcache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cloudflare/luajit-mm/hostmap"
	"github.com/cloudflare/luajit-mm/pageid"
)

func newTestCache(t *testing.T, maxPages uint32) (*Cache, *hostmap.FakeMapper) {
	t.Helper()
	mapper := hostmap.NewFakeMapper(4096)
	base, err := mapper.Mmap(0, 4096*1024, hostmap.ProtRead|hostmap.ProtWrite, hostmap.FlagsPrivate|hostmap.FlagsAnon)
	require.NoError(t, err)

	c := New(Options{
		MaxPages:     maxPages,
		Base:         base,
		PageSize:     4096,
		PageSizeLog2: 12,
		Mapper:       mapper,
	})
	return c, mapper
}

func TestAddAndRemoveRoundTrip(t *testing.T) {
	c, mapper := newTestCache(t, 0)

	c.Add(10, 2)
	require.Equal(t, 1, c.Len())
	require.Equal(t, 4, c.TotalPages())

	require.True(t, c.TryRemove(10, 2))
	require.Equal(t, 0, c.Len())
	require.Equal(t, 0, c.TotalPages())
	require.Empty(t, mapper.Advised())
}

func TestRemoveDoesNotAdvise(t *testing.T) {
	c, mapper := newTestCache(t, 0)
	c.Add(5, 0)
	c.Remove(5, 0)
	require.Empty(t, mapper.Advised(), "Remove must not madvise; only eviction does")
}

func TestEvictOldestAdvises(t *testing.T) {
	c, mapper := newTestCache(t, 0)
	c.Add(5, 0)
	require.True(t, c.EvictOldest())
	require.NotEmpty(t, mapper.Advised())
	require.Equal(t, 0, c.Len())
}

func TestPageBudgetTriggersEviction(t *testing.T) {
	c, mapper := newTestCache(t, 4)

	c.Add(0, 1) // 2 pages, total 2
	c.Add(4, 1) // 2 pages, total 4 -- at budget, no eviction yet
	require.Equal(t, 2, c.Len())
	require.Empty(t, mapper.Advised())

	c.Add(8, 0) // 1 page, total 5 > 4 -- evicts the oldest (leader 0)
	require.Equal(t, 2, c.Len())
	require.NotEmpty(t, mapper.Advised())

	_, tracked := c.byLeader[0]
	require.False(t, tracked)
}

func TestRingCapacityEvictsOnOverflow(t *testing.T) {
	c, _ := newTestCache(t, 0)
	for i := 0; i < maxEntries; i++ {
		c.Add(pageid.Index(i), 0)
	}
	require.Equal(t, maxEntries, c.Len())

	// One more push must evict the oldest rather than overflow the ring.
	c.Add(pageid.Index(maxEntries), 0)
	require.Equal(t, maxEntries, c.Len())
	_, tracked := c.byLeader[0]
	require.False(t, tracked)
}
