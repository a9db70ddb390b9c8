// Package chunk reserves the single large, page-aligned virtual range the
// rest of the allocator carves pages out of. It is positioned low in the
// address space (MAP_32BIT-style) so addresses handed back to callers stay
// reachable by 32-bit pointers/offsets. Acquire does not enforce a single
// chunk per process: every call makes a new reservation.
package chunk

import (
	"github.com/pkg/errors"

	"github.com/cloudflare/luajit-mm/hostmap"
)

// minUsefulBytes: if the window above the program break is smaller than
// this, acquiring the chunk isn't worth it — callers should fall back to
// the host's native mmap.
const minUsefulBytes = 8 * 1024 * 1024 // 8 MiB

// size2GB and size1GB bound how far above the break the chunk may extend,
// matching the original implementation's split between "user" mode (which
// wants the full low 2GB) and every other mode (capped at 1GB, leaving
// headroom for the host allocator's own low-address mappings).
const (
	size1GB uintptr = 1 << 30
	size2GB uintptr = 1 << 31
)

// Chunk describes the single reserved virtual range.
type Chunk struct {
	base         uintptr
	pageSize     int
	pageSizeLog2 int
	pageNum      uint32
	mapper       hostmap.Mapper
}

// Options configure chunk acquisition.
type Options struct {
	// Mapper is the host collaborator; required.
	Mapper hostmap.Mapper
	// UserMode widens the acquisition ceiling to 2 GiB (see size1GB/size2GB
	// above); pass false for the non-user operating modes.
	UserMode bool
	// BreakAddr overrides the "current program break" probe, for tests that
	// can't rely on the real process break. Zero means "ask the host".
	BreakAddr uintptr
	// DebugPageCount, when > 0, forces the chunk to report exactly this
	// many pages regardless of how much address space was actually
	// reserved — for deterministic tests (mirrors ljmm_opt_t.dbg_alloc_page_num).
	DebugPageCount uint32
}

// Acquire reserves the chunk. It returns (nil, nil) — not an error — when
// the available window above the break is too small to be useful; callers
// should treat that as "fall back to the host's native mapping syscall".
func Acquire(opts Options) (*Chunk, error) {
	if opts.Mapper == nil {
		return nil, errors.New("chunk: Mapper is required")
	}

	pageSize := uintptr(opts.Mapper.PageSize())
	curBrk := opts.BreakAddr
	if curBrk == 0 {
		b, err := currentBreak()
		if err != nil {
			return nil, errors.Wrap(err, "chunk: probing program break")
		}
		curBrk = b
	}
	curBrk = alignUp(curBrk, pageSize)

	ceiling := size1GB
	if opts.UserMode {
		ceiling = size2GB
	}
	if curBrk >= ceiling {
		return nil, nil
	}

	avail := ceiling - curBrk
	avail &^= pageSize - 1
	if avail < minUsefulBytes {
		return nil, nil
	}

	base, err := opts.Mapper.Mmap(curBrk, avail, hostmap.ProtRead|hostmap.ProtWrite,
		hostmap.FlagsPrivate|hostmap.Flags32Bit|hostmap.FlagsAnon)
	if err != nil {
		return nil, errors.Wrap(err, "chunk: mmap reservation")
	}

	// Nothing is backing these pages yet; tell the kernel so a core dump
	// of this process doesn't carry megabytes of unused reservation.
	_ = opts.Mapper.Madvise(base, avail, hostmap.AdviceDontNeed, hostmap.AdviceDontDump)

	pageNum := uint32(avail / pageSize)
	if opts.DebugPageCount > 0 {
		if opts.DebugPageCount > pageNum {
			return nil, errors.Errorf("chunk: debug page count %d exceeds reserved %d pages", opts.DebugPageCount, pageNum)
		}
		pageNum = opts.DebugPageCount
	}

	return &Chunk{
		base:         base,
		pageSize:     int(pageSize),
		pageSizeLog2: log2(int(pageSize)),
		pageNum:      pageNum,
		mapper:       opts.Mapper,
	}, nil
}

// Release unmaps the reservation. The Chunk must not be used afterward.
func (c *Chunk) Release() error {
	if c == nil {
		return nil
	}
	return c.mapper.Munmap(c.base, uintptr(c.pageNum)*uintptr(c.pageSize))
}

// Base returns the start address of the reservation.
func (c *Chunk) Base() uintptr { return c.base }

// PageSize returns the host page size in bytes.
func (c *Chunk) PageSize() int { return c.pageSize }

// PageSizeLog2 returns log2(PageSize()).
func (c *Chunk) PageSizeLog2() int { return c.pageSizeLog2 }

// PageNum returns the number of pages usable in the chunk.
func (c *Chunk) PageNum() uint32 { return c.pageNum }

// Contains reports whether addr falls within the reserved, usable range.
func (c *Chunk) Contains(addr uintptr) bool {
	end := c.base + uintptr(c.pageNum)*uintptr(c.pageSize)
	return addr >= c.base && addr < end
}

func alignUp(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}

func log2(n int) int {
	log := 0
	for n > 1 {
		n >>= 1
		log++
	}
	return log
}
