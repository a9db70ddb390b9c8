// Package mm is the top-level page-mapping allocator: the four operating
// modes, process-wide mapping/unmapping/remapping, and the "bonus"
// byte-oriented alloc/free pair, all layered over chunk, buddy and
// blockcache.
package mm

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/cloudflare/luajit-mm/blockcache"
	"github.com/cloudflare/luajit-mm/buddy"
	"github.com/cloudflare/luajit-mm/chunk"
	"github.com/cloudflare/luajit-mm/hostmap"
	"github.com/cloudflare/luajit-mm/pageid"
)

// Mode selects how Map/Unmap/Remap route between the chunk-backed
// user-space allocator and the host's native mmap family.
type Mode int

const (
	// ModeUser services every mapping request from the chunk; Unmap of an
	// address outside it fails, while Remap of such an address is still
	// forwarded to the host.
	ModeUser Mode = iota
	// ModeSys forwards every request straight to the host.
	ModeSys
	// ModePreferUser tries the chunk first, falling back to the host.
	ModePreferUser
	// ModePreferSys tries the host first, falling back to the chunk.
	ModePreferSys
)

func (m Mode) String() string {
	switch m {
	case ModeUser:
		return "user"
	case ModeSys:
		return "sys"
	case ModePreferUser:
		return "prefer_user"
	case ModePreferSys:
		return "prefer_sys"
	default:
		return "unknown"
	}
}

var (
	// ErrInvalidArgument reports a contract violation: a bad address, an
	// unsupported flag combination, or an unmap/remap range that doesn't
	// correspond to an allocated entry.
	ErrInvalidArgument = errors.New("mm: invalid argument")
	// ErrOutOfMemory reports that no free block of sufficient order exists,
	// and no alternate path (host fallback) succeeded either.
	ErrOutOfMemory = errors.New("mm: out of memory")
)

// Config holds Allocator construction parameters. Zero value is ModeUser
// with no block cache.
type Config struct {
	Mode               Mode
	DebugPageCount     uint32
	EnableBlockCache   bool
	BlockCacheMaxPages uint32
	Mapper             hostmap.Mapper
	BreakAddr          uintptr
	Logger             *zap.Logger
}

// Option mutates a Config being built up by New.
type Option func(*Config)

func WithMode(m Mode) Option { return func(c *Config) { c.Mode = m } }

func WithDebugPageCount(n uint32) Option { return func(c *Config) { c.DebugPageCount = n } }

func WithBlockCache(enable bool, maxPages uint32) Option {
	return func(c *Config) {
		c.EnableBlockCache = enable
		c.BlockCacheMaxPages = maxPages
	}
}

func WithMapper(m hostmap.Mapper) Option { return func(c *Config) { c.Mapper = m } }

func WithBreakAddr(addr uintptr) Option { return func(c *Config) { c.BreakAddr = addr } }

func WithLogger(l *zap.Logger) Option { return func(c *Config) { c.Logger = l } }

func defaultConfig() Config {
	return Config{Mode: ModeUser, BlockCacheMaxPages: 512}
}

// Allocator owns one chunk, its buddy index and an optional block cache. It
// is safe for concurrent use; every public method takes a single mutex for
// its duration, matching the single-writer core the spec assumes.
type Allocator struct {
	mu     sync.Mutex
	mode   Mode
	chunk  *chunk.Chunk
	buddy  *buddy.Buddy
	cache  *blockcache.Cache
	mapper hostmap.Mapper
	log    *zap.SugaredLogger
	closed bool
}

// New builds an Allocator. If the chunk can't be usefully reserved (the
// window above the program break is too small), the Allocator still comes
// back usable but permanently in ModeSys, mirroring the original
// lm_init2()'s "ran out of (0,1GB] space, fall back to mmap(2)" behavior.
func New(opts ...Option) (*Allocator, error) {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sugar := logger.Sugar()

	mapper := cfg.Mapper
	if mapper == nil {
		mapper = hostmap.NewMapper()
	}

	c, err := chunk.Acquire(chunk.Options{
		Mapper:         mapper,
		UserMode:       cfg.Mode == ModeUser,
		BreakAddr:      cfg.BreakAddr,
		DebugPageCount: cfg.DebugPageCount,
	})
	if err != nil {
		return nil, errors.Wrap(err, "mm: acquiring chunk")
	}
	if c == nil {
		sugar.Warnw("no usable chunk window above the program break; falling back to sys mode")
		return &Allocator{mode: ModeSys, mapper: mapper, log: sugar}, nil
	}

	bd := buddy.New(c.PageNum(), c.PageSize(), c.PageSizeLog2())

	a := &Allocator{
		mode:   cfg.Mode,
		chunk:  c,
		buddy:  bd,
		mapper: mapper,
		log:    sugar,
	}

	if cfg.EnableBlockCache {
		a.cache = blockcache.New(blockcache.Options{
			MaxPages:     cfg.BlockCacheMaxPages,
			Base:         c.Base(),
			PageSize:     c.PageSize(),
			PageSizeLog2: c.PageSizeLog2(),
			Mapper:       mapper,
		})
		bd.SetCache(a.cache)
	} else {
		// No LRU withholding MADV_DONTNEED: every freed block is advised
		// away as soon as it's published, per spec.md §4.4.
		bd.SetCache(buddy.NewHostAdviseCache(mapper, c.Base(), c.PageSizeLog2()))
	}

	sugar.Infow("allocator ready", "mode", cfg.Mode.String(), "page_num", c.PageNum())
	return a, nil
}

// Close releases the chunk. If force is false and there are still live
// allocated blocks, Close is a no-op — mirroring the original's
// best-effort destructor, which refuses to unmap a chunk that application
// exit-handlers might still be touching.
func (a *Allocator) Close(force bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed || a.chunk == nil {
		a.closed = true
		return nil
	}
	if !force && a.buddy.AllocCount() > 0 {
		return nil
	}

	a.closed = true
	return a.chunk.Release()
}

func (a *Allocator) inChunkRange(addr uintptr) bool {
	return a.chunk != nil && a.chunk.Contains(addr)
}

func (a *Allocator) addrToIndex(addr uintptr) pageid.Index {
	return pageid.Index((addr - a.chunk.Base()) >> uint(a.chunk.PageSizeLog2()))
}

func (a *Allocator) indexToAddr(idx pageid.Index) uintptr {
	return a.chunk.Base() + (uintptr(idx) << uint(a.chunk.PageSizeLog2()))
}

func pagesFor(sz uintptr, pageSizeLog2 int) uint32 {
	span := uintptr(1) << uint(pageSizeLog2)
	return uint32((sz + span - 1) >> uint(pageSizeLog2))
}

// Map services an mmap(2)-shaped request. addr must be 0 (hints are
// rejected, never honored), fd must be -1 (anonymous only), flags must
// carry the 32-bit-address bit and must not carry the fixed-address bit,
// and length must be nonzero.
func (a *Allocator) Map(addr uintptr, length uintptr, prot hostmap.Prot, flags hostmap.Flags, fd int, offset int64) (uintptr, error) {
	if addr != 0 || fd != -1 || flags&hostmap.Flags32Bit == 0 || length == 0 || flags&hostmap.FlagsFixed != 0 {
		return 0, ErrInvalidArgument
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mapLocked(length, prot, flags)
}

func (a *Allocator) mapLocked(length uintptr, prot hostmap.Prot, flags hostmap.Flags) (uintptr, error) {
	tryHost := func() (uintptr, bool) {
		p, err := a.mapper.Mmap(0, length, prot, flags)
		return p, err == nil
	}

	switch a.mode {
	case ModeSys:
		p, ok := tryHost()
		if !ok {
			return 0, ErrOutOfMemory
		}
		return p, nil
	case ModePreferSys:
		if p, ok := tryHost(); ok {
			return p, nil
		}
	}

	if a.buddy == nil {
		if p, ok := tryHost(); ok {
			return p, nil
		}
		return 0, ErrOutOfMemory
	}

	idx, _, err := a.buddy.Alloc(length)
	if err != nil {
		if a.mode == ModePreferUser {
			if p, ok := tryHost(); ok {
				return p, nil
			}
		}
		a.log.Warnw("map failed", "length", length, "mode", a.mode.String())
		return 0, ErrOutOfMemory
	}
	return a.indexToAddr(idx), nil
}

// Unmap services a munmap(2)-shaped request.
func (a *Allocator) Unmap(addr uintptr, length uintptr) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.inChunkRange(addr) {
		if a.mode != ModeUser {
			return a.mapper.Munmap(addr, length)
		}
		return ErrInvalidArgument
	}

	pageSize := uintptr(a.chunk.PageSize())
	if length == 0 || addr&(pageSize-1) != 0 {
		return ErrInvalidArgument
	}

	idx := a.addrToIndex(addr)
	if err := a.buddy.UnmapRange(idx, length); err != nil {
		return ErrInvalidArgument
	}
	return nil
}

// Remap services an mremap(2)-shaped request. flags may only carry the
// may-move bit (fixed-destination remap is not supported).
func (a *Allocator) Remap(oldAddr uintptr, oldSize, newSize uintptr, mayMove bool) (uintptr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.inChunkRange(oldAddr) {
		p, err := a.mapper.Mremap(oldAddr, oldSize, newSize, mayMove)
		if err != nil {
			return 0, err
		}
		return p, nil
	}

	pageSizeLog2 := a.chunk.PageSizeLog2()
	pageSize := uintptr(a.chunk.PageSize())
	if oldAddr&(pageSize-1) != 0 {
		return 0, ErrInvalidArgument
	}

	idx := a.addrToIndex(oldAddr)
	sz, order, ok := a.buddy.AllocatedSize(idx)
	if !ok || sz != oldSize {
		return 0, ErrInvalidArgument
	}

	oldPages := pagesFor(oldSize, pageSizeLog2)
	newPages := pagesFor(newSize, pageSizeLog2)

	switch {
	case oldPages > newPages:
		unmapStart := oldAddr + (uintptr(newPages) << uint(pageSizeLog2))
		unmapLen := oldSize - (uintptr(newPages) << uint(pageSizeLog2))
		if err := a.buddy.UnmapRange(a.addrToIndex(unmapStart), unmapLen); err != nil {
			return 0, ErrInvalidArgument
		}
		_ = a.buddy.SetAllocSize(idx, newSize)
		return oldAddr, nil

	case oldPages < newPages:
		if newPages < uint32(1)<<uint(order) {
			_ = a.buddy.SetAllocSize(idx, newSize)
			return oldAddr, nil
		}

		if grown, err := a.buddy.ExtendAlloc(idx, newSize); err == nil && grown {
			return oldAddr, nil
		}

		if !mayMove {
			return 0, ErrInvalidArgument
		}

		newAddr, err := a.allocLocked(newSize)
		if err != nil {
			return 0, ErrOutOfMemory
		}
		copy(hostmap.BytesAt(newAddr, int(oldSize)), hostmap.BytesAt(oldAddr, int(oldSize)))
		_ = a.freeLocked(oldAddr)
		return newAddr, nil

	default:
		_ = a.buddy.SetAllocSize(idx, newSize)
		return oldAddr, nil
	}
}

// Alloc is the byte-oriented "bonus" primitive: given a size, hand back a
// page-aligned pointer into the chunk. It and Map's chunk path share the
// same buddy.Alloc call.
func (a *Allocator) Alloc(sz uintptr) (uintptr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocLocked(sz)
}

func (a *Allocator) allocLocked(sz uintptr) (uintptr, error) {
	if a.buddy == nil {
		return 0, ErrOutOfMemory
	}
	idx, _, err := a.buddy.Alloc(sz)
	if err != nil {
		if errors.Is(err, buddy.ErrInvalidSize) {
			return 0, ErrInvalidArgument
		}
		return 0, ErrOutOfMemory
	}
	return a.indexToAddr(idx), nil
}

// Free releases a pointer previously returned by Alloc (or Map, serviced
// from the chunk).
func (a *Allocator) Free(ptr uintptr) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freeLocked(ptr)
}

func (a *Allocator) freeLocked(ptr uintptr) error {
	if a.buddy == nil || !a.inChunkRange(ptr) {
		return ErrInvalidArgument
	}
	idx := a.addrToIndex(ptr)
	if _, err := a.buddy.Free(idx); err != nil {
		return ErrInvalidArgument
	}
	return nil
}

// BlockInfo describes one free or allocated block in a Status snapshot.
type BlockInfo struct {
	PageIdx pageid.Index
	Order   int
	Size    int64
}

// Status is a point-in-time snapshot of the allocator's bookkeeping,
// mirroring the original's lm_status_t: enough to print a human-readable
// map of the chunk without holding a lock on it.
type Status struct {
	Mode        Mode
	FirstPage   uintptr
	PageNum     uint32
	PageSize    int
	FreeBlocks  []BlockInfo
	AllocBlocks []BlockInfo
}

// GetStatus snapshots the current free and allocated block layout. Callers
// in sys mode (no chunk reserved) get a Status with no blocks.
func (a *Allocator) GetStatus() *Status {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := &Status{Mode: a.mode}
	if a.chunk != nil {
		st.FirstPage = a.chunk.Base()
		st.PageNum = a.chunk.PageNum()
		st.PageSize = a.chunk.PageSize()
	}
	if a.buddy == nil {
		return st
	}

	for order := 0; order <= a.buddy.MaxOrder(); order++ {
		order := order
		a.buddy.AscendFree(order, func(idx pageid.Index) bool {
			st.FreeBlocks = append(st.FreeBlocks, BlockInfo{
				PageIdx: idx,
				Order:   order,
				Size:    int64(uint32(1)<<uint(order)) * int64(a.chunk.PageSize()),
			})
			return true
		})
	}
	a.buddy.AscendAlloc(func(idx pageid.Index, sz uintptr) bool {
		_, order, _ := a.buddy.AllocatedSize(idx)
		st.AllocBlocks = append(st.AllocBlocks, BlockInfo{
			PageIdx: idx,
			Order:   order,
			Size:    int64(sz),
		})
		return true
	})
	return st
}

// FreeStatus exists for symmetry with the original API's explicit
// lm_status_t destructor; Go's garbage collector reclaims a Status on its
// own, so this is a no-op.
func FreeStatus(*Status) {}
