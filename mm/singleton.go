package mm

import (
	"sync"

	"github.com/cloudflare/luajit-mm/hostmap"
)

// The package-level functions below mirror the original's process-wide
// singleton (lm_malloc() lazily calling lm_init() the first time it's
// invoked): most callers never need more than one Allocator per process.

var (
	defaultMu    sync.Mutex
	defaultAlloc *Allocator
)

// Init lazily creates the process-wide default Allocator with default
// options, if one doesn't already exist. It is equivalent to Init2 with no
// options.
func Init() error {
	return Init2()
}

// Init2 lazily creates the process-wide default Allocator with opts, if one
// doesn't already exist. Calling it again after a successful Init/Init2 is
// a no-op; use Fini first to reconfigure.
func Init2(opts ...Option) error {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultAlloc != nil {
		return nil
	}
	a, err := New(opts...)
	if err != nil {
		return err
	}
	defaultAlloc = a
	return nil
}

func ensureDefault() (*Allocator, error) {
	defaultMu.Lock()
	if defaultAlloc != nil {
		a := defaultAlloc
		defaultMu.Unlock()
		return a, nil
	}
	defaultMu.Unlock()

	if err := Init2(); err != nil {
		return nil, err
	}

	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultAlloc, nil
}

// Fini force-closes and discards the process-wide default Allocator, if
// one exists.
func Fini() error {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultAlloc == nil {
		return nil
	}
	err := defaultAlloc.Close(true)
	defaultAlloc = nil
	return err
}

// Map lazily initializes the default Allocator and delegates to its Map.
func Map(addr uintptr, length uintptr, prot hostmap.Prot, flags hostmap.Flags, fd int, offset int64) (uintptr, error) {
	a, err := ensureDefault()
	if err != nil {
		return 0, err
	}
	return a.Map(addr, length, prot, flags, fd, offset)
}

// Unmap lazily initializes the default Allocator and delegates to its
// Unmap.
func Unmap(addr uintptr, length uintptr) error {
	a, err := ensureDefault()
	if err != nil {
		return err
	}
	return a.Unmap(addr, length)
}

// Remap lazily initializes the default Allocator and delegates to its
// Remap.
func Remap(oldAddr uintptr, oldSize, newSize uintptr, mayMove bool) (uintptr, error) {
	a, err := ensureDefault()
	if err != nil {
		return 0, err
	}
	return a.Remap(oldAddr, oldSize, newSize, mayMove)
}

// Alloc lazily initializes the default Allocator and delegates to its
// Alloc.
func Alloc(sz uintptr) (uintptr, error) {
	a, err := ensureDefault()
	if err != nil {
		return 0, err
	}
	return a.Alloc(sz)
}

// Free lazily initializes the default Allocator and delegates to its Free.
func Free(ptr uintptr) error {
	a, err := ensureDefault()
	if err != nil {
		return err
	}
	return a.Free(ptr)
}

// GetStatus lazily initializes the default Allocator and delegates to its
// GetStatus.
func GetStatus() (*Status, error) {
	a, err := ensureDefault()
	if err != nil {
		return nil, err
	}
	return a.GetStatus(), nil
}
