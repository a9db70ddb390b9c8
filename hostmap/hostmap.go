// Package hostmap is the seam between the user-space page allocator and the
// operating system's real mapping primitives. It is the "host" side of
// every mode that can fall through to the kernel, and the only place the
// block cache's deferred MADV_DONTNEED surfaces.
//
// This package deliberately does not attempt to be the symbol-interception
// shim described in the specification's scope section — that shim, and the
// stand-alone inner allocator it uses to break reentrancy loops, are
// out-of-scope collaborators. hostmap only wraps the three syscalls they
// would eventually call through to.
package hostmap

import "unsafe"

// Prot and Flags mirror the subset of mmap(2) bits the allocator cares
// about; real values are supplied by the platform-specific Mapper
// implementation (see hostmap_unix.go), kept here as documentation of the
// contract every Mapper must honor.
type Prot int

type Flags int

// Advice values passed to Madvise.
type Advice int

const (
	// AdviceDontNeed tells the kernel the given range's physical pages may
	// be dropped immediately; re-touching the range re-incurs zero-fill and
	// a fresh TLB entry.
	AdviceDontNeed Advice = iota
	// AdviceDontDump excludes the range from a core dump.
	AdviceDontDump
)

// Mapper is the host collaborator interface: real mmap/munmap/mremap/
// madvise, or a fake for tests.
type Mapper interface {
	// Mmap requests length bytes of anonymous memory from the kernel.
	// hint, when non-zero, is advisory placement (used only for the
	// one-shot chunk reservation, never per-allocation).
	Mmap(hint uintptr, length uintptr, prot Prot, flags Flags) (base uintptr, err error)

	// Munmap releases a previously mapped range back to the kernel.
	Munmap(addr uintptr, length uintptr) error

	// Mremap asks the kernel to resize a mapping not owned by the buddy
	// core (i.e. one living outside the chunk). mayMove indicates whether
	// the kernel is permitted to relocate it.
	Mremap(addr uintptr, oldSize, newSize uintptr, mayMove bool) (uintptr, error)

	// Madvise applies advice to [addr, addr+length).
	Madvise(addr uintptr, length uintptr, advice ...Advice) error

	// PageSize reports the host's page size in bytes.
	PageSize() int
}

// BytesAt reinterprets the length bytes starting at addr as a byte slice,
// for callers (chiefly Munmap/Madvise implementations built on Go's slice-
// oriented unix bindings) that need a []byte view of raw mapped memory.
func BytesAt(addr uintptr, length int) []byte {
	if length == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), length)
}

// addrOf returns the address of a byte slice's backing array, the inverse
// of BytesAt. Used to recover a uintptr from APIs (like unix.Mremap) that
// only speak in []byte.
func addrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}
