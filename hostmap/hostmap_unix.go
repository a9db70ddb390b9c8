//go:build linux

package hostmap

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Prot/Flags values, re-exported from golang.org/x/sys/unix so callers never
// need to import unix directly just to build a mapping request.
const (
	ProtNone  Prot = unix.PROT_NONE
	ProtRead  Prot = unix.PROT_READ
	ProtWrite Prot = unix.PROT_WRITE
	ProtExec  Prot = unix.PROT_EXEC
)

const (
	FlagsPrivate Flags = unix.MAP_PRIVATE
	FlagsAnon    Flags = unix.MAP_ANONYMOUS
	FlagsFixed   Flags = unix.MAP_FIXED
	Flags32Bit   Flags = unix.MAP_32BIT
)

// unixMapper implements Mapper atop golang.org/x/sys/unix. mmap is issued
// via the raw syscall because unix.Mmap does not accept a placement hint,
// and the chunk reservation needs one (placed just above the program break,
// non-fixed so the kernel remains free to pick elsewhere).
type unixMapper struct {
	pageSize int
}

// NewMapper returns the real, syscall-backed Mapper used outside tests.
func NewMapper() Mapper {
	return &unixMapper{pageSize: unix.Getpagesize()}
}

func (m *unixMapper) PageSize() int { return m.pageSize }

func (m *unixMapper) Mmap(hint uintptr, length uintptr, prot Prot, flags Flags) (uintptr, error) {
	addr, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		hint,
		length,
		uintptr(prot),
		uintptr(flags),
		^uintptr(0), // fd = -1, anonymous mapping only
		0,
	)
	if errno != 0 {
		return 0, errors.Wrap(errno, "hostmap: mmap")
	}
	return addr, nil
}

func (m *unixMapper) Munmap(addr uintptr, length uintptr) error {
	if err := unix.Munmap(BytesAt(addr, int(length))); err != nil {
		return errors.Wrap(err, "hostmap: munmap")
	}
	return nil
}

func (m *unixMapper) Mremap(addr uintptr, oldSize, newSize uintptr, mayMove bool) (uintptr, error) {
	flags := 0
	if mayMove {
		flags = unix.MREMAP_MAYMOVE
	}
	out, err := unix.Mremap(BytesAt(addr, int(oldSize)), int(newSize), flags)
	if err != nil {
		return 0, errors.Wrap(err, "hostmap: mremap")
	}
	if len(out) == 0 {
		return 0, errors.New("hostmap: mremap returned empty region")
	}
	return addrOf(out), nil
}

func (m *unixMapper) Madvise(addr uintptr, length uintptr, advice ...Advice) error {
	b := BytesAt(addr, int(length))
	for _, a := range advice {
		var uadv int
		switch a {
		case AdviceDontNeed:
			uadv = unix.MADV_DONTNEED
		case AdviceDontDump:
			uadv = unix.MADV_DONTDUMP
		default:
			continue
		}
		if err := unix.Madvise(b, uadv); err != nil {
			return errors.Wrapf(err, "hostmap: madvise(%d)", uadv)
		}
	}
	return nil
}
