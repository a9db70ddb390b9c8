//go:build linux

package chunk

import "golang.org/x/sys/unix"

// currentBreak probes the process's current program break via the brk(2)
// syscall with a nil target, which by convention returns the current break
// without moving it — the same sbrk(0) idiom the original C implementation
// uses to find where it's safe to start the chunk.
func currentBreak() (uintptr, error) {
	addr, _, errno := unix.Syscall(unix.SYS_BRK, 0, 0, 0)
	if errno != 0 {
		return 0, errno
	}
	return addr, nil
}
