//go:build !linux

package chunk

import "github.com/pkg/errors"

// currentBreak has no portable equivalent outside Linux; non-Linux builds
// must supply Options.BreakAddr explicitly (tests always do, via
// hostmap.FakeMapper-backed setups).
func currentBreak() (uintptr, error) {
	return 0, errors.New("chunk: automatic program-break probing is only supported on linux; set Options.BreakAddr")
}
