// Command ljmmbench drives Alloc/Free against an mm.Allocator with a
// randomized workload and reports the total elapsed time and a final
// block summary (counts and byte totals) from GetStatus().
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/cloudflare/luajit-mm/hostmap"
	"github.com/cloudflare/luajit-mm/mm"
)

func main() {
	var (
		mode       = flag.String("mode", "user", "allocator mode: user, sys, prefer_user, prefer_sys")
		ops        = flag.Int("ops", 10000, "number of alloc/free operations to perform")
		minSize    = flag.Int("min-size", 4096, "minimum allocation size in bytes")
		maxSize    = flag.Int("max-size", 64*1024, "maximum allocation size in bytes")
		blockCache = flag.Bool("block-cache", true, "enable the deferred-madvise block cache")
		cachePages = flag.Uint("cache-pages", 512, "block cache page budget")
		seed       = flag.Int64("seed", 1, "PRNG seed, for reproducible runs")
		verbose    = flag.Bool("v", false, "enable verbose (debug-level) logging")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: ljmmbench [flags]\n")
		fmt.Fprintf(os.Stderr, "Exercises an mm.Allocator with a randomized alloc/free workload.\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	m, err := parseMode(*mode)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(1)
	}

	logCfg := zap.NewProductionConfig()
	if *verbose {
		logCfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	logger, err := logCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ljmmbench: building logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	a, err := mm.New(
		mm.WithMode(m),
		mm.WithMapper(hostmap.NewMapper()),
		mm.WithBlockCache(*blockCache, uint32(*cachePages)),
		mm.WithLogger(logger),
	)
	if err != nil {
		logger.Fatal("building allocator", zap.Error(err))
	}
	defer a.Close(true)

	rng := rand.New(rand.NewSource(*seed))
	live := make([]uintptr, 0, *ops)

	start := time.Now()
	var allocs, frees, failures int
	for i := 0; i < *ops; i++ {
		if len(live) > 0 && rng.Intn(2) == 0 {
			j := rng.Intn(len(live))
			if err := a.Free(live[j]); err != nil {
				logger.Warn("free failed", zap.Error(err))
				failures++
			} else {
				frees++
			}
			live[j] = live[len(live)-1]
			live = live[:len(live)-1]
			continue
		}

		sz := uintptr(*minSize + rng.Intn(*maxSize-*minSize+1))
		p, err := a.Alloc(sz)
		if err != nil {
			logger.Debug("alloc failed", zap.Uint64("size", uint64(sz)), zap.Error(err))
			failures++
			continue
		}
		live = append(live, p)
		allocs++
	}
	elapsed := time.Since(start)

	for _, p := range live {
		_ = a.Free(p)
	}

	fmt.Printf("mode=%s ops=%d allocs=%d frees=%d failures=%d elapsed=%s (%.1f ops/ms)\n",
		m, *ops, allocs, frees, failures, elapsed, float64(*ops)/float64(elapsed.Milliseconds()+1))

	printStatus(a.GetStatus())
}

func parseMode(s string) (mm.Mode, error) {
	switch s {
	case "user":
		return mm.ModeUser, nil
	case "sys":
		return mm.ModeSys, nil
	case "prefer_user":
		return mm.ModePreferUser, nil
	case "prefer_sys":
		return mm.ModePreferSys, nil
	default:
		return 0, fmt.Errorf("ljmmbench: unknown mode %q", s)
	}
}

func printStatus(st *mm.Status) {
	fmt.Printf("\nchunk: base=%#x pages=%d page_size=%d\n", st.FirstPage, st.PageNum, st.PageSize)
	fmt.Printf("free blocks: %d, allocated blocks: %d\n", len(st.FreeBlocks), len(st.AllocBlocks))

	var freeBytes, allocBytes int64
	for _, b := range st.FreeBlocks {
		freeBytes += int64(uint32(1)<<uint(b.Order)) * int64(st.PageSize)
	}
	for _, b := range st.AllocBlocks {
		allocBytes += b.Size
	}
	fmt.Printf("free bytes (capacity): %d, allocated bytes (logical): %d\n", freeBytes, allocBytes)
}
