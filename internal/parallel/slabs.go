// Package parallel splits voxel loops into slabs processed by a bounded
// pool of goroutines.
package parallel

import (
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Workers resolves a requested worker count; zero or negative means one
// worker per CPU core.
func Workers(n int) int {
	if n <= 0 {
		return runtime.NumCPU()
	}
	return n
}

// ForEachSlab calls fn on contiguous index ranges [lo, hi) covering [0, n).
// Slabs run concurrently on at most workers goroutines; fn must only write
// to memory owned by its own range. The first error returned by any slab is
// returned once all slabs finish.
func ForEachSlab(n, workers int, fn func(lo, hi int) error) error {
	if n <= 0 {
		return nil
	}
	workers = Workers(workers)
	if workers > n {
		workers = n
	}
	if workers == 1 {
		return fn(0, n)
	}

	// A few slabs per worker keeps the pool busy when slabs are uneven
	numSlabs := workers * 4
	if numSlabs > n {
		numSlabs = n
	}
	size := (n + numSlabs - 1) / numSlabs

	var g errgroup.Group
	g.SetLimit(workers)
	for lo := 0; lo < n; lo += size {
		lo, hi := lo, lo+size
		if hi > n {
			hi = n
		}
		g.Go(func() error {
			return fn(lo, hi)
		})
	}
	return g.Wait()
}
