package tensor

import (
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

var numThreads atomic.Int64

// SetNumThreads bounds the goroutines used by batched operations.
// Values below 1 restore the default of runtime.GOMAXPROCS(0).
func SetNumThreads(n int) {
	if n < 1 {
		n = 0
	}
	numThreads.Store(int64(n))
}

// NumThreads returns the current bound on goroutines used by batched operations.
func NumThreads() int {
	if n := numThreads.Load(); n > 0 {
		return int(n)
	}
	return runtime.GOMAXPROCS(0)
}

// parallelFor calls fn for every index in [0, n), spreading the calls over at
// most NumThreads goroutines. It returns the first error reported by fn.
func parallelFor(n int, fn func(i int) error) error {
	threads := NumThreads()
	if n <= 1 || threads <= 1 {
		for i := range n {
			if err := fn(i); err != nil {
				return err
			}
		}
		return nil
	}

	var g errgroup.Group
	g.SetLimit(threads)
	for i := range n {
		g.Go(func() error {
			return fn(i)
		})
	}
	return g.Wait()
}
