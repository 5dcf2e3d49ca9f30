package tensor

import (
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

var workers atomic.Int32

func init() {
	workers.Store(int32(runtime.NumCPU()))
}

// SetWorkers sets how many goroutines the CPU kernels may use. Values below
// one are treated as one.
func SetWorkers(n int) {
	if n < 1 {
		n = 1
	}
	workers.Store(int32(n))
}

// Workers returns the current kernel parallelism.
func Workers() int {
	return int(workers.Load())
}

// parallelFor splits [0, n) into contiguous chunks and runs fn on each chunk.
// Small ranges run inline on the calling goroutine.
func parallelFor(n int, fn func(lo, hi int)) error {
	w := Workers()
	if w > n {
		w = n
	}
	if w <= 1 {
		if n > 0 {
			fn(0, n)
		}
		return nil
	}

	chunk := (n + w - 1) / w
	var g errgroup.Group
	g.SetLimit(w)
	for lo := 0; lo < n; lo += chunk {
		lo := lo
		hi := lo + chunk
		if hi > n {
			hi = n
		}
		g.Go(func() error {
			fn(lo, hi)
			return nil
		})
	}
	return g.Wait()
}
