// Package parallel provides a persistent worker pool for splitting
// row-range work across CPUs. The pool is shared by every kernel in the
// process; each call borrows a completion slot so concurrent callers do
// not interfere.
package parallel

import (
	"runtime"
	"sync"
)

type task struct {
	fn     func(start, end int)
	rs, re int
	done   chan struct{}
}

type pool struct {
	size      int
	tasks     chan task
	doneSlots chan chan struct{}
}

var (
	shared   *pool
	poolOnce sync.Once
)

func getPool() *pool {
	poolOnce.Do(func() {
		shared = newPool(max(runtime.GOMAXPROCS(0), 1))
	})
	return shared
}

func newPool(size int) *pool {
	p := &pool{
		size:      size,
		tasks:     make(chan task, size*2),
		doneSlots: make(chan chan struct{}, size),
	}
	for range size {
		p.doneSlots <- make(chan struct{}, 1)
	}
	for range size {
		go func() {
			for t := range p.tasks {
				t.fn(t.rs, t.re)
				t.done <- struct{}{}
			}
		}()
	}
	return p
}

// Workers returns the number of workers in the shared pool.
func Workers() int {
	return getPool().size
}

// RowRange splits [0, n) into contiguous chunks and runs fn on each chunk
// in parallel. fn must be safe to call concurrently on disjoint ranges.
// RowRange returns after every chunk has completed.
func RowRange(n int, fn func(start, end int)) {
	if n <= 0 {
		return
	}
	p := getPool()
	workers := min(p.size, n)
	if workers <= 1 {
		fn(0, n)
		return
	}

	chunk := (n + workers - 1) / workers
	done := <-p.doneSlots

	active := 0
	for w := 0; w < workers; w++ {
		rs := w * chunk
		re := min(rs+chunk, n)
		if rs >= re {
			break
		}
		active++
		p.tasks <- task{fn: fn, rs: rs, re: re, done: done}
	}

	for range active {
		<-done
	}
	p.doneSlots <- done
}
