package parallel

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestRowRangeCoversAllRows(t *testing.T) {
	const n = 1003
	var mu sync.Mutex
	seen := make([]bool, n)

	RowRange(n, func(start, end int) {
		mu.Lock()
		defer mu.Unlock()
		for i := start; i < end; i++ {
			if seen[i] {
				t.Errorf("row %d visited twice", i)
			}
			seen[i] = true
		}
	})

	for i, ok := range seen {
		if !ok {
			t.Fatalf("row %d never visited", i)
		}
	}
}

func TestRowRangeZeroAndNegative(t *testing.T) {
	called := false
	RowRange(0, func(start, end int) { called = true })
	RowRange(-5, func(start, end int) { called = true })
	if called {
		t.Fatal("fn must not run for empty ranges")
	}
}

func TestRowRangeConcurrentCallers(t *testing.T) {
	const callers = 8
	const n = 256
	var total atomic.Int64

	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			RowRange(n, func(start, end int) {
				total.Add(int64(end - start))
			})
		}()
	}
	wg.Wait()

	if got := total.Load(); got != callers*n {
		t.Fatalf("expected %d rows processed, got %d", callers*n, got)
	}
}
