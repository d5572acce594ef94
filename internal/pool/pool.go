// Package pool runs a worker over a slice with a ceiling on in-flight calls.
package pool

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Result is the outcome of one worker call. Index preserves the item's
// position in the input regardless of completion order.
type Result[R any] struct {
	Index int
	Value R
	Err   error
}

// Worker processes a single item
type Worker[T, R any] func(ctx context.Context, item T) (R, error)

// Run calls worker for every item with at most concurrency calls in flight
// and returns one Result per item, in input order. A failing item never
// stops the others. Once ctx is done, items that have not started are
// recorded with ctx.Err() and the worker is not called for them.
func Run[T, R any](ctx context.Context, concurrency int, items []T, worker Worker[T, R]) []Result[R] {
	if concurrency < 1 {
		concurrency = 1
	}

	results := make([]Result[R], len(items))
	sem := semaphore.NewWeighted(int64(concurrency))

	var wg sync.WaitGroup
	for i, item := range items {
		results[i].Index = i

		if err := sem.Acquire(ctx, 1); err != nil {
			results[i].Err = err
			continue
		}
		if err := ctx.Err(); err != nil {
			sem.Release(1)
			results[i].Err = err
			continue
		}

		wg.Add(1)
		go func(i int, item T) {
			defer wg.Done()
			defer sem.Release(1)

			v, err := worker(ctx, item)
			results[i].Value = v
			results[i].Err = err
		}(i, item)
	}

	wg.Wait()
	return results
}

// Succeeded counts results without an error
func Succeeded[R any](results []Result[R]) int {
	n := 0
	for _, r := range results {
		if r.Err == nil {
			n++
		}
	}
	return n
}

// Failed returns the results that carry an error
func Failed[R any](results []Result[R]) []Result[R] {
	var failed []Result[R]
	for _, r := range results {
		if r.Err != nil {
			failed = append(failed, r)
		}
	}
	return failed
}

// FirstError returns the error of the lowest-index failed result, or nil
func FirstError[R any](results []Result[R]) error {
	for _, r := range results {
		if r.Err != nil {
			return r.Err
		}
	}
	return nil
}
