// Package workpool runs a bounded fan-out over a slice and joins every task
// before returning.
package workpool

import (
	"context"
	"fmt"
	"sync"

	"github.com/panjf2000/ants/v2"
)

// DefaultWidth is the number of tasks run concurrently when no width is set.
const DefaultWidth = 50

// Task computes the result for one item.
type Task[T, R any] func(ctx context.Context, item T) R

// Options controls a Map call.
type Options[T, R any] struct {
	// Width bounds concurrent tasks; <= 0 means DefaultWidth.
	Width int
	// OnPanic turns a recovered panic into the item's result. When nil the
	// zero value of R is stored.
	OnPanic func(item T, recovered any) R
	// OnDone is called after each task with the number completed so far.
	// Calls are serialised.
	OnDone func(done, total int, item T, result R)
}

// Map runs task for every item with at most Width in flight and returns the
// results in input order. Each task writes only its own slot. Map never stops
// early: the returned error reports only a failure to start the pool.
func Map[T, R any](ctx context.Context, items []T, task Task[T, R], opts Options[T, R]) ([]R, error) {
	results := make([]R, len(items))
	if len(items) == 0 {
		return results, nil
	}

	width := opts.Width
	if width <= 0 {
		width = DefaultWidth
	}
	if width > len(items) {
		width = len(items)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		done int
	)

	run := func(i int) {
		defer wg.Done()
		item := items[i]
		results[i] = safeCall(ctx, item, task, opts.OnPanic)
		if opts.OnDone != nil {
			func() {
				mu.Lock()
				defer mu.Unlock()
				done++
				opts.OnDone(done, len(items), item, results[i])
			}()
		}
	}

	pool, err := ants.NewPoolWithFunc(width, func(arg interface{}) {
		run(arg.(int))
	})
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	defer pool.Release()

	for i := range items {
		wg.Add(1)
		if err := pool.Invoke(i); err != nil {
			// Pool refused the task; run it inline so no slot is left empty.
			run(i)
		}
	}
	wg.Wait()
	return results, nil
}

func safeCall[T, R any](ctx context.Context, item T, task Task[T, R], onPanic func(T, any) R) (result R) {
	defer func() {
		if r := recover(); r != nil {
			var zero R
			result = zero
			if onPanic != nil {
				result = onPanic(item, r)
			}
		}
	}()
	return task(ctx, item)
}
