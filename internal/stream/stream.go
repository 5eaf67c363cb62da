// Package stream provides the channel-based operator framework the import
// pipelines are composed from. Operators read from an input channel and
// return an output channel; they stop when the input closes or the context
// is cancelled, and always close their output.
//
// Failures never poison a stage: an operator that cannot process an item
// reports it through its error callback and drops it downstream.
package stream

import (
	"context"
	"sync"
	"time"
)

// FromSlice feeds a fixed set of items into a channel. Convenient at
// pipeline heads and in tests.
func FromSlice[T any](ctx context.Context, items []T) <-chan T {
	out := make(chan T)
	go func() {
		defer close(out)
		for _, it := range items {
			select {
			case out <- it:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Collect drains a channel into a slice.
func Collect[T any](in <-chan T) []T {
	var out []T
	for it := range in {
		out = append(out, it)
	}
	return out
}

// BufferTime groups items: a group is emitted when it holds maxCount items
// or when maxWait has elapsed since the group started, whichever comes
// first. Empty groups are never emitted.
func BufferTime[T any](ctx context.Context, in <-chan T, maxWait time.Duration, maxCount int) <-chan []T {
	if maxCount < 1 {
		maxCount = 1
	}
	out := make(chan []T)

	go func() {
		defer close(out)

		var buf []T
		timer := time.NewTimer(maxWait)
		if !timer.Stop() {
			<-timer.C
		}
		timerActive := false

		emit := func() bool {
			if len(buf) == 0 {
				return true
			}
			group := buf
			buf = nil
			if timerActive {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timerActive = false
			}
			select {
			case out <- group:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			select {
			case item, ok := <-in:
				if !ok {
					emit()
					return
				}
				buf = append(buf, item)
				if len(buf) == 1 {
					timer.Reset(maxWait)
					timerActive = true
				}
				if len(buf) >= maxCount {
					if !emit() {
						return
					}
				}
			case <-timer.C:
				timerActive = false
				if !emit() {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// MapConcurrent applies fn with at most n calls in flight. Output order is
// not guaranteed. A failed item is passed to onError and dropped.
func MapConcurrent[A, B any](ctx context.Context, in <-chan A, n int, fn func(context.Context, A) (B, error), onError func(A, error)) <-chan B {
	if n < 1 {
		n = 1
	}
	out := make(chan B)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range in {
				res, err := fn(ctx, item)
				if err != nil {
					onError(item, err)
					continue
				}
				select {
				case out <- res:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(out)
	}()

	return out
}

// MapOrdered applies fn sequentially; output order equals input order.
func MapOrdered[A, B any](ctx context.Context, in <-chan A, fn func(context.Context, A) (B, error), onError func(A, error)) <-chan B {
	out := make(chan B)
	go func() {
		defer close(out)
		for item := range in {
			res, err := fn(ctx, item)
			if err != nil {
				onError(item, err)
				continue
			}
			select {
			case out <- res:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// FlatMapOrdered is MapOrdered for fns producing zero or more outputs per
// input.
func FlatMapOrdered[A, B any](ctx context.Context, in <-chan A, fn func(context.Context, A) ([]B, error), onError func(A, error)) <-chan B {
	out := make(chan B)
	go func() {
		defer close(out)
		for item := range in {
			results, err := fn(ctx, item)
			if err != nil {
				onError(item, err)
				continue
			}
			for _, res := range results {
				select {
				case out <- res:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// Partition splits one stream into two by predicate: items matching pred go
// to the first output. Both outputs must be consumed concurrently or the
// operator stalls.
func Partition[T any](ctx context.Context, in <-chan T, pred func(T) bool) (<-chan T, <-chan T) {
	matched := make(chan T)
	rest := make(chan T)
	go func() {
		defer close(matched)
		defer close(rest)
		for item := range in {
			target := rest
			if pred(item) {
				target = matched
			}
			select {
			case target <- item:
			case <-ctx.Done():
				return
			}
		}
	}()
	return matched, rest
}

// Tee duplicates a stream into two. Both outputs must be consumed.
func Tee[T any](ctx context.Context, in <-chan T) (<-chan T, <-chan T) {
	a := make(chan T)
	b := make(chan T)
	go func() {
		defer close(a)
		defer close(b)
		for item := range in {
			select {
			case a <- item:
			case <-ctx.Done():
				return
			}
			select {
			case b <- item:
			case <-ctx.Done():
				return
			}
		}
	}()
	return a, b
}

// Drain consumes and discards everything, returning when the input closes.
// Used to run a pipeline for its side effects.
func Drain[T any](in <-chan T) {
	for range in {
	}
}
