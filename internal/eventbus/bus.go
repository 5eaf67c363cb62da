package eventbus

import (
	"context"
	"sync"
	"time"

	"beefy-importer/internal/ranges"
)

// RangeResult reports the outcome of importing one range for one import key.
// Fetch pipelines publish these; the state updater folds them into the
// durable import state.
type RangeResult struct {
	ImportKey string
	Range     ranges.Range
	Success   bool
	At        time.Time
}

// Bus decouples result producers from the import-state updater. Delivery is
// blocking: a range outcome must never be dropped, or its range would be
// re-imported (on success) or silently forgotten (on failure).
type Bus struct {
	mu          sync.RWMutex
	subscribers []chan RangeResult
	closed      bool
}

// New creates a new Bus ready for use.
func New() *Bus {
	return &Bus{}
}

// Subscribe registers a new subscriber and returns its channel. The channel
// is closed by Close.
func (b *Bus) Subscribe(buffer int) <-chan RangeResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan RangeResult, buffer)
	b.subscribers = append(b.subscribers, ch)
	return ch
}

// Publish delivers a result to every subscriber, blocking until each has
// accepted it or ctx is done. Publish is a no-op after Close.
func (b *Bus) Publish(ctx context.Context, res RangeResult) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}

	for _, ch := range b.subscribers {
		select {
		case ch <- res:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close closes all subscriber channels. Publishing after Close is a no-op,
// so producers draining their last results do not panic.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subscribers {
		close(ch)
	}
}
