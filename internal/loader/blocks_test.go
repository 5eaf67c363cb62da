package loader

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"beefy-importer/internal/chain"
	"beefy-importer/internal/rpc"
	"beefy-importer/internal/stream"
)

// blockProvider answers eth_getBlockByNumber with a fixed timestamp,
// recording call count and requested block tags.
type blockProvider struct {
	delay time.Duration
	calls int32

	mu   sync.Mutex
	tags []string
}

func (p *blockProvider) Call(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	atomic.AddInt32(&p.calls, 1)
	if len(args) > 0 {
		if tag, ok := args[0].(string); ok {
			p.mu.Lock()
			p.tags = append(p.tags, tag)
			p.mu.Unlock()
		}
	}
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	out := result.(*json.RawMessage)
	*out = json.RawMessage(`{"timestamp":"0x5f5e100"}`)
	return nil
}

func TestFetchBlockDatetime(t *testing.T) {
	t.Parallel()

	provider := &blockProvider{}
	ts, err := fetchBlockDatetime(context.Background(), provider, rpc.QuirksFor(chain.Fantom), 42)
	require.NoError(t, err)
	require.Equal(t, time.Unix(100_000_000, 0).UTC(), ts)

	provider.mu.Lock()
	defer provider.mu.Unlock()
	require.Equal(t, []string{"0x2a"}, provider.tags)
}

func TestDatetimesUsesCachedBlocks(t *testing.T) {
	t.Parallel()

	provider := &blockProvider{}
	sctx := loaderCtx(t, provider)
	reader := NewBlockReader(rpc.QuirksFor(chain.Fantom))
	ctx := context.Background()

	ts, err := reader.Datetime(ctx, sctx, 42)
	require.NoError(t, err)

	in := stream.FromSlice(ctx, []int64{42})
	out := reader.Datetimes(ctx, sctx, in, func(block int64, err error) {
		t.Errorf("block %d: %v", block, err)
	})
	got := stream.Collect(out)
	require.Len(t, got, 1)
	require.Equal(t, ts, got[0].Datetime)
	require.EqualValues(t, 1, atomic.LoadInt32(&provider.calls))
}

// A single lookup and a batch lookup racing on the same block must both
// finish: the single path holds a cache slot while waiting for the gate, so
// the batch path may not wait on the cache while holding it.
func TestMixedBlockLookupsDoNotDeadlock(t *testing.T) {
	t.Parallel()

	provider := &blockProvider{}
	sctx := loaderCtx(t, provider)
	reader := NewBlockReader(rpc.QuirksFor(chain.Fantom))
	ctx := context.Background()

	// Park both paths behind an occupied gate so they pile up on it in
	// whichever order the scheduler picks.
	release := make(chan struct{})
	gateHeld := make(chan struct{})
	go func() {
		_ = sctx.Endpoint.Gate().Call(ctx, time.Second, func(context.Context) error {
			close(gateHeld)
			<-release
			return nil
		})
	}()
	<-gateHeld

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := reader.Datetime(ctx, sctx, 42); err != nil {
			t.Errorf("single lookup: %v", err)
		}
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		in := stream.FromSlice(ctx, []int64{42, 43})
		out := reader.Datetimes(ctx, sctx, in, func(block int64, err error) {
			t.Errorf("batch lookup block %d: %v", block, err)
		})
		if got := stream.Collect(out); len(got) != 2 {
			t.Errorf("got %d datetimes, want 2", len(got))
		}
	}()

	time.Sleep(50 * time.Millisecond)
	close(release)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("mixed block lookups deadlocked")
	}
}
