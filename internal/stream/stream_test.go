package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBufferTimeCountBound(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	in := FromSlice(ctx, []int{1, 2, 3, 4, 5, 6, 7})
	groups := Collect(BufferTime(ctx, in, time.Minute, 3))

	require.Equal(t, [][]int{{1, 2, 3}, {4, 5, 6}, {7}}, groups)
}

func TestBufferTimeTimeBound(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	in := make(chan int)
	out := BufferTime(ctx, in, 20*time.Millisecond, 100)

	in <- 1
	in <- 2
	group := <-out
	require.Equal(t, []int{1, 2}, group)

	// No items queued: the window elapses without emitting an empty group.
	time.Sleep(50 * time.Millisecond)
	in <- 3
	close(in)
	require.Equal(t, []int{3}, <-out)

	_, open := <-out
	require.False(t, open)
}

func TestMapConcurrentBoundsInFlight(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	var inFlight, maxSeen int64

	in := FromSlice(ctx, make([]int, 50))
	out := MapConcurrent(ctx, in, 4, func(ctx context.Context, v int) (int, error) {
		cur := atomic.AddInt64(&inFlight, 1)
		for {
			prev := atomic.LoadInt64(&maxSeen)
			if cur <= prev || atomic.CompareAndSwapInt64(&maxSeen, prev, cur) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		atomic.AddInt64(&inFlight, -1)
		return v, nil
	}, func(int, error) {})

	require.Len(t, Collect(out), 50)
	require.LessOrEqual(t, atomic.LoadInt64(&maxSeen), int64(4))
}

func TestMapConcurrentReportsFailedItems(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	var mu sync.Mutex
	var failed []int

	in := FromSlice(ctx, []int{1, 2, 3, 4, 5})
	out := MapConcurrent(ctx, in, 2, func(ctx context.Context, v int) (int, error) {
		if v%2 == 0 {
			return 0, errors.New("even numbers fail")
		}
		return v * 10, nil
	}, func(v int, err error) {
		mu.Lock()
		failed = append(failed, v)
		mu.Unlock()
	})

	got := Collect(out)
	require.ElementsMatch(t, []int{10, 30, 50}, got)
	require.ElementsMatch(t, []int{2, 4}, failed)
}

func TestMapOrderedPreservesOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	in := FromSlice(ctx, []int{3, 1, 4, 1, 5})
	out := MapOrdered(ctx, in, func(ctx context.Context, v int) (int, error) {
		return v * 2, nil
	}, func(int, error) {})

	require.Equal(t, []int{6, 2, 8, 2, 10}, Collect(out))
}

func TestPartition(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	in := FromSlice(ctx, []int{1, 2, 3, 4, 5, 6})
	evens, odds := Partition(ctx, in, func(v int) bool { return v%2 == 0 })

	var gotEvens, gotOdds []int
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); gotEvens = Collect(evens) }()
	go func() { defer wg.Done(); gotOdds = Collect(odds) }()
	wg.Wait()

	require.Equal(t, []int{2, 4, 6}, gotEvens)
	require.Equal(t, []int{1, 3, 5}, gotOdds)
}

func TestCacheSharesInFlightFetch(t *testing.T) {
	t.Parallel()

	c := NewCache[string, int](time.Minute)
	var fetches int64
	release := make(chan struct{})

	var wg sync.WaitGroup
	results := make([]int, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.Get(context.Background(), "head", func(ctx context.Context) (int, error) {
				atomic.AddInt64(&fetches, 1)
				<-release
				return 42, nil
			})
			require.NoError(t, err)
			results[i] = v
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	require.EqualValues(t, 1, atomic.LoadInt64(&fetches), "concurrent callers must share one fetch")
	for _, v := range results {
		require.Equal(t, 42, v)
	}
}

func TestCacheTTLExpiry(t *testing.T) {
	t.Parallel()

	c := NewCache[string, int](10 * time.Millisecond)
	fetches := 0
	fetch := func(ctx context.Context) (int, error) {
		fetches++
		return fetches, nil
	}

	v, err := c.Get(context.Background(), "k", fetch)
	require.NoError(t, err)
	require.Equal(t, 1, v)

	// Within TTL: cached.
	v, _ = c.Get(context.Background(), "k", fetch)
	require.Equal(t, 1, v)

	time.Sleep(20 * time.Millisecond)
	v, _ = c.Get(context.Background(), "k", fetch)
	require.Equal(t, 2, v)
}

func TestCacheClaimOwnership(t *testing.T) {
	t.Parallel()

	c := NewCache[string, int](time.Minute)

	p1, owned := c.Claim("k")
	require.True(t, owned, "first claim owns the slot")

	p2, owned := c.Claim("k")
	require.False(t, owned, "second claim shares the in-flight slot")

	p1.Resolve(7, nil)

	v, err := p2.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 7, v)

	// Get sees the resolved slot without fetching.
	v, err = c.Get(context.Background(), "k", func(context.Context) (int, error) {
		t.Fatal("resolved slot must not refetch")
		return 0, nil
	})
	require.NoError(t, err)
	require.Equal(t, 7, v)
}

func TestCacheClaimSharesGetInFlight(t *testing.T) {
	t.Parallel()

	c := NewCache[string, int](time.Minute)
	release := make(chan struct{})
	started := make(chan struct{})

	go func() {
		_, _ = c.Get(context.Background(), "k", func(context.Context) (int, error) {
			close(started)
			<-release
			return 9, nil
		})
	}()
	<-started

	// A claim never owns a slot a Get is already filling, and waiting on it
	// does not block the claimer's other work.
	p, owned := c.Claim("k")
	require.False(t, owned)

	close(release)
	v, err := p.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 9, v)
}

func TestCacheClaimErrorVacatesSlot(t *testing.T) {
	t.Parallel()

	c := NewCache[string, int](time.Minute)

	p1, owned := c.Claim("k")
	require.True(t, owned)
	p2, _ := c.Claim("k")

	p1.Resolve(0, errors.New("transient"))

	_, err := p2.Wait(context.Background())
	require.Error(t, err, "waiters share the failure")

	_, owned = c.Claim("k")
	require.True(t, owned, "a failed slot is vacated for the next claim")
}

func TestCacheDoesNotCacheErrors(t *testing.T) {
	t.Parallel()

	c := NewCache[string, int](time.Minute)
	calls := 0
	fetch := func(ctx context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, errors.New("transient")
		}
		return 7, nil
	}

	_, err := c.Get(context.Background(), "k", fetch)
	require.Error(t, err)

	v, err := c.Get(context.Background(), "k", fetch)
	require.NoError(t, err)
	require.Equal(t, 7, v)
}
