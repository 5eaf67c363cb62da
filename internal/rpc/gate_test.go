package rpc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestGateRetriesRateLimited(t *testing.T) {
	resetGatesForTest()

	g := GateFor("http://one.test", 0, Classify, zerolog.Nop())

	calls := 0
	err := g.Call(context.Background(), 30*time.Second, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("429 too many requests")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestGateAbortsOnArchiveNodeNeeded(t *testing.T) {
	resetGatesForTest()

	g := GateFor("http://two.test", 0, Classify, zerolog.Nop())

	calls := 0
	err := g.Call(context.Background(), 30*time.Second, func(ctx context.Context) error {
		calls++
		return errors.New("missing trie node deadbeef")
	})
	require.Error(t, err)
	require.True(t, IsArchiveNodeNeeded(err))
	require.Equal(t, 1, calls, "archive-node errors must not be retried")
}

func TestGateAbortsOnFatal(t *testing.T) {
	resetGatesForTest()

	g := GateFor("http://three.test", 0, Classify, zerolog.Nop())

	fatal := errors.New("invalid argument: malformed filter")
	calls := 0
	err := g.Call(context.Background(), 30*time.Second, func(ctx context.Context) error {
		calls++
		return fatal
	})
	require.ErrorIs(t, err, fatal)
	require.Equal(t, 1, calls)
}

func TestGateRespectsRetryBudget(t *testing.T) {
	resetGatesForTest()

	g := GateFor("http://four.test", 0, Classify, zerolog.Nop())

	start := time.Now()
	err := g.Call(context.Background(), 1*time.Second, func(ctx context.Context) error {
		return errors.New("rate limit exceeded")
	})
	require.Error(t, err)
	require.Less(t, time.Since(start), 15*time.Second)
}

func TestGateSharedPerURL(t *testing.T) {
	resetGatesForTest()

	a := GateFor("http://shared.test", time.Millisecond, Classify, zerolog.Nop())
	b := GateFor("http://shared.test", time.Millisecond, Classify, zerolog.Nop())
	require.Same(t, a, b)
}

func TestGateSerializesCallers(t *testing.T) {
	resetGatesForTest()

	g := GateFor("http://serial.test", 0, Classify, zerolog.Nop())

	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = g.Call(context.Background(), time.Second, func(ctx context.Context) error {
				mu.Lock()
				inFlight++
				if inFlight > maxInFlight {
					maxInFlight = inFlight
				}
				mu.Unlock()

				time.Sleep(2 * time.Millisecond)

				mu.Lock()
				inFlight--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	require.Equal(t, 1, maxInFlight, "gate must allow at most one in-flight call")
}
