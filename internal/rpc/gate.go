package rpc

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// networkChangedDelay is the fixed pause before retrying a network-changed
// error. These resolve quickly or not at all, so no exponential ramp.
const networkChangedDelay = 500 * time.Millisecond

// Gate serializes access to one RPC endpoint: at most one call in flight,
// successive calls separated by the endpoint's minimum delay, transient
// failures retried with jittered exponential backoff.
type Gate struct {
	url      string // redacted, for logging only
	classify func(error) ErrorClass
	limiter  *rate.Limiter // nil when the endpoint declares no-limit
	log      zerolog.Logger

	mu sync.Mutex
}

var (
	gatesMu sync.Mutex
	gates   = map[string]*Gate{}
)

// GateFor returns the process-wide gate for rawURL, creating it on first
// use. All endpoints dialing the same URL share one gate.
func GateFor(rawURL string, minDelay time.Duration, classify func(error) ErrorClass, log zerolog.Logger) *Gate {
	gatesMu.Lock()
	defer gatesMu.Unlock()

	if g, ok := gates[rawURL]; ok {
		return g
	}

	g := &Gate{
		url:      RedactURL(rawURL),
		classify: classify,
		log:      log.With().Str("component", "rpc-gate").Str("endpoint", RedactURL(rawURL)).Logger(),
	}
	if minDelay > 0 {
		g.limiter = rate.NewLimiter(rate.Every(minDelay), 1)
	}
	gates[rawURL] = g
	return g
}

// Call runs work under the gate. It retries rate-limited errors with
// exponential backoff and network-changed errors after a short delay, up to
// maxTotalRetry of cumulative waiting. Fatal and archive-node-needed errors
// abort immediately; the latter is returned wrapped for propagation.
func (g *Gate) Call(ctx context.Context, maxTotalRetry time.Duration, work func(context.Context) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = maxTotalRetry

	attempt := 0
	operation := func() error {
		attempt++
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}

		err := work(ctx)
		if err == nil {
			return nil
		}

		switch g.classify(err) {
		case ClassArchiveNodeNeeded:
			if IsArchiveNodeNeeded(err) {
				return backoff.Permanent(err)
			}
			return backoff.Permanent(&ArchiveNodeNeededError{Cause: err})
		case ClassNetworkChanged:
			g.log.Debug().Err(err).Int("attempt", attempt).Msg("network changed, retrying shortly")
			select {
			case <-time.After(networkChangedDelay):
			case <-ctx.Done():
				return backoff.Permanent(ctx.Err())
			}
			return err
		case ClassRateLimited:
			g.log.Debug().Err(err).Int("attempt", attempt).Msg("rate limited, backing off")
			return err
		default:
			return backoff.Permanent(err)
		}
	}

	err := backoff.Retry(operation, backoff.WithContext(bo, ctx))
	if err != nil && attempt > 1 {
		g.log.Warn().Err(err).Int("attempts", attempt).Msg("gate call exhausted retries")
	}
	return err
}

// resetGatesForTest clears the process-wide registry.
func resetGatesForTest() {
	gatesMu.Lock()
	defer gatesMu.Unlock()
	gates = map[string]*Gate{}
}
