package loader

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"beefy-importer/internal/rpc"
	"beefy-importer/internal/stream"
)

const latestBlockCacheTTL = 60 * time.Second

// LatestBlockFetcher answers "what is the chain head" with a 60s cache and
// at most one in-flight eth_blockNumber per chain. A forced value bypasses
// both, which backtesting and the tools use.
type LatestBlockFetcher struct {
	cache *stream.Cache[string, int64]
}

func NewLatestBlockFetcher() *LatestBlockFetcher {
	return &LatestBlockFetcher{cache: stream.NewCache[string, int64](latestBlockCacheTTL)}
}

func (f *LatestBlockFetcher) Latest(ctx context.Context, ep *rpc.Endpoint, maxTotalRetry time.Duration, force *int64) (int64, error) {
	if force != nil {
		return *force, nil
	}

	return f.cache.Get(ctx, string(ep.Chain()), func(fctx context.Context) (int64, error) {
		var head int64
		err := ep.Gate().Call(fctx, maxTotalRetry, func(cctx context.Context) error {
			var raw hexutil.Uint64
			if err := ep.Linear().Call(cctx, &raw, rpc.MethodBlockNumber); err != nil {
				return err
			}
			head = int64(raw)
			return nil
		})
		if err != nil {
			return 0, fmt.Errorf("eth_blockNumber on %s: %w", ep.Chain(), err)
		}
		return head, nil
	})
}
