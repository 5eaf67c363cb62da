package loader

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/sync/errgroup"

	"beefy-importer/internal/rpc"
	"beefy-importer/internal/stream"
)

// Block timestamps never change once mined; the TTL only bounds memory.
const blockDatetimeCacheTTL = time.Hour

// BlockDatetime maps a block number to its mining timestamp.
type BlockDatetime struct {
	BlockNumber int64
	Datetime    time.Time
}

// BlockReader resolves block numbers to timestamps, with a per-chain cache
// shared by every operator built from it.
type BlockReader struct {
	quirks rpc.QuirkAdapter
	cache  *stream.Cache[int64, time.Time]
}

func NewBlockReader(quirks rpc.QuirkAdapter) *BlockReader {
	return &BlockReader{
		quirks: quirks,
		cache:  stream.NewCache[int64, time.Time](blockDatetimeCacheTTL),
	}
}

// Datetime resolves a single block, going through the cache and the gate.
func (b *BlockReader) Datetime(ctx context.Context, sctx *stream.Ctx, block int64) (time.Time, error) {
	return b.cache.Get(ctx, block, func(fctx context.Context) (time.Time, error) {
		var ts time.Time
		err := sctx.Endpoint.Gate().Call(fctx, sctx.Stream.MaxTotalRetry(), func(cctx context.Context) error {
			fetched, err := fetchBlockDatetime(cctx, sctx.Endpoint.Linear(), b.quirks, block)
			if err != nil {
				return err
			}
			ts = fetched
			return nil
		})
		return ts, err
	})
}

// blockClaim is an owned cache slot travelling through the batch stage.
type blockClaim struct {
	block   int64
	promise *stream.Promise[int64, time.Time]
}

// Datetimes is the block-datetime loading operator: one eth_getBlockByNumber
// per uncached block. Every lookup settles the cache before the batch stage
// takes the gate: a slot filled or in flight elsewhere is waited on outside
// it, only owned slots cost an RPC call. Waiting on the cache while holding
// the gate would deadlock against Datetime, which takes cache then gate.
func (b *BlockReader) Datetimes(
	ctx context.Context,
	sctx *stream.Ctx,
	in <-chan int64,
	emitErr func(int64, error),
) <-chan BlockDatetime {
	out := make(chan BlockDatetime)
	owned := make(chan blockClaim)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(owned)
		for block := range in {
			promise, own := b.cache.Claim(block)
			if !own {
				wg.Add(1)
				go func(block int64, promise *stream.Promise[int64, time.Time]) {
					defer wg.Done()
					ts, err := promise.Wait(ctx)
					if err != nil {
						emitErr(block, err)
						return
					}
					select {
					case out <- BlockDatetime{BlockNumber: block, Datetime: ts}:
					case <-ctx.Done():
					}
				}(block, promise)
				continue
			}
			select {
			case owned <- blockClaim{block: block, promise: promise}:
			case <-ctx.Done():
				promise.Resolve(time.Time{}, ctx.Err())
				return
			}
		}
	}()

	fetched := stream.BatchRPC(ctx, sctx, owned, stream.BatchRPCOpts[blockClaim, int64, time.Time, BlockDatetime]{
		GetQuery:         func(c blockClaim) int64 { return c.block },
		RPCCallsPerQuery: map[string]int{rpc.MethodGetBlockByNum: 1},
		ProcessBatch: func(cctx context.Context, provider rpc.Provider, blocks []int64) (map[int64]time.Time, error) {
			times := make([]time.Time, len(blocks))
			g, gctx := errgroup.WithContext(cctx)
			for i, block := range blocks {
				i, block := i, block
				g.Go(func() error {
					ts, err := fetchBlockDatetime(gctx, provider, b.quirks, block)
					if err != nil {
						return err
					}
					times[i] = ts
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return nil, err
			}

			res := make(map[int64]time.Time, len(blocks))
			for i, block := range blocks {
				res[block] = times[i]
			}
			return res, nil
		},
		FormatOutput: func(c blockClaim, ts time.Time) BlockDatetime {
			// Runs after the gate is released.
			c.promise.Resolve(ts, nil)
			return BlockDatetime{BlockNumber: c.block, Datetime: ts}
		},
		EmitError: func(c blockClaim, err error) {
			c.promise.Resolve(time.Time{}, err)
			emitErr(c.block, err)
		},
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for bd := range fetched {
			select {
			case out <- bd:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(out)
	}()

	return out
}

func fetchBlockDatetime(ctx context.Context, provider rpc.Provider, quirks rpc.QuirkAdapter, block int64) (time.Time, error) {
	var raw json.RawMessage
	err := provider.Call(ctx, &raw, rpc.MethodGetBlockByNum, hexutil.EncodeUint64(uint64(block)), false)
	if err != nil {
		return time.Time{}, fmt.Errorf("eth_getBlockByNumber %d: %w", block, err)
	}
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, fmt.Errorf("eth_getBlockByNumber %d: null block", block)
	}

	raw = quirks.NormalizeBlock(raw)

	var header struct {
		Timestamp hexutil.Uint64 `json:"timestamp"`
	}
	if err := json.Unmarshal(raw, &header); err != nil {
		return time.Time{}, fmt.Errorf("decode block %d: %w", block, err)
	}
	return time.Unix(int64(header.Timestamp), 0).UTC(), nil
}
