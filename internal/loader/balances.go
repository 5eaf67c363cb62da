package loader

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"beefy-importer/internal/models"
	"beefy-importer/internal/rpc"
	"beefy-importer/internal/stream"
)

// BalanceQuery asks for one owner's token balance in a product contract at a
// block. Used to reconstruct balances post hoc where transfer data alone is
// not enough.
type BalanceQuery struct {
	Product      *models.Product
	OwnerAddress string
	BlockNumber  int64
}

// BalancePoint is one decoded balanceOf result, decimal-scaled.
type BalancePoint struct {
	Query   BalanceQuery
	Balance decimal.Decimal
}

// FetchOwnerBalances is the balance loading operator: one eth_call per query.
func FetchOwnerBalances(
	ctx context.Context,
	sctx *stream.Ctx,
	in <-chan BalanceQuery,
	emitErr func(BalanceQuery, error),
) <-chan BalancePoint {
	return stream.BatchRPC(ctx, sctx, in, stream.BatchRPCOpts[BalanceQuery, BalanceQuery, decimal.Decimal, BalancePoint]{
		GetQuery:         func(q BalanceQuery) BalanceQuery { return q },
		RPCCallsPerQuery: map[string]int{rpc.MethodCall: 1},
		ProcessBatch: func(cctx context.Context, provider rpc.Provider, queries []BalanceQuery) (map[BalanceQuery]decimal.Decimal, error) {
			balances := make([]decimal.Decimal, len(queries))
			g, gctx := errgroup.WithContext(cctx)
			for i, q := range queries {
				i, q := i, q
				g.Go(func() error {
					raw, err := ethCall(gctx, provider, common.HexToAddress(q.Product.ContractAddress()), "balanceOf", q.BlockNumber, common.HexToAddress(q.OwnerAddress))
					if err != nil {
						return err
					}
					balances[i] = decimal.NewFromBigInt(raw, -q.Product.Decimals())
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return nil, err
			}

			out := make(map[BalanceQuery]decimal.Decimal, len(queries))
			for i, q := range queries {
				out[q] = balances[i]
			}
			return out, nil
		},
		FormatOutput: func(q BalanceQuery, balance decimal.Decimal) BalancePoint {
			return BalancePoint{Query: q, Balance: balance}
		},
		EmitError: emitErr,
	})
}
