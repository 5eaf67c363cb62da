package loader

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"beefy-importer/internal/models"
	"beefy-importer/internal/ranges"
	"beefy-importer/internal/rpc"
	"beefy-importer/internal/stream"
)

// vaultABI covers the two view functions the importer reads on-chain.
var vaultABI = mustParseABI(`[
	{"name":"getPricePerFullShare","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// DomainInvariantError marks a request that the domain model forbids, like a
// share rate for a product that has none. It signals a planning bug, not a
// transient condition, and must abort the pipeline run.
type DomainInvariantError struct {
	Msg string
}

func (e *DomainInvariantError) Error() string { return e.Msg }

// IsDomainInvariant reports whether err carries a DomainInvariantError.
func IsDomainInvariant(err error) bool {
	var die *DomainInvariantError
	return errors.As(err, &die)
}

// ShareRateQuery asks for the price-per-full-share of one vault at one
// block. Range is the planned sampling range the block represents; it rides
// along so the result can be reported against the import state.
type ShareRateQuery struct {
	Product     *models.Product
	BlockNumber int64
	Range       ranges.Range
}

// ShareRatePoint is one decoded PPFS snapshot, scaled to a decimal rate.
type ShareRatePoint struct {
	Query     ShareRateQuery
	ShareRate decimal.Decimal
}

// FetchShareRates is the PPFS loading operator: one eth_call per query.
// Boosts and gov vaults have no share rate; planning one in is a
// DomainInvariantError.
func FetchShareRates(
	ctx context.Context,
	sctx *stream.Ctx,
	in <-chan ShareRateQuery,
	emitErr func(ShareRateQuery, error),
) <-chan ShareRatePoint {
	return stream.BatchRPC(ctx, sctx, in, stream.BatchRPCOpts[ShareRateQuery, ShareRateQuery, decimal.Decimal, ShareRatePoint]{
		GetQuery:         func(q ShareRateQuery) ShareRateQuery { return q },
		RPCCallsPerQuery: map[string]int{rpc.MethodCall: 1},
		ProcessBatch: func(cctx context.Context, provider rpc.Provider, queries []ShareRateQuery) (map[ShareRateQuery]decimal.Decimal, error) {
			for _, q := range queries {
				if !q.Product.HasShareRate() {
					return nil, &DomainInvariantError{
						Msg: fmt.Sprintf("share rate requested for %s (%s), which has none", q.Product.ProductKey, q.Product.ProductData.Type),
					}
				}
			}

			rates := make([]decimal.Decimal, len(queries))
			g, gctx := errgroup.WithContext(cctx)
			for i, q := range queries {
				i, q := i, q
				g.Go(func() error {
					raw, err := ethCall(gctx, provider, common.HexToAddress(q.Product.ContractAddress()), "getPricePerFullShare", q.BlockNumber)
					if err != nil {
						return err
					}
					rates[i] = decimal.NewFromBigInt(raw, -q.Product.Decimals())
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return nil, err
			}

			out := make(map[ShareRateQuery]decimal.Decimal, len(queries))
			for i, q := range queries {
				out[q] = rates[i]
			}
			return out, nil
		},
		FormatOutput: func(q ShareRateQuery, rate decimal.Decimal) ShareRatePoint {
			return ShareRatePoint{Query: q, ShareRate: rate}
		},
		EmitError: emitErr,
	})
}

// ethCall runs one view function at a block and decodes the uint256 result.
func ethCall(ctx context.Context, provider rpc.Provider, contract common.Address, method string, block int64, args ...interface{}) (*big.Int, error) {
	data, err := vaultABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	var result hexutil.Bytes
	err = provider.Call(ctx, &result, rpc.MethodCall, map[string]interface{}{
		"to":   contract,
		"data": hexutil.Bytes(data),
	}, hexutil.EncodeUint64(uint64(block)))
	if err != nil {
		return nil, fmt.Errorf("eth_call %s on %s at %d: %w", method, contract.Hex(), block, err)
	}

	values, err := vaultABI.Unpack(method, result)
	if err != nil {
		return nil, fmt.Errorf("unpack %s on %s: %w", method, contract.Hex(), err)
	}
	value, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unpack %s on %s: unexpected type %T", method, contract.Hex(), values[0])
	}
	return value, nil
}
