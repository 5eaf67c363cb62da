// Package loader holds the domain fetch operators: each one turns a stream
// of planned queries into decoded domain records by driving the batch-RPC
// operator or an off-chain API.
package loader

import (
	"context"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"beefy-importer/internal/models"
	"beefy-importer/internal/ranges"
	"beefy-importer/internal/rpc"
	"beefy-importer/internal/stream"
)

var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// addressTopic left-pads an address to the 32-byte topic encoding.
func addressTopic(addr common.Address) common.Hash {
	return common.BytesToHash(addr.Bytes())
}

// TransferQuery asks for the ERC-20 transfers of one token over one block
// range. TrackAddress, when set, narrows to transfers where that address is
// sender or receiver (gov vaults and boosts: the contract's own in/out
// movements stand in for share balances). NewTransferQuery derives both
// fields from the product.
type TransferQuery struct {
	Product      *models.Product
	Range        ranges.Range
	TokenAddress string
	TrackAddress string
}

// NewTransferQuery builds the query for one product and range, resolving
// which token to watch and whether to narrow to the contract's movements.
func NewTransferQuery(product *models.Product, r ranges.Range) TransferQuery {
	token, track := product.TrackedToken()
	return TransferQuery{
		Product:      product,
		Range:        r,
		TokenAddress: token,
		TrackAddress: track,
	}
}

// TransferBatch is the decoded, merged result of one query.
type TransferBatch struct {
	Query     TransferQuery
	Transfers []*models.Erc20Transfer
}

// FetchErc20Transfers is the transfer loading operator. Each query costs one
// eth_getLogs call, or two when track-address narrowing is on (a from-filter
// and a to-filter, results combined).
func FetchErc20Transfers(
	ctx context.Context,
	sctx *stream.Ctx,
	in <-chan TransferQuery,
	trackAddresses bool,
	emitErr func(TransferQuery, error),
) <-chan TransferBatch {
	getLogsPerQuery := 1
	if trackAddresses {
		getLogsPerQuery = 2
	}

	return stream.BatchRPC(ctx, sctx, in, stream.BatchRPCOpts[TransferQuery, TransferQuery, []*models.Erc20Transfer, TransferBatch]{
		GetQuery:         func(q TransferQuery) TransferQuery { return q },
		RPCCallsPerQuery: map[string]int{rpc.MethodGetLogs: getLogsPerQuery},
		ProcessBatch: func(cctx context.Context, provider rpc.Provider, queries []TransferQuery) (map[TransferQuery][]*models.Erc20Transfer, error) {
			results := make([][]*models.Erc20Transfer, len(queries))
			// Concurrent calls land in the same coalescing window and go out
			// as one batch POST.
			g, gctx := errgroup.WithContext(cctx)
			for i, q := range queries {
				i, q := i, q
				g.Go(func() error {
					logs, err := fetchTransferLogs(gctx, provider, q)
					if err != nil {
						return err
					}
					results[i] = mergeTransfers(q.Product, decodeTransferLogs(q, logs))
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return nil, err
			}
			out := make(map[TransferQuery][]*models.Erc20Transfer, len(queries))
			for i, q := range queries {
				out[q] = results[i]
			}
			return out, nil
		},
		FormatOutput: func(q TransferQuery, transfers []*models.Erc20Transfer) TransferBatch {
			return TransferBatch{Query: q, Transfers: transfers}
		},
		EmitError: emitErr,
	})
}

func fetchTransferLogs(ctx context.Context, provider rpc.Provider, q TransferQuery) ([]types.Log, error) {
	contract := common.HexToAddress(q.TokenAddress)

	if q.TrackAddress == "" {
		return getLogs(ctx, provider, contract, q.Range, [][]common.Hash{{transferTopic}})
	}

	// Two filters: transfers sent by the tracked address and transfers
	// received by it. A self-transfer matches both and must not double.
	tracked := addressTopic(common.HexToAddress(q.TrackAddress))
	sent, err := getLogs(ctx, provider, contract, q.Range, [][]common.Hash{{transferTopic}, {tracked}})
	if err != nil {
		return nil, err
	}
	received, err := getLogs(ctx, provider, contract, q.Range, [][]common.Hash{{transferTopic}, nil, {tracked}})
	if err != nil {
		return nil, err
	}

	type logKey struct {
		tx  common.Hash
		idx uint
	}
	seen := make(map[logKey]struct{}, len(sent))
	out := make([]types.Log, 0, len(sent)+len(received))
	for _, l := range append(sent, received...) {
		k := logKey{tx: l.TxHash, idx: l.Index}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, l)
	}
	return out, nil
}

func getLogs(ctx context.Context, provider rpc.Provider, contract common.Address, r ranges.Range, topics [][]common.Hash) ([]types.Log, error) {
	var logs []types.Log
	err := provider.Call(ctx, &logs, rpc.MethodGetLogs, map[string]interface{}{
		"fromBlock": hexutil.EncodeUint64(uint64(r.From)),
		"toBlock":   hexutil.EncodeUint64(uint64(r.To)),
		"address":   contract,
		"topics":    topics,
	})
	if err != nil {
		return nil, fmt.Errorf("eth_getLogs %s [%d,%d]: %w", contract.Hex(), r.From, r.To, err)
	}
	return logs, nil
}

// decodeTransferLogs turns raw Transfer events into signed per-owner records:
// the sender's record is negative, the receiver's positive. The zero address
// (mint/burn counterpart) yields no record.
func decodeTransferLogs(q TransferQuery, logs []types.Log) []*models.Erc20Transfer {
	product := q.Product
	out := make([]*models.Erc20Transfer, 0, 2*len(logs))
	for _, l := range logs {
		if len(l.Topics) < 3 {
			continue
		}
		from := common.BytesToAddress(l.Topics[1].Bytes())
		to := common.BytesToAddress(l.Topics[2].Bytes())
		value := decimal.NewFromBigInt(new(big.Int).SetBytes(l.Data), -product.Decimals())

		for _, rec := range []struct {
			owner  common.Address
			amount decimal.Decimal
		}{
			{owner: from, amount: value.Neg()},
			{owner: to, amount: value},
		} {
			if rec.owner == (common.Address{}) {
				continue
			}
			if q.TrackAddress != "" && rec.owner != common.HexToAddress(q.TrackAddress) {
				continue
			}
			out = append(out, &models.Erc20Transfer{
				Chain:           product.Chain,
				TokenAddress:    q.TokenAddress,
				TokenDecimals:   product.Decimals(),
				OwnerAddress:    rec.owner.Hex(),
				BlockNumber:     int64(l.BlockNumber),
				TransactionHash: l.TxHash.Hex(),
				Amount:          rec.amount,
				LogIndex:        l.Index,
			})
		}
	}
	return out
}

// mergeTransfers nets same-block movements of one owner into a single
// record. The transaction hash of the merged record comes from the highest
// log index, the last movement in the block.
func mergeTransfers(product *models.Product, transfers []*models.Erc20Transfer) []*models.Erc20Transfer {
	type key struct {
		owner string
		block int64
	}
	merged := make(map[key]*models.Erc20Transfer)
	order := make([]key, 0, len(transfers))
	for _, t := range transfers {
		k := key{owner: t.OwnerAddress, block: t.BlockNumber}
		cur, ok := merged[k]
		if !ok {
			cp := *t
			merged[k] = &cp
			order = append(order, k)
			continue
		}
		cur.Amount = cur.Amount.Add(t.Amount)
		if t.LogIndex > cur.LogIndex {
			cur.LogIndex = t.LogIndex
			cur.TransactionHash = t.TransactionHash
		}
	}

	out := make([]*models.Erc20Transfer, 0, len(merged))
	for _, k := range order {
		out = append(out, merged[k])
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		return out[i].OwnerAddress < out[j].OwnerAddress
	})
	return out
}
