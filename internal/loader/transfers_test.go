package loader

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"beefy-importer/internal/chain"
	"beefy-importer/internal/config"
	"beefy-importer/internal/models"
	"beefy-importer/internal/ranges"
	"beefy-importer/internal/rpc"
	"beefy-importer/internal/stream"
)

var (
	addrX = common.HexToAddress("0x1111111111111111111111111111111111111111")
	addrO = common.HexToAddress("0x2222222222222222222222222222222222222222")
	addrY = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

func testVault(t *testing.T) *models.Product {
	t.Helper()
	return &models.Product{
		ProductID:  1,
		ProductKey: "beefy:vault:fantom:test",
		Chain:      chain.Fantom,
		ProductData: models.ProductData{
			Type: models.ProductTypeVault,
			Vault: &models.VaultData{
				ContractAddress: "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
				Decimals:        2,
			},
		},
	}
}

func mkTransferLog(from, to common.Address, amount int64, block uint64, tx common.Hash, idx uint) types.Log {
	return types.Log{
		Topics: []common.Hash{
			transferTopic,
			addressTopic(from),
			addressTopic(to),
		},
		Data:        common.LeftPadBytes(big.NewInt(amount).Bytes(), 32),
		BlockNumber: block,
		TxHash:      tx,
		Index:       idx,
	}
}

func TestAddressTopicPadding(t *testing.T) {
	t.Parallel()

	want := common.HexToHash("0x0000000000000000000000001111111111111111111111111111111111111111")
	require.Equal(t, want, addressTopic(addrX))
}

func TestDecodeTransferLogsSignsAndScales(t *testing.T) {
	t.Parallel()

	q := TransferQuery{Product: testVault(t)}
	logs := []types.Log{
		mkTransferLog(addrX, addrO, 10_000, 42, common.HexToHash("0x01"), 1),
	}

	got := decodeTransferLogs(q, logs)
	require.Len(t, got, 2)

	require.Equal(t, addrX.Hex(), got[0].OwnerAddress)
	require.True(t, got[0].Amount.Equal(decimal.RequireFromString("-100")), "sender amount: %s", got[0].Amount)
	require.Equal(t, addrO.Hex(), got[1].OwnerAddress)
	require.True(t, got[1].Amount.Equal(decimal.RequireFromString("100")))
	require.EqualValues(t, 42, got[0].BlockNumber)
}

func TestDecodeTransferLogsSkipsZeroAddress(t *testing.T) {
	t.Parallel()

	q := TransferQuery{Product: testVault(t)}
	logs := []types.Log{
		// Mint: from the zero address.
		mkTransferLog(common.Address{}, addrO, 10_000, 42, common.HexToHash("0x01"), 1),
	}

	got := decodeTransferLogs(q, logs)
	require.Len(t, got, 1)
	require.Equal(t, addrO.Hex(), got[0].OwnerAddress)
}

func TestDecodeTransferLogsTrackAddressFilter(t *testing.T) {
	t.Parallel()

	q := TransferQuery{Product: testVault(t), TrackAddress: addrO.Hex()}
	logs := []types.Log{
		mkTransferLog(addrX, addrO, 10_000, 42, common.HexToHash("0x01"), 1),
		mkTransferLog(addrX, addrY, 5_000, 42, common.HexToHash("0x02"), 2),
	}

	got := decodeTransferLogs(q, logs)
	require.Len(t, got, 1)
	require.Equal(t, addrO.Hex(), got[0].OwnerAddress)
}

func TestMergeTransfersNetsSameBlockMovements(t *testing.T) {
	t.Parallel()

	// Owner O receives 100 then sends 30 in the same block: one record of
	// +70, transaction hash from the higher log index.
	q := TransferQuery{Product: testVault(t)}
	logs := []types.Log{
		mkTransferLog(addrX, addrO, 10_000, 42, common.HexToHash("0xaa"), 1),
		mkTransferLog(addrO, addrY, 3_000, 42, common.HexToHash("0xbb"), 2),
	}

	merged := mergeTransfers(q.Product, decodeTransferLogs(q, logs))

	byOwner := map[string]*models.Erc20Transfer{}
	for _, tr := range merged {
		require.Nil(t, byOwner[tr.OwnerAddress], "one record per owner per block")
		byOwner[tr.OwnerAddress] = tr
	}

	o := byOwner[addrO.Hex()]
	require.NotNil(t, o)
	require.True(t, o.Amount.Equal(decimal.RequireFromString("70")), "net amount: %s", o.Amount)
	require.Equal(t, common.HexToHash("0xbb").Hex(), o.TransactionHash)

	require.True(t, byOwner[addrX.Hex()].Amount.Equal(decimal.RequireFromString("-100")))
	require.True(t, byOwner[addrY.Hex()].Amount.Equal(decimal.RequireFromString("30")))
}

type scriptedProvider struct {
	logs []types.Log
}

func (p scriptedProvider) Call(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	out := result.(*[]types.Log)
	*out = p.logs
	return nil
}

type scriptedEndpoint struct {
	limits   rpc.Limitations
	provider rpc.Provider
	gate     *rpc.Gate
}

func (e *scriptedEndpoint) Limitations() rpc.Limitations { return e.limits }
func (e *scriptedEndpoint) Linear() rpc.Provider         { return e.provider }
func (e *scriptedEndpoint) Batch() rpc.Provider          { return e.provider }
func (e *scriptedEndpoint) Gate() *rpc.Gate              { return e.gate }

func loaderCtx(t *testing.T, provider rpc.Provider) *stream.Ctx {
	t.Helper()
	limit := 100
	return &stream.Ctx{
		Endpoint: &scriptedEndpoint{
			limits:   rpc.Limitations{Methods: map[string]*int{rpc.MethodGetLogs: &limit, rpc.MethodCall: &limit, rpc.MethodGetBlockByNum: &limit}},
			provider: provider,
			gate:     rpc.GateFor("fake://"+t.Name(), 0, rpc.Classify, zerolog.Nop()),
		},
		Stream: config.StreamConfig{
			MaxInputTake:    100,
			MaxInputWaitMs:  10,
			WorkConcurrency: 2,
			MaxTotalRetryMs: 500,
		},
		Log: zerolog.Nop(),
	}
}

func TestFetchErc20Transfers(t *testing.T) {
	product := testVault(t)
	provider := scriptedProvider{logs: []types.Log{
		mkTransferLog(addrX, addrO, 10_000, 42, common.HexToHash("0xaa"), 1),
	}}

	in := stream.FromSlice(context.Background(), []TransferQuery{
		NewTransferQuery(product, ranges.Range{From: 40, To: 79}),
	})
	out := FetchErc20Transfers(context.Background(), loaderCtx(t, provider), in, false,
		func(q TransferQuery, err error) { t.Errorf("unexpected error: %v", err) })

	batches := stream.Collect(out)
	require.Len(t, batches, 1)
	require.Len(t, batches[0].Transfers, 2)
}
