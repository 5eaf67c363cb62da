package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"beefy-importer/internal/loader"
	"beefy-importer/internal/models"
	"beefy-importer/internal/planner"
	"beefy-importer/internal/ranges"
	"beefy-importer/internal/repository"
	"beefy-importer/internal/stream"
)

// importInvestments runs one investment import tick for a chain: recent mode
// queries the tail right behind the head, historical mode works through the
// planner's catch-up and retry ranges.
func (m *Manager) importInvestments(ctx context.Context, cp *chainPipeline, recent bool) error {
	products, err := m.repo.ListProductsByChain(ctx, cp.chain)
	if err != nil {
		return err
	}
	if len(products) == 0 {
		return nil
	}

	head, err := m.latest.Latest(ctx, cp.endpoint, m.cfg.Stream.MaxTotalRetry(), nil)
	if err != nil {
		return err
	}

	states, err := m.ensureInvestmentStates(ctx, cp, products)
	if err != nil {
		return err
	}

	params := m.plannerParams(cp.chain)
	var queries []loader.TransferQuery
	trackAny := false
	for _, p := range products {
		st := states[models.InvestmentImportKey(p.ProductID)]
		if st == nil {
			continue
		}
		data := st.Data.(*models.InvestmentImport)

		var rs []ranges.Range
		if recent {
			if r, ok := planner.LatestBlockRange(head, lastImportedBlock(data.Ranges, data.ContractCreatedAtBlock), data.ContractCreatedAtBlock, params); ok {
				rs = []ranges.Range{r}
			}
		} else {
			rs = planner.HistoricalBlockRanges(data.ContractCreatedAtBlock, head, data.Ranges, params)
		}

		for _, r := range rs {
			q := loader.NewTransferQuery(p, r)
			if q.TrackAddress != "" {
				trackAny = true
			}
			queries = append(queries, q)
		}
	}
	if len(queries) == 0 {
		return nil
	}

	log := m.log.With().Str("chain", string(cp.chain)).Bool("recent", recent).Logger()
	log.Info().Int("queries", len(queries)).Int64("head", head).Msg("importing investments")

	in := stream.FromSlice(ctx, queries)
	batches := loader.FetchErc20Transfers(ctx, cp.sctx, in, trackAny, func(q loader.TransferQuery, err error) {
		log.Warn().Err(err).Str("product", q.Product.ProductKey).Msg("transfer fetch failed")
		m.publish(ctx, models.InvestmentImportKey(q.Product.ProductID), q.Range, false)
	})

	var mu sync.Mutex
	var fatal error
	done := stream.MapConcurrent(ctx, batches, m.cfg.Stream.WorkConcurrency, func(cctx context.Context, b loader.TransferBatch) (struct{}, error) {
		if err := m.storeTransferBatch(cctx, cp, b); err != nil {
			return struct{}{}, err
		}
		m.publish(cctx, models.InvestmentImportKey(b.Query.Product.ProductID), b.Query.Range, true)
		return struct{}{}, nil
	}, func(b loader.TransferBatch, err error) {
		log.Warn().Err(err).Str("product", b.Query.Product.ProductKey).Msg("transfer batch store failed")
		m.publish(ctx, models.InvestmentImportKey(b.Query.Product.ProductID), b.Query.Range, false)
		if loader.IsDomainInvariant(err) {
			mu.Lock()
			fatal = err
			mu.Unlock()
		}
	})
	stream.Drain(done)

	mu.Lock()
	defer mu.Unlock()
	return fatal
}

// storeTransferBatch resolves datetimes, investor ids and post-transfer
// balances for one fetched range and writes the investment rows. An empty
// batch is a success: the range is covered, there was just no activity.
func (m *Manager) storeTransferBatch(ctx context.Context, cp *chainPipeline, b loader.TransferBatch) error {
	if len(b.Transfers) == 0 {
		return nil
	}

	blockSet := make(map[int64]struct{})
	ownerSet := make(map[string]struct{})
	for _, t := range b.Transfers {
		blockSet[t.BlockNumber] = struct{}{}
		ownerSet[t.OwnerAddress] = struct{}{}
	}
	blocks := make([]int64, 0, len(blockSet))
	for block := range blockSet {
		blocks = append(blocks, block)
	}
	owners := make([]string, 0, len(ownerSet))
	for owner := range ownerSet {
		owners = append(owners, owner)
	}

	blockTimes, err := m.fetchBlockDatetimes(ctx, cp, blocks)
	if err != nil {
		return err
	}

	balanceQueries := make([]loader.BalanceQuery, 0, len(b.Transfers))
	for _, t := range b.Transfers {
		balanceQueries = append(balanceQueries, loader.BalanceQuery{
			Product:      b.Query.Product,
			OwnerAddress: t.OwnerAddress,
			BlockNumber:  t.BlockNumber,
		})
	}
	balances, err := m.fetchBalances(ctx, cp, balanceQueries)
	if err != nil {
		return err
	}

	investors, err := m.repo.EnsureInvestors(ctx, owners)
	if err != nil {
		return err
	}

	investments := make([]*models.Investment, 0, len(b.Transfers))
	debugRows := make([]repository.DebugData, 0, len(b.Transfers))
	for _, t := range b.Transfers {
		datetime, ok := blockTimes[t.BlockNumber]
		if !ok {
			return fmt.Errorf("no datetime resolved for block %d", t.BlockNumber)
		}
		balance, ok := balances[loader.BalanceQuery{Product: b.Query.Product, OwnerAddress: t.OwnerAddress, BlockNumber: t.BlockNumber}]
		if !ok {
			return fmt.Errorf("no balance resolved for %s at block %d", t.OwnerAddress, t.BlockNumber)
		}

		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal transfer: %w", err)
		}
		debug := repository.NewDebugData("investment_ts", datetime, raw)
		debugRows = append(debugRows, debug)

		payload, err := json.Marshal(map[string]interface{}{
			"trxHash":       t.TransactionHash,
			"balanceDiff":   t.Amount,
			"blockNumber":   t.BlockNumber,
			"debugDataUuid": debug.UUID,
		})
		if err != nil {
			return fmt.Errorf("marshal investment data: %w", err)
		}

		investments = append(investments, &models.Investment{
			Datetime:       datetime,
			ProductID:      b.Query.Product.ProductID,
			InvestorID:     investors[t.OwnerAddress],
			Balance:        balance.Balance,
			InvestmentData: payload,
		})
	}

	if err := m.repo.InsertDebugData(ctx, debugRows); err != nil {
		return err
	}
	if err := m.repo.UpsertInvestments(ctx, investments); err != nil {
		return err
	}

	// Feed the share-rate sampling schedule as a side effect.
	tsRows := make([]repository.BlockTimestamp, 0, len(blockTimes))
	for block, datetime := range blockTimes {
		tsRows = append(tsRows, repository.BlockTimestamp{BlockNumber: block, Datetime: datetime})
	}
	return m.repo.UpsertBlockTimestamps(ctx, cp.chain, tsRows)
}

// fetchBlockDatetimes runs the block-datetime operator over a set of blocks
// and fails if any lookup failed.
func (m *Manager) fetchBlockDatetimes(ctx context.Context, cp *chainPipeline, blocks []int64) (map[int64]time.Time, error) {
	var mu sync.Mutex
	var failed []error

	out := cp.blocks.Datetimes(ctx, cp.sctx, stream.FromSlice(ctx, blocks), func(block int64, err error) {
		mu.Lock()
		failed = append(failed, fmt.Errorf("block %d: %w", block, err))
		mu.Unlock()
	})

	times := make(map[int64]time.Time, len(blocks))
	for bd := range out {
		times[bd.BlockNumber] = bd.Datetime
	}
	if len(failed) > 0 {
		return nil, failed[0]
	}
	return times, nil
}

// fetchBalances runs the owner-balance operator over a set of queries and
// fails if any lookup failed.
func (m *Manager) fetchBalances(ctx context.Context, cp *chainPipeline, queries []loader.BalanceQuery) (map[loader.BalanceQuery]loader.BalancePoint, error) {
	var mu sync.Mutex
	var failed []error

	out := loader.FetchOwnerBalances(ctx, cp.sctx, stream.FromSlice(ctx, queries), func(q loader.BalanceQuery, err error) {
		mu.Lock()
		failed = append(failed, fmt.Errorf("balance of %s at %d: %w", q.OwnerAddress, q.BlockNumber, err))
		mu.Unlock()
	})

	balances := make(map[loader.BalanceQuery]loader.BalancePoint, len(queries))
	for bp := range out {
		balances[bp.Query] = bp
	}
	if len(failed) > 0 {
		return nil, failed[0]
	}
	return balances, nil
}

// lastImportedBlock is the newest covered block, or the block before
// contract creation when nothing is imported yet.
func lastImportedBlock(ir models.ImportRanges, contractCreatedAt int64) int64 {
	if n := len(ir.Covered); n > 0 {
		return ir.Covered[n-1].To
	}
	return contractCreatedAt - 1
}
