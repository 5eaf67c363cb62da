package pipeline

import (
	"context"
	"encoding/json"
	"sync"

	"beefy-importer/internal/loader"
	"beefy-importer/internal/models"
	"beefy-importer/internal/planner"
	"beefy-importer/internal/repository"
	"beefy-importer/internal/stream"
)

// importShareRates runs one share-rate sampling tick for a chain. Samples
// are planned off the block timestamps the investment import accumulated, so
// a share rate is only read at blocks whose transfer data exists.
func (m *Manager) importShareRates(ctx context.Context, cp *chainPipeline) error {
	products, err := m.repo.ListProductsByChain(ctx, cp.chain)
	if err != nil {
		return err
	}
	var eligible []*models.Product
	for _, p := range products {
		if p.HasShareRate() && p.PriceFeedID != 0 {
			eligible = append(eligible, p)
		}
	}
	if len(eligible) == 0 {
		return nil
	}

	head, err := m.latest.Latest(ctx, cp.endpoint, m.cfg.Stream.MaxTotalRetry(), nil)
	if err != nil {
		return err
	}

	invKeys := make([]string, 0, len(eligible))
	for _, p := range eligible {
		invKeys = append(invKeys, models.InvestmentImportKey(p.ProductID))
	}
	invStates, err := m.repo.FetchImportStates(ctx, invKeys)
	if err != nil {
		return err
	}

	states, err := m.ensureShareRateStates(ctx, cp, eligible, invStates)
	if err != nil {
		return err
	}

	rawSamples, err := m.repo.ListBlockSamples(ctx, cp.chain, m.cfg.ShareRateInterval())
	if err != nil {
		return err
	}
	samples := make([]planner.BlockSample, 0, len(rawSamples))
	for _, s := range rawSamples {
		samples = append(samples, planner.BlockSample{Time: s.Datetime, Block: s.BlockNumber})
	}

	params := m.plannerParams(cp.chain)
	var queries []loader.ShareRateQuery
	for _, p := range eligible {
		st := states[models.ShareRateImportKey(p.PriceFeedID)]
		inv := invStates[models.InvestmentImportKey(p.ProductID)]
		if st == nil || inv == nil {
			continue
		}
		srData := st.Data.(*models.ShareRateImport)
		parentCovered := inv.Data.(*models.InvestmentImport).Ranges.Covered

		for _, r := range planner.RegularIntervalRanges(samples, parentCovered, srData.Ranges, head, params) {
			// The range's first block is the sample point; the rest of the
			// range is marked covered with it.
			queries = append(queries, loader.ShareRateQuery{
				Product:     p,
				BlockNumber: r.From,
				Range:       r,
			})
		}
	}
	if len(queries) == 0 {
		return nil
	}

	log := m.log.With().Str("chain", string(cp.chain)).Logger()
	log.Info().Int("queries", len(queries)).Int64("head", head).Msg("importing share rates")

	in := stream.FromSlice(ctx, queries)
	points := loader.FetchShareRates(ctx, cp.sctx, in, func(q loader.ShareRateQuery, err error) {
		log.Warn().Err(err).Str("product", q.Product.ProductKey).Msg("share rate fetch failed")
		m.publish(ctx, models.ShareRateImportKey(q.Product.PriceFeedID), q.Range, false)
	})

	var mu sync.Mutex
	var fatal error
	done := stream.MapConcurrent(ctx, points, m.cfg.Stream.WorkConcurrency, func(cctx context.Context, pt loader.ShareRatePoint) (struct{}, error) {
		if err := m.storeSharePoint(cctx, cp, pt); err != nil {
			return struct{}{}, err
		}
		m.publish(cctx, models.ShareRateImportKey(pt.Query.Product.PriceFeedID), pt.Query.Range, true)
		return struct{}{}, nil
	}, func(pt loader.ShareRatePoint, err error) {
		log.Warn().Err(err).Str("product", pt.Query.Product.ProductKey).Msg("share rate store failed")
		m.publish(ctx, models.ShareRateImportKey(pt.Query.Product.PriceFeedID), pt.Query.Range, false)
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

func (m *Manager) storeSharePoint(ctx context.Context, cp *chainPipeline, pt loader.ShareRatePoint) error {
	datetime, err := cp.blocks.Datetime(ctx, cp.sctx, pt.Query.BlockNumber)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(map[string]interface{}{
		"shareRate":   pt.ShareRate,
		"blockNumber": pt.Query.BlockNumber,
		"productKey":  pt.Query.Product.ProductKey,
	})
	if err != nil {
		return err
	}
	debug := repository.NewDebugData("price_ts", datetime, raw)
	if err := m.repo.InsertDebugData(ctx, []repository.DebugData{debug}); err != nil {
		return err
	}

	point := &models.PricePoint{
		Datetime:    datetime,
		PriceFeedID: pt.Query.Product.PriceFeedID,
		BlockNumber: pt.Query.BlockNumber,
		Price:       pt.ShareRate,
	}
	return m.repo.UpsertPrices(ctx, []*models.PricePoint{point})
}
