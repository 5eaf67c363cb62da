package pipeline

import (
	"context"
	"time"

	"beefy-importer/internal/models"
	"beefy-importer/internal/planner"
	"beefy-importer/internal/ranges"
	"beefy-importer/internal/stream"
)

type oraclePlan struct {
	feed  *models.PriceFeed
	r     ranges.Range
	state string
}

// importOraclePrices runs one off-chain price import tick. Chain-independent:
// it works feed by feed against the price API over date ranges.
func (m *Manager) importOraclePrices(ctx context.Context) error {
	feeds, err := m.repo.ListActivePriceFeeds(ctx)
	if err != nil {
		return err
	}
	var eligible []*models.PriceFeed
	for _, f := range feeds {
		if f.FeedData.ExternalID != "" {
			eligible = append(eligible, f)
		}
	}
	if len(eligible) == 0 {
		return nil
	}

	states, err := m.ensureOracleStates(ctx, eligible)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	params := planner.Params{
		MaxRanges:      m.cfg.MaxRangesPerProductToGenerate,
		MaxDateRangeMs: m.cfg.PriceDataMaxQueryRangeMs,
	}

	var plans []oraclePlan
	for _, f := range eligible {
		key := models.OracleImportKey(f.PriceFeedID)
		st := states[key]
		if st == nil {
			continue
		}
		data := st.Data.(*models.OraclePriceImport)
		for _, r := range planner.HistoricalDateRanges(data.FirstDate, now, data.Ranges, params) {
			plans = append(plans, oraclePlan{feed: f, r: r, state: key})
		}
	}
	if len(plans) == 0 {
		return nil
	}

	m.log.Info().Int("queries", len(plans)).Msg("importing oracle prices")

	in := stream.FromSlice(ctx, plans)
	done := stream.MapConcurrent(ctx, in, m.cfg.Stream.WorkConcurrency, func(cctx context.Context, p oraclePlan) (struct{}, error) {
		samples, err := m.prices.FetchPriceRange(cctx, p.feed.FeedData.ExternalID, p.r)
		if err != nil {
			return struct{}{}, err
		}

		points := make([]*models.PricePoint, 0, len(samples))
		for _, s := range samples {
			points = append(points, &models.PricePoint{
				Datetime:    s.Datetime,
				PriceFeedID: p.feed.PriceFeedID,
				// Off-chain observations carry no block.
				BlockNumber: 0,
				Price:       s.Price,
			})
		}
		if err := m.repo.UpsertPrices(cctx, points); err != nil {
			return struct{}{}, err
		}
		m.publish(cctx, p.state, p.r, true)
		return struct{}{}, nil
	}, func(p oraclePlan, err error) {
		m.log.Warn().Err(err).Str("feed", p.feed.FeedKey).Msg("oracle price fetch failed")
		m.publish(ctx, p.state, p.r, false)
	})
	stream.Drain(done)
	return nil
}
