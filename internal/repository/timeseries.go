package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"beefy-importer/internal/chain"
	"beefy-importer/internal/models"
)

// UpsertInvestments writes investment balance rows. Re-imports of the same
// (investor, product, datetime) overwrite the balance and deep-merge the
// jsonb payload, so enrichment passes never lose earlier fields.
func (r *Repository) UpsertInvestments(ctx context.Context, investments []*models.Investment) error {
	if len(investments) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, inv := range investments {
		batch.Queue(`
			INSERT INTO investment_ts (investor_id, product_id, datetime, balance, investment_data)
			VALUES ($1, $2, $3, $4, COALESCE($5, '{}'::jsonb))
			ON CONFLICT (investor_id, product_id, datetime)
			DO UPDATE SET
				balance         = EXCLUDED.balance,
				investment_data = jsonb_merge(investment_ts.investment_data, EXCLUDED.investment_data)
		`, inv.InvestorID, inv.ProductID, inv.Datetime, inv.Balance, rawOrNil(inv.InvestmentData))
	}
	if err := r.db.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert %d investments: %w", len(investments), err)
	}
	return nil
}

// UpsertPrices writes price_ts rows, overwriting the numeric price on
// conflict.
func (r *Repository) UpsertPrices(ctx context.Context, points []*models.PricePoint) error {
	if len(points) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, p := range points {
		batch.Queue(`
			INSERT INTO price_ts (price_feed_id, block_number, datetime, price)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (price_feed_id, block_number, datetime)
			DO UPDATE SET price = EXCLUDED.price
		`, p.PriceFeedID, p.BlockNumber, p.Datetime, p.Price)
	}
	if err := r.db.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert %d price points: %w", len(points), err)
	}
	return nil
}

// DebugData is one raw-payload audit row kept alongside the time series.
type DebugData struct {
	UUID        uuid.UUID
	Datetime    time.Time
	OriginTable string
	Data        json.RawMessage
}

// NewDebugData wraps a raw payload destined for originTable.
func NewDebugData(originTable string, at time.Time, data json.RawMessage) DebugData {
	return DebugData{
		UUID:        uuid.New(),
		Datetime:    at.UTC(),
		OriginTable: originTable,
		Data:        data,
	}
}

// InsertDebugData stores raw RPC/API payloads for post-hoc debugging of the
// derived rows.
func (r *Repository) InsertDebugData(ctx context.Context, rows []DebugData) error {
	if len(rows) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(`
			INSERT INTO debug_data_ts (debug_data_uuid, datetime, origin_table, debug_data)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (debug_data_uuid) DO NOTHING
		`, row.UUID, row.Datetime, row.OriginTable, row.Data)
	}
	if err := r.db.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert %d debug rows: %w", len(rows), err)
	}
	return nil
}

// BlockTimestamp maps one block number of a chain to its timestamp. Rows
// accumulate as a side effect of block-datetime lookups and feed the
// share-rate sampling schedule.
type BlockTimestamp struct {
	Datetime    time.Time
	BlockNumber int64
}

func (r *Repository) UpsertBlockTimestamps(ctx context.Context, c chain.Chain, rows []BlockTimestamp) error {
	if len(rows) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(`
			INSERT INTO block_ts (chain, datetime, block_number)
			VALUES ($1, $2, $3)
			ON CONFLICT (chain, block_number) DO UPDATE SET datetime = EXCLUDED.datetime
		`, c, row.Datetime, row.BlockNumber)
	}
	if err := r.db.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert %d block timestamps for %s: %w", len(rows), c, err)
	}
	return nil
}

// ListBlockSamples returns at most one block per timeStep bucket, oldest
// first: the sampling schedule of the share-rate import.
func (r *Repository) ListBlockSamples(ctx context.Context, c chain.Chain, timeStep time.Duration) ([]BlockTimestamp, error) {
	rows, err := r.db.Query(ctx, `
		SELECT DISTINCT ON (date_bin($2::interval, datetime, 'epoch'::timestamptz))
			datetime, block_number
		FROM block_ts
		WHERE chain = $1
		ORDER BY date_bin($2::interval, datetime, 'epoch'::timestamptz), datetime
	`, c, timeStep)
	if err != nil {
		return nil, fmt.Errorf("list block samples for %s: %w", c, err)
	}
	defer rows.Close()

	var samples []BlockTimestamp
	for rows.Next() {
		var s BlockTimestamp
		if err := rows.Scan(&s.Datetime, &s.BlockNumber); err != nil {
			return nil, fmt.Errorf("scan block sample: %w", err)
		}
		samples = append(samples, s)
	}
	return samples, rows.Err()
}

func rawOrNil(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
