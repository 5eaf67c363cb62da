package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"beefy-importer/internal/chain"
	"beefy-importer/internal/models"
)

// UpsertProduct writes a product keyed by its stable product_key and returns
// the surrogate id, existing or freshly assigned.
func (r *Repository) UpsertProduct(ctx context.Context, p *models.Product) (int64, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	raw, err := json.Marshal(p.ProductData)
	if err != nil {
		return 0, fmt.Errorf("marshal product data %s: %w", p.ProductKey, err)
	}

	var id int64
	err = r.db.QueryRow(ctx, `
		INSERT INTO product (product_key, chain, price_feed_id, product_data)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (product_key)
		DO UPDATE SET
			chain         = EXCLUDED.chain,
			price_feed_id = EXCLUDED.price_feed_id,
			product_data  = jsonb_merge(product.product_data, EXCLUDED.product_data)
		RETURNING product_id
	`, p.ProductKey, p.Chain, nullableID(p.PriceFeedID), raw).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert product %s: %w", p.ProductKey, err)
	}
	p.ProductID = id
	return id, nil
}

// UpsertPriceFeed writes a feed keyed by feed_key and returns its id.
func (r *Repository) UpsertPriceFeed(ctx context.Context, f *models.PriceFeed) (int64, error) {
	raw, err := json.Marshal(f.FeedData)
	if err != nil {
		return 0, fmt.Errorf("marshal feed data %s: %w", f.FeedKey, err)
	}

	var id int64
	err = r.db.QueryRow(ctx, `
		INSERT INTO price_feed (feed_key, from_asset_key, to_asset_key, price_feed_data)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (feed_key)
		DO UPDATE SET
			from_asset_key  = EXCLUDED.from_asset_key,
			to_asset_key    = EXCLUDED.to_asset_key,
			price_feed_data = jsonb_merge(price_feed.price_feed_data, EXCLUDED.price_feed_data)
		RETURNING price_feed_id
	`, f.FeedKey, f.FromAssetKey, f.ToAssetKey, raw).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert price feed %s: %w", f.FeedKey, err)
	}
	f.PriceFeedID = id
	return id, nil
}

// ListProductsByChain returns every product of one chain, feeds resolved.
func (r *Repository) ListProductsByChain(ctx context.Context, c chain.Chain) ([]*models.Product, error) {
	rows, err := r.db.Query(ctx, `
		SELECT product_id, product_key, chain, COALESCE(price_feed_id, 0), product_data
		FROM product
		WHERE chain = $1
		ORDER BY product_id
	`, c)
	if err != nil {
		return nil, fmt.Errorf("list products for %s: %w", c, err)
	}
	defer rows.Close()

	var products []*models.Product
	for rows.Next() {
		var p models.Product
		var raw []byte
		if err := rows.Scan(&p.ProductID, &p.ProductKey, &p.Chain, &p.PriceFeedID, &raw); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		if err := json.Unmarshal(raw, &p.ProductData); err != nil {
			return nil, fmt.Errorf("product %s: %w", p.ProductKey, err)
		}
		products = append(products, &p)
	}
	return products, rows.Err()
}

// ListActivePriceFeeds returns feeds flagged active in their jsonb payload.
func (r *Repository) ListActivePriceFeeds(ctx context.Context) ([]*models.PriceFeed, error) {
	rows, err := r.db.Query(ctx, `
		SELECT price_feed_id, feed_key, from_asset_key, to_asset_key, price_feed_data
		FROM price_feed
		WHERE (price_feed_data->>'active')::boolean
		ORDER BY price_feed_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list active price feeds: %w", err)
	}
	defer rows.Close()

	var feeds []*models.PriceFeed
	for rows.Next() {
		var f models.PriceFeed
		var raw []byte
		if err := rows.Scan(&f.PriceFeedID, &f.FeedKey, &f.FromAssetKey, &f.ToAssetKey, &raw); err != nil {
			return nil, fmt.Errorf("scan price feed: %w", err)
		}
		if err := json.Unmarshal(raw, &f.FeedData); err != nil {
			return nil, fmt.Errorf("price feed %s: %w", f.FeedKey, err)
		}
		feeds = append(feeds, &f)
	}
	return feeds, rows.Err()
}

// EnsureInvestors maps wallet addresses to surrogate investor ids, creating
// rows for addresses seen for the first time.
func (r *Repository) EnsureInvestors(ctx context.Context, addresses []string) (map[string]int64, error) {
	out := make(map[string]int64, len(addresses))
	if len(addresses) == 0 {
		return out, nil
	}

	batch := &pgx.Batch{}
	for _, addr := range addresses {
		batch.Queue(`
			INSERT INTO investor (address)
			VALUES ($1)
			ON CONFLICT (address) DO UPDATE SET address = EXCLUDED.address
			RETURNING investor_id
		`, addr)
	}

	br := r.db.SendBatch(ctx, batch)
	defer br.Close()
	for _, addr := range addresses {
		var id int64
		if err := br.QueryRow().Scan(&id); err != nil {
			return nil, fmt.Errorf("ensure investor %s: %w", addr, err)
		}
		out[addr] = id
	}
	return out, nil
}

// nullableID turns the zero id into SQL NULL for optional foreign keys.
func nullableID(id int64) interface{} {
	if id == 0 {
		return nil
	}
	return id
}
