package loader

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"beefy-importer/internal/ranges"
)

// PriceSample is one off-chain oracle price observation.
type PriceSample struct {
	Datetime time.Time
	Price    decimal.Decimal
}

// PriceClient fetches historical oracle prices from the beefy data API by
// date range.
type PriceClient struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

func NewPriceClient(baseURL string, log zerolog.Logger) *PriceClient {
	return &PriceClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
		log:     log.With().Str("component", "price-client").Logger(),
	}
}

// FetchPriceRange returns the oracle's samples inside the date range, oldest
// first. Zero and negative prices are dropped.
func (c *PriceClient) FetchPriceRange(ctx context.Context, oracleID string, r ranges.Range) ([]PriceSample, error) {
	q := url.Values{}
	q.Set("oracle", oracleID)
	q.Set("from", fmt.Sprintf("%d", r.From/1000))
	q.Set("to", fmt.Sprintf("%d", r.To/1000))
	endpoint := fmt.Sprintf("%s/api/v2/prices/range?%s", c.baseURL, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "beefy-importer/1.0")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch prices for %s: %w", oracleID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch prices for %s: status %d", oracleID, resp.StatusCode)
	}

	var payload []struct {
		Timestamp int64           `json:"t"`
		Value     decimal.Decimal `json:"v"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode prices for %s: %w", oracleID, err)
	}

	samples := make([]PriceSample, 0, len(payload))
	for _, p := range payload {
		if p.Value.Sign() <= 0 {
			continue
		}
		samples = append(samples, PriceSample{
			Datetime: time.Unix(p.Timestamp, 0).UTC(),
			Price:    p.Value,
		})
	}
	c.log.Debug().Str("oracle", oracleID).Int("samples", len(samples)).Msg("fetched price range")
	return samples, nil
}
