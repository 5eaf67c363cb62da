package loader

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"beefy-importer/internal/chain"
)

// ContractCreation is the first-transaction block of a contract, the lower
// bound of every import on it.
type ContractCreation struct {
	BlockNumber int64
	Datetime    time.Time
}

// CreationClient looks up contract creation via an etherscan-style explorer
// API. Used once per product, when its import state is first created.
type CreationClient struct {
	apiURLs map[chain.Chain]string
	apiKeys map[chain.Chain]string
	client  *http.Client
	log     zerolog.Logger
}

func NewCreationClient(apiURLs, apiKeys map[chain.Chain]string, log zerolog.Logger) *CreationClient {
	return &CreationClient{
		apiURLs: apiURLs,
		apiKeys: apiKeys,
		client:  &http.Client{Timeout: 30 * time.Second},
		log:     log.With().Str("component", "creation-client").Logger(),
	}
}

// FetchContractCreation returns the block and timestamp of the contract's
// first transaction.
func (c *CreationClient) FetchContractCreation(ctx context.Context, ch chain.Chain, contractAddress string) (*ContractCreation, error) {
	apiURL, ok := c.apiURLs[ch]
	if !ok {
		return nil, fmt.Errorf("no explorer api configured for chain %s", ch)
	}

	q := url.Values{}
	q.Set("module", "account")
	q.Set("action", "txlist")
	q.Set("address", contractAddress)
	q.Set("startblock", "0")
	q.Set("page", "1")
	q.Set("offset", "1")
	q.Set("sort", "asc")
	if key := c.apiKeys[ch]; key != "" {
		q.Set("apikey", key)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch creation of %s on %s: %w", contractAddress, ch, err)
	}
	defer resp.Body.Close()

	var payload struct {
		Status  string `json:"status"`
		Message string `json:"message"`
		Result  []struct {
			BlockNumber string `json:"blockNumber"`
			TimeStamp   string `json:"timeStamp"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode creation of %s on %s: %w", contractAddress, ch, err)
	}
	if payload.Status != "1" || len(payload.Result) == 0 {
		return nil, fmt.Errorf("creation of %s on %s: %s", contractAddress, ch, payload.Message)
	}

	block, err := strconv.ParseInt(payload.Result[0].BlockNumber, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("creation of %s on %s: bad block number %q", contractAddress, ch, payload.Result[0].BlockNumber)
	}
	ts, err := strconv.ParseInt(payload.Result[0].TimeStamp, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("creation of %s on %s: bad timestamp %q", contractAddress, ch, payload.Result[0].TimeStamp)
	}

	c.log.Info().Str("chain", string(ch)).Str("contract", contractAddress).Int64("block", block).Msg("resolved contract creation")
	return &ContractCreation{
		BlockNumber: block,
		Datetime:    time.Unix(ts, 0).UTC(),
	}, nil
}
