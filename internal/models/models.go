package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"beefy-importer/internal/chain"
)

// Product is a yield-bearing contract the importer tracks: a vault or a boost.
type Product struct {
	ProductID   int64       `json:"productId"`
	ProductKey  string      `json:"productKey"`
	Chain       chain.Chain `json:"chain"`
	PriceFeedID int64       `json:"priceFeedId"`
	ProductData ProductData `json:"productData"`
}

// ProductData is the tagged payload stored in product.product_data.
type ProductData struct {
	Type  string     `json:"type"` // "beefy:vault" or "beefy:boost"
	Vault *VaultData `json:"vault,omitempty"`
	Boost *BoostData `json:"boost,omitempty"`
}

const (
	ProductTypeVault = "beefy:vault"
	ProductTypeBoost = "beefy:boost"
)

// VaultData describes a standard or gov vault. Gov vaults have no share
// token: balances derive from underlying-token transfers to/from the
// contract, and they have no price-per-full-share.
type VaultData struct {
	ContractAddress string `json:"contractAddress"`
	Decimals        int32  `json:"decimals"`
	IsGovVault      bool   `json:"isGovVault"`
	// UnderlyingAddress is the staked token of a gov vault, whose transfers
	// to and from the contract stand in for share balances.
	UnderlyingAddress string `json:"underlyingAddress,omitempty"`
}

// BoostData describes a boost: a staking contract holding the share token of
// a vault.
type BoostData struct {
	ContractAddress    string `json:"contractAddress"`
	StakedVaultAddress string `json:"stakedVaultAddress"`
	Decimals           int32  `json:"decimals"`
}

// ContractAddress returns the on-chain address of the product contract.
func (p *Product) ContractAddress() string {
	switch p.ProductData.Type {
	case ProductTypeVault:
		return p.ProductData.Vault.ContractAddress
	case ProductTypeBoost:
		return p.ProductData.Boost.ContractAddress
	}
	return ""
}

// Decimals returns the decimals of the token whose transfers are tracked.
func (p *Product) Decimals() int32 {
	switch p.ProductData.Type {
	case ProductTypeVault:
		return p.ProductData.Vault.Decimals
	case ProductTypeBoost:
		return p.ProductData.Boost.Decimals
	}
	return 18
}

// HasShareRate reports whether the product exposes getPricePerFullShare.
// Boosts and gov vaults do not.
func (p *Product) HasShareRate() bool {
	return p.ProductData.Type == ProductTypeVault && !p.ProductData.Vault.IsGovVault
}

// TrackedToken returns the token whose transfers measure investor balances,
// and the address to narrow transfers to when balances only show up as the
// contract's own in/out movements ("" for standard vaults, where every
// holder's share-token transfer counts).
func (p *Product) TrackedToken() (token, trackAddress string) {
	switch p.ProductData.Type {
	case ProductTypeVault:
		v := p.ProductData.Vault
		if v.IsGovVault {
			return v.UnderlyingAddress, v.ContractAddress
		}
		return v.ContractAddress, ""
	case ProductTypeBoost:
		b := p.ProductData.Boost
		return b.StakedVaultAddress, b.ContractAddress
	}
	return "", ""
}

// Validate checks the tagged payload is internally consistent.
func (p *Product) Validate() error {
	switch p.ProductData.Type {
	case ProductTypeVault:
		if p.ProductData.Vault == nil {
			return fmt.Errorf("product %s: vault payload missing", p.ProductKey)
		}
	case ProductTypeBoost:
		if p.ProductData.Boost == nil {
			return fmt.Errorf("product %s: boost payload missing", p.ProductKey)
		}
	default:
		return fmt.Errorf("product %s: unknown type %q", p.ProductKey, p.ProductData.Type)
	}
	return nil
}

// PriceFeed identifies a time series of asset prices.
type PriceFeed struct {
	PriceFeedID  int64         `json:"priceFeedId"`
	FeedKey      string        `json:"feedKey"`
	FromAssetKey string        `json:"fromAssetKey"`
	ToAssetKey   string        `json:"toAssetKey"`
	FeedData     PriceFeedData `json:"priceFeedData"`
}

// PriceFeedData is the jsonb payload stored in price_feed.price_feed_data.
type PriceFeedData struct {
	Active bool `json:"active"`
	// ExternalID is the identifier used against the off-chain price API
	// (oracle id for oracle feeds, empty for share-rate feeds).
	ExternalID string `json:"externalId,omitempty"`
}

// Erc20Transfer is a decoded, decimal-scaled token movement for one owner in
// one block. Amount is signed: negative when the owner sent tokens.
type Erc20Transfer struct {
	Chain           chain.Chain     `json:"chain"`
	TokenAddress    string          `json:"tokenAddress"`
	TokenDecimals   int32           `json:"tokenDecimals"`
	OwnerAddress    string          `json:"ownerAddress"`
	BlockNumber     int64           `json:"blockNumber"`
	TransactionHash string          `json:"transactionHash"`
	Amount          decimal.Decimal `json:"amountTransferred"`
	LogIndex        uint            `json:"logIndex"`
}

// PricePoint is one row of the price_ts time series.
type PricePoint struct {
	Datetime    time.Time       `json:"datetime"`
	PriceFeedID int64           `json:"priceFeedId"`
	BlockNumber int64           `json:"blockNumber"`
	Price       decimal.Decimal `json:"price"`
	PriceData   json.RawMessage `json:"priceData,omitempty"`
}

// Investment is one row of the investment_ts time series: the balance of an
// investor in a product at an instant.
type Investment struct {
	Datetime       time.Time       `json:"datetime"`
	ProductID      int64           `json:"productId"`
	InvestorID     int64           `json:"investorId"`
	Balance        decimal.Decimal `json:"balance"`
	InvestmentData json.RawMessage `json:"investmentData,omitempty"`
}

// Investor maps a wallet address to its surrogate id.
type Investor struct {
	InvestorID int64  `json:"investorId"`
	Address    string `json:"address"`
}
