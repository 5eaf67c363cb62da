package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"beefy-importer/internal/chain"
)

// StreamConfig sizes the operator pipeline: how many items a batch may take,
// how long to wait for a batch to fill, and how much work runs concurrently.
type StreamConfig struct {
	MaxInputTake     int `yaml:"max_input_take"`
	MaxInputWaitMs   int `yaml:"max_input_wait_ms"`
	DbMaxInputTake   int `yaml:"db_max_input_take"`
	DbMaxInputWaitMs int `yaml:"db_max_input_wait_ms"`
	WorkConcurrency  int `yaml:"work_concurrency"`
	MaxTotalRetryMs  int `yaml:"max_total_retry_ms"`
}

// MaxInputWait returns the batch fill window as a duration.
func (s StreamConfig) MaxInputWait() time.Duration {
	return time.Duration(s.MaxInputWaitMs) * time.Millisecond
}

// DbMaxInputWait returns the database batch fill window as a duration.
func (s StreamConfig) DbMaxInputWait() time.Duration {
	return time.Duration(s.DbMaxInputWaitMs) * time.Millisecond
}

// MaxTotalRetry returns the per-call retry budget as a duration.
func (s StreamConfig) MaxTotalRetry() time.Duration {
	return time.Duration(s.MaxTotalRetryMs) * time.Millisecond
}

// Config is the full importer configuration, loaded from a YAML file with a
// few environment overrides for deploy-time secrets.
type Config struct {
	DatabaseURL string `yaml:"database_url"`
	MonitorPort int    `yaml:"monitor_port"`

	// RPCURLs lists JSON-RPC endpoints per chain. One is sampled uniformly
	// at startup for each chain.
	RPCURLs map[chain.Chain][]string `yaml:"rpc_urls"`

	ChainRPCMaxQueryBlocks map[chain.Chain]int64 `yaml:"chain_rpc_max_query_blocks"`
	MsPerBlockEstimate     map[chain.Chain]int64 `yaml:"ms_per_block_estimate"`

	EtherscanAPIKey map[chain.Chain]string `yaml:"etherscan_api_key"`
	EtherscanURL    map[chain.Chain]string `yaml:"etherscan_url"`

	PriceAPIBaseURL string `yaml:"price_api_base_url"`

	PriceDataMaxQueryRangeMs      int64 `yaml:"price_data_max_query_range_ms"`
	MaxRangesPerProductToGenerate int   `yaml:"max_ranges_per_product_to_generate"`

	Stream StreamConfig `yaml:"stream"`

	// Tick intervals for the recurring pipelines.
	RecentIntervalSec     int `yaml:"recent_interval_sec"`
	HistoricalIntervalSec int `yaml:"historical_interval_sec"`

	// ShareRateIntervalMin is the share-rate sampling timestep.
	ShareRateIntervalMin int `yaml:"share_rate_interval_min"`
}

// ShareRateInterval returns the sampling timestep as a duration.
func (c *Config) ShareRateInterval() time.Duration {
	return time.Duration(c.ShareRateIntervalMin) * time.Minute
}

// Load reads the YAML file at path and applies defaults and env overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("config: database_url is required")
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DB_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("PRICE_API_BASE_URL"); v != "" {
		c.PriceAPIBaseURL = v
	}
}

func (c *Config) applyDefaults() {
	if c.MonitorPort == 0 {
		c.MonitorPort = 8080
	}
	if c.PriceDataMaxQueryRangeMs == 0 {
		c.PriceDataMaxQueryRangeMs = 30 * 24 * time.Hour.Milliseconds()
	}
	if c.MaxRangesPerProductToGenerate == 0 {
		c.MaxRangesPerProductToGenerate = 100
	}
	if c.PriceAPIBaseURL == "" {
		c.PriceAPIBaseURL = "https://data.beefy.finance"
	}
	if c.RecentIntervalSec == 0 {
		c.RecentIntervalSec = 15
	}
	if c.HistoricalIntervalSec == 0 {
		c.HistoricalIntervalSec = 60
	}
	if c.ShareRateIntervalMin == 0 {
		c.ShareRateIntervalMin = 15
	}

	if c.Stream.MaxInputTake == 0 {
		c.Stream.MaxInputTake = 500
	}
	if c.Stream.MaxInputWaitMs == 0 {
		c.Stream.MaxInputWaitMs = 5000
	}
	if c.Stream.DbMaxInputTake == 0 {
		c.Stream.DbMaxInputTake = 500
	}
	if c.Stream.DbMaxInputWaitMs == 0 {
		c.Stream.DbMaxInputWaitMs = 5000
	}
	if c.Stream.WorkConcurrency == 0 {
		c.Stream.WorkConcurrency = 10
	}
	if c.Stream.MaxTotalRetryMs == 0 {
		c.Stream.MaxTotalRetryMs = 120_000
	}
}

// Chains returns a chain registry with this config's overrides applied.
func (c *Config) Chains() *chain.Registry {
	return chain.NewRegistry(c.MsPerBlockEstimate, c.ChainRPCMaxQueryBlocks)
}
