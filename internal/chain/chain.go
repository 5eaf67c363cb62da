package chain

import "time"

// Chain identifies an EVM-compatible network the importer tracks.
type Chain string

const (
	Arbitrum  Chain = "arbitrum"
	Aurora    Chain = "aurora"
	Avax      Chain = "avax"
	Bsc       Chain = "bsc"
	Celo      Chain = "celo"
	Cronos    Chain = "cronos"
	Emerald   Chain = "emerald"
	Ethereum  Chain = "ethereum"
	Fantom    Chain = "fantom"
	Fuse      Chain = "fuse"
	Harmony   Chain = "harmony"
	Heco      Chain = "heco"
	Kava      Chain = "kava"
	Metis     Chain = "metis"
	Moonbeam  Chain = "moonbeam"
	Moonriver Chain = "moonriver"
	Optimism  Chain = "optimism"
	Polygon   Chain = "polygon"
	Syscoin   Chain = "syscoin"
)

// All lists every supported chain in stable order.
var All = []Chain{
	Arbitrum, Aurora, Avax, Bsc, Celo, Cronos, Emerald, Ethereum, Fantom,
	Fuse, Harmony, Heco, Kava, Metis, Moonbeam, Moonriver, Optimism,
	Polygon, Syscoin,
}

// defaultMsPerBlock is a rough block-time estimate per chain, used to convert
// wall-clock windows into block counts. Precision is not critical: the values
// only size query windows.
var defaultMsPerBlock = map[Chain]int64{
	Arbitrum:  300,
	Aurora:    1000,
	Avax:      2000,
	Bsc:       3000,
	Celo:      5000,
	Cronos:    6000,
	Emerald:   6000,
	Ethereum:  12000,
	Fantom:    1000,
	Fuse:      5000,
	Harmony:   2000,
	Heco:      3000,
	Kava:      6000,
	Metis:     4000,
	Moonbeam:  12000,
	Moonriver: 12000,
	Optimism:  2000,
	Polygon:   2000,
	Syscoin:   100000,
}

// defaultMaxQueryBlocks caps the width of a single eth_getLogs query per
// chain. Public RPC providers reject wider windows.
var defaultMaxQueryBlocks = map[Chain]int64{
	Arbitrum:  3000,
	Aurora:    3000,
	Avax:      2048,
	Bsc:       3000,
	Celo:      3000,
	Cronos:    2000,
	Emerald:   3000,
	Ethereum:  3000,
	Fantom:    3000,
	Fuse:      3000,
	Harmony:   1024,
	Heco:      3000,
	Kava:      3000,
	Metis:     3000,
	Moonbeam:  3000,
	Moonriver: 3000,
	Optimism:  3000,
	Polygon:   3000,
	Syscoin:   3000,
}

// Registry resolves per-chain query constants, with config overrides applied
// on top of the built-in defaults.
type Registry struct {
	msPerBlock     map[Chain]int64
	maxQueryBlocks map[Chain]int64
}

// NewRegistry builds a registry. Override maps may be nil or partial.
func NewRegistry(msPerBlock, maxQueryBlocks map[Chain]int64) *Registry {
	r := &Registry{
		msPerBlock:     make(map[Chain]int64, len(defaultMsPerBlock)),
		maxQueryBlocks: make(map[Chain]int64, len(defaultMaxQueryBlocks)),
	}
	for c, v := range defaultMsPerBlock {
		r.msPerBlock[c] = v
	}
	for c, v := range defaultMaxQueryBlocks {
		r.maxQueryBlocks[c] = v
	}
	for c, v := range msPerBlock {
		if v > 0 {
			r.msPerBlock[c] = v
		}
	}
	for c, v := range maxQueryBlocks {
		if v > 0 {
			r.maxQueryBlocks[c] = v
		}
	}
	return r
}

// MsPerBlock returns the estimated block time in milliseconds.
func (r *Registry) MsPerBlock(c Chain) int64 {
	if v, ok := r.msPerBlock[c]; ok {
		return v
	}
	return 12000
}

// MaxQueryBlocks returns the widest block window a single query may cover.
func (r *Registry) MaxQueryBlocks(c Chain) int64 {
	if v, ok := r.maxQueryBlocks[c]; ok {
		return v
	}
	return 3000
}

// BlocksIn returns how many blocks the chain produces in d, at least 1.
func (r *Registry) BlocksIn(c Chain, d time.Duration) int64 {
	n := d.Milliseconds() / r.MsPerBlock(c)
	if n < 1 {
		n = 1
	}
	return n
}
