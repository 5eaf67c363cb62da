package chain

import (
	"testing"
	"time"
)

func TestRegistryOverrides(t *testing.T) {
	t.Parallel()

	r := NewRegistry(
		map[Chain]int64{Bsc: 1500},
		map[Chain]int64{Bsc: 1000, Harmony: 0},
	)

	if got := r.MsPerBlock(Bsc); got != 1500 {
		t.Fatalf("MsPerBlock(bsc) = %d, want 1500", got)
	}
	if got := r.MaxQueryBlocks(Bsc); got != 1000 {
		t.Fatalf("MaxQueryBlocks(bsc) = %d, want 1000", got)
	}
	// Zero overrides are ignored.
	if got := r.MaxQueryBlocks(Harmony); got != 1024 {
		t.Fatalf("MaxQueryBlocks(harmony) = %d, want default 1024", got)
	}
	// Unknown chains fall back to conservative defaults.
	if got := r.MsPerBlock(Chain("unknown")); got != 12000 {
		t.Fatalf("MsPerBlock(unknown) = %d, want 12000", got)
	}
}

func TestBlocksIn(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil, nil)
	if got := r.BlocksIn(Ethereum, time.Hour); got != 300 {
		t.Fatalf("BlocksIn(ethereum, 1h) = %d, want 300", got)
	}
	// Never returns zero, even for windows shorter than a block.
	if got := r.BlocksIn(Ethereum, time.Millisecond); got != 1 {
		t.Fatalf("BlocksIn(ethereum, 1ms) = %d, want 1", got)
	}
}
