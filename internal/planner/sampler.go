package planner

import (
	"time"

	"beefy-importer/internal/models"
	"beefy-importer/internal/ranges"
)

// extrapolationWindow is how many trailing samples feed the average block
// delta used to project sample points past the last known timestamp.
const extrapolationWindow = 40

// BlockSample maps one sampling timestep to the block number interpolated for
// it. Samples come from the block_ts table and are sorted by time ascending.
type BlockSample struct {
	Time  time.Time
	Block int64
}

// RegularIntervalRanges plans share-rate sampling work: one query range per
// timestep, built from the precomputed block samples. Only samples inside the
// parent import's covered ranges are usable (the sample block must have its
// transfer data imported before a share rate at that block means anything).
// Past the last sample the schedule is extrapolated toward head−P using the
// trailing average block delta.
func RegularIntervalRanges(samples []BlockSample, parentCovered []ranges.Range, state models.ImportRanges, head int64, p Params) []ranges.Range {
	usable := make([]int64, 0, len(samples))
	for _, s := range samples {
		if ranges.Blocks.Contains(parentCovered, s.Block) {
			usable = append(usable, s.Block)
		}
	}
	if len(usable) < 2 {
		return nil
	}

	avgDelta := averageDelta(usable)
	if avgDelta <= 0 {
		return nil
	}

	maxSampleBlock := head - PropagationSafetyMargin
	for next := usable[len(usable)-1] + avgDelta; next <= maxSampleBlock; next += avgDelta {
		usable = append(usable, next)
	}

	// Consecutive samples delimit one range each: querying [s_i, s_{i+1})
	// yields exactly the state at timestep i.
	consecutive := make([]ranges.Range, 0, len(usable)-1)
	for i := 0; i+1 < len(usable); i++ {
		consecutive = append(consecutive, ranges.Range{From: usable[i], To: usable[i+1] - 1})
	}
	consecutive = ranges.Blocks.Merge(consecutive)

	maxLen := avgDelta
	if p.MaxBlocksPerQuery < maxLen {
		maxLen = p.MaxBlocksPerQuery
	}

	primary := ranges.Blocks.Exclude(consecutive, state.Covered)
	primary = ranges.Blocks.SplitToMaxLengthFromEnd(primary, maxLen)
	primary = ranges.Blocks.SortNewestFirst(primary)

	retries := ranges.Blocks.SplitToMaxLength(state.ToRetry, maxLen)
	retries = ranges.Blocks.Sort(retries)

	return truncate(append(primary, retries...), p.MaxRanges)
}

// averageDelta is the mean gap between the trailing samples, at most
// extrapolationWindow of them.
func averageDelta(blocks []int64) int64 {
	start := 0
	if len(blocks) > extrapolationWindow+1 {
		start = len(blocks) - extrapolationWindow - 1
	}
	window := blocks[start:]
	if len(window) < 2 {
		return 0
	}
	return (window[len(window)-1] - window[0]) / int64(len(window)-1)
}
