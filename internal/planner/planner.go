// Package planner turns an import state and the current chain head into a
// bounded, prioritized list of ranges to fetch next. It is pure: identical
// inputs produce identical outputs.
package planner

import (
	"time"

	"beefy-importer/internal/models"
	"beefy-importer/internal/ranges"
)

// PropagationSafetyMargin is how many blocks behind the head the planner
// stays, so queries never race block propagation.
const PropagationSafetyMargin = 5

// Params sizes planner output for one chain.
type Params struct {
	// MaxBlocksPerQuery caps the width of one block range.
	MaxBlocksPerQuery int64
	// BlocksPerHour bounds the latest-range window to roughly an hour of
	// chain time.
	BlocksPerHour int64
	// MaxRanges truncates the generated list.
	MaxRanges int
	// MaxDateRangeMs caps the width of one date range.
	MaxDateRangeMs int64
}

// LatestBlockRange computes the recent-tail query: a single range ending at
// head−P, sized to the smallest of the query cap, an hour of blocks, and
// what is actually missing. Returns false when the state is already within
// the propagation margin of the head.
func LatestBlockRange(head, lastImported, contractCreatedAt int64, p Params) (ranges.Range, bool) {
	target := p.MaxBlocksPerQuery
	if p.BlocksPerHour < target {
		target = p.BlocksPerHour
	}
	if missing := head - lastImported - 1; missing < target {
		target = missing
	}
	if target <= 0 {
		return ranges.Range{}, false
	}

	r := ranges.Range{
		From: head - target - PropagationSafetyMargin,
		To:   head - PropagationSafetyMargin,
	}
	// The from-bound can underflow past contract creation when the contract
	// is younger than the window; clamp it.
	if r.From < contractCreatedAt {
		r.From = contractCreatedAt
	}
	if !ranges.Blocks.IsValid(r) {
		return ranges.Range{}, false
	}
	return r, true
}

// HistoricalBlockRanges computes catch-up work for a block-ranged import:
// everything between contract creation and head−P not yet covered, split to
// the query cap and ordered newest-first (head-end ranges are likeliest to
// succeed on pruning providers), followed by the retry backlog split and
// ordered oldest-first, the whole list truncated to MaxRanges.
func HistoricalBlockRanges(contractCreatedAt, head int64, state models.ImportRanges, p Params) []ranges.Range {
	full := ranges.Range{From: contractCreatedAt, To: head - PropagationSafetyMargin}
	if !ranges.Blocks.IsValid(full) {
		return nil
	}

	primary := ranges.Blocks.Exclude([]ranges.Range{full}, state.Covered)
	primary = ranges.Blocks.SplitToMaxLengthFromEnd(primary, p.MaxBlocksPerQuery)
	primary = ranges.Blocks.SortNewestFirst(primary)

	retries := ranges.Blocks.Exclude(state.ToRetry, []ranges.Range{{From: head - PropagationSafetyMargin + 1, To: head}})
	retries = ranges.Blocks.SplitToMaxLength(retries, p.MaxBlocksPerQuery)
	retries = ranges.Blocks.Sort(retries)

	out := append(primary, retries...)
	return truncate(out, p.MaxRanges)
}

// HistoricalDateRanges is the date-arithmetic twin of HistoricalBlockRanges,
// used for oracle price imports.
func HistoricalDateRanges(firstDate, now time.Time, state models.ImportRanges, p Params) []ranges.Range {
	full := ranges.DateRange(firstDate, now)
	if !ranges.Dates.IsValid(full) {
		return nil
	}

	primary := ranges.Dates.Exclude([]ranges.Range{full}, state.Covered)
	primary = ranges.Dates.SplitToMaxLengthFromEnd(primary, p.MaxDateRangeMs)
	primary = ranges.Dates.SortNewestFirst(primary)

	retries := ranges.Dates.SplitToMaxLength(state.ToRetry, p.MaxDateRangeMs)
	retries = ranges.Dates.Sort(retries)

	out := append(primary, retries...)
	return truncate(out, p.MaxRanges)
}

func truncate(rs []ranges.Range, max int) []ranges.Range {
	if max > 0 && len(rs) > max {
		return rs[:max]
	}
	return rs
}
