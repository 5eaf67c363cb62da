package ranges

import (
	"sort"
	"time"
)

// Range is an interval over int64 coordinates. Block ranges are inclusive on
// both ends: [From, To] covers To-From+1 blocks. Date ranges use epoch
// milliseconds and behave as half-open intervals: [From, To) where To equals
// the next range's From when they touch.
type Range struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

// Algebra captures the adjacency rule of a range domain. Blocks are discrete
// (a range ending at N touches one starting at N+1), dates are continuous
// (ranges touch when the endpoints are equal).
type Algebra struct {
	unit int64
}

var (
	// Blocks is the algebra for inclusive block-number ranges.
	Blocks = Algebra{unit: 1}
	// Dates is the algebra for half-open millisecond-timestamp ranges.
	Dates = Algebra{unit: 0}
)

// Span returns the coordinate length of r: block count for Blocks,
// milliseconds for Dates.
func (a Algebra) Span(r Range) int64 {
	return r.To - r.From + a.unit
}

// IsValid reports whether r is non-empty.
func (a Algebra) IsValid(r Range) bool {
	return a.Span(r) > 0
}

// Contains reports whether v falls inside any range of rs.
func (a Algebra) Contains(rs []Range, v int64) bool {
	for _, r := range rs {
		if r.From <= v && v < r.To+a.unit {
			return true
		}
	}
	return false
}

// Sort orders rs by From ascending. The sort is stable so equal keys keep
// their input order.
func (a Algebra) Sort(rs []Range) []Range {
	out := make([]Range, len(rs))
	copy(out, rs)
	sort.SliceStable(out, func(i, j int) bool { return out[i].From < out[j].From })
	return out
}

// SortNewestFirst orders rs by From descending, stable.
func (a Algebra) SortNewestFirst(rs []Range) []Range {
	out := make([]Range, len(rs))
	copy(out, rs)
	sort.SliceStable(out, func(i, j int) bool { return out[i].From > out[j].From })
	return out
}

// Merge collapses overlapping and adjacent ranges. The result is sorted by
// From, non-overlapping and non-adjacent. Empty ranges are dropped.
func (a Algebra) Merge(rs []Range) []Range {
	valid := make([]Range, 0, len(rs))
	for _, r := range rs {
		if a.IsValid(r) {
			valid = append(valid, r)
		}
	}
	if len(valid) == 0 {
		return nil
	}
	sorted := a.Sort(valid)

	out := []Range{sorted[0]}
	for _, r := range sorted[1:] {
		last := &out[len(out)-1]
		if r.From <= last.To+a.unit {
			if r.To > last.To {
				last.To = r.To
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

// Exclude removes every part of rs covered by cuts. A value is contained in
// the result iff it is contained in rs and not in cuts.
func (a Algebra) Exclude(rs []Range, cuts []Range) []Range {
	out := make([]Range, 0, len(rs))
	for _, r := range rs {
		if a.IsValid(r) {
			out = append(out, r)
		}
	}
	for _, cut := range cuts {
		if !a.IsValid(cut) {
			continue
		}
		next := make([]Range, 0, len(out))
		for _, r := range out {
			// No overlap: keep as is.
			if cut.To+a.unit <= r.From || r.To+a.unit <= cut.From {
				next = append(next, r)
				continue
			}
			left := Range{From: r.From, To: cut.From - a.unit}
			if a.IsValid(left) && left.To <= r.To {
				next = append(next, left)
			}
			right := Range{From: cut.To + a.unit, To: r.To}
			if a.IsValid(right) && right.From >= r.From {
				next = append(next, right)
			}
		}
		out = next
	}
	return out
}

// SplitToMaxLength breaks every range longer than maxLen into a chain of
// adjacent ranges of span <= maxLen. The union of the output equals the input.
func (a Algebra) SplitToMaxLength(rs []Range, maxLen int64) []Range {
	if maxLen <= 0 {
		return rs
	}
	var out []Range
	for _, r := range rs {
		if !a.IsValid(r) {
			continue
		}
		from := r.From
		for a.Span(Range{From: from, To: r.To}) > maxLen {
			out = append(out, Range{From: from, To: from + maxLen - a.unit})
			from += maxLen
		}
		out = append(out, Range{From: from, To: r.To})
	}
	return out
}

// SplitToMaxLengthFromEnd is SplitToMaxLength anchored at the To end: the
// last chunk of each range is full-size and any remainder lands at the From
// end. Used where newest-first consumers want full-width ranges at the head.
func (a Algebra) SplitToMaxLengthFromEnd(rs []Range, maxLen int64) []Range {
	if maxLen <= 0 {
		return rs
	}
	var out []Range
	for _, r := range rs {
		if !a.IsValid(r) {
			continue
		}
		var chunks []Range
		to := r.To
		for a.Span(Range{From: r.From, To: to}) > maxLen {
			chunks = append(chunks, Range{From: to - maxLen + a.unit, To: to})
			to -= maxLen
		}
		chunks = append(chunks, Range{From: r.From, To: to})
		for i := len(chunks) - 1; i >= 0; i-- {
			out = append(out, chunks[i])
		}
	}
	return out
}

// Overlaps reports whether x and y share at least one value.
func (a Algebra) Overlaps(x, y Range) bool {
	return x.From < y.To+a.unit && y.From < x.To+a.unit
}

// TotalSpan sums the spans of rs. Callers pass merged lists when they want a
// coverage measure.
func (a Algebra) TotalSpan(rs []Range) int64 {
	var total int64
	for _, r := range rs {
		if a.IsValid(r) {
			total += a.Span(r)
		}
	}
	return total
}

// DateRange builds a millisecond range from two instants.
func DateRange(from, to time.Time) Range {
	return Range{From: from.UnixMilli(), To: to.UnixMilli()}
}

// FromTime converts an instant to a range coordinate.
func FromTime(t time.Time) int64 {
	return t.UnixMilli()
}

// ToTime converts a range coordinate back to an instant.
func ToTime(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}
