package model

// TokenSpan is a contiguous arc (Start, End] on the hash ring.
// A span with End <= Start wraps around the maximum token back to zero,
// so a single-shard ring is represented as (T, T] covering everything.
type TokenSpan struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

// Contains reports whether token h falls inside the span.
func (s TokenSpan) Contains(h uint64) bool {
	if s.Start < s.End {
		return h > s.Start && h <= s.End
	}
	// wrap-around (or full-ring) span
	return h > s.Start || h <= s.End
}

// Overlaps reports whether two spans share any token. Spans are connected
// arcs on a circle, so it suffices to check each span's end point against
// the other.
func (s TokenSpan) Overlaps(other TokenSpan) bool {
	return s.Contains(other.End) || other.Contains(s.End)
}

// Size returns the number of tokens covered by the span. A full-ring span
// (Start == End) saturates at the maximum uint64 rather than overflowing.
func (s TokenSpan) Size() uint64 {
	if s.Start < s.End {
		return s.End - s.Start
	}
	if s.Start == s.End {
		return ^uint64(0)
	}
	return (^uint64(0) - s.Start) + s.End + 1
}

// Fraction returns the share of the total token space covered by the span.
func (s TokenSpan) Fraction() float64 {
	const tokenSpace = float64(1 << 63)
	return float64(s.Size()) / (tokenSpace * 2)
}

// KeyRange is one entry of a range-based routing table: keys k with
// LowerBound <= k < UpperBound route to ShardID. An empty UpperBound means
// the range is unbounded above.
type KeyRange struct {
	LowerBound string `json:"lower_bound"`
	UpperBound string `json:"upper_bound"`
	ShardID    string `json:"shard_id"`
}

// ContainsKey reports whether key falls inside the range.
func (r KeyRange) ContainsKey(key string) bool {
	if key < r.LowerBound {
		return false
	}
	return r.UpperBound == "" || key < r.UpperBound
}
