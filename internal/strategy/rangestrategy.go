package strategy

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/devrev/shardrouter/internal/model"
)

// Range routes by binary search over an ordered, non-overlapping list of
// key ranges. Consecutive keys land on the same shard, which makes range
// scans cheap, but skewed key distributions (monotonically increasing
// keys especially) hotspot the last range and need manual rebalancing.
//
// The range table is operator-supplied; Rebuild validates it against the
// current membership rather than deriving ranges from it.
type Range struct {
	table  atomic.Pointer[[]model.KeyRange]
	ranges []model.KeyRange
}

// NewRange creates a range strategy over the given table. The table is
// validated on the first Rebuild.
func NewRange(ranges []model.KeyRange) *Range {
	r := &Range{ranges: append([]model.KeyRange(nil), ranges...)}
	empty := make([]model.KeyRange, 0)
	r.table.Store(&empty)
	return r
}

// SetRanges replaces the configured table, for manual rebalancing. The new
// table takes effect on the next Rebuild.
func (r *Range) SetRanges(ranges []model.KeyRange) {
	r.ranges = append([]model.KeyRange(nil), ranges...)
}

// Resolve finds the range containing key by binary search.
func (r *Range) Resolve(key string) (string, error) {
	table := *r.table.Load()
	if len(table) == 0 {
		return "", ErrNoShardsAvailable
	}
	// First range whose lower bound is above the key; the one before it is
	// the candidate owner.
	idx := sort.Search(len(table), func(i int) bool {
		return table[i].LowerBound > key
	})
	if idx == 0 {
		return "", fmt.Errorf("%w: key below first range", ErrNoShardsAvailable)
	}
	kr := table[idx-1]
	if !kr.ContainsKey(key) {
		return "", fmt.Errorf("%w: key outside configured ranges", ErrNoShardsAvailable)
	}
	return kr.ShardID, nil
}

// Rebuild validates the configured table against the snapshot and
// publishes it. Ranges must be non-overlapping, gap-free, and refer only
// to routable shards.
func (r *Range) Rebuild(shards []*model.ShardRecord) error {
	if len(r.ranges) == 0 {
		empty := make([]model.KeyRange, 0)
		r.table.Store(&empty)
		return nil
	}

	live := make(map[string]bool)
	for _, s := range routable(shards) {
		live[s.ShardID] = true
	}

	sorted := append([]model.KeyRange(nil), r.ranges...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].LowerBound < sorted[j].LowerBound
	})
	for i, kr := range sorted {
		if !live[kr.ShardID] {
			return fmt.Errorf("%w: range %q..%q refers to unknown shard %s",
				ErrInvalidTopology, kr.LowerBound, kr.UpperBound, kr.ShardID)
		}
		if i == 0 {
			continue
		}
		prev := sorted[i-1]
		if prev.UpperBound == "" || kr.LowerBound < prev.UpperBound {
			return fmt.Errorf("%w: ranges %q..%q and %q..%q overlap",
				ErrInvalidTopology, prev.LowerBound, prev.UpperBound, kr.LowerBound, kr.UpperBound)
		}
		if kr.LowerBound > prev.UpperBound {
			return fmt.Errorf("%w: gap between %q and %q",
				ErrInvalidTopology, prev.UpperBound, kr.LowerBound)
		}
	}

	r.table.Store(&sorted)
	return nil
}

// AffectedKeyspaceFraction compares the owners of the merged boundary
// segments of the two topologies' tables. Since the string key domain has
// no uniform measure, the estimate weights every segment equally.
func (r *Range) AffectedKeyspaceFraction(oldShards, newShards []*model.ShardRecord) float64 {
	table := *r.table.Load()
	if len(table) == 0 {
		return 0
	}

	oldLive := make(map[string]bool)
	for _, s := range routable(oldShards) {
		oldLive[s.ShardID] = true
	}
	newLive := make(map[string]bool)
	for _, s := range routable(newShards) {
		newLive[s.ShardID] = true
	}

	moved := 0
	for _, kr := range table {
		// A segment moves when its owner is leaving the topology or has
		// only just joined it.
		if oldLive[kr.ShardID] != newLive[kr.ShardID] {
			moved++
		}
	}
	return float64(moved) / float64(len(table))
}
