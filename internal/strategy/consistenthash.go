package strategy

import (
	"sort"
	"sync/atomic"

	"github.com/devrev/shardrouter/internal/algorithm"
	"github.com/devrev/shardrouter/internal/model"
)

// ConsistentHash delegates to an immutable hash ring with virtual nodes.
// This is the default strategy and the only one that keeps data movement
// proportional to 1/N when the cluster grows or shrinks.
type ConsistentHash struct {
	ring       atomic.Pointer[algorithm.Ring]
	baseVNodes int
}

// NewConsistentHash creates the strategy with the configured virtual-node
// count per unit of shard weight.
func NewConsistentHash(baseVNodes int) *ConsistentHash {
	c := &ConsistentHash{baseVNodes: baseVNodes}
	empty, _ := algorithm.NewRing(nil, baseVNodes)
	c.ring.Store(empty)
	return c
}

// Resolve locates the key on the current ring snapshot.
func (c *ConsistentHash) Resolve(key string) (string, error) {
	ring := c.ring.Load()
	if ring.ShardCount() == 0 {
		return "", ErrNoShardsAvailable
	}
	return ring.Locate(key), nil
}

// ResolveN returns up to n distinct shards for the key, walking the ring
// clockwise from the owner.
func (c *ConsistentHash) ResolveN(key string, n int) ([]string, error) {
	ring := c.ring.Load()
	if ring.ShardCount() == 0 {
		return nil, ErrNoShardsAvailable
	}
	return ring.LocateN(key, n), nil
}

// Rebuild constructs a ring from the routable shards of the snapshot and
// swaps it in atomically.
func (c *ConsistentHash) Rebuild(shards []*model.ShardRecord) error {
	ring, err := algorithm.NewRing(routable(shards), c.baseVNodes)
	if err != nil {
		return ErrInvalidTopology
	}
	c.ring.Store(ring)
	return nil
}

// Ring returns the current ring snapshot, used by the migration planner
// to diff topologies.
func (c *ConsistentHash) Ring() *algorithm.Ring {
	return c.ring.Load()
}

// AffectedKeyspaceFraction diffs the two topologies' rings arc by arc and
// sums the token-space fraction of every arc whose owner changes. The
// result is exact for the ring itself, not a sample.
func (c *ConsistentHash) AffectedKeyspaceFraction(oldShards, newShards []*model.ShardRecord) float64 {
	oldRing, err := algorithm.NewRing(routable(oldShards), c.baseVNodes)
	if err != nil {
		return 1
	}
	newRing, err := algorithm.NewRing(routable(newShards), c.baseVNodes)
	if err != nil {
		return 1
	}
	return RingDisruption(oldRing, newRing)
}

// RingDisruption returns the fraction of the token space whose owner
// differs between two rings.
func RingDisruption(oldRing, newRing *algorithm.Ring) float64 {
	if oldRing.Size() == 0 || newRing.Size() == 0 {
		return 1
	}

	tokens := mergedTokens(oldRing, newRing)
	if len(tokens) == 0 {
		return 0
	}

	var moved float64
	for i, end := range tokens {
		start := tokens[(i+len(tokens)-1)%len(tokens)]
		if oldRing.Owner(end) != newRing.Owner(end) {
			span := model.TokenSpan{Start: start, End: end}
			moved += span.Fraction()
		}
	}
	return moved
}

// mergedTokens returns the sorted union of both rings' virtual node
// tokens. Between two consecutive merged tokens the owner is constant in
// both rings, so arcs can be compared by their end token alone.
func mergedTokens(a, b *algorithm.Ring) []uint64 {
	set := make(map[uint64]struct{}, a.Size()+b.Size())
	for _, vn := range a.VirtualNodes() {
		set[vn.Token] = struct{}{}
	}
	for _, vn := range b.VirtualNodes() {
		set[vn.Token] = struct{}{}
	}
	tokens := make([]uint64, 0, len(set))
	for t := range set {
		tokens = append(tokens, t)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })
	return tokens
}
