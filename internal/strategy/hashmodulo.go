package strategy

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/devrev/shardrouter/internal/algorithm"
	"github.com/devrev/shardrouter/internal/model"
)

// HashModulo routes with shardIndex = hash(key) % shardCount. Changing the
// shard count remaps close to (N-1)/N of all keys, so this strategy is
// only suitable for fixed-size deployments; it is kept as the baseline the
// consistent-hash strategy is measured against.
type HashModulo struct {
	table atomic.Pointer[[]string]
}

// NewHashModulo creates an empty hash-modulo strategy.
func NewHashModulo() *HashModulo {
	m := &HashModulo{}
	empty := make([]string, 0)
	m.table.Store(&empty)
	return m
}

// Resolve returns the shard at hash(key) mod the shard count.
func (m *HashModulo) Resolve(key string) (string, error) {
	table := *m.table.Load()
	if len(table) == 0 {
		return "", ErrNoShardsAvailable
	}
	idx := algorithm.HashKey(key) % uint64(len(table))
	return table[idx], nil
}

// Rebuild replaces the modulo table with the routable shards of the
// snapshot, ordered by shard ID for determinism across restarts.
func (m *HashModulo) Rebuild(shards []*model.ShardRecord) error {
	table, err := moduloTable(shards)
	if err != nil {
		return err
	}
	m.table.Store(&table)
	return nil
}

// AffectedKeyspaceFraction estimates disruption by probing a fixed set of
// synthetic keys against both tables.
func (m *HashModulo) AffectedKeyspaceFraction(oldShards, newShards []*model.ShardRecord) float64 {
	oldTable, err := moduloTable(oldShards)
	if err != nil {
		return 1
	}
	newTable, err := moduloTable(newShards)
	if err != nil {
		return 1
	}
	if len(oldTable) == 0 || len(newTable) == 0 {
		return 1
	}

	const probes = 4096
	moved := 0
	for i := 0; i < probes; i++ {
		h := algorithm.HashKey(fmt.Sprintf("probe-%d", i))
		if oldTable[h%uint64(len(oldTable))] != newTable[h%uint64(len(newTable))] {
			moved++
		}
	}
	return float64(moved) / probes
}

func moduloTable(shards []*model.ShardRecord) ([]string, error) {
	live := routable(shards)
	table := make([]string, 0, len(live))
	seen := make(map[string]bool, len(live))
	for _, s := range live {
		if seen[s.ShardID] {
			return nil, fmt.Errorf("%w: duplicate shard %s", ErrInvalidTopology, s.ShardID)
		}
		seen[s.ShardID] = true
		table = append(table, s.ShardID)
	}
	sort.Strings(table)
	return table, nil
}
