// Package strategy implements the pluggable key-to-shard routing
// algorithms: hash-modulo, range-based, and consistent-hash. A deployment
// picks exactly one strategy at construction time; the router only talks
// to the Resolver interface.
package strategy

import (
	"errors"

	"github.com/devrev/shardrouter/internal/model"
)

var (
	// ErrNoShardsAvailable is returned by Resolve when the shard set is empty
	ErrNoShardsAvailable = errors.New("strategy: no shards available")
	// ErrInvalidTopology is returned by Rebuild for overlapping ranges or duplicate shard IDs
	ErrInvalidTopology = errors.New("strategy: invalid topology")
)

// Resolver maps routing keys to shard IDs for one routing algorithm.
//
// Rebuild is called whenever directory membership changes and must be safe
// to run concurrently with Resolve: implementations publish a new
// immutable view and swap it atomically, so concurrent resolves observe
// either the old or the new topology, never a partial one.
type Resolver interface {
	// Resolve returns the shard ID owning key.
	Resolve(key string) (string, error)

	// Rebuild replaces the strategy's view of the topology with the given
	// directory snapshot. Only routable shards (active or draining)
	// participate in routing.
	Rebuild(shards []*model.ShardRecord) error

	// AffectedKeyspaceFraction estimates the share of the keyspace whose
	// owner differs between two topologies, for migration sizing. It is an
	// estimate, not an exact key enumeration.
	AffectedKeyspaceFraction(oldShards, newShards []*model.ShardRecord) float64
}

// Name constants for strategy selection in configuration.
const (
	NameHashModulo     = "hash-modulo"
	NameRange          = "range"
	NameConsistentHash = "consistent-hash"
)

func routable(shards []*model.ShardRecord) []*model.ShardRecord {
	out := make([]*model.ShardRecord, 0, len(shards))
	for _, s := range shards {
		if s.Routable() {
			out = append(out, s)
		}
	}
	return out
}
