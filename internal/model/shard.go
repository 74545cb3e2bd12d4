package model

import "time"

// ShardStatus represents the lifecycle status of a shard.
//
// The status machine is linear: Joining -> Active -> Draining -> Retired.
// A shard that fails during Joining moves straight to Retired; statuses
// never cycle back and Retired records are kept forever for audit.
type ShardStatus string

const (
	// ShardStatusJoining indicates a shard that is receiving its initial data
	ShardStatusJoining ShardStatus = "joining"
	// ShardStatusActive indicates a shard serving reads and writes
	ShardStatusActive ShardStatus = "active"
	// ShardStatusDraining indicates a shard transferring its data before removal
	ShardStatusDraining ShardStatus = "draining"
	// ShardStatusRetired indicates a shard fully removed from the topology
	ShardStatusRetired ShardStatus = "retired"
)

// ShardRecord is the authoritative description of one physical shard.
// It is owned by the shard directory; all mutations go through directory
// operations, never through direct field writes.
type ShardRecord struct {
	ShardID   string      `json:"shard_id"`
	Endpoint  string      `json:"endpoint"`
	Status    ShardStatus `json:"status"`
	Weight    int         `json:"weight"`
	Healthy   bool        `json:"healthy"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Routable reports whether the shard may appear in routing decisions.
// Draining shards still serve their spans until migrations cut over.
func (r *ShardRecord) Routable() bool {
	return r.Status == ShardStatusActive || r.Status == ShardStatusDraining
}

// MembershipChange describes a single directory mutation, delivered to
// subscribers so they can rebuild derived state (hash ring, strategies).
type MembershipChange struct {
	Added   []*ShardRecord `json:"added,omitempty"`
	Removed []string       `json:"removed,omitempty"`
	Updated []*ShardRecord `json:"updated,omitempty"`
	At      time.Time      `json:"at"`
}
