package algorithm

import (
	"errors"
	"fmt"
	"sort"

	"github.com/zeebo/xxh3"

	"github.com/devrev/shardrouter/internal/model"
)

var (
	// ErrShardExists is returned when adding a shard already on the ring
	ErrShardExists = errors.New("hashring: shard already exists")
	// ErrShardNotFound is returned when removing a shard absent from the ring
	ErrShardNotFound = errors.New("hashring: shard not found")
)

// VirtualNode is one position on the ring owned by a shard.
type VirtualNode struct {
	Token   uint64
	ShardID string
}

// Ring is an immutable consistent-hash ring with virtual nodes. Every
// mutation produces a new Ring, so a published ring can be read without
// locks; callers swap ring pointers atomically when membership changes.
//
// Each shard contributes weight * baseVNodes virtual nodes, which bounds
// the keyspace fraction that moves on a single membership change to
// roughly 1/N of the total.
type Ring struct {
	vnodes     []VirtualNode // sorted by Token
	shardVNode map[string]int
	baseVNodes int
}

// NewRing builds a ring from the current shard membership. Weights below 1
// are treated as 1. Duplicate shard IDs return ErrShardExists.
func NewRing(shards []*model.ShardRecord, baseVNodes int) (*Ring, error) {
	r := &Ring{
		shardVNode: make(map[string]int, len(shards)),
		baseVNodes: baseVNodes,
	}
	for _, s := range shards {
		if _, ok := r.shardVNode[s.ShardID]; ok {
			return nil, fmt.Errorf("%w: %s", ErrShardExists, s.ShardID)
		}
		r.shardVNode[s.ShardID] = r.vnodeCount(s.Weight)
	}
	for _, s := range shards {
		r.vnodes = append(r.vnodes, makeVNodes(s.ShardID, r.shardVNode[s.ShardID])...)
	}
	sortVNodes(r.vnodes)
	return r, nil
}

func (r *Ring) vnodeCount(weight int) int {
	if weight < 1 {
		weight = 1
	}
	return weight * r.baseVNodes
}

func makeVNodes(shardID string, count int) []VirtualNode {
	vns := make([]VirtualNode, 0, count)
	for i := 0; i < count; i++ {
		token := xxh3.HashString(fmt.Sprintf("%s-vnode-%d", shardID, i))
		vns = append(vns, VirtualNode{Token: token, ShardID: shardID})
	}
	return vns
}

func sortVNodes(vns []VirtualNode) {
	sort.Slice(vns, func(i, j int) bool {
		if vns[i].Token == vns[j].Token {
			return vns[i].ShardID < vns[j].ShardID
		}
		return vns[i].Token < vns[j].Token
	})
}

// AddShard returns a new ring with the shard's virtual nodes inserted.
func (r *Ring) AddShard(shardID string, weight int) (*Ring, error) {
	if _, ok := r.shardVNode[shardID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrShardExists, shardID)
	}
	next := r.clone()
	next.shardVNode[shardID] = next.vnodeCount(weight)
	next.vnodes = append(next.vnodes, makeVNodes(shardID, next.shardVNode[shardID])...)
	sortVNodes(next.vnodes)
	return next, nil
}

// RemoveShard returns a new ring without the shard's virtual nodes.
func (r *Ring) RemoveShard(shardID string) (*Ring, error) {
	if _, ok := r.shardVNode[shardID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrShardNotFound, shardID)
	}
	next := &Ring{
		shardVNode: make(map[string]int, len(r.shardVNode)-1),
		baseVNodes: r.baseVNodes,
		vnodes:     make([]VirtualNode, 0, len(r.vnodes)),
	}
	for id, n := range r.shardVNode {
		if id != shardID {
			next.shardVNode[id] = n
		}
	}
	for _, vn := range r.vnodes {
		if vn.ShardID != shardID {
			next.vnodes = append(next.vnodes, vn)
		}
	}
	return next, nil
}

func (r *Ring) clone() *Ring {
	next := &Ring{
		shardVNode: make(map[string]int, len(r.shardVNode)+1),
		baseVNodes: r.baseVNodes,
		vnodes:     make([]VirtualNode, len(r.vnodes)),
	}
	for id, n := range r.shardVNode {
		next.shardVNode[id] = n
	}
	copy(next.vnodes, r.vnodes)
	return next
}

// HashKey maps a routing key to its ring token.
func HashKey(key string) uint64 {
	return xxh3.HashString(key)
}

// Locate returns the shard owning the given key: the shard of the first
// virtual node at or after hash(key), wrapping to the first node past the
// top of the token space. Empty string means the ring is empty.
func (r *Ring) Locate(key string) string {
	return r.Owner(HashKey(key))
}

// Owner returns the shard owning a raw token.
func (r *Ring) Owner(token uint64) string {
	if len(r.vnodes) == 0 {
		return ""
	}
	idx := r.successorIndex(token)
	return r.vnodes[idx].ShardID
}

func (r *Ring) successorIndex(token uint64) int {
	idx := sort.Search(len(r.vnodes), func(i int) bool {
		return r.vnodes[i].Token >= token
	})
	if idx == len(r.vnodes) {
		idx = 0
	}
	return idx
}

// LocateN walks the ring clockwise from the key's owner collecting up to n
// distinct shards, for replica placement. Fewer than n are returned when
// the ring holds fewer shards.
func (r *Ring) LocateN(key string, n int) []string {
	if len(r.vnodes) == 0 || n <= 0 {
		return nil
	}
	start := r.successorIndex(HashKey(key))
	shards := make([]string, 0, n)
	seen := make(map[string]bool, n)
	for i := 0; i < len(r.vnodes) && len(shards) < n; i++ {
		vn := r.vnodes[(start+i)%len(r.vnodes)]
		if !seen[vn.ShardID] {
			seen[vn.ShardID] = true
			shards = append(shards, vn.ShardID)
		}
	}
	return shards
}

// PredecessorToken returns the token of the virtual node immediately
// counter-clockwise of the given token, wrapping at zero.
func (r *Ring) PredecessorToken(token uint64) uint64 {
	if len(r.vnodes) == 0 {
		return token
	}
	idx := sort.Search(len(r.vnodes), func(i int) bool {
		return r.vnodes[i].Token >= token
	})
	if idx == 0 {
		return r.vnodes[len(r.vnodes)-1].Token
	}
	return r.vnodes[idx-1].Token
}

// SpansOwnedBy returns the token spans owned by a shard: for each of its
// virtual nodes at token T, the arc (predecessor(T), T].
func (r *Ring) SpansOwnedBy(shardID string) []model.TokenSpan {
	var spans []model.TokenSpan
	for _, vn := range r.vnodes {
		if vn.ShardID != shardID {
			continue
		}
		spans = append(spans, model.TokenSpan{
			Start: r.PredecessorToken(vn.Token),
			End:   vn.Token,
		})
	}
	return spans
}

// VirtualNodes returns the sorted virtual nodes of the ring.
func (r *Ring) VirtualNodes() []VirtualNode {
	return r.vnodes
}

// Shards returns the IDs of all shards on the ring.
func (r *Ring) Shards() []string {
	ids := make([]string, 0, len(r.shardVNode))
	for id := range r.shardVNode {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ShardCount returns the number of physical shards on the ring.
func (r *Ring) ShardCount() int {
	return len(r.shardVNode)
}

// Size returns the number of virtual nodes on the ring.
func (r *Ring) Size() int {
	return len(r.vnodes)
}
