package migration

import (
	"sort"

	"github.com/devrev/shardrouter/internal/algorithm"
	"github.com/devrev/shardrouter/internal/model"
)

// PlannedMove is one span that must travel between two shards to realize
// a topology change.
type PlannedMove struct {
	SourceShardID string
	TargetShardID string
	Span          model.TokenSpan
}

// PlanJoin computes the moves needed when joining a shard: for every
// virtual node the joining shard introduces, the arc between that node and
// its predecessor moves from the arc's previous owner to the new shard.
// All other arcs keep their owner, which is what bounds data movement to
// roughly 1/N of the keyspace.
func PlanJoin(oldRing, newRing *algorithm.Ring, joiningShardID string) []PlannedMove {
	var moves []PlannedMove
	for _, vn := range newRing.VirtualNodes() {
		if vn.ShardID != joiningShardID {
			continue
		}
		source := oldRing.Owner(vn.Token)
		if source == "" || source == joiningShardID {
			continue
		}
		moves = append(moves, PlannedMove{
			SourceShardID: source,
			TargetShardID: joiningShardID,
			Span: model.TokenSpan{
				Start: newRing.PredecessorToken(vn.Token),
				End:   vn.Token,
			},
		})
	}
	return mergeMoves(moves)
}

// PlanLeave computes the moves needed when a shard leaves: every arc it
// owned goes to that arc's new owner in the shrunk ring, which is the
// clockwise ring successor.
func PlanLeave(oldRing, newRing *algorithm.Ring, leavingShardID string) []PlannedMove {
	var moves []PlannedMove
	for _, vn := range oldRing.VirtualNodes() {
		if vn.ShardID != leavingShardID {
			continue
		}
		target := newRing.Owner(vn.Token)
		if target == "" || target == leavingShardID {
			continue
		}
		moves = append(moves, PlannedMove{
			SourceShardID: leavingShardID,
			TargetShardID: target,
			Span: model.TokenSpan{
				Start: oldRing.PredecessorToken(vn.Token),
				End:   vn.Token,
			},
		})
	}
	return mergeMoves(moves)
}

// mergeMoves coalesces adjacent spans that share the same source and
// target, reducing the number of tasks to schedule.
func mergeMoves(moves []PlannedMove) []PlannedMove {
	if len(moves) <= 1 {
		return moves
	}

	sort.Slice(moves, func(i, j int) bool {
		return moves[i].Span.Start < moves[j].Span.Start
	})

	merged := []PlannedMove{moves[0]}
	for _, move := range moves[1:] {
		last := &merged[len(merged)-1]
		samePair := last.SourceShardID == move.SourceShardID && last.TargetShardID == move.TargetShardID
		if samePair && move.Span.Start == last.Span.End {
			last.Span.End = move.Span.End
			continue
		}
		merged = append(merged, move)
	}
	return merged
}
