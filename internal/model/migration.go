package model

import "time"

// MigrationPhase represents the phase of a migration task.
type MigrationPhase string

const (
	// MigrationPhasePlanned indicates the span diff has been computed but no data moved
	MigrationPhasePlanned MigrationPhase = "planned"
	// MigrationPhaseCopying indicates the bulk copy from source to target is running
	MigrationPhaseCopying MigrationPhase = "copying"
	// MigrationPhaseDualWrite indicates writes go to both shards, source stays read-authoritative
	MigrationPhaseDualWrite MigrationPhase = "dual_write"
	// MigrationPhaseVerifying indicates source and target are being reconciled
	MigrationPhaseVerifying MigrationPhase = "verifying"
	// MigrationPhaseCutover indicates read authority has flipped to the target
	MigrationPhaseCutover MigrationPhase = "cutover"
	// MigrationPhaseDone indicates the migration completed and source data may be reclaimed
	MigrationPhaseDone MigrationPhase = "done"
	// MigrationPhaseAborted indicates the migration was cancelled; source keeps authority
	MigrationPhaseAborted MigrationPhase = "aborted"
)

// Terminal reports whether no further phase transitions are possible.
func (p MigrationPhase) Terminal() bool {
	return p == MigrationPhaseDone || p == MigrationPhaseAborted
}

// Active reports whether the task still influences routing decisions.
func (p MigrationPhase) Active() bool {
	switch p {
	case MigrationPhaseDualWrite, MigrationPhaseVerifying, MigrationPhaseCutover:
		return true
	default:
		return false
	}
}

// MigrationProgress tracks how much of a span has been moved.
type MigrationProgress struct {
	KeysCopied  int64 `json:"keys_copied"`
	BytesCopied int64 `json:"bytes_copied"`
}

// MigrationTask is one unit of data movement: the keys of Span travel from
// SourceShardID to TargetShardID. Tasks are owned by the migration
// coordinator, persisted for crash recovery, and archived after Done plus a
// retention window. At most one non-terminal task may cover a given token
// span at any time.
type MigrationTask struct {
	TaskID        string            `json:"task_id"`
	SourceShardID string            `json:"source_shard_id"`
	TargetShardID string            `json:"target_shard_id"`
	Span          TokenSpan         `json:"span"`
	Phase         MigrationPhase    `json:"phase"`
	Stalled       bool              `json:"stalled"`
	StallReason   string            `json:"stall_reason,omitempty"`
	Progress      MigrationProgress `json:"progress"`
	Deadline      time.Time         `json:"deadline"`
	StartedAt     time.Time         `json:"started_at"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
}

// RoutesToTarget reports whether intent-aware routing should prefer the
// target shard. Reads stay on the source until cutover; writes reach the
// target from the dual-write phase onward.
func (t *MigrationTask) RoutesToTarget(write bool) bool {
	switch t.Phase {
	case MigrationPhaseCutover, MigrationPhaseDone:
		return true
	case MigrationPhaseDualWrite, MigrationPhaseVerifying:
		return write
	default:
		return false
	}
}
