// Package directory is the system of record for shard membership. Every
// topology mutation funnels through one Directory instance, which
// serializes writes, persists them, and notifies subscribers so derived
// state (strategies, rings) can rebuild from a consistent snapshot.
package directory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devrev/shardrouter/internal/model"
	"github.com/devrev/shardrouter/internal/store"
)

var (
	// ErrDuplicateShard is returned when adding a shard whose ID is already present and not retired
	ErrDuplicateShard = errors.New("directory: duplicate shard")
	// ErrShardNotFound is returned for operations on unknown shards
	ErrShardNotFound = errors.New("directory: shard not found")
	// ErrShardBusy is returned when a removal is already in progress for the shard
	ErrShardBusy = errors.New("directory: shard busy")
	// ErrIllegalTransition is returned for status changes outside the shard state machine
	ErrIllegalTransition = errors.New("directory: illegal status transition")
)

// Subscriber receives membership changes. Callbacks run synchronously on
// the mutation path, so they must be fast and must not call back into the
// directory.
type Subscriber func(change model.MembershipChange)

// Directory owns shard membership. All mutations are linearized through
// its mutex and persisted before subscribers observe them.
type Directory struct {
	mu          sync.Mutex
	st          store.DirectoryStore
	subscribers []Subscriber
	logger      *zap.Logger
}

// New creates a directory over the given store.
func New(st store.DirectoryStore, logger *zap.Logger) *Directory {
	return &Directory{st: st, logger: logger}
}

// Subscribe registers a membership-change subscriber.
func (d *Directory) Subscribe(sub Subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribers = append(d.subscribers, sub)
}

// AddShard registers a new shard in Joining status and returns its record.
// Endpoint reachability is not checked here; the health checker probes the
// shard asynchronously. Retried AddShard calls for an endpoint already in
// the directory return the existing record with created=false, so callers
// can tell a fresh registration from a replay and must not plan the join
// twice.
func (d *Directory) AddShard(ctx context.Context, endpoint string, weight int) (*model.ShardRecord, bool, error) {
	if endpoint == "" {
		return nil, false, fmt.Errorf("directory: empty endpoint")
	}
	if weight < 1 {
		weight = 1
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	existing, err := d.st.GetShardByEndpoint(ctx, endpoint)
	if err == nil {
		// Operator retry: same endpoint, same answer.
		return existing, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, fmt.Errorf("failed to look up endpoint: %w", err)
	}

	now := time.Now().UTC()
	rec := &model.ShardRecord{
		ShardID:   uuid.New().String(),
		Endpoint:  endpoint,
		Status:    model.ShardStatusJoining,
		Weight:    weight,
		Healthy:   false,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := d.st.PutShard(ctx, rec); err != nil {
		return nil, false, fmt.Errorf("failed to persist shard: %w", err)
	}

	d.logger.Info("shard added",
		zap.String("shard_id", rec.ShardID),
		zap.String("endpoint", rec.Endpoint),
		zap.Int("weight", rec.Weight))

	d.notify(model.MembershipChange{Added: []*model.ShardRecord{rec}, At: now})
	return rec, true, nil
}

// Restore re-registers a shard record verbatim, for seeding test fixtures
// and replaying persisted snapshots. Fails with ErrDuplicateShard when the
// ID is present and not retired.
func (d *Directory) Restore(ctx context.Context, rec *model.ShardRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	existing, err := d.st.GetShard(ctx, rec.ShardID)
	if err == nil && existing.Status != model.ShardStatusRetired {
		return fmt.Errorf("%w: %s", ErrDuplicateShard, rec.ShardID)
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if err := d.st.PutShard(ctx, rec); err != nil {
		return fmt.Errorf("failed to persist shard: %w", err)
	}
	d.notify(model.MembershipChange{Added: []*model.ShardRecord{rec}, At: time.Now().UTC()})
	return nil
}

// RemoveShard starts decommissioning: the shard must be Active and moves
// to Draining. The record leaves routing only after the migration
// coordinator confirms all owned spans have moved, via SetStatus(Retired).
func (d *Directory) RemoveShard(ctx context.Context, shardID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, err := d.st.GetShard(ctx, shardID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrShardNotFound, shardID)
	}
	if err != nil {
		return err
	}

	switch rec.Status {
	case model.ShardStatusActive:
	case model.ShardStatusDraining:
		return fmt.Errorf("%w: removal already in progress for %s", ErrShardBusy, shardID)
	default:
		return fmt.Errorf("%w: cannot remove shard in status %s", ErrIllegalTransition, rec.Status)
	}

	return d.transition(ctx, rec, model.ShardStatusDraining)
}

// SetStatus applies a guarded status transition. Legal transitions are
// Joining->Active, Active->Draining, Draining->Retired, and
// Joining->Retired for shards that fail while joining.
func (d *Directory) SetStatus(ctx context.Context, shardID string, status model.ShardStatus) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, err := d.st.GetShard(ctx, shardID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrShardNotFound, shardID)
	}
	if err != nil {
		return err
	}

	if !legalTransition(rec.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, rec.Status, status)
	}
	return d.transition(ctx, rec, status)
}

// SetHealth records the result of an asynchronous health probe.
func (d *Directory) SetHealth(ctx context.Context, shardID string, healthy bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.st.UpdateShardHealth(ctx, shardID, healthy); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrShardNotFound, shardID)
		}
		return err
	}
	return nil
}

// Snapshot returns a point-in-time copy of all shard records.
func (d *Directory) Snapshot(ctx context.Context) ([]*model.ShardRecord, error) {
	return d.st.ListShards(ctx)
}

// Get returns a single shard record.
func (d *Directory) Get(ctx context.Context, shardID string) (*model.ShardRecord, error) {
	rec, err := d.st.GetShard(ctx, shardID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrShardNotFound, shardID)
	}
	return rec, err
}

func (d *Directory) transition(ctx context.Context, rec *model.ShardRecord, status model.ShardStatus) error {
	if err := d.st.UpdateShardStatus(ctx, rec.ShardID, status); err != nil {
		return fmt.Errorf("failed to persist status: %w", err)
	}

	d.logger.Info("shard status changed",
		zap.String("shard_id", rec.ShardID),
		zap.String("from", string(rec.Status)),
		zap.String("to", string(status)))

	updated := *rec
	updated.Status = status
	updated.UpdatedAt = time.Now().UTC()
	d.notify(model.MembershipChange{Updated: []*model.ShardRecord{&updated}, At: updated.UpdatedAt})
	return nil
}

func (d *Directory) notify(change model.MembershipChange) {
	for _, sub := range d.subscribers {
		sub(change)
	}
}

func legalTransition(from, to model.ShardStatus) bool {
	switch from {
	case model.ShardStatusJoining:
		return to == model.ShardStatusActive || to == model.ShardStatusRetired
	case model.ShardStatusActive:
		return to == model.ShardStatusDraining
	case model.ShardStatusDraining:
		return to == model.ShardStatusRetired
	default:
		return false
	}
}
