// Package router composes the strategy, directory, and migration
// coordinator into the single surface application code and operators use.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/shardrouter/internal/algorithm"
	"github.com/devrev/shardrouter/internal/directory"
	"github.com/devrev/shardrouter/internal/metrics"
	"github.com/devrev/shardrouter/internal/migration"
	"github.com/devrev/shardrouter/internal/model"
	"github.com/devrev/shardrouter/internal/store"
	"github.com/devrev/shardrouter/internal/strategy"
)

// ErrShardUnavailable is returned when the resolved shard cannot serve
// traffic. The router never silently retries on a different shard: a
// wrong answer is worse than an explicit failure.
var ErrShardUnavailable = errors.New("router: shard unavailable")

// Intent distinguishes read from write resolution during migrations.
type Intent string

const (
	// IntentRead resolves for a read operation
	IntentRead Intent = "read"
	// IntentWrite resolves for a write operation
	IntentWrite Intent = "write"
)

// Resolution is the answer to "which shard for this key". During a
// dual-write window a write resolution carries a secondary endpoint the
// caller must also write to.
type Resolution struct {
	ShardID  string `json:"shard_id"`
	Endpoint string `json:"endpoint"`

	DualWrite         bool   `json:"dual_write,omitempty"`
	SecondaryShardID  string `json:"secondary_shard_id,omitempty"`
	SecondaryEndpoint string `json:"secondary_endpoint,omitempty"`
	MigrationTaskID   string `json:"migration_task_id,omitempty"`
}

// Config holds the router's own knobs; migration tuning lives in
// migration.Config.
type Config struct {
	// StrategyName selects the routing algorithm (strategy.Name* values).
	StrategyName string
	// BaseVNodes is the virtual-node count per unit of shard weight.
	BaseVNodes int
	// RequireHealthy makes Resolve fail for shards whose health probe is
	// failing. Off by default so deployments without a health checker
	// keep working.
	RequireHealthy bool
	// ActivationPoll is how often join/leave watchers re-check task state.
	ActivationPoll time.Duration
	// IdempotencyTTL bounds how long AddShard responses are replayed.
	IdempotencyTTL time.Duration
}

// Router is the public facade. Resolve is safe for heavy concurrent use:
// it reads atomically-published snapshots and never blocks on migration
// I/O or directory writes.
type Router struct {
	cfg    Config
	dir    *directory.Directory
	strat  strategy.Resolver
	coord  *migration.Coordinator
	idem   store.IdempotencyStore
	mtr    *metrics.Metrics
	logger *zap.Logger

	// records is the endpoint lookup table for the hot path, replaced
	// wholesale on every membership change.
	records atomic.Pointer[map[string]*model.ShardRecord]

	root   context.Context
	cancel context.CancelFunc
}

// New wires a router. Call Start before serving resolves.
func New(
	cfg Config,
	dir *directory.Directory,
	strat strategy.Resolver,
	coord *migration.Coordinator,
	idem store.IdempotencyStore,
	mtr *metrics.Metrics,
	logger *zap.Logger,
) *Router {
	if cfg.ActivationPoll <= 0 {
		cfg.ActivationPoll = 250 * time.Millisecond
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 24 * time.Hour
	}
	root, cancel := context.WithCancel(context.Background())
	r := &Router{
		cfg:    cfg,
		dir:    dir,
		strat:  strat,
		coord:  coord,
		idem:   idem,
		mtr:    mtr,
		logger: logger,
		root:   root,
		cancel: cancel,
	}
	empty := make(map[string]*model.ShardRecord)
	r.records.Store(&empty)
	return r
}

// Start rebuilds in-memory state from the persisted directory and resumes
// unfinished migrations. It must complete before the first Resolve so a
// restarted router routes exactly like the one that went down.
func (r *Router) Start(ctx context.Context) error {
	r.dir.Subscribe(func(change model.MembershipChange) {
		if err := r.rebuild(context.Background()); err != nil {
			r.logger.Error("rebuild after membership change failed", zap.Error(err))
		}
	})

	if err := r.rebuild(ctx); err != nil {
		return fmt.Errorf("initial rebuild failed: %w", err)
	}
	if err := r.coord.Recover(ctx); err != nil {
		return fmt.Errorf("migration recovery failed: %w", err)
	}
	if err := r.resumeWatchers(ctx); err != nil {
		return fmt.Errorf("watcher recovery failed: %w", err)
	}
	return nil
}

// resumeWatchers re-attaches join and leave watchers for shards that went
// down mid-transition. Recover resumes the tasks themselves; without this
// a Joining or Draining shard would stay parked forever after a restart
// even once every one of its tasks finished.
func (r *Router) resumeWatchers(ctx context.Context) error {
	snapshot, err := r.dir.Snapshot(ctx)
	if err != nil {
		return err
	}

	for _, rec := range snapshot {
		if rec.Status != model.ShardStatusJoining && rec.Status != model.ShardStatusDraining {
			continue
		}

		var taskIDs []string
		for _, task := range r.coord.TasksForShard(rec.ShardID) {
			taskIDs = append(taskIDs, task.TaskID)
		}

		if len(taskIDs) == 0 {
			// The process died between registering the transition and
			// scheduling its moves: plan again from the current topology.
			if rec.Status == model.ShardStatusJoining {
				taskIDs, err = r.planJoin(ctx, rec)
			} else {
				taskIDs, err = r.planLeave(ctx, rec)
			}
			if err != nil {
				r.logger.Error("failed to replan shard transition on recovery",
					zap.String("shard_id", rec.ShardID),
					zap.String("status", string(rec.Status)),
					zap.Error(err))
				continue
			}
		}

		if len(taskIDs) == 0 {
			// Nothing left to move.
			status := model.ShardStatusActive
			if rec.Status == model.ShardStatusDraining {
				status = model.ShardStatusRetired
			}
			if err := r.dir.SetStatus(ctx, rec.ShardID, status); err != nil {
				return err
			}
			continue
		}

		r.logger.Info("resuming shard transition watch",
			zap.String("shard_id", rec.ShardID),
			zap.String("status", string(rec.Status)),
			zap.Int("tasks", len(taskIDs)))
		if rec.Status == model.ShardStatusJoining {
			go r.watchJoin(rec.ShardID, taskIDs)
		} else {
			go r.watchLeave(rec.ShardID, taskIDs)
		}
	}
	return nil
}

// Stop cancels background watchers. Migration workers are shut down by
// the coordinator's own Shutdown.
func (r *Router) Stop() {
	r.cancel()
}

// Resolve maps a key to the endpoint that should serve it for the given
// intent, honoring any in-flight migration covering the key's token.
func (r *Router) Resolve(key string, intent Intent) (Resolution, error) {
	start := time.Now()
	res, err := r.resolve(key, intent)
	r.mtr.ResolveDuration.WithLabelValues(string(intent)).Observe(time.Since(start).Seconds())
	if err != nil {
		r.mtr.ResolveErrors.WithLabelValues(string(intent), errorType(err)).Inc()
		return res, err
	}
	r.mtr.ResolvesTotal.WithLabelValues(string(intent), r.cfg.StrategyName).Inc()
	return res, nil
}

func (r *Router) resolve(key string, intent Intent) (Resolution, error) {
	shardID, err := r.strat.Resolve(key)
	if err != nil {
		return Resolution{}, err
	}

	records := *r.records.Load()
	rec, ok := records[shardID]
	if !ok || rec.Status == model.ShardStatusRetired {
		return Resolution{}, fmt.Errorf("%w: %s", ErrShardUnavailable, shardID)
	}
	if r.cfg.RequireHealthy && !rec.Healthy {
		return Resolution{}, fmt.Errorf("%w: %s failing health checks", ErrShardUnavailable, shardID)
	}

	token := algorithm.HashKey(key)
	task := r.coord.ActiveTaskFor(token, shardID)
	if task == nil {
		return Resolution{ShardID: shardID, Endpoint: rec.Endpoint}, nil
	}

	write := intent == IntentWrite
	if !task.RoutesToTarget(write) {
		// Source keeps authority before cutover; for reads that is the
		// strategy's answer already.
		source, ok := records[task.SourceShardID]
		if !ok {
			return Resolution{}, fmt.Errorf("%w: %s", ErrShardUnavailable, task.SourceShardID)
		}
		return Resolution{ShardID: source.ShardID, Endpoint: source.Endpoint, MigrationTaskID: task.TaskID}, nil
	}

	target, ok := records[task.TargetShardID]
	if !ok {
		return Resolution{}, fmt.Errorf("%w: %s", ErrShardUnavailable, task.TargetShardID)
	}
	res := Resolution{
		ShardID:         target.ShardID,
		Endpoint:        target.Endpoint,
		MigrationTaskID: task.TaskID,
	}
	if write && (task.Phase == model.MigrationPhaseDualWrite || task.Phase == model.MigrationPhaseVerifying) {
		// Dual-write window: the caller writes to both shards so no write
		// is lost between bulk copy and cutover.
		if source, ok := records[task.SourceShardID]; ok {
			res.DualWrite = true
			res.SecondaryShardID = source.ShardID
			res.SecondaryEndpoint = source.Endpoint
		}
	}
	return res, nil
}

// AddShard registers a shard and schedules the data movement that makes
// it an owner. It returns as soon as the work is scheduled; the shard
// becomes Active once every spawned task reaches Done. Retries with the
// same endpoint return the same shard ID.
func (r *Router) AddShard(ctx context.Context, endpoint string, weight int) (string, error) {
	idemKey := "addshard:" + endpoint
	if cached, err := r.idem.Get(ctx, idemKey); err == nil {
		return cached, nil
	}

	rec, created, err := r.dir.AddShard(ctx, endpoint, weight)
	if err != nil {
		return "", err
	}
	if !created {
		// Directory-level idempotency: the endpoint is already registered.
		// If its join is still running the original watcher owns
		// activation; re-planning here would collide with the live tasks.
		return rec.ShardID, nil
	}

	taskIDs, err := r.planJoin(ctx, rec)
	if err != nil {
		// The join failed before it could complete; cancel whatever was
		// scheduled and park the shard in Retired so its ID is never
		// reused.
		for _, id := range taskIDs {
			if abortErr := r.coord.Abort(ctx, id); abortErr != nil {
				r.logger.Error("failed to abort task after plan failure",
					zap.String("task_id", id), zap.Error(abortErr))
			}
		}
		if stErr := r.dir.SetStatus(ctx, rec.ShardID, model.ShardStatusRetired); stErr != nil {
			r.logger.Error("failed to retire shard after plan failure", zap.Error(stErr))
		}
		return "", err
	}

	if err := r.idem.Set(ctx, idemKey, rec.ShardID, r.cfg.IdempotencyTTL); err != nil {
		r.logger.Warn("failed to cache addshard response", zap.Error(err))
	}

	if len(taskIDs) == 0 {
		// First shard, or a strategy without automated data movement.
		if err := r.dir.SetStatus(ctx, rec.ShardID, model.ShardStatusActive); err != nil {
			return "", err
		}
		return rec.ShardID, nil
	}

	go r.watchJoin(rec.ShardID, taskIDs)
	return rec.ShardID, nil
}

// RemoveShard drains a shard: its spans migrate to their ring successors
// and the record is retired once every task reaches Done. Returns
// directory.ErrShardBusy when a removal is already running.
func (r *Router) RemoveShard(ctx context.Context, shardID string) error {
	rec, err := r.dir.Get(ctx, shardID)
	if err != nil {
		return err
	}

	if err := r.dir.RemoveShard(ctx, shardID); err != nil {
		return err
	}

	taskIDs, err := r.planLeave(ctx, rec)
	if err != nil {
		return err
	}
	if len(taskIDs) == 0 {
		// Nothing to move (last shard, or no automated movement for this
		// strategy): retire directly.
		return r.dir.SetStatus(ctx, shardID, model.ShardStatusRetired)
	}

	go r.watchLeave(shardID, taskIDs)
	return nil
}

// planJoin computes and schedules the moves that give the joining shard
// its spans. Only the consistent-hash strategy automates data movement;
// the modulo and range strategies reshard by operator-managed procedures.
func (r *Router) planJoin(ctx context.Context, rec *model.ShardRecord) ([]string, error) {
	ch, ok := r.strat.(*strategy.ConsistentHash)
	if !ok {
		return nil, nil
	}

	oldRing := ch.Ring()
	if oldRing.ShardCount() == 0 {
		return nil, nil
	}
	newRing, err := oldRing.AddShard(rec.ShardID, rec.Weight)
	if err != nil {
		return nil, fmt.Errorf("failed to extend ring: %w", err)
	}

	disruption := strategy.RingDisruption(oldRing, newRing)
	r.logger.Info("planned shard join",
		zap.String("shard_id", rec.ShardID),
		zap.Float64("keyspace_moving", disruption))

	return r.createTasks(ctx, migration.PlanJoin(oldRing, newRing, rec.ShardID))
}

func (r *Router) planLeave(ctx context.Context, rec *model.ShardRecord) ([]string, error) {
	ch, ok := r.strat.(*strategy.ConsistentHash)
	if !ok {
		return nil, nil
	}

	oldRing := ch.Ring()
	newRing, err := oldRing.RemoveShard(rec.ShardID)
	if err != nil {
		if errors.Is(err, algorithm.ErrShardNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to shrink ring: %w", err)
	}

	return r.createTasks(ctx, migration.PlanLeave(oldRing, newRing, rec.ShardID))
}

func (r *Router) createTasks(ctx context.Context, moves []migration.PlannedMove) ([]string, error) {
	taskIDs := make([]string, 0, len(moves))
	for _, move := range moves {
		task, err := r.coord.CreateTask(ctx, move.SourceShardID, move.TargetShardID, move.Span)
		if err != nil {
			return taskIDs, err
		}
		taskIDs = append(taskIDs, task.TaskID)
	}
	return taskIDs, nil
}

// watchJoin activates the shard once all its join tasks are Done. An
// aborted task fails the join and retires the shard; stalled tasks hold
// the watcher until an operator resolves them.
func (r *Router) watchJoin(shardID string, taskIDs []string) {
	r.await(taskIDs, func(allDone bool) {
		ctx, cancel := context.WithTimeout(r.root, 30*time.Second)
		defer cancel()

		status := model.ShardStatusActive
		if !allDone {
			status = model.ShardStatusRetired
		}
		if err := r.dir.SetStatus(ctx, shardID, status); err != nil {
			r.logger.Error("failed to finalize join",
				zap.String("shard_id", shardID), zap.Error(err))
			return
		}
		r.logger.Info("shard join finished",
			zap.String("shard_id", shardID), zap.String("status", string(status)))
	})
}

func (r *Router) watchLeave(shardID string, taskIDs []string) {
	r.await(taskIDs, func(allDone bool) {
		if !allDone {
			// An aborted drain leaves the shard Draining for the operator:
			// retiring it would strand the spans that never moved.
			r.logger.Error("shard drain aborted, shard left draining",
				zap.String("shard_id", shardID))
			return
		}

		ctx, cancel := context.WithTimeout(r.root, 30*time.Second)
		defer cancel()

		if err := r.dir.SetStatus(ctx, shardID, model.ShardStatusRetired); err != nil {
			r.logger.Error("failed to retire shard",
				zap.String("shard_id", shardID), zap.Error(err))
			return
		}
		r.logger.Info("shard drained and retired", zap.String("shard_id", shardID))
	})
}

// await polls until every task is terminal, then reports whether all of
// them finished Done. Stalled tasks keep the watcher alive: they stay
// non-terminal until an operator aborts or retries them.
func (r *Router) await(taskIDs []string, finish func(allDone bool)) {
	ticker := time.NewTicker(r.cfg.ActivationPoll)
	defer ticker.Stop()

	for {
		select {
		case <-r.root.Done():
			return
		case <-ticker.C:
		}

		allDone := true
		pending := false
		for _, id := range taskIDs {
			task, err := r.coord.Get(r.root, id)
			if err != nil {
				r.logger.Error("task lookup failed during watch", zap.String("task_id", id), zap.Error(err))
				pending = true
				break
			}
			if !task.Phase.Terminal() {
				pending = true
				break
			}
			if task.Phase != model.MigrationPhaseDone {
				allDone = false
			}
		}
		if pending {
			continue
		}
		finish(allDone)
		return
	}
}

// ListShards returns the directory snapshot for the admin API.
func (r *Router) ListShards(ctx context.Context) ([]*model.ShardRecord, error) {
	return r.dir.Snapshot(ctx)
}

// GetMigration returns one task for the admin API.
func (r *Router) GetMigration(ctx context.Context, taskID string) (*model.MigrationTask, error) {
	return r.coord.Get(ctx, taskID)
}

// ListMigrations returns all live tasks for the admin API.
func (r *Router) ListMigrations() []*model.MigrationTask {
	return r.coord.List()
}

// AbortMigration cancels a live task.
func (r *Router) AbortMigration(ctx context.Context, taskID string) error {
	return r.coord.Abort(ctx, taskID)
}

// RetryMigration resumes a stalled task.
func (r *Router) RetryMigration(ctx context.Context, taskID string) error {
	return r.coord.Retry(ctx, taskID)
}

// rebuild refreshes the strategy and the endpoint table from a directory
// snapshot. Concurrent resolves see either the previous or the new
// topology, never a partial one.
func (r *Router) rebuild(ctx context.Context) error {
	snapshot, err := r.dir.Snapshot(ctx)
	if err != nil {
		return err
	}

	if err := r.strat.Rebuild(snapshot); err != nil {
		return err
	}

	records := make(map[string]*model.ShardRecord, len(snapshot))
	byStatus := make(map[model.ShardStatus]int)
	for _, rec := range snapshot {
		records[rec.ShardID] = rec
		byStatus[rec.Status]++
	}
	r.records.Store(&records)

	for _, status := range []model.ShardStatus{
		model.ShardStatusJoining, model.ShardStatusActive,
		model.ShardStatusDraining, model.ShardStatusRetired,
	} {
		r.mtr.ShardsByStatus.WithLabelValues(string(status)).Set(float64(byStatus[status]))
	}
	return nil
}

func errorType(err error) string {
	switch {
	case errors.Is(err, strategy.ErrNoShardsAvailable):
		return "no_shards"
	case errors.Is(err, ErrShardUnavailable):
		return "shard_unavailable"
	default:
		return "internal"
	}
}
