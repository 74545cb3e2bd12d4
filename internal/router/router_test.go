package router

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/shardrouter/internal/algorithm"
	"github.com/devrev/shardrouter/internal/directory"
	"github.com/devrev/shardrouter/internal/metrics"
	"github.com/devrev/shardrouter/internal/migration"
	"github.com/devrev/shardrouter/internal/model"
	"github.com/devrev/shardrouter/internal/store"
	"github.com/devrev/shardrouter/internal/strategy"
)

// stubMover completes every span operation instantly with matching
// checksums, so migrations run through all phases without shard backends.
type stubMover struct {
	// block, when set, holds CopySpan until the channel closes.
	block chan struct{}
}

func (m *stubMover) CopySpan(ctx context.Context, sourceEndpoint, targetEndpoint string, span model.TokenSpan) (model.MigrationProgress, error) {
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return model.MigrationProgress{}, ctx.Err()
		}
	}
	return model.MigrationProgress{KeysCopied: 1}, nil
}

func (m *stubMover) CopyDeltas(ctx context.Context, sourceEndpoint, targetEndpoint string, span model.TokenSpan) (model.MigrationProgress, error) {
	return model.MigrationProgress{}, nil
}

func (m *stubMover) Checksum(ctx context.Context, endpoint string, span model.TokenSpan) (migration.SpanChecksum, error) {
	return migration.SpanChecksum{}, nil
}

func (m *stubMover) DeleteSpan(ctx context.Context, endpoint string, span model.TokenSpan) error {
	return nil
}

type routerFixture struct {
	rt    *Router
	dir   *directory.Directory
	coord *migration.Coordinator
	st    *store.MemoryDirectoryStore
	mover *stubMover
}

func newRouterFixture(t *testing.T) *routerFixture {
	return newRouterFixtureOver(t, store.NewMemoryDirectoryStore(), 10*time.Millisecond)
}

// newRouterFixtureOver starts a router over a possibly pre-seeded store,
// the same way a restarted process recovers persisted state. A long
// retention keeps finished tasks around for routing assertions.
func newRouterFixtureOver(t *testing.T, st *store.MemoryDirectoryStore, retention time.Duration) *routerFixture {
	t.Helper()

	logger := zap.NewNop()
	dir := directory.New(st, logger)
	mover := &stubMover{}
	mtr := metrics.New(prometheus.NewRegistry())
	coord := migration.NewCoordinator(st, dir, mover, migration.Config{
		Concurrency:    4,
		CopyRetryMax:   1,
		BackoffBase:    time.Millisecond,
		BackoffCap:     5 * time.Millisecond,
		VerifyRetryMax: 1,
		Retention:      retention,
		TaskDeadline:   5 * time.Second,
	}, mtr, logger)
	t.Cleanup(coord.Shutdown)

	rt := New(Config{
		StrategyName:   strategy.NameConsistentHash,
		BaseVNodes:     64,
		ActivationPoll: 10 * time.Millisecond,
	}, dir, strategy.NewConsistentHash(64), coord, store.NewMemoryIdempotencyStore(), mtr, logger)
	t.Cleanup(rt.Stop)

	require.NoError(t, rt.Start(context.Background()))
	return &routerFixture{rt: rt, dir: dir, coord: coord, st: st, mover: mover}
}

func (f *routerFixture) waitStatus(t *testing.T, shardID string, status model.ShardStatus) {
	t.Helper()
	assert.Eventually(t, func() bool {
		rec, err := f.dir.Get(context.Background(), shardID)
		return err == nil && rec.Status == status
	}, 5*time.Second, 5*time.Millisecond, "shard %s never reached %s", shardID, status)
}

func TestRouter_ResolveNoShards(t *testing.T) {
	f := newRouterFixture(t)
	_, err := f.rt.Resolve("any-key", IntentRead)
	assert.ErrorIs(t, err, strategy.ErrNoShardsAvailable)
}

func TestRouter_AddFirstShard(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	shardID, err := f.rt.AddShard(ctx, "node-1:9000", 1)
	require.NoError(t, err)

	// The first shard has nothing to copy from and activates immediately.
	rec, err := f.dir.Get(ctx, shardID)
	require.NoError(t, err)
	assert.Equal(t, model.ShardStatusActive, rec.Status)

	res, err := f.rt.Resolve("some-key", IntentRead)
	require.NoError(t, err)
	assert.Equal(t, shardID, res.ShardID)
	assert.Equal(t, "node-1:9000", res.Endpoint)
	assert.False(t, res.DualWrite)
}

func TestRouter_AddShard_Idempotent(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	first, err := f.rt.AddShard(ctx, "node-1:9000", 1)
	require.NoError(t, err)

	second, err := f.rt.AddShard(ctx, "node-1:9000", 1)
	require.NoError(t, err)
	assert.Equal(t, first, second, "retried registration returns the same shard ID")

	shards, err := f.rt.ListShards(ctx)
	require.NoError(t, err)
	assert.Len(t, shards, 1)
}

func TestRouter_SecondShardJoinsViaMigration(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	first, err := f.rt.AddShard(ctx, "node-1:9000", 1)
	require.NoError(t, err)

	second, err := f.rt.AddShard(ctx, "node-2:9000", 1)
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	// The join runs migrations and activates once they are all done.
	f.waitStatus(t, second, model.ShardStatusActive)

	owners := make(map[string]bool)
	for i := 0; i < 500; i++ {
		res, err := f.rt.Resolve(fmt.Sprintf("key-%d", i), IntentRead)
		require.NoError(t, err)
		owners[res.ShardID] = true
	}
	assert.True(t, owners[first])
	assert.True(t, owners[second], "the joined shard must own part of the keyspace")
}

func TestRouter_RebuildIsDeterministicAcrossRestarts(t *testing.T) {
	a := newRouterFixture(t)
	b := newRouterFixture(t)
	ctx := context.Background()

	for _, f := range []*routerFixture{a, b} {
		require.NoError(t, f.dir.Restore(ctx, &model.ShardRecord{
			ShardID: "shard-a", Endpoint: "a:9000", Status: model.ShardStatusActive, Weight: 1,
		}))
		require.NoError(t, f.dir.Restore(ctx, &model.ShardRecord{
			ShardID: "shard-b", Endpoint: "b:9000", Status: model.ShardStatusActive, Weight: 2,
		}))
	}

	for i := 0; i < 500; i++ {
		key := fmt.Sprintf("key-%d", i)
		resA, err := a.rt.Resolve(key, IntentRead)
		require.NoError(t, err)
		resB, err := b.rt.Resolve(key, IntentRead)
		require.NoError(t, err)
		assert.Equal(t, resA.ShardID, resB.ShardID, "two routers over the same directory must agree")
	}
}

func TestRouter_RemoveShard(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	first, err := f.rt.AddShard(ctx, "node-1:9000", 1)
	require.NoError(t, err)
	second, err := f.rt.AddShard(ctx, "node-2:9000", 1)
	require.NoError(t, err)
	f.waitStatus(t, second, model.ShardStatusActive)

	require.NoError(t, f.rt.RemoveShard(ctx, second))
	f.waitStatus(t, second, model.ShardStatusRetired)

	// All keys are back on the surviving shard.
	for i := 0; i < 200; i++ {
		res, err := f.rt.Resolve(fmt.Sprintf("key-%d", i), IntentRead)
		require.NoError(t, err)
		assert.Equal(t, first, res.ShardID)
	}
}

func TestRouter_RemoveShard_BusyWhileDraining(t *testing.T) {
	f := newRouterFixture(t)
	f.mover.block = make(chan struct{})
	ctx := context.Background()

	_, err := f.rt.AddShard(ctx, "node-1:9000", 1)
	require.NoError(t, err)
	second, err := f.rt.AddShard(ctx, "node-2:9000", 1)
	require.NoError(t, err)

	// Unblock the join, then re-block for the drain.
	close(f.mover.block)
	f.waitStatus(t, second, model.ShardStatusActive)
	f.mover.block = make(chan struct{})

	require.NoError(t, f.rt.RemoveShard(ctx, second))

	err = f.rt.RemoveShard(ctx, second)
	assert.ErrorIs(t, err, directory.ErrShardBusy, "a drain in progress rejects a second removal")

	close(f.mover.block)
	f.waitStatus(t, second, model.ShardStatusRetired)
}

func TestRouter_RemoveLastShard(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	shardID, err := f.rt.AddShard(ctx, "node-1:9000", 1)
	require.NoError(t, err)

	// No surviving owner to move data to: the shard retires directly.
	require.NoError(t, f.rt.RemoveShard(ctx, shardID))
	rec, err := f.dir.Get(ctx, shardID)
	require.NoError(t, err)
	assert.Equal(t, model.ShardStatusRetired, rec.Status)

	_, err = f.rt.Resolve("any-key", IntentRead)
	assert.ErrorIs(t, err, strategy.ErrNoShardsAvailable)
}

func TestRouter_RemoveShard_NotFound(t *testing.T) {
	f := newRouterFixture(t)
	err := f.rt.RemoveShard(context.Background(), "no-such-shard")
	assert.ErrorIs(t, err, directory.ErrShardNotFound)
}

// seedMigrationAt pins a task at the given phase over the key's token so
// resolution behavior per phase can be asserted without racing the
// coordinator. Non-terminal phases are held by the stall flag; terminal
// phases need no pinning.
func (f *routerFixture) seedMigrationAt(t *testing.T, key string, phase model.MigrationPhase) (source, target string) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, f.dir.Restore(ctx, &model.ShardRecord{
		ShardID: "shard-src", Endpoint: "src:9000", Status: model.ShardStatusActive, Weight: 1,
	}))
	require.NoError(t, f.dir.Restore(ctx, &model.ShardRecord{
		ShardID: "shard-tgt", Endpoint: "tgt:9000", Status: model.ShardStatusActive, Weight: 1,
	}))

	res, err := f.rt.Resolve(key, IntentRead)
	require.NoError(t, err)
	source = res.ShardID
	target = "shard-src"
	if source == "shard-src" {
		target = "shard-tgt"
	}

	token := algorithm.HashKey(key)
	now := time.Now().UTC()
	task := &model.MigrationTask{
		TaskID:        "task-pinned",
		SourceShardID: source,
		TargetShardID: target,
		Span:          model.TokenSpan{Start: token - 1, End: token},
		Phase:         phase,
		Deadline:      now.Add(time.Hour),
		StartedAt:     now,
	}
	if !phase.Terminal() {
		task.Stalled = true
		task.StallReason = "held for inspection"
	} else {
		task.CompletedAt = &now
	}
	require.NoError(t, f.st.PutTask(ctx, task))
	require.NoError(t, f.coord.Recover(ctx))
	return source, target
}

func TestRouter_ResolveDuringCopy(t *testing.T) {
	f := newRouterFixture(t)
	source, _ := f.seedMigrationAt(t, "the-key", model.MigrationPhaseCopying)

	// Source keeps full authority during the bulk copy.
	read, err := f.rt.Resolve("the-key", IntentRead)
	require.NoError(t, err)
	assert.Equal(t, source, read.ShardID)
	assert.False(t, read.DualWrite)

	write, err := f.rt.Resolve("the-key", IntentWrite)
	require.NoError(t, err)
	assert.Equal(t, source, write.ShardID)
	assert.False(t, write.DualWrite)
}

func TestRouter_ResolveDuringDualWrite(t *testing.T) {
	f := newRouterFixture(t)
	source, target := f.seedMigrationAt(t, "the-key", model.MigrationPhaseDualWrite)

	// Reads stay on the source until cutover.
	read, err := f.rt.Resolve("the-key", IntentRead)
	require.NoError(t, err)
	assert.Equal(t, source, read.ShardID)
	assert.False(t, read.DualWrite)
	assert.Equal(t, "task-pinned", read.MigrationTaskID)

	// Writes go to the target and carry the source as secondary.
	write, err := f.rt.Resolve("the-key", IntentWrite)
	require.NoError(t, err)
	assert.Equal(t, target, write.ShardID)
	assert.True(t, write.DualWrite)
	assert.Equal(t, source, write.SecondaryShardID)
}

func TestRouter_ResolveAfterCutover(t *testing.T) {
	f := newRouterFixture(t)
	_, target := f.seedMigrationAt(t, "the-key", model.MigrationPhaseCutover)

	// Both intents follow the target once authority flips.
	read, err := f.rt.Resolve("the-key", IntentRead)
	require.NoError(t, err)
	assert.Equal(t, target, read.ShardID)
	assert.False(t, read.DualWrite)

	write, err := f.rt.Resolve("the-key", IntentWrite)
	require.NoError(t, err)
	assert.Equal(t, target, write.ShardID)
	assert.False(t, write.DualWrite)
}

func TestRouter_ResolveAfterDoneBeforeRebuild(t *testing.T) {
	f := newRouterFixtureOver(t, store.NewMemoryDirectoryStore(), time.Hour)
	_, target := f.seedMigrationAt(t, "the-key", model.MigrationPhaseDone)

	// The finished task keeps answering for its span until it is
	// archived; falling back to the strategy here would hand the span
	// back to the source and lose the writes landing on the target.
	read, err := f.rt.Resolve("the-key", IntentRead)
	require.NoError(t, err)
	assert.Equal(t, target, read.ShardID)

	write, err := f.rt.Resolve("the-key", IntentWrite)
	require.NoError(t, err)
	assert.Equal(t, target, write.ShardID)
	assert.False(t, write.DualWrite)
}

func TestRouter_ResolveUnaffectedKeyIgnoresMigration(t *testing.T) {
	f := newRouterFixture(t)
	f.seedMigrationAt(t, "the-key", model.MigrationPhaseDualWrite)

	// A key outside the migrating span routes normally.
	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("other-key-%d", i)
		if algorithm.HashKey(key) == algorithm.HashKey("the-key") {
			continue
		}
		res, err := f.rt.Resolve(key, IntentWrite)
		require.NoError(t, err)
		if res.MigrationTaskID == "" {
			assert.False(t, res.DualWrite)
		}
	}
}

func TestRouter_RestartResumesJoinActivation(t *testing.T) {
	st := store.NewMemoryDirectoryStore()
	ctx := context.Background()
	key := "the-key"
	token := algorithm.HashKey(key)
	now := time.Now().UTC()

	// State left behind by a process that died mid-join: the source is
	// serving, the new shard is still joining, and one task is in its
	// dual-write window.
	require.NoError(t, st.PutShard(ctx, &model.ShardRecord{
		ShardID: "shard-src", Endpoint: "src:9000", Status: model.ShardStatusActive, Weight: 1,
		CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, st.PutShard(ctx, &model.ShardRecord{
		ShardID: "shard-new", Endpoint: "new:9000", Status: model.ShardStatusJoining, Weight: 1,
		CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, st.PutTask(ctx, &model.MigrationTask{
		TaskID:        "task-midflight",
		SourceShardID: "shard-src",
		TargetShardID: "shard-new",
		Span:          model.TokenSpan{Start: token - 1, End: token},
		Phase:         model.MigrationPhaseDualWrite,
		Deadline:      now.Add(time.Hour),
		StartedAt:     now,
	}))

	f := newRouterFixtureOver(t, st, time.Hour)

	// The restarted router must finish the job on its own: resume the
	// task, see it through, and activate the shard.
	f.waitStatus(t, "shard-new", model.ShardStatusActive)

	task, err := f.rt.GetMigration(ctx, "task-midflight")
	require.NoError(t, err)
	assert.Equal(t, model.MigrationPhaseDone, task.Phase)

	for _, intent := range []Intent{IntentRead, IntentWrite} {
		res, err := f.rt.Resolve(key, intent)
		require.NoError(t, err)
		assert.Equal(t, "shard-new", res.ShardID, "the migrated span follows its new owner after recovery")
	}
}

func TestRouter_RestartResumesDrainRetirement(t *testing.T) {
	st := store.NewMemoryDirectoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, st.PutShard(ctx, &model.ShardRecord{
		ShardID: "shard-stay", Endpoint: "stay:9000", Status: model.ShardStatusActive, Weight: 1,
		CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, st.PutShard(ctx, &model.ShardRecord{
		ShardID: "shard-gone", Endpoint: "gone:9000", Status: model.ShardStatusDraining, Weight: 1,
		CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, st.PutTask(ctx, &model.MigrationTask{
		TaskID:        "task-drain",
		SourceShardID: "shard-gone",
		TargetShardID: "shard-stay",
		Span:          model.TokenSpan{Start: 100, End: 200},
		Phase:         model.MigrationPhaseCopying,
		Deadline:      now.Add(time.Hour),
		StartedAt:     now,
	}))

	f := newRouterFixtureOver(t, st, time.Hour)
	f.waitStatus(t, "shard-gone", model.ShardStatusRetired)
}

func TestRouter_AddShard_RetryDuringJoinDoesNotReplan(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	_, err := f.rt.AddShard(ctx, "node-1:9000", 1)
	require.NoError(t, err)

	// Hold the second shard's join in its bulk copy.
	f.mover.block = make(chan struct{})
	second, err := f.rt.AddShard(ctx, "node-2:9000", 1)
	require.NoError(t, err)

	// A retry whose cached response is gone (restarted process, expired
	// idempotency entry) must return the same shard without touching the
	// join in flight.
	logger := zap.NewNop()
	retry := New(Config{
		StrategyName:   strategy.NameConsistentHash,
		BaseVNodes:     64,
		ActivationPoll: 10 * time.Millisecond,
	}, f.dir, strategy.NewConsistentHash(64), f.coord, store.NewMemoryIdempotencyStore(),
		metrics.New(prometheus.NewRegistry()), logger)
	t.Cleanup(retry.Stop)

	got, err := retry.AddShard(ctx, "node-2:9000", 1)
	require.NoError(t, err)
	assert.Equal(t, second, got, "the retry replays the original registration")

	rec, err := f.dir.Get(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, model.ShardStatusJoining, rec.Status, "the in-flight join must survive the retry")

	close(f.mover.block)
	f.waitStatus(t, second, model.ShardStatusActive)
}

func TestRouter_RequireHealthy(t *testing.T) {
	st := store.NewMemoryDirectoryStore()
	logger := zap.NewNop()
	dir := directory.New(st, logger)
	mtr := metrics.New(prometheus.NewRegistry())
	coord := migration.NewCoordinator(st, dir, &stubMover{}, migration.Config{Concurrency: 1}, mtr, logger)
	t.Cleanup(coord.Shutdown)

	rt := New(Config{
		StrategyName:   strategy.NameConsistentHash,
		BaseVNodes:     64,
		RequireHealthy: true,
	}, dir, strategy.NewConsistentHash(64), coord, store.NewMemoryIdempotencyStore(), mtr, logger)
	t.Cleanup(rt.Stop)
	require.NoError(t, rt.Start(context.Background()))

	ctx := context.Background()
	require.NoError(t, dir.Restore(ctx, &model.ShardRecord{
		ShardID: "shard-a", Endpoint: "a:9000", Status: model.ShardStatusActive, Weight: 1, Healthy: false,
	}))

	_, err := rt.Resolve("key", IntentRead)
	assert.ErrorIs(t, err, ErrShardUnavailable)

	require.NoError(t, dir.SetHealth(ctx, "shard-a", true))
	res, err := rt.Resolve("key", IntentRead)
	require.NoError(t, err)
	assert.Equal(t, "shard-a", res.ShardID)
}
