package migration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/shardrouter/internal/directory"
	"github.com/devrev/shardrouter/internal/metrics"
	"github.com/devrev/shardrouter/internal/model"
	"github.com/devrev/shardrouter/internal/store"
)

// fakeMover keeps per-endpoint key sets in memory so tests can drive the
// full copy/verify/cutover protocol without shard backends.
type fakeMover struct {
	mu      sync.Mutex
	data    map[string]map[uint64]string
	deleted map[string][]model.TokenSpan

	// blockCopy, when set, holds CopySpan until the channel closes.
	blockCopy chan struct{}
	// lateWriteToken, when non-zero, lands on the source right after the
	// bulk copy, simulating a write that raced it.
	lateWriteToken uint64
	// dropDeltas makes CopyDeltas a no-op so verification never converges.
	dropDeltas bool

	copyCalls  int
	deltaCalls int
}

func newFakeMover() *fakeMover {
	return &fakeMover{
		data:    make(map[string]map[uint64]string),
		deleted: make(map[string][]model.TokenSpan),
	}
}

func (m *fakeMover) seed(endpoint string, tokens ...uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data[endpoint] == nil {
		m.data[endpoint] = make(map[uint64]string)
	}
	for _, tok := range tokens {
		m.data[endpoint][tok] = "v"
	}
}

func (m *fakeMover) keys(endpoint string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data[endpoint])
}

func (m *fakeMover) CopySpan(ctx context.Context, sourceEndpoint, targetEndpoint string, span model.TokenSpan) (model.MigrationProgress, error) {
	if m.blockCopy != nil {
		select {
		case <-m.blockCopy:
		case <-ctx.Done():
			return model.MigrationProgress{}, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.copyCalls++
	progress := m.copyLocked(sourceEndpoint, targetEndpoint, span)

	if m.lateWriteToken != 0 {
		if m.data[sourceEndpoint] == nil {
			m.data[sourceEndpoint] = make(map[uint64]string)
		}
		m.data[sourceEndpoint][m.lateWriteToken] = "late"
		m.lateWriteToken = 0
	}
	return progress, nil
}

func (m *fakeMover) CopyDeltas(ctx context.Context, sourceEndpoint, targetEndpoint string, span model.TokenSpan) (model.MigrationProgress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deltaCalls++
	if m.dropDeltas {
		return model.MigrationProgress{}, nil
	}
	return m.copyLocked(sourceEndpoint, targetEndpoint, span), nil
}

func (m *fakeMover) copyLocked(sourceEndpoint, targetEndpoint string, span model.TokenSpan) model.MigrationProgress {
	if m.data[targetEndpoint] == nil {
		m.data[targetEndpoint] = make(map[uint64]string)
	}
	var progress model.MigrationProgress
	for tok, val := range m.data[sourceEndpoint] {
		if span.Contains(tok) {
			m.data[targetEndpoint][tok] = val
			progress.KeysCopied++
			progress.BytesCopied += int64(len(val))
		}
	}
	return progress
}

func (m *fakeMover) Checksum(ctx context.Context, endpoint string, span model.TokenSpan) (SpanChecksum, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum SpanChecksum
	for tok := range m.data[endpoint] {
		if span.Contains(tok) {
			sum.Keys++
			sum.Checksum ^= tok
		}
	}
	return sum, nil
}

func (m *fakeMover) DeleteSpan(ctx context.Context, endpoint string, span model.TokenSpan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted[endpoint] = append(m.deleted[endpoint], span)
	for tok := range m.data[endpoint] {
		if span.Contains(tok) {
			delete(m.data[endpoint], tok)
		}
	}
	return nil
}

func (m *fakeMover) deletedSpans(endpoint string) []model.TokenSpan {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.TokenSpan(nil), m.deleted[endpoint]...)
}

type coordFixture struct {
	coord *Coordinator
	mover *fakeMover
	st    *store.MemoryDirectoryStore
	done  chan *model.MigrationTask
}

func newCoordFixture(t *testing.T, cfg Config) *coordFixture {
	t.Helper()

	st := store.NewMemoryDirectoryStore()
	dir := directory.New(st, zap.NewNop())
	ctx := context.Background()
	require.NoError(t, dir.Restore(ctx, &model.ShardRecord{
		ShardID: "src", Endpoint: "src:9000", Status: model.ShardStatusActive, Weight: 1,
	}))
	require.NoError(t, dir.Restore(ctx, &model.ShardRecord{
		ShardID: "tgt", Endpoint: "tgt:9000", Status: model.ShardStatusActive, Weight: 1,
	}))

	mover := newFakeMover()
	mtr := metrics.New(prometheus.NewRegistry())
	coord := NewCoordinator(st, dir, mover, cfg, mtr, zap.NewNop())
	t.Cleanup(coord.Shutdown)

	f := &coordFixture{coord: coord, mover: mover, st: st, done: make(chan *model.MigrationTask, 16)}
	coord.AddListener(func(task *model.MigrationTask) {
		f.done <- task
	})
	return f
}

func defaultTestConfig() Config {
	return Config{
		Concurrency:    2,
		CopyRetryMax:   2,
		BackoffBase:    time.Millisecond,
		BackoffCap:     5 * time.Millisecond,
		VerifyRetryMax: 3,
		Retention:      20 * time.Millisecond,
		TaskDeadline:   5 * time.Second,
	}
}

func (f *coordFixture) waitTransition(t *testing.T) *model.MigrationTask {
	t.Helper()
	select {
	case task := <-f.done:
		return task
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for task transition")
		return nil
	}
}

func TestCoordinator_FullMigration(t *testing.T) {
	f := newCoordFixture(t, defaultTestConfig())
	span := model.TokenSpan{Start: 100, End: 200}
	f.mover.seed("src:9000", 110, 120, 130, 140, 150)

	task, err := f.coord.CreateTask(context.Background(), "src", "tgt", span)
	require.NoError(t, err)
	assert.Equal(t, model.MigrationPhasePlanned, task.Phase)

	finished := f.waitTransition(t)
	assert.Equal(t, model.MigrationPhaseDone, finished.Phase)
	assert.False(t, finished.Stalled)
	assert.NotNil(t, finished.CompletedAt)
	assert.Equal(t, int64(5), finished.Progress.KeysCopied)

	assert.Equal(t, 5, f.mover.keys("tgt:9000"), "target holds every key of the span")

	// Source data is reclaimed only after the retention window.
	assert.Eventually(t, func() bool {
		return len(f.mover.deletedSpans("src:9000")) == 1
	}, 5*time.Second, 5*time.Millisecond)
}

func TestCoordinator_ConvergesAfterRacedWrite(t *testing.T) {
	f := newCoordFixture(t, defaultTestConfig())
	span := model.TokenSpan{Start: 100, End: 200}
	f.mover.seed("src:9000", 110, 120, 130)
	f.mover.lateWriteToken = 180 // write that lands mid-copy

	_, err := f.coord.CreateTask(context.Background(), "src", "tgt", span)
	require.NoError(t, err)

	finished := f.waitTransition(t)
	assert.Equal(t, model.MigrationPhaseDone, finished.Phase)

	assert.Equal(t, 4, f.mover.keys("tgt:9000"), "the raced write must reach the target before cutover")
	assert.GreaterOrEqual(t, f.mover.deltaCalls, 1, "verification must have triggered a delta copy")
}

func TestCoordinator_StallsOnVerifyMismatch(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.VerifyRetryMax = 1
	f := newCoordFixture(t, cfg)

	span := model.TokenSpan{Start: 100, End: 200}
	f.mover.seed("src:9000", 110, 120)
	f.mover.lateWriteToken = 180
	f.mover.dropDeltas = true // deltas never arrive, checksums never match

	_, err := f.coord.CreateTask(context.Background(), "src", "tgt", span)
	require.NoError(t, err)

	stalled := f.waitTransition(t)
	assert.True(t, stalled.Stalled)
	assert.Equal(t, model.MigrationPhaseVerifying, stalled.Phase, "stalling preserves the phase for resume")
	assert.Contains(t, stalled.StallReason, "verification mismatch")

	// A stalled task still occupies its span.
	_, err = f.coord.CreateTask(context.Background(), "src", "tgt", model.TokenSpan{Start: 150, End: 250})
	assert.ErrorIs(t, err, ErrSpanBusy)
}

func TestCoordinator_RetryResumesStalledTask(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.TaskDeadline = -time.Second // expires immediately, stalling the task
	f := newCoordFixture(t, cfg)

	f.mover.seed("src:9000", 110)
	task, err := f.coord.CreateTask(context.Background(), "src", "tgt", model.TokenSpan{Start: 100, End: 200})
	require.NoError(t, err)

	stalled := f.waitTransition(t)
	require.True(t, stalled.Stalled)
	assert.Contains(t, stalled.StallReason, "deadline")

	// Retrying a healthy task is rejected; only stalled ones resume.
	f.coord.cfg.TaskDeadline = 5 * time.Second
	require.NoError(t, f.coord.Retry(context.Background(), task.TaskID))

	finished := f.waitTransition(t)
	assert.Equal(t, model.MigrationPhaseDone, finished.Phase)

	err = f.coord.Retry(context.Background(), task.TaskID)
	assert.ErrorIs(t, err, ErrTaskTerminal)
}

func TestCoordinator_SpanBusy(t *testing.T) {
	f := newCoordFixture(t, defaultTestConfig())
	f.mover.blockCopy = make(chan struct{})
	f.mover.seed("src:9000", 110)

	ctx := context.Background()
	_, err := f.coord.CreateTask(ctx, "src", "tgt", model.TokenSpan{Start: 100, End: 200})
	require.NoError(t, err)

	_, err = f.coord.CreateTask(ctx, "src", "tgt", model.TokenSpan{Start: 150, End: 250})
	assert.ErrorIs(t, err, ErrSpanBusy)

	_, err = f.coord.CreateTask(ctx, "src", "tgt", model.TokenSpan{Start: 300, End: 400})
	assert.NoError(t, err, "disjoint spans may migrate concurrently")

	close(f.mover.blockCopy)
}

func TestCoordinator_Abort(t *testing.T) {
	f := newCoordFixture(t, defaultTestConfig())
	f.mover.blockCopy = make(chan struct{})
	f.mover.seed("src:9000", 110, 120)

	ctx := context.Background()
	span := model.TokenSpan{Start: 100, End: 200}
	task, err := f.coord.CreateTask(ctx, "src", "tgt", span)
	require.NoError(t, err)

	require.NoError(t, f.coord.Abort(ctx, task.TaskID))

	got, err := f.coord.Get(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, model.MigrationPhaseAborted, got.Phase)

	// The target's partial copy is discarded; the source keeps its data.
	deleted := f.mover.deletedSpans("tgt:9000")
	require.Len(t, deleted, 1)
	assert.Equal(t, span, deleted[0])
	assert.Equal(t, 2, f.mover.keys("src:9000"))

	err = f.coord.Abort(ctx, task.TaskID)
	assert.ErrorIs(t, err, ErrTaskTerminal)

	// The aborted span is free for a new task.
	_, err = f.coord.CreateTask(ctx, "src", "tgt", span)
	assert.NoError(t, err)
	close(f.mover.blockCopy)
}

func TestCoordinator_AbortUnknownTask(t *testing.T) {
	f := newCoordFixture(t, defaultTestConfig())
	err := f.coord.Abort(context.Background(), "no-such-task")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestCoordinator_ActiveTaskFor(t *testing.T) {
	f := newCoordFixture(t, defaultTestConfig())
	f.mover.blockCopy = make(chan struct{})
	f.mover.seed("src:9000", 110)

	span := model.TokenSpan{Start: 100, End: 200}
	task, err := f.coord.CreateTask(context.Background(), "src", "tgt", span)
	require.NoError(t, err)

	hit := f.coord.ActiveTaskFor(150, "src")
	require.NotNil(t, hit)
	assert.Equal(t, task.TaskID, hit.TaskID)

	assert.NotNil(t, f.coord.ActiveTaskFor(150, "tgt"), "target shard sees the task too")
	assert.Nil(t, f.coord.ActiveTaskFor(500, "src"), "token outside the span")
	assert.Nil(t, f.coord.ActiveTaskFor(150, "other"), "uninvolved shard")

	close(f.mover.blockCopy)
}

func TestCoordinator_Recover(t *testing.T) {
	st := store.NewMemoryDirectoryStore()
	dir := directory.New(st, zap.NewNop())
	ctx := context.Background()
	require.NoError(t, dir.Restore(ctx, &model.ShardRecord{
		ShardID: "src", Endpoint: "src:9000", Status: model.ShardStatusActive, Weight: 1,
	}))
	require.NoError(t, dir.Restore(ctx, &model.ShardRecord{
		ShardID: "tgt", Endpoint: "tgt:9000", Status: model.ShardStatusActive, Weight: 1,
	}))

	// Simulate tasks left behind by a crashed process.
	now := time.Now().UTC()
	midFlight := &model.MigrationTask{
		TaskID: "task-mid", SourceShardID: "src", TargetShardID: "tgt",
		Span: model.TokenSpan{Start: 100, End: 200}, Phase: model.MigrationPhaseDualWrite,
		Deadline: now.Add(5 * time.Second), StartedAt: now,
	}
	stalled := &model.MigrationTask{
		TaskID: "task-stalled", SourceShardID: "src", TargetShardID: "tgt",
		Span: model.TokenSpan{Start: 300, End: 400}, Phase: model.MigrationPhaseCopying,
		Stalled: true, StallReason: "copy failed", Deadline: now.Add(5 * time.Second), StartedAt: now,
	}
	require.NoError(t, st.PutTask(ctx, midFlight))
	require.NoError(t, st.PutTask(ctx, stalled))

	mover := newFakeMover()
	mover.seed("src:9000", 110)
	coord := NewCoordinator(st, dir, mover, defaultTestConfig(), metrics.New(prometheus.NewRegistry()), zap.NewNop())
	t.Cleanup(coord.Shutdown)

	done := make(chan *model.MigrationTask, 4)
	coord.AddListener(func(task *model.MigrationTask) { done <- task })

	require.NoError(t, coord.Recover(ctx))

	// Both tasks are visible for routing immediately after recovery.
	assert.NotNil(t, coord.ActiveTaskFor(150, "src"))
	assert.NotNil(t, coord.ActiveTaskFor(350, "src"))

	select {
	case task := <-done:
		assert.Equal(t, "task-mid", task.TaskID, "only the non-stalled task resumes")
		assert.Equal(t, model.MigrationPhaseDone, task.Phase)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for recovered task")
	}

	got, err := coord.Get(ctx, "task-stalled")
	require.NoError(t, err)
	assert.True(t, got.Stalled, "stalled tasks wait for an operator retry")
	assert.Equal(t, model.MigrationPhaseCopying, got.Phase)
}

func TestCoordinator_DoneTaskRoutesUntilArchived(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.Retention = time.Hour
	f := newCoordFixture(t, cfg)
	f.mover.seed("src:9000", 110)

	task, err := f.coord.CreateTask(context.Background(), "src", "tgt", model.TokenSpan{Start: 100, End: 200})
	require.NoError(t, err)

	finished := f.waitTransition(t)
	require.Equal(t, model.MigrationPhaseDone, finished.Phase)

	// Cutover moved authority to the target; the routing snapshot must
	// keep saying so until the task is archived, or the span would fall
	// back to the source in the meantime.
	hit := f.coord.ActiveTaskFor(150, "src")
	require.NotNil(t, hit, "a finished task answers for its span until archival")
	assert.Equal(t, task.TaskID, hit.TaskID)
	assert.True(t, hit.RoutesToTarget(false))
	assert.True(t, hit.RoutesToTarget(true))
}

func TestCoordinator_RecoverReclaimsFinishedTask(t *testing.T) {
	st := store.NewMemoryDirectoryStore()
	dir := directory.New(st, zap.NewNop())
	ctx := context.Background()
	require.NoError(t, dir.Restore(ctx, &model.ShardRecord{
		ShardID: "src", Endpoint: "src:9000", Status: model.ShardStatusActive, Weight: 1,
	}))
	require.NoError(t, dir.Restore(ctx, &model.ShardRecord{
		ShardID: "tgt", Endpoint: "tgt:9000", Status: model.ShardStatusActive, Weight: 1,
	}))

	// A task that cut over right before the crash: done, not reclaimed.
	now := time.Now().UTC()
	require.NoError(t, st.PutTask(ctx, &model.MigrationTask{
		TaskID: "task-done", SourceShardID: "src", TargetShardID: "tgt",
		Span: model.TokenSpan{Start: 100, End: 200}, Phase: model.MigrationPhaseDone,
		Deadline: now.Add(time.Hour), StartedAt: now, CompletedAt: &now,
	}))

	mover := newFakeMover()
	mover.seed("src:9000", 110, 120)
	coord := NewCoordinator(st, dir, mover, defaultTestConfig(), metrics.New(prometheus.NewRegistry()), zap.NewNop())
	t.Cleanup(coord.Shutdown)

	require.NoError(t, coord.Recover(ctx))
	require.NotNil(t, coord.ActiveTaskFor(150, "src"), "the finished task routes right after recovery")

	// Recovery restarts the retention clock, then reclaims and archives.
	assert.Eventually(t, func() bool {
		return len(mover.deletedSpans("src:9000")) == 1
	}, 5*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		return coord.ActiveTaskFor(150, "src") == nil
	}, 5*time.Second, 5*time.Millisecond, "archival removes the task from routing")
}

func TestCoordinator_RetryNonStalled(t *testing.T) {
	f := newCoordFixture(t, defaultTestConfig())
	f.mover.blockCopy = make(chan struct{})
	f.mover.seed("src:9000", 110)

	task, err := f.coord.CreateTask(context.Background(), "src", "tgt", model.TokenSpan{Start: 100, End: 200})
	require.NoError(t, err)

	err = f.coord.Retry(context.Background(), task.TaskID)
	assert.ErrorIs(t, err, ErrNotStalled)

	close(f.mover.blockCopy)
}
