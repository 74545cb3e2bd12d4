// Package migration orchestrates data movement between shards. Each move
// is an explicit, persisted MigrationTask state machine rather than a
// chain of goroutine state, so tasks survive process restarts and stay
// inspectable while they run for minutes or hours.
package migration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/devrev/shardrouter/internal/directory"
	"github.com/devrev/shardrouter/internal/metrics"
	"github.com/devrev/shardrouter/internal/model"
	"github.com/devrev/shardrouter/internal/store"
)

var (
	// ErrSpanBusy is returned when a new task would overlap a live task's span
	ErrSpanBusy = errors.New("migration: span busy")
	// ErrTaskNotFound is returned for operations on unknown tasks
	ErrTaskNotFound = errors.New("migration: task not found")
	// ErrTaskTerminal is returned when aborting or retrying a finished task
	ErrTaskTerminal = errors.New("migration: task already terminal")
	// ErrNotStalled is returned when retrying a task that is not stalled
	ErrNotStalled = errors.New("migration: task not stalled")
)

// Config bounds the coordinator's resource usage and retry behavior.
type Config struct {
	// Concurrency caps the number of tasks in Copying/Verifying at once.
	Concurrency int
	// CopyRetryMax is the attempt cap for copy and checksum I/O.
	CopyRetryMax int
	// BackoffBase is the initial retry backoff; it grows exponentially.
	BackoffBase time.Duration
	// BackoffCap bounds a single backoff sleep.
	BackoffCap time.Duration
	// VerifyRetryMax caps verification mismatch re-copies before stalling.
	VerifyRetryMax int
	// Retention is how long source data survives after cutover.
	Retention time.Duration
	// TaskDeadline is the wall-clock budget per task before it stalls.
	TaskDeadline time.Duration
}

// TaskListener observes task transitions into terminal or stalled state.
type TaskListener func(task *model.MigrationTask)

// Coordinator owns all migration tasks. The request path never calls it
// synchronously: routing reads an atomically-published snapshot of live
// tasks, while copy and verify I/O runs on background workers.
type Coordinator struct {
	st     store.DirectoryStore
	dir    *directory.Directory
	mover  DataMover
	cfg    Config
	logger *zap.Logger
	mtr    *metrics.Metrics

	mu        sync.Mutex
	tasks     map[string]*model.MigrationTask
	cancels   map[string]context.CancelFunc
	listeners []TaskListener

	snapshot atomic.Pointer[[]*model.MigrationTask]

	sem    chan struct{}
	wg     sync.WaitGroup
	root   context.Context
	cancel context.CancelFunc
}

// NewCoordinator creates a coordinator over the given store and mover.
func NewCoordinator(st store.DirectoryStore, dir *directory.Directory, mover DataMover, cfg Config, mtr *metrics.Metrics, logger *zap.Logger) *Coordinator {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	root, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		st:      st,
		dir:     dir,
		mover:   mover,
		cfg:     cfg,
		logger:  logger,
		mtr:     mtr,
		tasks:   make(map[string]*model.MigrationTask),
		cancels: make(map[string]context.CancelFunc),
		sem:     make(chan struct{}, cfg.Concurrency),
		root:    root,
		cancel:  cancel,
	}
	empty := make([]*model.MigrationTask, 0)
	c.snapshot.Store(&empty)
	return c
}

// AddListener registers a task-transition listener. Listeners run off the
// request path.
func (c *Coordinator) AddListener(l TaskListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// Recover reloads live tasks from the store after a restart and resumes
// the ones that were mid-flight. Must run before the router serves
// resolves so in-flight spans route correctly.
func (c *Coordinator) Recover(ctx context.Context) error {
	tasks, err := c.st.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("failed to reload tasks: %w", err)
	}

	c.mu.Lock()
	for _, task := range tasks {
		c.tasks[task.TaskID] = task
	}
	c.mu.Unlock()
	c.publish()

	for _, task := range tasks {
		if task.Phase == model.MigrationPhaseDone {
			// Cut over before the crash but not yet reclaimed: restart the
			// retention clock so the source span still gets cleaned up.
			if rec, err := c.dir.Get(ctx, task.SourceShardID); err == nil {
				c.scheduleReclaim(task.TaskID, rec.Endpoint, task.Span)
			}
			continue
		}
		if task.Phase.Terminal() || task.Stalled {
			continue
		}
		c.logger.Info("resuming migration task",
			zap.String("task_id", task.TaskID),
			zap.String("phase", string(task.Phase)))
		c.schedule(task.TaskID)
	}
	return nil
}

// CreateTask plans one span move and schedules its execution. It fails
// with ErrSpanBusy when any live task's span overlaps the requested one.
func (c *Coordinator) CreateTask(ctx context.Context, sourceShardID, targetShardID string, span model.TokenSpan) (*model.MigrationTask, error) {
	now := time.Now().UTC()
	task := &model.MigrationTask{
		TaskID:        uuid.New().String(),
		SourceShardID: sourceShardID,
		TargetShardID: targetShardID,
		Span:          span,
		Phase:         model.MigrationPhasePlanned,
		Deadline:      now.Add(c.cfg.TaskDeadline),
		StartedAt:     now,
	}

	c.mu.Lock()
	for _, live := range c.tasks {
		if !live.Phase.Terminal() && live.Span.Overlaps(span) {
			c.mu.Unlock()
			return nil, fmt.Errorf("%w: overlaps task %s", ErrSpanBusy, live.TaskID)
		}
	}
	c.tasks[task.TaskID] = task
	c.mu.Unlock()

	if err := c.st.PutTask(ctx, task); err != nil {
		c.mu.Lock()
		delete(c.tasks, task.TaskID)
		c.mu.Unlock()
		return nil, fmt.Errorf("failed to persist task: %w", err)
	}
	c.publish()

	c.logger.Info("migration task created",
		zap.String("task_id", task.TaskID),
		zap.String("source", sourceShardID),
		zap.String("target", targetShardID),
		zap.Uint64("span_start", span.Start),
		zap.Uint64("span_end", span.End))

	c.schedule(task.TaskID)
	return cloneTask(task), nil
}

// Get returns a task by ID, including archived ones.
func (c *Coordinator) Get(ctx context.Context, taskID string) (*model.MigrationTask, error) {
	c.mu.Lock()
	if task, ok := c.tasks[taskID]; ok {
		defer c.mu.Unlock()
		return cloneTask(task), nil
	}
	c.mu.Unlock()

	task, err := c.st.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return task, err
}

// List returns all live tasks.
func (c *Coordinator) List() []*model.MigrationTask {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*model.MigrationTask, 0, len(c.tasks))
	for _, task := range c.tasks {
		out = append(out, cloneTask(task))
	}
	return out
}

// ActiveTaskFor returns the task whose span contains the token and
// involves the given shard as source or target. Reads the published
// snapshot only, so it is safe on the resolve hot path. Done tasks keep
// answering until they are archived: the target holds authority from
// cutover onward, and the strategy may not have re-homed the span yet.
func (c *Coordinator) ActiveTaskFor(token uint64, shardID string) *model.MigrationTask {
	var finished *model.MigrationTask
	for _, task := range *c.snapshot.Load() {
		if task.SourceShardID != shardID && task.TargetShardID != shardID {
			continue
		}
		if !task.Span.Contains(token) {
			continue
		}
		if !task.Phase.Terminal() {
			return task
		}
		// A span can be migrated more than once before the older tasks
		// are archived; only the most recent one reflects where the data
		// lives now.
		if task.Phase == model.MigrationPhaseDone && (finished == nil || completedAfter(task, finished)) {
			finished = task
		}
	}
	return finished
}

func completedAfter(a, b *model.MigrationTask) bool {
	at, bt := a.StartedAt, b.StartedAt
	if a.CompletedAt != nil {
		at = *a.CompletedAt
	}
	if b.CompletedAt != nil {
		bt = *b.CompletedAt
	}
	return at.After(bt)
}

// TasksForShard returns live tasks that involve the shard.
func (c *Coordinator) TasksForShard(shardID string) []*model.MigrationTask {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*model.MigrationTask
	for _, task := range c.tasks {
		if task.SourceShardID == shardID || task.TargetShardID == shardID {
			out = append(out, cloneTask(task))
		}
	}
	return out
}

// Abort cancels a non-terminal task. The source stays authoritative and
// the target's partial copy of the span is discarded.
func (c *Coordinator) Abort(ctx context.Context, taskID string) error {
	c.mu.Lock()
	task, ok := c.tasks[taskID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if task.Phase.Terminal() {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrTaskTerminal, taskID, task.Phase)
	}
	if cancel, ok := c.cancels[taskID]; ok {
		cancel()
	}
	target := task.TargetShardID
	span := task.Span
	c.mu.Unlock()

	if err := c.finishTask(ctx, taskID, model.MigrationPhaseAborted); err != nil {
		return err
	}

	// Best effort: reclaim the partial copy on the target.
	if rec, err := c.dir.Get(ctx, target); err == nil {
		if err := c.mover.DeleteSpan(ctx, rec.Endpoint, span); err != nil {
			c.logger.Warn("failed to discard aborted span on target",
				zap.String("task_id", taskID), zap.Error(err))
		}
	}
	return nil
}

// Retry clears a stalled task and resumes it from its current phase with
// a fresh deadline.
func (c *Coordinator) Retry(ctx context.Context, taskID string) error {
	c.mu.Lock()
	task, ok := c.tasks[taskID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if task.Phase.Terminal() {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrTaskTerminal, taskID, task.Phase)
	}
	if !task.Stalled {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotStalled, taskID)
	}
	task.Stalled = false
	task.StallReason = ""
	task.Deadline = time.Now().UTC().Add(c.cfg.TaskDeadline)
	snapshot := cloneTask(task)
	c.mu.Unlock()

	if err := c.st.UpdateTask(ctx, snapshot); err != nil {
		return fmt.Errorf("failed to persist retry: %w", err)
	}
	c.publish()
	c.updateMetrics()
	c.schedule(taskID)
	return nil
}

// Shutdown stops background workers and waits for them to observe the
// cancellation. Task state stays persisted for the next start.
func (c *Coordinator) Shutdown() {
	c.cancel()
	c.wg.Wait()
}

func (c *Coordinator) schedule(taskID string) {
	ctx, cancel := context.WithCancel(c.root)
	c.mu.Lock()
	c.cancels[taskID] = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()

		select {
		case c.sem <- struct{}{}:
			defer func() { <-c.sem }()
		case <-ctx.Done():
			return
		}
		c.execute(ctx, taskID)
	}()
}

// execute drives a task through its remaining phases. Any I/O failure
// past the retry budget stalls the task instead of aborting it: source
// data remains the durable fallback at every phase before cutover.
func (c *Coordinator) execute(ctx context.Context, taskID string) {
	task := c.taskCopy(taskID)
	if task == nil || task.Phase.Terminal() || task.Stalled {
		return
	}

	source, err := c.dir.Get(ctx, task.SourceShardID)
	if err != nil {
		c.stall(ctx, taskID, fmt.Sprintf("source shard lookup failed: %v", err))
		return
	}
	target, err := c.dir.Get(ctx, task.TargetShardID)
	if err != nil {
		c.stall(ctx, taskID, fmt.Sprintf("target shard lookup failed: %v", err))
		return
	}

	for {
		task = c.taskCopy(taskID)
		if task == nil || task.Phase.Terminal() || task.Stalled {
			return
		}
		if time.Now().After(task.Deadline) {
			c.stall(ctx, taskID, "task deadline exceeded")
			return
		}
		if ctx.Err() != nil {
			return
		}

		switch task.Phase {
		case model.MigrationPhasePlanned:
			if err := c.setPhase(ctx, taskID, model.MigrationPhaseCopying); err != nil {
				c.stall(ctx, taskID, err.Error())
				return
			}

		case model.MigrationPhaseCopying:
			progress, err := withBackoff(ctx, c, "copy", func(ctx context.Context) (model.MigrationProgress, error) {
				return c.mover.CopySpan(ctx, source.Endpoint, target.Endpoint, task.Span)
			})
			if err != nil {
				c.stall(ctx, taskID, fmt.Sprintf("bulk copy failed: %v", err))
				return
			}
			c.addProgress(taskID, progress)
			if err := c.setPhase(ctx, taskID, model.MigrationPhaseDualWrite); err != nil {
				c.stall(ctx, taskID, err.Error())
				return
			}

		case model.MigrationPhaseDualWrite:
			// Routing now sends writes to both shards; anything that landed
			// on the source mid-copy is caught by verification below.
			if err := c.setPhase(ctx, taskID, model.MigrationPhaseVerifying); err != nil {
				c.stall(ctx, taskID, err.Error())
				return
			}

		case model.MigrationPhaseVerifying:
			if !c.verify(ctx, taskID, task, source.Endpoint, target.Endpoint) {
				return
			}
			// Cutover is a single persisted write; until it lands the
			// source keeps read authority.
			if err := c.setPhase(ctx, taskID, model.MigrationPhaseCutover); err != nil {
				c.stall(ctx, taskID, err.Error())
				return
			}

		case model.MigrationPhaseCutover:
			if err := c.finishTask(ctx, taskID, model.MigrationPhaseDone); err != nil {
				c.stall(ctx, taskID, err.Error())
				return
			}
			c.scheduleReclaim(taskID, source.Endpoint, task.Span)
			return
		}
	}
}

// verify reconciles source and target checksums, re-copying deltas on
// mismatch up to the retry cap. Returns false when the caller must stop
// (stalled or cancelled).
func (c *Coordinator) verify(ctx context.Context, taskID string, task *model.MigrationTask, sourceEndpoint, targetEndpoint string) bool {
	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return false
		}

		sourceSum, err := withBackoff(ctx, c, "checksum", func(ctx context.Context) (SpanChecksum, error) {
			return c.mover.Checksum(ctx, sourceEndpoint, task.Span)
		})
		if err != nil {
			c.stall(ctx, taskID, fmt.Sprintf("source checksum failed: %v", err))
			return false
		}
		targetSum, err := withBackoff(ctx, c, "checksum", func(ctx context.Context) (SpanChecksum, error) {
			return c.mover.Checksum(ctx, targetEndpoint, task.Span)
		})
		if err != nil {
			c.stall(ctx, taskID, fmt.Sprintf("target checksum failed: %v", err))
			return false
		}

		if sourceSum == targetSum {
			return true
		}

		if attempt >= c.cfg.VerifyRetryMax {
			// Never silently abort a live migration: hold state for the
			// operator and keep dual writes flowing.
			c.stall(ctx, taskID, fmt.Sprintf(
				"verification mismatch after %d attempts: source %d keys, target %d keys",
				attempt+1, sourceSum.Keys, targetSum.Keys))
			return false
		}

		c.logger.Warn("verification mismatch, re-copying deltas",
			zap.String("task_id", taskID),
			zap.Int("attempt", attempt+1),
			zap.Int64("source_keys", sourceSum.Keys),
			zap.Int64("target_keys", targetSum.Keys))

		progress, err := withBackoff(ctx, c, "delta_copy", func(ctx context.Context) (model.MigrationProgress, error) {
			return c.mover.CopyDeltas(ctx, sourceEndpoint, targetEndpoint, task.Span)
		})
		if err != nil {
			c.stall(ctx, taskID, fmt.Sprintf("delta copy failed: %v", err))
			return false
		}
		c.addProgress(taskID, progress)
	}
}

// scheduleReclaim deletes the migrated span from the source once the
// retention window elapses, then archives the task.
func (c *Coordinator) scheduleReclaim(taskID, sourceEndpoint string, span model.TokenSpan) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		select {
		case <-time.After(c.cfg.Retention):
		case <-c.root.Done():
			return
		}

		ctx, cancel := context.WithTimeout(c.root, time.Minute)
		defer cancel()

		if err := c.mover.DeleteSpan(ctx, sourceEndpoint, span); err != nil {
			c.logger.Warn("failed to reclaim source span, leaving task live",
				zap.String("task_id", taskID), zap.Error(err))
			return
		}
		if err := c.st.ArchiveTask(ctx, taskID); err != nil {
			c.logger.Warn("failed to archive task", zap.String("task_id", taskID), zap.Error(err))
			return
		}

		c.mu.Lock()
		delete(c.tasks, taskID)
		delete(c.cancels, taskID)
		c.mu.Unlock()
		c.publish()
		c.updateMetrics()

		c.logger.Info("migration task archived", zap.String("task_id", taskID))
	}()
}

// withBackoff runs fn with capped exponential backoff; retries are
// counted per operation label. Generic so copy and checksum calls share
// one retry policy.
func withBackoff[T any](ctx context.Context, c *Coordinator, operation string, fn func(context.Context) (T, error)) (T, error) {
	backoff := retry.NewExponential(c.cfg.BackoffBase)
	backoff = retry.WithCappedDuration(c.cfg.BackoffCap, backoff)
	backoff = retry.WithMaxRetries(uint64(c.cfg.CopyRetryMax), backoff)

	var result T
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		if err != nil {
			c.mtr.MigrationRetriesTotal.WithLabelValues(operation).Inc()
			return retry.RetryableError(err)
		}
		return nil
	})
	return result, err
}

func (c *Coordinator) setPhase(ctx context.Context, taskID string, phase model.MigrationPhase) error {
	c.mu.Lock()
	task, ok := c.tasks[taskID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	prev := task.Phase
	task.Phase = phase
	snapshot := cloneTask(task)
	c.mu.Unlock()

	if err := c.st.UpdateTask(ctx, snapshot); err != nil {
		// Roll the in-memory phase back so routing never runs ahead of
		// the persisted state.
		c.mu.Lock()
		if live, ok := c.tasks[taskID]; ok {
			live.Phase = prev
		}
		c.mu.Unlock()
		return fmt.Errorf("failed to persist phase %s: %w", phase, err)
	}
	c.publish()
	c.updateMetrics()

	c.logger.Info("migration phase changed",
		zap.String("task_id", taskID),
		zap.String("from", string(prev)),
		zap.String("to", string(phase)))
	return nil
}

func (c *Coordinator) finishTask(ctx context.Context, taskID string, phase model.MigrationPhase) error {
	now := time.Now().UTC()
	c.mu.Lock()
	task, ok := c.tasks[taskID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	task.Phase = phase
	task.Stalled = false
	task.StallReason = ""
	task.CompletedAt = &now
	snapshot := cloneTask(task)
	c.mu.Unlock()

	if err := c.st.UpdateTask(ctx, snapshot); err != nil {
		return fmt.Errorf("failed to persist terminal phase: %w", err)
	}
	c.publish()
	c.updateMetrics()
	c.notifyListeners(snapshot)

	c.logger.Info("migration task finished",
		zap.String("task_id", taskID),
		zap.String("phase", string(phase)))
	return nil
}

func (c *Coordinator) stall(ctx context.Context, taskID, reason string) {
	c.mu.Lock()
	task, ok := c.tasks[taskID]
	if !ok || task.Phase.Terminal() {
		c.mu.Unlock()
		return
	}
	task.Stalled = true
	task.StallReason = reason
	snapshot := cloneTask(task)
	c.mu.Unlock()

	if err := c.st.UpdateTask(ctx, snapshot); err != nil {
		c.logger.Error("failed to persist stall", zap.String("task_id", taskID), zap.Error(err))
	}
	c.publish()
	c.updateMetrics()
	c.notifyListeners(snapshot)

	c.logger.Error("migration task stalled",
		zap.String("task_id", taskID),
		zap.String("phase", string(snapshot.Phase)),
		zap.String("reason", reason))
}

func (c *Coordinator) addProgress(taskID string, progress model.MigrationProgress) {
	c.mu.Lock()
	if task, ok := c.tasks[taskID]; ok {
		task.Progress.KeysCopied += progress.KeysCopied
		task.Progress.BytesCopied += progress.BytesCopied
	}
	c.mu.Unlock()

	c.mtr.MigratedKeysTotal.Add(float64(progress.KeysCopied))
	c.mtr.MigratedBytesTotal.Add(float64(progress.BytesCopied))
}

func (c *Coordinator) taskCopy(taskID string) *model.MigrationTask {
	c.mu.Lock()
	defer c.mu.Unlock()
	task, ok := c.tasks[taskID]
	if !ok {
		return nil
	}
	return cloneTask(task)
}

// publish refreshes the lock-free snapshot read by the resolve hot path.
// Done tasks stay published until archival removes them; dropping them at
// cutover would route the span back to the source while the strategy
// rebuild is still in flight.
func (c *Coordinator) publish() {
	c.mu.Lock()
	live := make([]*model.MigrationTask, 0, len(c.tasks))
	for _, task := range c.tasks {
		if task.Phase != model.MigrationPhaseAborted {
			live = append(live, cloneTask(task))
		}
	}
	c.mu.Unlock()
	c.snapshot.Store(&live)
}

func (c *Coordinator) updateMetrics() {
	c.mu.Lock()
	byPhase := make(map[model.MigrationPhase]int)
	stalled := 0
	for _, task := range c.tasks {
		byPhase[task.Phase]++
		if task.Stalled {
			stalled++
		}
	}
	c.mu.Unlock()

	for _, phase := range []model.MigrationPhase{
		model.MigrationPhasePlanned, model.MigrationPhaseCopying,
		model.MigrationPhaseDualWrite, model.MigrationPhaseVerifying,
		model.MigrationPhaseCutover, model.MigrationPhaseDone,
		model.MigrationPhaseAborted,
	} {
		c.mtr.MigrationsByPhase.WithLabelValues(string(phase)).Set(float64(byPhase[phase]))
	}
	c.mtr.MigrationsStalled.Set(float64(stalled))
}

func (c *Coordinator) notifyListeners(task *model.MigrationTask) {
	c.mu.Lock()
	listeners := append([]TaskListener(nil), c.listeners...)
	c.mu.Unlock()
	for _, l := range listeners {
		l(cloneTask(task))
	}
}

func cloneTask(task *model.MigrationTask) *model.MigrationTask {
	clone := *task
	if task.CompletedAt != nil {
		completed := *task.CompletedAt
		clone.CompletedAt = &completed
	}
	return &clone
}
