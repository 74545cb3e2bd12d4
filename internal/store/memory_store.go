package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/devrev/shardrouter/internal/model"
)

// MemoryDirectoryStore is an in-process DirectoryStore for tests and
// single-node deployments. It keeps archived tasks separately so history
// stays inspectable the same way the Postgres store does.
type MemoryDirectoryStore struct {
	mu       sync.RWMutex
	shards   map[string]*model.ShardRecord
	tasks    map[string]*model.MigrationTask
	archived map[string]*model.MigrationTask
}

// NewMemoryDirectoryStore creates an empty in-memory store.
func NewMemoryDirectoryStore() *MemoryDirectoryStore {
	return &MemoryDirectoryStore{
		shards:   make(map[string]*model.ShardRecord),
		tasks:    make(map[string]*model.MigrationTask),
		archived: make(map[string]*model.MigrationTask),
	}
}

// ListShards returns all shard records ordered by shard ID.
func (s *MemoryDirectoryStore) ListShards(ctx context.Context) ([]*model.ShardRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.ShardRecord, 0, len(s.shards))
	for _, rec := range s.shards {
		out = append(out, cloneShard(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ShardID < out[j].ShardID })
	return out, nil
}

// GetShard returns the record for shardID or ErrNotFound.
func (s *MemoryDirectoryStore) GetShard(ctx context.Context, shardID string) (*model.ShardRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.shards[shardID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneShard(rec), nil
}

// GetShardByEndpoint returns the non-retired record serving endpoint.
func (s *MemoryDirectoryStore) GetShardByEndpoint(ctx context.Context, endpoint string) (*model.ShardRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rec := range s.shards {
		if rec.Endpoint == endpoint && rec.Status != model.ShardStatusRetired {
			return cloneShard(rec), nil
		}
	}
	return nil, ErrNotFound
}

// PutShard inserts or replaces a shard record.
func (s *MemoryDirectoryStore) PutShard(ctx context.Context, record *model.ShardRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.shards[record.ShardID] = cloneShard(record)
	return nil
}

// UpdateShardStatus sets the status of an existing record.
func (s *MemoryDirectoryStore) UpdateShardStatus(ctx context.Context, shardID string, status model.ShardStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.shards[shardID]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

// UpdateShardHealth sets the health flag of an existing record.
func (s *MemoryDirectoryStore) UpdateShardHealth(ctx context.Context, shardID string, healthy bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.shards[shardID]
	if !ok {
		return ErrNotFound
	}
	rec.Healthy = healthy
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

// ListTasks returns all live (non-archived) migration tasks.
func (s *MemoryDirectoryStore) ListTasks(ctx context.Context) ([]*model.MigrationTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.MigrationTask, 0, len(s.tasks))
	for _, task := range s.tasks {
		out = append(out, cloneTask(task))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out, nil
}

// GetTask returns a live or archived task by ID.
func (s *MemoryDirectoryStore) GetTask(ctx context.Context, taskID string) (*model.MigrationTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if task, ok := s.tasks[taskID]; ok {
		return cloneTask(task), nil
	}
	if task, ok := s.archived[taskID]; ok {
		return cloneTask(task), nil
	}
	return nil, ErrNotFound
}

// PutTask inserts a new migration task.
func (s *MemoryDirectoryStore) PutTask(ctx context.Context, task *model.MigrationTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tasks[task.TaskID] = cloneTask(task)
	return nil
}

// UpdateTask replaces an existing migration task.
func (s *MemoryDirectoryStore) UpdateTask(ctx context.Context, task *model.MigrationTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[task.TaskID]; !ok {
		return ErrNotFound
	}
	s.tasks[task.TaskID] = cloneTask(task)
	return nil
}

// ArchiveTask moves a task out of the live set.
func (s *MemoryDirectoryStore) ArchiveTask(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	s.archived[taskID] = task
	delete(s.tasks, taskID)
	return nil
}

// Ping always succeeds for the in-memory store.
func (s *MemoryDirectoryStore) Ping(ctx context.Context) error { return nil }

// Close is a no-op for the in-memory store.
func (s *MemoryDirectoryStore) Close() {}

func cloneShard(rec *model.ShardRecord) *model.ShardRecord {
	c := *rec
	return &c
}

func cloneTask(task *model.MigrationTask) *model.MigrationTask {
	c := *task
	if task.CompletedAt != nil {
		completed := *task.CompletedAt
		c.CompletedAt = &completed
	}
	return &c
}
