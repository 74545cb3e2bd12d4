package store

import (
	"context"
	"errors"
	"time"

	"github.com/devrev/shardrouter/internal/model"
)

// ErrNotFound is returned when a record is not found
var ErrNotFound = errors.New("store: not found")

// DirectoryStore persists shard records and migration tasks. The router
// rebuilds its entire in-memory state from this store on startup, so
// every membership and task mutation must land here before it takes
// effect in memory.
type DirectoryStore interface {
	// Shard operations
	ListShards(ctx context.Context) ([]*model.ShardRecord, error)
	GetShard(ctx context.Context, shardID string) (*model.ShardRecord, error)
	GetShardByEndpoint(ctx context.Context, endpoint string) (*model.ShardRecord, error)
	PutShard(ctx context.Context, record *model.ShardRecord) error
	UpdateShardStatus(ctx context.Context, shardID string, status model.ShardStatus) error
	UpdateShardHealth(ctx context.Context, shardID string, healthy bool) error

	// Migration task operations
	ListTasks(ctx context.Context) ([]*model.MigrationTask, error)
	GetTask(ctx context.Context, taskID string) (*model.MigrationTask, error)
	PutTask(ctx context.Context, task *model.MigrationTask) error
	UpdateTask(ctx context.Context, task *model.MigrationTask) error
	ArchiveTask(ctx context.Context, taskID string) error

	// Health check
	Ping(ctx context.Context) error
	Close()
}

// IdempotencyStore caches admin-API responses keyed by request identity,
// so operator retries replay the original result instead of erroring.
type IdempotencyStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}
