package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/devrev/shardrouter/internal/model"
)

// PostgresDirectoryStore implements DirectoryStore on PostgreSQL.
//
// Token spans are stored as BIGINT with the uint64 bit pattern reinterpreted
// as int64, which preserves round-trips but not SQL-level ordering; all span
// arithmetic happens in Go.
//
// Expected schema:
//
//	CREATE TABLE shards (
//	    shard_id   TEXT PRIMARY KEY,
//	    endpoint   TEXT NOT NULL,
//	    status     TEXT NOT NULL,
//	    weight     INT NOT NULL,
//	    healthy    BOOLEAN NOT NULL,
//	    created_at TIMESTAMPTZ NOT NULL,
//	    updated_at TIMESTAMPTZ NOT NULL
//	);
//	CREATE TABLE migration_tasks (
//	    task_id         TEXT PRIMARY KEY,
//	    source_shard_id TEXT NOT NULL REFERENCES shards (shard_id),
//	    target_shard_id TEXT NOT NULL REFERENCES shards (shard_id),
//	    span_start      BIGINT NOT NULL,
//	    span_end        BIGINT NOT NULL,
//	    phase           TEXT NOT NULL,
//	    stalled         BOOLEAN NOT NULL,
//	    stall_reason    TEXT NOT NULL DEFAULT '',
//	    keys_copied     BIGINT NOT NULL DEFAULT 0,
//	    bytes_copied    BIGINT NOT NULL DEFAULT 0,
//	    deadline        TIMESTAMPTZ NOT NULL,
//	    started_at      TIMESTAMPTZ NOT NULL,
//	    completed_at    TIMESTAMPTZ,
//	    archived        BOOLEAN NOT NULL DEFAULT FALSE
//	);
type PostgresDirectoryStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresDirectoryStore creates a PostgreSQL directory store.
func NewPostgresDirectoryStore(
	host string,
	port int,
	database, user, password string,
	maxConns, minConns int,
	logger *zap.Logger,
) (*PostgresDirectoryStore, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s pool_max_conns=%d pool_min_conns=%d",
		host, port, database, user, password, maxConns, minConns,
	)

	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresDirectoryStore{pool: pool, logger: logger}, nil
}

// ListShards returns all shard records ordered by shard ID.
func (s *PostgresDirectoryStore) ListShards(ctx context.Context) ([]*model.ShardRecord, error) {
	query := `
		SELECT shard_id, endpoint, status, weight, healthy, created_at, updated_at
		FROM shards
		ORDER BY shard_id
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list shards: %w", err)
	}
	defer rows.Close()

	var shards []*model.ShardRecord
	for rows.Next() {
		rec, err := scanShard(rows)
		if err != nil {
			return nil, err
		}
		shards = append(shards, rec)
	}
	return shards, rows.Err()
}

// GetShard returns the record for shardID or ErrNotFound.
func (s *PostgresDirectoryStore) GetShard(ctx context.Context, shardID string) (*model.ShardRecord, error) {
	query := `
		SELECT shard_id, endpoint, status, weight, healthy, created_at, updated_at
		FROM shards
		WHERE shard_id = $1
	`
	return s.getShard(ctx, query, shardID)
}

// GetShardByEndpoint returns the non-retired record serving endpoint.
func (s *PostgresDirectoryStore) GetShardByEndpoint(ctx context.Context, endpoint string) (*model.ShardRecord, error) {
	query := `
		SELECT shard_id, endpoint, status, weight, healthy, created_at, updated_at
		FROM shards
		WHERE endpoint = $1 AND status <> 'retired'
	`
	return s.getShard(ctx, query, endpoint)
}

func (s *PostgresDirectoryStore) getShard(ctx context.Context, query, arg string) (*model.ShardRecord, error) {
	rec, err := scanShard(s.pool.QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get shard: %w", err)
	}
	return rec, nil
}

// PutShard inserts or replaces a shard record.
func (s *PostgresDirectoryStore) PutShard(ctx context.Context, record *model.ShardRecord) error {
	query := `
		INSERT INTO shards (shard_id, endpoint, status, weight, healthy, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (shard_id) DO UPDATE
		SET endpoint = $2, status = $3, weight = $4, healthy = $5, updated_at = $7
	`

	_, err := s.pool.Exec(ctx, query,
		record.ShardID,
		record.Endpoint,
		string(record.Status),
		record.Weight,
		record.Healthy,
		record.CreatedAt,
		record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to put shard: %w", err)
	}
	return nil
}

// UpdateShardStatus sets the status of an existing record.
func (s *PostgresDirectoryStore) UpdateShardStatus(ctx context.Context, shardID string, status model.ShardStatus) error {
	query := `UPDATE shards SET status = $2, updated_at = $3 WHERE shard_id = $1`

	tag, err := s.pool.Exec(ctx, query, shardID, string(status), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update shard status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateShardHealth sets the health flag of an existing record.
func (s *PostgresDirectoryStore) UpdateShardHealth(ctx context.Context, shardID string, healthy bool) error {
	query := `UPDATE shards SET healthy = $2, updated_at = $3 WHERE shard_id = $1`

	tag, err := s.pool.Exec(ctx, query, shardID, healthy, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update shard health: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListTasks returns all live (non-archived) migration tasks.
func (s *PostgresDirectoryStore) ListTasks(ctx context.Context) ([]*model.MigrationTask, error) {
	query := taskSelect + ` WHERE archived = FALSE ORDER BY task_id`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*model.MigrationTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// GetTask returns a live or archived task by ID.
func (s *PostgresDirectoryStore) GetTask(ctx context.Context, taskID string) (*model.MigrationTask, error) {
	query := taskSelect + ` WHERE task_id = $1`

	task, err := scanTask(s.pool.QueryRow(ctx, query, taskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return task, nil
}

// PutTask inserts a new migration task.
func (s *PostgresDirectoryStore) PutTask(ctx context.Context, task *model.MigrationTask) error {
	query := `
		INSERT INTO migration_tasks
			(task_id, source_shard_id, target_shard_id, span_start, span_end,
			 phase, stalled, stall_reason, keys_copied, bytes_copied,
			 deadline, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err := s.pool.Exec(ctx, query,
		task.TaskID,
		task.SourceShardID,
		task.TargetShardID,
		int64(task.Span.Start),
		int64(task.Span.End),
		string(task.Phase),
		task.Stalled,
		task.StallReason,
		task.Progress.KeysCopied,
		task.Progress.BytesCopied,
		task.Deadline,
		task.StartedAt,
		task.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to put task: %w", err)
	}
	return nil
}

// UpdateTask replaces the mutable fields of an existing task.
func (s *PostgresDirectoryStore) UpdateTask(ctx context.Context, task *model.MigrationTask) error {
	query := `
		UPDATE migration_tasks
		SET phase = $2, stalled = $3, stall_reason = $4, keys_copied = $5,
		    bytes_copied = $6, deadline = $7, completed_at = $8
		WHERE task_id = $1
	`

	tag, err := s.pool.Exec(ctx, query,
		task.TaskID,
		string(task.Phase),
		task.Stalled,
		task.StallReason,
		task.Progress.KeysCopied,
		task.Progress.BytesCopied,
		task.Deadline,
		task.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ArchiveTask marks a task archived; it stays queryable by ID.
func (s *PostgresDirectoryStore) ArchiveTask(ctx context.Context, taskID string) error {
	query := `UPDATE migration_tasks SET archived = TRUE WHERE task_id = $1`

	tag, err := s.pool.Exec(ctx, query, taskID)
	if err != nil {
		return fmt.Errorf("failed to archive task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Ping checks database connectivity.
func (s *PostgresDirectoryStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool.
func (s *PostgresDirectoryStore) Close() {
	s.pool.Close()
}

const taskSelect = `
	SELECT task_id, source_shard_id, target_shard_id, span_start, span_end,
	       phase, stalled, stall_reason, keys_copied, bytes_copied,
	       deadline, started_at, completed_at
	FROM migration_tasks
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanShard(row rowScanner) (*model.ShardRecord, error) {
	var rec model.ShardRecord
	var status string
	err := row.Scan(
		&rec.ShardID,
		&rec.Endpoint,
		&status,
		&rec.Weight,
		&rec.Healthy,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Status = model.ShardStatus(status)
	return &rec, nil
}

func scanTask(row rowScanner) (*model.MigrationTask, error) {
	var task model.MigrationTask
	var phase string
	var spanStart, spanEnd int64
	err := row.Scan(
		&task.TaskID,
		&task.SourceShardID,
		&task.TargetShardID,
		&spanStart,
		&spanEnd,
		&phase,
		&task.Stalled,
		&task.StallReason,
		&task.Progress.KeysCopied,
		&task.Progress.BytesCopied,
		&task.Deadline,
		&task.StartedAt,
		&task.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	task.Phase = model.MigrationPhase(phase)
	task.Span = model.TokenSpan{Start: uint64(spanStart), End: uint64(spanEnd)}
	return &task, nil
}
