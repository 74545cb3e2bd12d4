// Package health probes shard endpoints asynchronously. Probe results
// only flip the health flag on shard records; they never mutate shard
// status, which stays under the directory's state machine.
package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devrev/shardrouter/internal/directory"
	"github.com/devrev/shardrouter/internal/model"
)

// Checker periodically probes every non-retired shard.
type Checker struct {
	dir         *directory.Directory
	client      *http.Client
	interval    time.Duration
	concurrency int
	logger      *zap.Logger
}

// NewChecker creates a health checker.
func NewChecker(dir *directory.Directory, interval, timeout time.Duration, concurrency int, logger *zap.Logger) *Checker {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Checker{
		dir:         dir,
		client:      &http.Client{Timeout: timeout},
		interval:    interval,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Run probes all shards on the configured interval until ctx is
// cancelled. The first round runs immediately.
func (c *Checker) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.checkAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkAll(ctx)
		}
	}
}

func (c *Checker) checkAll(ctx context.Context) {
	shards, err := c.dir.Snapshot(ctx)
	if err != nil {
		c.logger.Error("health check snapshot failed", zap.Error(err))
		return
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, rec := range shards {
		if rec.Status == model.ShardStatusRetired {
			continue
		}
		rec := rec
		g.Go(func() error {
			healthy := c.probe(ctx, rec.Endpoint)
			if healthy == rec.Healthy {
				return nil
			}
			if err := c.dir.SetHealth(ctx, rec.ShardID, healthy); err != nil {
				c.logger.Error("failed to record health change",
					zap.String("shard_id", rec.ShardID), zap.Error(err))
				return nil
			}
			c.logger.Info("shard health changed",
				zap.String("shard_id", rec.ShardID),
				zap.String("endpoint", rec.Endpoint),
				zap.Bool("healthy", healthy))
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Checker) probe(ctx context.Context, endpoint string) bool {
	url := fmt.Sprintf("http://%s/healthz", endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
