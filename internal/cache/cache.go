package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/glmharness/pkg/models"
	"github.com/redis/go-redis/v9"
)

// Cache is the live-status cache. All cache operations go through here.
// Implementations must be safe for concurrent use.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Ping(ctx context.Context) error
	SetJobStatus(ctx context.Context, status models.JobStatus, ttl time.Duration) error
	GetJobStatus(ctx context.Context, handle models.JobHandle) (models.JobStatus, bool, error)
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
	SetRunReport(ctx context.Context, report models.RunReport, ttl time.Duration) error
	GetRunReport(ctx context.Context, runID uuid.UUID) (*models.RunReport, bool, error)
}

// RedisCache implements the Cache interface using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

// Close releases the underlying connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// SetJobStatus stores the latest observed status of a remote job. Result
// payloads are dropped; only the lifecycle fields are cached.
func (c *RedisCache) SetJobStatus(ctx context.Context, status models.JobStatus, ttl time.Duration) error {
	status.Result = nil
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("encode job status: %w", err)
	}
	return c.client.Set(ctx, JobStatusKey(status.Handle), data, ttl).Err()
}

func (c *RedisCache) GetJobStatus(ctx context.Context, handle models.JobHandle) (models.JobStatus, bool, error) {
	data, found, err := c.Get(ctx, JobStatusKey(handle))
	if err != nil || !found {
		return models.JobStatus{}, false, err
	}
	var status models.JobStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return models.JobStatus{}, false, fmt.Errorf("decode job status: %w", err)
	}
	return status, true, nil
}

func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (c *RedisCache) SetRunReport(ctx context.Context, report models.RunReport, ttl time.Duration) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode run report: %w", err)
	}
	return c.Set(ctx, RunReportKey(report.ID), data, ttl)
}

func (c *RedisCache) GetRunReport(ctx context.Context, runID uuid.UUID) (*models.RunReport, bool, error) {
	data, found, err := c.Get(ctx, RunReportKey(runID))
	if err != nil || !found {
		return nil, false, err
	}
	var report models.RunReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, false, fmt.Errorf("decode run report: %w", err)
	}
	return &report, true, nil
}

// Compile-time check that RedisCache implements Cache.
var _ Cache = (*RedisCache)(nil)
