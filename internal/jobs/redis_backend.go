package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key layout, relative to the configured prefix.
const (
	redisJobKey        = ":job:"
	redisQueueKey      = ":queue"
	redisProcessingKey = ":processing"
	redisDelayedKey    = ":delayed"
	redisDeadKey       = ":dead"
	redisStatsKey      = ":stats"

	// DefaultRedisPrefix is the key prefix used when none is configured.
	DefaultRedisPrefix = "jobs"

	// JobTTL bounds how long a job blob lives in Redis once written.
	JobTTL = 7 * 24 * time.Hour

	// promoteBatch is the maximum number of delayed jobs moved per claim.
	promoteBatch = 100
)

// RedisBackendConfig configures a RedisBackend.
type RedisBackendConfig struct {
	// Prefix namespaces all keys. Defaults to DefaultRedisPrefix.
	Prefix string
	// BlockTimeout is how long Claim waits on an empty queue. Zero means no wait.
	BlockTimeout time.Duration
	Logger       *slog.Logger
}

// RedisBackend implements Backend on Redis lists and sorted sets.
// Claimed ids move atomically from the queue list to the processing list,
// and due delayed ids move to the queue in a single script call.
type RedisBackend struct {
	client *redis.Client
	cfg    RedisBackendConfig
}

// NewRedisBackend creates a Redis-backed job store.
func NewRedisBackend(client *redis.Client, cfg RedisBackendConfig) *RedisBackend {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultRedisPrefix
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &RedisBackend{client: client, cfg: cfg}
}

func (b *RedisBackend) key(suffix string) string {
	return b.cfg.Prefix + suffix
}

func (b *RedisBackend) jobKey(id string) string {
	return b.cfg.Prefix + redisJobKey + id
}

// Push stores the job blob and queues or schedules it.
func (b *RedisBackend) Push(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := b.client.TxPipeline()
	pipe.Set(ctx, b.jobKey(job.ID), data, JobTTL)
	if job.NextRunAt.After(time.Now()) {
		pipe.ZAdd(ctx, b.key(redisDelayedKey), redis.Z{Score: float64(job.NextRunAt.UnixMilli()), Member: job.ID})
	} else {
		pipe.LPush(ctx, b.key(redisQueueKey), job.ID)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

// Claim promotes due delayed jobs, then pops one id into the processing list.
func (b *RedisBackend) Claim(ctx context.Context, now time.Time) (*Job, error) {
	if err := b.promoteDue(ctx, now); err != nil {
		return nil, err
	}

	var (
		id  string
		err error
	)
	if b.cfg.BlockTimeout > 0 {
		id, err = b.client.BRPopLPush(ctx, b.key(redisQueueKey), b.key(redisProcessingKey), b.cfg.BlockTimeout).Result()
	} else {
		id, err = b.client.RPopLPush(ctx, b.key(redisQueueKey), b.key(redisProcessingKey)).Result()
	}
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoJob
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	job, err := b.Get(ctx, id)
	if err != nil {
		// Blob expired or corrupt; drop the dangling id.
		b.cfg.Logger.Warn("dropping job without data",
			slog.String("job_id", id),
			slog.String("error", err.Error()))
		_ = b.client.LRem(ctx, b.key(redisProcessingKey), 1, id).Err()
		return nil, ErrNoJob
	}

	job.markRunning(now)
	if err := b.save(ctx, job, JobTTL); err != nil {
		return nil, err
	}
	return job, nil
}

// promoteScript moves due ids from the delayed set to the queue in one step,
// so an id is never in neither. It returns the number promoted.
var promoteScript = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[2])
for _, id in ipairs(ids) do
	redis.call("ZREM", KEYS[1], id)
	redis.call("LPUSH", KEYS[2], id)
end
return #ids
`)

func (b *RedisBackend) promoteDue(ctx context.Context, now time.Time) error {
	err := promoteScript.Run(ctx, b.client,
		[]string{b.key(redisDelayedKey), b.key(redisQueueKey)},
		strconv.FormatInt(now.UnixMilli(), 10), promoteBatch).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to promote delayed jobs: %w", err)
	}
	return nil
}

// Reschedule moves a claimed job from processing to the delayed set.
func (b *RedisBackend) Reschedule(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := b.client.TxPipeline()
	pipe.Set(ctx, b.jobKey(job.ID), data, JobTTL)
	pipe.LRem(ctx, b.key(redisProcessingKey), 1, job.ID)
	pipe.ZAdd(ctx, b.key(redisDelayedKey), redis.Z{Score: float64(job.NextRunAt.UnixMilli()), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to reschedule job %s: %w", job.ID, err)
	}
	return nil
}

// Complete deletes a finished job.
func (b *RedisBackend) Complete(ctx context.Context, job *Job) error {
	pipe := b.client.TxPipeline()
	pipe.Del(ctx, b.jobKey(job.ID))
	pipe.LRem(ctx, b.key(redisProcessingKey), 1, job.ID)
	pipe.HIncrBy(ctx, b.key(redisStatsKey), string(StateSucceeded), 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to complete job %s: %w", job.ID, err)
	}
	return nil
}

// DeadLetter keeps the job blob without expiry and lists it as dead.
func (b *RedisBackend) DeadLetter(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := b.client.TxPipeline()
	pipe.Set(ctx, b.jobKey(job.ID), data, 0)
	pipe.LRem(ctx, b.key(redisProcessingKey), 1, job.ID)
	pipe.LPush(ctx, b.key(redisDeadKey), job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to dead-letter job %s: %w", job.ID, err)
	}
	return nil
}

// Get loads a job blob.
func (b *RedisBackend) Get(ctx context.Context, id string) (*Job, error) {
	data, err := b.client.Get(ctx, b.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job %s: %w", id, err)
	}
	return &job, nil
}

// ListDead returns up to limit dead-lettered jobs, newest first.
func (b *RedisBackend) ListDead(ctx context.Context, limit int) ([]*Job, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := b.client.LRange(ctx, b.key(redisDeadKey), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dead jobs: %w", err)
	}

	out := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := b.Get(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

// Revive moves a dead-lettered job back to the queue with attempts reset.
func (b *RedisBackend) Revive(ctx context.Context, id string, now time.Time) (*Job, error) {
	job, err := b.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.State != StateDeadLettered {
		return nil, ErrNotDeadLettered
	}

	removed, err := b.client.LRem(ctx, b.key(redisDeadKey), 1, id).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to remove job %s from dead list: %w", id, err)
	}
	if removed == 0 {
		// Revived concurrently by another operator.
		return nil, ErrNotDeadLettered
	}

	job.State = StateQueued
	job.Attempt = 0
	job.NextRunAt = now
	job.UpdatedAt = now

	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}
	pipe := b.client.TxPipeline()
	pipe.Set(ctx, b.jobKey(id), data, JobTTL)
	pipe.LPush(ctx, b.key(redisQueueKey), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to requeue job %s: %w", id, err)
	}
	return job, nil
}

// RecoverStale requeues jobs left in the processing list by a crashed worker.
func (b *RedisBackend) RecoverStale(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := b.client.LRange(ctx, b.key(redisProcessingKey), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list processing jobs: %w", err)
	}

	recovered := 0
	for _, id := range ids {
		job, err := b.Get(ctx, id)
		if err != nil {
			_ = b.client.LRem(ctx, b.key(redisProcessingKey), 1, id).Err()
			continue
		}
		if job.State != StateRunning || job.StartedAt == nil || !job.StartedAt.Before(cutoff) {
			continue
		}

		job.State = StateQueued
		job.StartedAt = nil
		job.LastError = "recovered by sweeper"
		job.UpdatedAt = time.Now()
		if err := b.save(ctx, job, JobTTL); err != nil {
			return recovered, err
		}

		removed, err := b.client.LRem(ctx, b.key(redisProcessingKey), 1, id).Result()
		if err != nil || removed == 0 {
			continue
		}
		if err := b.client.RPush(ctx, b.key(redisQueueKey), id).Err(); err != nil {
			return recovered, fmt.Errorf("failed to requeue job %s: %w", id, err)
		}
		recovered++
	}
	return recovered, nil
}

// Stats returns counts by state.
func (b *RedisBackend) Stats(ctx context.Context) (Stats, error) {
	pipe := b.client.Pipeline()
	queued := pipe.LLen(ctx, b.key(redisQueueKey))
	delayed := pipe.ZCard(ctx, b.key(redisDelayedKey))
	running := pipe.LLen(ctx, b.key(redisProcessingKey))
	dead := pipe.LLen(ctx, b.key(redisDeadKey))
	succeeded := pipe.HGet(ctx, b.key(redisStatsKey), string(StateSucceeded))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Stats{}, fmt.Errorf("failed to read job stats: %w", err)
	}

	s := Stats{
		Queued:       queued.Val() + delayed.Val(),
		Running:      running.Val(),
		DeadLettered: dead.Val(),
	}
	if n, err := succeeded.Int64(); err == nil {
		s.Succeeded = n
	}
	return s, nil
}

func (b *RedisBackend) save(ctx context.Context, job *Job, ttl time.Duration) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := b.client.Set(ctx, b.jobKey(job.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to update job %s: %w", job.ID, err)
	}
	return nil
}
