package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/joseph-ayodele/pii-anonymizer/internal/common"
)

// RedisQueue keeps jobs in a sorted set so they survive restarts. Workers
// pop with BZPOPMAX, so each entry is delivered to exactly one of them.
type RedisQueue struct {
	client *redis.Client
	key    string
	wait   time.Duration
	logger *zap.SugaredLogger
}

// NewRedisQueue connects to cfg.URL and pings it.
func NewRedisQueue(ctx context.Context, cfg common.RedisConfig, logger *zap.SugaredLogger) (*RedisQueue, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, common.ServiceError("redis", true, err)
	}

	q := NewRedisQueueFromClient(client, cfg.QueueKey, cfg.DequeueTimeout, logger)
	logger.Infow("queue.redis.ready", "addr", opts.Addr, "key", q.key)
	return q, nil
}

func NewRedisQueueFromClient(client *redis.Client, key string, wait time.Duration, logger *zap.SugaredLogger) *RedisQueue {
	if key == "" {
		key = "anonymizer:jobs"
	}
	if wait <= 0 {
		wait = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &RedisQueue{client: client, key: key, wait: wait, logger: logger}
}

// score orders by priority, then by submission time (older first).
func score(job Job) float64 {
	return float64(clampPriority(job.Priority))*1e10 - float64(job.SubmittedAt.Unix()%1e10)
}

func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = time.Now().UTC()
	}
	member, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if err := q.client.ZAdd(ctx, q.key, &redis.Z{Score: score(job), Member: string(member)}).Err(); err != nil {
		q.logger.Errorw("queue.enqueue.failed", "job_id", job.JobID, "err", err)
		return common.ServiceError("redis", true, err)
	}
	q.logger.Debugw("queue.enqueued", "job_id", job.JobID, "attempt", job.Attempt, "priority", job.Priority)
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (Job, error) {
	res, err := q.client.BZPopMax(ctx, q.wait, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return Job{}, ErrNoJob
	}
	if errors.Is(err, redis.ErrClosed) {
		return Job{}, ErrQueueClosed
	}
	if err != nil {
		if ctx.Err() != nil {
			return Job{}, ctx.Err()
		}
		return Job{}, common.ServiceError("redis", true, err)
	}

	raw, ok := res.Member.(string)
	if !ok {
		return Job{}, fmt.Errorf("unexpected queue member type %T", res.Member)
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		q.logger.Errorw("queue.member.invalid", "err", err)
		return Job{}, fmt.Errorf("decode queued job: %w", err)
	}
	return job, nil
}

// Len reports the number of waiting jobs.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.key).Result()
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}
