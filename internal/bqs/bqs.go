// Package bqs implements the Blob & Queue Store client: the ephemeral
// coordination point between the Submission Service and the Worker Pool
// (spec §2, §3, §6). It wraps go-redis/v8 with the command set spec §6
// names: LPUSH, BRPOP, RPOP, GET/SET with TTL, INCR, DEL, LRANGE, LLEN.
// IncrRetry also issues EXPIRE, and the worker registry/heartbeat keys use
// SADD, SREM, SMEMBERS and EXISTS.
package bqs

import (
	"context"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// Client is the minimal command set the core needs from BQS. It is an
// interface (spec §9: "duck-typed queue client becomes an interface with the
// minimal command set") so tests can substitute miniredis or a fake without
// a live Redis.
type Client interface {
	Enqueue(ctx context.Context, jobID int64) error
	Dequeue(ctx context.Context, timeout time.Duration) (int64, bool, error)
	DequeueNonBlocking(ctx context.Context) (int64, bool, error)

	PutImage(ctx context.Context, jobID int64, image []byte, ttl time.Duration) error
	GetImage(ctx context.Context, jobID int64) ([]byte, bool, error)

	SetCache(ctx context.Context, sha256Hex string, jobID int64, ttl time.Duration) error
	GetCache(ctx context.Context, sha256Hex string) (int64, bool, error)

	IncrRetry(ctx context.Context, jobID int64, ttl time.Duration) (int64, error)
	DeleteRetry(ctx context.Context, jobID int64) error

	PushDLQ(ctx context.Context, jobID int64) error
	DLQDepth(ctx context.Context) (int64, error)
	DLQEntries(ctx context.Context, start, stop int64) ([]int64, error)

	QueueDepth(ctx context.Context) (int64, error)

	RegisterWorker(ctx context.Context, instanceID string) error
	DeregisterWorker(ctx context.Context, instanceID string) error
	Heartbeat(ctx context.Context, instanceID string, ttl time.Duration) error
	WorkerAlive(ctx context.Context, instanceID string) (bool, error)
	RegisteredWorkers(ctx context.Context) ([]string, error)

	SetJobOwner(ctx context.Context, jobID int64, instanceID string, ttl time.Duration) error
	GetJobOwner(ctx context.Context, jobID int64) (string, bool, error)

	Close() error
}

// RedisClient is the production Client backed by a real Redis (or
// Redis-compatible, e.g. miniredis in tests) server.
type RedisClient struct {
	rdb *redis.Client
}

// New wraps an existing *redis.Client. Connection setup (addr/password/db)
// is the caller's responsibility, matching internal/config.Config's fields.
func New(rdb *redis.Client) *RedisClient {
	return &RedisClient{rdb: rdb}
}

func (c *RedisClient) Close() error { return c.rdb.Close() }

// Enqueue appends a job id to the pending-job list. LPUSH pairs with
// BRPOP/RPOP so the list behaves as a FIFO queue (spec §3 table).
func (c *RedisClient) Enqueue(ctx context.Context, jobID int64) error {
	return c.rdb.LPush(ctx, QueueKey, jobID).Err()
}

// Dequeue blocks up to timeout for one job id. Returns ok=false on timeout,
// matching spec §4.3 step 1 ("returns exactly one job_id or times out").
func (c *RedisClient) Dequeue(ctx context.Context, timeout time.Duration) (int64, bool, error) {
	res, err := c.rdb.BRPop(ctx, timeout, QueueKey).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	// BRPop returns [key, value].
	id, err := parseInt64(res[1])
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// DequeueNonBlocking performs a single non-blocking RPOP, used to extend a
// batch window (spec §4.3 step 1: "perform non-blocking RPOPs").
func (c *RedisClient) DequeueNonBlocking(ctx context.Context) (int64, bool, error) {
	res, err := c.rdb.RPop(ctx, QueueKey).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	id, err := parseInt64(res)
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (c *RedisClient) PutImage(ctx context.Context, jobID int64, image []byte, ttl time.Duration) error {
	return c.rdb.Set(ctx, ImageKey(jobID), image, ttl).Err()
}

func (c *RedisClient) GetImage(ctx context.Context, jobID int64) ([]byte, bool, error) {
	b, err := c.rdb.Get(ctx, ImageKey(jobID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (c *RedisClient) SetCache(ctx context.Context, sha256Hex string, jobID int64, ttl time.Duration) error {
	return c.rdb.Set(ctx, CacheKey(sha256Hex), jobID, ttl).Err()
}

func (c *RedisClient) GetCache(ctx context.Context, sha256Hex string) (int64, bool, error) {
	v, err := c.rdb.Get(ctx, CacheKey(sha256Hex)).Int64()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

// IncrRetry increments the per-job retry counter and (re)sets its TTL on
// every call, matching spec §4.4 step 1. INCR on a missing key starts at 1.
func (c *RedisClient) IncrRetry(ctx context.Context, jobID int64, ttl time.Duration) (int64, error) {
	key := RetryKey(jobID)
	n, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if err := c.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return n, err
	}
	return n, nil
}

func (c *RedisClient) DeleteRetry(ctx context.Context, jobID int64) error {
	return c.rdb.Del(ctx, RetryKey(jobID)).Err()
}

func (c *RedisClient) PushDLQ(ctx context.Context, jobID int64) error {
	return c.rdb.LPush(ctx, DLQKey, jobID).Err()
}

func (c *RedisClient) DLQDepth(ctx context.Context) (int64, error) {
	return c.rdb.LLen(ctx, DLQKey).Result()
}

func (c *RedisClient) DLQEntries(ctx context.Context, start, stop int64) ([]int64, error) {
	vals, err := c.rdb.LRange(ctx, DLQKey, start, stop).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(vals))
	for _, v := range vals {
		id, err := parseInt64(v)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (c *RedisClient) QueueDepth(ctx context.Context) (int64, error) {
	return c.rdb.LLen(ctx, QueueKey).Result()
}

// --- worker registry / heartbeat (supplemented feature, SPEC_FULL.md §1) ---

func (c *RedisClient) RegisterWorker(ctx context.Context, instanceID string) error {
	return c.rdb.SAdd(ctx, WorkerRegistryKey, instanceID).Err()
}

func (c *RedisClient) DeregisterWorker(ctx context.Context, instanceID string) error {
	return c.rdb.SRem(ctx, WorkerRegistryKey, instanceID).Err()
}

func (c *RedisClient) Heartbeat(ctx context.Context, instanceID string, ttl time.Duration) error {
	return c.rdb.Set(ctx, WorkerHeartbeatKey(instanceID), "alive", ttl).Err()
}

func (c *RedisClient) WorkerAlive(ctx context.Context, instanceID string) (bool, error) {
	n, err := c.rdb.Exists(ctx, WorkerHeartbeatKey(instanceID)).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (c *RedisClient) RegisteredWorkers(ctx context.Context) ([]string, error) {
	return c.rdb.SMembers(ctx, WorkerRegistryKey).Result()
}

// SetJobOwner records which worker instance promoted jobID to IN_PROGRESS.
// The entry's TTL should track the caller's stuck-in-progress threshold: it
// is a non-authoritative hint, not part of the state machine, so letting it
// expire around the same time a sweep would consider the job stuck is fine.
func (c *RedisClient) SetJobOwner(ctx context.Context, jobID int64, instanceID string, ttl time.Duration) error {
	return c.rdb.Set(ctx, JobOwnerKey(jobID), instanceID, ttl).Err()
}

func (c *RedisClient) GetJobOwner(ctx context.Context, jobID int64) (string, bool, error) {
	v, err := c.rdb.Get(ctx, JobOwnerKey(jobID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func parseInt64(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}
