package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue is the dispatch queue between task admission and the worker
// pool: a ready list plus an in-flight sorted set scored by lease deadline.
// A worker that dies without acking leaves its task in the in-flight set
// until the lease expires and RequeueExpired feeds it back to the pool.
type RedisQueue struct {
	client      *redis.Client
	readyKey    string
	inflightKey string
	lease       time.Duration
}

// New builds a queue on an existing Redis client.
func New(client *redis.Client, lease time.Duration) *RedisQueue {
	if lease == 0 {
		lease = 60 * time.Second
	}
	return &RedisQueue{
		client:      client,
		readyKey:    "dispatch:ready",
		inflightKey: "dispatch:inflight",
		lease:       lease,
	}
}

// Enqueue appends a task to the ready list.
func (q *RedisQueue) Enqueue(ctx context.Context, taskID string) error {
	return q.client.RPush(ctx, q.readyKey, taskID).Err()
}

// DequeueWithLease pops the oldest ready task and records it in-flight with a
// visibility deadline. Returns "" when the queue is empty.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (string, error) {
	res, err := dequeueScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey},
		time.Now().Add(q.lease).UnixMilli()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	taskID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return taskID, nil
}

// ExtendLease pushes the visibility deadline forward for a slow execution.
func (q *RedisQueue) ExtendLease(ctx context.Context, taskID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: taskID,
	}).Err()
}

// Ack removes a task from in-flight tracking once its outcome is recorded.
func (q *RedisQueue) Ack(ctx context.Context, taskID string) error {
	return q.client.ZRem(ctx, q.inflightKey, taskID).Err()
}

// RequeueExpired reclaims leases that timed out and re-enqueues the tasks.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// Depth returns the number of tasks waiting to be dispatched.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

var dequeueScript = redis.NewScript(`
local task = redis.call('LPOP', KEYS[1])
if task then
  redis.call('ZADD', KEYS[2], ARGV[1], task)
  return task
end
return nil
`)
