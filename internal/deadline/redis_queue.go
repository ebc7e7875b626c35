package deadline

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const deadlineKey = "job:deadlines"

// RedisQueue keeps deadlines in a Redis sorted set scored by unix time.
type RedisQueue struct {
	rdb *redis.Client
}

// NewRedisQueue creates a Redis-backed deadline queue.
func NewRedisQueue(rdb *redis.Client) *RedisQueue {
	return &RedisQueue{rdb: rdb}
}

func (q *RedisQueue) Schedule(ctx context.Context, jobID string, at time.Time) error {
	return q.rdb.ZAdd(ctx, deadlineKey, redis.Z{
		Score:  float64(at.Unix()),
		Member: jobID,
	}).Err()
}

func (q *RedisQueue) Remove(ctx context.Context, jobID string) error {
	return q.rdb.ZRem(ctx, deadlineKey, jobID).Err()
}

func (q *RedisQueue) Peek(ctx context.Context) (string, time.Time, error) {
	entries, err := q.rdb.ZRangeWithScores(ctx, deadlineKey, 0, 0).Result()
	if err != nil {
		return "", time.Time{}, err
	}
	if len(entries) == 0 {
		return "", time.Time{}, ErrEmpty
	}
	jobID, _ := entries[0].Member.(string)
	return jobID, time.Unix(int64(entries[0].Score), 0), nil
}

func (q *RedisQueue) Claim(ctx context.Context, jobID string) (bool, error) {
	removed, err := q.rdb.ZRem(ctx, deadlineKey, jobID).Result()
	if err != nil {
		return false, err
	}
	return removed > 0, nil
}
