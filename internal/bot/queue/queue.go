// Package queue implements spec §6's "work-queue keys per worker queue"
// (bot_execution, maintenance, notifications) as a Redis-backed delayed
// queue, and the worker pool that drains bot_execution into
// orchestrator.RunCycle calls.
//
// A Redis sorted set is the natural structure for the scheduler's "enqueue
// with a 5s delay" contract (spec §4.F): the member is the subscription id,
// the score is its due unix timestamp, and popping due work is a
// ZRANGEBYSCORE bounded by now followed by a ZREM of exactly what was
// read — no separate delay-timer goroutine is needed per enqueued item.
package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"botplatform/internal/bot/botlib"
)

// QueueName identifiers match spec §6's Redis key list.
const (
	QueueBotExecution  = "bot_execution"
	QueueMaintenance   = "maintenance"
	QueueNotifications = "notifications"
)

// RedisQueue backs scheduler.ExecutionQueue (Enqueue) and Dispatcher (Due).
// Redis holding only ephemeral queue state matches spec §5's degrade
// story: if Redis is unreachable, Enqueue fails and the next scheduler
// sweep simply retries — no work is silently lost beyond a delayed retry,
// since next_run_at in Postgres is the durable source of what's due.
type RedisQueue struct {
	client *redis.Client
	key    string
	logger botlib.Logger
}

// NewRedisQueue builds a queue bound to one named Redis sorted set key.
func NewRedisQueue(client *redis.Client, name string, logger botlib.Logger) *RedisQueue {
	return &RedisQueue{client: client, key: name, logger: logger.WithField("queue", name)}
}

// Enqueue implements scheduler.ExecutionQueue: schedule subscriptionID to
// become due after delay. Re-enqueuing an id already present simply moves
// its score forward or back (ZADD overwrites), which is harmless — the
// worst case is one extra RunCycle call that the exec lock turns into a
// no-op.
func (q *RedisQueue) Enqueue(ctx context.Context, subscriptionID int64, delay time.Duration) error {
	due := time.Now().Add(delay)
	return q.client.ZAdd(ctx, q.key, redis.Z{
		Score:  float64(due.Unix()),
		Member: strconv.FormatInt(subscriptionID, 10),
	}).Err()
}

// Due pops up to max members whose score is <= now. Each member is claimed
// with its own ZREM and returned only if that call removed it, so no two
// dispatchers can claim the same item.
func (q *RedisQueue) Due(ctx context.Context, max int64) ([]int64, error) {
	now := fmt.Sprintf("%d", time.Now().Unix())
	members, err := q.client.ZRangeByScore(ctx, q.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: max,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}

	ids := make([]int64, 0, len(members))
	for _, m := range members {
		removed, err := q.client.ZRem(ctx, q.key, m).Result()
		if err != nil {
			if len(ids) == 0 {
				return nil, err
			}
			break
		}
		if removed == 0 {
			continue // claimed by another dispatcher
		}
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			q.logger.Warn("dropping malformed queue member", "member", m, "error", err)
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}
