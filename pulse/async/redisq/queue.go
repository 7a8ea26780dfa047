// Package redisq implements the job queue on redis.
//
// Each queue type owns a sorted set of message ids scored by the unix-milli
// instant they become visible, and one hash per message holding the record
// pointer, the current pop receipt and the dequeue count. Dequeue, Ack and
// UpdateVisibility are Lua scripts so receipt checks and score moves are atomic.
package redisq

import (
	"context"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/teranos/fhirlake/errors"
	"github.com/teranos/fhirlake/pulse/async"
)

// dequeueScript claims the oldest visible message.
// KEYS[1] visibility zset; ARGV: now, new visible_at, receipt, message key prefix
var dequeueScript = goredis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
	return false
end
local id = ids[1]
local key = ARGV[4] .. id
redis.call('ZADD', KEYS[1], ARGV[2], id)
redis.call('HSET', key, 'receipt', ARGV[3])
local count = redis.call('HINCRBY', key, 'count', 1)
local fields = redis.call('HMGET', key, 'partition', 'row')
return {id, fields[1], fields[2], count}
`)

// ackScript deletes a message if the receipt matches.
// KEYS[1] visibility zset, KEYS[2] message hash; ARGV: receipt, message id
var ackScript = goredis.NewScript(`
if redis.call('HGET', KEYS[2], 'receipt') ~= ARGV[1] then
	return 0
end
redis.call('DEL', KEYS[2])
redis.call('ZREM', KEYS[1], ARGV[2])
return 1
`)

// visibilityScript moves a message's visible_at if the receipt matches.
// KEYS[1] visibility zset, KEYS[2] message hash; ARGV: receipt, message id, visible_at
var visibilityScript = goredis.NewScript(`
if redis.call('HGET', KEYS[2], 'receipt') ~= ARGV[1] then
	return 0
end
redis.call('ZADD', KEYS[1], 'XX', ARGV[3], ARGV[2])
return 1
`)

// Queue is an async.Queue on redis
type Queue struct {
	client    goredis.UniversalClient
	queueType string
	timeNow   func() time.Time
}

var _ async.Queue = (*Queue)(nil)

// New creates a queue for one queue type
func New(client goredis.UniversalClient, queueType string) *Queue {
	return &Queue{client: client, queueType: queueType, timeNow: time.Now}
}

// SetClock replaces time.Now (tests)
func (q *Queue) SetClock(now func() time.Time) {
	q.timeNow = now
}

func (q *Queue) visibleKey() string {
	return "fhirlake:queue:" + q.queueType + ":visible"
}

func (q *Queue) messagePrefix() string {
	return "fhirlake:queue:" + q.queueType + ":msg:"
}

// Enqueue stores the message hash and makes it visible now
func (q *Queue) Enqueue(ctx context.Context, msg async.Message) error {
	// v7 ids sort by creation time, which keeps equal scores FIFO
	id, err := uuid.NewV7()
	if err != nil {
		return errors.Wrap(err, "failed to generate message id")
	}
	now := q.timeNow().UnixMilli()

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.messagePrefix()+id.String(),
		"partition", msg.RecordPartition,
		"row", msg.RecordRow,
		"enqueued_at", now,
		"count", 0,
	)
	pipe.ZAdd(ctx, q.visibleKey(), goredis.Z{Score: float64(now), Member: id.String()})
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "failed to enqueue %s/%s", msg.RecordPartition, msg.RecordRow)
	}
	return nil
}

// Dequeue hides the oldest visible message for visibility
func (q *Queue) Dequeue(ctx context.Context, visibility time.Duration) (*async.Delivery, error) {
	now := q.timeNow()
	receipt := uuid.NewString()

	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.visibleKey()},
		now.UnixMilli(), now.Add(visibility).UnixMilli(), receipt, q.messagePrefix(),
	).Slice()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to dequeue message")
	}
	if len(res) != 4 {
		return nil, errors.AssertionFailedf("dequeue script returned %d values", len(res))
	}

	d := &async.Delivery{Handle: async.Handle{PopReceipt: receipt}}
	d.Handle.MessageID, _ = res[0].(string)
	d.RecordPartition, _ = res[1].(string)
	d.RecordRow, _ = res[2].(string)
	count, _ := res[3].(int64)
	d.DequeueCount = int(count)
	return d, nil
}

// Ack removes the message if the receipt is current
func (q *Queue) Ack(ctx context.Context, h async.Handle) error {
	n, err := ackScript.Run(ctx, q.client,
		[]string{q.visibleKey(), q.messagePrefix() + h.MessageID},
		h.PopReceipt, h.MessageID,
	).Int()
	if err != nil {
		return errors.Wrapf(err, "failed to ack message %s", h.MessageID)
	}
	if n == 0 {
		return errors.Wrapf(async.ErrMessageNotFound, "message %s with receipt %s", h.MessageID, h.PopReceipt)
	}
	return nil
}

// UpdateVisibility hides the message for delay from now
func (q *Queue) UpdateVisibility(ctx context.Context, h async.Handle, delay time.Duration) error {
	n, err := visibilityScript.Run(ctx, q.client,
		[]string{q.visibleKey(), q.messagePrefix() + h.MessageID},
		h.PopReceipt, h.MessageID, q.timeNow().Add(delay).UnixMilli(),
	).Int()
	if err != nil {
		return errors.Wrapf(err, "failed to update visibility of message %s", h.MessageID)
	}
	if n == 0 {
		return errors.Wrapf(async.ErrMessageNotFound, "message %s with receipt %s", h.MessageID, h.PopReceipt)
	}
	return nil
}

// Len returns the number of messages held, visible or not
func (q *Queue) Len(ctx context.Context) (int, error) {
	n, err := q.client.ZCard(ctx, q.visibleKey()).Result()
	if err != nil {
		return 0, errors.Wrap(err, "failed to count messages")
	}
	return int(n), nil
}
