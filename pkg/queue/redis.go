package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/jdziat/simple-durable-pipelines/pkg/core"
	"github.com/jdziat/simple-durable-pipelines/pkg/schedule"
	"github.com/jdziat/simple-durable-pipelines/pkg/security"
)

// RedisQueue keeps deliveries in Redis. Due deliveries sit in a sorted set
// scored by their not-before time; claimed ones move to an in-flight set
// scored by their lock expiry. Each delivery's invocation and bookkeeping
// live in a hash. Moves between the sets run as Lua scripts, so a delivery
// is always in exactly one of them.
type RedisQueue struct {
	client goredis.Cmdable
	cfg    Config
	crons  *cronTable
}

var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue creates a queue over client. The caller owns the client.
func NewRedisQueue(client goredis.Cmdable, opts ...Option) *RedisQueue {
	return &RedisQueue{client: client, cfg: newConfig(opts), crons: newCronTable()}
}

// Ping verifies the Redis connection is alive.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisQueue) deliveryPrefix() string       { return q.cfg.Prefix + "delivery:" }
func (q *RedisQueue) deliveryKey(id string) string { return q.deliveryPrefix() + id }
func (q *RedisQueue) readyKey() string             { return q.cfg.Prefix + "ready" }
func (q *RedisQueue) inflightKey() string          { return q.cfg.Prefix + "inflight" }
func (q *RedisQueue) dedupeKey(key string) string  { return q.cfg.Prefix + "dedupe:" + key }

// Delivery hash fields.
const (
	fieldInvocation = "invocation"
	fieldDeliveries = "deliveries"
	fieldLockedBy   = "locked_by"
	fieldLastError  = "last_error"
)

// requeueScript moves up to ARGV[2] in-flight members whose lock expired at
// or before ARGV[1] back to the ready set.
var requeueScript = goredis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('ZADD', KEYS[2], ARGV[1], id)
end
return #ids
`)

// claimScript takes the oldest due member of the ready set, locks it until
// ARGV[2] for worker ARGV[3], and returns {id, invocation, deliveries}.
// A member without a hash is removed and returned as {id}.
var claimScript = goredis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
  return false
end
local id = ids[1]
local key = ARGV[4] .. id
redis.call('ZREM', KEYS[1], id)
local inv = redis.call('HGET', key, 'invocation')
if not inv then
  return {id}
end
local n = redis.call('HINCRBY', key, 'deliveries', 1)
redis.call('HSET', key, 'locked_by', ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[2], id)
return {id, inv, n}
`)

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func scoreArg(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func (q *RedisQueue) prepare(inv core.Invocation) (core.Invocation, error) {
	if err := security.ValidateJobTypeName(inv.JobType); err != nil {
		return inv, err
	}
	if err := security.ValidatePayload(inv.Payload); err != nil {
		return inv, err
	}
	inv.DeliveryID = uuid.New().String()
	if inv.NotBefore.IsZero() {
		inv.NotBefore = q.cfg.Now()
	}
	return inv, nil
}

func (q *RedisQueue) add(ctx context.Context, inv core.Invocation) error {
	data, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("encode delivery: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.deliveryKey(inv.DeliveryID), fieldInvocation, data, fieldDeliveries, 0)
	pipe.ZAdd(ctx, q.readyKey(), goredis.Z{Score: score(inv.NotBefore), Member: inv.DeliveryID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue %s: %w", inv.JobType, err)
	}
	return nil
}

// Enqueue implements core.WorkQueue.
func (q *RedisQueue) Enqueue(ctx context.Context, inv core.Invocation) error {
	inv, err := q.prepare(inv)
	if err != nil {
		return err
	}
	return q.add(ctx, inv)
}

// EnqueueUnique implements Queue. Keys are remembered for the DedupeTTL.
func (q *RedisQueue) EnqueueUnique(ctx context.Context, inv core.Invocation, key string) (bool, error) {
	inv, err := q.prepare(inv)
	if err != nil {
		return false, err
	}
	ok, err := q.client.SetNX(ctx, q.dedupeKey(key), inv.DeliveryID, q.cfg.DedupeTTL).Result()
	if err != nil {
		return false, fmt.Errorf("reserve unique key: %w", err)
	}
	if !ok {
		return false, nil
	}
	if err := q.add(ctx, inv); err != nil {
		if delErr := q.client.Del(ctx, q.dedupeKey(key)).Err(); delErr != nil {
			err = errors.Join(err, fmt.Errorf("release unique key: %w", delErr))
		}
		return false, err
	}
	return true, nil
}

// ScheduleCron implements core.WorkQueue.
func (q *RedisQueue) ScheduleCron(jobType string, sched schedule.Schedule, payload json.RawMessage) error {
	return q.crons.add(jobType, sched, payload)
}

// Scheduled implements Queue.
func (q *RedisQueue) Scheduled() []ScheduledJob {
	return q.crons.list()
}

const requeueBatch = 100

// requeueExpired moves claims whose lock ran out back to the ready set.
func (q *RedisQueue) requeueExpired(ctx context.Context, now time.Time) error {
	keys := []string{q.inflightKey(), q.readyKey()}
	return requeueScript.Run(ctx, q.client, keys, scoreArg(now), requeueBatch).Err()
}

// Dequeue implements Source. The claim runs as one script, so concurrent
// workers never share a delivery and a failed call never loses one.
func (q *RedisQueue) Dequeue(ctx context.Context, workerID string) (*Delivery, error) {
	now := q.cfg.Now()
	if err := q.requeueExpired(ctx, now); err != nil {
		return nil, fmt.Errorf("requeue expired: %w", err)
	}

	lockUntil := now.Add(q.cfg.Visibility)
	keys := []string{q.readyKey(), q.inflightKey()}
	reply, err := claimScript.Run(ctx, q.client, keys, scoreArg(now), scoreArg(lockUntil), workerID, q.deliveryPrefix()).Slice()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}

	id, _ := reply[0].(string)
	if len(reply) < 3 {
		return nil, fmt.Errorf("delivery %s: missing payload, dropped", id)
	}
	raw, _ := reply[1].(string)
	var inv core.Invocation
	if err := json.Unmarshal([]byte(raw), &inv); err != nil {
		return nil, fmt.Errorf("decode delivery %s: %w", id, err)
	}
	deliveries, _ := reply[2].(int64)

	return &Delivery{
		Invocation:  inv,
		Deliveries:  int(deliveries),
		LockedBy:    workerID,
		LockedUntil: lockUntil,
	}, nil
}

// claimed reports whether d is still in flight and claimed by its worker.
func (q *RedisQueue) claimed(ctx context.Context, d *Delivery) error {
	_, err := q.client.ZScore(ctx, q.inflightKey(), d.DeliveryID).Result()
	if errors.Is(err, goredis.Nil) {
		return ErrNotOwned
	}
	if err != nil {
		return err
	}
	owner, err := q.client.HGet(ctx, q.deliveryKey(d.DeliveryID), fieldLockedBy).Result()
	if errors.Is(err, goredis.Nil) {
		return ErrNotOwned
	}
	if err != nil {
		return err
	}
	if owner != d.LockedBy {
		return ErrNotOwned
	}
	return nil
}

// Ack implements Source.
func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	if err := q.claimed(ctx, d); err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey(), d.DeliveryID)
	pipe.Del(ctx, q.deliveryKey(d.DeliveryID))
	_, err := pipe.Exec(ctx)
	return err
}

// Nack implements Source.
func (q *RedisQueue) Nack(ctx context.Context, d *Delivery, retryAt time.Time, cause error) error {
	if err := q.claimed(ctx, d); err != nil {
		return err
	}
	var lastError string
	if cause != nil {
		lastError = security.SanitizeErrorMessage(cause.Error())
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.deliveryKey(d.DeliveryID), fieldLockedBy, "", fieldLastError, lastError)
	pipe.ZRem(ctx, q.inflightKey(), d.DeliveryID)
	pipe.ZAdd(ctx, q.readyKey(), goredis.Z{Score: score(retryAt), Member: d.DeliveryID})
	_, err := pipe.Exec(ctx)
	return err
}

// Heartbeat implements Source.
func (q *RedisQueue) Heartbeat(ctx context.Context, d *Delivery) error {
	if err := q.claimed(ctx, d); err != nil {
		return err
	}
	until := q.cfg.Now().Add(q.cfg.Visibility)
	if err := q.client.ZAddXX(ctx, q.inflightKey(), goredis.Z{Score: score(until), Member: d.DeliveryID}).Err(); err != nil {
		return err
	}
	d.LockedUntil = until
	return nil
}

// Depth implements Queue.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	ready := pipe.ZCard(ctx, q.readyKey())
	inflight := pipe.ZCard(ctx, q.inflightKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return ready.Val() + inflight.Val(), nil
}
