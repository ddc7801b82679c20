package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jinhuaxiao/longport-quant-new-sub001/internal/models"
)

// Pending-set scores encode (priority, publish order) in one float:
// priority*1e12 + seq. With priorities below ~1e3 and sequence numbers below
// 1e12 the sum stays inside float64's 53-bit integer range, so ordering is
// exact: strict by priority, FIFO within a priority.
const priorityScoreBase = 1e12

// consumePollInterval is how often Consume re-checks an empty queue.
const consumePollInterval = 200 * time.Millisecond

var publishScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 1 then
  return 0
end
local seq = redis.call('INCR', KEYS[5])
redis.call('ZADD', KEYS[2], tonumber(ARGV[2]) * 1e12 + seq, ARGV[1])
redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
redis.call('HSET', KEYS[3], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[4], ARGV[4], ARGV[1])
return 1
`)

var consumeScript = redis.NewScript(`
local ids = redis.call('ZRANGE', KEYS[1], 0, 0)
if #ids == 0 then
  return false
end
local id = ids[1]
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[2], tonumber(ARGV[1]), id)
local attempts = redis.call('HINCRBY', KEYS[4], id, 1)
local body = redis.call('HGET', KEYS[3], id)
local pri = redis.call('HGET', KEYS[5], id) or '0'
return {id, body, attempts, pri}
`)

var ackScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
local body = redis.call('HGET', KEYS[2], ARGV[1])
if body then
  local sig = cjson.decode(body)
  local key = sig.symbol .. '|' .. sig.kind
  if redis.call('HGET', KEYS[5], key) == ARGV[1] then
    redis.call('HDEL', KEYS[5], key)
  end
end
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
redis.call('HINCRBY', KEYS[6], 'acked', 1)
return 1
`)

var failScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 'missing'
end
local body = redis.call('HGET', KEYS[3], ARGV[1])
if not body then
  return 'missing'
end
local sig = cjson.decode(body)
local attempts = tonumber(redis.call('HGET', KEYS[4], ARGV[1]) or '0')
if ARGV[2] == '1' and attempts < tonumber(ARGV[3]) then
  local pri = tonumber(redis.call('HGET', KEYS[5], ARGV[1]) or '0')
  local kind = sig.kind
  if kind == 'STRONG_BUY' or kind == 'BUY' or kind == 'WEAK_BUY' then
    pri = pri + tonumber(ARGV[4])
  end
  redis.call('HSET', KEYS[5], ARGV[1], pri)
  local seq = redis.call('INCR', KEYS[8])
  redis.call('ZADD', KEYS[2], pri * 1e12 + seq, ARGV[1])
  return 'retried'
end
redis.call('HSET', KEYS[6], ARGV[1], ARGV[5])
redis.call('HDEL', KEYS[4], ARGV[1])
local key = sig.symbol .. '|' .. sig.kind
if redis.call('HGET', KEYS[7], key) == ARGV[1] then
  redis.call('HDEL', KEYS[7], key)
end
redis.call('HINCRBY', KEYS[9], 'failed', 1)
return 'failed'
`)

var reapScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local n = 0
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[1], id)
  local pri = tonumber(redis.call('HGET', KEYS[3], id) or '0')
  local seq = redis.call('INCR', KEYS[4])
  redis.call('ZADD', KEYS[2], pri * 1e12 + seq, id)
  n = n + 1
end
return n
`)

var retryFailedScript = redis.NewScript(`
local ids = redis.call('HKEYS', KEYS[1])
local n = 0
for _, id in ipairs(ids) do
  local pri = tonumber(redis.call('HGET', KEYS[4], id) or '0')
  local seq = redis.call('INCR', KEYS[5])
  redis.call('ZADD', KEYS[2], pri * 1e12 + seq, id)
  redis.call('HDEL', KEYS[3], id)
  local body = redis.call('HGET', KEYS[6], id)
  if body then
    local sig = cjson.decode(body)
    redis.call('HSET', KEYS[7], sig.symbol .. '|' .. sig.kind, id)
  end
  redis.call('HDEL', KEYS[1], id)
  n = n + 1
end
return n
`)

var clearSetScript = redis.NewScript(`
local ids = redis.call('ZRANGE', KEYS[1], 0, -1)
for _, id in ipairs(ids) do
  local body = redis.call('HGET', KEYS[2], id)
  if body then
    local sig = cjson.decode(body)
    local key = sig.symbol .. '|' .. sig.kind
    if redis.call('HGET', KEYS[5], key) == id then
      redis.call('HDEL', KEYS[5], key)
    end
  end
  redis.call('HDEL', KEYS[2], id)
  redis.call('HDEL', KEYS[3], id)
  redis.call('HDEL', KEYS[4], id)
end
redis.call('DEL', KEYS[1])
return #ids
`)

var clearFailedScript = redis.NewScript(`
local ids = redis.call('HKEYS', KEYS[1])
for _, id in ipairs(ids) do
  redis.call('HDEL', KEYS[2], id)
  redis.call('HDEL', KEYS[3], id)
end
redis.call('DEL', KEYS[1])
return #ids
`)

// RedisQueue is the Redis-backed Queue. All state transitions run as Lua
// scripts so they stay atomic under concurrent workers.
type RedisQueue struct {
	rdb         *redis.Client
	logger      *log.Logger
	visibility  time.Duration
	maxAttempts int

	pendingKey    string
	processingKey string
	payloadKey    string
	priorityKey   string
	attemptsKey   string
	failedKey     string
	indexKey      string
	seqKey        string
	statsKey      string
}

// Ensure RedisQueue implements Queue at compile time.
var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue creates the queue over an existing Redis client. The
// namespace and account isolate queues of co-located deployments. A
// non-positive maxAttempts falls back to the default.
func NewRedisQueue(rdb *redis.Client, namespace, accountID string, visibility time.Duration, maxAttempts int, logger *log.Logger) *RedisQueue {
	if maxAttempts <= 0 {
		maxAttempts = MaxAttempts
	}
	prefix := fmt.Sprintf("%s:%s", namespace, accountID)
	return &RedisQueue{
		rdb:           rdb,
		logger:        logger,
		visibility:    visibility,
		maxAttempts:   maxAttempts,
		pendingKey:    prefix + ":pending",
		processingKey: prefix + ":processing",
		payloadKey:    prefix + ":payload",
		priorityKey:   prefix + ":priority",
		attemptsKey:   prefix + ":attempts",
		failedKey:     prefix + ":failed",
		indexKey:      prefix + ":index",
		seqKey:        prefix + ":seq",
		statsKey:      prefix + ":stats",
	}
}

func pendingIndexKey(symbol string, kind models.SignalKind) string {
	return symbol + "|" + string(kind)
}

// Publish adds the signal to pending at its natural priority. Re-publishing
// an already queued signal ID is a no-op.
func (q *RedisQueue) Publish(ctx context.Context, sig models.Signal) error {
	payload, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("encoding signal %s: %w", sig.ID, err)
	}

	keys := []string{q.payloadKey, q.pendingKey, q.priorityKey, q.indexKey, q.seqKey}
	added, err := publishScript.Run(ctx, q.rdb, keys,
		sig.ID, sig.Priority(), payload, pendingIndexKey(sig.Symbol, sig.Kind)).Int()
	if err != nil {
		return fmt.Errorf("publishing signal %s: %w", sig.ID, err)
	}
	if added == 0 {
		q.logger.Printf("signal %s already queued, publish ignored", sig.ID)
	}
	return nil
}

// Consume polls for the best pending signal, reaping expired processing
// entries on each pass. Returns (nil, nil) when timeout elapses empty.
func (q *RedisQueue) Consume(ctx context.Context, timeout time.Duration) (*Delivery, error) {
	deadline := time.Now().Add(timeout)
	for {
		if n, err := q.ReapExpired(ctx); err != nil {
			return nil, err
		} else if n > 0 {
			q.logger.Printf("requeued %d signals past their visibility deadline", n)
		}

		d, err := q.tryConsume(ctx)
		if err != nil {
			return nil, err
		}
		if d != nil {
			return d, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		wait := consumePollInterval
		if remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (q *RedisQueue) tryConsume(ctx context.Context) (*Delivery, error) {
	keys := []string{q.pendingKey, q.processingKey, q.payloadKey, q.attemptsKey, q.priorityKey}
	visDeadline := time.Now().Add(q.visibility).Unix()
	res, err := consumeScript.Run(ctx, q.rdb, keys, visDeadline).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("consuming signal: %w", err)
	}

	fields, ok := res.([]interface{})
	if !ok || len(fields) != 4 {
		return nil, fmt.Errorf("consuming signal: unexpected script result %v", res)
	}
	body, _ := fields[1].(string)
	attempts, _ := fields[2].(int64)
	priStr, _ := fields[3].(string)

	var sig models.Signal
	if err := json.Unmarshal([]byte(body), &sig); err != nil {
		return nil, fmt.Errorf("decoding queued signal: %w", err)
	}
	var pri int
	_, _ = fmt.Sscanf(priStr, "%d", &pri)
	return &Delivery{Signal: sig, Priority: pri, Attempts: int(attempts)}, nil
}

// Ack removes a consumed signal for good.
func (q *RedisQueue) Ack(ctx context.Context, signalID string) error {
	keys := []string{q.processingKey, q.payloadKey, q.priorityKey, q.attemptsKey, q.indexKey, q.statsKey}
	removed, err := ackScript.Run(ctx, q.rdb, keys, signalID).Int()
	if err != nil {
		return fmt.Errorf("acking signal %s: %w", signalID, err)
	}
	if removed == 0 {
		return fmt.Errorf("acking signal %s: not in processing", signalID)
	}
	return nil
}

// Fail handles a delivery failure. Retryable failures with attempts left go
// back to pending; buys take a priority penalty so newer signals overtake
// them. Everything else lands in the failed bucket.
func (q *RedisQueue) Fail(ctx context.Context, signalID string, cause error, retryable bool) error {
	retryFlag := "0"
	if retryable {
		retryFlag = "1"
	}
	msg := "unknown"
	if cause != nil {
		msg = cause.Error()
	}

	keys := []string{
		q.processingKey, q.pendingKey, q.payloadKey, q.attemptsKey,
		q.priorityKey, q.failedKey, q.indexKey, q.seqKey, q.statsKey,
	}
	outcome, err := failScript.Run(ctx, q.rdb, keys,
		signalID, retryFlag, q.maxAttempts, buyRetryPriorityDegrade, msg).Text()
	if err != nil {
		return fmt.Errorf("failing signal %s: %w", signalID, err)
	}
	switch outcome {
	case "missing":
		return fmt.Errorf("failing signal %s: not in processing", signalID)
	case "retried":
		q.logger.Printf("signal %s requeued after failure: %s", signalID, msg)
	case "failed":
		q.logger.Printf("signal %s moved to failed: %s", signalID, msg)
	}
	return nil
}

// HasPending reports an unacked signal for the symbol and kind.
func (q *RedisQueue) HasPending(ctx context.Context, symbol string, kind models.SignalKind) (bool, error) {
	exists, err := q.rdb.HExists(ctx, q.indexKey, pendingIndexKey(symbol, kind)).Result()
	if err != nil {
		return false, fmt.Errorf("checking pending %s %s: %w", symbol, kind, err)
	}
	return exists, nil
}

// ReapExpired returns processing entries past their visibility deadline to
// pending at their current priority.
func (q *RedisQueue) ReapExpired(ctx context.Context) (int, error) {
	keys := []string{q.processingKey, q.pendingKey, q.priorityKey, q.seqKey}
	n, err := reapScript.Run(ctx, q.rdb, keys, time.Now().Unix()).Int()
	if err != nil {
		return 0, fmt.Errorf("reaping expired deliveries: %w", err)
	}
	return n, nil
}

// Stats returns bucket sizes and lifetime ack/fail counters.
func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.rdb.Pipeline()
	pendingCmd := pipe.ZCard(ctx, q.pendingKey)
	processingCmd := pipe.ZCard(ctx, q.processingKey)
	failedCmd := pipe.HLen(ctx, q.failedKey)
	ackedCmd := pipe.HGet(ctx, q.statsKey, "acked")
	totalFailedCmd := pipe.HGet(ctx, q.statsKey, "failed")
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return Stats{}, fmt.Errorf("fetching queue stats: %w", err)
	}

	stats := Stats{
		Pending:    pendingCmd.Val(),
		Processing: processingCmd.Val(),
		Failed:     failedCmd.Val(),
	}
	stats.TotalAcked, _ = ackedCmd.Int64()
	stats.TotalFailed, _ = totalFailedCmd.Int64()
	return stats, nil
}

// RetryFailed returns every failed signal to pending with attempts reset.
func (q *RedisQueue) RetryFailed(ctx context.Context) (int, error) {
	keys := []string{q.failedKey, q.pendingKey, q.attemptsKey, q.priorityKey, q.seqKey, q.payloadKey, q.indexKey}
	n, err := retryFailedScript.Run(ctx, q.rdb, keys).Int()
	if err != nil {
		return 0, fmt.Errorf("retrying failed signals: %w", err)
	}
	return n, nil
}

// Clear drops all entries in the named bucket.
func (q *RedisQueue) Clear(ctx context.Context, bucket Bucket) (int, error) {
	var (
		n   int
		err error
	)
	switch bucket {
	case BucketPending:
		keys := []string{q.pendingKey, q.payloadKey, q.priorityKey, q.attemptsKey, q.indexKey}
		n, err = clearSetScript.Run(ctx, q.rdb, keys).Int()
	case BucketProcessing:
		keys := []string{q.processingKey, q.payloadKey, q.priorityKey, q.attemptsKey, q.indexKey}
		n, err = clearSetScript.Run(ctx, q.rdb, keys).Int()
	case BucketFailed:
		keys := []string{q.failedKey, q.payloadKey, q.priorityKey}
		n, err = clearFailedScript.Run(ctx, q.rdb, keys).Int()
	default:
		return 0, fmt.Errorf("unknown queue bucket %q", bucket)
	}
	if err != nil {
		return 0, fmt.Errorf("clearing %s bucket: %w", bucket, err)
	}
	return n, nil
}
