// Package store holds the atomic Redis operations the Queue Service builds
// on. Every state transition that must not race between task state and
// queue membership goes through exactly one of the functions here: either
// a single Lua script when the outcome depends on a value read during the
// same round trip, or a MULTI/EXEC pipeline (redis.UniversalClient.
// TxPipelined) when the writes are unconditional given inputs already
// decided by the caller.
//
// Task records are stored as opaque serialized blobs (a Redis STRING per
// id), not as Redis hashes: every mutation is computed by the caller (which
// knows the Task Go type) and handed to this package as an already-encoded
// []byte, so these scripts never need to parse JSON inside Lua. Only the
// worker heartbeat and schedule entries use real Redis hashes.
package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrEmpty is returned by BlockingPop when the timeout elapses with nothing
// to claim across any of the given keys.
var ErrEmpty = errors.New("store: no item available")

// submitScript writes one task's serialized record, indexes its id to its
// owning queue (so GetStatus/GetResult can find it without knowing the
// queue), and pushes its id onto the target priority lane, all atomically.
var submitScript = redis.NewScript(`
redis.call('SET', KEYS[1], ARGV[1])
redis.call('SET', KEYS[2], ARGV[2])
redis.call('LPUSH', KEYS[3], ARGV[3])
return 1
`)

// Submit stores data under taskKey, indexes id -> queue under indexKey, and
// pushes id onto laneKey.
func Submit(ctx context.Context, rdb redis.UniversalClient, taskKey, indexKey, laneKey, id, queue string, data []byte) error {
	return submitScript.Run(ctx, rdb, []string{taskKey, indexKey, laneKey}, data, queue, id).Err()
}

// submitBatchScript writes N tasks, their id->queue index entries, and
// pushes their ids onto their lanes in submission order, atomically. ARGV is
// [n, taskKey1, data1, indexKey1, queue1, laneKey1, id1, ...]. Keys are
// passed via ARGV rather than KEYS so a batch may freely span multiple
// queues (multiple hash-tag groups) on a non-Cluster deployment; because the
// keys are not declared in KEYS, this script is not Cluster-safe.
var submitBatchScript = redis.NewScript(`
local n = tonumber(ARGV[1])
local i = 2
for j = 1, n do
  local taskKey = ARGV[i]
  local data = ARGV[i+1]
  local indexKey = ARGV[i+2]
  local queue = ARGV[i+3]
  local laneKey = ARGV[i+4]
  local id = ARGV[i+5]
  redis.call('SET', taskKey, data)
  redis.call('SET', indexKey, queue)
  redis.call('LPUSH', laneKey, id)
  i = i + 6
end
return n
`)

// BatchItem is one record to write in SubmitBatch.
type BatchItem struct {
	TaskKey  string
	IndexKey string
	Queue    string
	LaneKey  string
	ID       string
	Data     []byte
}

// SubmitBatch writes and enqueues every item atomically, preserving
// submission order within each distinct lane key.
func SubmitBatch(ctx context.Context, rdb redis.UniversalClient, items []BatchItem) error {
	if len(items) == 0 {
		return nil
	}
	argv := make([]any, 0, 1+len(items)*6)
	argv = append(argv, len(items))
	for _, it := range items {
		argv = append(argv, it.TaskKey, it.Data, it.IndexKey, it.Queue, it.LaneKey, it.ID)
	}
	return submitBatchScript.Run(ctx, rdb, nil, argv...).Err()
}

// BlockingPop pops the first available member across keys in the given
// order (Redis's own BRPOP key ordering), waiting up to timeout for one to
// become available. Callers order keys highest-priority-first so ties among
// simultaneously-ready lanes resolve in priority order.
func BlockingPop(ctx context.Context, rdb redis.UniversalClient, keys []string, timeout time.Duration) (key, member string, err error) {
	res, err := rdb.BRPop(ctx, timeout, keys...).Result()
	if err == redis.Nil {
		return "", "", ErrEmpty
	}
	if err != nil {
		return "", "", err
	}
	if len(res) != 2 {
		return "", "", ErrEmpty
	}
	return res[0], res[1], nil
}

// ClaimFinalize records a task as claimed: it overwrites the task record
// with newData (already mutated by the caller to Claimed/claimed_at/
// claimed_by/visibility_deadline) and adds id to the in-flight sorted set
// scored by the visibility deadline. Safe without a Lua script because the
// id was just exclusively removed from its lane by BlockingPop: no other
// worker can be racing this same id at this instant.
func ClaimFinalize(ctx context.Context, rdb redis.UniversalClient, taskKey, inflightKey, id string, newData []byte, visibilityDeadline time.Time) error {
	_, err := rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, taskKey, newData, 0)
		p.ZAdd(ctx, inflightKey, redis.Z{Score: float64(visibilityDeadline.Unix()), Member: id})
		return nil
	})
	return err
}

// ackScript removes id from the in-flight set and overwrites the task
// record, optionally writing a result blob and/or an expiry, or pushing the
// id onto a retry sorted set instead. It is the single finalize path for
// both ack_success and ack_failure/recover_expired's implicit-failure path;
// which branch runs is decided entirely by the caller via ARGV, so the
// script itself never inspects the task JSON.
//
// ARGV: [id, taskData, ttlSeconds, resultKeyOrEmpty, resultDataOrEmpty,
//
//	retryKeyOrEmpty, retryScoreOrEmpty]
var ackScript = redis.NewScript(`
local inflightKey = KEYS[1]
local taskKey = KEYS[2]
local id = ARGV[1]
local taskData = ARGV[2]
local ttl = tonumber(ARGV[3])
local resultKey = ARGV[4]
local resultData = ARGV[5]
local retryKey = ARGV[6]
local retryScore = ARGV[7]

redis.call('ZREM', inflightKey, id)

if retryKey ~= '' then
  redis.call('SET', taskKey, taskData)
  redis.call('ZADD', retryKey, retryScore, id)
  return 'retrying'
end

if ttl > 0 then
  redis.call('SET', taskKey, taskData, 'EX', ttl)
else
  redis.call('SET', taskKey, taskData)
end

if resultKey ~= '' then
  if ttl > 0 then
    redis.call('SET', resultKey, resultData, 'EX', ttl)
  else
    redis.call('SET', resultKey, resultData)
  end
end

return 'terminal'
`)

// AckOutcome is the finalize action Ack applies.
type AckOutcome struct {
	InflightKey string
	TaskKey     string
	ID          string
	TaskData    []byte
	TTLSeconds  int64 // 0 means "keep forever" (no expiry set)

	// Set ResultKey/ResultData for a success ack that stores an output.
	ResultKey  string
	ResultData []byte

	// Set RetryKey/RetryScore to re-enqueue into the retry set instead of
	// finalizing as terminal (used by ack_failure and recover_expired).
	RetryKey   string
	RetryScore float64
}

// Ack applies one finalize outcome atomically.
func Ack(ctx context.Context, rdb redis.UniversalClient, o AckOutcome) error {
	retryScore := ""
	if o.RetryKey != "" {
		retryScore = strconv.FormatFloat(o.RetryScore, 'f', -1, 64)
	}
	return ackScript.Run(ctx, rdb,
		[]string{o.InflightKey, o.TaskKey},
		o.ID, o.TaskData, o.TTLSeconds, o.ResultKey, o.ResultData, o.RetryKey, retryScore,
	).Err()
}

// popDueScript atomically removes and returns up to `limit` members scored
// at or below `now` from a sorted set. Used to sweep the in-flight set
// (recover_expired) and the retry set (promote_retries).
var popDueScript = redis.NewScript(`
local key = KEYS[1]
local now = ARGV[1]
local limit = ARGV[2]
local ids = redis.call('ZRANGEBYSCORE', key, '-inf', now, 'LIMIT', 0, limit)
for i = 1, #ids do
  redis.call('ZREM', key, ids[i])
end
return ids
`)

// PopDue removes and returns up to limit members of key scored <= now.
func PopDue(ctx context.Context, rdb redis.UniversalClient, key string, now time.Time, limit int64) ([]string, error) {
	res, err := popDueScript.Run(ctx, rdb, []string{key}, now.Unix(), limit).StringSlice()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	return res, nil
}

// requeueScript moves a popped-due id back onto a priority lane with a
// fresh task blob (status reset to Pending by the caller). Used by
// promote_retries after PopDue empties the retry set of due members.
var requeueScript = redis.NewScript(`
redis.call('SET', KEYS[1], ARGV[1])
redis.call('LPUSH', KEYS[2], ARGV[2])
return 1
`)

// Requeue writes taskData and pushes id onto laneKey, used to move a
// promoted retry back into its priority lane.
func Requeue(ctx context.Context, rdb redis.UniversalClient, taskKey, laneKey, id string, taskData []byte) error {
	return requeueScript.Run(ctx, rdb, []string{taskKey, laneKey}, taskData, id).Err()
}

// AcquireLock acquires an advisory lock (SET NX PX) used to serialize
// scheduler dispatch ticks across multiple scheduler processes.
func AcquireLock(ctx context.Context, rdb redis.UniversalClient, key, token string, ttl time.Duration) (bool, error) {
	return rdb.SetNX(ctx, key, token, ttl).Result()
}

// ReleaseLock releases the advisory lock only if it is still held by token,
// avoiding releasing a lock some other process has since acquired.
var releaseLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

func ReleaseLock(ctx context.Context, rdb redis.UniversalClient, key, token string) error {
	return releaseLockScript.Run(ctx, rdb, []string{key}, token).Err()
}
