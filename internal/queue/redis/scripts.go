package redis

import "github.com/redis/go-redis/v9"

// Each mutation is one script so concurrent workers never observe a
// half-applied change.

// KEYS: dedup, pending, state, task
// ARGV: dedupKey, id, score, taskPrefix, now, isSubtask, keepQueued, priority,
// field/value pairs...
// Returns 0 when the target is being processed, the pending predecessor's id
// when it is kept, and 1 otherwise.
var submitScript = redis.NewScript(`
local prev = redis.call('HGET', KEYS[1], ARGV[1])
if prev then
  local pkey = ARGV[4] .. prev
  local st = redis.call('HGET', pkey, 'status')
  if st == 'PROCESSING' then
    return 0
  end
  if st == 'PENDING' then
    if ARGV[7] == '1' and tonumber(redis.call('HGET', pkey, 'priority')) >= tonumber(ARGV[8]) then
      return prev
    end
    redis.call('ZREM', KEYS[2], prev)
    redis.call('HSET', pkey, 'status', 'CANCELLED', 'completed_at', ARGV[5])
  end
end
for i = 9, #ARGV, 2 do
  redis.call('HSET', KEYS[4], ARGV[i], ARGV[i + 1])
end
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[2])
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('HINCRBY', KEYS[3], 'total', 1)
if ARGV[6] == '1' then
  redis.call('HINCRBY', KEYS[3], 'subtasks', 1)
end
return 1
`)

// KEYS: pending, processing
// ARGV: taskPrefix, workerID, now
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGE', KEYS[1], 0, 0)
if #ids == 0 then
  return false
end
local id = ids[1]
redis.call('ZREM', KEYS[1], id)
redis.call('SADD', KEYS[2], id)
redis.call('HSET', ARGV[1] .. id, 'status', 'PROCESSING', 'assigned_worker', ARGV[2], 'started_at', ARGV[3])
return id
`)

// KEYS: processing, dedup, state, task
// ARGV: id, status, now, lastError, lastErrorKind, rowsSaved, parseErrors, partial
// Returns -1 for an unknown task and 0 when it is not processing.
var completeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[4]) == 0 then
  return -1
end
if redis.call('HGET', KEYS[4], 'status') ~= 'PROCESSING' then
  return 0
end
redis.call('SREM', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[4], 'status', ARGV[2], 'completed_at', ARGV[3], 'last_error', ARGV[4],
  'last_error_kind', ARGV[5], 'rows_saved', ARGV[6], 'parse_errors', ARGV[7], 'partial', ARGV[8])
local key = redis.call('HGET', KEYS[4], 'key')
if key and redis.call('HGET', KEYS[2], key) == ARGV[1] then
  redis.call('HDEL', KEYS[2], key)
end
if ARGV[2] == 'COMPLETED' then
  redis.call('HINCRBY', KEYS[3], 'completed', 1)
elseif ARGV[2] == 'FAILED' then
  redis.call('HINCRBY', KEYS[3], 'failed', 1)
end
return 1
`)

// KEYS: processing, pending
// ARGV: taskPrefix
var recoverScript = redis.NewScript(`
local ids = redis.call('SMEMBERS', KEYS[1])
local n = 0
for _, id in ipairs(ids) do
  local k = ARGV[1] .. id
  local score = redis.call('HGET', k, 'score')
  if score then
    redis.call('ZADD', KEYS[2], score, id)
    redis.call('HSET', k, 'status', 'PENDING', 'assigned_worker', '')
    redis.call('HDEL', k, 'started_at')
    n = n + 1
  end
  redis.call('SREM', KEYS[1], id)
end
return n
`)
