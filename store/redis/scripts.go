package redis

import goredis "github.com/redis/go-redis/v9"

// reindexLua keeps the lease indexes in step with a job's status. A QUEUED
// job waits in the delayed set under its RunAt until a lease call moves it
// to the ready set. Both sets hold the job's rank, not its ID.
const reindexLua = `
local function reindex(ready, delayed, leased, id, old, rank, status, runAt, leaseUntil)
  if old and old ~= rank then
    redis.call('ZREM', ready, old)
    redis.call('ZREM', delayed, old)
  end
  redis.call('ZREM', ready, rank)
  if status == 'QUEUED' then
    redis.call('ZADD', delayed, runAt, rank)
  else
    redis.call('ZREM', delayed, rank)
  end
  if (status == 'RUNNING' or status == 'CANCELLING') and leaseUntil ~= '' then
    redis.call('ZADD', leased, leaseUntil, id)
  else
    redis.call('ZREM', leased, id)
  end
end
`

// KEYS: job, logs, ready, delayed, leased, org index
// ARGV: id, status, run_at_us, lease_us, created_us, rank, n, n field/value args, log entries...
var createJobScript = goredis.NewScript(reindexLua + `
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
local n = tonumber(ARGV[7])
redis.call('HSET', KEYS[1], unpack(ARGV, 8, 7 + n))
for i = 8 + n, #ARGV do
  redis.call('RPUSH', KEYS[2], ARGV[i])
end
reindex(KEYS[3], KEYS[4], KEYS[5], ARGV[1], false, ARGV[6], ARGV[2], ARGV[3], ARGV[4])
redis.call('ZADD', KEYS[6], ARGV[5], ARGV[1])
return 1
`)

// KEYS: job, logs, ready, delayed, leased
// ARGV: expected version, id, status, run_at_us, lease_us, rank, n, n field/value args, log entries...
//
// Logs only grow and a matching version pins the stored prefix, so only
// the entries past the stored length are pushed.
var updateJobScript = goredis.NewScript(reindexLua + `
local f = redis.call('HMGET', KEYS[1], 'version', 'rank')
if not f[1] then
  return -1
end
if tonumber(f[1]) ~= tonumber(ARGV[1]) then
  return 0
end
local n = tonumber(ARGV[7])
redis.call('HSET', KEYS[1], unpack(ARGV, 8, 7 + n))
redis.call('HSET', KEYS[1], 'version', tonumber(ARGV[1]) + 1)
local have = redis.call('LLEN', KEYS[2])
for i = 8 + n + have, #ARGV do
  redis.call('RPUSH', KEYS[2], ARGV[i])
end
reindex(KEYS[3], KEYS[4], KEYS[5], ARGV[2], f[2], ARGV[6], ARGV[3], ARGV[4], ARGV[5])
return 1
`)

// KEYS: ready, delayed, leased
// ARGV: now_us, now, lease_us, lease, worker, takeover log entry, key prefix
//
// Due jobs move from the delayed set to the ready set once, so the queued
// candidate is the head of the ready set. Expired leases are scanned in
// full; the reaper fails the ones without attempts left, which keeps that
// range short.
var leaseJobScript = goredis.NewScript(`
local prefix = ARGV[7]
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, rank in ipairs(due) do
  redis.call('ZADD', KEYS[1], 0, rank)
end
if #due > 0 then
  redis.call('ZREMRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
end

local best, bestRank, bestStatus
local head = redis.call('ZRANGE', KEYS[1], 0, 0)[1]
if head then
  best, bestRank, bestStatus = string.sub(head, ` + rankIDOffset + `), head, 'QUEUED'
end
for _, id in ipairs(redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', '(' .. ARGV[1])) do
  local f = redis.call('HMGET', prefix .. 'job:' .. id, 'status', 'attempt', 'max_attempts', 'rank')
  if f[1] == 'RUNNING' and f[4] and tonumber(f[2]) < tonumber(f[3])
    and (bestRank == nil or f[4] < bestRank) then
    best, bestRank, bestStatus = id, f[4], 'RUNNING'
  end
end
if best == nil then
  return false
end

local key = prefix .. 'job:' .. best
if bestStatus == 'QUEUED' then
  redis.call('HSET', key, 'started_at', ARGV[2])
  redis.call('ZREM', KEYS[1], bestRank)
else
  redis.call('RPUSH', key .. ':logs', ARGV[6])
end
redis.call('HSET', key, 'status', 'RUNNING', 'worker_id', ARGV[5],
  'lease_expires_at', ARGV[4], 'lease_us', ARGV[3], 'updated_at', ARGV[2])
redis.call('HINCRBY', key, 'attempt', 1)
redis.call('HINCRBY', key, 'version', 1)
redis.call('ZADD', KEYS[3], ARGV[3], best)
return best
`)

// KEYS: job, leased
// ARGV: worker, lease, lease_us, id, progress ('' for a plain heartbeat)
var extendLeaseScript = goredis.NewScript(`
local f = redis.call('HMGET', KEYS[1], 'status', 'worker_id', 'progress')
if not f[1] then
  return {'NOT_FOUND', '', ''}
end
if (f[1] ~= 'RUNNING' and f[1] ~= 'CANCELLING') or f[2] ~= ARGV[1] then
  return {'LEASE_LOST', f[1], f[3]}
end
if ARGV[5] ~= '' then
  local p, cur = tonumber(ARGV[5]), tonumber(f[3])
  if p < 0 or p > 100 then
    return {'OUT_OF_RANGE', f[1], f[3]}
  end
  if p < cur then
    return {'REGRESSION', f[1], f[3]}
  end
  redis.call('HSET', KEYS[1], 'progress', ARGV[5])
end
redis.call('HSET', KEYS[1], 'lease_expires_at', ARGV[2], 'lease_us', ARGV[3])
redis.call('HINCRBY', KEYS[1], 'version', 1)
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[4])
return {'OK', f[1], f[3]}
`)

// KEYS: job, logs
// ARGV: entry, at
var appendLogScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('RPUSH', KEYS[2], ARGV[1])
redis.call('HINCRBY', KEYS[1], 'version', 1)
redis.call('HSET', KEYS[1], 'updated_at', ARGV[2])
return 1
`)

// KEYS: reconciliation, org index
// ARGV: document, version, created_us, id
var createRecScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'doc', ARGV[1], 'version', ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[4])
return 1
`)

// KEYS: reconciliation
// ARGV: expected version, document
var updateRecScript = goredis.NewScript(`
local v = redis.call('HGET', KEYS[1], 'version')
if not v then
  return -1
end
if tonumber(v) ~= tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'doc', ARGV[2], 'version', tonumber(ARGV[1]) + 1)
return 1
`)

var scripts = []*goredis.Script{
	createJobScript,
	updateJobScript,
	leaseJobScript,
	extendLeaseScript,
	appendLogScript,
	createRecScript,
	updateRecScript,
}
