package redis

import goredis "github.com/redis/go-redis/v9"

// markScript reserves a dedup key when no live mark exists. Times are unix
// milliseconds.
// KEYS[1] mark, KEYS[2] index. ARGV[1] key, ARGV[2] now, ARGV[3] lease ms,
// ARGV[4] expiry.
var markScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1], "state", "pending", "outcome_hash", "",
  "marked_at", ARGV[2], "expires_at", ARGV[4])
redis.call("PEXPIRE", KEYS[1], ARGV[3])
redis.call("ZADD", KEYS[2], ARGV[4], ARGV[1])
return 1
`)

// releaseScript drops a mark only while it is pending.
// KEYS[1] mark, KEYS[2] index. ARGV[1] key.
var releaseScript = goredis.NewScript(`
if redis.call("HGET", KEYS[1], "state") == "pending" then
  redis.call("DEL", KEYS[1])
  redis.call("ZREM", KEYS[2], ARGV[1])
  return 1
end
return 0
`)

// createScript inserts a workflow unless it exists.
// KEYS[1] workflow, KEYS[2] index. ARGV[1] corr, ARGV[2] stage, ARGV[3] data,
// ARGV[4] created ms.
var createScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1], "version", 1, "stage", ARGV[2], "data", ARGV[3])
redis.call("ZADD", KEYS[2], ARGV[4], ARGV[1])
return 1
`)

// updateScript writes a workflow when the stored version matches.
// Returns 0 on success, -1 when missing, otherwise the stored version.
// KEYS[1] workflow. ARGV[1] expected, ARGV[2] stage, ARGV[3] data.
var updateScript = goredis.NewScript(`
local v = redis.call("HGET", KEYS[1], "version")
if not v then
  return -1
end
if tonumber(v) ~= tonumber(ARGV[1]) then
  return tonumber(v)
end
redis.call("HSET", KEYS[1], "version", tonumber(v) + 1, "stage", ARGV[2], "data", ARGV[3])
return 0
`)

// acquireScript takes or extends the lease.
// KEYS[1] leader. ARGV[1] holder, ARGV[2] now, ARGV[3] ttl ms.
var acquireScript = goredis.NewScript(`
local h = redis.call("HGET", KEYS[1], "holder")
if h and h ~= ARGV[1] then
  return 0
end
if not h then
  redis.call("HSET", KEYS[1], "holder", ARGV[1], "acquired_at", ARGV[2])
end
redis.call("PEXPIRE", KEYS[1], ARGV[3])
return 1
`)

// renewScript extends the lease when holder owns it.
// KEYS[1] leader. ARGV[1] holder, ARGV[2] ttl ms.
var renewScript = goredis.NewScript(`
if redis.call("HGET", KEYS[1], "holder") == ARGV[1] then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
  return 1
end
return 0
`)

// releaseLeaderScript deletes the lease when holder owns it.
// KEYS[1] leader. ARGV[1] holder.
var releaseLeaderScript = goredis.NewScript(`
if redis.call("HGET", KEYS[1], "holder") == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)
