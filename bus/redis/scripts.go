package redis

import goredis "github.com/redis/go-redis/v9"

// pumpScript moves due members of the delayed set into their retry streams.
// KEYS[1] delayed set. ARGV[1] now in ms, ARGV[2] batch size.
var pumpScript = goredis.NewScript(`
local items = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
for _, m in ipairs(items) do
  local d = cjson.decode(m)
  redis.call("XADD", d.stream, "*",
    "data_b64", d.data,
    "attempt", d.attempt,
    "history", d.history,
    "codec", d.codec)
  redis.call("ZREM", KEYS[1], m)
end
return #items
`)
