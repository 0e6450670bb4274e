package redis

import (
	redigolib "github.com/gomodule/redigo/redis"
)

// removePeerScript deletes a peer hash and every index entry pointing at it.
// When ARGV[1] is not empty the peer is only removed if its stored
// last_seen_at is at or before ARGV[1]. Nanosecond timestamps exceed a Lua
// number's precision, so they are compared as decimal strings.
//
// KEYS: peer hash, swarm zset, seeders set, leechers set, lastseen zset,
// seeding set, infohashes set.
// ARGV: cutoff, swarm member, lastseen member, infohash, cutoff score.
//
// Returns peerRemoved, peerKept when the peer survives with a lastseen score
// still at or before ARGV[5], and peerGone otherwise.
var removePeerScript = redigolib.NewScript(7, removePeerScriptSrc)

const (
	peerGone    = 0
	peerRemoved = 1
	peerKept    = 2
)

const removePeerScriptSrc = `
local function le(a, b)
  if #a ~= #b then
    return #a < #b
  end
  return a <= b
end

local lastSeen = redis.call("HGET", KEYS[1], "last_seen_at")
if not lastSeen then
  redis.call("ZREM", KEYS[5], ARGV[3])
  return 0
end

if ARGV[1] ~= "" and not le(lastSeen, ARGV[1]) then
  local score = redis.call("ZSCORE", KEYS[5], ARGV[3])
  if score and tonumber(score) <= tonumber(ARGV[5]) then
    return 2
  end
  return 0
end

redis.call("DEL", KEYS[1])
redis.call("ZREM", KEYS[2], ARGV[2])
redis.call("SREM", KEYS[3], ARGV[2])
redis.call("SREM", KEYS[4], ARGV[2])
redis.call("ZREM", KEYS[5], ARGV[3])
redis.call("SREM", KEYS[6], ARGV[3])
if redis.call("ZCARD", KEYS[2]) == 0 then
  redis.call("SREM", KEYS[7], ARGV[4])
end
return 1
`
