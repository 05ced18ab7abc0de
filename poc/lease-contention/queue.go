package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// miniQueue is a deliberately tiny Redis task queue: just enough to
// exercise the grant/expiry model under contention. Key layout under
// the prefix P:
//
//	P:pending      zset: enqueue millis -> task id
//	P:expiry       zset: lease deadline millis -> task id
//	P:lease:<l>    string: task id
//	P:holder:<id>  string: lease id
//	P:done         set: completed task ids
//
// Claim and ack run as Lua scripts so a grant is atomic: the task
// leaves pending, the lease key appears, and the deadline lands in the
// expiry set in one step. No priorities, no attempt caps, no dead
// letter here; the property under test is that a task is never held by
// two live leases and a stale lease can never ack.
type miniQueue struct {
	rdb    *redis.Client
	prefix string
	lease  time.Duration
}

const common = `
local prefix = ARGV[1]

local function sweep(now)
  local due = redis.call("ZRANGEBYSCORE", prefix .. ":expiry", "-inf", now)
  for _, id in ipairs(due) do
    local lease = redis.call("GET", prefix .. ":holder:" .. id)
    if lease then
      redis.call("DEL", prefix .. ":lease:" .. lease)
    end
    redis.call("DEL", prefix .. ":holder:" .. id)
    redis.call("ZREM", prefix .. ":expiry", id)
    redis.call("ZADD", prefix .. ":pending", now, id)
  end
  return #due
end
`

// ARGV: prefix, nowMs, leaseMs, leaseID
// Returns {swept, taskID}, taskID "" when pending is empty.
var claimScript = redis.NewScript(common + `
local now = tonumber(ARGV[2])
local swept = sweep(now)

local ids = redis.call("ZRANGE", prefix .. ":pending", 0, 0)
if #ids == 0 then
  return {swept, ""}
end
local id = ids[1]
redis.call("ZREM", prefix .. ":pending", id)
redis.call("SET", prefix .. ":lease:" .. ARGV[4], id)
redis.call("SET", prefix .. ":holder:" .. id, ARGV[4])
redis.call("ZADD", prefix .. ":expiry", now + tonumber(ARGV[3]), id)
return {swept, id}
`)

// ARGV: prefix, leaseID
// Returns {status, taskID}: OK, DUP (task finished twice), or NOLEASE.
var ackScript = redis.NewScript(common + `
local id = redis.call("GET", prefix .. ":lease:" .. ARGV[2])
if not id then
  return {"NOLEASE", ""}
end
redis.call("DEL", prefix .. ":lease:" .. ARGV[2])
redis.call("DEL", prefix .. ":holder:" .. id)
redis.call("ZREM", prefix .. ":expiry", id)
if redis.call("SADD", prefix .. ":done", id) == 0 then
  return {"DUP", id}
end
return {"OK", id}
`)

func nowMilli() int64 {
	return time.Now().UnixMilli()
}

func (q *miniQueue) enqueue(ctx context.Context, id string) error {
	return q.rdb.ZAdd(ctx, q.prefix+":pending", redis.Z{
		Score:  float64(nowMilli()),
		Member: id,
	}).Err()
}

// claim grants the oldest pending task to leaseID, reclaiming any
// expired leases first. taskID is "" when nothing is pending.
func (q *miniQueue) claim(ctx context.Context, leaseID string) (taskID string, swept int64, err error) {
	res, err := claimScript.Run(ctx, q.rdb, nil,
		q.prefix, nowMilli(), q.lease.Milliseconds(), leaseID,
	).Slice()
	if err != nil {
		return "", 0, fmt.Errorf("claim: %w", err)
	}
	if len(res) != 2 {
		return "", 0, fmt.Errorf("claim: unexpected reply %v", res)
	}
	swept, _ = res[0].(int64)
	taskID, _ = res[1].(string)
	return taskID, swept, nil
}

// ack finishes the lease and reports one of OK, DUP, or NOLEASE.
func (q *miniQueue) ack(ctx context.Context, leaseID string) (string, error) {
	res, err := ackScript.Run(ctx, q.rdb, nil, q.prefix, leaseID).Slice()
	if err != nil {
		return "", fmt.Errorf("ack: %w", err)
	}
	if len(res) != 2 {
		return "", fmt.Errorf("ack: unexpected reply %v", res)
	}
	status, _ := res[0].(string)
	return status, nil
}

func (q *miniQueue) doneCount(ctx context.Context) (int64, error) {
	return q.rdb.SCard(ctx, q.prefix+":done").Result()
}
