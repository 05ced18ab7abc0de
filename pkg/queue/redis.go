package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/droverhq/drover/pkg/config"
	"github.com/droverhq/drover/pkg/events"
	"github.com/droverhq/drover/pkg/fault"
	"github.com/droverhq/drover/pkg/log"
	"github.com/droverhq/drover/pkg/metrics"
	"github.com/droverhq/drover/pkg/types"
)

// Redis key layout, all under the configured prefix P:
//
//	P:task:<id>   hash: data (enqueue-time JSON), state, attempts,
//	              max_attempts, caps, score, lease_id, worker_id,
//	              expires_ms, failure, result, updated_ms
//	P:pending     zset: score -> task id
//	P:expiry      zset: lease expiry millis -> task id
//	P:dead        zset: dead-letter time millis -> task id
//	P:lease:<id>  string: task id
//	P:worker:<id> set: task ids leased by the worker
//
// All state changes run inside Lua scripts, so the at-most-one-lease
// invariant holds across every process talking to the same Redis.

// luaCommon is prepended to every script. ARGV[1] is always the key
// prefix and scripts pass wall-clock millis explicitly, keeping them
// deterministic for replication.
const luaCommon = `
local prefix = ARGV[1]

local function taskKey(id)
  return prefix .. ":task:" .. id
end

local function field(id, name)
  local v = redis.call("HGET", taskKey(id), name)
  if not v then return "" end
  return v
end

local function dropLease(id)
  local lease = field(id, "lease_id")
  if lease ~= "" then
    redis.call("DEL", prefix .. ":lease:" .. lease)
  end
  local worker = field(id, "worker_id")
  if worker ~= "" then
    redis.call("SREM", prefix .. ":worker:" .. worker, id)
  end
  redis.call("ZREM", prefix .. ":expiry", id)
end

local function deadLetter(id, reason, now)
  dropLease(id)
  redis.call("HSET", taskKey(id),
    "state", "dead", "failure", reason,
    "lease_id", "", "worker_id", "", "expires_ms", 0, "updated_ms", now)
  redis.call("ZADD", prefix .. ":dead", now, id)
end

local function reclaim(id, reason, now)
  local attempts = tonumber(field(id, "attempts")) or 0
  local max = tonumber(field(id, "max_attempts")) or 0
  if attempts >= max then
    deadLetter(id, reason, now)
    return "dead"
  end
  dropLease(id)
  redis.call("HSET", taskKey(id),
    "state", "pending", "attempts", attempts + 1, "failure", reason,
    "lease_id", "", "worker_id", "", "expires_ms", 0, "updated_ms", now)
  redis.call("ZADD", prefix .. ":pending", tonumber(field(id, "score")) or 0, id)
  return "pending"
end

local function sweepExpired(now)
  local due = redis.call("ZRANGEBYSCORE", prefix .. ":expiry", "-inf", now, "LIMIT", 0, 100)
  for _, id in ipairs(due) do
    reclaim(id, "lease expired", now)
  end
  return #due
end
`

// ARGV: prefix, id, data, caps, score, attempts, maxAttempts, nowMs
var enqueueScript = redis.NewScript(luaCommon + `
local id = ARGV[2]
if redis.call("EXISTS", taskKey(id)) == 1 then
  return "EXISTS"
end
redis.call("HSET", taskKey(id),
  "data", ARGV[3], "state", "pending", "caps", ARGV[4], "score", ARGV[5],
  "attempts", ARGV[6], "max_attempts", ARGV[7],
  "lease_id", "", "worker_id", "", "expires_ms", 0,
  "failure", "", "result", "", "updated_ms", ARGV[8])
redis.call("ZADD", prefix .. ":pending", tonumber(ARGV[5]), id)
return "OK"
`)

// ARGV: prefix, nowMs, leaseMs, leaseID, workerID, peekDepth, workerCaps
// Returns {swept, taskID} with taskID "" when nothing is eligible.
var claimScript = redis.NewScript(luaCommon + `
local now = tonumber(ARGV[2])
local swept = sweepExpired(now)

local have = cjson.decode(ARGV[7])
local haveSet = {}
for _, c in ipairs(have) do haveSet[c] = true end

local depth = tonumber(ARGV[6])
local ids = redis.call("ZRANGE", prefix .. ":pending", 0, depth - 1)
for _, id in ipairs(ids) do
  local need = cjson.decode(field(id, "caps"))
  local ok = true
  for _, c in ipairs(need) do
    if not haveSet[c] then ok = false break end
  end
  if ok then
    redis.call("ZREM", prefix .. ":pending", id)
    redis.call("HSET", taskKey(id),
      "state", "leased", "lease_id", ARGV[4], "worker_id", ARGV[5],
      "expires_ms", now + tonumber(ARGV[3]), "updated_ms", now)
    redis.call("SET", prefix .. ":lease:" .. ARGV[4], id)
    redis.call("SADD", prefix .. ":worker:" .. ARGV[5], id)
    redis.call("ZADD", prefix .. ":expiry", now + tonumber(ARGV[3]), id)
    return {swept, id}
  end
end
return {swept, ""}
`)

// ARGV: prefix, leaseID, state, result, failure, nowMs
var ackScript = redis.NewScript(luaCommon + `
local id = redis.call("GET", prefix .. ":lease:" .. ARGV[2])
if not id or field(id, "lease_id") ~= ARGV[2] then
  return {"NOLEASE", ""}
end
dropLease(id)
redis.call("HSET", taskKey(id),
  "state", ARGV[3], "result", ARGV[4], "failure", ARGV[5],
  "lease_id", "", "worker_id", "", "expires_ms", 0, "updated_ms", ARGV[6])
return {ARGV[3], id}
`)

// ARGV: prefix, leaseID, reason, retry, nowMs
var nackScript = redis.NewScript(luaCommon + `
local id = redis.call("GET", prefix .. ":lease:" .. ARGV[2])
if not id or field(id, "lease_id") ~= ARGV[2] then
  return {"NOLEASE", ""}
end
local now = tonumber(ARGV[5])
if ARGV[4] == "1" then
  return {reclaim(id, ARGV[3], now), id}
end
deadLetter(id, ARGV[3], now)
return {"dead", id}
`)

// ARGV: prefix, nowMs
var sweepScript = redis.NewScript(luaCommon + `
return sweepExpired(tonumber(ARGV[2]))
`)

// ARGV: prefix, workerID, nowMs
var releaseScript = redis.NewScript(luaCommon + `
local ids = redis.call("SMEMBERS", prefix .. ":worker:" .. ARGV[2])
local now = tonumber(ARGV[3])
for _, id in ipairs(ids) do
  reclaim(id, "worker lost", now)
end
redis.call("DEL", prefix .. ":worker:" .. ARGV[2])
return ids
`)

// Redis is the distributed queue backend. Lease state lives in Redis
// and every mutation is a Lua script, so at most one worker holds a
// task at a time no matter how many nodes share the queue.
type Redis struct {
	rdb    *redis.Client
	cfg    config.QueueConfig
	prefix string
	broker *events.Broker
	logger zerolog.Logger

	stop    chan struct{}
	stopped sync.WaitGroup
	mu      sync.Mutex
	closed  bool
}

// NewRedis connects to the configured Redis and starts the lease
// sweeper
func NewRedis(cfg config.QueueConfig, broker *events.Broker) (*Redis, error) {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.LeaseDuration / 4
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.RedisAddr, err)
	}

	q := &Redis{
		rdb:    rdb,
		cfg:    cfg,
		prefix: cfg.RedisPrefix,
		broker: broker,
		logger: log.WithComponent("queue"),
		stop:   make(chan struct{}),
	}
	q.stopped.Add(1)
	go q.sweeper()
	return q, nil
}

func (q *Redis) sweeper() {
	defer q.stopped.Done()

	ticker := time.NewTicker(q.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			n, err := sweepScript.Run(ctx, q.rdb, nil, q.prefix, nowMilli()).Int64()
			cancel()
			if err != nil {
				q.logger.Warn().Err(err).Msg("Lease sweep failed")
				continue
			}
			if n > 0 {
				metrics.LeaseExpirations.Add(float64(n))
				q.logger.Debug().Int64("reclaimed", n).Msg("Swept expired leases")
			}
		case <-q.stop:
			return
		}
	}
}

// Enqueue adds a task in pending state
func (q *Redis) Enqueue(ctx context.Context, task *types.Task) error {
	if err := prepare(task, q.cfg.MaxAttempts); err != nil {
		return err
	}

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encoding task %s: %w", task.ID, err)
	}
	res, err := enqueueScript.Run(ctx, q.rdb, nil,
		q.prefix, task.ID, string(data), capsJSON(task.Caps),
		score(task, q.cfg.AgingBoost), task.Attempts, task.MaxAttempts, nowMilli(),
	).Text()
	if err != nil {
		return fmt.Errorf("enqueueing task %s: %w", task.ID, err)
	}
	if res == "EXISTS" {
		return fault.Newf(fault.CodeSpecInvalid, "task %s already enqueued", task.ID)
	}

	metrics.TasksEnqueued.WithLabelValues(string(task.Priority)).Inc()
	q.publish(&types.Event{
		Type:     events.EventTaskEnqueued,
		TenantID: task.TenantID,
		RunID:    task.RunID,
		NodeID:   task.NodeID,
		TaskID:   task.ID,
	})
	return nil
}

// Dequeue claims the best eligible pending task, sweeping expired
// leases first
func (q *Redis) Dequeue(ctx context.Context, workerID string, caps []string, lease time.Duration) (*types.Task, error) {
	depth := q.cfg.PeekDepth
	if depth <= 0 {
		depth = 64
	}
	res, err := claimScript.Run(ctx, q.rdb, nil,
		q.prefix, nowMilli(), lease.Milliseconds(), NewLeaseID(), workerID,
		depth, capsJSON(caps),
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("claiming task: %w", err)
	}

	swept, taskID := pairResult(res)
	if swept > 0 {
		metrics.LeaseExpirations.Add(float64(swept))
	}
	if taskID == "" {
		return nil, nil
	}
	return q.Get(ctx, taskID)
}

// Ack finishes a leased task; the report decides succeeded or failed
func (q *Redis) Ack(ctx context.Context, leaseID string, report *types.StepReport) error {
	state := ackState(report)
	var result, failure string
	if report != nil {
		if data, err := json.Marshal(report); err == nil {
			result = string(data)
		}
		failure = report.Error
	}

	res, err := ackScript.Run(ctx, q.rdb, nil,
		q.prefix, leaseID, string(state), result, failure, nowMilli(),
	).Slice()
	if err != nil {
		return fmt.Errorf("acking lease %s: %w", leaseID, err)
	}
	status, _ := pairStrings(res)
	if status == "NOLEASE" {
		return fault.Newf(fault.CodeLeaseExpired, "lease %s is not active", leaseID)
	}
	metrics.TasksAcked.WithLabelValues(status).Inc()
	return nil
}

// Nack returns a leased task to pending (retry) or dead-letters it
func (q *Redis) Nack(ctx context.Context, leaseID string, reason string, retry bool) error {
	retryFlag := "0"
	if retry {
		retryFlag = "1"
	}
	res, err := nackScript.Run(ctx, q.rdb, nil,
		q.prefix, leaseID, reason, retryFlag, nowMilli(),
	).Slice()
	if err != nil {
		return fmt.Errorf("nacking lease %s: %w", leaseID, err)
	}

	status, taskID := pairStrings(res)
	switch status {
	case "NOLEASE":
		return fault.Newf(fault.CodeLeaseExpired, "lease %s is not active", leaseID)
	case "dead":
		metrics.TasksDeadLettered.Inc()
		if t, err := q.Get(ctx, taskID); err == nil {
			q.publish(&types.Event{
				Type:     events.EventTaskDead,
				TenantID: t.TenantID,
				RunID:    t.RunID,
				NodeID:   t.NodeID,
				TaskID:   t.ID,
				Message:  reason,
			})
		}
	}
	return nil
}

// Get returns a task in any state
func (q *Redis) Get(ctx context.Context, taskID string) (*types.Task, error) {
	fields, err := q.rdb.HGetAll(ctx, q.prefix+":task:"+taskID).Result()
	if err != nil {
		return nil, fmt.Errorf("reading task %s: %w", taskID, err)
	}
	if len(fields) == 0 {
		return nil, fault.Newf(fault.CodeTaskNotFound, "task %s", taskID)
	}
	return taskFromHash(taskID, fields)
}

// ReleaseWorker breaks every lease a worker holds, returning the task
// ids it gave back
func (q *Redis) ReleaseWorker(ctx context.Context, workerID string) ([]string, error) {
	res, err := releaseScript.Run(ctx, q.rdb, nil, q.prefix, workerID, nowMilli()).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("releasing worker %s: %w", workerID, err)
	}
	sort.Strings(res)
	return res, nil
}

// Snapshot reports queue contents grouped by state
func (q *Redis) Snapshot(ctx context.Context) (*State, error) {
	st := &State{
		Counts: make(map[types.TaskState]int),
		AsOf:   time.Now().UTC(),
	}

	var cursor uint64
	for {
		keys, next, err := q.rdb.Scan(ctx, cursor, q.prefix+":task:*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scanning tasks: %w", err)
		}
		for _, key := range keys {
			taskID := key[len(q.prefix)+len(":task:"):]
			t, err := q.Get(ctx, taskID)
			if err != nil {
				continue
			}
			st.Counts[t.State]++
			switch t.State {
			case types.TaskPending:
				st.Pending = append(st.Pending, t)
			case types.TaskLeased:
				st.Leased = append(st.Leased, t)
			case types.TaskDead:
				st.Dead = append(st.Dead, t)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	sortTasks(st.Pending)
	sortTasks(st.Leased)
	sortTasks(st.Dead)
	for s, n := range st.Counts {
		metrics.QueueDepth.WithLabelValues(string(s)).Set(float64(n))
	}
	return st, nil
}

// Close stops the sweeper and disconnects
func (q *Redis) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	close(q.stop)
	q.stopped.Wait()
	return q.rdb.Close()
}

func (q *Redis) publish(ev *types.Event) {
	if q.broker != nil {
		q.broker.Publish(ev)
	}
}

// taskFromHash rebuilds a task from its enqueue-time JSON plus the
// mutable scalar fields the scripts maintain
func taskFromHash(taskID string, fields map[string]string) (*types.Task, error) {
	var t types.Task
	if err := json.Unmarshal([]byte(fields["data"]), &t); err != nil {
		return nil, fmt.Errorf("decoding task %s: %w", taskID, err)
	}

	t.State = types.TaskState(fields["state"])
	t.Attempts, _ = strconv.Atoi(fields["attempts"])
	t.LeaseID = fields["lease_id"]
	t.WorkerID = fields["worker_id"]
	t.Failure = fields["failure"]
	if fields["result"] != "" {
		t.Result = []byte(fields["result"])
	}
	if ms, _ := strconv.ParseInt(fields["expires_ms"], 10, 64); ms > 0 {
		t.LeaseExpiresAt = time.UnixMilli(ms).UTC()
	} else {
		t.LeaseExpiresAt = time.Time{}
	}
	if ms, _ := strconv.ParseInt(fields["updated_ms"], 10, 64); ms > 0 {
		t.UpdatedAt = time.UnixMilli(ms).UTC()
	}
	return &t, nil
}

func capsJSON(caps []string) string {
	if len(caps) == 0 {
		return "[]"
	}
	data, _ := json.Marshal(caps)
	return string(data)
}

func nowMilli() int64 {
	return time.Now().UTC().UnixMilli()
}

// pairResult splits a {count, string} script reply
func pairResult(res []interface{}) (int64, string) {
	var n int64
	var s string
	if len(res) > 0 {
		if v, ok := res[0].(int64); ok {
			n = v
		}
	}
	if len(res) > 1 {
		if v, ok := res[1].(string); ok {
			s = v
		}
	}
	return n, s
}

// pairStrings splits a {string, string} script reply
func pairStrings(res []interface{}) (string, string) {
	var a, b string
	if len(res) > 0 {
		if v, ok := res[0].(string); ok {
			a = v
		}
	}
	if len(res) > 1 {
		if v, ok := res[1].(string); ok {
			b = v
		}
	}
	return a, b
}
