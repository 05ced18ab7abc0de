// Package queue distributes node-execution tasks to workers under
// lease semantics: a dequeued task belongs to exactly one worker until
// it is acked, nacked, or its lease expires. Pending order is strict
// priority with a bounded aging bonus so the batch class cannot
// starve. Two backends implement the same contract: an in-process
// queue that snapshots to disk for single-node deployments, and a
// Redis-backed queue whose Lua scripts keep the at-most-one-lease
// invariant across processes.
package queue
