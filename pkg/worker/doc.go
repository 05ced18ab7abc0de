// Package worker runs the task execution loop. A worker registers
// with the control plane, pulls leased tasks matching its
// capabilities, dispatches each one through the role adapter registry
// under a step deadline, and acks or nacks the lease by failure
// class. Transient failures requeue, permanent failures dead-letter,
// and unclassified failures get a single extra attempt. Each finished
// task is appended to a per-worker JSONL trace when tracing is
// enabled.
package worker
