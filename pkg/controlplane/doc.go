// Package controlplane tracks the worker fleet: registration with
// capability tags, heartbeat liveness, and dead-worker recovery that
// returns orphaned leases to the task queue.
package controlplane
