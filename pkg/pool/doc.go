// Package pool runs the plan nodes of a single delivery run. It
// bounds concurrency with a weighted semaphore, applies a backpressure
// threshold below the hard bound, orders launchable nodes by priority
// class, and tracks hard and soft dependencies between nodes. Hard
// dependency failures propagate to dependents without running them;
// soft dependency failures only attach warnings.
package pool
