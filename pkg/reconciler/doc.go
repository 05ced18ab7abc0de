// Package reconciler repairs drift between the run store and the rest
// of the control plane.
//
// Drover's components keep their own forms of state: the engine holds
// driver claims in memory, the budget controller holds admission slots,
// the artifact store holds bundles on disk, and the run store holds the
// durable truth in bbolt. A crash can leave them disagreeing: a run
// recorded RUNNING with no goroutine driving it, a terminal run still
// holding its concurrency slot, a terminal run whose bundle never got
// sealed.
//
// The reconciler closes those gaps on a timer. It is level-triggered
// and stateless across cycles: every pass re-reads current state and
// repairs what it finds, so missed cycles and racing writers cost
// nothing but time. Stranded RUNNING runs are parked as PAUSED with
// reason "crash recovery" (the same repair the offline drover-repair
// tool applies when the whole store is quiet), because re-executing
// half-finished work is an operator decision, not an automatic one.
//
// The same cycle sweeps expired API credentials when a keyring is
// wired in, so the credential list stays an honest inventory instead
// of accumulating dead entries that Resolve would refuse anyway.
//
// The scheduler is the proactive half of this pairing: it dispatches
// runs that never started, while the reconciler cleans up after runs
// that started and lost their process.
package reconciler
