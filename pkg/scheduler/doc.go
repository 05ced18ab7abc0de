// Package scheduler re-dispatches admitted runs that lost their driver.
//
// The normal path never touches it: the API admits a run and drives it
// on a background goroutine in the same process. But an admitted run is
// durable and the goroutine is not. After a crash or restart the store
// holds SPEC_READY runs with nobody driving them, and without the
// scheduler they would sit there until an operator noticed.
//
// Every interval the scheduler lists runs, keeps the SPEC_READY ones
// the engine is not already driving, orders them by priority class and
// admission time, and hands up to scheduler.burst of them to
// engine.Execute. The engine admits exactly one driver per run, so a
// dispatch that races an API drive simply loses the claim and is
// dropped with a debug line.
//
// Runs that were RUNNING at crash time are not the scheduler's
// business: re-executing mid-flight work needs an operator decision,
// so the reconciler parks those as PAUSED instead.
package scheduler
