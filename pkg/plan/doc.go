// Package plan defines execution plans and the deterministic selector
// that picks between them.
//
// A plan is an immutable DAG of role nodes. Nodes declare hard and
// soft dependencies, a guard predicate from a closed set, a required
// flag, and cost and risk estimates. Stages are topological ranks:
// nodes in one stage may run concurrently, stages run in order. The
// engine never mutates a plan; adapting a run means switching to a
// different plan at a checkpoint.
//
// Three built-in paths exist. The normal path runs
// product, data, execution, evaluation in sequence. The degraded path
// drops the data stage. The minimal path keeps execution and a closing
// evaluation. Custom plans register over the built-ins per path class.
//
// The selector is a pure rule table over three inputs: the current
// execution mode, the remaining budget, and the failure category of
// the last errored evaluation. Identical inputs produce identical
// selections, which makes the choice reproducible from the audit
// record alone. Every selection emits a record destined for the run's
// plan_history.jsonl.
package plan
