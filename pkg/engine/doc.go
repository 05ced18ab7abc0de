// Package engine orchestrates delivery runs end to end. Submit admits
// a spec against the tenant budget and opens the artifact bundle;
// Execute selects a plan and drives it stage by stage through a
// Runner, writing every step report, cost entry and governance
// decision into the bundle as it goes. Between stages the governance
// checkpoint decides the mode for the rest of the run, which can
// trigger a plan switch, a pause awaiting an operator, or nothing at
// all. Paused runs re-enter the loop through Resume or ApplyPatch;
// exhausted plans are sealed and moved to their terminal state.
//
// Two Runner implementations dispatch stages: PoolRunner executes
// role adapters in-process on a bounded worker pool, QueueRunner
// hands tasks to the lease queue for remote workers and polls for
// their results. Both guarantee a report for every node they were
// given, synthesizing failure reports for crashed or abandoned steps
// so governance always sees a complete stage.
package engine
