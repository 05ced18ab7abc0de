// Package roles holds the step executors the engine dispatches to,
// one per role tag.
//
// The contract is a single method: execute a run context, return a
// step report. Adapters never write state or artifacts and must honor
// the timeout on their context. The registry is the dispatch table;
// deployments register their own adapters at startup and the engine
// stays closed to new role kinds after that.
//
// Two adapter families ship in the box. The builtin adapters are
// deterministic executors driven by spec parameters, useful for
// development and as the default wiring. The shell adapter is the
// permission-checked boundary for external executors: allowlisted
// command, argv only, JSON in, JSON out.
package roles
