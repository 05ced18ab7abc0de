// Package governance decides, at every stage boundary, how the rest
// of a run may proceed.
//
// A checkpoint aggregates the stage's step reports into a small input
// set: average confidence, elevated-risk count, model-fallback count,
// conflicts, and the tenant's budget position including the
// concurrency-aware projection. A fixed first-match rule table maps
// those inputs to an execution mode and an enumerated restriction
// list. Hard conflicts and actual budget breaches pause the run for
// an operator; projected breaches and repeated model fallbacks
// degrade it; soft conflicts reduce it to the minimal path.
//
// Conflicts come from two sources. Steps may declare them against
// other steps by node id, and the engine derives them from a static
// matrix over decision pairs: abort against proceed is a hard
// conflict, hold or revise against proceed a soft one. The matrix is
// data, not code; detection never interprets report content beyond
// the decision field.
//
// Governance never consults a model. The input set and the output set
// are finite, the logic is a table, and every decision persists the
// full input snapshot it was derived from.
package governance
