// Package state owns the run lifecycle.
//
// Runs move through a fixed transition table:
//
//	IDLE -> SPEC_READY -> RUNNING -> {RUNNING, PAUSED, COMPLETED, FAILED}
//	                      PAUSED  -> {RUNNING, FAILED}
//
// COMPLETED and FAILED are terminal and absorb nothing further. The
// RUNNING to RUNNING self-transition is deliberate: it carries an
// execution mode change from a governance checkpoint without
// disturbing the rest of the lifecycle.
//
// Every accepted transition is persisted twice: the run row itself and
// an append-only TransitionRecord with reason, actor, and timestamp.
// The record stream is the audit trail the API serves and the engine
// consults when resuming a paused run.
package state
