// Package engine defines the core types, error taxonomy, and collaborator
// interfaces shared by the run-execution components: the run registry and its
// lifecycle state machine, the policy engine, the step executor, and the audit
// ledger.
//
// The package is deliberately leaf-level: it imports no other openharness
// packages so that registry, executor, policy, audit, and storage
// implementations can all depend on it without cycles.
//
// Control flow through the system:
//
//	submission -> Orchestrator -> Registry (create/dedupe)
//	           -> Executor queue -> worker invokes Provider through the guard
//	           -> outcome recorded in Registry + Ledger
//	           -> Orchestrator advances the state machine, possibly pausing
//	              at an approval gate, and finally commits artifacts and
//	              closes the run.
//
// Every state-changing operation passes through the Store as an atomic unit
// together with its audit entry; no component mutates an entity directly.
package engine
