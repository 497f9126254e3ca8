package registry

import "github.com/openharness/openharness/pkg/engine"

// transitions is the authoritative run lifecycle graph. Terminal states
// (completed, cancelled, dead_lettered) have no outgoing edges.
var transitions = map[engine.RunStatus][]engine.RunStatus{
	engine.RunStatusCreated: {
		engine.RunStatusRunning,
		engine.RunStatusCancelled,
	},
	engine.RunStatusRunning: {
		engine.RunStatusAwaitingApproval,
		engine.RunStatusCompleted,
		engine.RunStatusFailed,
		engine.RunStatusCancelled,
	},
	engine.RunStatusAwaitingApproval: {
		engine.RunStatusApproved,
		engine.RunStatusCancelled,
	},
	engine.RunStatusApproved: {
		engine.RunStatusRunning,
		engine.RunStatusCancelled,
	},
	engine.RunStatusFailed: {
		engine.RunStatusDeadLettered,
		engine.RunStatusCancelled,
	},
}

// CanTransition reports whether the lifecycle graph allows moving from one
// status to another.
func CanTransition(from, to engine.RunStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
