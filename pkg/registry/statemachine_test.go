package registry

import (
	"testing"

	"github.com/openharness/openharness/pkg/engine"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from    engine.RunStatus
		to      engine.RunStatus
		allowed bool
	}{
		{engine.RunStatusCreated, engine.RunStatusRunning, true},
		{engine.RunStatusCreated, engine.RunStatusCompleted, false},
		{engine.RunStatusRunning, engine.RunStatusAwaitingApproval, true},
		{engine.RunStatusRunning, engine.RunStatusCompleted, true},
		{engine.RunStatusRunning, engine.RunStatusFailed, true},
		{engine.RunStatusAwaitingApproval, engine.RunStatusApproved, true},
		{engine.RunStatusAwaitingApproval, engine.RunStatusRunning, false},
		{engine.RunStatusApproved, engine.RunStatusRunning, true},
		{engine.RunStatusFailed, engine.RunStatusDeadLettered, true},
		{engine.RunStatusFailed, engine.RunStatusRunning, false},
		{engine.RunStatusCompleted, engine.RunStatusRunning, false},
		{engine.RunStatusDeadLettered, engine.RunStatusCancelled, false},
		{engine.RunStatusCancelled, engine.RunStatusRunning, false},
	}

	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.allowed {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.allowed)
		}
	}
}

func TestCancellableFromEveryNonTerminalState(t *testing.T) {
	nonTerminal := []engine.RunStatus{
		engine.RunStatusCreated,
		engine.RunStatusRunning,
		engine.RunStatusAwaitingApproval,
		engine.RunStatusApproved,
		engine.RunStatusFailed,
	}
	for _, from := range nonTerminal {
		if !CanTransition(from, engine.RunStatusCancelled) {
			t.Errorf("expected %s to allow cancellation", from)
		}
	}
}

func TestTerminalStatesHaveNoOutgoingEdges(t *testing.T) {
	terminal := []engine.RunStatus{
		engine.RunStatusCompleted,
		engine.RunStatusCancelled,
		engine.RunStatusDeadLettered,
	}
	for _, from := range terminal {
		if edges, ok := transitions[from]; ok && len(edges) > 0 {
			t.Errorf("terminal state %s has outgoing edges %v", from, edges)
		}
	}
}
