package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openharness/openharness/pkg/audit"
	"github.com/openharness/openharness/pkg/blob"
	"github.com/openharness/openharness/pkg/engine"
	"github.com/openharness/openharness/pkg/stores"
)

func newTestRegistry(t *testing.T) (*Registry, *stores.MemoryStore, *audit.Ledger) {
	t.Helper()
	store := stores.NewMemoryStore()
	ledger, err := audit.Open(context.Background(), store, zerolog.Nop())
	require.NoError(t, err)
	reg := New(store, ledger, blob.NewMemoryStore(), Config{IdempotencyKeyTTL: time.Hour}, zerolog.Nop())
	return reg, store, ledger
}

func testPayload() engine.TaskPayload {
	return engine.TaskPayload{
		Task: "deploy",
		Steps: []engine.StepSpec{
			{Name: "build", Target: "shell", Payload: json.RawMessage(`{"cmd":"make"}`)},
			{Name: "release", Target: "http", Payload: json.RawMessage(`{"url":"https://example.com"}`), RequiresApproval: true},
		},
	}
}

var alice = engine.Actor{Subject: "user:alice"}

func TestSubmitIdempotent(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := newTestRegistry(t)

	run, created, err := reg.Submit(ctx, alice, "key-1", testPayload())
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, engine.RunStatusCreated, run.Status)

	again, created, err := reg.Submit(ctx, alice, "key-1", testPayload())
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, run.ID, again.ID)
}

func TestSubmitConcurrentSameKey(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := newTestRegistry(t)

	const n = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
		ids     = map[string]bool{}
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run, created, err := reg.Submit(ctx, alice, "shared", testPayload())
			if err != nil {
				t.Errorf("submit failed: %v", err)
				return
			}
			mu.Lock()
			if created {
				winners++
			}
			ids[run.ID] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
	assert.Len(t, ids, 1)
}

func TestSubmitValidation(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := newTestRegistry(t)

	_, _, err := reg.Submit(ctx, alice, "", testPayload())
	require.Error(t, err)
	assert.True(t, engine.IsValidation(err))

	_, _, err = reg.Submit(ctx, alice, "key-1", engine.TaskPayload{Task: "noop"})
	require.Error(t, err)
	assert.True(t, engine.IsValidation(err))
}

func TestTransitionRejectsDisallowedEdge(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := newTestRegistry(t)

	run, _, err := reg.Submit(ctx, alice, "key-1", testPayload())
	require.NoError(t, err)

	// created -> completed is not in the lifecycle graph.
	_, err = reg.Transition(ctx, run.ID, engine.RunStatusCompleted, alice, "", 0)
	require.Error(t, err)
	assert.True(t, engine.IsInvalidTransition(err))

	current, err := reg.GetRunStatus(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.RunStatusCreated, current.Run.Status)
	assert.Equal(t, int64(1), current.Run.Version)
}

func TestTransitionAppendsLedgerEntry(t *testing.T) {
	ctx := context.Background()
	reg, _, ledger := newTestRegistry(t)

	run, _, err := reg.Submit(ctx, alice, "key-1", testPayload())
	require.NoError(t, err)

	_, err = reg.Transition(ctx, run.ID, engine.RunStatusRunning, alice, "", 0)
	require.NoError(t, err)

	seq, _ := ledger.Head()
	assert.Equal(t, uint64(2), seq)
	require.NoError(t, ledger.Verify(ctx, 0, 0))
}

func TestCompletionBlockedByStagedArtifact(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := newTestRegistry(t)

	run, _, err := reg.Submit(ctx, alice, "key-1", testPayload())
	require.NoError(t, err)
	_, err = reg.Transition(ctx, run.ID, engine.RunStatusRunning, alice, "", 0)
	require.NoError(t, err)

	_, err = reg.StageArtifact(ctx, run.ID, "report.json", []byte(`{}`))
	require.NoError(t, err)

	_, err = reg.Transition(ctx, run.ID, engine.RunStatusCompleted, engine.SystemActor, "", 1)
	require.Error(t, err)
	assert.True(t, engine.IsInvalidTransition(err))

	require.NoError(t, reg.CommitArtifacts(ctx, run.ID))
	_, err = reg.Transition(ctx, run.ID, engine.RunStatusCompleted, engine.SystemActor, "", 1)
	require.NoError(t, err)
}

func TestApprovalFlow(t *testing.T) {
	ctx := context.Background()
	reg, store, _ := newTestRegistry(t)

	run, _, err := reg.Submit(ctx, alice, "key-1", testPayload())
	require.NoError(t, err)
	run, err = reg.Transition(ctx, run.ID, engine.RunStatusRunning, alice, "", 0)
	require.NoError(t, err)

	steps, err := store.ListStepsByRun(ctx, run.ID)
	require.NoError(t, err)

	approval, err := reg.RequestApproval(ctx, run, steps[1])
	require.NoError(t, err)

	view, err := reg.GetRunStatus(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.RunStatusAwaitingApproval, view.Run.Status)

	decided, err := reg.DecideApproval(ctx, approval.ID, engine.ApprovalApproved, engine.Actor{Subject: "user:bob"}, "lgtm")
	require.NoError(t, err)
	assert.Equal(t, engine.ApprovalApproved, decided.Decision)

	// The decision is single-shot.
	_, err = reg.DecideApproval(ctx, approval.ID, engine.ApprovalRejected, alice, "changed my mind")
	require.Error(t, err)
	assert.True(t, engine.HasCode(err, engine.ErrCodeAlreadyDecided))
}

func TestDecideApprovalLedgerEntryNamesRun(t *testing.T) {
	ctx := context.Background()
	reg, store, _ := newTestRegistry(t)

	run, _, err := reg.Submit(ctx, alice, "key-1", testPayload())
	require.NoError(t, err)
	run, err = reg.Transition(ctx, run.ID, engine.RunStatusRunning, alice, "", 0)
	require.NoError(t, err)

	steps, err := store.ListStepsByRun(ctx, run.ID)
	require.NoError(t, err)
	approval, err := reg.RequestApproval(ctx, run, steps[1])
	require.NoError(t, err)

	_, err = reg.DecideApproval(ctx, approval.ID, engine.ApprovalApproved, engine.Actor{Subject: "user:bob"}, "lgtm")
	require.NoError(t, err)

	entries, err := store.GetAuditRange(ctx, 1, 100)
	require.NoError(t, err)
	var decidedEntry *engine.AuditEntry
	for _, entry := range entries {
		if entry.Event == EventApprovalDecided {
			decidedEntry = entry
		}
	}
	require.NotNil(t, decidedEntry, "expected an approval.decided ledger entry")
	assert.Equal(t, run.ID, decidedEntry.RunID)
	assert.Equal(t, "user:bob", decidedEntry.Actor)
}

func TestCancelRetriesPastConflicts(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := newTestRegistry(t)

	run, _, err := reg.Submit(ctx, alice, "key-1", testPayload())
	require.NoError(t, err)

	// Race transitions against the cancel; the cancel must still land.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = reg.Transition(ctx, run.ID, engine.RunStatusRunning, alice, "", 0)
	}()

	cancelled, err := reg.Cancel(ctx, run.ID, alice, "operator request")
	wg.Wait()
	require.NoError(t, err)
	assert.Equal(t, engine.RunStatusCancelled, cancelled.Status)
}

func TestCancelTerminalRunRejected(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := newTestRegistry(t)

	run, _, err := reg.Submit(ctx, alice, "key-1", testPayload())
	require.NoError(t, err)
	_, err = reg.Cancel(ctx, run.ID, alice, "first")
	require.NoError(t, err)

	_, err = reg.Cancel(ctx, run.ID, alice, "second")
	require.Error(t, err)
	assert.True(t, engine.IsInvalidTransition(err))
}

func TestStepDedupeKeysUnique(t *testing.T) {
	ctx := context.Background()
	reg, store, _ := newTestRegistry(t)

	run, _, err := reg.Submit(ctx, alice, "key-1", testPayload())
	require.NoError(t, err)

	steps, err := store.ListStepsByRun(ctx, run.ID)
	require.NoError(t, err)
	seen := map[string]bool{}
	for _, step := range steps {
		require.NotEmpty(t, step.DedupeKey)
		require.False(t, seen[step.DedupeKey], fmt.Sprintf("duplicate dedupe key %s", step.DedupeKey))
		seen[step.DedupeKey] = true
	}
}
