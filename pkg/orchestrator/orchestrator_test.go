package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openharness/openharness/pkg/audit"
	"github.com/openharness/openharness/pkg/blob"
	"github.com/openharness/openharness/pkg/engine"
	"github.com/openharness/openharness/pkg/executor"
	"github.com/openharness/openharness/pkg/policy"
	"github.com/openharness/openharness/pkg/registry"
	"github.com/openharness/openharness/pkg/stores"
	"github.com/openharness/openharness/pkg/telemetry"
)

var alice = engine.Actor{Subject: "user:alice"}

// okProvider succeeds and optionally emits an artifact.
type okProvider struct {
	mu       sync.Mutex
	calls    int
	artifact *engine.ArtifactContent
}

func (p *okProvider) Invoke(ctx context.Context, req *engine.ProviderRequest) (*engine.ProviderResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	resp := &engine.ProviderResponse{Output: json.RawMessage(`{"ok":true}`)}
	if p.artifact != nil {
		artifact := *p.artifact
		artifact.Name = fmt.Sprintf("%s-%d", artifact.Name, p.calls)
		resp.Artifacts = []engine.ArtifactContent{artifact}
	}
	return resp, nil
}

func (p *okProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// failProvider always fails with the given error.
type failProvider struct {
	err error
}

func (p *failProvider) Invoke(ctx context.Context, req *engine.ProviderRequest) (*engine.ProviderResponse, error) {
	return nil, p.err
}

// recordingCompensator remembers what it compensated.
type recordingCompensator struct {
	mu    sync.Mutex
	calls []string
}

func (c *recordingCompensator) Compensate(ctx context.Context, req *engine.ProviderRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, req.StepID)
	return nil
}

type fixture struct {
	orch    *Orchestrator
	store   *stores.MemoryStore
	ledger  *audit.Ledger
	blobs   *blob.MemoryStore
	queue   *executor.Queue
	exec    *executor.Executor
	events  []telemetry.Event
	eventMu sync.Mutex
}

func noopTracer(t *testing.T) *telemetry.Tracer {
	t.Helper()
	tracer, err := telemetry.NewTracer(telemetry.TracingConfig{Enabled: false}, "test", "", "")
	if err != nil {
		t.Fatalf("failed to create tracer: %v", err)
	}
	return tracer
}

func allowAllEngine() *policy.Engine {
	eng := policy.NewEngine(zerolog.Nop())
	eng.Replace(&policy.RuleSet{Rules: []policy.Rule{{
		Name:     "allow-all",
		Actor:    policy.ParsePattern("*"),
		Action:   policy.ParsePattern("*"),
		Resource: policy.ParsePattern("*"),
		Effect:   policy.EffectAllow,
	}}})
	return eng
}

func newFixture(t *testing.T, providers map[string]engine.Provider, compensators map[string]engine.Compensator, execCfg executor.Config) *fixture {
	t.Helper()
	ctx := context.Background()

	store := stores.NewMemoryStore()
	ledger, err := audit.Open(ctx, store, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to open ledger: %v", err)
	}
	blobs := blob.NewMemoryStore()
	reg := registry.New(store, ledger, blobs, registry.Config{IdempotencyKeyTTL: time.Hour}, zerolog.Nop())

	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}
	events := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true, BufferSize: 64})
	t.Cleanup(events.Close)

	f := &fixture{store: store, ledger: ledger, blobs: blobs}
	events.Subscribe(func(event telemetry.Event) {
		f.eventMu.Lock()
		f.events = append(f.events, event)
		f.eventMu.Unlock()
	})

	policies := allowAllEngine()
	queue := executor.NewQueue(64)
	gate := executor.NewGate(policies, ledger, nil)
	tracer := noopTracer(t)

	orch := New(reg, store, queue, policies, nil, compensators, ledger, tracer, events, metrics, zerolog.Nop())
	exec := executor.New(store, queue, gate, providers, nil, orch, tracer, metrics, execCfg, zerolog.Nop())
	exec.Start(ctx)
	t.Cleanup(exec.Stop)

	f.orch = orch
	f.queue = queue
	f.exec = exec
	return f
}

func waitForStatus(t *testing.T, store engine.Store, runID string, want engine.RunStatus, timeout time.Duration) *engine.Run {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		run, err := store.GetRun(context.Background(), runID)
		if err == nil && run.Status == want {
			return run
		}
		time.Sleep(10 * time.Millisecond)
	}
	run, _ := store.GetRun(context.Background(), runID)
	t.Fatalf("run %s never reached %s, last status %v", runID, want, run)
	return nil
}

func TestRunLifecycleHappyPath(t *testing.T) {
	ctx := context.Background()
	provider := &okProvider{artifact: &engine.ArtifactContent{Name: "report.json", Content: []byte(`{"result":1}`)}}
	f := newFixture(t, map[string]engine.Provider{"shell": provider}, nil, executor.Config{})

	payload := engine.TaskPayload{
		Task: "build",
		Steps: []engine.StepSpec{
			{Name: "compile", Target: "shell", Payload: json.RawMessage(`{"cmd":"make"}`)},
			{Name: "package", Target: "shell", Payload: json.RawMessage(`{"cmd":"tar"}`)},
		},
	}
	run, err := f.orch.CreateRun(ctx, alice, "key-1", payload)
	if err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	final := waitForStatus(t, f.store, run.ID, engine.RunStatusCompleted, 10*time.Second)
	if final.Version < 2 {
		t.Errorf("expected version to advance, got %d", final.Version)
	}
	if got := provider.callCount(); got != 2 {
		t.Errorf("expected 2 provider calls, got %d", got)
	}

	// Artifacts were committed before completion.
	view, err := f.orch.GetRunStatus(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get run status: %v", err)
	}
	for _, artifact := range view.Artifacts {
		if artifact.State != engine.ArtifactCommitted {
			t.Errorf("artifact %s not committed at completion", artifact.Name)
		}
	}
	for _, step := range view.Steps {
		if step.Outcome != engine.StepOutcomeSucceeded {
			t.Errorf("step %s outcome %s", step.Name, step.Outcome)
		}
	}

	// The ledger chain stayed intact through the whole lifecycle.
	if err := f.ledger.Verify(ctx, 0, 0); err != nil {
		t.Errorf("ledger verification failed: %v", err)
	}
}

func TestApprovalGateParksAndResumes(t *testing.T) {
	ctx := context.Background()
	provider := &okProvider{}
	f := newFixture(t, map[string]engine.Provider{"shell": provider}, nil, executor.Config{})

	payload := engine.TaskPayload{
		Task: "deploy",
		Steps: []engine.StepSpec{
			{Name: "stage", Target: "shell", Payload: json.RawMessage(`{}`)},
			{Name: "promote", Target: "shell", Payload: json.RawMessage(`{}`), RequiresApproval: true},
		},
	}
	run, err := f.orch.CreateRun(ctx, alice, "key-1", payload)
	if err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	waitForStatus(t, f.store, run.ID, engine.RunStatusAwaitingApproval, 10*time.Second)
	if got := provider.callCount(); got != 1 {
		t.Fatalf("gated step must not run before approval, got %d calls", got)
	}

	view, err := f.orch.GetRunStatus(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get run status: %v", err)
	}
	if len(view.Approvals) != 1 {
		t.Fatalf("expected one pending approval, got %d", len(view.Approvals))
	}

	_, err = f.orch.DecideApproval(ctx, engine.Actor{Subject: "user:bob"}, view.Approvals[0].ID, engine.ApprovalApproved, "ship it")
	if err != nil {
		t.Fatalf("failed to approve: %v", err)
	}

	waitForStatus(t, f.store, run.ID, engine.RunStatusCompleted, 10*time.Second)
	if got := provider.callCount(); got != 2 {
		t.Errorf("expected gated step to run after approval, got %d calls", got)
	}
}

func TestApprovalRejectionCancelsRun(t *testing.T) {
	ctx := context.Background()
	provider := &okProvider{}
	comp := &recordingCompensator{}
	f := newFixture(t, map[string]engine.Provider{"shell": provider},
		map[string]engine.Compensator{"shell": comp}, executor.Config{})

	payload := engine.TaskPayload{
		Task: "deploy",
		Steps: []engine.StepSpec{
			{Name: "stage", Target: "shell", Payload: json.RawMessage(`{}`), Compensation: json.RawMessage(`{"undo":true}`)},
			{Name: "promote", Target: "shell", Payload: json.RawMessage(`{}`), RequiresApproval: true},
		},
	}
	run, err := f.orch.CreateRun(ctx, alice, "key-1", payload)
	if err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	waitForStatus(t, f.store, run.ID, engine.RunStatusAwaitingApproval, 10*time.Second)
	view, _ := f.orch.GetRunStatus(ctx, run.ID)

	_, err = f.orch.DecideApproval(ctx, engine.Actor{Subject: "user:bob"}, view.Approvals[0].ID, engine.ApprovalRejected, "not now")
	if err != nil {
		t.Fatalf("failed to reject: %v", err)
	}

	waitForStatus(t, f.store, run.ID, engine.RunStatusCancelled, 10*time.Second)

	// The completed first step was compensated.
	comp.mu.Lock()
	defer comp.mu.Unlock()
	if len(comp.calls) != 1 {
		t.Errorf("expected one compensation, got %d", len(comp.calls))
	}
}

func TestDeadLetterEscalatesRun(t *testing.T) {
	ctx := context.Background()
	provider := &failProvider{err: engine.NewTransientError("target down", nil)}
	f := newFixture(t, map[string]engine.Provider{"shell": provider}, nil, executor.Config{MaxAttempts: 2})

	payload := engine.TaskPayload{
		Task:  "doomed",
		Steps: []engine.StepSpec{{Name: "only", Target: "shell", Payload: json.RawMessage(`{}`)}},
	}
	run, err := f.orch.CreateRun(ctx, alice, "key-1", payload)
	if err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	final := waitForStatus(t, f.store, run.ID, engine.RunStatusDeadLettered, 30*time.Second)
	if final.Error == "" {
		t.Error("expected run error to be recorded")
	}

	view, _ := f.orch.GetRunStatus(ctx, run.ID)
	if view.Steps[0].Outcome != engine.StepOutcomeDeadLettered {
		t.Errorf("expected dead_lettered step, got %s", view.Steps[0].Outcome)
	}
}

func TestPolicyDeniedSubmission(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]engine.Provider{"shell": &okProvider{}}, nil, executor.Config{})

	// Replace the snapshot with a deny rule more specific than allow-all.
	policies := policy.NewEngine(zerolog.Nop())
	policies.Replace(&policy.RuleSet{Rules: []policy.Rule{
		{
			Name:     "allow-all",
			Actor:    policy.ParsePattern("*"),
			Action:   policy.ParsePattern("*"),
			Resource: policy.ParsePattern("*"),
			Effect:   policy.EffectAllow,
		},
		{
			Name:     "deny-prod-deploys",
			Actor:    policy.ParsePattern("user:*"),
			Action:   policy.ParsePattern(ActionCreateRun),
			Resource: policy.ParsePattern("prod-*"),
			Effect:   policy.EffectDeny,
		},
	}})
	f.orch.policies = policies

	_, err := f.orch.CreateRun(ctx, alice, "key-1", engine.TaskPayload{
		Task:  "prod-release",
		Steps: []engine.StepSpec{{Name: "x", Target: "shell", Payload: json.RawMessage(`{}`)}},
	})
	if !engine.IsPolicyDenied(err) {
		t.Fatalf("expected policy denial, got %v", err)
	}

	// A non-matching task is still admitted.
	run, err := f.orch.CreateRun(ctx, alice, "key-2", engine.TaskPayload{
		Task:  "dev-release",
		Steps: []engine.StepSpec{{Name: "x", Target: "shell", Payload: json.RawMessage(`{}`)}},
	})
	if err != nil {
		t.Fatalf("expected dev task to be admitted: %v", err)
	}
	waitForStatus(t, f.store, run.ID, engine.RunStatusCompleted, 10*time.Second)
}

func TestPolicyDenialIsAuditLogged(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]engine.Provider{"shell": &okProvider{}}, nil, executor.Config{})

	policies := policy.NewEngine(zerolog.Nop())
	policies.Replace(&policy.RuleSet{Rules: []policy.Rule{{
		Name:     "deny-everything",
		Actor:    policy.ParsePattern("*"),
		Action:   policy.ParsePattern("*"),
		Resource: policy.ParsePattern("*"),
		Effect:   policy.EffectDeny,
	}}})
	f.orch.policies = policies

	_, err := f.orch.CreateRun(ctx, alice, "key-1", engine.TaskPayload{
		Task:  "blocked",
		Steps: []engine.StepSpec{{Name: "x", Target: "shell", Payload: json.RawMessage(`{}`)}},
	})
	if !engine.IsPolicyDenied(err) {
		t.Fatalf("expected policy denial, got %v", err)
	}

	// The refusal is on the ledger: exactly one entry, attributed to the
	// actor and naming the winning rule.
	entries, err := f.store.GetAuditRange(ctx, 1, 100)
	if err != nil {
		t.Fatalf("failed to read ledger: %v", err)
	}
	var denials []*engine.AuditEntry
	for _, entry := range entries {
		if entry.Event == audit.EventPolicyDenied {
			denials = append(denials, entry)
		}
	}
	if len(denials) != 1 {
		t.Fatalf("expected one denial entry, got %d (of %d total)", len(denials), len(entries))
	}
	if denials[0].Actor != alice.Subject {
		t.Errorf("denial attributed to %s, want %s", denials[0].Actor, alice.Subject)
	}
	if !strings.Contains(string(denials[0].Payload), "deny-everything") {
		t.Errorf("denial entry should name the rule: %s", denials[0].Payload)
	}
	if err := f.ledger.Verify(ctx, 0, 0); err != nil {
		t.Errorf("ledger verification failed after denial: %v", err)
	}
}

func TestIdempotentCreateRun(t *testing.T) {
	ctx := context.Background()
	provider := &okProvider{}
	f := newFixture(t, map[string]engine.Provider{"shell": provider}, nil, executor.Config{})

	payload := engine.TaskPayload{
		Task:  "once",
		Steps: []engine.StepSpec{{Name: "only", Target: "shell", Payload: json.RawMessage(`{}`)}},
	}
	first, err := f.orch.CreateRun(ctx, alice, "same-key", payload)
	if err != nil {
		t.Fatalf("first submit failed: %v", err)
	}
	waitForStatus(t, f.store, first.ID, engine.RunStatusCompleted, 10*time.Second)

	second, err := f.orch.CreateRun(ctx, alice, "same-key", payload)
	if err != nil {
		t.Fatalf("second submit failed: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("expected deduplicated run id %s, got %s", first.ID, second.ID)
	}
	if got := provider.callCount(); got != 1 {
		t.Errorf("provider should have run once, got %d", got)
	}
}
