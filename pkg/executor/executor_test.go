package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openharness/openharness/pkg/audit"
	"github.com/openharness/openharness/pkg/engine"
	"github.com/openharness/openharness/pkg/stores"
	"github.com/openharness/openharness/pkg/telemetry"
)

// mockProvider fails a configurable number of times before succeeding.
type mockProvider struct {
	mu        sync.Mutex
	failures  int
	err       error
	calls     int
	callTimes []time.Time
}

func (p *mockProvider) Invoke(ctx context.Context, req *engine.ProviderRequest) (*engine.ProviderResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.callTimes = append(p.callTimes, time.Now())
	if p.calls <= p.failures {
		err := p.err
		if err == nil {
			err = engine.NewTransientError("connection reset", nil)
		}
		return nil, err
	}
	return &engine.ProviderResponse{Output: json.RawMessage(`{"ok":true}`)}, nil
}

func (p *mockProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// mockSink records outcomes and signals when one arrives.
type mockSink struct {
	mu           sync.Mutex
	succeeded    []engine.QueueMessage
	failed       []engine.QueueMessage
	deadLettered []engine.QueueMessage
	effects      []*engine.SideEffect
	done         chan struct{}
}

func newMockSink() *mockSink {
	return &mockSink{done: make(chan struct{}, 16)}
}

func (s *mockSink) StepSucceeded(ctx context.Context, msg engine.QueueMessage, effect *engine.SideEffect, artifacts []engine.ArtifactContent) {
	s.mu.Lock()
	s.succeeded = append(s.succeeded, msg)
	s.effects = append(s.effects, effect)
	s.mu.Unlock()
	s.done <- struct{}{}
}

func (s *mockSink) StepFailed(ctx context.Context, msg engine.QueueMessage, stepErr error) {
	s.mu.Lock()
	s.failed = append(s.failed, msg)
	s.mu.Unlock()
	s.done <- struct{}{}
}

func (s *mockSink) StepDeadLettered(ctx context.Context, msg engine.QueueMessage, stepErr error) {
	s.mu.Lock()
	s.deadLettered = append(s.deadLettered, msg)
	s.mu.Unlock()
	s.done <- struct{}{}
}

func (s *mockSink) wait(t *testing.T, timeout time.Duration) {
	t.Helper()
	select {
	case <-s.done:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for step outcome")
	}
}

func noopMetrics(t *testing.T) *telemetry.Metrics {
	t.Helper()
	m, err := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}
	return m
}

func noopTracer(t *testing.T) *telemetry.Tracer {
	t.Helper()
	tr, err := telemetry.NewTracer(telemetry.TracingConfig{Enabled: false}, "test", "", "")
	if err != nil {
		t.Fatalf("failed to create tracer: %v", err)
	}
	return tr
}

func openTestLedger(t *testing.T, store engine.Store) *audit.Ledger {
	t.Helper()
	ledger, err := audit.Open(context.Background(), store, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to open ledger: %v", err)
	}
	return ledger
}

type execFixture struct {
	store    *stores.MemoryStore
	queue    *Queue
	executor *Executor
	sink     *mockSink
	run      *engine.Run
	step     *engine.Step
}

func newExecFixture(t *testing.T, provider engine.Provider, fallback engine.Provider, cfg Config) *execFixture {
	t.Helper()
	ctx := context.Background()

	store := stores.NewMemoryStore()
	now := time.Now().UTC()
	run := &engine.Run{
		ID:             "run-1",
		IdempotencyKey: "key-1",
		KeyExpiresAt:   now.Add(time.Hour),
		Status:         engine.RunStatusRunning,
		Version:        1,
		Actor:          engine.Actor{Subject: "user:alice"},
		Payload:        engine.TaskPayload{Task: "deploy"},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	step := &engine.Step{
		ID:        "step-1",
		RunID:     run.ID,
		Index:     0,
		Name:      "deploy",
		Target:    "http",
		DedupeKey: engine.StepDedupeKey(run.ID, 0, []byte(`{}`)),
		Payload:   json.RawMessage(`{}`),
		Outcome:   engine.StepOutcomePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if _, _, err := store.CreateRunIfAbsent(ctx, run, []*engine.Step{step}, nil); err != nil {
		t.Fatalf("failed to seed run: %v", err)
	}

	sink := newMockSink()
	queue := NewQueue(16)
	gate := NewGate(allowAllPolicies(t), openTestLedger(t, store), nil)
	fallbacks := map[string]engine.Provider{}
	if fallback != nil {
		fallbacks["http"] = fallback
	}
	exec := New(store, queue, gate,
		map[string]engine.Provider{"http": provider}, fallbacks,
		sink, noopTracer(t), noopMetrics(t), cfg, zerolog.Nop())
	exec.Start(ctx)
	t.Cleanup(exec.Stop)

	return &execFixture{store: store, queue: queue, executor: exec, sink: sink, run: run, step: step}
}

func (f *execFixture) message() engine.QueueMessage {
	return engine.QueueMessage{
		RunID:     f.run.ID,
		StepID:    f.step.ID,
		DedupeKey: f.step.DedupeKey,
		Target:    f.step.Target,
		Payload:   f.step.Payload,
	}
}

func TestExecutorSuccess(t *testing.T) {
	provider := &mockProvider{}
	f := newExecFixture(t, provider, nil, Config{})

	f.queue.Enqueue(f.message())
	f.sink.wait(t, 5*time.Second)

	if got := provider.callCount(); got != 1 {
		t.Errorf("expected 1 provider call, got %d", got)
	}

	step, err := f.store.GetStep(context.Background(), f.step.ID)
	if err != nil {
		t.Fatalf("failed to load step: %v", err)
	}
	if step.Outcome != engine.StepOutcomeSucceeded {
		t.Errorf("expected succeeded outcome, got %s", step.Outcome)
	}

	effect, err := f.store.GetSideEffect(context.Background(), f.step.DedupeKey)
	if err != nil || effect == nil {
		t.Fatalf("expected recorded side effect, got %v, %v", effect, err)
	}
}

func TestExecutorRetriesTransientThenSucceeds(t *testing.T) {
	provider := &mockProvider{failures: 2}
	f := newExecFixture(t, provider, nil, Config{MaxAttempts: 5})

	f.queue.Enqueue(f.message())
	f.sink.wait(t, 30*time.Second)

	if got := provider.callCount(); got != 3 {
		t.Errorf("expected 3 provider calls, got %d", got)
	}
	f.sink.mu.Lock()
	defer f.sink.mu.Unlock()
	if len(f.sink.succeeded) != 1 {
		t.Errorf("expected one success, got %d", len(f.sink.succeeded))
	}
}

func TestExecutorDeadLettersAfterBudget(t *testing.T) {
	provider := &mockProvider{failures: 100}
	f := newExecFixture(t, provider, nil, Config{MaxAttempts: 2})

	f.queue.Enqueue(f.message())
	f.sink.wait(t, 30*time.Second)

	f.sink.mu.Lock()
	deadLettered := len(f.sink.deadLettered)
	f.sink.mu.Unlock()
	if deadLettered != 1 {
		t.Fatalf("expected one dead letter, got %d", deadLettered)
	}

	step, err := f.store.GetStep(context.Background(), f.step.ID)
	if err != nil {
		t.Fatalf("failed to load step: %v", err)
	}
	if step.Outcome != engine.StepOutcomeDeadLettered {
		t.Errorf("expected dead_lettered outcome, got %s", step.Outcome)
	}
}

func TestExecutorPermanentErrorFailsImmediately(t *testing.T) {
	provider := &mockProvider{
		failures: 100,
		err:      engine.NewPermanentError("bad payload", nil),
	}
	f := newExecFixture(t, provider, nil, Config{MaxAttempts: 5})

	f.queue.Enqueue(f.message())
	f.sink.wait(t, 5*time.Second)

	if got := provider.callCount(); got != 1 {
		t.Errorf("expected 1 provider call for permanent error, got %d", got)
	}
	f.sink.mu.Lock()
	defer f.sink.mu.Unlock()
	if len(f.sink.failed) != 1 {
		t.Errorf("expected one failure, got %d", len(f.sink.failed))
	}
}

func TestExecutorRedeliveryReplaysRecordedOutcome(t *testing.T) {
	provider := &mockProvider{}
	f := newExecFixture(t, provider, nil, Config{})

	// The effect is already recorded, as if a prior delivery crashed
	// after the operation but before the acknowledgment.
	_, err := f.store.RecordSideEffect(context.Background(), &engine.SideEffect{
		DedupeKey: f.step.DedupeKey,
		RunID:     f.run.ID,
		StepID:    f.step.ID,
		Outcome:   json.RawMessage(`{"cached":true}`),
		AppliedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("failed to seed side effect: %v", err)
	}

	f.queue.Enqueue(f.message())
	f.sink.wait(t, 5*time.Second)

	if got := provider.callCount(); got != 0 {
		t.Errorf("provider should not be invoked on redelivery, got %d calls", got)
	}
	f.sink.mu.Lock()
	defer f.sink.mu.Unlock()
	if len(f.sink.effects) != 1 || string(f.sink.effects[0].Outcome) != `{"cached":true}` {
		t.Errorf("expected cached outcome to be replayed, got %+v", f.sink.effects)
	}
}

func TestExecutorFallbackProvider(t *testing.T) {
	primary := &mockProvider{failures: 100}
	fallback := &mockProvider{}
	f := newExecFixture(t, primary, fallback, Config{MaxAttempts: 2})

	f.queue.Enqueue(f.message())
	f.sink.wait(t, 5*time.Second)

	if got := fallback.callCount(); got != 1 {
		t.Errorf("expected fallback to be invoked once, got %d", got)
	}
	f.sink.mu.Lock()
	defer f.sink.mu.Unlock()
	if len(f.sink.succeeded) != 1 {
		t.Errorf("expected success via fallback, got %d", len(f.sink.succeeded))
	}
}

func TestExecutorDropsStepsForInactiveRun(t *testing.T) {
	provider := &mockProvider{}
	f := newExecFixture(t, provider, nil, Config{})

	_, err := f.store.ApplyTransition(context.Background(), f.run.ID, 1, engine.RunStatusCancelled, "cancelled", 0, nil)
	if err != nil {
		t.Fatalf("failed to cancel run: %v", err)
	}

	f.queue.Enqueue(f.message())
	time.Sleep(200 * time.Millisecond)

	if got := provider.callCount(); got != 0 {
		t.Errorf("provider should not run for cancelled run, got %d calls", got)
	}
}

func TestExecutorReplayDoesNotConsumeBreakerProbe(t *testing.T) {
	ctx := context.Background()
	store := stores.NewMemoryStore()
	now := time.Now().UTC()
	run := &engine.Run{
		ID:             "run-1",
		IdempotencyKey: "key-1",
		KeyExpiresAt:   now.Add(time.Hour),
		Status:         engine.RunStatusRunning,
		Version:        1,
		Actor:          engine.Actor{Subject: "user:alice"},
		Payload:        engine.TaskPayload{Task: "deploy"},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	steps := make([]*engine.Step, 3)
	for i := range steps {
		steps[i] = &engine.Step{
			ID:        fmt.Sprintf("step-%d", i+1),
			RunID:     run.ID,
			Index:     i,
			Name:      fmt.Sprintf("step-%d", i+1),
			Target:    "http",
			DedupeKey: engine.StepDedupeKey(run.ID, i, []byte(`{}`)),
			Payload:   json.RawMessage(`{}`),
			Outcome:   engine.StepOutcomePending,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}
	if _, _, err := store.CreateRunIfAbsent(ctx, run, steps, nil); err != nil {
		t.Fatalf("failed to seed run: %v", err)
	}

	// The second step already ran on a prior delivery whose acknowledgment
	// was lost.
	_, err := store.RecordSideEffect(ctx, &engine.SideEffect{
		DedupeKey: steps[1].DedupeKey,
		RunID:     run.ID,
		StepID:    steps[1].ID,
		Outcome:   json.RawMessage(`{"cached":true}`),
		AppliedAt: now,
	})
	if err != nil {
		t.Fatalf("failed to seed side effect: %v", err)
	}

	provider := &mockProvider{failures: 1, err: engine.NewPermanentError("target rejected", nil)}
	sink := newMockSink()
	queue := NewQueue(16)
	gate := NewGate(allowAllPolicies(t), openTestLedger(t, store), nil)
	exec := New(store, queue, gate,
		map[string]engine.Provider{"http": provider}, nil,
		sink, noopTracer(t), noopMetrics(t), Config{
			MaxAttempts: 3,
			Breaker: BreakerConfig{
				FailureThreshold: 1,
				Window:           time.Minute,
				Cooldown:         100 * time.Millisecond,
			},
		}, zerolog.Nop())
	exec.Start(ctx)
	t.Cleanup(exec.Stop)

	msg := func(i int) engine.QueueMessage {
		return engine.QueueMessage{
			RunID:     run.ID,
			StepID:    steps[i].ID,
			DedupeKey: steps[i].DedupeKey,
			Target:    "http",
			Payload:   steps[i].Payload,
		}
	}

	// One permanent failure opens the breaker.
	queue.Enqueue(msg(0))
	sink.wait(t, 5*time.Second)

	// The redelivery replays its recorded outcome without dispatching, so
	// it must not occupy the half-open probe slot.
	queue.Enqueue(msg(1))
	sink.wait(t, 5*time.Second)

	// A fresh step still gets the probe after the cooldown and closes the
	// breaker on success.
	queue.Enqueue(msg(2))
	sink.wait(t, 10*time.Second)

	if got := provider.callCount(); got != 2 {
		t.Errorf("expected 2 provider calls (failure then probe), got %d", got)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.succeeded) != 2 {
		t.Fatalf("expected replay and probe successes, got succeeded=%d failed=%d",
			len(sink.succeeded), len(sink.failed))
	}
	if string(sink.effects[0].Outcome) != `{"cached":true}` {
		t.Errorf("expected cached outcome replayed first, got %s", sink.effects[0].Outcome)
	}
}

func TestCalculateBackoffJitterBand(t *testing.T) {
	// Attempt 1 on a transient error centers on 2s.
	base := 2 * time.Second
	low := time.Duration(float64(base) * 0.75)
	high := time.Duration(float64(base) * 1.25)

	seen := map[time.Duration]bool{}
	for i := 0; i < 64; i++ {
		d := calculateBackoff(1, engine.NewTransientError("connection reset", nil))
		if d < low || d > high {
			t.Fatalf("backoff %v outside [%v, %v]", d, low, high)
		}
		seen[d] = true
	}
	if len(seen) < 2 {
		t.Error("expected randomized backoff to vary across samples")
	}
}

func TestExecutorBreakerDefersWithoutBurningAttempts(t *testing.T) {
	provider := &mockProvider{failures: 2}
	f := newExecFixture(t, provider, nil, Config{
		MaxAttempts: 3,
		Breaker: BreakerConfig{
			FailureThreshold: 2,
			Window:           time.Minute,
			Cooldown:         100 * time.Millisecond,
		},
	})

	f.queue.Enqueue(f.message())
	f.sink.wait(t, 30*time.Second)

	// Two failures trip the breaker; after the cooldown the probe
	// succeeds. Deferrals while open must not have consumed the
	// attempt budget, so the step still succeeds within MaxAttempts.
	f.sink.mu.Lock()
	defer f.sink.mu.Unlock()
	if len(f.sink.succeeded) != 1 {
		t.Fatalf("expected success after breaker recovery, got succeeded=%d deadLettered=%d",
			len(f.sink.succeeded), len(f.sink.deadLettered))
	}
}
