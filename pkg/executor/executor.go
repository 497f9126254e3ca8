package executor

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openharness/openharness/pkg/engine"
	"github.com/openharness/openharness/pkg/telemetry"
)

// OutcomeSink receives terminal step outcomes. The orchestrator implements
// it to advance runs.
type OutcomeSink interface {
	StepSucceeded(ctx context.Context, msg engine.QueueMessage, effect *engine.SideEffect, artifacts []engine.ArtifactContent)
	StepFailed(ctx context.Context, msg engine.QueueMessage, stepErr error)
	StepDeadLettered(ctx context.Context, msg engine.QueueMessage, stepErr error)
}

// Config tunes the executor.
type Config struct {
	// Workers is the number of workers per target.
	Workers int
	// MaxAttempts is the delivery attempt budget per step; the message
	// is dead-lettered when it is exhausted.
	MaxAttempts int
	// InvokeTimeout bounds a single provider invocation.
	InvokeTimeout time.Duration
	// Breaker tunes the per-target circuit breakers.
	Breaker BreakerConfig
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.InvokeTimeout <= 0 {
		c.InvokeTimeout = 2 * time.Minute
	}
	return c
}

// Executor drains the per-target queues, invoking providers through the
// gate and feeding outcomes back to the sink.
type Executor struct {
	store     engine.Store
	queue     *Queue
	breakers  *BreakerSet
	gate      *Gate
	providers map[string]engine.Provider
	fallbacks map[string]engine.Provider
	sink      OutcomeSink
	tracer    *telemetry.Tracer
	metrics   *telemetry.Metrics
	cfg       Config
	logger    zerolog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New creates an executor. Providers are keyed by target; fallbacks are
// optional secondary providers tried when the primary fails retryably.
func New(store engine.Store, queue *Queue, gate *Gate, providers, fallbacks map[string]engine.Provider, sink OutcomeSink, tracer *telemetry.Tracer, metrics *telemetry.Metrics, cfg Config, logger zerolog.Logger) *Executor {
	return &Executor{
		store:     store,
		queue:     queue,
		breakers:  NewBreakerSet(cfg.Breaker),
		gate:      gate,
		providers: providers,
		fallbacks: fallbacks,
		sink:      sink,
		tracer:    tracer,
		metrics:   metrics,
		cfg:       cfg.withDefaults(),
		logger:    logger.With().Str("component", "executor").Logger(),
	}
}

// Start launches workers for every target channel, present and future.
func (e *Executor) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.started = true
	e.ctx, e.cancel = context.WithCancel(ctx)

	e.queue.OnTarget(func(target string, ch <-chan engine.QueueMessage) {
		for i := 0; i < e.cfg.Workers; i++ {
			e.wg.Add(1)
			go e.worker(target, ch)
		}
	})
}

// Stop cancels in-flight work and waits for workers to drain.
func (e *Executor) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	cancel := e.cancel
	e.mu.Unlock()

	cancel()
	e.queue.Close()
	e.wg.Wait()
}

func (e *Executor) worker(target string, ch <-chan engine.QueueMessage) {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			e.process(e.ctx, msg)
		}
	}
}

func (e *Executor) process(ctx context.Context, msg engine.QueueMessage) {
	logger := e.logger.With().
		Str("run_id", msg.RunID).
		Str("step_id", msg.StepID).
		Str("target", msg.Target).
		Int("attempt", msg.Attempt).
		Logger()

	run, err := e.store.GetRun(ctx, msg.RunID)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load run for queued step")
		return
	}
	// Steps only execute while the run is running. Anything parked for
	// approval or already terminal drops the message.
	if run.Status != engine.RunStatusRunning {
		logger.Debug().Str("status", string(run.Status)).Msg("Dropping step for inactive run")
		return
	}

	// A recorded side effect means the operation already happened and a
	// prior acknowledgment was lost. Replay the recorded outcome. This
	// runs before breaker admission: a replay dispatches nothing, so it
	// must not consume the half-open probe slot.
	if effect, err := e.store.GetSideEffect(ctx, msg.DedupeKey); err == nil && effect != nil {
		logger.Info().Msg("Replaying recorded outcome for redelivered step")
		e.finishSuccess(ctx, msg, effect, nil)
		return
	}

	breaker := e.breakers.For(msg.Target)
	if !breaker.Allow() {
		// Deferred by the breaker, not failed: the attempt count is
		// left alone and the message comes back after the cooldown.
		logger.Debug().Msg("Breaker open, deferring step")
		e.metrics.SetBreakerState(msg.Target, 1)
		e.queue.EnqueueAfter(msg, breaker.Cooldown())
		return
	}

	ctx, span := e.tracer.StartStepSpan(ctx, msg.RunID, msg.StepID, msg.Target)
	span.SetAttributes(telemetry.AttrAttempt.Int(msg.Attempt))
	defer span.End()

	started := time.Now()
	resp, invokeErr := e.invoke(ctx, run, msg)
	duration := time.Since(started)

	if invokeErr == nil {
		telemetry.RecordSuccess(span)
		breaker.Record(true)
		e.metrics.SetBreakerState(msg.Target, 0)
		e.metrics.RecordStepExecution(msg.Target, "succeeded", duration)

		effect := &engine.SideEffect{
			DedupeKey: msg.DedupeKey,
			RunID:     msg.RunID,
			StepID:    msg.StepID,
			Outcome:   resp.Output,
			AppliedAt: time.Now().UTC(),
		}
		applied, err := e.store.RecordSideEffect(ctx, effect)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to record side effect")
			return
		}
		if !applied {
			// Lost a race with a concurrent delivery; its record wins.
			if existing, err := e.store.GetSideEffect(ctx, msg.DedupeKey); err == nil && existing != nil {
				effect = existing
			}
		}
		e.finishSuccess(ctx, msg, effect, resp.Artifacts)
		return
	}

	telemetry.RecordError(span, invokeErr)
	breaker.Record(false)
	if breaker.Open() {
		e.metrics.RecordBreakerTrip(msg.Target)
		e.metrics.SetBreakerState(msg.Target, 1)
	}
	e.recordErrorClass(invokeErr)

	if !engine.IsRetryable(invokeErr) {
		logger.Warn().Err(invokeErr).Msg("Step failed permanently")
		e.metrics.RecordStepExecution(msg.Target, "failed", duration)
		e.updateStepOutcome(ctx, msg, engine.StepOutcomeFailed, invokeErr)
		e.sink.StepFailed(ctx, msg, invokeErr)
		return
	}

	nextAttempt := msg.Attempt + 1
	if nextAttempt >= e.cfg.MaxAttempts {
		logger.Warn().Err(invokeErr).Int("attempts", nextAttempt).Msg("Step dead-lettered after exhausting retries")
		e.metrics.RecordStepExecution(msg.Target, "dead_lettered", duration)
		e.metrics.RecordDeadLetter(msg.Target)
		e.updateStepOutcome(ctx, msg, engine.StepOutcomeDeadLettered, invokeErr)
		e.sink.StepDeadLettered(ctx, msg, invokeErr)
		return
	}

	backoff := calculateBackoff(nextAttempt, invokeErr)
	logger.Info().Err(invokeErr).Dur("backoff", backoff).Msg("Step failed, retrying")
	e.metrics.RecordStepRetry()
	e.updateStepAttempts(ctx, msg, nextAttempt, invokeErr)

	retry := msg
	retry.Attempt = nextAttempt
	e.queue.EnqueueAfter(retry, backoff)
}

// invoke runs the primary provider through the gate, falling back to the
// secondary on a retryable failure. Both passes re-check policy because
// the snapshot may have changed since the message was enqueued.
func (e *Executor) invoke(ctx context.Context, run *engine.Run, msg engine.QueueMessage) (*engine.ProviderResponse, error) {
	provider, ok := e.providers[msg.Target]
	if !ok {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("no provider registered for target %s", msg.Target), nil).
			WithCode(engine.ErrCodeProviderFailure).
			WithRun(msg.RunID).
			WithStep(msg.StepID)
	}

	req := &engine.ProviderRequest{
		Target:  msg.Target,
		RunID:   msg.RunID,
		StepID:  msg.StepID,
		Actor:   run.Actor,
		Payload: msg.Payload,
	}

	invokeCtx, cancel := context.WithTimeout(ctx, e.cfg.InvokeTimeout)
	defer cancel()

	started := time.Now()
	resp, err := e.gate.Invoke(invokeCtx, provider, req)
	e.metrics.RecordProviderCall(msg.Target, "primary", time.Since(started))
	if err == nil {
		return resp, nil
	}
	e.metrics.RecordProviderError(msg.Target, "primary")

	fallback, ok := e.fallbacks[msg.Target]
	if !ok || !engine.IsRetryable(err) {
		return nil, err
	}

	fbCtx, fbCancel := context.WithTimeout(ctx, e.cfg.InvokeTimeout)
	defer fbCancel()

	started = time.Now()
	resp, fbErr := e.gate.Invoke(fbCtx, fallback, req)
	e.metrics.RecordProviderCall(msg.Target, "fallback", time.Since(started))
	if fbErr != nil {
		e.metrics.RecordProviderError(msg.Target, "fallback")
		return nil, fbErr
	}
	return resp, nil
}

func (e *Executor) finishSuccess(ctx context.Context, msg engine.QueueMessage, effect *engine.SideEffect, artifacts []engine.ArtifactContent) {
	step, err := e.store.GetStep(ctx, msg.StepID)
	if err != nil {
		e.logger.Error().Err(err).Str("step_id", msg.StepID).Msg("Failed to load step after success")
		return
	}
	step.Outcome = engine.StepOutcomeSucceeded
	step.Result = effect.Outcome
	step.Error = ""
	if err := e.store.UpdateStep(ctx, step); err != nil {
		e.logger.Error().Err(err).Str("step_id", msg.StepID).Msg("Failed to update step outcome")
		return
	}
	e.sink.StepSucceeded(ctx, msg, effect, artifacts)
}

func (e *Executor) updateStepOutcome(ctx context.Context, msg engine.QueueMessage, outcome engine.StepOutcome, stepErr error) {
	step, err := e.store.GetStep(ctx, msg.StepID)
	if err != nil {
		e.logger.Error().Err(err).Str("step_id", msg.StepID).Msg("Failed to load step")
		return
	}
	step.Outcome = outcome
	step.Error = stepErr.Error()
	if err := e.store.UpdateStep(ctx, step); err != nil {
		e.logger.Error().Err(err).Str("step_id", msg.StepID).Msg("Failed to update step outcome")
	}
}

func (e *Executor) updateStepAttempts(ctx context.Context, msg engine.QueueMessage, attempts int, stepErr error) {
	step, err := e.store.GetStep(ctx, msg.StepID)
	if err != nil {
		e.logger.Error().Err(err).Str("step_id", msg.StepID).Msg("Failed to load step")
		return
	}
	step.Attempts = attempts
	step.Error = stepErr.Error()
	if err := e.store.UpdateStep(ctx, step); err != nil {
		e.logger.Error().Err(err).Str("step_id", msg.StepID).Msg("Failed to update step attempts")
	}
}

func (e *Executor) recordErrorClass(err error) {
	switch {
	case engine.IsThrottled(err):
		e.metrics.RecordError("throttled")
	case engine.IsTransient(err):
		e.metrics.RecordError("transient")
	case engine.IsConflict(err):
		e.metrics.RecordError("conflict")
	default:
		e.metrics.RecordError("permanent")
	}
}

// calculateBackoff computes exponential backoff with jitter.
func calculateBackoff(attempt int, err error) time.Duration {
	baseDelay := 1 * time.Second
	if engine.IsThrottled(err) {
		baseDelay = 5 * time.Second
	} else if engine.IsConflict(err) {
		baseDelay = 2 * time.Second
	}

	delay := baseDelay * time.Duration(math.Pow(2, float64(attempt)))
	if delay > time.Minute {
		delay = time.Minute
	}

	// Random jitter in the ±25% band de-synchronizes retry storms.
	jitter := 1 + (rand.Float64()*0.5 - 0.25)
	return time.Duration(float64(delay) * jitter)
}
