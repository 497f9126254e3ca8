// Package orchestrator drives runs end to end: it admits submissions,
// walks their steps through the executor, parks runs on approval gates,
// and settles them into a terminal status.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openharness/openharness/pkg/audit"
	"github.com/openharness/openharness/pkg/engine"
	"github.com/openharness/openharness/pkg/executor"
	"github.com/openharness/openharness/pkg/policy"
	"github.com/openharness/openharness/pkg/registry"
	"github.com/openharness/openharness/pkg/telemetry"
)

// Policy actions evaluated by the orchestrator.
const (
	ActionCreateRun      = "run:create"
	ActionCancelRun      = "run:cancel"
	ActionDecideApproval = "approval:decide"
	ActionCompensateStep = "step:compensate"
)

// PayloadValidator checks a submitted payload against the task schema.
type PayloadValidator interface {
	Validate(payload engine.TaskPayload) error
}

// Orchestrator coordinates the run lifecycle.
type Orchestrator struct {
	registry     *registry.Registry
	store        engine.Store
	queue        *executor.Queue
	policies     *policy.Engine
	validator    PayloadValidator
	compensators map[string]engine.Compensator
	ledger       *audit.Ledger
	tracer       *telemetry.Tracer
	events       *telemetry.EventPublisher
	metrics      *telemetry.Metrics
	logger       zerolog.Logger
}

// New creates an orchestrator. The validator and compensators may be nil.
func New(reg *registry.Registry, store engine.Store, queue *executor.Queue, policies *policy.Engine, validator PayloadValidator, compensators map[string]engine.Compensator, ledger *audit.Ledger, tracer *telemetry.Tracer, events *telemetry.EventPublisher, metrics *telemetry.Metrics, logger zerolog.Logger) *Orchestrator {
	if compensators == nil {
		compensators = map[string]engine.Compensator{}
	}
	return &Orchestrator{
		registry:     reg,
		store:        store,
		queue:        queue,
		policies:     policies,
		validator:    validator,
		compensators: compensators,
		ledger:       ledger,
		tracer:       tracer,
		events:       events,
		metrics:      metrics,
		logger:       logger.With().Str("component", "orchestrator").Logger(),
	}
}

// CreateRun validates and admits a submission, then starts executing it.
// Resubmissions with a live idempotency key return the original run.
func (o *Orchestrator) CreateRun(ctx context.Context, actor engine.Actor, idempotencyKey string, payload engine.TaskPayload) (run *engine.Run, err error) {
	ctx, span := o.tracer.Start(ctx, "run.create")
	defer func() {
		if err != nil {
			telemetry.RecordError(span, err)
		} else {
			telemetry.RecordSuccess(span)
		}
		span.End()
	}()

	if o.validator != nil {
		if err := o.validator.Validate(payload); err != nil {
			return nil, engine.NewPermanentError("payload failed schema validation", err).
				WithCode(engine.ErrCodeValidation).
				WithOperation("create_run")
		}
	}

	decision := o.policies.Evaluate(actor.Subject, ActionCreateRun, payload.Task)
	o.metrics.RecordPolicyDecision(ActionCreateRun, string(decision.Effect))
	if !decision.Allowed() {
		o.ledger.RecordDenial(ctx, actor.Subject, ActionCreateRun, payload.Task, "", "", decision.RuleName())
		return nil, engine.NewPermanentError(
			fmt.Sprintf("policy denied %s for task %s: %s", ActionCreateRun, payload.Task, decision), nil).
			WithCode(engine.ErrCodePolicyDenied)
	}

	run, created, err := o.registry.Submit(ctx, actor, idempotencyKey, payload)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(telemetry.AttrRunID.String(run.ID))
	o.metrics.RecordRunSubmitted(!created)
	if !created {
		return run, nil
	}

	o.events.Publish(telemetry.Event{
		Type:    telemetry.EventTypeRunCreated,
		RunID:   run.ID,
		Message: fmt.Sprintf("Run created for task %s", payload.Task),
		Data:    map[string]interface{}{"actor": actor.Subject},
	})

	if err := o.startRun(ctx, run); err != nil {
		return nil, err
	}
	return o.store.GetRun(ctx, run.ID)
}

// startRun moves a created run into execution, honoring a gate on the
// first step.
func (o *Orchestrator) startRun(ctx context.Context, run *engine.Run) error {
	steps, err := o.store.ListStepsByRun(ctx, run.ID)
	if err != nil {
		return err
	}
	if len(steps) == 0 {
		return engine.NewPermanentError("run has no steps", nil).
			WithCode(engine.ErrCodeValidation).
			WithRun(run.ID)
	}

	run, err = o.registry.Transition(ctx, run.ID, engine.RunStatusRunning, engine.SystemActor, "", 0)
	if err != nil {
		return err
	}
	o.metrics.RecordTransition(string(engine.RunStatusCreated), string(engine.RunStatusRunning))
	o.events.Publish(telemetry.Event{
		Type:    telemetry.EventTypeRunStarted,
		RunID:   run.ID,
		Message: "Run started",
	})

	return o.dispatchStep(ctx, run, steps[0])
}

// dispatchStep either enqueues a step or parks the run on its approval
// gate.
func (o *Orchestrator) dispatchStep(ctx context.Context, run *engine.Run, step *engine.Step) error {
	if step.RequiresApproval && !o.stepApproved(ctx, run.ID, step.ID) {
		approval, err := o.registry.RequestApproval(ctx, run, step)
		if err != nil {
			return err
		}
		o.events.Publish(telemetry.Event{
			Type:    telemetry.EventTypeApprovalRequired,
			RunID:   run.ID,
			StepID:  step.ID,
			Message: fmt.Sprintf("Step %s requires approval", step.Name),
			Data:    map[string]interface{}{"approval_id": approval.ID},
		})
		return nil
	}

	o.queue.Enqueue(engine.QueueMessage{
		RunID:     run.ID,
		StepID:    step.ID,
		DedupeKey: step.DedupeKey,
		Attempt:   step.Attempts,
		Target:    step.Target,
		Payload:   step.Payload,
	})
	return nil
}

// stepApproved reports whether the step already carries an approved
// decision, making dispatch re-entrant after the gate clears.
func (o *Orchestrator) stepApproved(ctx context.Context, runID, stepID string) bool {
	approvals, err := o.store.ListApprovalsByRun(ctx, runID)
	if err != nil {
		return false
	}
	for _, approval := range approvals {
		if approval.StepID == stepID && approval.Decision == engine.ApprovalApproved {
			return true
		}
	}
	return false
}

// DecideApproval applies a decision to a pending approval. Approving
// resumes the run at the gated step; rejecting cancels the run.
func (o *Orchestrator) DecideApproval(ctx context.Context, actor engine.Actor, approvalID string, decision engine.ApprovalDecision, reason string) (decided *engine.Approval, err error) {
	ctx, span := o.tracer.Start(ctx, "approval.decide")
	defer func() {
		if err != nil {
			telemetry.RecordError(span, err)
		} else {
			telemetry.RecordSuccess(span)
		}
		span.End()
	}()

	approval, err := o.store.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(telemetry.AttrRunID.String(approval.RunID))

	policyDecision := o.policies.Evaluate(actor.Subject, ActionDecideApproval, approval.RunID)
	o.metrics.RecordPolicyDecision(ActionDecideApproval, string(policyDecision.Effect))
	if !policyDecision.Allowed() {
		o.ledger.RecordDenial(ctx, actor.Subject, ActionDecideApproval, approval.RunID,
			approval.RunID, approval.StepID, policyDecision.RuleName())
		return nil, engine.NewPermanentError(
			fmt.Sprintf("policy denied %s on run %s: %s", ActionDecideApproval, approval.RunID, policyDecision), nil).
			WithCode(engine.ErrCodePolicyDenied)
	}

	decided, err = o.registry.DecideApproval(ctx, approvalID, decision, actor, reason)
	if err != nil {
		return nil, err
	}

	o.events.Publish(telemetry.Event{
		Type:    telemetry.EventTypeApprovalDecided,
		RunID:   decided.RunID,
		StepID:  decided.StepID,
		Message: fmt.Sprintf("Approval %s %s by %s", approvalID, decision, actor.Subject),
	})

	if decision == engine.ApprovalRejected {
		// A rejected gate ends the run rather than leaving it parked.
		if _, err := o.registry.Cancel(ctx, decided.RunID, actor, "approval rejected: "+reason); err != nil {
			return nil, err
		}
		o.finishRun(ctx, decided.RunID, engine.RunStatusCancelled)
		o.compensate(ctx, decided.RunID)
		return decided, nil
	}

	step, err := o.store.GetStep(ctx, decided.StepID)
	if err != nil {
		return nil, err
	}

	run, err := o.registry.Transition(ctx, decided.RunID, engine.RunStatusApproved, actor, "", step.Index)
	if err != nil {
		return nil, err
	}
	run, err = o.registry.Transition(ctx, run.ID, engine.RunStatusRunning, engine.SystemActor, "", step.Index)
	if err != nil {
		return nil, err
	}

	return decided, o.dispatchStep(ctx, run, step)
}

// Cancel stops a run and compensates its completed steps.
func (o *Orchestrator) Cancel(ctx context.Context, actor engine.Actor, runID, reason string) (run *engine.Run, err error) {
	ctx, span := o.tracer.StartRunSpan(ctx, "run.cancel", runID)
	defer func() {
		if err != nil {
			telemetry.RecordError(span, err)
		} else {
			telemetry.RecordSuccess(span)
		}
		span.End()
	}()

	decision := o.policies.Evaluate(actor.Subject, ActionCancelRun, runID)
	o.metrics.RecordPolicyDecision(ActionCancelRun, string(decision.Effect))
	if !decision.Allowed() {
		o.ledger.RecordDenial(ctx, actor.Subject, ActionCancelRun, runID, runID, "", decision.RuleName())
		return nil, engine.NewPermanentError(
			fmt.Sprintf("policy denied %s on run %s: %s", ActionCancelRun, runID, decision), nil).
			WithCode(engine.ErrCodePolicyDenied)
	}

	run, err = o.registry.Cancel(ctx, runID, actor, reason)
	if err != nil {
		return nil, err
	}
	o.finishRun(ctx, runID, engine.RunStatusCancelled)
	o.compensate(ctx, runID)
	return run, nil
}

// GetRunStatus returns the assembled view of a run.
func (o *Orchestrator) GetRunStatus(ctx context.Context, runID string) (*engine.RunStatusView, error) {
	return o.registry.GetRunStatus(ctx, runID)
}

// ListRuns returns a page of runs, newest first.
func (o *Orchestrator) ListRuns(ctx context.Context, limit, offset int) ([]*engine.Run, error) {
	return o.registry.ListRuns(ctx, limit, offset)
}

// StepSucceeded implements executor.OutcomeSink.
func (o *Orchestrator) StepSucceeded(ctx context.Context, msg engine.QueueMessage, effect *engine.SideEffect, artifacts []engine.ArtifactContent) {
	logger := o.logger.With().Str("run_id", msg.RunID).Str("step_id", msg.StepID).Logger()

	for _, artifact := range artifacts {
		if _, err := o.registry.StageArtifact(ctx, msg.RunID, artifact.Name, artifact.Content); err != nil {
			logger.Error().Err(err).Str("artifact", artifact.Name).Msg("Failed to stage artifact")
			o.failRun(ctx, msg, fmt.Errorf("failed to stage artifact %s: %w", artifact.Name, err))
			return
		}
	}

	o.events.Publish(telemetry.Event{
		Type:    telemetry.EventTypeStepSucceeded,
		RunID:   msg.RunID,
		StepID:  msg.StepID,
		Message: "Step succeeded",
	})

	run, err := o.store.GetRun(ctx, msg.RunID)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load run after step success")
		return
	}
	if run.Status != engine.RunStatusRunning {
		// Cancelled while the step was in flight; nothing to advance.
		return
	}

	step, err := o.store.GetStep(ctx, msg.StepID)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load completed step")
		return
	}

	steps, err := o.store.ListStepsByRun(ctx, msg.RunID)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to list steps")
		return
	}
	next := step.Index + 1
	if next < len(steps) {
		run, err = o.registry.AdvanceCursor(ctx, run.ID, next)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to advance run cursor")
			return
		}
		if err := o.dispatchStep(ctx, run, steps[next]); err != nil {
			logger.Error().Err(err).Msg("Failed to dispatch next step")
		}
		return
	}

	// Last step done: publish artifacts, then complete.
	if err := o.registry.CommitArtifacts(ctx, msg.RunID); err != nil {
		logger.Error().Err(err).Msg("Failed to commit artifacts")
		o.failRun(ctx, msg, err)
		return
	}
	if _, err := o.registry.Transition(ctx, msg.RunID, engine.RunStatusCompleted, engine.SystemActor, "", step.Index); err != nil {
		logger.Error().Err(err).Msg("Failed to complete run")
		return
	}
	o.finishRun(ctx, msg.RunID, engine.RunStatusCompleted)
	o.events.Publish(telemetry.Event{
		Type:    telemetry.EventTypeRunCompleted,
		RunID:   msg.RunID,
		Message: "Run completed",
	})
}

// StepFailed implements executor.OutcomeSink.
func (o *Orchestrator) StepFailed(ctx context.Context, msg engine.QueueMessage, stepErr error) {
	o.events.Publish(telemetry.Event{
		Type:    telemetry.EventTypeStepFailed,
		RunID:   msg.RunID,
		StepID:  msg.StepID,
		Message: stepErr.Error(),
	})
	o.failRun(ctx, msg, stepErr)
	o.compensate(ctx, msg.RunID)
}

// StepDeadLettered implements executor.OutcomeSink.
func (o *Orchestrator) StepDeadLettered(ctx context.Context, msg engine.QueueMessage, stepErr error) {
	logger := o.logger.With().Str("run_id", msg.RunID).Str("step_id", msg.StepID).Logger()

	run, err := o.registry.Transition(ctx, msg.RunID, engine.RunStatusFailed, engine.SystemActor, stepErr.Error(), -1)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to mark run failed")
		return
	}
	if _, err := o.registry.Transition(ctx, run.ID, engine.RunStatusDeadLettered, engine.SystemActor, stepErr.Error(), run.CurrentStep); err != nil {
		logger.Error().Err(err).Msg("Failed to dead-letter run")
		return
	}
	o.finishRun(ctx, msg.RunID, engine.RunStatusDeadLettered)
	o.events.Publish(telemetry.Event{
		Type:    telemetry.EventTypeRunDeadLettered,
		RunID:   msg.RunID,
		StepID:  msg.StepID,
		Message: stepErr.Error(),
	})
	o.compensate(ctx, msg.RunID)
}

func (o *Orchestrator) failRun(ctx context.Context, msg engine.QueueMessage, stepErr error) {
	if _, err := o.registry.Transition(ctx, msg.RunID, engine.RunStatusFailed, engine.SystemActor, stepErr.Error(), -1); err != nil {
		o.logger.Error().Err(err).Str("run_id", msg.RunID).Msg("Failed to mark run failed")
		return
	}
	o.finishRun(ctx, msg.RunID, engine.RunStatusFailed)
	o.events.Publish(telemetry.Event{
		Type:    telemetry.EventTypeRunFailed,
		RunID:   msg.RunID,
		Message: stepErr.Error(),
	})
}

func (o *Orchestrator) finishRun(ctx context.Context, runID string, status engine.RunStatus) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return
	}
	o.metrics.RecordRunFinished(string(status), time.Since(run.CreatedAt))
}

// compensate invokes, in reverse order, the compensation of every step
// that succeeded before the run ended. Compensation passes through the
// same policy check as forward execution.
func (o *Orchestrator) compensate(ctx context.Context, runID string) {
	logger := o.logger.With().Str("run_id", runID).Logger()

	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load run for compensation")
		return
	}
	steps, err := o.store.ListStepsByRun(ctx, runID)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to list steps for compensation")
		return
	}

	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		if step.Outcome != engine.StepOutcomeSucceeded || len(step.Compensation) == 0 {
			continue
		}
		compensator, ok := o.compensators[step.Target]
		if !ok {
			logger.Warn().Str("step", step.Name).Msg("No compensator for target, skipping")
			continue
		}

		decision := o.policies.Evaluate(run.Actor.Subject, ActionCompensateStep, step.Target)
		o.metrics.RecordPolicyDecision(ActionCompensateStep, string(decision.Effect))
		if !decision.Allowed() {
			o.ledger.RecordDenial(ctx, run.Actor.Subject, ActionCompensateStep, step.Target,
				runID, step.ID, decision.RuleName())
			logger.Warn().Str("step", step.Name).Msg("Policy denied compensation, skipping")
			continue
		}

		err := compensator.Compensate(ctx, &engine.ProviderRequest{
			Target:  step.Target,
			RunID:   runID,
			StepID:  step.ID,
			Actor:   run.Actor,
			Payload: step.Compensation,
		})
		if err != nil {
			logger.Error().Err(err).Str("step", step.Name).Msg("Compensation failed")
			continue
		}
		logger.Info().Str("step", step.Name).Msg("Step compensated")
	}
}
