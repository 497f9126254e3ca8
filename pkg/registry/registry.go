// Package registry owns the run lifecycle: idempotent submission, guarded
// status transitions, approvals, and artifact records. Every mutation it
// performs is paired with a ledger entry in the same storage transaction.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openharness/openharness/pkg/audit"
	"github.com/openharness/openharness/pkg/blob"
	"github.com/openharness/openharness/pkg/engine"
)

// Ledger event names.
const (
	EventRunCreated        = "run.created"
	EventRunTransitioned   = "run.transitioned"
	EventRunAdvanced       = "run.advanced"
	EventApprovalRequested = "approval.requested"
	EventApprovalDecided   = "approval.decided"
	EventArtifactStaged    = "artifact.staged"
	EventArtifactCommitted = "artifact.committed"
)

// errDuplicateSubmit aborts the ledger append when the idempotency key
// already points at a live run; no entry is recorded for the loser.
var errDuplicateSubmit = errors.New("duplicate submit")

// Registry coordinates run lifecycle mutations against the store, the
// ledger, and the artifact blob store.
type Registry struct {
	store  engine.Store
	ledger *audit.Ledger
	blobs  blob.Store
	keyTTL time.Duration
	logger zerolog.Logger
}

// Config holds registry settings.
type Config struct {
	// IdempotencyKeyTTL is how long a key claims its run.
	IdempotencyKeyTTL time.Duration
}

// New creates a registry.
func New(store engine.Store, ledger *audit.Ledger, blobs blob.Store, cfg Config, logger zerolog.Logger) *Registry {
	ttl := cfg.IdempotencyKeyTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Registry{
		store:  store,
		ledger: ledger,
		blobs:  blobs,
		keyTTL: ttl,
		logger: logger.With().Str("component", "registry").Logger(),
	}
}

// Submit creates a run for the payload, or returns the existing run when
// the idempotency key is already claimed. The bool reports whether this
// call created the run.
func (r *Registry) Submit(ctx context.Context, actor engine.Actor, idempotencyKey string, payload engine.TaskPayload) (*engine.Run, bool, error) {
	if idempotencyKey == "" {
		return nil, false, engine.NewPermanentError("idempotency key is required", nil).
			WithCode(engine.ErrCodeValidation).
			WithOperation("submit")
	}
	if len(payload.Steps) == 0 {
		return nil, false, engine.NewPermanentError("payload has no steps", nil).
			WithCode(engine.ErrCodeValidation).
			WithOperation("submit")
	}

	now := time.Now().UTC()
	run := &engine.Run{
		ID:             uuid.New().String(),
		IdempotencyKey: idempotencyKey,
		KeyExpiresAt:   now.Add(r.keyTTL),
		Status:         engine.RunStatusCreated,
		Version:        1,
		Actor:          actor,
		Payload:        payload,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	steps := make([]*engine.Step, 0, len(payload.Steps))
	for i, spec := range payload.Steps {
		steps = append(steps, &engine.Step{
			ID:               uuid.New().String(),
			RunID:            run.ID,
			Index:            i,
			Name:             spec.Name,
			Target:           spec.Target,
			DedupeKey:        engine.StepDedupeKey(run.ID, i, spec.Payload),
			Payload:          spec.Payload,
			Compensation:     spec.Compensation,
			RequiresApproval: spec.RequiresApproval,
			Outcome:          engine.StepOutcomePending,
			CreatedAt:        now,
			UpdatedAt:        now,
		})
	}

	var existing *engine.Run
	_, err := r.ledger.Append(ctx, actor.Subject, EventRunCreated, run.ID,
		map[string]interface{}{"task": payload.Task, "steps": len(payload.Steps)},
		func(entry *engine.AuditEntry) error {
			got, created, err := r.store.CreateRunIfAbsent(ctx, run, steps, entry)
			if err != nil {
				return err
			}
			if !created {
				existing = got
				return errDuplicateSubmit
			}
			return nil
		})
	if errors.Is(err, errDuplicateSubmit) {
		r.logger.Debug().
			Str("run_id", existing.ID).
			Str("idempotency_key", idempotencyKey).
			Msg("Submission deduplicated to existing run")
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to create run: %w", err)
	}

	r.logger.Info().
		Str("run_id", run.ID).
		Str("task", payload.Task).
		Int("steps", len(payload.Steps)).
		Msg("Run created")
	return run, true, nil
}

// Transition moves a run to a new status. The run's current status and
// version guard the move: a disallowed edge or a stale version leaves the
// run untouched.
func (r *Registry) Transition(ctx context.Context, runID string, to engine.RunStatus, actor engine.Actor, errText string, currentStep int) (*engine.Run, error) {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return r.transitionFrom(ctx, run, to, actor, errText, currentStep)
}

func (r *Registry) transitionFrom(ctx context.Context, run *engine.Run, to engine.RunStatus, actor engine.Actor, errText string, currentStep int) (*engine.Run, error) {
	if !CanTransition(run.Status, to) {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("cannot transition run from %s to %s", run.Status, to), nil).
			WithCode(engine.ErrCodeInvalidTransition).
			WithRun(run.ID)
	}

	if to == engine.RunStatusCompleted {
		if err := r.requireArtifactsCommitted(ctx, run.ID); err != nil {
			return nil, err
		}
	}

	var updated *engine.Run
	_, err := r.ledger.Append(ctx, actor.Subject, EventRunTransitioned, run.ID,
		map[string]interface{}{"from": run.Status, "to": to},
		func(entry *engine.AuditEntry) error {
			var err error
			updated, err = r.store.ApplyTransition(ctx, run.ID, run.Version, to, errText, currentStep, entry)
			return err
		})
	if err != nil {
		if engine.IsConflict(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to transition run %s: %w", run.ID, err)
	}

	r.logger.Info().
		Str("run_id", run.ID).
		Str("from", string(run.Status)).
		Str("to", string(to)).
		Int64("version", updated.Version).
		Msg("Run transitioned")
	return updated, nil
}

// AdvanceCursor moves the current-step cursor of a running run without
// changing its status.
func (r *Registry) AdvanceCursor(ctx context.Context, runID string, currentStep int) (*engine.Run, error) {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != engine.RunStatusRunning {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("cannot advance run in status %s", run.Status), nil).
			WithCode(engine.ErrCodeInvalidTransition).
			WithRun(runID)
	}

	var updated *engine.Run
	_, err = r.ledger.Append(ctx, engine.SystemActor.Subject, EventRunAdvanced, runID,
		map[string]interface{}{"current_step": currentStep},
		func(entry *engine.AuditEntry) error {
			var err error
			updated, err = r.store.ApplyTransition(ctx, runID, run.Version, engine.RunStatusRunning, "", currentStep, entry)
			return err
		})
	if err != nil {
		if engine.IsConflict(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to advance run %s: %w", runID, err)
	}
	return updated, nil
}

// requireArtifactsCommitted blocks completion while any artifact is staged.
func (r *Registry) requireArtifactsCommitted(ctx context.Context, runID string) error {
	artifacts, err := r.store.ListArtifactsByRun(ctx, runID)
	if err != nil {
		return err
	}
	for _, artifact := range artifacts {
		if artifact.State != engine.ArtifactCommitted {
			return engine.NewPermanentError(
				fmt.Sprintf("artifact %s is still staged", artifact.Name), nil).
				WithCode(engine.ErrCodeInvalidTransition).
				WithRun(runID)
		}
	}
	return nil
}

// Cancel moves a run to cancelled, retrying past version conflicts from
// concurrent transitions. Cancelling a terminal run is rejected.
func (r *Registry) Cancel(ctx context.Context, runID string, actor engine.Actor, reason string) (*engine.Run, error) {
	for attempt := 0; attempt < 5; attempt++ {
		run, err := r.store.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		updated, err := r.transitionFrom(ctx, run, engine.RunStatusCancelled, actor, reason, run.CurrentStep)
		if engine.IsConflict(err) {
			continue
		}
		return updated, err
	}
	return nil, engine.NewConflictError(
		fmt.Sprintf("run %s kept moving during cancel", runID), nil).
		WithRun(runID)
}

// RequestApproval records a pending approval for a step and parks the run.
func (r *Registry) RequestApproval(ctx context.Context, run *engine.Run, step *engine.Step) (*engine.Approval, error) {
	approval := &engine.Approval{
		ID:          uuid.New().String(),
		RunID:       run.ID,
		StepID:      step.ID,
		RequestedAt: time.Now().UTC(),
		Decision:    engine.ApprovalPending,
	}

	_, err := r.ledger.Append(ctx, engine.SystemActor.Subject, EventApprovalRequested, run.ID,
		map[string]interface{}{"step": step.Name, "approval_id": approval.ID},
		func(entry *engine.AuditEntry) error {
			return r.store.CreateApproval(ctx, approval, entry)
		})
	if err != nil {
		return nil, fmt.Errorf("failed to request approval: %w", err)
	}

	if _, err := r.Transition(ctx, run.ID, engine.RunStatusAwaitingApproval, engine.SystemActor, "", step.Index); err != nil {
		return nil, err
	}

	r.logger.Info().
		Str("run_id", run.ID).
		Str("step", step.Name).
		Str("approval_id", approval.ID).
		Msg("Approval requested")
	return approval, nil
}

// DecideApproval records a decision on a pending approval. A second
// decision on the same approval is rejected.
func (r *Registry) DecideApproval(ctx context.Context, approvalID string, decision engine.ApprovalDecision, actor engine.Actor, reason string) (*engine.Approval, error) {
	if decision != engine.ApprovalApproved && decision != engine.ApprovalRejected {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("invalid approval decision %q", decision), nil).
			WithCode(engine.ErrCodeValidation)
	}

	approval, err := r.store.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, err
	}

	var decided *engine.Approval
	_, err = r.ledger.Append(ctx, actor.Subject, EventApprovalDecided, approval.RunID,
		map[string]interface{}{"approval_id": approvalID, "decision": decision, "reason": reason},
		func(entry *engine.AuditEntry) error {
			var err error
			decided, err = r.store.DecideApproval(ctx, approvalID, decision, actor.Subject, reason, time.Now().UTC(), entry)
			return err
		})
	if err != nil {
		if engine.HasCode(err, engine.ErrCodeAlreadyDecided) || engine.IsNotFound(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to decide approval %s: %w", approvalID, err)
	}

	r.logger.Info().
		Str("approval_id", approvalID).
		Str("decision", string(decision)).
		Str("decider", actor.Subject).
		Msg("Approval decided")
	return decided, nil
}

// StageArtifact writes artifact content to the blob store and records it
// as staged.
func (r *Registry) StageArtifact(ctx context.Context, runID, name string, content []byte) (*engine.Artifact, error) {
	ref, err := r.blobs.Stage(ctx, runID, name, content)
	if err != nil {
		return nil, fmt.Errorf("failed to stage artifact content: %w", err)
	}

	artifact := &engine.Artifact{
		ID:         uuid.New().String(),
		RunID:      runID,
		Name:       name,
		ContentRef: ref,
		State:      engine.ArtifactStaged,
		CreatedAt:  time.Now().UTC(),
	}
	_, err = r.ledger.Append(ctx, engine.SystemActor.Subject, EventArtifactStaged, runID,
		map[string]interface{}{"name": name, "ref": ref},
		func(entry *engine.AuditEntry) error {
			return r.store.CreateArtifact(ctx, artifact, entry)
		})
	if err != nil {
		return nil, fmt.Errorf("failed to record artifact: %w", err)
	}
	return artifact, nil
}

// CommitArtifacts moves every staged artifact of a run into the committed
// prefix and marks the records committed.
func (r *Registry) CommitArtifacts(ctx context.Context, runID string) error {
	artifacts, err := r.store.ListArtifactsByRun(ctx, runID)
	if err != nil {
		return err
	}
	for _, artifact := range artifacts {
		if artifact.State == engine.ArtifactCommitted {
			continue
		}
		ref, err := r.blobs.Commit(ctx, artifact.ContentRef)
		if err != nil {
			return fmt.Errorf("failed to commit artifact %s: %w", artifact.Name, err)
		}
		at := time.Now().UTC()
		_, err = r.ledger.Append(ctx, engine.SystemActor.Subject, EventArtifactCommitted, runID,
			map[string]interface{}{"name": artifact.Name, "ref": ref},
			func(entry *engine.AuditEntry) error {
				return r.store.CommitArtifact(ctx, artifact.ID, at, entry)
			})
		if err != nil {
			return fmt.Errorf("failed to record artifact commit: %w", err)
		}
	}
	return nil
}

// GetRunStatus assembles the full view of a run.
func (r *Registry) GetRunStatus(ctx context.Context, runID string) (*engine.RunStatusView, error) {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	steps, err := r.store.ListStepsByRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	approvals, err := r.store.ListApprovalsByRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	artifacts, err := r.store.ListArtifactsByRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &engine.RunStatusView{
		Run:       run,
		Steps:     steps,
		Approvals: approvals,
		Artifacts: artifacts,
	}, nil
}

// ListRuns returns a page of runs, newest first.
func (r *Registry) ListRuns(ctx context.Context, limit, offset int) ([]*engine.Run, error) {
	return r.store.ListRuns(ctx, limit, offset)
}
