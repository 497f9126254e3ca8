package engine

import (
	"context"
	"encoding/json"
	"time"
)

// Provider is the model/tool collaborator a step executes against. Failures
// are classified through the Error taxonomy: transient and throttled errors
// drive retry and the circuit breaker, permanent errors fail the step.
type Provider interface {
	// Invoke performs one call against the named dependency target. The
	// context carries the per-call timeout; an expired context is treated
	// as a retryable failure by the executor.
	Invoke(ctx context.Context, req *ProviderRequest) (*ProviderResponse, error)
}

// Compensator is optionally implemented by providers that can undo an
// applied side effect when a run is cancelled.
type Compensator interface {
	Compensate(ctx context.Context, req *ProviderRequest) error
}

// ProviderRequest is the guarded request handed to a provider.
type ProviderRequest struct {
	// Target names the dependency, e.g. "provider:anthropic".
	Target string `json:"target"`

	RunID  string `json:"run_id"`
	StepID string `json:"step_id"`

	// Actor is the principal on whose behalf the call is made; the guard
	// re-evaluates policy against it at time of effect.
	Actor Actor `json:"actor"`

	// Payload is the redacted request body.
	Payload json.RawMessage `json:"payload"`
}

// ProviderResponse is the provider's answer to a successful invocation.
type ProviderResponse struct {
	// Output is the opaque result recorded as the step outcome.
	Output json.RawMessage `json:"output"`

	// Effect describes the external mutation applied, for replay
	// detection and operator inspection.
	Effect string `json:"effect,omitempty"`

	// Artifacts are content blobs produced by the step; the orchestrator
	// stages them and commits them at finalization.
	Artifacts []ArtifactContent `json:"artifacts,omitempty"`
}

// ArtifactContent is an artifact produced by a provider call.
type ArtifactContent struct {
	Name    string `json:"name"`
	Content []byte `json:"content"`
}

// Store is the persistence collaborator. Implementations must honor the
// atomicity contracts stated per method: wherever a mutation takes an audit
// entry, the mutation and the entry are persisted in one atomic unit or not
// at all.
type Store interface {
	// Init opens the underlying storage and prepares the schema.
	Init(ctx context.Context) error

	// Close releases the storage.
	Close() error

	// HealthCheck verifies the storage is reachable.
	HealthCheck(ctx context.Context) error

	// CreateRunIfAbsent atomically inserts the run (with its steps and the
	// audit entry) unless a non-expired run already holds the idempotency
	// key, in which case the existing run is returned and created is false.
	CreateRunIfAbsent(ctx context.Context, run *Run, steps []*Step, entry *AuditEntry) (existing *Run, created bool, err error)

	// GetRun returns a run by id, or a NOT_FOUND error.
	GetRun(ctx context.Context, id string) (*Run, error)

	// ListRuns returns runs ordered by creation time descending.
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)

	// ApplyTransition sets the run's status and error text, increments the
	// version, and appends the audit entry, atomically. A stale
	// fromVersion yields a conflict error and leaves the run unchanged.
	ApplyTransition(ctx context.Context, runID string, fromVersion int64, to RunStatus, errText string, currentStep int, entry *AuditEntry) (*Run, error)

	// GetStep returns a step by id.
	GetStep(ctx context.Context, id string) (*Step, error)

	// UpdateStep persists step attempt counts, outcome, result, and error.
	UpdateStep(ctx context.Context, step *Step) error

	// ListStepsByRun returns the run's steps ordered by index.
	ListStepsByRun(ctx context.Context, runID string) ([]*Step, error)

	// RecordSideEffect inserts the side-effect record unless one already
	// exists for the dedupe key; applied reports whether this call won.
	RecordSideEffect(ctx context.Context, effect *SideEffect) (applied bool, err error)

	// GetSideEffect returns the recorded effect for a dedupe key, or nil.
	GetSideEffect(ctx context.Context, dedupeKey string) (*SideEffect, error)

	// CreateApproval inserts a pending approval with its audit entry.
	CreateApproval(ctx context.Context, approval *Approval, entry *AuditEntry) error

	// DecideApproval records a decision exactly once, with its audit
	// entry. A second decision yields an ALREADY_DECIDED error and leaves
	// the first untouched.
	DecideApproval(ctx context.Context, id string, decision ApprovalDecision, decider, reason string, at time.Time, entry *AuditEntry) (*Approval, error)

	// GetApproval returns an approval by id.
	GetApproval(ctx context.Context, id string) (*Approval, error)

	// ListApprovalsByRun returns the run's approvals ordered by request time.
	ListApprovalsByRun(ctx context.Context, runID string) ([]*Approval, error)

	// CreateArtifact inserts a staged artifact with its audit entry.
	CreateArtifact(ctx context.Context, artifact *Artifact, entry *AuditEntry) error

	// CommitArtifact marks an artifact committed with its audit entry.
	CommitArtifact(ctx context.Context, id string, at time.Time, entry *AuditEntry) error

	// ListArtifactsByRun returns the run's artifacts.
	ListArtifactsByRun(ctx context.Context, runID string) ([]*Artifact, error)

	// AppendAudit persists a standalone audit entry (used only by ledger
	// bootstrap events that do not accompany another mutation).
	AppendAudit(ctx context.Context, entry *AuditEntry) error

	// GetAuditRange returns entries with from <= seq <= to, ordered by seq.
	GetAuditRange(ctx context.Context, from, to uint64) ([]*AuditEntry, error)

	// LatestAudit returns the highest-sequence entry, or nil when empty.
	LatestAudit(ctx context.Context) (*AuditEntry, error)
}
