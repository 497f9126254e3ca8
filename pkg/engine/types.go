package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunStatusCreated          RunStatus = "created"
	RunStatusRunning          RunStatus = "running"
	RunStatusAwaitingApproval RunStatus = "awaiting_approval"
	RunStatusApproved         RunStatus = "approved"
	RunStatusFailed           RunStatus = "failed"
	RunStatusCompleted        RunStatus = "completed"
	RunStatusCancelled        RunStatus = "cancelled"
	RunStatusDeadLettered     RunStatus = "dead_lettered"
)

// IsTerminal returns true when no outgoing transitions exist for the status.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusCancelled, RunStatusDeadLettered:
		return true
	}
	return false
}

// IsActive returns true while the run can still dispatch work.
func (s RunStatus) IsActive() bool {
	switch s {
	case RunStatusCreated, RunStatusRunning, RunStatusAwaitingApproval, RunStatusApproved:
		return true
	}
	return false
}

// StepOutcome is the terminal disposition of a step.
type StepOutcome string

const (
	StepOutcomePending      StepOutcome = "pending"
	StepOutcomeSucceeded    StepOutcome = "succeeded"
	StepOutcomeFailed       StepOutcome = "failed"
	StepOutcomeDeadLettered StepOutcome = "dead_lettered"
)

// ApprovalDecision is the state of an approval gate.
type ApprovalDecision string

const (
	ApprovalPending  ApprovalDecision = "pending"
	ApprovalApproved ApprovalDecision = "approved"
	ApprovalRejected ApprovalDecision = "rejected"
)

// ArtifactState is the commit status of an artifact.
type ArtifactState string

const (
	ArtifactStaged    ArtifactState = "staged"
	ArtifactCommitted ArtifactState = "committed"
)

// Actor identifies the principal performing an operation. Supplied by the
// identity collaborator on every call; never derived inside the core.
type Actor struct {
	// Subject is the stable principal identifier (OIDC sub or system name).
	Subject string `json:"subject"`

	// Email is the resolved email claim, when available.
	Email string `json:"email,omitempty"`

	// Roles are the resolved role claims.
	Roles []string `json:"roles,omitempty"`
}

// SystemActor is the principal used for internally-initiated mutations
// (executor outcomes, finalization, dead-lettering).
var SystemActor = Actor{Subject: "system:harness"}

// TaskPayload is the logical submission body: a named task broken into an
// ordered sequence of steps, each aimed at one dependency target.
type TaskPayload struct {
	// Task is the human-readable task description.
	Task string `json:"task"`

	// Steps is the ordered step list. A run executes them sequentially;
	// a step marked RequiresApproval pauses the run before dispatch.
	Steps []StepSpec `json:"steps"`

	// Metadata carries caller-supplied annotations.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// StepSpec describes one unit of work inside a task payload.
type StepSpec struct {
	// Name is the step name, unique within the payload.
	Name string `json:"name"`

	// Target names the external collaborator, e.g. "provider:anthropic"
	// or "tool:sandbox". One logical queue exists per target.
	Target string `json:"target"`

	// Payload is the opaque request body handed to the provider.
	Payload json.RawMessage `json:"payload"`

	// RequiresApproval pauses the run at this step until a human decides.
	RequiresApproval bool `json:"requires_approval,omitempty"`

	// Compensation, when present, is invoked through the provider guard if
	// the run is cancelled after this step's side effect was applied.
	Compensation json.RawMessage `json:"compensation,omitempty"`
}

// Run is the root entity of the execution graph. Steps, approvals, and
// artifacts are owned collections keyed by the run id; they never point back.
type Run struct {
	// ID is the unique run identifier.
	ID string `json:"id"`

	// IdempotencyKey is the caller-supplied token identifying the logical
	// request. At most one live run exists per key within the TTL window.
	IdempotencyKey string `json:"idempotency_key"`

	// KeyExpiresAt ends the dedupe window; after it, the same key may
	// legitimately start a new run.
	KeyExpiresAt time.Time `json:"key_expires_at"`

	// Status is the current lifecycle state.
	Status RunStatus `json:"status"`

	// Version increases strictly on every accepted transition and backs
	// the optimistic concurrency check.
	Version int64 `json:"version"`

	// Actor is the submitting principal.
	Actor Actor `json:"actor"`

	// Payload is the validated task payload.
	Payload TaskPayload `json:"payload"`

	// CurrentStep is the index of the step being executed or gated.
	CurrentStep int `json:"current_step"`

	// Error is the terminal failure description, when failed.
	Error string `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Step is one enqueued unit of work owned by a run.
type Step struct {
	// ID is the unique step identifier.
	ID string `json:"id"`

	// RunID is the owning run.
	RunID string `json:"run_id"`

	// Index is the step's position in the task payload.
	Index int `json:"index"`

	// Name is the step name from the payload.
	Name string `json:"name"`

	// Target names the dependency the step executes against.
	Target string `json:"target"`

	// DedupeKey is derived from run id, step index, and the
	// attempt-independent payload hash; side effects are recorded under it
	// so a retry never re-applies an effect.
	DedupeKey string `json:"dedupe_key"`

	// Payload is the opaque request body.
	Payload json.RawMessage `json:"payload"`

	// Compensation is carried from the step spec for cancellation cleanup.
	Compensation json.RawMessage `json:"compensation,omitempty"`

	// RequiresApproval marks an approval-gated step.
	RequiresApproval bool `json:"requires_approval,omitempty"`

	// Attempts counts dispatched provider calls. Breaker-deferred
	// redeliveries do not count; nothing was dispatched.
	Attempts int `json:"attempts"`

	// Outcome is the step disposition.
	Outcome StepOutcome `json:"outcome"`

	// Result is the provider output once the step succeeds.
	Result json.RawMessage `json:"result,omitempty"`

	// Error is the last failure description.
	Error string `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Approval is a human decision gate owned by a run. It is decided exactly
// once; duplicate decisions are rejected, never overwritten.
type Approval struct {
	ID          string           `json:"id"`
	RunID       string           `json:"run_id"`
	StepID      string           `json:"step_id"`
	RequestedAt time.Time        `json:"requested_at"`
	Decision    ApprovalDecision `json:"decision"`
	Decider     string           `json:"decider,omitempty"`
	DecidedAt   *time.Time       `json:"decided_at,omitempty"`
	Reason      string           `json:"reason,omitempty"`
}

// Artifact is a content reference produced by a run. A run only completes
// once every artifact is committed.
type Artifact struct {
	ID          string        `json:"id"`
	RunID       string        `json:"run_id"`
	Name        string        `json:"name"`
	ContentRef  string        `json:"content_ref"`
	State       ArtifactState `json:"state"`
	CreatedAt   time.Time     `json:"created_at"`
	CommittedAt *time.Time    `json:"committed_at,omitempty"`
}

// SideEffect records an applied external mutation under a step's dedupe key.
// At most one side effect exists per key regardless of attempt count.
type SideEffect struct {
	DedupeKey string          `json:"dedupe_key"`
	RunID     string          `json:"run_id"`
	StepID    string          `json:"step_id"`
	Outcome   json.RawMessage `json:"outcome"`
	AppliedAt time.Time       `json:"applied_at"`
}

// AuditEntry is one record in the hash-chained audit ledger. All fields are
// fixed structs so json.Marshal field order is deterministic and hashes are
// reproducible.
type AuditEntry struct {
	// Seq is the global, gapless sequence number, starting at 1.
	Seq uint64 `json:"seq"`

	// Timestamp is when the entry was chained.
	Timestamp time.Time `json:"ts"`

	// Actor is the principal responsible for the mutation.
	Actor string `json:"actor"`

	// Event names the mutation, e.g. "RunCreated", "RunTransitioned".
	Event string `json:"event"`

	// RunID is the affected run, when applicable.
	RunID string `json:"run_id,omitempty"`

	// Payload is the event body.
	Payload json.RawMessage `json:"payload,omitempty"`

	// PrevHash is the hash of the predecessor entry ("" for seq 1).
	PrevHash string `json:"prev_hash"`

	// Hash is sha256 over the previous hash and this entry's canonical
	// payload; see the audit package for the exact computation.
	Hash string `json:"hash"`
}

// QueueMessage is the wire unit between the orchestrator and the executor
// workers. One logical queue exists per dependency target.
type QueueMessage struct {
	RunID     string          `json:"run_id"`
	StepID    string          `json:"step_id"`
	DedupeKey string          `json:"dedupe_key"`
	Attempt   int             `json:"attempt"`
	Target    string          `json:"target"`
	Payload   json.RawMessage `json:"payload"`
}

// RunStatusView is the aggregate read model returned by GetRunStatus.
type RunStatusView struct {
	Run       *Run        `json:"run"`
	Steps     []*Step     `json:"steps"`
	Approvals []*Approval `json:"approvals"`
	Artifacts []*Artifact `json:"artifacts"`
}

// StepDedupeKey derives the attempt-independent dedupe key for a step:
// sha256 over run id, step index, and the payload bytes. Two attempts of the
// same logical step always share the key; two different steps never do.
func StepDedupeKey(runID string, index int, payload []byte) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%d\x00", runID, index)
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
