package stores

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/openharness/openharness/pkg/engine"
)

// MemoryStore is a mutex-guarded in-process Store. It backs unit tests and
// `--dev` mode; the SQLite and Postgres stores carry the same contracts for
// real deployments.
type MemoryStore struct {
	mu          sync.Mutex
	runs        map[string]*engine.Run
	keys        map[string]keyEntry
	steps       map[string]*engine.Step
	effects     map[string]*engine.SideEffect
	approvals   map[string]*engine.Approval
	artifacts   map[string]*engine.Artifact
	auditBySeq  map[uint64]*engine.AuditEntry
	auditMaxSeq uint64
}

type keyEntry struct {
	runID     string
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:       make(map[string]*engine.Run),
		keys:       make(map[string]keyEntry),
		steps:      make(map[string]*engine.Step),
		effects:    make(map[string]*engine.SideEffect),
		approvals:  make(map[string]*engine.Approval),
		artifacts:  make(map[string]*engine.Artifact),
		auditBySeq: make(map[uint64]*engine.AuditEntry),
	}
}

// Init implements engine.Store.
func (s *MemoryStore) Init(ctx context.Context) error { return nil }

// Close implements engine.Store.
func (s *MemoryStore) Close() error { return nil }

// HealthCheck implements engine.Store.
func (s *MemoryStore) HealthCheck(ctx context.Context) error { return nil }

// CreateRunIfAbsent implements the idempotent insert-if-absent critical
// section under the store mutex.
func (s *MemoryStore) CreateRunIfAbsent(ctx context.Context, run *engine.Run, steps []*engine.Step, entry *engine.AuditEntry) (*engine.Run, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if k, ok := s.keys[run.IdempotencyKey]; ok && time.Now().Before(k.expiresAt) {
		existing, ok := s.runs[k.runID]
		if !ok {
			return nil, false, internalErr(fmt.Sprintf("idempotency key %s points at missing run", run.IdempotencyKey))
		}
		return cloneRun(existing), false, nil
	}

	s.keys[run.IdempotencyKey] = keyEntry{runID: run.ID, expiresAt: run.KeyExpiresAt}
	s.runs[run.ID] = cloneRun(run)
	for _, st := range steps {
		c := *st
		s.steps[st.ID] = &c
	}
	s.appendAuditLocked(entry)
	return cloneRun(run), true, nil
}

// GetRun implements engine.Store.
func (s *MemoryStore) GetRun(ctx context.Context, id string) (*engine.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, notFound("run", id)
	}
	return cloneRun(run), nil
}

// ListRuns implements engine.Store.
func (s *MemoryStore) ListRuns(ctx context.Context, limit, offset int) ([]*engine.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]*engine.Run, 0, len(s.runs))
	for _, r := range s.runs {
		all = append(all, cloneRun(r))
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	if offset >= len(all) {
		return []*engine.Run{}, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

// ApplyTransition implements the atomic transition+audit unit with the
// optimistic version check.
func (s *MemoryStore) ApplyTransition(ctx context.Context, runID string, fromVersion int64, to engine.RunStatus, errText string, currentStep int, entry *engine.AuditEntry) (*engine.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, notFound("run", runID)
	}
	if run.Version != fromVersion {
		return nil, engine.NewConflictError(
			fmt.Sprintf("run %s at version %d, expected %d", runID, run.Version, fromVersion), nil).
			WithRun(runID)
	}

	run.Status = to
	run.Version++
	run.Error = errText
	run.CurrentStep = currentStep
	run.UpdatedAt = time.Now()
	s.appendAuditLocked(entry)
	return cloneRun(run), nil
}

// GetStep implements engine.Store.
func (s *MemoryStore) GetStep(ctx context.Context, id string) (*engine.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	step, ok := s.steps[id]
	if !ok {
		return nil, notFound("step", id)
	}
	c := *step
	return &c, nil
}

// UpdateStep implements engine.Store.
func (s *MemoryStore) UpdateStep(ctx context.Context, step *engine.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.steps[step.ID]; !ok {
		return notFound("step", step.ID)
	}
	c := *step
	c.UpdatedAt = time.Now()
	s.steps[step.ID] = &c
	return nil
}

// ListStepsByRun implements engine.Store.
func (s *MemoryStore) ListStepsByRun(ctx context.Context, runID string) ([]*engine.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*engine.Step
	for _, st := range s.steps {
		if st.RunID == runID {
			c := *st
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

// RecordSideEffect implements the at-most-once side-effect record.
func (s *MemoryStore) RecordSideEffect(ctx context.Context, effect *engine.SideEffect) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.effects[effect.DedupeKey]; ok {
		return false, nil
	}
	c := *effect
	s.effects[effect.DedupeKey] = &c
	return true, nil
}

// GetSideEffect implements engine.Store.
func (s *MemoryStore) GetSideEffect(ctx context.Context, dedupeKey string) (*engine.SideEffect, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	effect, ok := s.effects[dedupeKey]
	if !ok {
		return nil, nil
	}
	c := *effect
	return &c, nil
}

// CreateApproval implements engine.Store.
func (s *MemoryStore) CreateApproval(ctx context.Context, approval *engine.Approval, entry *engine.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *approval
	s.approvals[approval.ID] = &c
	s.appendAuditLocked(entry)
	return nil
}

// DecideApproval implements the decide-exactly-once contract.
func (s *MemoryStore) DecideApproval(ctx context.Context, id string, decision engine.ApprovalDecision, decider, reason string, at time.Time, entry *engine.AuditEntry) (*engine.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	approval, ok := s.approvals[id]
	if !ok {
		return nil, notFound("approval", id)
	}
	if approval.Decision != engine.ApprovalPending {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("approval %s already decided: %s", id, approval.Decision), nil).
			WithCode(engine.ErrCodeAlreadyDecided)
	}

	approval.Decision = decision
	approval.Decider = decider
	approval.Reason = reason
	decidedAt := at
	approval.DecidedAt = &decidedAt
	s.appendAuditLocked(entry)
	c := *approval
	return &c, nil
}

// GetApproval implements engine.Store.
func (s *MemoryStore) GetApproval(ctx context.Context, id string) (*engine.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	approval, ok := s.approvals[id]
	if !ok {
		return nil, notFound("approval", id)
	}
	c := *approval
	return &c, nil
}

// ListApprovalsByRun implements engine.Store.
func (s *MemoryStore) ListApprovalsByRun(ctx context.Context, runID string) ([]*engine.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*engine.Approval
	for _, a := range s.approvals {
		if a.RunID == runID {
			c := *a
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out, nil
}

// CreateArtifact implements engine.Store.
func (s *MemoryStore) CreateArtifact(ctx context.Context, artifact *engine.Artifact, entry *engine.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *artifact
	s.artifacts[artifact.ID] = &c
	s.appendAuditLocked(entry)
	return nil
}

// CommitArtifact implements engine.Store.
func (s *MemoryStore) CommitArtifact(ctx context.Context, id string, at time.Time, entry *engine.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	artifact, ok := s.artifacts[id]
	if !ok {
		return notFound("artifact", id)
	}
	artifact.State = engine.ArtifactCommitted
	committedAt := at
	artifact.CommittedAt = &committedAt
	s.appendAuditLocked(entry)
	return nil
}

// ListArtifactsByRun implements engine.Store.
func (s *MemoryStore) ListArtifactsByRun(ctx context.Context, runID string) ([]*engine.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*engine.Artifact
	for _, a := range s.artifacts {
		if a.RunID == runID {
			c := *a
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// AppendAudit implements engine.Store.
func (s *MemoryStore) AppendAudit(ctx context.Context, entry *engine.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendAuditLocked(entry)
	return nil
}

// GetAuditRange implements engine.Store.
func (s *MemoryStore) GetAuditRange(ctx context.Context, from, to uint64) ([]*engine.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*engine.AuditEntry
	for seq := from; seq <= to; seq++ {
		if e, ok := s.auditBySeq[seq]; ok {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}

// LatestAudit implements engine.Store.
func (s *MemoryStore) LatestAudit(ctx context.Context) (*engine.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditMaxSeq == 0 {
		return nil, nil
	}
	c := *s.auditBySeq[s.auditMaxSeq]
	return &c, nil
}

// TamperAudit overwrites a stored entry's payload in place, bypassing every
// contract. Test hook for chain verification; no production caller exists.
func (s *MemoryStore) TamperAudit(seq uint64, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.auditBySeq[seq]; ok {
		e.Payload = payload
	}
}

func (s *MemoryStore) appendAuditLocked(entry *engine.AuditEntry) {
	if entry == nil {
		return
	}
	c := *entry
	s.auditBySeq[entry.Seq] = &c
	if entry.Seq > s.auditMaxSeq {
		s.auditMaxSeq = entry.Seq
	}
}

func cloneRun(r *engine.Run) *engine.Run {
	c := *r
	return &c
}

func notFound(kind, id string) error {
	return engine.NewPermanentError(fmt.Sprintf("%s not found: %s", kind, id), nil).
		WithCode(engine.ErrCodeNotFound)
}

func internalErr(msg string) error {
	return engine.NewPermanentError(msg, nil).WithCode(engine.ErrCodeInternal)
}
