package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openharness/openharness/pkg/engine"
)

// Ledger owns the chain head and hands out sequenced, hashed entries. It
// serializes appends: the chain head only advances once the store reports
// the entry (and whatever mutation it documents) durably written, so a
// failed mutation never leaves a hole in the chain.
type Ledger struct {
	mu       sync.Mutex
	store    engine.Store
	lastSeq  uint64
	lastHash string
	logger   zerolog.Logger
}

// Open loads the chain head from the store.
func Open(ctx context.Context, store engine.Store, logger zerolog.Logger) (*Ledger, error) {
	l := &Ledger{
		store:  store,
		logger: logger.With().Str("component", "audit-ledger").Logger(),
	}
	latest, err := store.LatestAudit(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load audit head: %w", err)
	}
	if latest != nil {
		l.lastSeq = latest.Seq
		l.lastHash = latest.Hash
	}
	return l, nil
}

// Append chains a new entry for the given event. When apply is non-nil it is
// invoked with the finished entry and must persist the entry together with
// the mutation it documents in one atomic unit; when apply is nil the entry
// is persisted on its own. The chain head advances only on success.
func (l *Ledger) Append(ctx context.Context, actor, event, runID string, payload interface{}, apply func(*engine.AuditEntry) error) (*engine.AuditEntry, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, engine.NewPermanentError("failed to encode audit payload", err).
				WithCode(engine.ErrCodeInternal)
		}
		raw = b
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := &engine.AuditEntry{
		Seq:       l.lastSeq + 1,
		Timestamp: time.Now().UTC(),
		Actor:     actor,
		Event:     event,
		RunID:     runID,
		Payload:   raw,
		PrevHash:  l.lastHash,
	}
	entry.Hash = ComputeHash(entry)

	var err error
	if apply != nil {
		err = apply(entry)
	} else {
		err = l.store.AppendAudit(ctx, entry)
	}
	if err != nil {
		return nil, err
	}

	l.lastSeq = entry.Seq
	l.lastHash = entry.Hash

	l.logger.Debug().
		Uint64("seq", entry.Seq).
		Str("event", event).
		Str("run_id", runID).
		Msg("Audit entry chained")

	return entry, nil
}

// EventPolicyDenied is the ledger event recorded for every policy refusal.
const EventPolicyDenied = "policy.denied"

// RecordDenial appends a policy.denied entry naming the actor, the refused
// action and resource, and the rule that won the evaluation. Denials are
// observations, not mutations, so a failed append is logged rather than
// surfaced to the caller.
func (l *Ledger) RecordDenial(ctx context.Context, actor, action, resource, runID, stepID, rule string) {
	payload := map[string]interface{}{
		"action":   action,
		"resource": resource,
		"rule":     rule,
	}
	if stepID != "" {
		payload["step_id"] = stepID
	}
	if _, err := l.Append(ctx, actor, EventPolicyDenied, runID, payload, nil); err != nil {
		l.logger.Error().Err(err).
			Str("action", action).
			Str("resource", resource).
			Msg("Failed to record policy denial")
	}
}

// Head returns the current sequence number and hash of the chain.
func (l *Ledger) Head() (uint64, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq, l.lastHash
}

// Verify recomputes the chain over [from, to] and returns an
// AUDIT_INTEGRITY_ERROR naming the first entry whose hash or back-link does
// not match. to == 0 means "through the current head".
func (l *Ledger) Verify(ctx context.Context, from, to uint64) error {
	if from == 0 {
		from = 1
	}
	if to == 0 {
		head, _ := l.Head()
		to = head
	}
	if to < from {
		return nil
	}

	// The predecessor anchors the first back-link check.
	prevHash := ""
	if from > 1 {
		prev, err := l.store.GetAuditRange(ctx, from-1, from-1)
		if err != nil {
			return fmt.Errorf("failed to load audit anchor: %w", err)
		}
		if len(prev) != 1 {
			return integrityError(from-1, "anchor entry missing")
		}
		prevHash = prev[0].Hash
	}

	entries, err := l.store.GetAuditRange(ctx, from, to)
	if err != nil {
		return fmt.Errorf("failed to load audit range: %w", err)
	}

	expectSeq := from
	for _, e := range entries {
		if e.Seq != expectSeq {
			return integrityError(expectSeq, "entry missing or out of order")
		}
		if e.PrevHash != prevHash {
			return integrityError(e.Seq, "previous-hash link broken")
		}
		if ComputeHash(e) != e.Hash {
			return integrityError(e.Seq, "entry hash mismatch")
		}
		prevHash = e.Hash
		expectSeq++
	}
	if expectSeq != to+1 {
		return integrityError(expectSeq, "entry missing or out of order")
	}
	return nil
}

func integrityError(seq uint64, reason string) error {
	return engine.NewPermanentError(
		fmt.Sprintf("audit chain broken at seq %d: %s", seq, reason), nil).
		WithCode(engine.ErrCodeAuditIntegrity).
		WithDetail("seq", seq)
}
